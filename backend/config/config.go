// Package config 读取应用配置（YAML），未出现的字段使用默认值。
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// EnvConfigPath 覆盖配置文件路径的环境变量
const EnvConfigPath = "SHUNT_CONFIG"

// Config 主配置结构
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Log       LogConfig       `yaml:"log"`
	Engine    EngineConfig    `yaml:"engine"`
	Plugin    PluginConfig    `yaml:"plugin"`
	Lifecycle LifecycleConfig `yaml:"lifecycle"`
	Inbound   InboundConfig   `yaml:"inbound"`
}

// ServerConfig HTTP 控制面
type ServerConfig struct {
	Addr string `yaml:"addr" validate:"required"`
}

// StorageConfig 仓储后端
type StorageConfig struct {
	Driver       string `yaml:"driver" validate:"oneof=sqlite memory"`
	DSN          string `yaml:"dsn" validate:"required_if=Driver sqlite"`
	TablePrefix  string `yaml:"table_prefix"`
	SnapshotPath string `yaml:"snapshot_path" validate:"required_if=Driver memory"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level      string `yaml:"level" validate:"oneof=trace debug info warn error"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size" validate:"min=1,max=1024"`
	MaxBackups int    `yaml:"max_backups" validate:"min=0,max=100"`
	MaxAgeDays int    `yaml:"max_age" validate:"min=0,max=365"`
	Compress   bool   `yaml:"compress"`
	Console    bool   `yaml:"console"`
}

// EngineConfig 代理引擎（xray）进程
type EngineConfig struct {
	Binary         string        `yaml:"binary" validate:"required"`
	RuntimeDir     string        `yaml:"runtime_dir" validate:"required"`
	StatsAPIPort   int           `yaml:"stats_api_port" validate:"min=0,max=65535"`
	ReadyTimeout   time.Duration `yaml:"ready_timeout"`
	StopTimeout    time.Duration `yaml:"stop_timeout"`
	KernelLogLevel string        `yaml:"kernel_log_level" validate:"omitempty,oneof=debug info warning error none"`
}

// PluginConfig 辅助进程（hysteria2）
type PluginConfig struct {
	Hysteria2Binary string `yaml:"hysteria2_binary"`
	ConfigDir       string `yaml:"config_dir" validate:"required"`
}

// LifecycleConfig 生命周期控制
type LifecycleConfig struct {
	RestartDelay      time.Duration `yaml:"restart_delay"`
	DelayTestURL      string        `yaml:"delay_test_url" validate:"required,url"`
	DelayTestURLAlt   string        `yaml:"delay_test_url_alt" validate:"omitempty,url"`
	TelemetryInterval time.Duration `yaml:"telemetry_interval"`
}

// InboundConfig 文档没有入站时补上的默认 SOCKS 入站
type InboundConfig struct {
	Listen    string `yaml:"listen" validate:"required,ip"`
	SocksPort int    `yaml:"socks_port" validate:"min=1,max=65535"`
	HTTPPort  int    `yaml:"http_port" validate:"min=0,max=65535"`
}

// Default 返回默认配置
func Default() Config {
	return Config{
		Server: ServerConfig{Addr: ":19080"},
		Storage: StorageConfig{
			Driver:       "sqlite",
			DSN:          "data/shunt.db",
			SnapshotPath: "data/state.json",
		},
		Log: LogConfig{
			Level:      "info",
			File:       "data/logs/app.log",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 7,
			Console:    true,
		},
		Engine: EngineConfig{
			Binary:         "xray",
			RuntimeDir:     "data/runtime",
			ReadyTimeout:   5 * time.Second,
			StopTimeout:    10 * time.Second,
			KernelLogLevel: "warning",
		},
		Plugin: PluginConfig{
			Hysteria2Binary: "hysteria",
			ConfigDir:       "data/runtime/plugin",
		},
		Lifecycle: LifecycleConfig{
			RestartDelay:      500 * time.Millisecond,
			DelayTestURL:      "https://www.gstatic.com/generate_204",
			DelayTestURLAlt:   "https://www.google.com/generate_204",
			TelemetryInterval: 3 * time.Second,
		},
		Inbound: InboundConfig{
			Listen:    "127.0.0.1",
			SocksPort: 10808,
			HTTPPort:  10809,
		},
	}
}

// ResolvePath 决定配置文件路径：显式参数优先，其次环境变量
func ResolvePath(flagPath string) string {
	if p := strings.TrimSpace(flagPath); p != "" {
		return p
	}
	return strings.TrimSpace(os.Getenv(EnvConfigPath))
}

// Load 读取配置文件并校验。path 为空或文件不存在时返回默认配置。
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, cfg.Validate()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, cfg.Validate()
		}
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate 校验配置
func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Lifecycle.RestartDelay < 0 {
		return errors.New("invalid config: lifecycle.restart_delay must not be negative")
	}
	return nil
}
