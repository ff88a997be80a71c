// Package plugin 监管辅助协议进程（目前为 hysteria2），其生命周期嵌套在主引擎的运行期内。
package plugin

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"shunt/backend/domain"
	"shunt/backend/service/applog"
	"shunt/backend/service/process"
)

// ErrAlreadyRunning 已有辅助进程在运行
var ErrAlreadyRunning = errors.New("plugin process already running")

// Options 辅助进程参数
type Options struct {
	Hysteria2Binary string
	ConfigDir       string
	StopTimeout     time.Duration
}

// Supervisor 至多持有一个辅助进程
type Supervisor struct {
	opts Options
	log  zerolog.Logger

	mu         sync.Mutex
	handle     *process.Handle
	configPath string

	seq   atomic.Uint64
	start func(process.Spec) (*process.Handle, error)
}

func NewSupervisor(opts Options) *Supervisor {
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = 5 * time.Second
	}
	return &Supervisor{
		opts:  opts,
		log:   applog.For("Plugin"),
		start: process.Start,
	}
}

// Start 为需要辅助进程的配置启动辅助进程；其余协议直接返回 nil。
// localPort 是主引擎出站指向的本地端口，辅助进程在此提供 SOCKS5。
func (s *Supervisor) Start(profile domain.ServerProfile, localPort int) error {
	if !profile.ProtocolType.RequiresPlugin() {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.handle.Running() {
		return ErrAlreadyRunning
	}

	data, err := renderHysteria2(profile, localPort)
	if err != nil {
		return fmt.Errorf("render helper config: %w", err)
	}
	path, err := s.writeConfig(data)
	if err != nil {
		return fmt.Errorf("write helper config: %w", err)
	}

	handle, err := s.start(process.Spec{
		Name:    "hysteria2",
		Binary:  s.opts.Hysteria2Binary,
		Args:    Hysteria2Args(path),
		Dir:     filepath.Dir(path),
		LogPath: filepath.Join(s.opts.ConfigDir, "hysteria2.log"),
	})
	if err != nil {
		_ = os.Remove(path)
		return err
	}

	s.handle = handle
	s.configPath = path
	s.log.Info().Str("profile", profile.GUID).Int("pid", handle.Pid()).Int("socksPort", localPort).
		Str("config", path).Msg("helper started")

	go s.watch(handle)
	return nil
}

// Stop 停止辅助进程；没有进程时什么也不做
func (s *Supervisor) Stop() {
	s.mu.Lock()
	handle := s.handle
	path := s.configPath
	s.handle = nil
	s.configPath = ""
	s.mu.Unlock()

	if handle == nil {
		return
	}
	handle.Stop(s.opts.StopTimeout)
	if path != "" {
		_ = os.Remove(path)
	}
	s.log.Info().Int("pid", handle.Pid()).Msg("helper stopped")
}

// Running 辅助进程是否在运行
func (s *Supervisor) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle.Running()
}

// Hysteria2Args hysteria2 客户端命令行参数
func Hysteria2Args(configPath string) []string {
	return []string{"--disable-update-check", "--config", configPath, "--log-level", "warn", "client"}
}

// writeConfig 写入新文件，文件名由时间戳与递增序号组成，不会覆盖已有文件
func (s *Supervisor) writeConfig(data []byte) (string, error) {
	if err := os.MkdirAll(s.opts.ConfigDir, 0o755); err != nil {
		return "", err
	}
	name := fmt.Sprintf("hy2_%d_%d.json", time.Now().UnixNano(), s.seq.Add(1))
	path := filepath.Join(s.opts.ConfigDir, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return "", err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return "", err
	}
	return path, f.Close()
}

// watch 记录辅助进程的意外退出
func (s *Supervisor) watch(handle *process.Handle) {
	<-handle.Done()
	s.mu.Lock()
	current := s.handle == handle
	s.mu.Unlock()
	if current {
		s.log.Warn().Err(handle.Err()).Int("pid", handle.Pid()).Msg("helper exited unexpectedly")
	}
}
