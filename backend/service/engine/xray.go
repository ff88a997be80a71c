package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"shunt/backend/service/applog"
	"shunt/backend/service/process"
)

// Options xray 引擎参数
type Options struct {
	Binary       string
	RuntimeDir   string
	StatsAPIPort int
	ReadyTimeout time.Duration
	StopTimeout  time.Duration
}

type xrayRun struct {
	handle    *process.Handle
	socksPort int

	mu        sync.Mutex
	requested bool
}

// XrayEngine 以外部进程方式运行 xray（`xray run -c <config>`）
type XrayEngine struct {
	opts Options
	log  zerolog.Logger

	mu       sync.Mutex
	run      *xrayRun
	listener ShutdownListener

	// statsCmd 执行 `xray api stats`，测试中可替换
	statsCmd func(ctx context.Context, binary string, args ...string) ([]byte, error)
}

func NewXrayEngine(opts Options) *XrayEngine {
	if opts.ReadyTimeout <= 0 {
		opts.ReadyTimeout = 5 * time.Second
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = 10 * time.Second
	}
	return &XrayEngine{
		opts:     opts,
		log:      applog.For("Engine"),
		statsCmd: runCommand,
	}
}

// SetShutdownListener 注册进程退出回调
func (e *XrayEngine) SetShutdownListener(l ShutdownListener) {
	e.mu.Lock()
	e.listener = l
	e.mu.Unlock()
}

// ConfigPath 运行时配置文件路径
func (e *XrayEngine) ConfigPath() string {
	return filepath.Join(e.opts.RuntimeDir, "config.json")
}

// KernelLogPath 引擎输出日志路径
func (e *XrayEngine) KernelLogPath() string {
	return filepath.Join(e.opts.RuntimeDir, "kernel.log")
}

// Start 写入配置并启动 xray
func (e *XrayEngine) Start(ctx context.Context, document []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.run != nil && e.run.handle.Running() {
		return ErrAlreadyRunning
	}
	if !gjson.ValidBytes(document) {
		return fmt.Errorf("engine config is not valid JSON")
	}

	if e.opts.StatsAPIPort > 0 {
		injected, err := injectStatsAPI(document, e.opts.StatsAPIPort)
		if err != nil {
			return fmt.Errorf("inject stats api: %w", err)
		}
		document = injected
	}

	configPath := e.ConfigPath()
	if err := writeFileAtomic(configPath, document); err != nil {
		return fmt.Errorf("write engine config: %w", err)
	}

	handle, err := process.Start(process.Spec{
		Name:       "xray",
		Binary:     e.opts.Binary,
		Args:       []string{"run", "-c", configPath},
		Dir:        e.opts.RuntimeDir,
		Env:        []string{"XRAY_LOCATION_ASSET=" + e.opts.RuntimeDir},
		LogPath:    e.KernelLogPath(),
		SearchDirs: []string{e.opts.RuntimeDir},
	})
	if err != nil {
		return err
	}

	run := &xrayRun{handle: handle, socksPort: socksPort(document)}
	if err := e.waitReady(ctx, run); err != nil {
		handle.Stop(e.opts.StopTimeout)
		return err
	}

	e.run = run
	go e.monitor(run)
	e.log.Info().Int("pid", handle.Pid()).Int("socksPort", run.socksPort).Str("config", configPath).Msg("engine started")
	return nil
}

func (e *XrayEngine) waitReady(ctx context.Context, run *xrayRun) error {
	ready := make(chan error, 1)
	go func() { ready <- run.handle.WaitForPort(run.socksPort, e.opts.ReadyTimeout) }()
	select {
	case err := <-ready:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsRunning 引擎进程是否存活
func (e *XrayEngine) IsRunning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.run != nil && e.run.handle.Running()
}

// StopLoop 终止进程并等待退出；未运行时返回 ErrNotRunning
func (e *XrayEngine) StopLoop() error {
	e.mu.Lock()
	run := e.run
	e.mu.Unlock()

	if run == nil || !run.handle.Running() {
		return ErrNotRunning
	}
	run.mu.Lock()
	run.requested = true
	run.mu.Unlock()

	run.handle.Stop(e.opts.StopTimeout)
	return nil
}

// monitor 进程退出后清理状态并通知监听者
func (e *XrayEngine) monitor(run *xrayRun) {
	<-run.handle.Done()

	e.mu.Lock()
	if e.run == run {
		e.run = nil
	}
	listener := e.listener
	e.mu.Unlock()

	run.mu.Lock()
	ev := ShutdownEvent{Requested: run.requested, Err: run.handle.Err()}
	run.mu.Unlock()

	if !ev.Requested {
		e.log.Warn().Err(ev.Err).Int("pid", run.handle.Pid()).Msg("engine exited on its own")
	}
	if listener != nil {
		listener(ev)
	}
}

func (e *XrayEngine) currentSocksPort() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.run == nil {
		return 0
	}
	return e.run.socksPort
}

// socksPort 找到第一个 SOCKS 入站的端口
func socksPort(document []byte) int {
	port := gjson.GetBytes(document, `inbounds.#(protocol=="socks").port`)
	if !port.Exists() {
		return 0
	}
	return int(port.Int())
}

func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
