// Package process 启动并监管外部子进程（代理引擎与辅助进程共用）。
package process

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"
)

// ErrExited 进程在就绪前已经退出
var ErrExited = errors.New("process exited")

// Spec 子进程启动参数
type Spec struct {
	Name   string
	Binary string
	Args   []string
	Dir    string
	Env    []string
	// LogPath 非空时 stdout/stderr 同时写入该文件（每次启动截断）
	LogPath string
	// Stdout/Stderr 额外输出目标，可为空
	Stdout io.Writer
	Stderr io.Writer

	// SearchDirs Binary 不在 PATH 中时额外查找的目录
	SearchDirs []string
}

// Handle 运行中的子进程
type Handle struct {
	Name      string
	Cmd       *exec.Cmd
	StartedAt time.Time
	LogPath   string

	done      chan struct{}
	logCloser io.Closer
	waitErr   error
	stopOnce  sync.Once
}

// Start 启动子进程并在后台等待其退出
func Start(spec Spec) (*Handle, error) {
	if spec.Binary == "" {
		return nil, fmt.Errorf("%s: binary path is empty", spec.Name)
	}
	binary, err := ResolveBinary(spec.Binary, spec.SearchDirs...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", spec.Name, err)
	}

	cmd := exec.Command(binary, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = mergeEnv(os.Environ(), spec.Env)
	setupProcessGroup(cmd)

	stdout, stderr := spec.Stdout, spec.Stderr
	var logFile *os.File
	if spec.LogPath != "" {
		f, err := openTrunc(spec.LogPath)
		if err != nil {
			return nil, fmt.Errorf("%s: open log file: %w", spec.Name, err)
		}
		logFile = f
		_, _ = fmt.Fprintf(logFile, "----- %s start %s -----\n", spec.Name, time.Now().Format(time.RFC3339Nano))
		stdout = newFanoutWriter(stdout, logFile)
		stderr = newFanoutWriter(stderr, logFile)
	}
	if stdout != nil {
		cmd.Stdout = stdout
	}
	if stderr != nil {
		cmd.Stderr = stderr
	}

	if err := cmd.Start(); err != nil {
		if logFile != nil {
			_ = logFile.Close()
		}
		return nil, fmt.Errorf("%s: start: %w", spec.Name, err)
	}

	h := &Handle{
		Name:      spec.Name,
		Cmd:       cmd,
		StartedAt: time.Now(),
		LogPath:   spec.LogPath,
		done:      make(chan struct{}),
	}
	if logFile != nil {
		h.logCloser = logFile
	}
	go h.wait()
	return h, nil
}

func (h *Handle) wait() {
	h.waitErr = h.Cmd.Wait()
	if h.logCloser != nil {
		_ = h.logCloser.Close()
	}
	close(h.done)
}

// Done 进程退出后关闭
func (h *Handle) Done() <-chan struct{} { return h.done }

// Err 进程退出状态，仅在 Done 关闭后有效
func (h *Handle) Err() error {
	select {
	case <-h.done:
		return h.waitErr
	default:
		return nil
	}
}

// Pid 返回进程号
func (h *Handle) Pid() int {
	if h == nil || h.Cmd == nil || h.Cmd.Process == nil {
		return 0
	}
	return h.Cmd.Process.Pid
}

// Running 进程是否仍在运行
func (h *Handle) Running() bool {
	if h == nil {
		return false
	}
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

// Stop 先优雅终止，超时后强杀整个进程组。重复调用安全。
func (h *Handle) Stop(timeout time.Duration) {
	if h == nil || h.Cmd == nil || h.Cmd.Process == nil {
		return
	}
	h.stopOnce.Do(func() {
		if !h.Running() {
			return
		}
		_ = terminate(h.Cmd)
		select {
		case <-h.done:
			return
		case <-time.After(timeout):
		}
		_ = kill(h.Cmd)
		<-h.done
	})
}

// WaitForPort 等待本地端口被监听。进程提前退出时返回 ErrExited。
func (h *Handle) WaitForPort(port int, timeout time.Duration) error {
	if port <= 0 {
		return nil
	}
	deadline := time.Now().Add(timeout)
	addr := fmt.Sprintf("127.0.0.1:%d", port)
	for time.Now().Before(deadline) {
		select {
		case <-h.done:
			return fmt.Errorf("%s: %w before listening on %d: %v", h.Name, ErrExited, port, h.waitErr)
		default:
		}
		// 用 Listen 探测端口是否已被占用（占用 = 有进程监听），不制造多余连接
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			if errors.Is(err, syscall.EADDRINUSE) {
				return nil
			}
		} else {
			_ = ln.Close()
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("%s: not ready on port %d after %s", h.Name, port, timeout)
}

func openTrunc(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
}

// mergeEnv 合并环境变量，overrides 覆盖同名项
func mergeEnv(base, overrides []string) []string {
	if len(overrides) == 0 {
		return base
	}
	index := make(map[string]int, len(base))
	out := make([]string, 0, len(base)+len(overrides))
	for _, kv := range base {
		index[envKey(kv)] = len(out)
		out = append(out, kv)
	}
	for _, kv := range overrides {
		if i, ok := index[envKey(kv)]; ok {
			out[i] = kv
			continue
		}
		index[envKey(kv)] = len(out)
		out = append(out, kv)
	}
	return out
}

func envKey(kv string) string {
	for i := 0; i < len(kv); i++ {
		if kv[i] == '=' {
			return kv[:i]
		}
	}
	return kv
}

type fanoutWriter struct {
	writers []io.Writer
}

func newFanoutWriter(writers ...io.Writer) io.Writer {
	nonNil := make([]io.Writer, 0, len(writers))
	for _, w := range writers {
		if w != nil {
			nonNil = append(nonNil, w)
		}
	}
	return &fanoutWriter{writers: nonNil}
}

func (w *fanoutWriter) Write(p []byte) (int, error) {
	for _, dst := range w.writers {
		_, _ = dst.Write(p)
	}
	return len(p), nil
}
