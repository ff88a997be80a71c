//go:build darwin || linux

package process

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestStart_WritesLogAndReportsExit(t *testing.T) {
	t.Parallel()

	logPath := filepath.Join(t.TempDir(), "logs", "helper.log")
	h, err := Start(Spec{Name: "echo", Binary: "sh", Args: []string{"-c", "echo hello"}, LogPath: logPath})
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("process did not exit")
	}
	if h.Running() {
		t.Fatalf("expected process to be reported as exited")
	}
	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(data), "hello") {
		t.Fatalf("expected output in log file, got %q", data)
	}
}

func TestStop_TerminatesProcessGroup(t *testing.T) {
	t.Parallel()

	h, err := Start(Spec{Name: "sleep", Binary: "sleep", Args: []string{"30"}})
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if h.Pid() <= 1 {
		t.Fatalf("unexpected pid %d", h.Pid())
	}

	h.Stop(2 * time.Second)
	if h.Running() {
		t.Fatalf("expected process to be stopped")
	}
	// 重复调用不应阻塞
	h.Stop(time.Second)
}

func TestWaitForPort_ReturnsWhenProcessExits(t *testing.T) {
	t.Parallel()

	h, err := Start(Spec{Name: "false", Binary: "sh", Args: []string{"-c", "exit 3"}})
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	err = h.WaitForPort(1, 5*time.Second)
	if !errors.Is(err, ErrExited) {
		t.Fatalf("expected ErrExited, got %v", err)
	}
}

func TestStart_MissingBinary(t *testing.T) {
	t.Parallel()

	if _, err := Start(Spec{Name: "none", Binary: filepath.Join(t.TempDir(), "missing")}); err == nil {
		t.Fatalf("expected start error")
	}
	if _, err := Start(Spec{Name: "empty"}); err == nil {
		t.Fatalf("expected error for empty binary")
	}
}
