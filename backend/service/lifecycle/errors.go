package lifecycle

import (
	"errors"
	"fmt"

	"shunt/backend/domain"
)

var (
	// ErrNoPrimarySelected 尚未选择主节点
	ErrNoPrimarySelected = errors.New("no primary profile selected")
	// ErrInvalidProfile 主节点配置未通过校验
	ErrInvalidProfile = errors.New("invalid primary profile")
	// ErrBusy 另一个启动/停止操作正在进行
	ErrBusy = errors.New("another lifecycle operation is in flight")
	// ErrOverrideNeedsPlugin 类别覆盖节点需要辅助进程，无法作为附加出站
	ErrOverrideNeedsPlugin = errors.New("override profile requires a helper process")
	// ErrEngineExited 引擎在启动完成前退出
	ErrEngineExited = errors.New("engine exited during start")
	// ErrStopTimeout 重启时上一次停止未在限定时间内完成
	ErrStopTimeout = errors.New("previous stop did not finish in time")
)

// ValidationError 配置校验失败的具体原因
type ValidationError struct {
	GUID   string
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e == nil {
		return ErrInvalidProfile.Error()
	}
	return fmt.Sprintf("%s %s: %s: %s", ErrInvalidProfile.Error(), e.GUID, e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrInvalidProfile }

// StartError 启动失败，Stage 标明失败的阶段
type StartError struct {
	Stage string
	GUID  string
	Cause error
}

func (e *StartError) Error() string {
	if e.GUID != "" {
		return fmt.Sprintf("start %s (%s): %v", e.Stage, e.GUID, e.Cause)
	}
	return fmt.Sprintf("start %s: %v", e.Stage, e.Cause)
}

func (e *StartError) Unwrap() error { return e.Cause }

func startError(stage string, profile domain.ServerProfile, cause error) error {
	return &StartError{Stage: stage, GUID: profile.GUID, Cause: cause}
}
