// Package engine 驱动代理引擎进程（xray）。
package engine

import (
	"context"
	"errors"
)

var (
	// ErrAlreadyRunning 引擎已在运行
	ErrAlreadyRunning = errors.New("engine already running")
	// ErrNotRunning 引擎未运行
	ErrNotRunning = errors.New("engine not running")
	// ErrNoSocksInbound 配置里没有可用于测速的 SOCKS 入站
	ErrNoSocksInbound = errors.New("no socks inbound in running config")
)

// ShutdownEvent 引擎进程退出时的通知
type ShutdownEvent struct {
	// Requested 为 true 表示由 StopLoop 发起
	Requested bool
	Err       error
}

// ShutdownListener 由引擎在进程退出后调用（在引擎自己的 goroutine 中）
type ShutdownListener func(ShutdownEvent)

// Engine 生命周期控制器依赖的代理引擎
type Engine interface {
	// Start 使用完整配置文档启动；返回前确认本地入站已就绪
	Start(ctx context.Context, document []byte) error
	IsRunning() bool
	// StopLoop 请求引擎停止并等待进程退出
	StopLoop() error
	// QueryStats 读取流量计数（tag 为出站标签，key 为 uplink/downlink）
	QueryStats(tag, key string) int64
	// MeasureDelay 经本地入站访问 url，返回耗时毫秒
	MeasureDelay(ctx context.Context, url string) (int64, error)
	SetShutdownListener(ShutdownListener)
}
