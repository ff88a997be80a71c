// Package lifecycle 驱动代理引擎与辅助进程的启动、停止与重启。
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"shunt/backend/domain"
	"shunt/backend/repository"
	"shunt/backend/repository/events"
	"shunt/backend/service/applog"
	"shunt/backend/service/engine"
	"shunt/backend/service/render"
	"shunt/backend/service/shunt"
)

// Profiles 读取服务器配置
type Profiles interface {
	Get(ctx context.Context, guid string) (domain.ServerProfile, error)
}

// Selections 主节点与类别选择
type Selections interface {
	SelectedPrimary(ctx context.Context) (string, error)
	SetSelectedPrimary(ctx context.Context, guid string) error
	CategorySelection(ctx context.Context, tag domain.CategoryTag) (string, error)
}

// Renderer 单节点配置渲染
type Renderer interface {
	Render(ctx context.Context, guid string) (render.Result, error)
}

// PluginSupervisor 辅助进程监管
type PluginSupervisor interface {
	Start(profile domain.ServerProfile, localPort int) error
	Stop()
}

// Deps 控制器依赖
type Deps struct {
	Profiles    Profiles
	Selections  Selections
	Renderer    Renderer
	Synthesizer *shunt.Synthesizer
	Engine      engine.Engine
	Plugin      PluginSupervisor
	Bus         *events.Bus
}

// Options 控制器参数
type Options struct {
	DelayTestURL      string
	DelayTestURLAlt   string
	TelemetryInterval time.Duration

	// RestartDelay 重启时停止与再次启动之间的间隔，留给引擎释放端口
	RestartDelay time.Duration

	// StopWaitTimeout 重启时等待上一次停止完成的上限
	StopWaitTimeout time.Duration
}

type session struct {
	profile   domain.ServerProfile
	effective domain.ServerProfile
	auxPort   int
	routes    []shunt.CategoryRoute
	startedAt time.Time

	unregister func()
	telemetry  *telemetry
}

// Controller 单实例的生命周期控制器，所有状态迁移在 mu 下完成
type Controller struct {
	profiles   Profiles
	selections Selections
	renderer   Renderer
	synth      *shunt.Synthesizer
	engine     engine.Engine
	plugin     PluginSupervisor
	bus        *events.Bus
	opts       Options
	log        zerolog.Logger

	mu                sync.Mutex
	state             domain.ProcessState
	session           *session
	exitedDuringStart bool
	lastErr           error
	stopped           chan struct{}
	restartTimer      *time.Timer
}

func NewController(deps Deps, opts Options) *Controller {
	if opts.RestartDelay <= 0 {
		opts.RestartDelay = 500 * time.Millisecond
	}
	if opts.StopWaitTimeout <= 0 {
		opts.StopWaitTimeout = 15 * time.Second
	}
	if deps.Synthesizer == nil {
		deps.Synthesizer = shunt.NewSynthesizer(shunt.InboundDefaults{})
	}
	stopped := make(chan struct{})
	close(stopped)

	c := &Controller{
		profiles:   deps.Profiles,
		selections: deps.Selections,
		renderer:   deps.Renderer,
		synth:      deps.Synthesizer,
		engine:     deps.Engine,
		plugin:     deps.Plugin,
		bus:        deps.Bus,
		opts:       opts,
		log:        applog.For("Lifecycle"),
		state:      domain.StateStopped,
		stopped:    stopped,
	}
	c.engine.SetShutdownListener(c.onEngineShutdown)
	return c
}

// State 当前状态
func (c *Controller) State() domain.ProcessState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastError 最近一次失败的原因
func (c *Controller) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// setStateLocked 迁移状态并维护 stopped 通道
func (c *Controller) setStateLocked(next domain.ProcessState) {
	prev := c.state
	c.state = next
	if prev == domain.StateStopped && next != domain.StateStopped {
		c.stopped = make(chan struct{})
	}
	if prev != domain.StateStopped && next == domain.StateStopped {
		close(c.stopped)
	}
}

// Start 启动引擎；已在运行或有操作进行中时返回 false
func (c *Controller) Start(ctx context.Context) bool {
	c.mu.Lock()
	if c.state != domain.StateStopped {
		state := c.state
		c.mu.Unlock()
		c.log.Debug().Str("state", string(state)).Msg("start ignored")
		return false
	}
	c.setStateLocked(domain.StateStarting)
	c.exitedDuringStart = false
	c.mu.Unlock()

	sess, doc, err := c.prepare(ctx)
	if err != nil {
		c.failStart(err, sess)
		return false
	}

	if err := c.engine.Start(ctx, doc); err != nil {
		c.failStart(startError("engine", sess.profile, err), sess)
		return false
	}

	if c.opts.TelemetryInterval > 0 {
		sess.telemetry = newTelemetry(c.opts.TelemetryInterval, c.engine.QueryStats, c.publish)
	}
	sess.startedAt = time.Now()

	c.mu.Lock()
	if c.exitedDuringStart {
		c.mu.Unlock()
		c.failStart(startError("engine", sess.profile, ErrEngineExited), sess)
		return false
	}
	c.setStateLocked(domain.StateRunning)
	c.session = sess
	c.lastErr = nil
	// 辅助进程在 Running 状态内启动，持锁保证不会与 Stop 交错
	if sess.effective.ProtocolType.RequiresPlugin() && c.plugin != nil {
		if err := c.plugin.Start(sess.effective, sess.auxPort); err != nil {
			c.log.Warn().Err(err).Str("profile", sess.effective.GUID).Msg("helper start failed, primary path stays up")
		}
	}
	c.mu.Unlock()

	if sess.telemetry != nil {
		go sess.telemetry.run()
	}
	c.log.Info().Str("profile", sess.profile.GUID).Str("name", sess.profile.Name()).Msg("proxy started")
	c.publish(events.EventStartSuccess, sess.profile.Name())
	return true
}

// prepare 解析主节点、校验、注册系统信号并合成最终文档
func (c *Controller) prepare(ctx context.Context) (*session, []byte, error) {
	profile, err := c.resolvePrimary(ctx)
	if err != nil {
		return nil, nil, err
	}
	if err := validateProfile(profile); err != nil {
		return nil, nil, err
	}

	sess := &session{profile: profile, unregister: func() {}}
	if c.bus != nil {
		sess.unregister = c.bus.Subscribe(events.EventSystemSignal, c.onSignal)
	}

	comp, err := c.compose(ctx, profile.GUID)
	if err != nil {
		return sess, nil, err
	}
	sess.effective = comp.base.Profile
	sess.auxPort = comp.base.AuxPort
	sess.routes = comp.routes
	return sess, comp.document, nil
}

func (c *Controller) resolvePrimary(ctx context.Context) (domain.ServerProfile, error) {
	guid, err := c.selections.SelectedPrimary(ctx)
	if err != nil && !errors.Is(err, repository.ErrNoSelection) {
		return domain.ServerProfile{}, fmt.Errorf("read primary selection: %w", err)
	}
	guid = strings.TrimSpace(guid)
	if guid == "" {
		return domain.ServerProfile{}, ErrNoPrimarySelected
	}
	profile, err := c.profiles.Get(ctx, guid)
	if err != nil {
		return domain.ServerProfile{}, fmt.Errorf("load primary %s: %w", guid, err)
	}
	return profile, nil
}

type composition struct {
	base     render.Result
	document []byte
	routes   []shunt.CategoryRoute

	// synthesized 为 false 表示合成失败，document 是未经修改的基础文档
	synthesized bool
}

// compose 渲染主节点并合成类别覆盖；合成失败时回落到基础文档
func (c *Controller) compose(ctx context.Context, primaryGUID string) (composition, error) {
	base, err := c.renderer.Render(ctx, primaryGUID)
	if err != nil {
		return composition{}, &StartError{Stage: "render", GUID: primaryGUID, Cause: err}
	}

	// Build 首先以主节点 GUID 调用 renderNode，复用已渲染的基础文档
	renderNode := func(guid string) (*domain.Document, error) {
		if guid == primaryGUID {
			return domain.ParseDocument(base.Document)
		}
		res, err := c.renderer.Render(ctx, guid)
		if err != nil {
			return nil, err
		}
		if res.AuxPort > 0 || res.Profile.ProtocolType.RequiresPlugin() {
			return nil, ErrOverrideNeedsPlugin
		}
		return domain.ParseDocument(res.Document)
	}
	lookup := func(tag domain.CategoryTag) string {
		guid, err := c.selections.CategorySelection(ctx, tag)
		if err != nil {
			c.log.Warn().Err(err).Str("category", string(tag)).Msg("read category selection failed")
			return ""
		}
		return guid
	}

	out, err := c.synth.Build(primaryGUID, renderNode, lookup)
	if err == nil {
		var doc []byte
		if doc, err = out.Document.Bytes(); err == nil {
			return composition{base: base, document: doc, routes: out.Routes, synthesized: true}, nil
		}
	}
	c.log.Warn().Err(err).Str("profile", primaryGUID).Msg("synthesis failed, using base document")
	return composition{base: base, document: base.Document}, nil
}

func (c *Controller) failStart(err error, sess *session) {
	if sess != nil && sess.unregister != nil {
		sess.unregister()
	}
	c.mu.Lock()
	c.lastErr = err
	c.setStateLocked(domain.StateStopped)
	c.mu.Unlock()

	c.log.Error().Err(err).Msg("proxy start failed")
	c.publish(events.EventStartFailure, err.Error())
}

// Stop 停止引擎，不等待引擎真正退出。未运行时直接返回 true。
func (c *Controller) Stop() bool {
	c.mu.Lock()
	switch c.state {
	case domain.StateStopped:
		c.mu.Unlock()
		return true
	case domain.StateStarting, domain.StateStopping:
		c.mu.Unlock()
		return false
	}
	sess := c.session
	c.session = nil
	c.setStateLocked(domain.StateStopping)
	c.mu.Unlock()

	go func() {
		if err := c.engine.StopLoop(); err != nil && !errors.Is(err, engine.ErrNotRunning) {
			c.log.Warn().Err(err).Msg("engine stop failed")
		}
		c.finishStop()
	}()

	c.teardown(sess)
	c.log.Info().Msg("proxy stopped")
	c.publish(events.EventStopSuccess, "")
	return true
}

// teardown 注销信号、停止遥测与辅助进程；可重复调用
func (c *Controller) teardown(sess *session) {
	if sess != nil {
		if sess.unregister != nil {
			sess.unregister()
		}
		if sess.telemetry != nil {
			sess.telemetry.stop()
		}
	}
	if c.plugin != nil {
		c.plugin.Stop()
	}
}

func (c *Controller) finishStop() {
	c.mu.Lock()
	if c.state == domain.StateStopping {
		c.setStateLocked(domain.StateStopped)
	}
	c.mu.Unlock()
}

// onEngineShutdown 引擎进程退出回调
func (c *Controller) onEngineShutdown(ev engine.ShutdownEvent) {
	c.mu.Lock()
	switch c.state {
	case domain.StateStarting:
		if !ev.Requested {
			c.exitedDuringStart = true
		}
		c.mu.Unlock()
	case domain.StateStopping:
		c.setStateLocked(domain.StateStopped)
		c.mu.Unlock()
	case domain.StateRunning:
		sess := c.session
		c.session = nil
		if ev.Err != nil {
			c.lastErr = fmt.Errorf("engine exited: %w", ev.Err)
		}
		c.setStateLocked(domain.StateStopped)
		c.mu.Unlock()

		c.log.Warn().Err(ev.Err).Msg("engine shut down on its own, tearing down")
		c.teardown(sess)
		payload := ""
		if ev.Err != nil {
			payload = ev.Err.Error()
		}
		c.publish(events.EventStopSuccess, payload)
	default:
		c.mu.Unlock()
	}
}

// Restart 停止后延迟再启动，不阻塞调用方。有操作进行中时返回 false。
func (c *Controller) Restart() bool {
	switch c.State() {
	case domain.StateStarting, domain.StateStopping:
		return false
	case domain.StateRunning:
		if !c.Stop() {
			return false
		}
	}

	c.mu.Lock()
	if c.restartTimer != nil {
		c.restartTimer.Stop()
	}
	c.restartTimer = time.AfterFunc(c.opts.RestartDelay, c.restartStart)
	c.mu.Unlock()
	return true
}

// restartStart 重启的后半段：等待停止完成后再启动
func (c *Controller) restartStart() {
	stopped := c.waitStopped(c.opts.StopWaitTimeout)
	c.mu.Lock()
	c.restartTimer = nil
	if !stopped {
		err := startError("restart", domain.ServerProfile{}, ErrStopTimeout)
		c.lastErr = err
		c.mu.Unlock()
		c.log.Warn().Err(err).Dur("timeout", c.opts.StopWaitTimeout).Msg("scheduled restart abandoned")
		c.publish(events.EventStartFailure, err.Error())
		return
	}
	c.mu.Unlock()

	if !c.Start(context.Background()) && c.State() != domain.StateStopped {
		c.log.Warn().Str("state", string(c.State())).Msg("scheduled restart skipped, another start won")
	}
}

func (c *Controller) waitStopped(timeout time.Duration) bool {
	c.mu.Lock()
	ch := c.stopped
	c.mu.Unlock()
	select {
	case <-ch:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Shutdown 进程退出前调用：取消待执行的重启，停止并等待引擎退出
func (c *Controller) Shutdown(timeout time.Duration) {
	c.mu.Lock()
	if c.restartTimer != nil {
		c.restartTimer.Stop()
		c.restartTimer = nil
	}
	c.mu.Unlock()

	c.Stop()
	if !c.waitStopped(timeout) {
		c.log.Warn().Dur("timeout", timeout).Msg("engine did not stop in time")
	}
}

// IsRunning 引擎是否在运行
func (c *Controller) IsRunning() bool {
	return c.engine.IsRunning()
}

// QueryStats 读取流量计数；未运行时为 0
func (c *Controller) QueryStats(tag, key string) int64 {
	if c.State() != domain.StateRunning {
		return 0
	}
	return c.engine.QueryStats(tag, key)
}

func (c *Controller) publish(t events.EventType, payload string) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(events.Notification{EventType: t, Payload: payload})
}
