package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"shunt/backend/domain"
	"shunt/backend/repository"
	"shunt/backend/repository/events"
	"shunt/backend/service/engine"
	"shunt/backend/service/shunt"
)

// firstUsePayload 从开关启动但从未选择过节点时的提示
const firstUsePayload = "first use: select a server before starting"

// Status 当前运行摘要
type Status struct {
	State      domain.ProcessState   `json:"state"`
	GUID       string                `json:"guid,omitempty"`
	Name       string                `json:"name,omitempty"`
	Effective  string                `json:"effective,omitempty"`
	StartedAt  *time.Time            `json:"startedAt,omitempty"`
	HelperPort int                   `json:"helperPort,omitempty"`
	Routes     []shunt.CategoryRoute `json:"routes,omitempty"`
	LastError  string                `json:"lastError,omitempty"`
}

// Status 返回当前状态与运行配置
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := Status{State: c.state}
	if c.lastErr != nil {
		st.LastError = c.lastErr.Error()
	}
	if sess := c.session; sess != nil {
		startedAt := sess.startedAt
		st.GUID = sess.profile.GUID
		st.Name = sess.profile.Name()
		st.Effective = sess.effective.GUID
		st.StartedAt = &startedAt
		st.HelperPort = sess.auxPort
		st.Routes = append([]shunt.CategoryRoute(nil), sess.routes...)
	}
	return st
}

// RunningServerName 正在运行的主节点名称，未运行时为空
func (c *Controller) RunningServerName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != domain.StateRunning || c.session == nil {
		return ""
	}
	return c.session.profile.Name()
}

// QueryRunning 发布当前是否在运行的通知
func (c *Controller) QueryRunning() bool {
	running := c.State() == domain.StateRunning
	if running {
		c.publish(events.EventStateRunning, c.RunningServerName())
	} else {
		c.publish(events.EventStateNotRunning, "")
	}
	return running
}

// StartFromToggle 快捷开关入口：没有选择过主节点时只发布提示
func (c *Controller) StartFromToggle(ctx context.Context) bool {
	guid, err := c.selections.SelectedPrimary(ctx)
	if err != nil || strings.TrimSpace(guid) == "" {
		if err != nil && !errors.Is(err, repository.ErrNoSelection) {
			c.log.Warn().Err(err).Msg("read primary selection failed")
		}
		c.mu.Lock()
		c.lastErr = ErrNoPrimarySelected
		c.mu.Unlock()
		c.publish(events.EventStartFailure, firstUsePayload)
		return false
	}
	return c.Start(ctx)
}

// StartWithSelection 切换主节点后启动；已在运行时改为重启
func (c *Controller) StartWithSelection(ctx context.Context, guid string) bool {
	guid = strings.TrimSpace(guid)
	if _, err := c.profiles.Get(ctx, guid); err != nil {
		c.rejectSelection(fmt.Errorf("select %q: %w", guid, err))
		return false
	}
	switch c.State() {
	case domain.StateStarting, domain.StateStopping:
		c.rejectSelection(ErrBusy)
		return false
	}
	if err := c.selections.SetSelectedPrimary(ctx, guid); err != nil {
		c.rejectSelection(fmt.Errorf("save selection: %w", err))
		return false
	}
	if c.State() == domain.StateRunning {
		return c.Restart()
	}
	return c.Start(ctx)
}

func (c *Controller) rejectSelection(err error) {
	c.log.Warn().Err(err).Msg("start with selection rejected")
	c.publish(events.EventStartFailure, err.Error())
}

// MeasureDelay 经本地入站测量一次请求耗时，主地址失败时改用备用地址。
// 结果同时以通知发布。
func (c *Controller) MeasureDelay(ctx context.Context, url string) (int64, error) {
	if c.State() != domain.StateRunning {
		err := engine.ErrNotRunning
		c.publish(events.EventDelayMeasured, delayPayload(0, err))
		return 0, err
	}
	url = strings.TrimSpace(url)
	if url == "" {
		url = c.opts.DelayTestURL
	}

	ms, err := c.engine.MeasureDelay(ctx, url)
	if err != nil && c.opts.DelayTestURLAlt != "" && c.opts.DelayTestURLAlt != url && ctx.Err() == nil {
		c.log.Debug().Err(err).Str("url", url).Msg("delay test failed, trying alternate url")
		ms, err = c.engine.MeasureDelay(ctx, c.opts.DelayTestURLAlt)
	}
	c.publish(events.EventDelayMeasured, delayPayload(ms, err))
	return ms, err
}

func delayPayload(ms int64, err error) string {
	if err != nil {
		return "Failed: " + err.Error()
	}
	return fmt.Sprintf("Success: connection took %dms", ms)
}

// Preview 按当前选择合成配置但不启动引擎
func (c *Controller) Preview(ctx context.Context) ([]byte, []shunt.CategoryRoute, error) {
	profile, err := c.resolvePrimary(ctx)
	if err != nil {
		return nil, nil, err
	}
	if err := validateProfile(profile); err != nil {
		return nil, nil, err
	}
	comp, err := c.compose(ctx, profile.GUID)
	if err != nil {
		return nil, nil, err
	}
	return comp.document, comp.routes, nil
}
