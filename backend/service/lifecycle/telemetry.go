package lifecycle

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"shunt/backend/domain"
	"shunt/backend/repository/events"
)

// trafficSample 一次流量采样，计数为自上次采样以来的增量
type trafficSample struct {
	Uplink     int64 `json:"uplink"`
	Downlink   int64 `json:"downlink"`
	IntervalMs int64 `json:"intervalMs"`
}

// telemetry 周期采样主出站流量并发布
type telemetry struct {
	interval time.Duration
	query    func(tag, key string) int64
	publish  func(t events.EventType, payload string)

	paused atomic.Bool
	done   chan struct{}
	once   sync.Once
}

func newTelemetry(interval time.Duration, query func(tag, key string) int64, publish func(events.EventType, string)) *telemetry {
	return &telemetry{
		interval: interval,
		query:    query,
		publish:  publish,
		done:     make(chan struct{}),
	}
}

func (t *telemetry) run() {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			if t.paused.Load() {
				continue
			}
			t.sample()
		}
	}
}

func (t *telemetry) sample() {
	s := trafficSample{
		Uplink:     t.query(domain.OutboundTagProxy, "uplink"),
		Downlink:   t.query(domain.OutboundTagProxy, "downlink"),
		IntervalMs: t.interval.Milliseconds(),
	}
	b, err := json.Marshal(s)
	if err != nil {
		return
	}
	t.publish(events.EventTrafficStats, string(b))
}

func (t *telemetry) pause()  { t.paused.Store(true) }
func (t *telemetry) resume() { t.paused.Store(false) }

func (t *telemetry) stop() {
	t.once.Do(func() { close(t.done) })
}

// onSignal 熄屏暂停采样，亮屏或解锁后恢复
func (c *Controller) onSignal(ev events.Event) {
	sig, ok := ev.(events.SystemSignalEvent)
	if !ok {
		return
	}
	c.mu.Lock()
	var tel *telemetry
	if c.session != nil {
		tel = c.session.telemetry
	}
	c.mu.Unlock()

	c.log.Debug().Str("signal", string(sig.Signal)).Msg("system signal")
	if tel == nil {
		return
	}
	switch sig.Signal {
	case events.SignalScreenOff:
		tel.pause()
	case events.SignalScreenOn, events.SignalUserPresent:
		tel.resume()
	}
}
