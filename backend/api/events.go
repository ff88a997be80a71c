package api

import (
	"io"

	"github.com/gin-gonic/gin"

	"shunt/backend/repository/events"
)

// sseBuffer 单个订阅者的缓冲，写满后丢弃新通知
const sseBuffer = 64

// streamEvents 以 SSE 推送对外通知，事件名为通知类型
func (r *Router) streamEvents(c *gin.Context) {
	ch := make(chan events.Notification, sseBuffer)
	cancel := r.bus.SubscribeAll(func(ev events.Event) {
		n, ok := ev.(events.Notification)
		if !ok || !events.IsNotification(n.EventType) {
			return
		}
		select {
		case ch <- n:
		default:
		}
	})
	defer cancel()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Writer.Flush()

	ctx := c.Request.Context()
	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case n := <-ch:
			c.SSEvent(string(n.EventType), n.Payload)
			return true
		}
	})
}
