package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"shunt/backend/repository/events"
)

// Proxy handlers

func (r *Router) getProxyStatus(c *gin.Context) {
	c.JSON(http.StatusOK, r.lifecycle.Status())
}

func (r *Router) getProxyStats(c *gin.Context) {
	tag := strings.TrimSpace(c.DefaultQuery("tag", "proxy"))
	key := strings.TrimSpace(c.DefaultQuery("key", "downlink"))
	if key != "uplink" && key != "downlink" {
		badRequest(c, errors.New("invalid 'key' parameter: must be uplink or downlink"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"tag": tag, "key": key, "value": r.lifecycle.QueryStats(tag, key)})
}

func (r *Router) previewProxyConfig(c *gin.Context) {
	doc, routes, err := r.lifecycle.Preview(c.Request.Context())
	if err != nil {
		r.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"document": json.RawMessage(doc),
		"routes":   routes,
	})
}

// respondLifecycle 操作被拒绝时返回 409 与最近一次错误
func (r *Router) respondLifecycle(c *gin.Context, ok bool) {
	status := r.lifecycle.Status()
	if ok {
		c.JSON(http.StatusOK, status)
		return
	}
	msg := "operation rejected in state " + string(status.State)
	if err := r.lifecycle.LastError(); err != nil {
		msg = err.Error()
	}
	c.JSON(http.StatusConflict, gin.H{"error": msg, "status": status})
}

type startRequest struct {
	GUID string `json:"guid,omitempty"`
}

func (r *Router) startProxy(c *gin.Context) {
	// 允许空 body：表示按当前选择启动。
	var req startRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		badRequest(c, err)
		return
	}
	ctx := c.Request.Context()
	if guid := strings.TrimSpace(req.GUID); guid != "" {
		r.respondLifecycle(c, r.lifecycle.StartWithSelection(ctx, guid))
		return
	}
	r.respondLifecycle(c, r.lifecycle.Start(ctx))
}

func (r *Router) stopProxy(c *gin.Context) {
	r.respondLifecycle(c, r.lifecycle.Stop())
}

func (r *Router) restartProxy(c *gin.Context) {
	if !r.lifecycle.Restart() {
		r.respondLifecycle(c, false)
		return
	}
	c.JSON(http.StatusAccepted, r.lifecycle.Status())
}

func (r *Router) toggleProxy(c *gin.Context) {
	if r.lifecycle.QueryRunning() {
		r.respondLifecycle(c, r.lifecycle.Stop())
		return
	}
	r.respondLifecycle(c, r.lifecycle.StartFromToggle(c.Request.Context()))
}

type delayRequest struct {
	URL string `json:"url,omitempty" binding:"omitempty,url"`
}

func (r *Router) measureDelay(c *gin.Context) {
	var req delayRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		badRequest(c, err)
		return
	}
	ms, err := r.lifecycle.MeasureDelay(c.Request.Context(), req.URL)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"delayMs": ms})
}

func (r *Router) queryProxy(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"running": r.lifecycle.QueryRunning()})
}

type signalRequest struct {
	Signal string `json:"signal" binding:"required"`
}

func (r *Router) postSystemSignal(c *gin.Context) {
	var req signalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	sig, ok := events.ParseSystemSignal(strings.TrimSpace(req.Signal))
	if !ok {
		badRequest(c, errors.New("unknown signal: "+req.Signal))
		return
	}
	if r.bus != nil {
		r.bus.Publish(events.SystemSignalEvent{Signal: sig})
	}
	c.Status(http.StatusAccepted)
}
