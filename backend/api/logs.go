package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"shunt/backend/service/applog"
)

var errInvalidSince = errors.New("invalid 'since' parameter: must be a non-negative integer")

// 应用日志与内核日志共用同一套增量读取协议：客户端回传上次的 nextOffset
func (r *Router) getAppLogs(c *gin.Context) {
	r.serveLog(c, r.appLogPath)
}

func (r *Router) getKernelLogs(c *gin.Context) {
	r.serveLog(c, r.kernelLogPath)
}

func (r *Router) serveLog(c *gin.Context, path string) {
	since, err := parseSince(c.Query("since"))
	if err != nil {
		badRequest(c, err)
		return
	}
	c.JSON(http.StatusOK, applog.Since(path, since, r.startedAt))
}

func parseSince(raw string) (int64, error) {
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		return 0, errInvalidSince
	}
	return v, nil
}
