package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"shunt/backend/repository"
	"shunt/backend/repository/events"
	"shunt/backend/service/lifecycle"
	"shunt/backend/service/shunt"
)

// Lifecycle 控制器对 HTTP 暴露的操作
type Lifecycle interface {
	Start(ctx context.Context) bool
	Stop() bool
	Restart() bool
	StartFromToggle(ctx context.Context) bool
	StartWithSelection(ctx context.Context, guid string) bool
	MeasureDelay(ctx context.Context, url string) (int64, error)
	QueryRunning() bool
	QueryStats(tag, key string) int64
	Status() lifecycle.Status
	LastError() error
	Preview(ctx context.Context) ([]byte, []shunt.CategoryRoute, error)
}

// Deps 路由依赖
type Deps struct {
	Profiles   repository.ProfileRepository
	Selections repository.SelectionRepository
	Lifecycle  Lifecycle
	Bus        *events.Bus

	AppLogPath    string
	KernelLogPath string
	StartedAt     time.Time
}

type Router struct {
	profiles   repository.ProfileRepository
	selections repository.SelectionRepository
	lifecycle  Lifecycle
	bus        *events.Bus

	appLogPath    string
	kernelLogPath string
	startedAt     time.Time
}

func NewRouter(deps Deps) *gin.Engine {
	r := &Router{
		profiles:      deps.Profiles,
		selections:    deps.Selections,
		lifecycle:     deps.Lifecycle,
		bus:           deps.Bus,
		appLogPath:    deps.AppLogPath,
		kernelLogPath: deps.KernelLogPath,
		startedAt:     deps.StartedAt,
	}
	engine := gin.New()
	engine.Use(gin.Recovery())
	r.register(engine)
	return engine
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}

func (r *Router) register(engine *gin.Engine) {
	engine.Use(corsMiddleware())

	engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "timestamp": time.Now()})
	})

	profiles := engine.Group("/profiles")
	{
		profiles.GET("", r.listProfiles)
		profiles.POST("", r.createProfile)
		profiles.GET(":guid", r.getProfile)
		profiles.PUT(":guid", r.updateProfile)
		profiles.DELETE(":guid", r.deleteProfile)
	}

	engine.GET("/categories", r.listCategories)

	selection := engine.Group("/selection")
	{
		selection.GET("", r.getSelection)
		selection.PUT("/primary", r.setPrimary)
		selection.PUT("/categories/:tag", r.setCategory)
	}

	proxy := engine.Group("/proxy")
	{
		proxy.GET("/status", r.getProxyStatus)
		proxy.GET("/stats", r.getProxyStats)
		proxy.GET("/preview", r.previewProxyConfig)
		proxy.GET("/kernel/logs", r.getKernelLogs)
		proxy.POST("/start", r.startProxy)
		proxy.POST("/stop", r.stopProxy)
		proxy.POST("/restart", r.restartProxy)
		proxy.POST("/toggle", r.toggleProxy)
		proxy.POST("/measure-delay", r.measureDelay)
		proxy.POST("/query", r.queryProxy)
	}

	engine.POST("/system/signals", r.postSystemSignal)
	engine.GET("/events", r.streamEvents)
	engine.GET("/app/logs", r.getAppLogs)
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
}

func (r *Router) handleError(c *gin.Context, err error) {
	var verr *lifecycle.ValidationError
	if errors.As(err, &verr) {
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error": err.Error(),
			"field": verr.Field,
		})
		return
	}

	if errors.Is(err, repository.ErrInvalidID) ||
		errors.Is(err, repository.ErrInvalidData) ||
		errors.Is(err, repository.ErrUnknownCategory) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if errors.Is(err, repository.ErrProfileNotFound) || errors.Is(err, repository.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	if errors.Is(err, repository.ErrAlreadyExists) ||
		errors.Is(err, repository.ErrNoSelection) ||
		errors.Is(err, lifecycle.ErrNoPrimarySelected) ||
		errors.Is(err, lifecycle.ErrBusy) {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}
