package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"shunt/backend/api"
	"shunt/backend/config"
	"shunt/backend/persist"
	"shunt/backend/repository"
	"shunt/backend/repository/events"
	"shunt/backend/repository/kv"
	"shunt/backend/repository/memory"
	"shunt/backend/repository/sqlite"
	"shunt/backend/service/applog"
	"shunt/backend/service/engine"
	"shunt/backend/service/lifecycle"
	"shunt/backend/service/plugin"
	"shunt/backend/service/render"
	"shunt/backend/service/shunt"
)

func main() {
	os.Exit(run())
}

func run() int {
	addr := flag.String("addr", "", "HTTP listen address (overrides config)")
	configPath := flag.String("config", "", "path to YAML config (default $"+config.EnvConfigPath+", built-in defaults when unset)")
	dev := flag.Bool("dev", false, "enable development mode with verbose logging")
	flag.Parse()

	cfg, err := config.Load(config.ResolvePath(*configPath))
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		return 1
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}

	// 配置日志级别
	if *dev {
		gin.SetMode(gin.DebugMode)
		cfg.Log.Level = "debug"
		cfg.Log.Console = true
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	startedAt := time.Now()
	closeLog, err := applog.Setup(applog.Options{
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Compress:   cfg.Log.Compress,
		Console:    cfg.Log.Console,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "setup logging: %v\n", err)
		return 1
	}
	defer closeLog()
	logger := applog.For("Main")
	logger.Info().Int("pid", os.Getpid()).Str("config", config.ResolvePath(*configPath)).Msg("app start")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// 1. 事件总线
	eventBus := events.NewBus()

	// 2. 键值存储
	store, closeStore, err := openStore(cfg.Storage, eventBus)
	if err != nil {
		logger.Error().Err(err).Str("driver", cfg.Storage.Driver).Msg("open storage failed")
		return 1
	}
	defer closeStore()

	// 3. 仓储层
	profiles := kv.NewProfileRepo(store, eventBus)
	selections := kv.NewSelectionRepo(store, eventBus)

	// 4. 渲染、合成、引擎与辅助进程
	renderer := render.NewXrayRenderer(profiles, render.Options{
		Listen:    cfg.Inbound.Listen,
		SocksPort: cfg.Inbound.SocksPort,
		HTTPPort:  cfg.Inbound.HTTPPort,
		LogLevel:  cfg.Engine.KernelLogLevel,
	})
	synth := shunt.NewSynthesizer(shunt.InboundDefaults{
		Listen: cfg.Inbound.Listen,
		Port:   cfg.Inbound.SocksPort,
	})
	xray := engine.NewXrayEngine(engine.Options{
		Binary:       cfg.Engine.Binary,
		RuntimeDir:   cfg.Engine.RuntimeDir,
		StatsAPIPort: cfg.Engine.StatsAPIPort,
		ReadyTimeout: cfg.Engine.ReadyTimeout,
		StopTimeout:  cfg.Engine.StopTimeout,
	})
	helper := plugin.NewSupervisor(plugin.Options{
		Hysteria2Binary: cfg.Plugin.Hysteria2Binary,
		ConfigDir:       cfg.Plugin.ConfigDir,
		StopTimeout:     cfg.Engine.StopTimeout,
	})

	// 5. 生命周期控制器
	controller := lifecycle.NewController(lifecycle.Deps{
		Profiles:    profiles,
		Selections:  selections,
		Renderer:    renderer,
		Synthesizer: synth,
		Engine:      xray,
		Plugin:      helper,
		Bus:         eventBus,
	}, lifecycle.Options{
		DelayTestURL:      cfg.Lifecycle.DelayTestURL,
		DelayTestURLAlt:   cfg.Lifecycle.DelayTestURLAlt,
		TelemetryInterval: cfg.Lifecycle.TelemetryInterval,
		RestartDelay:      cfg.Lifecycle.RestartDelay,
		StopWaitTimeout:   cfg.Engine.StopTimeout + time.Second,
	})

	// 6. 路由
	router := api.NewRouter(api.Deps{
		Profiles:      profiles,
		Selections:    selections,
		Lifecycle:     controller,
		Bus:           eventBus,
		AppLogPath:    cfg.Log.File,
		KernelLogPath: xray.KernelLogPath(),
		StartedAt:     startedAt,
	})

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	cleanupDone := make(chan struct{})
	go func() {
		<-ctx.Done()
		logger.Info().Msg("shutdown signal received, cleaning up")

		// 先停代理进程（含辅助进程）
		controller.Shutdown(cfg.Engine.StopTimeout + time.Second)

		// 然后关闭 HTTP 服务器
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("graceful shutdown failed")
		}
		close(cleanupDone)
	}()

	logger.Info().Str("addr", srv.Addr).Msg("server listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error().Err(err).Msg("listen failed")
		cancel()
		<-cleanupDone
		return 1
	}
	<-cleanupDone
	return 0
}

// openStore 按配置打开键值存储。memory 驱动从快照恢复，并在写入后防抖落盘。
func openStore(cfg config.StorageConfig, bus *events.Bus) (repository.KeyValueStore, func(), error) {
	log := applog.For("Storage")
	switch cfg.Driver {
	case "memory":
		state, err := persist.Load(cfg.SnapshotPath)
		if err != nil {
			// 版本不符时拒绝启动，避免覆盖快照文件
			return nil, nil, fmt.Errorf("load snapshot %s: %w", cfg.SnapshotPath, err)
		}
		memStore := memory.NewStore(bus)
		memStore.LoadState(state)
		log.Info().Str("path", cfg.SnapshotPath).Int("entries", len(state)).Msg("state loaded")

		snapshotter := persist.NewSnapshotter(cfg.SnapshotPath, memStore)
		unsubscribe := snapshotter.SubscribeEvents(bus)
		return memStore, func() {
			unsubscribe()
			if err := snapshotter.SaveNow(); err != nil {
				log.Warn().Err(err).Msg("save snapshot failed")
			}
		}, nil
	default:
		if dir := filepath.Dir(cfg.DSN); dir != "." && !strings.HasPrefix(cfg.DSN, "file:") && cfg.DSN != ":memory:" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, nil, err
			}
		}
		db, err := sqlite.Open(cfg.DSN, cfg.TablePrefix, bus)
		if err != nil {
			return nil, nil, err
		}
		return db, func() {
			if err := db.Close(); err != nil {
				log.Warn().Err(err).Msg("close sqlite failed")
			}
		}, nil
	}
}
