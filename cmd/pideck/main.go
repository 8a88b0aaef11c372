// Package main is the entry point for the Pi-Deck Realtime State Hub.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/patleeman/pi-deck/internal/common/config"
	"github.com/patleeman/pi-deck/internal/common/httpmw"
	"github.com/patleeman/pi-deck/internal/common/logger"
	"github.com/patleeman/pi-deck/internal/common/tracing"
	"github.com/patleeman/pi-deck/internal/events/bus"
	"github.com/patleeman/pi-deck/internal/hub/acpsession"
	"github.com/patleeman/pi-deck/internal/hub/model"
	"github.com/patleeman/pi-deck/internal/hub/registry"
	"github.com/patleeman/pi-deck/internal/hub/store"
	"github.com/patleeman/pi-deck/internal/hub/sync"
	"github.com/patleeman/pi-deck/internal/hub/versionedlog"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting Pi-Deck Realtime State Hub...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Tracer initializes lazily on first use (no-op unless
	// OTEL_EXPORTER_OTLP_ENDPOINT is set); Shutdown flushes it on exit.
	_ = tracing.Tracer("pideck-hub")
	defer func() {
		shutCtx, shutCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutCancel()
		if err := tracing.Shutdown(shutCtx); err != nil {
			log.Warn("Failed to shut down tracer", zap.Error(err))
		}
	}()

	// 3. Event bus: NATS if configured, in-memory otherwise (mirrors the
	// reference backend's dual-bus selection).
	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		log.Info("Connecting to NATS...", zap.String("url", cfg.NATS.URL))
		natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		eventBus = natsBus
		defer natsBus.Close()
	} else {
		log.Info("Using in-memory event bus")
		eventBus = bus.NewMemoryEventBus(log)
	}

	// 4. PersistentStore
	if err := os.MkdirAll(cfg.Hub.StateDir, 0o755); err != nil {
		log.Fatal("Failed to create state directory", zap.String("dir", cfg.Hub.StateDir), zap.Error(err))
	}
	persist, err := store.Open(cfg.Database.Path)
	if err != nil {
		log.Fatal("Failed to open persistent store", zap.String("path", cfg.Database.Path), zap.Error(err))
	}
	defer func() {
		if err := persist.Close(); err != nil {
			log.Error("Failed to close persistent store", zap.Error(err))
		}
	}()

	// 5. StateModel + VersionedLog, recovered from durable storage.
	stateModel := model.NewStateModel()
	log_ := versionedlog.New(stateModel, persist, eventBus, log, versionedlog.Options{
		SnapshotEveryDeltas: cfg.Hub.SnapshotEveryDeltas,
		SnapshotEvery:       cfg.Hub.SnapshotEveryDuration(),
		PruneSafetyMargin:   uint64(cfg.Hub.PruneSafetyMargin),
		DurabilityWarnAfter: cfg.Hub.DurabilityWarnDuration(),
	})
	if err := log_.Recover(ctx); err != nil {
		log.Fatal("Failed to recover state from durable storage", zap.Error(err))
	}

	// 6. WorkspaceRegistry, backed by a subprocess AgentSession factory.
	sessionFactory := acpsession.Factory(cfg.Hub.AgentCommand, log)
	wsRegistry := registry.New(log_, stateModel, sessionFactory, cfg.Hub.AllowedRoots, log)

	// 7. SyncHub
	syncHub := sync.New(stateModel, log_, persist, persist, wsRegistry, log)
	go func() {
		if err := syncHub.Run(ctx); err != nil {
			log.Error("SyncHub commit-stream subscription ended", zap.Error(err))
		}
	}()

	// 8. HTTP server: /ws upgrade endpoint + /health.
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())
	router.Use(httpmw.OtelTracing("pideck-hub"))
	router.Use(httpmw.RequestLogger(log, "pideck-hub"))

	router.GET("/ws", func(c *gin.Context) {
		if err := syncHub.ServeWS(ctx, c.Writer, c.Request); err != nil {
			log.Debug("websocket upgrade failed", zap.Error(err))
		}
	})
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":           "ok",
			"service":          "pideck-hub",
			"committedVersion": log_.CurrentVersion(),
			"degraded":         log_.Degraded(),
		})
	})

	port := cfg.Server.Port
	if port == 0 {
		port = 8080
	}
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("Realtime State Hub listening", zap.Int("port", port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// 9. Graceful shutdown: HTTP server, then WorkspaceRegistry teardown
	// (aborts every slot's adapter), then cancel (stopping SyncHub's
	// subscription and releasing VersionedLog), then PersistentStore close
	// (deferred above) — per §4.8.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down Pi-Deck Realtime State Hub...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	wsRegistry.Shutdown(shutdownCtx)
	cancel()

	log.Info("Pi-Deck Realtime State Hub stopped")
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization, Upgrade, Connection, Sec-WebSocket-Key, Sec-WebSocket-Version, Sec-WebSocket-Protocol")
		c.Header("Access-Control-Allow-Credentials", "true")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
