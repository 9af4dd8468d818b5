// Package main is the entry point for the multiagents server: a group chat
// between AI coding agent CLIs, exposed over a WebSocket control plane.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/multiagents/multiagents/internal/common/config"
	"github.com/multiagents/multiagents/internal/common/httpmw"
	"github.com/multiagents/multiagents/internal/common/logger"
	"github.com/multiagents/multiagents/internal/events"
	gateway "github.com/multiagents/multiagents/internal/gateway/websocket"
	"github.com/multiagents/multiagents/internal/session"
	ws "github.com/multiagents/multiagents/pkg/websocket"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting multiagents server...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Event bus: in-memory by default, NATS when configured.
	provided, busCleanup, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize event bus", zap.Error(err))
	}
	defer busCleanup()
	eventBus := provided.Bus

	// Storage: a single SQLite file holds sessions and settings.
	dbPath := cfg.Database.ResolvePath()
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		log.Fatal("Failed to create database directory", zap.Error(err), zap.String("db_path", dbPath))
	}
	store, err := session.NewSQLiteStore(dbPath, cfg.Chat.MaxEvents)
	if err != nil {
		log.Fatal("Failed to initialize session store", zap.Error(err), zap.String("db_path", dbPath))
	}
	defer store.Close()
	settings, err := session.NewSettingsStore(dbPath)
	if err != nil {
		log.Fatal("Failed to initialize settings store", zap.Error(err))
	}
	defer settings.Close()
	log.Info("SQLite storage initialized", zap.String("db_path", dbPath))

	// Session runner.
	runner := session.NewRunner(store, settings, eventBus, session.RunnerConfig{
		Timeout:           cfg.Timeouts.IdleDuration(),
		SendTimeout:       time.Duration(cfg.Timeouts.Send) * time.Second,
		ParseTimeout:      cfg.Timeouts.ParseDuration(),
		HardTimeout:       time.Duration(cfg.Timeouts.Hard) * time.Second,
		PermissionTimeout: cfg.Timeouts.PermissionDuration(),
		WarmupTTL:         time.Duration(cfg.Chat.WarmupTTL) * time.Second,
		AckTTL:            time.Duration(cfg.Chat.AckTTL) * time.Second,
		RelayCooldown:     time.Duration(cfg.Chat.RelayCooldown) * time.Second,
		DMDebounce:        time.Duration(cfg.Chat.DMDebounce * float64(time.Second)),
		ScriptsDir:        cfg.Chat.ScriptsDir,
		PublicURL:         cfg.Chat.PublicURL,
		PersistentMode:    cfg.Chat.PersistentMode,
	}, log)

	// WebSocket gateway.
	dispatcher := ws.NewDispatcher()
	gatewaySvc := gateway.NewService(runner, store, eventBus, log)
	gatewaySvc.RegisterHandlers(dispatcher)
	hub := gateway.NewHub(dispatcher, runner, eventBus, log)
	go hub.Run(ctx)
	wsHandler := gateway.NewHandler(hub, log)

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpmw.RequestLogger(log, "multiagents"))

	router.GET("/ws", wsHandler.HandleConnection)
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"service": "multiagents",
			"clients": hub.GetClientCount(),
		})
	})
	router.GET("/api/v1/sessions", func(c *gin.Context) {
		sessions, err := store.ListSessions(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"sessions": sessions})
	})
	router.GET("/api/v1/sessions/:id", func(c *gin.Context) {
		sess, err := store.GetSession(c.Request.Context(), c.Param("id"))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if sess == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		c.JSON(http.StatusOK, sess)
	})
	router.DELETE("/api/v1/sessions/:id", func(c *gin.Context) {
		if err := runner.DeleteSession(c.Request.Context(), c.Param("id")); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"deleted": true})
	})

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("Server listening",
			zap.String("addr", server.Addr),
			zap.String("websocket", "/ws"))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	log.Info("multiagents stopped")
}
