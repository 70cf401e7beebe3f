/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the civic points server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load env config (.env honored), then parse flags
  2. Build the zap logger
  3. Open the SQLite store and seed the approval hierarchy
  4. Choose the decision publisher (Redis when REDIS_ADDR is set)
  5. Configure HTTP router and start the server

COMMAND-LINE FLAGS (override env):
  -port    HTTP server port (APP_PORT, default: 8080)
  -db      SQLite database path (DB_PATH, default: ./data/points.db)
           Use ":memory:" for in-memory database
  -redis   Redis address for decision events (REDIS_ADDR, default: off)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Close Redis and database connections
  4. Exit

SEE ALSO:
  - config/config.go: Environment variables
  - api/server.go: Router configuration
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/warp/civic-points/api"
	"github.com/warp/civic-points/approval"
	"github.com/warp/civic-points/config"
	"github.com/warp/civic-points/notify"
	"github.com/warp/civic-points/observability"
	"github.com/warp/civic-points/store/sqlite"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	// Flags
	port := flag.String("port", cfg.App.Port, "HTTP server port")
	dbPath := flag.String("db", cfg.DB.Path, "SQLite database path")
	redisAddr := flag.String("redis", cfg.Redis.Addr, "Redis address for decision events (empty disables)")
	flag.Parse()
	cfg.App.Port = *port
	cfg.DB.Path = *dbPath
	cfg.Redis.Addr = *redisAddr

	logger, err := observability.NewLogger(cfg.Logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	// Initialize store
	if cfg.DB.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.DB.Path), 0o755); err != nil {
			logger.Fatal("failed to create database directory", zap.Error(err))
		}
	}
	store, err := sqlite.New(cfg.DB.Path)
	if err != nil {
		logger.Fatal("failed to initialize database", zap.Error(err))
	}
	defer store.Close()

	ctx := context.Background()
	seed := cfg.Approval.Hierarchy()
	for _, kind := range []approval.Kind{approval.KindComplaint, approval.KindWithdrawal} {
		if err := store.SeedApprovalHierarchy(ctx, kind, seed[kind]); err != nil {
			logger.Fatal("failed to seed approval hierarchy", zap.String("kind", string(kind)), zap.Error(err))
		}
	}

	// Initialize handler
	handler := api.NewHandler(store, store, logger)
	handler.Workflow.OverrideRole = cfg.Approval.OverrideRole
	handler.Intake.MinWithdrawal = cfg.Approval.MinWithdrawal
	handler.Health["sqlite"] = store

	dispatcher := notify.NewDispatcher()
	dispatcher.Subscribe("", notify.LogHandler(logger))
	var publisher approval.Publisher = dispatcher
	if cfg.Redis.Addr != "" {
		redisPub := notify.NewRedisPublisher(cfg.Redis, logger)
		defer redisPub.Close()
		handler.Health["redis"] = redisPub
		publisher = notify.Fanout{dispatcher, redisPub}
	}
	handler.Workflow.Publisher = publisher

	// Create router
	router := api.NewRouter(handler, api.RouterOptions{
		RequestTimeout: cfg.App.RequestTimeout(),
	})

	// Create server
	server := &http.Server{
		Addr:         cfg.App.Addr(),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info("server starting",
			zap.String("addr", server.Addr),
			zap.String("db", cfg.DB.Path),
			zap.Bool("redis", cfg.Redis.Addr != ""),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
	}

	logger.Info("server stopped")
}
