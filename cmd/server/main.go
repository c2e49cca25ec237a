// Package main implements the entry point for the grab-api server, the
// download orchestration service: it queues download requests in a durable
// priority queue and drains them through a bounded worker pool.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/grabwire/grab-api/internal/config"
	"github.com/grabwire/grab-api/internal/platform/logger"
	"github.com/grabwire/grab-api/internal/platform/postgres"
	"github.com/grabwire/grab-api/internal/task"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("server exited with error: %v", err)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	appLogger, err := logger.Setup(cfg.Server)
	if err != nil {
		return fmt.Errorf("failed to set up logger: %w", err)
	}
	appLogger.Info("server configuration loaded",
		"port", cfg.Server.Port,
		"log_level", cfg.Server.LogLevel,
		"worker_count", cfg.Queue.WorkerCount)

	db, err := sql.Open("pgx", cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer func() { _ = db.Close() }()

	pingCtx, cancelPing := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelPing()
	if err := db.PingContext(pingCtx); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := runMigrations(db, appLogger); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	taskStore := postgres.NewTaskStore(db)
	sink := newLogResultSink(appLogger)

	manager := task.NewManager(taskStore, sink, task.ManagerConfig{
		Retry: task.RetryPolicy{
			MaxRetries: cfg.Queue.MaxRetries,
			BaseDelay:  cfg.Queue.RetryBackoff,
			MaxDelay:   task.DefaultRetryPolicy().MaxDelay,
		},
		PollInterval:    time.Second,
		PersistAttempts: 3,
	}, appLogger)

	recoverCtx, cancelRecover := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelRecover()
	if err := manager.Recover(recoverCtx); err != nil {
		return fmt.Errorf("failed to recover queue state: %w", err)
	}

	downloader := newYtdlpDownloader(cfg.Downloader, appLogger)
	executor := task.NewExecutor(downloader, cfg.Downloader.Timeout, appLogger)

	pool := task.NewWorkerPool(manager, executor, task.WorkerPoolConfig{
		WorkerCount: cfg.Queue.WorkerCount,
	}, appLogger)
	pool.Start()

	maintenance := task.NewMaintenance(manager, task.MaintenanceConfig{
		Schedule:     cfg.Queue.MaintenanceSchedule,
		TaskMaxAge:   cfg.Queue.TaskMaxAge,
		StuckTaskAge: cfg.Queue.StuckTaskAge,
	}, appLogger)
	if err := maintenance.Start(); err != nil {
		return fmt.Errorf("failed to start queue maintenance: %w", err)
	}

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           newRouter(manager),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		appLogger.Info("http server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("http server failed: %w", err)
	case sig := <-stop:
		appLogger.Info("shutting down", "signal", sig.String())
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()
	if err := server.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("http server shutdown failed", "error", err)
	}

	maintenance.Stop()
	pool.Stop()
	manager.Close()

	slog.Info("shutdown complete")
	return nil
}
