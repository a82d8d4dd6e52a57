package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"dropzone/internal/server/api"
	"dropzone/internal/server/config"
	"dropzone/internal/server/database"
	"dropzone/internal/server/metrics"
	"dropzone/internal/server/service"
	"dropzone/internal/server/storage"
)

func main() {
	// Load config
	cfg := config.Load()

	// Structured logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	slog.Info("configuration loaded",
		"port", cfg.Port,
		"database_driver", cfg.DatabaseDriver,
		"blob_backend", cfg.BlobBackend,
		"max_file_size", cfg.MaxFileSize,
		"default_ttl", cfg.DefaultTTL,
		"default_max_downloads", cfg.DefaultMaxDownloads,
	)

	// Connect to metadata store and run migrations
	ctx := context.Background()
	repo, err := database.Open(ctx, cfg)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer repo.Close()

	// Initialize blob storage
	blobs, err := storage.Open(ctx, cfg)
	if err != nil {
		slog.Error("failed to initialize storage", "error", err)
		os.Exit(1)
	}
	slog.Info("blob storage initialized", "backend", cfg.BlobBackend)

	m := metrics.New(nil)
	svc := service.NewObjectStore(repo, blobs, cfg)
	svc.SetMetrics(m)

	// Start janitor
	janitorCtx, janitorCancel := context.WithCancel(context.Background())
	janitor := storage.NewJanitor(repo, blobs, storage.JanitorConfig{
		ExpiredInterval:   cfg.ExpiredSweepInterval,
		OrphanInterval:    cfg.OrphanSweepInterval,
		OrphanGracePeriod: cfg.OrphanGracePeriod,
		Metrics:           m,
	})
	janitor.Start(janitorCtx)

	// Setup HTTP router
	handler := api.NewHandler(svc, repo, cfg)
	e := api.SetupRouter(handler, cfg, metrics.Handler(nil))

	// Start server in a goroutine
	go func() {
		addr := fmt.Sprintf(":%s", cfg.Port)
		slog.Info("starting server", "addr", addr, "base_url", cfg.BaseURL)
		if err := e.Start(addr); err != nil {
			slog.Info("server stopped", "reason", err)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	slog.Info("shutting down", "signal", sig)

	// Stop accepting new requests, finish in-flight with 30s timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	// Let the running sweeps finish, then stop
	janitorCancel()
	janitor.Wait()

	slog.Info("server exited cleanly")
}
