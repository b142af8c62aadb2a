package main

import (
	"context"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"github.com/meridianhq/ingest/internal/blob"
	"github.com/meridianhq/ingest/internal/config"
	"github.com/meridianhq/ingest/internal/dispatch"
	"github.com/meridianhq/ingest/internal/ingest"
	"github.com/meridianhq/ingest/internal/jobstore"
	"github.com/meridianhq/ingest/internal/logging"
	"github.com/meridianhq/ingest/internal/validate"
	"github.com/meridianhq/ingest/internal/web"
)

func main() {
	// Load .env file if it exists (Overload overwrites existing env vars)
	if err := godotenv.Overload(); err != nil {
		slog.Info("no .env file found, using environment variables")
	} else {
		slog.Info("loaded .env file (overwriting existing env vars)")
	}

	// Load and validate configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Setup structured logging based on config
	logging.Setup(cfg.Logging.Level, cfg.Logging.Format)

	slog.Info("configuration loaded",
		"port", cfg.Server.Port,
		"db_max_conns", cfg.Database.MaxConns,
		"ingest_max_concurrent", cfg.Ingest.MaxConcurrent,
		"partition_threshold", cfg.Ingest.PartitionThreshold,
	)

	// Parse and configure connection pool
	poolConfig, err := pgxpool.ParseConfig(cfg.Database.URL)
	if err != nil {
		slog.Error("failed to parse database URL", "error", err)
		os.Exit(1)
	}

	poolConfig.MaxConns = int32(cfg.Database.MaxConns)
	poolConfig.MinConns = int32(cfg.Database.MinConns)
	poolConfig.MaxConnLifetime = cfg.Database.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.Database.MaxConnIdleTime

	ctx := context.Background()
	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		slog.Error("failed to ping database", "error", err)
		os.Exit(1)
	}

	// Log which database we connected to
	if u, err := url.Parse(cfg.Database.URL); err == nil {
		dbName := strings.TrimPrefix(u.Path, "/")
		slog.Info("connected to database", "name", dbName)
	} else {
		slog.Info("connected to database")
	}

	store := jobstore.NewPostgres(pool)
	if err := store.Migrate(ctx); err != nil {
		slog.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}

	blobStore, err := blob.NewMinio(blob.MinioConfig{
		Endpoint:  cfg.Blob.Endpoint,
		AccessKey: cfg.Blob.AccessKey,
		SecretKey: cfg.Blob.SecretKey,
		Bucket:    cfg.Blob.Bucket,
		UseSSL:    cfg.Blob.UseSSL,
	})
	if err != nil {
		slog.Error("failed to connect to blob storage", "error", err)
		os.Exit(1)
	}
	if err := blobStore.EnsureBucket(ctx); err != nil {
		slog.Error("failed to ensure blob bucket", "error", err)
		os.Exit(1)
	}
	slog.Info("blob storage ready", "endpoint", cfg.Blob.Endpoint, "bucket", cfg.Blob.Bucket)

	dispatcher := dispatch.NewHTTP(cfg.Dispatch.WorkerURL, cfg.Dispatch.Timeout)
	limiter := ingest.NewRunLimiter(cfg.Ingest.MaxConcurrent, cfg.Ingest.MaxWaitTime)

	service := ingest.NewService(store, blobStore, dispatcher, validate.New(), limiter, ingest.Config{
		MaxFileSize:        cfg.Ingest.MaxFileSize,
		BatchSize:          cfg.Ingest.BatchSize,
		PartitionSize:      cfg.Ingest.PartitionSize,
		PartitionThreshold: cfg.Ingest.PartitionThreshold,
		ProgressInterval:   cfg.Ingest.ProgressInterval,
		ExecutionCeiling:   cfg.Ingest.ExecutionCeiling,
		WarnThreshold:      cfg.Ingest.WarnThreshold,
	})

	server := web.NewServer(service, cfg)

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		slog.Info("shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		// Wait for active ingestion runs to finish (with timeout)
		if active := limiter.ActiveCount(); active > 0 {
			slog.Info("waiting for ingestion runs to complete", "active", active)
			if err := limiter.WaitForDrain(shutdownCtx); err != nil {
				slog.Warn("ingestion runs did not complete in time", "error", err)
			} else {
				slog.Info("all ingestion runs completed")
			}
		}

		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown error", "error", err)
		}
	}()

	slog.Info("server starting", "addr", cfg.Server.Addr())
	if err := server.Start(cfg.Server.Addr()); err != nil {
		slog.Info("server stopped", "error", err)
	}
}
