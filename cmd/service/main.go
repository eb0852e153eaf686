// cmd/service/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"repo-mirror/internal/api"
	"repo-mirror/internal/auth"
	"repo-mirror/internal/config"
	"repo-mirror/internal/content"
	"repo-mirror/internal/ingest"
	"repo-mirror/internal/queue"
	"repo-mirror/internal/store"
	"repo-mirror/internal/webhook"
)

func main() {
	if err := run(); err != nil {
		slog.Error("Application startup error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Initialize structured logger
	logLevel := new(slog.LevelVar)
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	logger := slog.New(handler)
	slog.SetDefault(logger)

	// 2. Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	setLogLevel(cfg.LogLevel, logLevel)
	logger.Info("Configuration loaded successfully")

	// 3. Setup context for graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// 4. Initialize database connection and run migrations
	dbpool, err := pgxpool.New(ctx, cfg.DBURL)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer dbpool.Close()
	logger.Info("Database connection established")

	if err := runMigrations(cfg.DBURL); err != nil {
		return fmt.Errorf("failed to run database migrations: %w", err)
	}
	logger.Info("Database migrations applied successfully")

	// 5. Initialize queue transport
	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("failed to parse REDIS_URL: %w", err)
	}
	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	logger.Info("Queue connection established")

	// 6. Initialize application components
	stateStore := store.New(dbpool, cfg.SyncStaleness, logger)
	ingestQueue := queue.New(rdb, logger)

	blobBackend := content.NewHTTPBlobBackend(cfg.BlobBaseURL, cfg.BlobAuthToken)
	contentStore := content.NewStore(stateStore, blobBackend, logger)

	resolver := auth.NewResolver(stateStore, cfg.GithubToken,
		cfg.GithubClientID, cfg.GithubClientSecret,
		cfg.GithubAppID, []byte(cfg.GithubAppPrivateKey), logger)
	sources := ingest.NewSourceFactory(resolver, logger)

	processor := ingest.NewProcessor(stateStore, contentStore, ingestQueue, sources, cfg.Concurrency, logger)
	consumer := ingest.NewConsumer(ingestQueue, processor, cfg.QueueBatchSize, logger)
	scheduler := ingest.NewScheduler(stateStore, ingestQueue, sources,
		cfg.SyncInterval, cfg.SchedulerDeadline, cfg.SchedulerBatchLimit, cfg.Concurrency, logger)

	webhookHandler := webhook.NewHandler(stateStore, ingestQueue, []byte(cfg.GithubWebhookSecret), logger)
	router := api.NewRouter(stateStore, contentStore, ingestQueue, webhookHandler, logger)

	// 7. Start background workers and the HTTP server
	go scheduler.Start(ctx)
	go consumer.Start(ctx)

	srv := &http.Server{Addr: cfg.ListenAddr, Handler: router}
	go func() {
		logger.Info("HTTP server listening", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server error", "error", err)
			cancel()
		}
	}()

	// 8. Wait for shutdown signal
	logger.Info("Application started. Waiting for shutdown signal...")
	<-ctx.Done()
	logger.Info("Shutdown signal received. Exiting.")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}

	return nil
}

func runMigrations(dbURL string) error {
	m, err := migrate.New("file://migrations", dbURL)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return err
	}
	return nil
}

func setLogLevel(level string, v *slog.LevelVar) {
	switch level {
	case "debug":
		v.Set(slog.LevelDebug)
	case "warn":
		v.Set(slog.LevelWarn)
	case "error":
		v.Set(slog.LevelError)
	default:
		v.Set(slog.LevelInfo)
	}
}
