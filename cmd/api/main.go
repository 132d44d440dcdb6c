// Package main is the entry point for the rhema API server.
//
// It loads configuration, selects the webhook idempotency store, wires the
// payment client, subscription handlers and metrics into the core chassis,
// and serves HTTP until SIGINT or SIGTERM.
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

	"golang.org/x/sync/errgroup"

	"rhema/internal/api/handlers"
	"rhema/internal/config"
	"rhema/internal/core"
	"rhema/internal/external"
	"rhema/internal/subscriptions"
	"rhema/internal/telemetry"
	"rhema/internal/webhook"
)

const (
	shutdownTimeout  = 10 * time.Second
	purgeInterval    = time.Hour
	storeOpenTimeout = 10 * time.Second
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// run encapsulates the startup lifecycle so that main() can cleanly exit on error.
func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadConfig(secretProvider(os.Getenv("APP_ENV"), os.Getenv("AWS_REGION")))
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	logger.Info("rhema API starting",
		"environment", cfg.Environment,
		"version", cfg.Build.Version,
		"commit", cfg.Build.Commit,
		"port", cfg.Server.Port,
		"dedup_store", cfg.Dedup.Store,
	)

	store, err := newStore(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("opening webhook store: %w", err)
	}

	srv, err := buildServer(cfg, logger, store)
	if err != nil {
		_ = store.Close()
		return fmt.Errorf("creating server: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	if ps, ok := store.(*webhook.PostgresStore); ok {
		g.Go(func() error {
			purgeLoop(gctx, ps, purgeInterval, logger)
			return nil
		})
	}
	g.Go(func() error {
		return runHTTPServer(gctx, srv, cfg, logger)
	})
	return g.Wait()
}

// secretProvider returns nil for local runs, where SSM resolution is skipped.
func secretProvider(appEnv, region string) config.SecretProvider {
	if appEnv == "" || appEnv == "local" {
		return nil
	}
	if region == "" {
		region = "us-east-1"
	}
	return config.NewSSMProvider(region)
}

// buildServer wires every handler and mounts the routes. The store is closed
// by srv.Shutdown.
func buildServer(cfg *config.Config, logger *slog.Logger, store webhook.Store) (*core.Server, error) {
	srv, err := core.NewServer(cfg, logger)
	if err != nil {
		return nil, err
	}

	metrics := telemetry.New()
	srv.Metrics = metrics
	srv.MetricsHandler = metrics.Handler()
	if ms, ok := store.(*webhook.MemoryStore); ok {
		metrics.TrackStoreSize(ms.Size)
	}

	clients := external.NewClientRegistry(cfg, logger)

	dispatcher := webhook.NewDispatcher()
	subscriptions.RegisterHandlers(dispatcher, subscriptions.NewRegistry(logger.With("component", "subscriptions")), clients.Subscriptions)
	logger.Info("webhook handlers registered", "kinds", dispatcher.Kinds())

	ingester := webhook.NewIngester(
		clients.StripeVerifier,
		store,
		dispatcher,
		webhook.IngesterConfig{
			Secret: cfg.Billing.StripeWebhookSecret,
			Policy: webhook.ClaimPolicy{
				MaxAttempts: cfg.Webhook.MaxDeliveryAttempts,
				Lease:       cfg.Webhook.ProcessingLease,
			},
			DispatchAttempts: cfg.Webhook.DispatchAttempts,
		},
		logger.With("component", "webhook"),
		webhook.WithOutcomeRecorder(metrics),
	)

	srv.APIRouteRegistrars = append(srv.APIRouteRegistrars,
		handlers.NewPublicConfigHandler(cfg).RegisterRoutes,
		handlers.NewCheckoutHandler(clients.Payments, srv.Validator, cfg.Server.AppBaseURL, logger).RegisterRoutes,
		handlers.NewCreditsHandler(srv.Validator).RegisterRoutes,
		handlers.NewStripeWebhookHandler(ingester, logger).RegisterRoutes,
	)
	srv.OnShutdown(func(context.Context) error { return store.Close() })

	srv.MountRoutes()
	return srv, nil
}

// newStore opens the idempotency store selected by DEDUP_STORE.
func newStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (webhook.Store, error) {
	switch cfg.Dedup.Store {
	case config.DedupStorePostgres:
		pool, err := webhook.OpenPool(ctx, cfg.Dedup.DatabaseURL.Unmask(), cfg.Dedup.MaxConns, cfg.Dedup.AcquireTimeout)
		if err != nil {
			return nil, err
		}
		store := webhook.NewPostgresStore(pool, cfg.Webhook.RecordTTL)
		schemaCtx, cancel := context.WithTimeout(ctx, storeOpenTimeout)
		defer cancel()
		if err := store.EnsureSchema(schemaCtx); err != nil {
			_ = store.Close()
			return nil, err
		}
		logger.Info("webhook store ready", "backend", "postgres")
		return store, nil

	case config.DedupStoreRedis:
		client, err := webhook.OpenRedis(ctx, cfg.Dedup.RedisURL.Unmask(), storeOpenTimeout)
		if err != nil {
			return nil, err
		}
		logger.Info("webhook store ready", "backend", "redis")
		return webhook.NewRedisStore(client, cfg.Webhook.RecordTTL), nil

	case config.DedupStoreMemory, "":
		logger.Warn("webhook store is process-local; deduplication does not span instances", "backend", "memory")
		return webhook.NewMemoryStore(cfg.Webhook.RecordTTL, 0), nil

	default:
		return nil, fmt.Errorf("unknown dedup store %q", cfg.Dedup.Store)
	}
}

// purgeLoop deletes expired Postgres records every interval until ctx ends.
func purgeLoop(ctx context.Context, store *webhook.PostgresStore, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := store.Purge(ctx)
			if err != nil {
				logger.Error("webhook record purge failed", "error", err)
				continue
			}
			if n > 0 {
				logger.Info("purged expired webhook records", "count", n)
			}
		}
	}
}

// runHTTPServer serves until ctx is cancelled, then drains in-flight
// requests and releases server resources.
func runHTTPServer(ctx context.Context, srv *core.Server, cfg *config.Config, logger *slog.Logger) error {
	addr := ":" + cfg.Server.Port

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			_ = srv.Shutdown(context.Background())
			return fmt.Errorf("server error: %w", err)
		}
	}

	logger.Info("initiating graceful shutdown")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	logger.Info("server stopped cleanly")
	return nil
}

// parseLogLevel maps LOG_LEVEL to a slog level, defaulting to info.
func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// newLogger creates a JSON slog.Logger on stdout.
func newLogger(level string) *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLogLevel(level),
	}))
}
