// Webhook ingress — receives Infobip callbacks, verifies their signature,
// and enqueues valid messages onto the inbound stream for the workers.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/mobilityone/whatsagent/pkg/api"
	"github.com/mobilityone/whatsagent/pkg/config"
	"github.com/mobilityone/whatsagent/pkg/kv"
	"github.com/mobilityone/whatsagent/pkg/observability"
	"github.com/mobilityone/whatsagent/pkg/queue"
	"github.com/mobilityone/whatsagent/pkg/version"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment", "error", err)
	}

	ctx := context.Background()

	// 1. Configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	// 2. Observability
	observability.ConfigureLogging(cfg.AppEnv, cfg.LogLevel)
	flush, err := observability.InitSentry(cfg.SentryDSN, cfg.AppEnv)
	if err != nil {
		slog.Warn("Sentry initialization failed, continuing without it", "error", err)
	} else {
		defer flush()
	}
	slog.Info("Starting webhook service", "version", version.Full(), "env", string(cfg.AppEnv))

	// 3. Redis and the inbound stream
	kvClient, err := kv.NewClient(ctx, cfg.RedisURL)
	if err != nil {
		slog.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	defer kvClient.Close()

	q := queue.NewService(kvClient, cfg.Worker)
	if err := q.EnsureGroup(ctx); err != nil {
		slog.Error("Failed to ensure consumer group", "error", err)
		os.Exit(1)
	}

	// 4. HTTP service
	limiter := kv.NewRateLimiter(kvClient, "rate:webhook:", cfg.Webhook.RateLimitPerMinute, time.Minute)
	server := api.NewServer(q, limiter, cfg.Infobip.SecretKey, cfg.AppEnv, cfg.Webhook.Addr)

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil {
			errCh <- err
		}
	}()

	// 5. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
		observability.CaptureError(err)
	}

	// 6. Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}
