// Message worker — consumes the inbound WhatsApp stream, runs the agent
// loop per message, and delivers replies through Infobip.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/mobilityone/whatsagent/pkg/agent"
	"github.com/mobilityone/whatsagent/pkg/config"
	"github.com/mobilityone/whatsagent/pkg/gateway"
	"github.com/mobilityone/whatsagent/pkg/history"
	"github.com/mobilityone/whatsagent/pkg/identity"
	"github.com/mobilityone/whatsagent/pkg/infobip"
	"github.com/mobilityone/whatsagent/pkg/kv"
	"github.com/mobilityone/whatsagent/pkg/llm"
	"github.com/mobilityone/whatsagent/pkg/observability"
	"github.com/mobilityone/whatsagent/pkg/queue"
	"github.com/mobilityone/whatsagent/pkg/registry"
	"github.com/mobilityone/whatsagent/pkg/version"
	"github.com/mobilityone/whatsagent/pkg/worker"
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
	slog.Info("Starting message worker", "version", version.Full(), "env", string(cfg.AppEnv))

	// 3. Redis
	kvClient, err := kv.NewClient(ctx, cfg.RedisURL)
	if err != nil {
		slog.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	defer kvClient.Close()
	slog.Info("Connected to Redis")

	// 4. Tool registry (startup load failure is non-fatal: hot reload
	// keeps retrying and the agent degrades to text-only answers)
	llmClient := llm.NewClient(cfg.OpenAI)
	reg := registry.New(kvClient, llmClient, cfg.Registry)
	if err := reg.Load(ctx, cfg.Registry.SwaggerURL); err != nil {
		slog.Error("Initial tool registry load failed", "source", cfg.Registry.SwaggerURL, "error", err)
		observability.CaptureError(err)
	} else {
		slog.Info("Tool registry loaded", "tools", reg.Count())
	}
	reloadCtx, stopReload := context.WithCancel(ctx)
	defer stopReload()
	reg.StartHotReload(reloadCtx, cfg.Registry.SwaggerURL, cfg.Registry.RefreshInterval)

	// 5. Domain collaborators
	q := queue.NewService(kvClient, cfg.Worker)
	conversations := history.NewStore(kvClient, cfg.Context, cfg.AppEnv, llmClient)
	mobility := gateway.NewClient(cfg.Mobility)
	sender := infobip.NewClient(cfg.Infobip)

	// 6. Identity store (optional — without DATABASE_URL the worker runs
	// anonymously and skips onboarding)
	var resolver worker.Resolver
	var onboarder worker.Onboarder
	if cfg.DatabaseURL != "" {
		store, err := identity.NewStore(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("Failed to connect to identity database", "error", err)
			os.Exit(1)
		}
		defer store.Close()
		resolver = store
		onboarder = identity.NewOnboarding(kvClient, store, mobility)
		slog.Info("Identity store connected")
	} else {
		slog.Warn("DATABASE_URL not set, running in anonymous mode")
	}

	// 7. Agent loop and worker
	loop := agent.New(conversations, reg, llmClient, mobility, q, cfg.Registry.TopK)
	w := worker.New(kvClient, q, conversations, loop, sender, resolver, onboarder, cfg.Worker)

	// 8. Metrics endpoint
	metricsServer := observability.ServeMetrics(cfg.Worker.MetricsAddr)
	slog.Info("Metrics listening", "addr", cfg.Worker.MetricsAddr)

	// 9. Run until signal
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	runDone := make(chan error, 1)
	go func() { runDone <- w.Run(runCtx) }()
	slog.Info("Worker started", "consumer", w.Consumer())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-runDone:
		if err != nil {
			slog.Error("Worker loop failed", "error", err)
			observability.CaptureError(err)
		}
	}

	// 10. Graceful shutdown
	w.Stop()
	select {
	case <-runDone:
		slog.Info("Worker stopped gracefully")
	case <-time.After(cfg.Worker.DrainTimeout + time.Second):
		slog.Warn("Worker shutdown timeout exceeded")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, 5*time.Second)
	defer shutdownCancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("Metrics server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}
