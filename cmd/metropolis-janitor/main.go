package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/metropolis-io/metropolis/internal/broker"
	"github.com/metropolis-io/metropolis/internal/core"
	"github.com/metropolis-io/metropolis/internal/events"
	"github.com/metropolis-io/metropolis/internal/ledger"
	"github.com/metropolis-io/metropolis/internal/metrics"
	"github.com/metropolis-io/metropolis/internal/scheduler"
	"github.com/metropolis-io/metropolis/internal/server"
)

// A standalone janitor deployment. Running several replicas is safe: every
// release and promotion is an idempotent broker transition.
func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	cfg := server.LoadConfig()
	if cfg.DatabaseURL == "" {
		slog.Error("refusing to start without a ledger", "hint", "set METROPOLIS_DATABASE_URL")
		os.Exit(1)
	}

	ctx := context.Background()

	b, err := broker.Connect(ctx, cfg.RedisAddr, broker.Config{
		MaxAttempts: cfg.MaxAttempts,
		BackoffBase: cfg.BackoffBase,
		BackoffCap:  cfg.BackoffCap,
	})
	if err != nil {
		slog.Error("failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	defer b.Close()

	l, err := ledger.Open(ctx, ledger.Config{URL: cfg.DatabaseURL})
	if err != nil {
		slog.Error("failed to connect to Postgres", "error", err)
		os.Exit(1)
	}
	defer l.Close()

	var publisher core.EventPublisher = core.NopPublisher{}
	if cfg.NatsURL != "" {
		pubsub, err := events.Connect(cfg.NatsURL)
		if err != nil {
			slog.Error("failed to connect to NATS", "error", err)
			os.Exit(1)
		}
		defer pubsub.Close()
		publisher = pubsub
	}

	metrics.Init(core.Version, "redis")

	janitor := scheduler.NewJanitor(b, l, publisher, slog.Default(), cfg.SweepInterval)
	janitor.Start()
	slog.Info("janitor started", "sweep_interval", cfg.SweepInterval)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	janitor.Stop()
	slog.Info("janitor stopped")
}
