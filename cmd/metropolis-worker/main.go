package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/metropolis-io/metropolis/internal/artifact"
	"github.com/metropolis-io/metropolis/internal/broker"
	"github.com/metropolis-io/metropolis/internal/core"
	"github.com/metropolis-io/metropolis/internal/events"
	"github.com/metropolis-io/metropolis/internal/ledger"
	"github.com/metropolis-io/metropolis/internal/metrics"
	"github.com/metropolis-io/metropolis/internal/server"
	"github.com/metropolis-io/metropolis/internal/worker"
)

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

	var store artifact.Store
	if cfg.ArtifactEndpoint != "" {
		store, err = artifact.NewMinioStore(artifact.Config{
			Endpoint:  cfg.ArtifactEndpoint,
			AccessKey: cfg.ArtifactAccessKey,
			SecretKey: cfg.ArtifactSecretKey,
			UseSSL:    cfg.ArtifactUseSSL,
		})
		if err != nil {
			slog.Error("failed to configure artifact store", "error", err)
			os.Exit(1)
		}
	}

	metrics.Init(core.Version, "redis")

	w := worker.New(b, l, publisher, slog.Default(), worker.Config{
		ID:           cfg.WorkerID,
		LeaseTTL:     cfg.LeaseTTL,
		PollInterval: cfg.PollInterval,
	})
	w.RegisterBuiltins(store)

	runCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := w.Run(runCtx); err != nil {
		slog.Error("worker error", "error", err)
		os.Exit(1)
	}
	slog.Info("worker stopped")
}
