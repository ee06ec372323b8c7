package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/metropolis-io/metropolis/internal/broker"
	"github.com/metropolis-io/metropolis/internal/core"
	"github.com/metropolis-io/metropolis/internal/events"
	"github.com/metropolis-io/metropolis/internal/ledger"
	"github.com/metropolis-io/metropolis/internal/metrics"
	"github.com/metropolis-io/metropolis/internal/scheduler"
	"github.com/metropolis-io/metropolis/internal/server"
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

	// Connect to the broker
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
	slog.Info("connected to Redis", "addr", cfg.RedisAddr)

	// Connect to the ledger
	l, err := ledger.Open(ctx, ledger.Config{URL: cfg.DatabaseURL})
	if err != nil {
		slog.Error("failed to connect to Postgres", "error", err)
		os.Exit(1)
	}
	defer l.Close()
	if err := l.EnsureSchema(ctx); err != nil {
		slog.Error("failed to ensure ledger schema", "error", err)
		os.Exit(1)
	}
	slog.Info("connected to Postgres")

	// Lifecycle events are optional
	var publisher core.EventPublisher = core.NopPublisher{}
	if cfg.NatsURL != "" {
		pubsub, err := events.Connect(cfg.NatsURL)
		if err != nil {
			slog.Error("failed to connect to NATS", "error", err)
			os.Exit(1)
		}
		defer pubsub.Close()
		publisher = pubsub
		slog.Info("connected to NATS", "url", cfg.NatsURL)
	}

	metrics.Init(core.Version, "redis")

	sched := scheduler.New(b, l, publisher, slog.Default())

	// The server runs its own janitor so a single-process deployment stays
	// correct. Dedicated janitor processes are additive.
	janitor := scheduler.NewJanitor(b, l, publisher, slog.Default(), cfg.SweepInterval)
	janitor.Start()
	defer janitor.Stop()

	router := server.NewRouter(sched)
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("metropolis server listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down server")
	janitor.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	slog.Info("server stopped")
}
