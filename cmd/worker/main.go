// Command worker drains the crew job queue and, on a ticker, the event bus.
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

	"agency-core/internal/app"
	"agency-core/internal/config"
	"agency-core/internal/queue"
	"agency-core/internal/telemetry"
	"agency-core/internal/worker"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

	if err := run(); err != nil {
		slog.Error("worker failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if cfg.RedisURL == "" {
		return errors.New("REDIS_URL is required for the worker")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	processor := worker.NewProcessorWithID(cfg, a.Queue, a.Audit, workerID())
	for jobType, h := range a.JobHandlers() {
		processor.RegisterHandler(jobType, h)
	}

	metrics := &http.Server{Addr: cfg.MetricsAddr, Handler: telemetry.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Warn("metrics server stopped", "error", err)
		}
	}()
	defer metrics.Close()

	slog.Info("worker started",
		"visibility", cfg.VisibilityTimeout,
		"backoff_initial", cfg.BackoffInitial,
		"concurrency_per_type", cfg.JobTypeConcurrency,
		"event_poll_interval", cfg.EventPollInterval,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return processor.Run(gctx) })
	if cfg.EventPollInterval > 0 {
		g.Go(func() error { return drainEvents(gctx, a, cfg) })
	}
	err = g.Wait()
	if errors.Is(err, queue.ErrBackendUnavailable) {
		return fmt.Errorf("queue backend lost: %w", err)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	slog.Info("worker stopped")
	return nil
}

func drainEvents(ctx context.Context, a *app.App, cfg config.Config) error {
	t := time.NewTicker(cfg.EventPollInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
		res, err := a.Events.Process(ctx, cfg.EventBatchSize)
		if err != nil {
			slog.Warn("event drain failed", "error", err)
			continue
		}
		if res.Fetched > 0 {
			slog.Info("events drained", "fetched", res.Fetched, "processed", res.Processed, "failed", res.Failed)
		}
	}
}

func workerID() string {
	if id := os.Getenv("WORKER_ID"); id != "" {
		return id
	}
	if host, _ := os.Hostname(); host != "" {
		return host
	}
	return fmt.Sprintf("worker-%d", os.Getpid())
}
