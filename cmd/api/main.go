// Command api serves the portal's internal orchestration and workflow API.
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

	"agency-core/internal/api"
	"agency-core/internal/app"
	"agency-core/internal/config"
	"agency-core/internal/ratelimit"
)

const shutdownTimeout = 30 * time.Second

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

	if err := run(); err != nil {
		slog.Error("api failed", "error", err)
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
	if cfg.JWTSecret == "" {
		slog.Warn("JWT_SECRET is empty, every request runs as a local admin")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	limiter := ratelimit.NewTokenBucket(a.Pool, ratelimit.Limits{
		Capacity:  cfg.RateLimitCapacity,
		PerSecond: cfg.RateLimitRefill,
		Idle:      time.Hour,
	})
	server := api.New(cfg, api.Deps{
		Orchestrator: a.Orchestrator,
		Drafts:       a.Drafts,
		Decisions:    a.Decisions,
		Events:       a.Events,
		Queue:        a.Queue,
		Jobs:         a.Jobs,
		Limiter:      limiter,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("api listening", "addr", srv.Addr, "queue_enabled", cfg.RedisURL != "")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	slog.Info("api stopped")
	return nil
}
