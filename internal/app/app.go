// Package app assembles the long-lived components shared by the api and worker binaries.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"agency-core/internal/artifacts"
	"agency-core/internal/audit"
	"agency-core/internal/config"
	"agency-core/internal/crew"
	"agency-core/internal/decisions"
	"agency-core/internal/detached"
	"agency-core/internal/drafts"
	"agency-core/internal/events"
	"agency-core/internal/media"
	"agency-core/internal/models"
	"agency-core/internal/orchestrator"
	"agency-core/internal/queue"
	"agency-core/internal/store"
	"agency-core/internal/worker"
)

// App holds every wired component. Close releases them in reverse order.
type App struct {
	Config       config.Config
	Store        *store.Store
	Pool         *queue.Pool
	Queue        *queue.RedisQueue
	Jobs         *queue.Dispatcher
	Audit        *audit.Recorder
	Detached     *detached.Runner
	Runner       *crew.Runner
	Orchestrator *orchestrator.Orchestrator
	Drafts       *drafts.Workflow
	Decisions    *decisions.Workflow
	Bus          *events.Bus
	Events       *events.Processor
	Media        *media.Handler
}

// Build connects to Postgres, applies migrations and wires the domain workflows. Redis is connected lazily by the
// queue pool, so a missing REDIS_URL only disables queuing.
func Build(ctx context.Context, cfg config.Config) (*App, error) {
	st, err := store.Open(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	slog.Info("database connected")

	if err := store.RunMigrations(cfg.PostgresDSN); err != nil {
		st.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	art, err := artifacts.New(ctx, cfg)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("artifact store: %w", err)
	}

	pipelines, err := orchestrator.LoadPipelines(cfg.PipelinesFile)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("load pipelines: %w", err)
	}

	a := &App{Config: cfg, Store: st}
	a.Pool = queue.NewPool(cfg.RedisURL, cfg.ConnectTimeout)
	a.Queue = queue.NewRedisQueue(a.Pool, cfg)
	a.Jobs = queue.NewDispatcher(a.Queue)
	a.Audit = audit.NewRecorder(st, slog.Default())
	a.Detached = detached.NewRunner(cfg.DetachedLimit, cfg.EvaluateTimeout)
	a.Runner = crew.NewRunner(
		crew.NewHTTPGenerator(cfg.AIBaseURL, cfg.AIAPIKey, cfg.AIModel, cfg.GenerateTimeout),
		crew.Timeouts{Generate: cfg.GenerateTimeout, Evaluate: cfg.EvaluateTimeout, Draft: cfg.DraftTimeout},
	)
	a.Bus = events.NewBus(st)
	a.Drafts = drafts.NewWorkflow(st,
		drafts.WithAudit(a.Audit),
		drafts.WithEvents(a.Bus),
		drafts.WithDetached(a.Detached),
		drafts.WithPortalURL(cfg.PortalBaseURL),
		drafts.WithExecutor(models.ActionCreateTask, drafts.TaskExecutor{Store: st}),
		drafts.WithExecutor(models.ActionSendMessage, drafts.MessageExecutor{Store: st}),
		drafts.WithExecutor(models.ActionScheduleMeeting, drafts.MeetingExecutor{Store: st, Now: time.Now}),
	)
	a.Decisions = decisions.NewWorkflow(st, a.Bus, a.Audit)
	a.Orchestrator = orchestrator.New(a.Runner, pipelines,
		orchestrator.Settings{MinScore: cfg.MinFocusGroupScore, MaxIterations: cfg.MaxIterations},
		orchestrator.Deps{
			Content:   st,
			Artifacts: art,
			Drafts:    a.Drafts,
			Decisions: a.Decisions,
			Jobs:      a.Jobs,
			Events:    a.Bus,
			Audit:     a.Audit,
		})
	a.Media = media.NewHandler(cfg, art)
	a.Events = events.NewProcessor(st, events.DefaultHandlers(a.Audit, a.Runner))

	for jobType, h := range a.JobHandlers() {
		a.Jobs.Register(jobType, queue.InlineHandler(h))
	}
	return a, nil
}

// JobHandlers maps every queue job type to its handler.
func (a *App) JobHandlers() map[string]worker.Handler {
	return map[string]worker.Handler{
		orchestrator.JobType: Permanent(a.Orchestrator.HandleJob),
		media.JobType:        Permanent(a.Media.Handle),
	}
}

// Permanent marks request errors that a retry cannot fix so the worker dead-letters them at once.
func Permanent(h worker.Handler) worker.Handler {
	return func(ctx context.Context, job models.Job) error {
		err := h(ctx, job)
		if err == nil || errors.Is(err, worker.ErrPermanent) {
			return err
		}
		if errors.Is(err, orchestrator.ErrInvalidDemandType) || errors.Is(err, orchestrator.ErrInvalidRequest) || errors.Is(err, models.ErrInvalidPayload) {
			return fmt.Errorf("%w: %w", worker.ErrPermanent, err)
		}
		return err
	}
}

// Close waits for detached follow-ups, then releases Redis and Postgres.
func (a *App) Close() {
	a.Detached.Wait()
	if err := a.Pool.Close(); err != nil {
		slog.Warn("close redis pool", "error", err)
	}
	a.Store.Close()
}
