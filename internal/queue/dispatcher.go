package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"agency-core/internal/models"
	"agency-core/internal/telemetry"
)

// Mode says how a dispatched job ran.
type Mode string

const (
	ModeQueued Mode = "queued"
	ModeSync   Mode = "sync"
)

// Submitter is the part of the queue the dispatcher needs.
type Submitter interface {
	Submit(ctx context.Context, params SubmitParams) (models.JobHandle, error)
}

// InlineHandler runs a job in the caller's goroutine.
type InlineHandler func(ctx context.Context, job models.Job) error

// Result describes a dispatch.
type Result struct {
	Handle models.JobHandle `json:"job"`
	Mode   Mode             `json:"mode"`
}

// Dispatcher submits jobs to the queue and degrades to running them inline when the backend is
// unavailable. Inline runs get a single attempt.
type Dispatcher struct {
	queue Submitter

	mu       sync.RWMutex
	handlers map[string]InlineHandler
}

func NewDispatcher(q Submitter) *Dispatcher {
	return &Dispatcher{queue: q, handlers: make(map[string]InlineHandler)}
}

// Register binds the inline handler used for jobType when the queue is down.
func (d *Dispatcher) Register(jobType string, h InlineHandler) {
	if jobType == "" || h == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[jobType] = h
}

// Dispatch submits params, or runs the registered handler synchronously on ErrBackendUnavailable.
func (d *Dispatcher) Dispatch(ctx context.Context, params SubmitParams) (Result, error) {
	if d.queue != nil {
		handle, err := d.queue.Submit(ctx, params)
		if err == nil {
			telemetry.JobsEnqueued.WithLabelValues(handle.Type, handle.Priority.String()).Inc()
			return Result{Handle: handle, Mode: ModeQueued}, nil
		}
		if !errors.Is(err, ErrBackendUnavailable) {
			return Result{}, err
		}
	}

	d.mu.RLock()
	h, ok := d.handlers[params.Type]
	d.mu.RUnlock()
	if !ok {
		return Result{}, fmt.Errorf("no inline handler for %q: %w", params.Type, ErrBackendUnavailable)
	}
	if params.Priority == 0 {
		params.Priority = models.PriorityNormal
	}
	now := time.Now().UTC()
	job := models.Job{
		ID:          uuid.NewString(),
		Type:        params.Type,
		Priority:    params.Priority,
		Tenant:      params.Tenant,
		OwnerID:     params.OwnerID,
		Payload:     params.Payload,
		SubmittedAt: now,
		MaxAttempts: 1,
		Status:      models.JobStatusActive,
		Attempts:    1,
		NextRunAt:   now,
	}
	telemetry.SyncFallbacks.WithLabelValues(job.Type).Inc()
	slog.Info("running job inline", "job_id", job.ID, "job_type", job.Type)
	res := Result{Handle: models.JobHandle{ID: job.ID, Type: job.Type, Priority: job.Priority}, Mode: ModeSync}
	if err := h(ctx, job); err != nil {
		return res, fmt.Errorf("inline %s: %w", job.Type, err)
	}
	return res, nil
}
