package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"time"

	"agency-core/internal/audit"
	"agency-core/internal/config"
	"agency-core/internal/models"
	"agency-core/internal/queue"
	"agency-core/internal/telemetry"
)

// ErrPermanent marks a handler failure that retrying cannot fix. Such jobs are dead-lettered on
// the first failure.
var ErrPermanent = errors.New("permanent failure")

// JobQueue is the queue surface the processor drives.
type JobQueue interface {
	Available() bool
	Dequeue(ctx context.Context) (*models.Job, error)
	Release(ctx context.Context, job models.Job, runAt time.Time) error
	Ack(ctx context.Context, jobID string) error
	Retry(ctx context.Context, job models.Job, cause error, runAt time.Time) error
	DeadLetter(ctx context.Context, job models.Job, cause error) error
	PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error)
	RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error)
	Stats(ctx context.Context) (queue.Stats, error)
}

// Processor drives the worker execution loop.
type Processor struct {
	cfg      config.Config
	queue    JobQueue
	audit    *audit.Recorder
	handlers map[string]Handler
	workerID string
	logger   *slog.Logger

	mu    sync.Mutex
	slots map[string]chan struct{}
	wg    sync.WaitGroup
}

// Handler executes a job for a given type.
type Handler func(ctx context.Context, job models.Job) error

func NewProcessor(cfg config.Config, q JobQueue, rec *audit.Recorder) *Processor {
	return NewProcessorWithID(cfg, q, rec, "")
}

// NewProcessorWithID creates a processor with a specific worker ID for tracking.
func NewProcessorWithID(cfg config.Config, q JobQueue, rec *audit.Recorder, workerID string) *Processor {
	if cfg.JobTypeConcurrency <= 0 {
		cfg.JobTypeConcurrency = 1
	}
	if cfg.WorkerPollInterval <= 0 {
		cfg.WorkerPollInterval = time.Second
	}
	if cfg.ScheduledBatchSize <= 0 {
		cfg.ScheduledBatchSize = 100
	}
	return &Processor{
		cfg:      cfg,
		queue:    q,
		audit:    rec,
		handlers: make(map[string]Handler),
		slots:    make(map[string]chan struct{}),
		workerID: workerID,
		logger:   slog.Default().With("worker_id", workerID),
	}
}

// RegisterHandler binds a handler to a job type.
func (p *Processor) RegisterHandler(jobType string, handler Handler) {
	if jobType == "" || handler == nil {
		return
	}
	p.handlers[jobType] = handler
}

// Run starts the main worker loop until context cancellation or until the queue backend is
// permanently unavailable. Jobs run concurrently, bounded per job type: a job whose type has no
// free slot is released back to the queue so other types keep flowing. Run waits for in-flight
// jobs before returning.
func (p *Processor) Run(ctx context.Context) error {
	defer p.wg.Wait()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		p.housekeeping(ctx)

		job, err := p.queue.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, queue.ErrBackendUnavailable) && !p.queue.Available() {
				return err
			}
			p.logger.Warn("dequeue failed", "error", err)
			p.sleep(ctx)
			continue
		}
		if job == nil {
			p.sleep(ctx)
			continue
		}

		slot := p.slot(job.Type)
		select {
		case slot <- struct{}{}:
		default:
			// The lease expires on its own if the release fails.
			if err := p.queue.Release(ctx, *job, time.Now().Add(p.cfg.WorkerPollInterval)); err != nil {
				p.logger.Warn("release saturated job failed", "job_id", job.ID, "job_type", job.Type, "error", err)
			}
			continue
		}
		p.wg.Add(1)
		go func(job models.Job) {
			defer p.wg.Done()
			defer func() { <-slot }()
			p.Execute(ctx, job)
		}(*job)
	}
}

// ProcessNext dequeues and executes a single job in the calling goroutine. It reports whether a
// job was found.
func (p *Processor) ProcessNext(ctx context.Context) (bool, error) {
	job, err := p.queue.Dequeue(ctx)
	if err != nil || job == nil {
		return false, err
	}
	p.Execute(ctx, *job)
	return true, nil
}

func (p *Processor) housekeeping(ctx context.Context) {
	now := time.Now()
	if _, err := p.queue.PromoteScheduled(ctx, now, int64(p.cfg.ScheduledBatchSize)); err != nil {
		p.logger.Warn("promote scheduled failed", "error", err)
	}
	if reclaimed, err := p.queue.RequeueExpired(ctx, now, 100); err == nil && len(reclaimed) > 0 {
		p.logger.Info("reclaimed expired leases", "count", len(reclaimed))
	}
	if st, err := p.queue.Stats(ctx); err == nil {
		for name, depth := range st.Ready {
			telemetry.QueueDepthGauge.WithLabelValues(name).Set(float64(depth))
		}
	}
}

func (p *Processor) slot(jobType string) chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.slots[jobType]
	if !ok {
		s = make(chan struct{}, p.cfg.JobTypeConcurrency)
		p.slots[jobType] = s
	}
	return s
}

func (p *Processor) sleep(ctx context.Context) {
	t := time.NewTimer(p.cfg.WorkerPollInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// Execute runs a leased job and settles it: ack on success, retry with backoff while attempts
// remain, dead-letter once they are exhausted.
func (p *Processor) Execute(ctx context.Context, job models.Job) {
	log := p.logger.With("job_id", job.ID, "job_type", job.Type, "attempt", job.Attempts)
	subject := "job:" + job.ID

	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	err := p.runJob(ctx, job)
	if err == nil {
		if ackErr := p.queue.Ack(ctx, job.ID); ackErr != nil {
			// The lease will be reclaimed and the job run again, so it is not complete yet.
			p.audit.Record(ctx, subject, "ack_failed", ackErr.Error(), job.OwnerID)
			log.Error("job ran but ack failed", "error", ackErr)
			return
		}
		p.audit.Record(ctx, subject, "succeeded", "worker completed job", job.OwnerID)
		telemetry.JobsCompleted.WithLabelValues(job.Type).Inc()
		log.Info("job succeeded")
		return
	}

	maxAttempts := job.MaxAttempts
	if maxAttempts <= 0 || (p.cfg.MaxAttempts > 0 && maxAttempts > p.cfg.MaxAttempts) {
		maxAttempts = p.cfg.MaxAttempts
	}
	if job.Attempts >= maxAttempts || errors.Is(err, ErrPermanent) {
		if dlErr := p.queue.DeadLetter(ctx, job, err); dlErr != nil {
			log.Error("dead-letter failed", "error", dlErr)
		}
		p.audit.Record(ctx, subject, "dead_letter", err.Error(), job.OwnerID)
		telemetry.JobsDeadLettered.WithLabelValues(job.Type).Inc()
		log.Warn("job dead-lettered", "error", err)
		return
	}

	nextRun := time.Now().Add(backoffWithJitter(p.cfg.BackoffInitial, p.cfg.BackoffMax, job.Attempts))
	if rErr := p.queue.Retry(ctx, job, err, nextRun); rErr != nil {
		log.Error("schedule retry failed", "error", rErr)
	}
	p.audit.Record(ctx, subject, "retry_scheduled", fmt.Sprintf("next_run=%s attempts=%d error=%s", nextRun.UTC().Format(time.RFC3339), job.Attempts, err), job.OwnerID)
	telemetry.JobsRetried.WithLabelValues(job.Type).Inc()
	log.Warn("job failed, retry scheduled", "error", err, "next_run_at", nextRun)
}

func (p *Processor) runJob(ctx context.Context, job models.Job) (err error) {
	handler, ok := p.handlers[job.Type]
	if !ok {
		return fmt.Errorf("no handler registered for type %q: %w", job.Type, ErrPermanent)
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, job)
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if max < base {
		max = base
	}
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max || exp > float64(max) {
		wait = max
	}
	jitter := time.Duration(rand.Int63n(int64(wait/2) + 1))
	return wait/2 + jitter
}
