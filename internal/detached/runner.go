// Package detached runs fire-and-forget follow-ups whose failures must not reach the caller.
package detached

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"agency-core/internal/telemetry"
)

// Runner executes tasks on a bounded errgroup detached from the request context. A task that
// fails or panics is logged and counted; it never cancels its siblings.
type Runner struct {
	group   *errgroup.Group
	timeout time.Duration
	logger  *slog.Logger
}

// NewRunner bounds concurrent tasks to limit; each task gets timeout.
func NewRunner(limit int, timeout time.Duration) *Runner {
	g := &errgroup.Group{}
	if limit > 0 {
		g.SetLimit(limit)
	}
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Runner{group: g, timeout: timeout, logger: slog.Default()}
}

// Go schedules task without blocking. When the runner is at its limit the task is dropped, logged and
// counted, and Go reports false.
func (r *Runner) Go(name string, task func(ctx context.Context) error) bool {
	started := r.group.TryGo(func() (err error) {
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		defer cancel()
		defer func() {
			if p := recover(); p != nil {
				err = fmt.Errorf("panic: %v", p)
			}
			if err != nil {
				telemetry.DetachedFailures.Inc()
				r.logger.Warn("detached task failed", "task", name, "error", err)
			}
		}()
		return task(ctx)
	})
	if !started {
		telemetry.DetachedDropped.Inc()
		r.logger.Warn("detached task dropped, runner full", "task", name)
	}
	return started
}

// Wait blocks until every scheduled task has finished. Used at shutdown and in tests.
func (r *Runner) Wait() {
	_ = r.group.Wait()
}
