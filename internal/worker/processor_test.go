package worker

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agency-core/internal/audit"
	"agency-core/internal/config"
	"agency-core/internal/models"
	"agency-core/internal/queue"
)

func TestBackoffWithJitter(t *testing.T) {
	rand.Seed(1)
	base := time.Second
	max := 8 * time.Second

	b1 := backoffWithJitter(base, max, 1)
	if b1 < base/2 || b1 > max {
		t.Fatalf("backoff out of range: %s", b1)
	}

	b3 := backoffWithJitter(base, max, 3)
	if b3 < base || b3 > max {
		t.Fatalf("backoff out of range for attempt 3: %s", b3)
	}

	b50 := backoffWithJitter(base, max, 50)
	if b50 < max/2 || b50 > max {
		t.Fatalf("backoff not capped for attempt 50: %s", b50)
	}
}

type memSink struct{ entries []models.AuditLog }

func (m *memSink) AppendAudit(_ context.Context, e models.AuditLog) error {
	m.entries = append(m.entries, e)
	return nil
}

func (m *memSink) events() []string {
	out := make([]string, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e.Event)
	}
	return out
}

func newTestProcessor(t *testing.T) (*Processor, *queue.RedisQueue, *memSink) {
	t.Helper()
	p, q, sink, _ := newProcessorWithConcurrency(t, 2)
	return p, q, sink
}

func newProcessorWithConcurrency(t *testing.T, perType int) (*Processor, *queue.RedisQueue, *memSink, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	cfg := config.Config{
		VisibilityTimeout:  time.Minute,
		MaxAttempts:        3,
		BackoffInitial:     time.Millisecond,
		BackoffMax:         2 * time.Millisecond,
		JobTypeConcurrency: perType,
		WorkerPollInterval: 10 * time.Millisecond,
	}
	pool := queue.NewPool("redis://"+mr.Addr(), time.Second)
	t.Cleanup(func() { _ = pool.Close() })
	q := queue.NewRedisQueue(pool, cfg)
	sink := &memSink{}
	return NewProcessorWithID(cfg, q, audit.NewRecorder(sink, nil), "w1"), q, sink, mr
}

func TestProcessor_SucceedsAndAcks(t *testing.T) {
	ctx := context.Background()
	p, q, sink := newTestProcessor(t)
	var seen json.RawMessage
	p.RegisterHandler("crew:orchestrate", func(_ context.Context, job models.Job) error {
		seen = job.Payload
		return nil
	})

	h, err := q.Submit(ctx, queue.SubmitParams{Type: "crew:orchestrate", Payload: json.RawMessage(`{"topic":"launch"}`)})
	require.NoError(t, err)

	found, err := p.ProcessNext(ctx)
	require.NoError(t, err)
	assert.True(t, found)
	assert.JSONEq(t, `{"topic":"launch"}`, string(seen))

	job, err := q.Get(ctx, h.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusSucceeded, job.Status)
	assert.Equal(t, []string{"succeeded"}, sink.events())
}

func TestProcessor_RetriesThenDeadLetters(t *testing.T) {
	ctx := context.Background()
	p, q, sink := newTestProcessor(t)
	calls := 0
	p.RegisterHandler("crew:orchestrate", func(context.Context, models.Job) error {
		calls++
		return errors.New("upstream 502")
	})

	h, err := q.Submit(ctx, queue.SubmitParams{Type: "crew:orchestrate", Payload: json.RawMessage(`{"k":"v"}`)})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := q.PromoteScheduled(ctx, time.Now().Add(time.Hour), 10)
		require.NoError(t, err)
		found, err := p.ProcessNext(ctx)
		require.NoError(t, err)
		require.True(t, found, "attempt %d", i+1)
	}
	assert.Equal(t, 3, calls)

	dl, err := q.DLQGet(ctx, h.ID)
	require.NoError(t, err)
	assert.Equal(t, "upstream 502", dl.Error)
	assert.Equal(t, `{"k":"v"}`, string(dl.Job.Payload))
	assert.Equal(t, []string{"retry_scheduled", "retry_scheduled", "dead_letter"}, sink.events())
}

func TestProcessor_PermanentAndPanicFailures(t *testing.T) {
	ctx := context.Background()
	p, q, _ := newTestProcessor(t)
	p.RegisterHandler("bad", func(context.Context, models.Job) error {
		return errors.Join(errors.New("unknown demand type"), ErrPermanent)
	})
	p.RegisterHandler("panics", func(context.Context, models.Job) error { panic("nil map") })

	bad, err := q.Submit(ctx, queue.SubmitParams{Type: "bad"})
	require.NoError(t, err)
	unknown, err := q.Submit(ctx, queue.SubmitParams{Type: "no-handler"})
	require.NoError(t, err)
	panics, err := q.Submit(ctx, queue.SubmitParams{Type: "panics"})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := p.ProcessNext(ctx)
		require.NoError(t, err)
	}

	_, err = q.DLQGet(ctx, bad.ID)
	assert.NoError(t, err)
	_, err = q.DLQGet(ctx, unknown.ID)
	assert.NoError(t, err)

	job, err := q.Get(ctx, panics.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusRetrying, job.Status)
	assert.Contains(t, job.LastError, "handler panic")
}

func TestProcessor_RunDrainsUntilCancelled(t *testing.T) {
	p, q, _ := newTestProcessor(t)
	done := make(chan string, 4)
	p.RegisterHandler("x", func(_ context.Context, job models.Job) error {
		done <- job.ID
		return nil
	})
	for i := 0; i < 4; i++ {
		_, err := q.Submit(context.Background(), queue.SubmitParams{Type: "x"})
		require.NoError(t, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- p.Run(ctx) }()

	for i := 0; i < 4; i++ {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("job not processed")
		}
	}
	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)
}

func TestProcessor_SaturatedTypeDoesNotBlockOthers(t *testing.T) {
	p, q, _, _ := newProcessorWithConcurrency(t, 1)
	ctx := context.Background()

	release := make(chan struct{})
	var running, peak, slowDone atomic.Int32
	p.RegisterHandler("slow", func(context.Context, models.Job) error {
		n := running.Add(1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		<-release
		running.Add(-1)
		slowDone.Add(1)
		return nil
	})
	fast := make(chan struct{}, 1)
	p.RegisterHandler("fast", func(context.Context, models.Job) error {
		fast <- struct{}{}
		return nil
	})

	slow1, err := q.Submit(ctx, queue.SubmitParams{Type: "slow"})
	require.NoError(t, err)
	slow2, err := q.Submit(ctx, queue.SubmitParams{Type: "slow"})
	require.NoError(t, err)
	_, err = q.Submit(ctx, queue.SubmitParams{Type: "fast"})
	require.NoError(t, err)

	runCtx, cancel := context.WithCancel(ctx)
	errCh := make(chan error, 1)
	go func() { errCh <- p.Run(runCtx) }()

	select {
	case <-fast:
	case <-time.After(5 * time.Second):
		t.Fatal("fast job starved while the slow type was saturated")
	}
	require.Eventually(t, func() bool { return running.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool {
		st, err := q.Stats(ctx)
		return err == nil && st.InFlight == 1
	}, time.Second, 5*time.Millisecond, "the job waiting for a slow slot must not hold a lease")

	close(release)
	require.Eventually(t, func() bool { return slowDone.Load() == 2 }, 5*time.Second, 10*time.Millisecond)
	assert.EqualValues(t, 1, peak.Load(), "per-type bound exceeded")

	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)

	for _, id := range []string{slow1.ID, slow2.ID} {
		job, err := q.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusSucceeded, job.Status)
		assert.Equal(t, 1, job.Attempts, "waiting for a slot must not consume attempts")
	}
}

func TestProcessor_AckFailureIsNotSuccess(t *testing.T) {
	p, q, sink, mr := newProcessorWithConcurrency(t, 1)
	ctx := context.Background()
	p.RegisterHandler("x", func(context.Context, models.Job) error {
		mr.Close()
		return nil
	})
	_, err := q.Submit(ctx, queue.SubmitParams{Type: "x"})
	require.NoError(t, err)

	found, err := p.ProcessNext(ctx)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []string{"ack_failed"}, sink.events())
}

func TestProcessor_RunSurvivesBackendOutage(t *testing.T) {
	p, q, _, mr := newProcessorWithConcurrency(t, 1)
	done := make(chan struct{}, 1)
	p.RegisterHandler("x", func(context.Context, models.Job) error {
		done <- struct{}{}
		return nil
	})
	_, err := q.Stats(context.Background())
	require.NoError(t, err, "connect before the outage")

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	mr.Close()
	go func() { errCh <- p.Run(ctx) }()

	select {
	case err := <-errCh:
		t.Fatalf("worker stopped on a transient outage: %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	require.NoError(t, mr.Restart())
	_, err = q.Submit(context.Background(), queue.SubmitParams{Type: "x"})
	require.NoError(t, err)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("job not processed after the backend came back")
	}
	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)
}
