package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agency-core/internal/config"
	"agency-core/internal/models"
)

func newTestQueue(t *testing.T) (*RedisQueue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	pool := NewPool("redis://"+mr.Addr(), time.Second)
	t.Cleanup(func() { _ = pool.Close() })
	q := NewRedisQueue(pool, config.Config{VisibilityTimeout: time.Minute, MaxAttempts: 3})
	return q, mr
}

func TestDequeue_StrictPriorityThenFIFO(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	submit := func(p models.Priority, tag string) string {
		h, err := q.Submit(ctx, SubmitParams{Type: "crew:orchestrate", Priority: p, Payload: json.RawMessage(`{"tag":"` + tag + `"}`)})
		require.NoError(t, err)
		return h.ID
	}
	low := submit(models.PriorityLow, "low")
	normal1 := submit(models.PriorityNormal, "n1")
	normal2 := submit(models.PriorityNormal, "n2")
	urgent := submit(models.PriorityUrgent, "urgent")

	var order []string
	for i := 0; i < 4; i++ {
		job, err := q.Dequeue(ctx)
		require.NoError(t, err)
		require.NotNil(t, job)
		order = append(order, job.ID)
	}
	assert.Equal(t, []string{urgent, normal1, normal2, low}, order)

	job, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestDequeue_LeasesAndCountsAttempts(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	h, err := q.Submit(ctx, SubmitParams{Type: "media:prepare"})
	require.NoError(t, err)

	job, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, h.ID, job.ID)
	assert.Equal(t, models.JobStatusActive, job.Status)
	assert.Equal(t, 1, job.Attempts)
	assert.Equal(t, 3, job.MaxAttempts)

	st, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, st.InFlight)
}

func TestDeadLetter_PreservesPayloadBytes(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	payload := json.RawMessage(`{"topic":"Ação é ✓","nested":{"n":1.50,"list":[3,2,1]},  "spaces" : true}`)
	h, err := q.Submit(ctx, SubmitParams{Type: "crew:orchestrate", Payload: payload, Priority: models.PriorityHigh})
	require.NoError(t, err)

	for attempt := 1; attempt <= 3; attempt++ {
		job, err := q.Dequeue(ctx)
		require.NoError(t, err)
		require.NotNil(t, job)
		assert.Equal(t, []byte(payload), []byte(job.Payload))
		if attempt < 3 {
			require.NoError(t, q.Retry(ctx, *job, errors.New("timeout"), time.Now().Add(-time.Second)))
			n, err := q.PromoteScheduled(ctx, time.Now(), 10)
			require.NoError(t, err)
			require.Equal(t, 1, n)
			continue
		}
		require.NoError(t, q.DeadLetter(ctx, *job, errors.New("generation failed: upstream 500")))
	}

	dl, err := q.DLQGet(ctx, h.ID)
	require.NoError(t, err)
	assert.Equal(t, []byte(payload), []byte(dl.Job.Payload))
	assert.Equal(t, "generation failed: upstream 500", dl.Error)
	assert.Equal(t, 3, dl.Job.Attempts)
	assert.False(t, dl.FailedAt.IsZero())

	peek, err := q.DLQPeek(ctx, 10)
	require.NoError(t, err)
	require.Len(t, peek, 1)
	assert.Equal(t, h.ID, peek[0].Job.ID)
}

func TestReplay_RequeuesWithFreshAttempts(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	h, err := q.Submit(ctx, SubmitParams{Type: "crew:orchestrate", Priority: models.PriorityLow, Payload: json.RawMessage(`{"a":1}`)})
	require.NoError(t, err)
	job, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NoError(t, q.DeadLetter(ctx, *job, errors.New("boom")))

	handle, err := q.Replay(ctx, h.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PriorityLow, handle.Priority)

	st, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 0, st.DeadLettered)
	assert.EqualValues(t, 1, st.Ready["low"])

	again, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, 1, again.Attempts)
	assert.Equal(t, `{"a":1}`, string(again.Payload))

	_, err = q.Replay(ctx, h.ID)
	assert.ErrorIs(t, err, ErrNotDeadLetter)
}

func TestRequeueExpired_ReturnsLeaseToTier(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	h, err := q.Submit(ctx, SubmitParams{Type: "crew:orchestrate", Priority: models.PriorityHigh})
	require.NoError(t, err)
	_, err = q.Dequeue(ctx)
	require.NoError(t, err)

	ids, err := q.RequeueExpired(ctx, time.Now().Add(2*time.Minute), 10)
	require.NoError(t, err)
	assert.Equal(t, []string{h.ID}, ids)

	st, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, st.Ready["high"])
	assert.EqualValues(t, 0, st.InFlight)
}

func TestSubmit_Validation(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	_, err := q.Submit(ctx, SubmitParams{})
	assert.ErrorIs(t, err, ErrInvalidJob)
	_, err = q.Submit(ctx, SubmitParams{Type: "x", Priority: 9})
	assert.ErrorIs(t, err, ErrInvalidJob)
	_, err = q.Submit(ctx, SubmitParams{Type: "x", Payload: json.RawMessage(`{nope`)})
	assert.ErrorIs(t, err, ErrInvalidJob)
}

func TestSubmit_FutureRunAtIsScheduled(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	_, err := q.Submit(ctx, SubmitParams{Type: "x", RunAt: time.Now().Add(time.Hour)})
	require.NoError(t, err)
	job, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Nil(t, job)

	st, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, st.Scheduled)
}

func TestCancel_RemovesFromReady(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	h, err := q.Submit(ctx, SubmitParams{Type: "x"})
	require.NoError(t, err)
	require.NoError(t, q.Cancel(ctx, h.ID))

	job, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Nil(t, job)
	got, err := q.Get(ctx, h.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, got.Status)
}

func TestRelease_ReturnsLeaseWithoutSpendingAttempt(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	h, err := q.Submit(ctx, SubmitParams{Type: "crew:orchestrate"})
	require.NoError(t, err)
	job, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	require.Equal(t, 1, job.Attempts)

	now := time.Now()
	require.NoError(t, q.Release(ctx, *job, now))

	st, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 0, st.InFlight)
	assert.EqualValues(t, 1, st.Scheduled)

	promoted, err := q.PromoteScheduled(ctx, now.Add(time.Millisecond), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, promoted)

	again, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, h.ID, again.ID)
	assert.Equal(t, 1, again.Attempts)
}
