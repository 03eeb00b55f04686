package main

import (
	"bytes"
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
	"agency-core/internal/queue"
)

func execute(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs(args)
	require.NoError(t, cmd.Execute())
	return out.String()
}

func deadLetteredJob(t *testing.T, url string) string {
	t.Helper()
	ctx := context.Background()
	pool := queue.NewPool(url, time.Second)
	t.Cleanup(func() { _ = pool.Close() })
	q := queue.NewRedisQueue(pool, config.Config{MaxAttempts: 3, VisibilityTimeout: time.Minute})

	h, err := q.Submit(ctx, queue.SubmitParams{Type: "crew:orchestrate", Priority: models.PriorityHigh, Payload: json.RawMessage(`{"topic":"x"}`)})
	require.NoError(t, err)
	job, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NoError(t, q.DeadLetter(ctx, *job, errors.New("generation failure: upstream 500")))
	return h.ID
}

func TestDLQListAndReplay(t *testing.T) {
	mr := miniredis.RunT(t)
	url := "redis://" + mr.Addr()
	id := deadLetteredJob(t, url)

	out := execute(t, "dlq", "list", "--redis-url", url, "--json")
	var items []models.DeadLetter
	require.NoError(t, json.Unmarshal([]byte(out), &items))
	require.Len(t, items, 1)
	assert.Equal(t, id, items[0].Job.ID)
	assert.Equal(t, `{"topic":"x"}`, string(items[0].Job.Payload))

	out = execute(t, "dlq", "list", "--redis-url", url)
	assert.Contains(t, out, id)
	assert.Contains(t, out, "generation failure")

	execute(t, "dlq", "replay", id, "--redis-url", url)

	out = execute(t, "queue", "stats", "--redis-url", url, "--json")
	var st queue.Stats
	require.NoError(t, json.Unmarshal([]byte(out), &st))
	assert.EqualValues(t, 1, st.Ready["high"])
	assert.EqualValues(t, 0, st.DeadLettered)
}

func TestQueueStatsTable(t *testing.T) {
	mr := miniredis.RunT(t)
	out := execute(t, "queue", "stats", "--redis-url", "redis://"+mr.Addr())
	for _, want := range []string{"QUEUE", "ready:urgent", "in_flight", "dead_lettered"} {
		assert.Contains(t, out, want)
	}
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcd…", truncate("abcdefgh", 5))
}
