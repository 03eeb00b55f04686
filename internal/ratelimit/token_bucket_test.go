package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agency-core/internal/queue"
)

func newBucket(t *testing.T, capacity int, refill float64) (*TokenBucket, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	pool := queue.NewPool("redis://"+mr.Addr(), time.Second)
	t.Cleanup(func() { _ = pool.Close() })
	return NewTokenBucket(pool, Limits{Capacity: capacity, PerSecond: refill, Idle: time.Minute}), mr
}

func TestTokenBucket_Capacity(t *testing.T) {
	ctx := context.Background()
	bucket, _ := newBucket(t, 2, 1)
	clock := time.Unix(1_700_000_000, 0)
	bucket.now = func() time.Time { return clock }

	allowed, left, err := bucket.Allow(ctx, "rl:orchestrate:acme")
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.Equal(t, 1.0, left)

	allowed, _, _ = bucket.Allow(ctx, "rl:orchestrate:acme")
	assert.True(t, allowed)
	allowed, _, _ = bucket.Allow(ctx, "rl:orchestrate:acme")
	assert.False(t, allowed, "third token within the same instant must be rejected")

	allowed, _, _ = bucket.Allow(ctx, "rl:orchestrate:globex")
	assert.True(t, allowed, "tenants have independent buckets")
}

func TestTokenBucket_Refill(t *testing.T) {
	ctx := context.Background()
	bucket, _ := newBucket(t, 1, 0.5)
	clock := time.Unix(1_700_000_000, 0)
	bucket.now = func() time.Time { return clock }

	allowed, _, _ := bucket.Allow(ctx, "k")
	require.True(t, allowed)
	allowed, _, _ = bucket.Allow(ctx, "k")
	require.False(t, allowed)

	clock = clock.Add(1500 * time.Millisecond)
	allowed, left, err := bucket.Allow(ctx, "k")
	require.NoError(t, err)
	assert.False(t, allowed, "three quarters of a token is not enough")
	assert.InDelta(t, 0.75, left, 0.001)

	clock = clock.Add(500 * time.Millisecond)
	allowed, left, err = bucket.Allow(ctx, "k")
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.InDelta(t, 0.0, left, 0.001)
}

func TestTokenBucket_RefillCapsAtCapacity(t *testing.T) {
	ctx := context.Background()
	bucket, mr := newBucket(t, 2, 10)
	clock := time.Unix(1_700_000_000, 0)
	bucket.now = func() time.Time { return clock }

	_, _, err := bucket.Allow(ctx, "k")
	require.NoError(t, err)
	clock = clock.Add(time.Hour)
	_, left, err := bucket.Allow(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, 1.0, left)

	assert.Equal(t, time.Minute, mr.TTL("k"))
}

func TestTokenBucket_BackendDown(t *testing.T) {
	bucket := NewTokenBucket(queue.NewPool("", time.Second), Limits{Capacity: 5, PerSecond: 1})
	_, _, err := bucket.Allow(context.Background(), "k")
	assert.ErrorIs(t, err, queue.ErrBackendUnavailable)
}
