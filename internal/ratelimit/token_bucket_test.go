package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBucket(t *testing.T, capacity int, refill float64) (*TokenBucket, *time.Time) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	bucket := NewTokenBucket(client, "rl:", capacity, refill, time.Minute).
		WithClock(func() time.Time { return now })
	return bucket, &now
}

func TestTokenBucketCapacity(t *testing.T) {
	ctx := context.Background()
	bucket, _ := newBucket(t, 2, 1)

	for i := 0; i < 2; i++ {
		d, err := bucket.AllowDispatch(ctx, "S1")
		require.NoError(t, err)
		assert.True(t, d.Allowed, "token %d", i)
	}
	d, err := bucket.AllowDispatch(ctx, "S1")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, time.Second, d.RetryAfter)

	d, err = bucket.AllowDispatch(ctx, "S2")
	require.NoError(t, err)
	assert.True(t, d.Allowed, "sinks have separate buckets")
}

func TestTokenBucketRefill(t *testing.T) {
	ctx := context.Background()
	bucket, now := newBucket(t, 1, 2)

	d, err := bucket.Allow(ctx, "k")
	require.NoError(t, err)
	require.True(t, d.Allowed)
	d, err = bucket.Allow(ctx, "k")
	require.NoError(t, err)
	require.False(t, d.Allowed)
	assert.Equal(t, 500*time.Millisecond, d.RetryAfter)

	*now = now.Add(250 * time.Millisecond)
	d, err = bucket.Allow(ctx, "k")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.InDelta(t, 0.5, d.Tokens, 0.001)

	*now = now.Add(250 * time.Millisecond)
	d, err = bucket.Allow(ctx, "k")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestTokenBucketDisabled(t *testing.T) {
	bucket, _ := newBucket(t, 0, 0)
	for i := 0; i < 5; i++ {
		d, err := bucket.Allow(context.Background(), "k")
		require.NoError(t, err)
		assert.True(t, d.Allowed)
	}
}
