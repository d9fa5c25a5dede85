package clients

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenBucket_Allow(t *testing.T) {
	now := time.Now()
	tb := NewTokenBucketRateLimiter(10, 2)
	tb.now = func() time.Time { return now }
	tb.lastTime = now

	assert.True(t, tb.Allow())
	assert.True(t, tb.Allow())
	assert.False(t, tb.Allow())

	now = now.Add(100 * time.Millisecond)
	assert.True(t, tb.Allow(), "one token refilled")
	assert.False(t, tb.Allow())

	now = now.Add(time.Hour)
	stats := tb.Stats()
	assert.Equal(t, 2.0, stats.CurrentTokens, "capped at burst")
	assert.Equal(t, int64(3), stats.AllowedRequests)
	assert.Equal(t, int64(2), stats.BlockedRequests)
}

func TestTokenBucket_Wait(t *testing.T) {
	tb := NewTokenBucketRateLimiter(50, 1)
	ctx := context.Background()

	require.NoError(t, tb.Wait(ctx))
	start := time.Now()
	require.NoError(t, tb.Wait(ctx))
	assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)
}

func TestTokenBucket_WaitCancelled(t *testing.T) {
	tb := NewTokenBucketRateLimiter(0.1, 1)
	require.True(t, tb.Allow())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, tb.Wait(ctx), context.DeadlineExceeded)
}
