package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNoOp(t *testing.T) {
	for i := 0; i < 10; i++ {
		allowed, err := NoOp{}.Allow(context.Background(), "T1")
		require.NoError(t, err)
		assert.True(t, allowed)
	}
}

func TestRedisLimiter(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l := NewRedisLimiter(client, 3, time.Minute)
	l.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		allowed, err := l.Allow(ctx, "T1")
		require.NoError(t, err)
		assert.True(t, allowed, "request %d", i+1)
	}

	allowed, err := l.Allow(ctx, "T1")
	require.NoError(t, err)
	assert.False(t, allowed, "fourth request inside the window is limited")

	allowed, err = l.Allow(ctx, "T2")
	require.NoError(t, err)
	assert.True(t, allowed, "tenants have separate budgets")

	now = now.Add(61 * time.Second)
	allowed, err = l.Allow(ctx, "T1")
	require.NoError(t, err)
	assert.True(t, allowed, "window slid past the earlier requests")

	assert.True(t, mr.Exists("taskhub:ratelimit:T1"))
}

func TestRedisLimiter_RedisDown(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	mr.Close()

	_, err := NewRedisLimiter(client, 3, time.Minute).Allow(context.Background(), "T1")
	assert.Error(t, err)
}
