package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func setupLimiter(t *testing.T) (*Limiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewLimiter(rdb), mr
}

func TestAllow_WithinLimit(t *testing.T) {
	l, _ := setupLimiter(t)
	ctx := context.Background()
	rule := Rule{Key: "rl:test:", Limit: 3, Window: time.Minute}

	for i := 0; i < 3; i++ {
		ok, err := l.Allow(ctx, "conn-1", rule)
		require.NoError(t, err)
		require.True(t, ok, "request %d should be allowed", i+1)
	}

	ok, err := l.Allow(ctx, "conn-1", rule)
	require.NoError(t, err)
	require.False(t, ok, "request over the limit must be denied")
}

func TestAllow_WindowResets(t *testing.T) {
	l, mr := setupLimiter(t)
	ctx := context.Background()
	rule := Rule{Key: "rl:test:", Limit: 1, Window: 10 * time.Second}

	ok, err := l.Allow(ctx, "conn-1", rule)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = l.Allow(ctx, "conn-1", rule)
	require.NoError(t, err)
	require.False(t, ok)

	mr.FastForward(11 * time.Second)

	ok, err = l.Allow(ctx, "conn-1", rule)
	require.NoError(t, err)
	require.True(t, ok, "a fresh window must admit again")
}

func TestAllow_IdentifiersAreIndependent(t *testing.T) {
	l, _ := setupLimiter(t)
	ctx := context.Background()
	rule := Rule{Key: "rl:test:", Limit: 1, Window: time.Minute}

	ok, err := l.Allow(ctx, "conn-1", rule)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = l.Allow(ctx, "conn-2", rule)
	require.NoError(t, err)
	require.True(t, ok, "another identifier has its own counter")
}

func TestRemaining(t *testing.T) {
	l, _ := setupLimiter(t)
	ctx := context.Background()
	rule := Rule{Key: "rl:test:", Limit: 5, Window: time.Minute}

	rem, err := l.Remaining(ctx, "conn-1", rule)
	require.NoError(t, err)
	require.Equal(t, 5, rem)

	_, err = l.Allow(ctx, "conn-1", rule)
	require.NoError(t, err)
	_, err = l.Allow(ctx, "conn-1", rule)
	require.NoError(t, err)

	rem, err = l.Remaining(ctx, "conn-1", rule)
	require.NoError(t, err)
	require.Equal(t, 3, rem)
}
