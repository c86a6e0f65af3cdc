package antirepeat

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func setupTestLedger(t *testing.T) (*Ledger, *miniredis.Miniredis, context.Context) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	return NewLedger(rdb), mr, context.Background()
}

func TestRecordAndIsBlocked_BothDirections(t *testing.T) {
	l, _, ctx := setupTestLedger(t)

	require.NoError(t, l.Record(ctx, "alice", "bob", time.Hour))

	blocked, err := l.IsBlocked(ctx, "alice", "bob")
	require.NoError(t, err)
	require.True(t, blocked)

	// The reverse lookup must succeed as well.
	blocked, err = l.IsBlocked(ctx, "bob", "alice")
	require.NoError(t, err)
	require.True(t, blocked)
}

func TestIsBlocked_UnrelatedPair(t *testing.T) {
	l, _, ctx := setupTestLedger(t)

	require.NoError(t, l.Record(ctx, "alice", "bob", time.Hour))

	blocked, err := l.IsBlocked(ctx, "alice", "carol")
	require.NoError(t, err)
	require.False(t, blocked)
}

func TestRecord_ZeroWindowDisablesLedger(t *testing.T) {
	l, _, ctx := setupTestLedger(t)

	// Anti-repeat off: nothing is recorded, nothing blocks.
	require.NoError(t, l.Record(ctx, "alice", "bob", 0))

	blocked, err := l.IsBlocked(ctx, "alice", "bob")
	require.NoError(t, err)
	require.False(t, blocked)
}

func TestRecord_ExpiresAfterWindow(t *testing.T) {
	l, mr, ctx := setupTestLedger(t)

	require.NoError(t, l.Record(ctx, "alice", "bob", 30*time.Second))

	blocked, err := l.IsBlocked(ctx, "alice", "bob")
	require.NoError(t, err)
	require.True(t, blocked)

	mr.FastForward(31 * time.Second)

	blocked, err = l.IsBlocked(ctx, "alice", "bob")
	require.NoError(t, err)
	require.False(t, blocked, "pair must become eligible again after the window")
}
