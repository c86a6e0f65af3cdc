package entitlement

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func setupTestService(t *testing.T) (*Service, *miniredis.Miniredis, context.Context) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	return NewService(rdb), mr, context.Background()
}

func TestDailyCount_StartsAtZero(t *testing.T) {
	s, _, ctx := setupTestService(t)

	count, err := s.DailyCount(ctx, "alice")
	require.NoError(t, err)
	require.Zero(t, count)
}

func TestIncrementDaily_CountsAndResetsByAttrition(t *testing.T) {
	s, mr, ctx := setupTestService(t)

	for i := 0; i < 3; i++ {
		require.NoError(t, s.IncrementDaily(ctx, "alice"))
	}

	count, err := s.DailyCount(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, 3, count)

	// The window is anchored at the first increment; after 24h the counter
	// disappears on its own.
	mr.FastForward(DailyWindow + time.Second)

	count, err = s.DailyCount(ctx, "alice")
	require.NoError(t, err)
	require.Zero(t, count)
}

func TestCheckEligible_DailyLimitGating(t *testing.T) {
	s, _, ctx := setupTestService(t)
	const limit = 3

	for i := 0; i < limit; i++ {
		ok, err := s.CheckEligible(ctx, "alice", limit)
		require.NoError(t, err)
		require.True(t, ok, "request %d should be within the limit", i+1)
		require.NoError(t, s.IncrementDaily(ctx, "alice"))
	}

	// 4th request: denied.
	ok, err := s.CheckEligible(ctx, "alice", limit)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCheckEligible_PremiumBypassesLimit(t *testing.T) {
	s, _, ctx := setupTestService(t)
	const limit = 3

	require.NoError(t, s.ActivatePremium(ctx, "alice", "tok-1", time.Hour))
	for i := 0; i < limit+5; i++ {
		require.NoError(t, s.IncrementDaily(ctx, "alice"))
	}

	ok, err := s.CheckEligible(ctx, "alice", limit)
	require.NoError(t, err)
	require.True(t, ok, "premium must bypass the daily limit regardless of count")
}

func TestIsPremium_ExpiresWithTTL(t *testing.T) {
	s, mr, ctx := setupTestService(t)

	require.NoError(t, s.ActivatePremium(ctx, "alice", "tok-1", 30*time.Minute))

	premium, err := s.IsPremium(ctx, "alice")
	require.NoError(t, err)
	require.True(t, premium)

	mr.FastForward(31 * time.Minute)

	premium, err = s.IsPremium(ctx, "alice")
	require.NoError(t, err)
	require.False(t, premium)
}

func TestIsPremium_InvalidatesRecordWithoutTTL(t *testing.T) {
	s, mr, ctx := setupTestService(t)

	// A record with no expiry is corrupt; the read must self-clean it.
	mr.Set(SessionPrefix+"alice", "tok-x")

	premium, err := s.IsPremium(ctx, "alice")
	require.NoError(t, err)
	require.False(t, premium)
	require.False(t, mr.Exists(SessionPrefix+"alice"), "stale record must be deleted on read")
}

func TestVerifyToken(t *testing.T) {
	s, _, ctx := setupTestService(t)

	require.NoError(t, s.ActivatePremium(ctx, "alice", "tok-1", time.Hour))

	valid, remaining, err := s.VerifyToken(ctx, "tok-1", "alice")
	require.NoError(t, err)
	require.True(t, valid)
	require.Greater(t, remaining, 59*time.Minute)

	// Wrong owner.
	valid, _, err = s.VerifyToken(ctx, "tok-1", "mallory")
	require.NoError(t, err)
	require.False(t, valid)

	// Unknown token.
	valid, _, err = s.VerifyToken(ctx, "tok-unknown", "alice")
	require.NoError(t, err)
	require.False(t, valid)
}

func TestVerifyToken_SelfCleansExpiredMapping(t *testing.T) {
	s, mr, ctx := setupTestService(t)

	// Token key without TTL: negative verification must delete both sides.
	mr.Set(PremiumPrefix+"tok-1", "alice")
	mr.Set(SessionPrefix+"alice", "tok-1")

	valid, _, err := s.VerifyToken(ctx, "tok-1", "alice")
	require.NoError(t, err)
	require.False(t, valid)
	require.False(t, mr.Exists(PremiumPrefix+"tok-1"))
	require.False(t, mr.Exists(SessionPrefix+"alice"))
}

func TestPremiumRemaining(t *testing.T) {
	s, _, ctx := setupTestService(t)

	remaining, err := s.PremiumRemaining(ctx, "alice")
	require.NoError(t, err)
	require.Zero(t, remaining)

	require.NoError(t, s.ActivatePremium(ctx, "alice", "tok-1", time.Hour))

	remaining, err = s.PremiumRemaining(ctx, "alice")
	require.NoError(t, err)
	require.Greater(t, remaining, 59*time.Minute)
}
