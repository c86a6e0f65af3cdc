// Package entitlement tracks premium status and daily free-match counters per
// stable session identity. Premium is token-bound and time-limited; the token
// and the session identity map to each other under a shared TTL so premium
// can be re-verified from either side. Daily counters use a rolling 24h
// window anchored at the first increment.
package entitlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// Redis key prefixes.
	PremiumPrefix = "premium:"     // + <token>     -> stable session ID
	SessionPrefix = "session:"     // + <stable ID> -> token
	DailyPrefix   = "daily_limit:" // + <stable ID> -> counter

	// DailyWindow is the rolling window for the free-match counter. The
	// counter expires 24h after its first increment, so it resets by
	// attrition rather than at a midnight boundary.
	DailyWindow = 24 * time.Hour
)

// Service manages entitlement records in Redis.
type Service struct {
	rdb *redis.Client
}

// NewService creates an entitlement service backed by Redis.
func NewService(rdb *redis.Client) *Service {
	return &Service{rdb: rdb}
}

// IsPremium reports whether a valid premium record exists for the stable
// session identity. A record found without a live TTL is invalidated on the
// spot so later checks short-circuit cleanly.
func (s *Service) IsPremium(ctx context.Context, stableID string) (bool, error) {
	key := SessionPrefix + stableID

	token, err := s.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("entitlement: premium lookup %s: %w", stableID, err)
	}

	ttl, err := s.rdb.TTL(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("entitlement: premium ttl %s: %w", stableID, err)
	}
	if ttl <= 0 {
		// Stale record (no expiry set, or expired between GET and TTL).
		s.invalidate(ctx, token, stableID)
		return false, nil
	}
	return true, nil
}

// PremiumRemaining returns the remaining premium validity for the stable
// session identity, or zero if none.
func (s *Service) PremiumRemaining(ctx context.Context, stableID string) (time.Duration, error) {
	ttl, err := s.rdb.TTL(ctx, SessionPrefix+stableID).Result()
	if err != nil {
		return 0, fmt.Errorf("entitlement: premium remaining %s: %w", stableID, err)
	}
	if ttl <= 0 {
		return 0, nil
	}
	return ttl, nil
}

// DailyCount returns the number of matches the identity has used in the
// current rolling window. Returns 0 when no counter exists.
func (s *Service) DailyCount(ctx context.Context, stableID string) (int, error) {
	val, err := s.rdb.Get(ctx, DailyPrefix+stableID).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("entitlement: daily count %s: %w", stableID, err)
	}
	return val, nil
}

// IncrementDaily increments the identity's match counter. On the first
// increment the 24h expiry is set, anchoring the rolling window.
func (s *Service) IncrementDaily(ctx context.Context, stableID string) error {
	key := DailyPrefix + stableID

	count, err := s.rdb.Incr(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("entitlement: daily incr %s: %w", stableID, err)
	}
	if count == 1 {
		if err := s.rdb.Expire(ctx, key, DailyWindow).Err(); err != nil {
			return fmt.Errorf("entitlement: daily expire %s: %w", stableID, err)
		}
	}
	return nil
}

// CheckEligible reports whether the identity may request another match.
// Premium bypasses the daily limit entirely; this is the product rule, not
// an oversight.
func (s *Service) CheckEligible(ctx context.Context, stableID string, dailyLimit int) (bool, error) {
	premium, err := s.IsPremium(ctx, stableID)
	if err != nil {
		return false, err
	}
	if premium {
		return true, nil
	}

	count, err := s.DailyCount(ctx, stableID)
	if err != nil {
		return false, err
	}
	return count < dailyLimit, nil
}

// ActivatePremium stores the token<->identity mapping in both directions
// under the same TTL. Premium can then be re-verified by presenting either
// the token or the stable session ID alone (covers clients that lost the
// token but kept the session ID).
func (s *Service) ActivatePremium(ctx context.Context, stableID, token string, ttl time.Duration) error {
	pipe := s.rdb.Pipeline()
	pipe.Set(ctx, PremiumPrefix+token, stableID, ttl)
	pipe.Set(ctx, SessionPrefix+stableID, token, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("entitlement: activate %s: %w", stableID, err)
	}
	return nil
}

// VerifyToken checks that the stored mapping for the token resolves to the
// given stable session ID with positive remaining TTL. A record with no
// remaining TTL is deleted as a side effect of the negative verification.
func (s *Service) VerifyToken(ctx context.Context, token, stableID string) (bool, time.Duration, error) {
	owner, err := s.rdb.Get(ctx, PremiumPrefix+token).Result()
	if errors.Is(err, redis.Nil) {
		return false, 0, nil
	}
	if err != nil {
		return false, 0, fmt.Errorf("entitlement: verify token: %w", err)
	}
	if owner != stableID {
		return false, 0, nil
	}

	ttl, err := s.rdb.TTL(ctx, PremiumPrefix+token).Result()
	if err != nil {
		return false, 0, fmt.Errorf("entitlement: verify token ttl: %w", err)
	}
	if ttl <= 0 {
		s.invalidate(ctx, token, stableID)
		return false, 0, nil
	}
	return true, ttl, nil
}

// invalidate removes both sides of a premium mapping. Best effort.
func (s *Service) invalidate(ctx context.Context, token, stableID string) {
	pipe := s.rdb.Pipeline()
	if token != "" {
		pipe.Del(ctx, PremiumPrefix+token)
	}
	pipe.Del(ctx, SessionPrefix+stableID)
	_, _ = pipe.Exec(ctx)
}
