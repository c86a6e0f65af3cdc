package stats

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// keyTotalMatches is the Redis counter persisting the all-time match count
// across restarts. Advisory only; no correctness invariant depends on it.
const keyTotalMatches = "stats:total_matches"

// Recorder persists advisory counters to Redis.
type Recorder struct {
	rdb *redis.Client
}

// NewRecorder creates a recorder backed by Redis.
func NewRecorder(rdb *redis.Client) *Recorder {
	return &Recorder{rdb: rdb}
}

// RecordMatch increments both the in-process counter and the persisted one.
func (r *Recorder) RecordMatch(ctx context.Context) {
	MatchesTotal.Inc()
	if err := r.rdb.Incr(ctx, keyTotalMatches).Err(); err != nil {
		// Advisory counter; losing an increment is acceptable.
		return
	}
}

// TotalMatches returns the persisted all-time match count.
func (r *Recorder) TotalMatches(ctx context.Context) (int64, error) {
	n, err := r.rdb.Get(ctx, keyTotalMatches).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("stats: total matches: %w", err)
	}
	return n, nil
}
