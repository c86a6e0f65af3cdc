// Package antirepeat tracks which user pairs matched recently so the matcher
// can avoid immediate re-pairing. Records are keyed by stable session
// identity (not connection ID) and expire through Redis TTLs:
//
//	Key:   recent:<idA>:<idB>  and  recent:<idB>:<idA>
//	Value: "1"
//	TTL:   the configured anti-repeat window
package antirepeat

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RecentPrefix is the Redis key prefix for recent-pair records.
const RecentPrefix = "recent:"

// Ledger manages recent-pair records in Redis.
type Ledger struct {
	rdb *redis.Client
}

// NewLedger creates a ledger using the provided Redis client.
func NewLedger(rdb *redis.Client) *Ledger {
	return &Ledger{rdb: rdb}
}

func pairKey(a, b string) string {
	return RecentPrefix + a + ":" + b
}

// Record marks the pair as recently matched. The record is stored under both
// orderings so a lookup from either side succeeds; both expire together
// through the same TTL. A window of zero or less disables the ledger
// entirely, so nothing is written.
func (l *Ledger) Record(ctx context.Context, idA, idB string, window time.Duration) error {
	if window <= 0 {
		return nil
	}

	pipe := l.rdb.Pipeline()
	pipe.Set(ctx, pairKey(idA, idB), "1", window)
	pipe.Set(ctx, pairKey(idB, idA), "1", window)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("antirepeat: record %s/%s: %w", idA, idB, err)
	}
	return nil
}

// IsBlocked reports whether a non-expired record exists for the pair in
// either direction.
func (l *Ledger) IsBlocked(ctx context.Context, idA, idB string) (bool, error) {
	n, err := l.rdb.Exists(ctx, pairKey(idA, idB), pairKey(idB, idA)).Result()
	if err != nil {
		return false, fmt.Errorf("antirepeat: check %s/%s: %w", idA, idB, err)
	}
	return n > 0, nil
}
