// Package queue manages the Redis-backed waiting lists for match requests.
// Waiting connections are kept in ordered lists partitioned by interest and,
// for gender-filtered requests, by target gender. A connection may sit in at
// most one partition at a time; callers guarantee this by removing the
// connection everywhere before every enqueue.
package queue

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// Redis key patterns for queue data structures.
	keyQueuePrefix = "queue:"      // + <partition key> -> List of connection IDs
	keyIndex       = "queue:index" // Set of all partition keys ever enqueued to

	// TTL for queue lists. Refreshed on every enqueue so active partitions
	// never expire; abandoned partitions fall out of Redis on their own.
	queueKeyTTL = 10 * time.Minute
)

// Partition identifies one waiting list. TargetGender is empty for plain
// interest queues and set for gender-filtered queues.
type Partition struct {
	TargetGender string
	Interest     string
}

// Plain returns the ungendered partition for an interest.
func Plain(interest string) Partition {
	return Partition{Interest: interest}
}

// Gendered returns the partition holding users of the given gender waiting
// under an interest. Seekers of that gender search this partition.
func Gendered(gender, interest string) Partition {
	return Partition{TargetGender: gender, Interest: interest}
}

// Key returns the Redis key for this partition's list.
func (p Partition) Key() string {
	if p.TargetGender == "" {
		return keyQueuePrefix + p.Interest
	}
	return fmt.Sprintf("%sg:%s:%s", keyQueuePrefix, p.TargetGender, p.Interest)
}

// Manager owns the Redis data structures for all waiting lists.
type Manager struct {
	rdb *redis.Client
}

// NewManager creates a queue manager backed by Redis.
func NewManager(rdb *redis.Client) *Manager {
	return &Manager{rdb: rdb}
}

// Enqueue appends a connection to the partition's list. Callers must have
// already called RemoveEverywhere for this connection in the same logical
// operation.
func (m *Manager) Enqueue(ctx context.Context, connID string, p Partition) error {
	key := p.Key()

	pipe := m.rdb.Pipeline()
	pipe.RPush(ctx, key, connID)
	pipe.Expire(ctx, key, queueKeyTTL)
	pipe.SAdd(ctx, keyIndex, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue: enqueue %s: %w", key, err)
	}
	return nil
}

// RemoveEverywhere removes every occurrence of the connection from all known
// partitions and returns the number of entries removed. Removing an absent
// entry is a no-op, so the operation is safe to retry.
func (m *Manager) RemoveEverywhere(ctx context.Context, connID string) (int, error) {
	keys, err := m.rdb.SMembers(ctx, keyIndex).Result()
	if err != nil {
		return 0, fmt.Errorf("queue: read partition index: %w", err)
	}
	if len(keys) == 0 {
		return 0, nil
	}

	pipe := m.rdb.Pipeline()
	cmds := make([]*redis.IntCmd, 0, len(keys))
	for _, key := range keys {
		cmds = append(cmds, pipe.LRem(ctx, key, 0, connID))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("queue: remove everywhere: %w", err)
	}

	removed := 0
	for _, cmd := range cmds {
		removed += int(cmd.Val())
	}
	return removed, nil
}

// Snapshot returns the full ordered list of queued connection IDs for a
// partition without removing them. The matcher evaluates candidates from a
// snapshot because not every queued entry is still valid; invalid entries are
// removed individually, valid ones stay queued.
func (m *Manager) Snapshot(ctx context.Context, p Partition) ([]string, error) {
	ids, err := m.rdb.LRange(ctx, p.Key(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: snapshot %s: %w", p.Key(), err)
	}
	return ids, nil
}

// RemoveOne removes a single occurrence of the connection from one partition.
// Used once a candidate is confirmed matched or confirmed dead.
func (m *Manager) RemoveOne(ctx context.Context, connID string, p Partition) error {
	if err := m.rdb.LRem(ctx, p.Key(), 1, connID).Err(); err != nil {
		return fmt.Errorf("queue: remove one from %s: %w", p.Key(), err)
	}
	return nil
}

// Partitions returns every partition that has ever been enqueued to, parsed
// back from the index. Used by the scheduled fallback sweep.
func (m *Manager) Partitions(ctx context.Context) ([]Partition, error) {
	keys, err := m.rdb.SMembers(ctx, keyIndex).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: read partition index: %w", err)
	}

	parts := make([]Partition, 0, len(keys))
	for _, key := range keys {
		rest := strings.TrimPrefix(key, keyQueuePrefix)
		if gendered, ok := strings.CutPrefix(rest, "g:"); ok {
			gender, interest, ok := strings.Cut(gendered, ":")
			if !ok {
				continue // malformed index entry
			}
			parts = append(parts, Gendered(gender, interest))
			continue
		}
		parts = append(parts, Plain(rest))
	}
	return parts, nil
}

// Len returns the number of connections waiting in a partition.
func (m *Manager) Len(ctx context.Context, p Partition) (int64, error) {
	n, err := m.rdb.LLen(ctx, p.Key()).Result()
	if err != nil {
		return 0, fmt.Errorf("queue: len %s: %w", p.Key(), err)
	}
	return n, nil
}
