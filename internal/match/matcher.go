// Package match implements the pairing engine: the sweep algorithm that
// turns queued connections into rooms, and the event-facing service that
// gates requests through entitlements and feeds the queues.
package match

import (
	"context"
	"errors"
	"log"
	"math/rand"
	"time"

	"github.com/veilchat/veil/internal/antirepeat"
	"github.com/veilchat/veil/internal/protocol"
	"github.com/veilchat/veil/internal/queue"
	"github.com/veilchat/veil/internal/room"
	"github.com/veilchat/veil/internal/stats"
)

// Matcher runs stateless matching sweeps over queue partitions. Each sweep
// works on its own snapshot; overlapping sweeps are resolved by the room
// manager re-validating both candidates at creation time.
type Matcher struct {
	queues *queue.Manager
	rooms  *room.Manager
	ledger *antirepeat.Ledger
	gw     room.Gateway
}

// NewMatcher creates a matcher over the given collaborators.
func NewMatcher(queues *queue.Manager, rooms *room.Manager, ledger *antirepeat.Ledger, gw room.Gateway) *Matcher {
	return &Matcher{queues: queues, rooms: rooms, ledger: ledger, gw: gw}
}

// TryMatch sweeps one partition for a pair among its own members. The sweep:
// takes a snapshot, drops stale entries discovered along the way (lazy
// cleanup — stale entries are never proactively swept), shuffles the valid
// candidates so head-of-queue pairs blocked by anti-repeat cannot starve the
// partition, then greedily selects the first pair that shares a call mode,
// does not share a stable identity, and is not blocked by the ledger.
// Valid candidates that are not selected stay queued untouched.
//
// Returns true if a room was created.
func (m *Matcher) TryMatch(ctx context.Context, p queue.Partition) (bool, error) {
	start := time.Now()
	defer func() { stats.MatchSweepDuration.Observe(time.Since(start).Seconds()) }()

	n, err := m.queues.Len(ctx, p)
	if err != nil {
		return false, err
	}
	if n < 2 {
		return false, nil
	}

	ids, err := m.queues.Snapshot(ctx, p)
	if err != nil {
		return false, err
	}

	valid := m.filterValid(ctx, ids, p, "")
	if len(valid) < 2 {
		return false, nil
	}

	rand.Shuffle(len(valid), func(i, j int) {
		valid[i], valid[j] = valid[j], valid[i]
	})

	for i := 0; i < len(valid); i++ {
		for j := i + 1; j < len(valid); j++ {
			caller, callee := valid[i], valid[j]

			stableA, ok := m.gw.StableID(caller)
			if !ok {
				break // caller went away; move to next i
			}
			stableB, ok := m.gw.StableID(callee)
			if !ok {
				continue
			}
			// Two tabs of the same user share a stable identity; never
			// pair a user with themselves.
			if stableA == stableB {
				continue
			}
			if m.modeOf(caller) != m.modeOf(callee) {
				continue
			}

			blocked, err := m.ledger.IsBlocked(ctx, stableA, stableB)
			if err != nil {
				// Fail closed for this pair; the rest of the sweep continues.
				log.Printf("[matcher] anti-repeat check %s/%s: %v", stableA, stableB, err)
				continue
			}
			if blocked {
				continue
			}

			// Greedy first-fit: the first non-blocked pair wins. Remove
			// exactly these two entries, nothing else.
			created, err := m.finalize(ctx,
				room.Participant{ConnID: caller, StableID: stableA},
				room.Participant{ConnID: callee, StableID: stableB},
				p, p)
			if err != nil || !created {
				// Race lost or transient failure; candidates were requeued.
				// Keep scanning other pairs rather than stranding the sweep.
				continue
			}
			return true, nil
		}
	}

	return false, nil
}

// TryMatchFor searches the target partition on behalf of a gender-filtered
// requester. The requester sits in the queue keyed by their own gender (so
// opposite seekers can find them) and is never a member of the partition
// being searched, so this is a one-sided scan: shuffle the target's valid
// candidates and take the first the ledger does not block.
func (m *Matcher) TryMatchFor(ctx context.Context, requester room.Participant, target, own queue.Partition) (bool, error) {
	start := time.Now()
	defer func() { stats.MatchSweepDuration.Observe(time.Since(start).Seconds()) }()

	ids, err := m.queues.Snapshot(ctx, target)
	if err != nil {
		return false, err
	}

	valid := m.filterValid(ctx, ids, target, requester.ConnID)
	if len(valid) == 0 {
		return false, nil
	}

	rand.Shuffle(len(valid), func(i, j int) {
		valid[i], valid[j] = valid[j], valid[i]
	})

	for _, candidate := range valid {
		stableB, ok := m.gw.StableID(candidate)
		if !ok {
			continue
		}
		if stableB == requester.StableID {
			continue
		}
		if m.modeOf(requester.ConnID) != m.modeOf(candidate) {
			continue
		}

		blocked, err := m.ledger.IsBlocked(ctx, requester.StableID, stableB)
		if err != nil {
			log.Printf("[matcher] anti-repeat check %s/%s: %v", requester.StableID, stableB, err)
			continue
		}
		if blocked {
			continue
		}

		created, err := m.finalize(ctx, requester,
			room.Participant{ConnID: candidate, StableID: stableB},
			own, target)
		if err != nil || !created {
			continue
		}
		return true, nil
	}

	return false, nil
}

// filterValid partitions a snapshot into live, not-in-a-room candidates and
// stale entries. Stale entries are removed from the queue as a side effect
// of the sweep. skip is excluded without being treated as stale (the
// gendered requester never belongs to the searched partition).
func (m *Matcher) filterValid(ctx context.Context, ids []string, p queue.Partition, skip string) []string {
	valid := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == skip {
			continue
		}
		if m.gw.IsLive(id) && !m.rooms.InRoom(id) {
			valid = append(valid, id)
			continue
		}
		if err := m.queues.RemoveOne(ctx, id, p); err != nil {
			log.Printf("[matcher] lazy cleanup %s from %s: %v", id, p.Key(), err)
		}
	}
	return valid
}

// finalize makes queue removal and room creation effectively atomic from the
// candidates' perspective: both entries are removed first, and if room
// creation then fails, every still-live candidate is put back in its queue.
// The caller role goes to the first-selected participant.
func (m *Matcher) finalize(ctx context.Context, caller, callee room.Participant, callerPartition, calleePartition queue.Partition) (bool, error) {
	if err := m.queues.RemoveOne(ctx, caller.ConnID, callerPartition); err != nil {
		return false, err
	}
	if err := m.queues.RemoveOne(ctx, callee.ConnID, calleePartition); err != nil {
		m.requeue(ctx, caller.ConnID, callerPartition)
		return false, err
	}

	// The scan only selects mode-compatible pairs, so either side's mode
	// names the session's.
	mode := m.modeOf(caller.ConnID)

	if _, err := m.rooms.CreateRoom(ctx, caller, callee, calleePartition.Interest, mode); err != nil {
		if !errors.Is(err, room.ErrNotLive) && !errors.Is(err, room.ErrBusy) {
			log.Printf("[matcher] create room %s/%s: %v", caller.ConnID, callee.ConnID, err)
		}
		m.requeue(ctx, caller.ConnID, callerPartition)
		m.requeue(ctx, callee.ConnID, calleePartition)
		return false, nil
	}
	return true, nil
}

// modeOf returns the connection's requested call mode. Anything but an
// explicit audio request counts as text.
func (m *Matcher) modeOf(connID string) string {
	mode, ok := m.gw.Mode(connID)
	if !ok || mode != protocol.ModeAudio {
		return protocol.ModeText
	}
	return mode
}

// requeue restores a candidate whose room creation fell through. Dead or
// already-roomed connections are discarded instead.
func (m *Matcher) requeue(ctx context.Context, connID string, p queue.Partition) {
	if !m.gw.IsLive(connID) || m.rooms.InRoom(connID) {
		return
	}
	if err := m.queues.Enqueue(ctx, connID, p); err != nil {
		log.Printf("[matcher] requeue %s to %s: %v", connID, p.Key(), err)
	}
}
