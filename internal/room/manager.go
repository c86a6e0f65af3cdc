// Package room owns the lifecycle of active matched pairs. The room table
// (connection->room, connection->partner, room->timer) is an in-process state
// table owned exclusively by the Manager and exposed only through its
// operations. In a multi-instance deployment this table would have to move
// into the shared store; the single authoritative process design keeps it
// in memory.
package room

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/veilchat/veil/internal/antirepeat"
	"github.com/veilchat/veil/internal/entitlement"
	"github.com/veilchat/veil/internal/history"
	"github.com/veilchat/veil/internal/protocol"
	"github.com/veilchat/veil/internal/stats"
)

// Gateway is the core's view of the realtime transport. Connection liveness
// is an external, possibly-stale fact; it is re-checked at every decision
// point that finalizes state.
type Gateway interface {
	IsLive(connID string) bool
	StableID(connID string) (string, bool)
	Mode(connID string) (string, bool)
	SendTo(connID string, event string, payload interface{})
	JoinRoom(connID, roomID string)
	LeaveRoom(connID, roomID string)
}

// Room states.
const (
	StateCreating = "creating"
	StateActive   = "active"
	StateEnding   = "ending"
	StateEnded    = "ended"
)

// Teardown reasons.
const (
	ReasonTimeout    = "timeout"
	ReasonSkipped    = "skipped"
	ReasonDisconnect = "disconnect"
	ReasonEnded      = "ended"
)

// Roles. Role assignment is deterministic: the first-selected candidate is
// the caller, so WebRTC offer/answer polarity is unambiguous.
const (
	RoleCaller = "caller"
	RoleCallee = "callee"
)

// Redis key prefix for best-effort room summary records.
const matchKeyPrefix = "match:"

var (
	// ErrNotLive is returned when a participant's connection went away
	// between the matcher sweep and room creation.
	ErrNotLive = errors.New("room: participant connection not live")

	// ErrBusy is returned when a participant is already in an active room.
	// Two overlapping sweeps can select overlapping candidates; the loser
	// sees this error and requeues.
	ErrBusy = errors.New("room: participant already in a room")
)

// Participant identifies one side of a pair: the live connection and the
// stable anonymous identity behind it.
type Participant struct {
	ConnID   string
	StableID string
}

// Room represents one active matched pair.
type Room struct {
	ID        string
	Caller    Participant
	Callee    Participant
	Interest  string
	Mode      string
	CreatedAt time.Time

	state string
	timer *time.Timer
}

// Partner returns the other participant's connection ID, or "" if connID is
// not a participant.
func (r *Room) Partner(connID string) string {
	switch connID {
	case r.Caller.ConnID:
		return r.Callee.ConnID
	case r.Callee.ConnID:
		return r.Caller.ConnID
	}
	return ""
}

// IsParticipant reports whether the connection belongs to this room.
func (r *Room) IsParticipant(connID string) bool {
	return connID == r.Caller.ConnID || connID == r.Callee.ConnID
}

// Config holds Manager tuning parameters.
type Config struct {
	Timeout          time.Duration // session auto-teardown deadline
	AntiRepeatWindow time.Duration // 0 disables the anti-repeat ledger
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:          10 * time.Minute,
		AntiRepeatWindow: time.Hour,
	}
}

// Manager owns all active rooms.
type Manager struct {
	mu     sync.Mutex
	rooms  map[string]*Room // room ID -> room
	byConn map[string]*Room // connection ID -> room

	gw       Gateway
	rdb      *redis.Client
	ledger   *antirepeat.Ledger
	ents     *entitlement.Service
	recorder *stats.Recorder
	archive  *history.Store // optional, best-effort
	cfg      Config
}

// NewManager creates a room manager. archive may be nil when no durable
// history store is configured.
func NewManager(gw Gateway, rdb *redis.Client, ledger *antirepeat.Ledger, ents *entitlement.Service, recorder *stats.Recorder, archive *history.Store, cfg Config) *Manager {
	return &Manager{
		rooms:    make(map[string]*Room),
		byConn:   make(map[string]*Room),
		gw:       gw,
		rdb:      rdb,
		ledger:   ledger,
		ents:     ents,
		recorder: recorder,
		archive:  archive,
		cfg:      cfg,
	}
}

// CreateRoom atomically establishes a session between caller and callee.
// Liveness and not-already-in-a-room are re-validated here under the room
// table lock, because the matcher's sweep snapshot may be stale by the time
// it selects a pair. On success both sides receive match_found with their
// role, the timeout is armed, and the bookkeeping side effects (anti-repeat
// record, daily counters, stats, summary record) are applied.
func (m *Manager) CreateRoom(ctx context.Context, caller, callee Participant, interest, mode string) (*Room, error) {
	if !m.gw.IsLive(caller.ConnID) || !m.gw.IsLive(callee.ConnID) {
		return nil, ErrNotLive
	}

	r := &Room{
		ID:        uuid.New().String(),
		Caller:    caller,
		Callee:    callee,
		Interest:  interest,
		Mode:      mode,
		CreatedAt: time.Now(),
		state:     StateCreating,
	}

	m.mu.Lock()
	if _, busy := m.byConn[caller.ConnID]; busy {
		m.mu.Unlock()
		return nil, ErrBusy
	}
	if _, busy := m.byConn[callee.ConnID]; busy {
		m.mu.Unlock()
		return nil, ErrBusy
	}
	m.rooms[r.ID] = r
	m.byConn[caller.ConnID] = r
	m.byConn[callee.ConnID] = r
	r.state = StateActive
	if m.cfg.Timeout > 0 {
		roomID := r.ID
		r.timer = time.AfterFunc(m.cfg.Timeout, func() {
			// No-op if the room already ended; EndRoom is idempotent,
			// which guards the cancel/fire race.
			m.EndRoom(roomID, ReasonTimeout)
		})
	}
	m.mu.Unlock()

	m.gw.JoinRoom(caller.ConnID, r.ID)
	m.gw.JoinRoom(callee.ConnID, r.ID)

	m.gw.SendTo(caller.ConnID, protocol.TypeMatchFound, protocol.MatchFoundMsg{
		RoomID:    r.ID,
		Role:      RoleCaller,
		PartnerID: callee.ConnID,
		Interest:  interest,
		Mode:      mode,
	})
	m.gw.SendTo(callee.ConnID, protocol.TypeMatchFound, protocol.MatchFoundMsg{
		RoomID:    r.ID,
		Role:      RoleCallee,
		PartnerID: caller.ConnID,
		Interest:  interest,
		Mode:      mode,
	})

	// Bookkeeping. All best-effort: the pairing stands even if any of these
	// writes fail.
	if err := m.ledger.Record(ctx, caller.StableID, callee.StableID, m.cfg.AntiRepeatWindow); err != nil {
		log.Printf("[room] anti-repeat record %s: %v", r.ID, err)
	}
	if err := m.ents.IncrementDaily(ctx, caller.StableID); err != nil {
		log.Printf("[room] daily incr %s: %v", caller.StableID, err)
	}
	if err := m.ents.IncrementDaily(ctx, callee.StableID); err != nil {
		log.Printf("[room] daily incr %s: %v", callee.StableID, err)
	}
	m.recorder.RecordMatch(ctx)
	stats.ActiveRooms.Inc()
	m.writeSummary(ctx, r)

	log.Printf("[room] created id=%s caller=%s callee=%s interest=%s mode=%s",
		r.ID, caller.ConnID, callee.ConnID, interest, mode)
	return r, nil
}

// EndRoom tears down a room. Idempotent: ending an already-ended or unknown
// room is a no-op, so the timeout handler, skip handler, and disconnect
// handler can all race to call it and exactly one teardown happens. Queue
// entries are not touched here; disconnect/skip handlers evict those.
func (m *Manager) EndRoom(roomID, reason string) {
	m.mu.Lock()
	r, ok := m.rooms[roomID]
	if !ok || r.state == StateEnded {
		m.mu.Unlock()
		return
	}
	r.state = StateEnding
	if r.timer != nil {
		r.timer.Stop()
	}
	delete(m.rooms, roomID)
	delete(m.byConn, r.Caller.ConnID)
	delete(m.byConn, r.Callee.ConnID)
	r.state = StateEnded
	m.mu.Unlock()

	for _, p := range []Participant{r.Caller, r.Callee} {
		if m.gw.IsLive(p.ConnID) {
			m.gw.SendTo(p.ConnID, protocol.TypeSessionEnded, protocol.SessionEndedMsg{
				RoomID: roomID,
				Reason: reason,
			})
		}
		m.gw.LeaveRoom(p.ConnID, roomID)
	}

	duration := time.Since(r.CreatedAt)
	stats.ActiveRooms.Dec()
	stats.SessionDuration.WithLabelValues(reason).Observe(duration.Seconds())

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := m.rdb.Del(ctx, matchKeyPrefix+roomID).Err(); err != nil {
		log.Printf("[room] delete summary %s: %v", roomID, err)
	}
	if m.archive != nil {
		rec := &history.Record{
			RoomID:       roomID,
			ParticipantA: r.Caller.StableID,
			ParticipantB: r.Callee.StableID,
			Interest:     r.Interest,
			Mode:         r.Mode,
			EndReason:    reason,
			StartedAt:    r.CreatedAt,
			Duration:     duration,
		}
		if err := m.archive.Create(ctx, rec); err != nil {
			log.Printf("[room] archive %s: %v", roomID, err)
		}
	}

	log.Printf("[room] ended id=%s reason=%s duration=%s", roomID, reason, duration.Round(time.Second))
}

// EndFor ends the room the connection is in, if any.
func (m *Manager) EndFor(connID, reason string) {
	m.mu.Lock()
	r, ok := m.byConn[connID]
	m.mu.Unlock()
	if ok {
		m.EndRoom(r.ID, reason)
	}
}

// InRoom reports whether the connection currently belongs to an active room.
func (m *Manager) InRoom(connID string) bool {
	m.mu.Lock()
	_, ok := m.byConn[connID]
	m.mu.Unlock()
	return ok
}

// RoomFor returns the room the connection is in, or nil.
func (m *Manager) RoomFor(connID string) *Room {
	m.mu.Lock()
	r := m.byConn[connID]
	m.mu.Unlock()
	return r
}

// PartnerOf returns the partner's connection ID for an in-room connection.
func (m *Manager) PartnerOf(connID string) (string, bool) {
	m.mu.Lock()
	r, ok := m.byConn[connID]
	m.mu.Unlock()
	if !ok {
		return "", false
	}
	return r.Partner(connID), true
}

// Count returns the number of active rooms.
func (m *Manager) Count() int {
	m.mu.Lock()
	n := len(m.rooms)
	m.mu.Unlock()
	return n
}

// writeSummary persists the room summary hash to Redis. Best effort and
// non-blocking for the pairing itself.
func (m *Manager) writeSummary(ctx context.Context, r *Room) {
	key := matchKeyPrefix + r.ID
	pipe := m.rdb.Pipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"caller":     r.Caller.StableID,
		"callee":     r.Callee.StableID,
		"interest":   r.Interest,
		"mode":       r.Mode,
		"created_at": fmt.Sprintf("%d", r.CreatedAt.Unix()),
	})
	if m.cfg.Timeout > 0 {
		pipe.Expire(ctx, key, m.cfg.Timeout+time.Minute)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		log.Printf("[room] write summary %s: %v", r.ID, err)
	}
}
