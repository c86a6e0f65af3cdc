package room

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/veilchat/veil/internal/antirepeat"
	"github.com/veilchat/veil/internal/entitlement"
	"github.com/veilchat/veil/internal/protocol"
	"github.com/veilchat/veil/internal/stats"
)

// fakeGateway is an in-memory Gateway recording every outbound event.
type fakeGateway struct {
	mu     sync.Mutex
	live   map[string]bool
	stable map[string]string
	modes  map[string]string
	events map[string][]sentEvent
}

type sentEvent struct {
	event   string
	payload interface{}
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		live:   make(map[string]bool),
		stable: make(map[string]string),
		modes:  make(map[string]string),
		events: make(map[string][]sentEvent),
	}
}

func (g *fakeGateway) addConn(connID, stableID, mode string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.live[connID] = true
	g.stable[connID] = stableID
	g.modes[connID] = mode
}

func (g *fakeGateway) drop(connID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.live, connID)
}

func (g *fakeGateway) IsLive(connID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.live[connID]
}

func (g *fakeGateway) StableID(connID string) (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	id, ok := g.stable[connID]
	return id, ok && g.live[connID]
}

func (g *fakeGateway) Mode(connID string) (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	m, ok := g.modes[connID]
	return m, ok
}

func (g *fakeGateway) SendTo(connID string, event string, payload interface{}) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.events[connID] = append(g.events[connID], sentEvent{event: event, payload: payload})
}

func (g *fakeGateway) JoinRoom(connID, roomID string)  {}
func (g *fakeGateway) LeaveRoom(connID, roomID string) {}

// sent returns all recorded events of one type for a connection.
func (g *fakeGateway) sent(connID, event string) []sentEvent {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []sentEvent
	for _, e := range g.events[connID] {
		if e.event == event {
			out = append(out, e)
		}
	}
	return out
}

func setupTestManager(t *testing.T, gw *fakeGateway, cfg Config) (*Manager, *entitlement.Service, *antirepeat.Ledger, context.Context) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	ledger := antirepeat.NewLedger(rdb)
	ents := entitlement.NewService(rdb)
	m := NewManager(gw, rdb, ledger, ents, stats.NewRecorder(rdb), nil, cfg)
	return m, ents, ledger, context.Background()
}

func TestCreateRoom_SymmetricPairing(t *testing.T) {
	gw := newFakeGateway()
	gw.addConn("c1", "alice", protocol.ModeText)
	gw.addConn("c2", "bob", protocol.ModeText)
	m, _, _, ctx := setupTestManager(t, gw, Config{Timeout: time.Minute, AntiRepeatWindow: time.Hour})

	r, err := m.CreateRoom(ctx,
		Participant{ConnID: "c1", StableID: "alice"},
		Participant{ConnID: "c2", StableID: "bob"},
		"tech", protocol.ModeText)
	require.NoError(t, err)

	// partner(partner(A)) == A, room(A) == room(B).
	p1, ok := m.PartnerOf("c1")
	require.True(t, ok)
	require.Equal(t, "c2", p1)
	p2, ok := m.PartnerOf("c2")
	require.True(t, ok)
	require.Equal(t, "c1", p2)
	require.Equal(t, m.RoomFor("c1").ID, m.RoomFor("c2").ID)
	require.Equal(t, r.ID, m.RoomFor("c1").ID)

	// Both sides got match_found with complementary roles.
	found1 := gw.sent("c1", protocol.TypeMatchFound)
	found2 := gw.sent("c2", protocol.TypeMatchFound)
	require.Len(t, found1, 1)
	require.Len(t, found2, 1)

	msg1 := found1[0].payload.(protocol.MatchFoundMsg)
	msg2 := found2[0].payload.(protocol.MatchFoundMsg)
	require.Equal(t, msg1.RoomID, msg2.RoomID)
	require.Equal(t, RoleCaller, msg1.Role)
	require.Equal(t, RoleCallee, msg2.Role)
	require.Equal(t, "c2", msg1.PartnerID)
	require.Equal(t, "c1", msg2.PartnerID)
}

func TestCreateRoom_RecordsBookkeeping(t *testing.T) {
	gw := newFakeGateway()
	gw.addConn("c1", "alice", protocol.ModeText)
	gw.addConn("c2", "bob", protocol.ModeText)
	m, ents, ledger, ctx := setupTestManager(t, gw, Config{Timeout: time.Minute, AntiRepeatWindow: time.Hour})

	_, err := m.CreateRoom(ctx,
		Participant{ConnID: "c1", StableID: "alice"},
		Participant{ConnID: "c2", StableID: "bob"},
		"tech", protocol.ModeText)
	require.NoError(t, err)

	blocked, err := ledger.IsBlocked(ctx, "bob", "alice")
	require.NoError(t, err)
	require.True(t, blocked, "pairing must record the anti-repeat entry")

	for _, id := range []string{"alice", "bob"} {
		count, err := ents.DailyCount(ctx, id)
		require.NoError(t, err)
		require.Equal(t, 1, count)
	}
}

func TestCreateRoom_RejectsDeadConnection(t *testing.T) {
	gw := newFakeGateway()
	gw.addConn("c1", "alice", protocol.ModeText)
	m, _, _, ctx := setupTestManager(t, gw, DefaultConfig())

	_, err := m.CreateRoom(ctx,
		Participant{ConnID: "c1", StableID: "alice"},
		Participant{ConnID: "ghost", StableID: "bob"},
		"tech", protocol.ModeText)
	require.ErrorIs(t, err, ErrNotLive)
	require.False(t, m.InRoom("c1"))
}

func TestCreateRoom_RejectsBusyConnection(t *testing.T) {
	gw := newFakeGateway()
	gw.addConn("c1", "alice", protocol.ModeText)
	gw.addConn("c2", "bob", protocol.ModeText)
	gw.addConn("c3", "carol", protocol.ModeText)
	m, _, _, ctx := setupTestManager(t, gw, DefaultConfig())

	_, err := m.CreateRoom(ctx,
		Participant{ConnID: "c1", StableID: "alice"},
		Participant{ConnID: "c2", StableID: "bob"},
		"tech", protocol.ModeText)
	require.NoError(t, err)

	// A second sweep racing on a stale snapshot must lose here.
	_, err = m.CreateRoom(ctx,
		Participant{ConnID: "c2", StableID: "bob"},
		Participant{ConnID: "c3", StableID: "carol"},
		"tech", protocol.ModeText)
	require.ErrorIs(t, err, ErrBusy)
	require.False(t, m.InRoom("c3"))
}

func TestEndRoom_Idempotent(t *testing.T) {
	gw := newFakeGateway()
	gw.addConn("c1", "alice", protocol.ModeText)
	gw.addConn("c2", "bob", protocol.ModeText)
	m, _, _, ctx := setupTestManager(t, gw, Config{Timeout: time.Minute})

	r, err := m.CreateRoom(ctx,
		Participant{ConnID: "c1", StableID: "alice"},
		Participant{ConnID: "c2", StableID: "bob"},
		"tech", protocol.ModeText)
	require.NoError(t, err)

	// Skip and a late timeout can both call EndRoom; only one teardown
	// notification per participant may go out.
	m.EndRoom(r.ID, ReasonSkipped)
	m.EndRoom(r.ID, ReasonTimeout)
	m.EndRoom("no-such-room", ReasonEnded)

	for _, conn := range []string{"c1", "c2"} {
		ended := gw.sent(conn, protocol.TypeSessionEnded)
		require.Len(t, ended, 1, "exactly one session_ended for %s", conn)
		require.Equal(t, ReasonSkipped, ended[0].payload.(protocol.SessionEndedMsg).Reason)
		require.False(t, m.InRoom(conn))
	}
	require.Zero(t, m.Count())
}

func TestEndRoom_TimeoutTeardown(t *testing.T) {
	gw := newFakeGateway()
	gw.addConn("c1", "alice", protocol.ModeAudio)
	gw.addConn("c2", "bob", protocol.ModeAudio)
	m, _, _, ctx := setupTestManager(t, gw, Config{Timeout: 50 * time.Millisecond})

	_, err := m.CreateRoom(ctx,
		Participant{ConnID: "c1", StableID: "alice"},
		Participant{ConnID: "c2", StableID: "bob"},
		"global", protocol.ModeAudio)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(gw.sent("c1", protocol.TypeSessionEnded)) == 1 &&
			len(gw.sent("c2", protocol.TypeSessionEnded)) == 1
	}, 2*time.Second, 10*time.Millisecond, "timeout must tear the room down")

	require.Equal(t, ReasonTimeout, gw.sent("c1", protocol.TypeSessionEnded)[0].payload.(protocol.SessionEndedMsg).Reason)
	require.False(t, m.InRoom("c1"))
	require.False(t, m.InRoom("c2"))
}

func TestEndRoom_SkipsNotificationToDeadConnection(t *testing.T) {
	gw := newFakeGateway()
	gw.addConn("c1", "alice", protocol.ModeText)
	gw.addConn("c2", "bob", protocol.ModeText)
	m, _, _, ctx := setupTestManager(t, gw, Config{Timeout: time.Minute})

	r, err := m.CreateRoom(ctx,
		Participant{ConnID: "c1", StableID: "alice"},
		Participant{ConnID: "c2", StableID: "bob"},
		"tech", protocol.ModeText)
	require.NoError(t, err)

	gw.drop("c1")
	m.EndRoom(r.ID, ReasonDisconnect)

	require.Empty(t, gw.sent("c1", protocol.TypeSessionEnded))
	require.Len(t, gw.sent("c2", protocol.TypeSessionEnded), 1)
}
