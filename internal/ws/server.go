// Package ws handles WebSocket connection management: upgrading HTTP
// connections, tracking active connections and their stable identities, and
// dispatching incoming messages to the appropriate handlers. The server also
// implements the room gateway: it delivers events to connections and binds
// them to room relay subjects.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/veilchat/veil/internal/messaging"
	"github.com/veilchat/veil/internal/protocol"
	"github.com/veilchat/veil/internal/relay"
	"github.com/veilchat/veil/internal/stats"
)

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr     string        // address to listen on, e.g. ":8080"
	WorkerPoolSize int           // max concurrent read-worker goroutines
	MaxConnections int           // hard cap on total connections
	ReadTimeout    time.Duration // timeout for WebSocket read operations
	WriteTimeout   time.Duration // timeout for WebSocket write operations
}

// DefaultServerConfig returns a ServerConfig with sensible production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":8080",
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
	}
}

// Server is the WebSocket server built on gobwas/ws and Linux epoll. It
// upgrades HTTP connections to WebSocket, registers them with an epoll
// instance for I/O readiness notifications, and dispatches ready connections
// to a bounded worker pool for frame reading.
type Server struct {
	config       ServerConfig
	epoll        *Epoll
	conns        *ConnectionManager
	relay        *messaging.Client                   // room relay fabric, may be nil
	workerPool   chan struct{}                       // semaphore limiting concurrent read workers
	onMessage    func(conn *Connection, data []byte) // message handler callback
	onDisconnect func(connID string)                 // called when a connection is removed
	connectGate  func(remoteIP string) bool          // optional per-IP admission check
	httpServer   *http.Server
	bufPool      sync.Pool // pool of reusable read buffers
	done         chan struct{}
	startedAt    time.Time
}

// NewServer creates a Server with the given configuration, relay client, and
// message callback. The relay client may be nil; rooms then work without the
// pub/sub fabric and in-room traffic is delivered directly. The onMessage
// function is called from a worker goroutine whenever a complete WebSocket
// text frame is received from a client.
func NewServer(config ServerConfig, relayClient *messaging.Client, onMessage func(conn *Connection, data []byte)) *Server {
	s := &Server{
		config:     config,
		conns:      NewConnectionManager(),
		relay:      relayClient,
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		onMessage:  onMessage,
		done:       make(chan struct{}),
		bufPool: sync.Pool{
			New: func() interface{} {
				buf := make([]byte, 4096)
				return &buf
			},
		},
	}

	return s
}

// Start initializes the epoll instance, configures the HTTP server, and begins
// accepting WebSocket connections. It starts the epoll event loop in a
// background goroutine and blocks on http.Server.ListenAndServe.
func (s *Server) Start() error {
	var err error
	s.epoll, err = NewEpoll()
	if err != nil {
		return fmt.Errorf("ws: failed to create epoll: %w", err)
	}

	s.startedAt = time.Now()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	mux.HandleFunc("/health", s.handleHealth)

	s.httpServer = &http.Server{
		Addr:    s.config.ListenAddr,
		Handler: mux,
	}

	go s.startEventLoop()

	// Detect and close dead connections.
	StartHeartbeat(s, DefaultHeartbeatConfig())

	log.Printf("ws: server listening on %s (workers=%d, max_conns=%d)",
		s.config.ListenAddr, s.config.WorkerPoolSize, s.config.MaxConnections)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// handleUpgrade upgrades an HTTP request to a WebSocket connection using the
// gobwas/ws zero-copy upgrader. The client may present a previously issued
// stable session ID via the session_id query parameter; otherwise a fresh
// identity is minted. The connection ID is always new.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	if s.connectGate != nil {
		ip, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			ip = r.RemoteAddr
		}
		if !s.connectGate(ip) {
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	stableID := r.URL.Query().Get("session_id")
	if _, err := uuid.Parse(stableID); err != nil {
		stableID = uuid.New().String()
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("ws: upgrade failed: %v", err)
		return
	}

	fd := socketFD(conn)
	connID := uuid.New().String()

	c := &Connection{
		ID:        connID,
		StableID:  stableID,
		Conn:      conn,
		Fd:        fd,
		CreatedAt: time.Now(),
		LastPing:  time.Now(),
	}

	s.conns.Add(c)
	if err := s.epoll.Add(conn); err != nil {
		log.Printf("ws: epoll add failed for conn %s: %v", connID, err)
		s.conns.Remove(connID)
		return
	}
	stats.ConnectionsOnline.Inc()

	msg, err := protocol.NewServerMessage(protocol.TypeSessionCreated, protocol.SessionCreatedMsg{
		ConnectionID: connID,
		SessionID:    stableID,
	})
	if err != nil {
		log.Printf("ws: failed to build session_created for conn %s: %v", connID, err)
	} else if err := c.WriteMessage(msg); err != nil {
		log.Printf("ws: failed to send session_created for conn %s: %v", connID, err)
	}

	log.Printf("ws: new connection conn=%s session=%s fd=%d (total=%d)", connID, stableID, fd, s.conns.Count())
}

// handleHealth responds with the server's health status as JSON, including
// the current connection count and uptime. Used by load balancer health checks.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.conns.Count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}

	_ = json.NewEncoder(w).Encode(resp)
}

// startEventLoop runs the epoll wait loop. For each batch of ready
// connections, it dispatches each to a worker goroutine (bounded by the
// worker pool semaphore) that reads and processes the WebSocket frame.
func (s *Server) startEventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		conns, err := s.epoll.Wait()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				// EINTR is expected during signal handling.
				if isEINTR(err) {
					continue
				}
				log.Printf("ws: epoll wait error: %v", err)
				continue
			}
		}

		for _, conn := range conns {
			conn := conn // capture for goroutine

			s.workerPool <- struct{}{}

			go func() {
				defer func() { <-s.workerPool }()
				s.handleConn(conn)
			}()
		}
	}
}

// handleConn reads a single WebSocket frame from a ready connection using
// wsutil.NextReader so that control frames (ping, pong) are handled without
// blocking on a data frame that may never arrive. If the read fails the
// connection is removed from epoll and the connection manager.
func (s *Server) handleConn(netConn net.Conn) {
	c := s.conns.GetByConn(netConn)
	if c == nil {
		return
	}

	// Guard against duplicate dispatch from level-triggered epoll.
	if !atomic.CompareAndSwapInt32(&c.processing, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&c.processing, 0)

	if s.config.ReadTimeout > 0 {
		_ = netConn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	header, reader, err := wsutil.NextReader(netConn, ws.StateServerSide)
	if err != nil {
		// A read timeout means no data was available (stale epoll dispatch).
		// The heartbeat handles dead connections.
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return
		}
		s.RemoveConnection(c)
		return
	}

	_ = netConn.SetReadDeadline(time.Time{})

	// Any frame proves the connection is alive.
	c.LastPing = time.Now()

	if header.OpCode.IsControl() {
		if header.OpCode == ws.OpClose {
			s.RemoveConnection(c)
		}
		return
	}

	data := make([]byte, header.Length)
	if header.Length > 0 {
		_, err = io.ReadFull(reader, data)
		if err != nil {
			s.RemoveConnection(c)
			return
		}
	}

	if len(data) == 0 {
		return
	}

	if s.onMessage != nil {
		s.onMessage(c, data)
	}
}

// SetOnDisconnect registers a callback invoked when a connection is removed
// (read error, heartbeat timeout, or graceful close). The handler runs before
// the relay subscription is dropped.
func (s *Server) SetOnDisconnect(fn func(connID string)) {
	s.onDisconnect = fn
}

// SetConnectGate registers a per-IP admission check applied before the
// WebSocket upgrade. Returning false rejects the connection with 429.
func (s *Server) SetConnectGate(fn func(remoteIP string) bool) {
	s.connectGate = fn
}

// RemoveConnection removes a connection from both epoll and the connection
// manager, and closes the underlying network connection. It is exported so
// that the heartbeat monitor can evict dead connections.
func (s *Server) RemoveConnection(c *Connection) {
	_ = s.epoll.Remove(c.Conn)

	// Only proceed if the connection was actually in the manager. This
	// prevents double cleanup when multiple goroutines race to remove the
	// same connection (e.g., read error + heartbeat timeout).
	if !s.conns.Remove(c.ID) {
		return
	}
	stats.ConnectionsOnline.Dec()

	if s.onDisconnect != nil {
		s.onDisconnect(c.ID)
	}

	if s.relay != nil {
		if err := s.relay.UnsubscribeRoom(c.ID); err != nil {
			log.Printf("ws: relay unsubscribe conn=%s: %v", c.ID, err)
		}
	}

	log.Printf("ws: connection closed conn=%s (total=%d)", c.ID, s.conns.Count())
}

// SendMessage writes a WebSocket text frame to the connection identified by
// connID. It is goroutine-safe thanks to the per-connection write mutex.
func (s *Server) SendMessage(connID string, data []byte) error {
	c := s.conns.Get(connID)
	if c == nil {
		return fmt.Errorf("ws: connection %s not found", connID)
	}

	if s.config.WriteTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
	}

	err := c.WriteMessage(data)

	// Clear write deadline so it doesn't affect future writes (e.g., heartbeat pings).
	_ = c.Conn.SetWriteDeadline(time.Time{})

	return err
}

// Connections returns the ConnectionManager for external access to connection
// state (e.g., by the heartbeat or stats broadcaster).
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown performs a graceful shutdown of the server. It stops the HTTP
// listener, signals the event loop to exit, closes all active connections,
// and cleans up the epoll instance.
func (s *Server) Shutdown() error {
	log.Println("ws: shutting down server...")

	close(s.done)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		log.Printf("ws: http shutdown error: %v", err)
	}

	for _, c := range s.conns.All() {
		_ = s.epoll.Remove(c.Conn)
		c.Close()
	}

	if s.epoll != nil {
		_ = s.epoll.Close()
	}

	log.Printf("ws: server stopped, all connections closed")
	return nil
}

// ---------------------------------------------------------------------------
// Room gateway
// ---------------------------------------------------------------------------

// IsLive reports whether the connection is currently registered.
func (s *Server) IsLive(connID string) bool {
	return s.conns.Get(connID) != nil
}

// StableID returns the stable anonymous identity behind a live connection.
func (s *Server) StableID(connID string) (string, bool) {
	c := s.conns.Get(connID)
	if c == nil {
		return "", false
	}
	return c.StableID, true
}

// Mode returns the call mode from the connection's most recent find_match.
func (s *Server) Mode(connID string) (string, bool) {
	c := s.conns.Get(connID)
	if c == nil {
		return "", false
	}
	return c.Mode(), true
}

// SendTo delivers a server event to a connection. Dead connections and write
// failures are dropped silently; the epoll read path and heartbeat own
// connection teardown.
func (s *Server) SendTo(connID string, event string, payload interface{}) {
	data, err := protocol.NewServerMessage(event, payload)
	if err != nil {
		log.Printf("ws: build %s for conn %s: %v", event, connID, err)
		return
	}
	if err := s.SendMessage(connID, data); err != nil {
		log.Printf("ws: send %s to conn %s: %v", event, connID, err)
	}
}

// JoinRoom binds the connection to the room's relay subject. Events published
// by the partner are translated into outbound protocol messages; the
// connection's own events are skipped so nothing echoes back.
func (s *Server) JoinRoom(connID, roomID string) {
	if s.relay == nil {
		return
	}
	err := s.relay.SubscribeRoom(roomID, connID, func(data []byte) {
		var ev relay.RoomEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			log.Printf("ws: relay event decode room=%s: %v", roomID, err)
			return
		}
		if ev.From == connID {
			return
		}
		s.deliverRoomEvent(connID, ev)
	})
	if err != nil {
		log.Printf("ws: relay subscribe conn=%s room=%s: %v", connID, roomID, err)
	}
}

// LeaveRoom drops the connection's relay subscription.
func (s *Server) LeaveRoom(connID, roomID string) {
	if s.relay == nil {
		return
	}
	if err := s.relay.UnsubscribeRoom(connID); err != nil {
		log.Printf("ws: relay unsubscribe conn=%s room=%s: %v", connID, roomID, err)
	}
}

// PublishRoomEvent publishes an in-room event on the room's relay subject.
// When no relay is configured the event is delivered directly to the partner
// connection instead.
func (s *Server) PublishRoomEvent(roomID, partnerConnID string, ev relay.RoomEvent) error {
	if s.relay == nil {
		s.deliverRoomEvent(partnerConnID, ev)
		return nil
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("ws: encode room event: %w", err)
	}
	return s.relay.PublishRoom(roomID, data)
}

// deliverRoomEvent translates a relay event into the outbound message the
// partner's client understands.
func (s *Server) deliverRoomEvent(connID string, ev relay.RoomEvent) {
	switch ev.Type {
	case relay.EventMessage:
		s.SendTo(connID, protocol.TypeMessage, protocol.ServerChatMsg{
			From: ev.From,
			Text: ev.Text,
			Ts:   ev.Ts,
		})
		stats.MessagesRelayed.WithLabelValues("message").Inc()
	case relay.EventTyping:
		s.SendTo(connID, protocol.TypeTyping, protocol.ServerTypingMsg{
			IsTyping: ev.IsTyping,
		})
		stats.MessagesRelayed.WithLabelValues("typing").Inc()
	case relay.EventSignal:
		s.SendTo(connID, protocol.TypeSignal, protocol.ServerSignalMsg{
			Data: ev.Data,
		})
		stats.MessagesRelayed.WithLabelValues("signal").Inc()
	default:
		log.Printf("ws: unknown relay event type %q for conn %s", ev.Type, connID)
	}
}

// isEINTR checks if the error is a syscall interrupted error (EINTR),
// which is expected during signal handling and should be retried.
func isEINTR(err error) bool {
	if err == nil {
		return false
	}
	return err.Error() == "interrupted system call" ||
		err.Error() == "errno 4"
}
