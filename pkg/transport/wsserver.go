package transport

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/continuum-dev/jtag/pkg/message"
	"github.com/continuum-dev/jtag/pkg/router"
)

// DefaultHandshakeTimeout is how long a new connection may stay silent
// before its first handshake frame.
const DefaultHandshakeTimeout = 5 * time.Second

// CloseReasonHandshakeTimeout is the close reason sent to peers that never
// complete the handshake.
const CloseReasonHandshakeTimeout = "handshake_timeout"

// ServerConfig tunes the WebSocket server side.
type ServerConfig struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	QueueCapacity    int
}

func (c ServerConfig) withDefaults() ServerConfig {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = DefaultQueueCapacity
	}
	return c
}

// WSServer accepts WebSocket peers, runs the session handshake, and binds
// each live connection to the router. One WSServer per process.
type WSServer struct {
	router *router.Router
	self   message.Context
	cfg    ServerConfig

	mu    sync.RWMutex
	conns map[string]*Conn
}

// NewWSServer creates the server-side WebSocket transport.
func NewWSServer(r *router.Router, self message.Context, cfg ServerConfig) *WSServer {
	return &WSServer{
		router: r,
		self:   self,
		cfg:    cfg.withDefaults(),
		conns:  make(map[string]*Conn),
	}
}

// HandleConnection owns the lifecycle of one upgraded WebSocket. It blocks
// until the connection closes. Nothing received before the handshake is
// dispatched; buffered frames flow to the router once the handshake lands.
func (s *WSServer) HandleConnection(parentCtx context.Context, sock *websocket.Conn) {
	hs, buffered, err := s.awaitHandshake(parentCtx, sock)
	if err != nil {
		slog.Warn("Closing connection without handshake", "error", err)
		_ = sock.Close(websocket.StatusPolicyViolation, CloseReasonHandshakeTimeout)
		return
	}

	peer := peerContext(hs)
	connID := uuid.New().String()
	conn := newConn(parentCtx, connID, peer, sock, s.cfg.QueueCapacity, s.cfg.WriteTimeout)
	conn.startWritePump()

	s.mu.Lock()
	s.conns[connID] = conn
	s.mu.Unlock()
	s.router.BindLink(conn)

	slog.Info("Peer connected",
		"conn_id", connID, "peer", peer.UniqueID, "session_id", peer.SessionID)

	defer func() {
		s.mu.Lock()
		delete(s.conns, connID)
		s.mu.Unlock()
		// Unbinding fails every correlation still waiting on this peer with
		// PeerDisconnected; closing discards the outbound queue.
		s.router.UnbindLink(connID)
		conn.close(websocket.StatusNormalClosure, "")
		slog.Info("Peer disconnected", "conn_id", connID, "peer", peer.UniqueID)
	}()

	// Frames buffered during the handshake window are dispatched now, in
	// arrival order.
	for _, data := range buffered {
		s.dispatchFrame(conn, data)
	}

	for {
		_, data, err := sock.Read(conn.ctx)
		if err != nil {
			return
		}
		conn.touch()
		s.dispatchFrame(conn, data)
	}
}

// awaitHandshake reads frames until the handshake arrives or the timer
// expires. Non-handshake frames received early are buffered, not dispatched.
func (s *WSServer) awaitHandshake(parentCtx context.Context, sock *websocket.Conn) (*message.Handshake, [][]byte, error) {
	ctx, cancel := context.WithTimeout(parentCtx, s.cfg.HandshakeTimeout)
	defer cancel()

	var buffered [][]byte
	for {
		_, data, err := sock.Read(ctx)
		if err != nil {
			return nil, nil, message.Errorf(message.HandshakeTimeout,
				"no handshake within %s: %v", s.cfg.HandshakeTimeout, err)
		}
		if !message.IsHandshakeFrame(data) {
			buffered = append(buffered, data)
			continue
		}
		hs, err := message.ParseHandshake(data)
		if err != nil {
			return nil, nil, err
		}
		return hs, buffered, nil
	}
}

func (s *WSServer) dispatchFrame(conn *Conn, data []byte) {
	if message.IsHandshakeFrame(data) {
		// Duplicate handshake after the first (e.g. client reconnect logic
		// misfiring); harmless, ignore.
		return
	}
	env, err := message.Decode(data)
	if err != nil {
		slog.Warn("Dropping malformed frame", "conn_id", conn.id, "error", err)
		return
	}
	s.router.Dispatch(env, conn)
}

// ActiveConnections returns the number of live peers.
func (s *WSServer) ActiveConnections() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

// Shutdown closes every live connection.
func (s *WSServer) Shutdown(_ context.Context) {
	s.mu.Lock()
	conns := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.close(websocket.StatusGoingAway, "server shutting down")
	}
}

// peerContext derives the peer's routing context from its handshake. A peer
// that never announced a uniqueId gets one derived from the session, so it
// stays addressable for the connection's lifetime.
func peerContext(hs *message.Handshake) message.Context {
	env := hs.Environment
	if env == "" {
		env = message.EnvBrowser
	}
	uid := hs.UniqueID
	if uid == "" {
		uid = "session-" + hs.SessionID
	}
	return message.Context{
		UniqueID:    uid,
		Environment: env,
		SessionID:   hs.SessionID,
	}
}
