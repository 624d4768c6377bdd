package transport

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/continuum-dev/jtag/pkg/message"
)

// DefaultWriteTimeout bounds a single WebSocket write.
const DefaultWriteTimeout = 10 * time.Second

// Conn is one live WebSocket link between router shards. The transport owns
// it; the router references it through the Link port only. A single write
// pump drains the bounded outbound queue, which preserves per-pair FIFO
// ordering.
type Conn struct {
	id    string
	peer  message.Context
	sock  *websocket.Conn
	queue *sendQueue

	writeTimeout time.Duration

	mu       sync.RWMutex
	lastSeen time.Time

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func newConn(parent context.Context, id string, peer message.Context, sock *websocket.Conn, queueCap int, writeTimeout time.Duration) *Conn {
	if writeTimeout <= 0 {
		writeTimeout = DefaultWriteTimeout
	}
	ctx, cancel := context.WithCancel(parent)
	return &Conn{
		id:           id,
		peer:         peer,
		sock:         sock,
		queue:        newSendQueue(queueCap),
		writeTimeout: writeTimeout,
		lastSeen:     time.Now(),
		ctx:          ctx,
		cancel:       cancel,
		done:         make(chan struct{}),
	}
}

// ID returns the connection identifier.
func (c *Conn) ID() string { return c.id }

// Peer returns the peer context learned from the handshake.
func (c *Conn) Peer() message.Context { return c.peer }

// QueueDepth returns the outbound queue depth.
func (c *Conn) QueueDepth() int { return c.queue.Depth() }

// Send enqueues one envelope for delivery. Backpressure applies.
func (c *Conn) Send(env *message.Envelope) error {
	return c.queue.Push(env)
}

// LastSeen returns when the peer last produced a frame.
func (c *Conn) LastSeen() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastSeen
}

func (c *Conn) touch() {
	c.mu.Lock()
	c.lastSeen = time.Now()
	c.mu.Unlock()
}

// startWritePump launches the single reader of the outbound queue.
func (c *Conn) startWritePump() {
	go func() {
		defer close(c.done)
		for {
			env, err := c.queue.Pop(c.ctx)
			if err != nil {
				return
			}
			data, err := env.Encode()
			if err != nil {
				slog.Warn("Dropping unencodable envelope",
					"conn_id", c.id, "message_id", env.MessageID, "error", err)
				continue
			}
			writeCtx, cancel := context.WithTimeout(c.ctx, c.writeTimeout)
			err = c.sock.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				slog.Warn("WebSocket write failed",
					"conn_id", c.id, "peer", c.peer.UniqueID, "error", err)
				return
			}
		}
	}()
}

// close tears the connection down: the outbound queue is discarded, the
// pump unblocked, and the socket closed.
func (c *Conn) close(status websocket.StatusCode, reason string) {
	c.queue.Close()
	c.cancel()
	_ = c.sock.Close(status, reason)
	<-c.done
}
