package transport

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/coder/websocket"

	"github.com/continuum-dev/jtag/pkg/message"
)

// Reconnect backoff bounds: truncated exponential, unbounded attempts.
const (
	ReconnectInitialInterval = 500 * time.Millisecond
	ReconnectMaxInterval     = 30 * time.Second
)

// ReplaySource supplies the in-flight requests to resend after a reconnect.
// The router's pending-correlation snapshot implements it; requests whose
// deadlines already fired are no longer in the snapshot.
type ReplaySource interface {
	PendingRequests() []*message.Envelope
}

// ClientConfig tunes the WebSocket client transport.
type ClientConfig struct {
	WriteTimeout  time.Duration
	QueueCapacity int
	// AutoReconnect re-dials on unexpected close. Disabled in tests that
	// assert disconnect behavior.
	AutoReconnect bool
}

// WSClient is the client-side WebSocket transport. It dials the server,
// performs the session handshake, and keeps the link alive across
// unexpected closes with truncated exponential backoff. The outbound queue
// survives reconnects; live in-flight requests are resent with their
// original messageIds (the server's dedup window prevents double
// execution).
type WSClient struct {
	url    string
	self   message.Context
	cfg    ClientConfig
	replay ReplaySource

	handlerMu sync.RWMutex
	handler   MessageHandler

	mu        sync.Mutex
	sock      *websocket.Conn
	connected bool
	closed    bool

	queue *sendQueue

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWSClient creates a WebSocket client transport. self carries the
// process-stable sessionId and the restart-stable uniqueId.
func NewWSClient(url string, self message.Context, replay ReplaySource, cfg ClientConfig) *WSClient {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &WSClient{
		url:    url,
		self:   self,
		cfg:    cfg,
		replay: replay,
		queue:  newSendQueue(cfg.QueueCapacity),
		ctx:    ctx,
		cancel: cancel,
	}
}

// OnMessage registers the inbound envelope handler. Set before Connect.
func (c *WSClient) OnMessage(handler MessageHandler) {
	c.handlerMu.Lock()
	c.handler = handler
	c.handlerMu.Unlock()
}

// Connect dials the server and sends the handshake. On success the
// supervisor goroutine owns the connection until Disconnect.
func (c *WSClient) Connect(ctx context.Context) error {
	sock, err := c.dial(ctx)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.sock = sock
	c.connected = true
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.supervise(sock)
	}()
	return nil
}

// dial opens the socket and immediately sends the handshake frame.
func (c *WSClient) dial(ctx context.Context) (*websocket.Conn, error) {
	sock, _, err := websocket.Dial(ctx, c.url, nil)
	if err != nil {
		return nil, message.Errorf(message.PeerDisconnected, "dial %s: %v", c.url, err)
	}

	hs := message.Handshake{
		Kind:        message.KindHandshake,
		SessionID:   c.self.SessionID,
		UniqueID:    c.self.UniqueID,
		Environment: c.self.Environment,
	}
	data, _ := json.Marshal(hs)
	writeCtx, cancel := context.WithTimeout(ctx, c.cfg.WriteTimeout)
	defer cancel()
	if err := sock.Write(writeCtx, websocket.MessageText, data); err != nil {
		_ = sock.CloseNow()
		return nil, message.Errorf(message.PeerDisconnected, "handshake write: %v", err)
	}
	return sock, nil
}

// supervise runs one connected session at a time, re-dialing between them
// while AutoReconnect holds.
func (c *WSClient) supervise(sock *websocket.Conn) {
	for {
		c.runSession(sock)

		c.mu.Lock()
		c.connected = false
		closed := c.closed
		c.mu.Unlock()
		if closed || !c.cfg.AutoReconnect {
			return
		}

		next, err := c.redial()
		if err != nil {
			return
		}
		sock = next
		c.mu.Lock()
		c.sock = sock
		c.connected = true
		c.mu.Unlock()

		c.resendPending()
	}
}

// runSession pumps the shared outbound queue into the socket and feeds
// inbound frames to the handler. Returns when the socket dies.
func (c *WSClient) runSession(sock *websocket.Conn) {
	sessCtx, sessCancel := context.WithCancel(c.ctx)
	defer sessCancel()

	go func() {
		for {
			env, err := c.queue.Pop(sessCtx)
			if err != nil {
				return
			}
			data, err := env.Encode()
			if err != nil {
				slog.Warn("Dropping unencodable envelope", "message_id", env.MessageID, "error", err)
				continue
			}
			writeCtx, cancel := context.WithTimeout(sessCtx, c.cfg.WriteTimeout)
			err = sock.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				sessCancel() // take the read loop down with us
				return
			}
		}
	}()

	for {
		_, data, err := sock.Read(sessCtx)
		if err != nil {
			return
		}
		env, err := message.Decode(data)
		if err != nil {
			slog.Warn("Dropping malformed frame from server", "error", err)
			continue
		}
		c.handlerMu.RLock()
		handler := c.handler
		c.handlerMu.RUnlock()
		if handler != nil {
			handler(env)
		}
	}
}

// redial retries the dial with truncated exponential backoff until it
// succeeds or the client is closed. Attempts are unbounded.
func (c *WSClient) redial() (*websocket.Conn, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = ReconnectInitialInterval
	bo.MaxInterval = ReconnectMaxInterval
	bo.MaxElapsedTime = 0
	bo.Reset()

	for attempt := 1; ; attempt++ {
		wait := bo.NextBackOff()
		select {
		case <-c.ctx.Done():
			return nil, c.ctx.Err()
		case <-time.After(wait):
		}

		dialCtx, cancel := context.WithTimeout(c.ctx, 10*time.Second)
		sock, err := c.dial(dialCtx)
		cancel()
		if err == nil {
			slog.Info("Reconnected to server", "url", c.url, "attempts", attempt)
			return sock, nil
		}
		slog.Debug("Reconnect attempt failed", "attempt", attempt, "error", err)
	}
}

// resendPending replays live in-flight requests after a reconnect, keeping
// their original messageIds. Idempotence belongs to the handler; the
// server-side dedup window suppresses double execution.
func (c *WSClient) resendPending() {
	if c.replay == nil {
		return
	}
	pending := c.replay.PendingRequests()
	for _, env := range pending {
		if err := c.queue.Push(env); err != nil {
			slog.Warn("Failed to replay request", "message_id", env.MessageID, "error", err)
		}
	}
	if len(pending) > 0 {
		slog.Info("Replayed in-flight requests after reconnect", "count", len(pending))
	}
}

// Send enqueues one envelope. Implements both the transport port and the
// router's Link port.
func (c *WSClient) Send(env *message.Envelope) error {
	return c.queue.Push(env)
}

// ID identifies this link in the router's table.
func (c *WSClient) ID() string { return "ws-client:" + c.self.SessionID }

// Peer is the server-side context; the server never handshakes back, so
// the environment is all the router needs for targeting.
func (c *WSClient) Peer() message.Context {
	return message.Context{UniqueID: "server", Environment: message.EnvServer}
}

// QueueDepth returns the outbound queue depth.
func (c *WSClient) QueueDepth() int { return c.queue.Depth() }

// IsConnected reports whether a live socket exists right now.
func (c *WSClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Reconnect forces a re-dial by killing the current socket; the supervisor
// handles the rest. No-op while disconnected (the supervisor is already
// re-dialing).
func (c *WSClient) Reconnect(_ context.Context) error {
	c.mu.Lock()
	sock := c.sock
	connected := c.connected
	c.mu.Unlock()
	if connected && sock != nil {
		_ = sock.CloseNow()
	}
	return nil
}

// Disconnect permanently closes the transport. Queued envelopes are
// discarded.
func (c *WSClient) Disconnect(_ context.Context) error {
	c.mu.Lock()
	c.closed = true
	sock := c.sock
	c.mu.Unlock()

	c.cancel()
	c.queue.Close()
	if sock != nil {
		_ = sock.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	c.wg.Wait()
	return nil
}
