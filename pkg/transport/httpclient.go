package transport

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/continuum-dev/jtag/pkg/message"
)

// DefaultHTTPTimeout bounds a single fallback POST round trip.
const DefaultHTTPTimeout = 60 * time.Second

// HTTPTransport is the degraded fallback: one envelope per POST, with the
// reply envelope in the response body. It cannot deliver events from the
// server to this client and cannot hold long-running requests across the
// network — WebSocket is the primary transport for a reason. Events sent
// from this client are fire-and-forget.
type HTTPTransport struct {
	url    string
	self   message.Context
	client *http.Client

	handlerMu sync.RWMutex
	handler   MessageHandler

	mu     sync.Mutex
	closed bool
}

// NewHTTPTransport creates the HTTP fallback transport.
func NewHTTPTransport(url string, self message.Context) *HTTPTransport {
	return &HTTPTransport{
		url:    url,
		self:   self,
		client: &http.Client{Timeout: DefaultHTTPTimeout},
	}
}

// OnMessage registers the handler that receives reply envelopes.
func (t *HTTPTransport) OnMessage(handler MessageHandler) {
	t.handlerMu.Lock()
	t.handler = handler
	t.handlerMu.Unlock()
}

// Send posts one envelope. Requests deliver their reply envelope to the
// OnMessage handler; events are fire-and-forget.
func (t *HTTPTransport) Send(env *message.Envelope) error {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return message.NewError(message.ClientShutdown, "transport is closed")
	}

	data, err := env.Encode()
	if err != nil {
		return message.Errorf(message.InvalidMessage, "encode envelope: %v", err)
	}

	// The router's waiter resolves when the reply envelope reaches the
	// handler, so the round trip runs off the caller's goroutine.
	go t.post(env, data)
	return nil
}

func (t *HTTPTransport) post(env *message.Envelope, data []byte) {
	resp, err := t.client.Post(t.url, "application/json", bytes.NewReader(data))
	if err != nil {
		slog.Warn("HTTP fallback post failed", "message_id", env.MessageID, "error", err)
		t.failRequest(env, err)
		return
	}
	defer func() { _ = resp.Body.Close() }()

	if env.Kind == message.KindEvent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		slog.Warn("HTTP fallback read failed", "message_id", env.MessageID, "error", err)
		t.failRequest(env, err)
		return
	}
	reply, err := message.Decode(body)
	if err != nil {
		slog.Warn("HTTP fallback returned malformed envelope",
			"message_id", env.MessageID, "status", resp.StatusCode, "error", err)
		t.failRequest(env, err)
		return
	}

	t.deliver(reply)
}

// failRequest resolves the waiting caller with PeerDisconnected instead of
// letting it sit out its whole deadline. Events have no waiter to fail.
func (t *HTTPTransport) failRequest(env *message.Envelope, cause error) {
	if env.Kind != message.KindRequest {
		return
	}
	ferr := message.Errorf(message.PeerDisconnected, "fallback transport failed: %v", cause)
	reply, err := message.NewErrorResponse(env, t.Peer(), ferr)
	if err != nil {
		return
	}
	t.deliver(reply)
}

func (t *HTTPTransport) deliver(reply *message.Envelope) {
	t.handlerMu.RLock()
	handler := t.handler
	t.handlerMu.RUnlock()
	if handler != nil {
		handler(reply)
	}
}

// ID identifies this link in the router's table.
func (t *HTTPTransport) ID() string { return "http-client:" + t.self.SessionID }

// Peer is always the server for the fallback transport.
func (t *HTTPTransport) Peer() message.Context {
	return message.Context{UniqueID: "server", Environment: message.EnvServer}
}

// QueueDepth is always zero: the fallback has no outbound queue.
func (t *HTTPTransport) QueueDepth() int { return 0 }

// IsConnected is true until Disconnect; the transport is stateless.
func (t *HTTPTransport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.closed
}

// Reconnect is a no-op for the stateless transport.
func (t *HTTPTransport) Reconnect(_ context.Context) error { return nil }

// Disconnect marks the transport closed; in-flight posts finish on their
// own.
func (t *HTTPTransport) Disconnect(_ context.Context) error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return nil
}
