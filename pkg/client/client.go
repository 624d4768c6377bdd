// Package client is the façade every fabric participant uses: connect once,
// then call commands, emit events, and subscribe to endpoints without touching
// envelopes, correlation, or transports.
package client

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/continuum-dev/jtag/pkg/message"
	"github.com/continuum-dev/jtag/pkg/router"
	"github.com/continuum-dev/jtag/pkg/transport"
)

// Request timeout bounds. Callers may shorten below the default through ctx;
// anything beyond the max is clamped.
const (
	DefaultRequestTimeout = 30 * time.Second
	MaxRequestTimeout     = 10 * time.Minute
)

// DefaultDrainTimeout bounds how long Disconnect waits for in-flight calls.
const DefaultDrainTimeout = 2 * time.Second

// TransportType selects how the client reaches the server.
type TransportType string

const (
	TransportWebSocket TransportType = "websocket"
	TransportHTTP      TransportType = "http"
)

// Options configure a client connection.
type Options struct {
	// ServerURL is the WebSocket endpoint (ws://host:port/ws).
	ServerURL string
	// FallbackURL is the HTTP envelope endpoint used when the WebSocket
	// dial fails and EnableFallback is set, or when Transport is http.
	FallbackURL string
	// Transport picks the primary transport; default websocket.
	Transport TransportType
	// EnableFallback degrades to HTTP when the WebSocket dial fails.
	EnableFallback bool

	// UniqueID is the restart-stable identity; generated when empty.
	UniqueID string
	// SessionID scopes one connection lifetime; generated when empty.
	SessionID string
	// Environment tags where this client runs; default remote.
	Environment message.Environment
	// TargetEnvironment is the default routing target for calls; default server.
	TargetEnvironment message.Target

	DrainTimeout  time.Duration
	QueueCapacity int
}

func (o Options) withDefaults() Options {
	if o.Transport == "" {
		o.Transport = TransportWebSocket
	}
	if o.UniqueID == "" {
		o.UniqueID = "client-" + uuid.New().String()
	}
	if o.SessionID == "" {
		o.SessionID = uuid.New().String()
	}
	if o.Environment == "" {
		o.Environment = message.EnvRemote
	}
	if o.TargetEnvironment == "" {
		o.TargetEnvironment = message.TargetServer
	}
	if o.DrainTimeout <= 0 {
		o.DrainTimeout = DefaultDrainTimeout
	}
	return o
}

// link is the intersection of the transport port and the router's Link port
// that both concrete transports satisfy.
type link interface {
	transport.Transport
	router.Link
}

// Client is one connected fabric participant.
type Client struct {
	opts   Options
	self   message.Context
	router *router.Router
	link   link
}

// Connect establishes a fabric connection. The WebSocket transport is
// primary; with EnableFallback set a failed dial degrades to HTTP.
func Connect(ctx context.Context, opts Options) (*Client, error) {
	opts = opts.withDefaults()
	self := message.Context{
		UniqueID:    opts.UniqueID,
		Environment: opts.Environment,
		SessionID:   opts.SessionID,
	}

	c := &Client{
		opts:   opts,
		self:   self,
		router: router.New(self, router.Options{}),
	}
	c.router.Start()

	if err := c.attachTransport(ctx); err != nil {
		c.router.Stop()
		return nil, err
	}
	return c, nil
}

func (c *Client) attachTransport(ctx context.Context) error {
	if c.opts.Transport == TransportHTTP {
		c.attachHTTP()
		return nil
	}

	ws := transport.NewWSClient(c.opts.ServerURL, c.self, c.router, transport.ClientConfig{
		AutoReconnect: true,
		QueueCapacity: c.opts.QueueCapacity,
	})
	ws.OnMessage(func(env *message.Envelope) { c.router.Dispatch(env, ws) })
	if err := ws.Connect(ctx); err != nil {
		if c.opts.EnableFallback && c.opts.FallbackURL != "" {
			slog.Warn("WebSocket dial failed; degrading to HTTP fallback", "error", err)
			c.attachHTTP()
			return nil
		}
		return err
	}
	c.link = ws
	c.router.BindLink(ws)
	return nil
}

func (c *Client) attachHTTP() {
	ht := transport.NewHTTPTransport(c.opts.FallbackURL, c.self)
	ht.OnMessage(func(env *message.Envelope) { c.router.Dispatch(env, ht) })
	c.link = ht
	c.router.BindLink(ht)
}

// Context returns the client's identity context.
func (c *Client) Context() message.Context { return c.self }

// IsConnected reports whether the underlying transport is live.
func (c *Client) IsConnected() bool { return c.link.IsConnected() }

// callDeadline clamps the caller's budget into [0, MaxRequestTimeout],
// defaulting to DefaultRequestTimeout when ctx has no deadline.
func callDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if deadline, ok := ctx.Deadline(); ok {
		if time.Until(deadline) > MaxRequestTimeout {
			return context.WithTimeout(ctx, MaxRequestTimeout)
		}
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, DefaultRequestTimeout)
}

// Call invokes a command and returns its unwrapped result. Errors carried in
// the response payload surface as fabric errors, exactly as local failures do.
func (c *Client) Call(ctx context.Context, endpoint string, params map[string]any) (map[string]any, error) {
	req, err := message.NewRequest(endpoint, c.self, c.opts.TargetEnvironment, params)
	if err != nil {
		return nil, err
	}

	callCtx, cancel := callDeadline(ctx)
	defer cancel()

	resp, err := c.router.Post(callCtx, req)
	if err != nil {
		return nil, err
	}
	if ferr := message.DecodeErrorPayload(resp.Payload); ferr != nil {
		return nil, ferr
	}
	return message.UnwrapResult(resp.Payload)
}

// Emit publishes an event. Fire-and-forget: delivery is best-effort fan-out.
func (c *Client) Emit(endpoint string, params map[string]any) error {
	ev, err := message.NewEvent(endpoint, c.self, c.opts.TargetEnvironment, params)
	if err != nil {
		return err
	}
	_, err = c.router.Post(context.Background(), ev)
	return err
}

// Cancel requests best-effort cancellation of an in-flight command by its
// request messageId.
func (c *Client) Cancel(messageID string) error {
	ev, err := message.NewEvent(router.CancelEndpoint, c.self, c.opts.TargetEnvironment,
		map[string]any{"correlationId": messageID})
	if err != nil {
		return err
	}
	_, err = c.router.Post(context.Background(), ev)
	return err
}

// Handle binds a terminal handler for an endpoint on this client, making it
// callable by remote peers. The result is marshaled into the response.
func (c *Client) Handle(endpoint string, handler router.Handler) (*router.Subscription, error) {
	return c.router.Register(endpoint, c.self, handler, router.Terminal)
}

// Subscribe registers an exact-match observer for an endpoint. The returned
// function unsubscribes.
func (c *Client) Subscribe(endpoint string, fn func(*message.Envelope)) (func(), error) {
	sub, err := c.router.Register(endpoint, c.self,
		func(_ context.Context, env *message.Envelope) (any, error) {
			fn(env)
			return nil, nil
		}, router.Observer)
	if err != nil {
		return nil, err
	}
	return func() { c.router.Unregister(sub) }, nil
}

// Disconnect drains in-flight calls within the drain window, fails whatever
// remains with ClientShutdown, and tears down the transport.
func (c *Client) Disconnect(ctx context.Context) error {
	drainCtx, cancel := context.WithTimeout(ctx, c.opts.DrainTimeout)
	defer cancel()
	c.router.Drain(drainCtx)
	c.router.FailAllPending(message.NewError(message.ClientShutdown, "client disconnecting"))

	err := c.link.Disconnect(ctx)
	c.router.Stop()
	return err
}
