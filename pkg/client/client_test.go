package client

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/continuum-dev/jtag/pkg/message"
	"github.com/continuum-dev/jtag/pkg/router"
	"github.com/continuum-dev/jtag/pkg/transport"
)

var serverCtx = message.Context{UniqueID: "server", Environment: message.EnvServer}

// startServer brings up a full server-side stack: router, WebSocket
// transport, and an HTTP listener with /ws.
func startServer(t *testing.T) (*router.Router, string) {
	t.Helper()

	r := router.New(serverCtx, router.Options{})
	r.Start()
	t.Cleanup(r.Stop)

	ws := transport.NewWSServer(r, serverCtx, transport.ServerConfig{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		sock, err := websocket.Accept(w, req, nil)
		if err != nil {
			return
		}
		ws.HandleConnection(req.Context(), sock)
	}))
	t.Cleanup(srv.Close)

	return r, "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func connect(t *testing.T, url string) *Client {
	t.Helper()
	c, err := Connect(context.Background(), Options{ServerURL: url})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Disconnect(context.Background()) })
	return c
}

func TestClient_CallRoundTrip(t *testing.T) {
	r, url := startServer(t)
	_, err := r.Register("math/add", serverCtx,
		func(_ context.Context, env *message.Envelope) (any, error) {
			params, err := env.PayloadMap()
			if err != nil {
				return nil, err
			}
			return map[string]any{"sum": params["a"].(float64) + params["b"].(float64)}, nil
		}, router.Terminal)
	require.NoError(t, err)

	c := connect(t, url)
	result, err := c.Call(context.Background(), "math/add", map[string]any{"a": 2, "b": 3})
	require.NoError(t, err)
	assert.Equal(t, float64(5), result["sum"])
}

func TestClient_CallSurfacesRemoteError(t *testing.T) {
	r, url := startServer(t)
	_, err := r.Register("always/fails", serverCtx,
		func(_ context.Context, _ *message.Envelope) (any, error) {
			return nil, message.NewError(message.InvalidMessage, "selector is required")
		}, router.Terminal)
	require.NoError(t, err)

	c := connect(t, url)
	_, err = c.Call(context.Background(), "always/fails", nil)
	require.Error(t, err)
	assert.Equal(t, message.InvalidMessage, message.KindOf(err))
	assert.Contains(t, err.Error(), "selector is required")
}

func TestClient_CallUnknownEndpoint(t *testing.T) {
	_, url := startServer(t)
	c := connect(t, url)

	_, err := c.Call(context.Background(), "no/such/command", nil)
	require.Error(t, err)
	assert.Equal(t, message.NoHandler, message.KindOf(err))
}

func TestClient_HandleServesRemoteCalls(t *testing.T) {
	r, url := startServer(t)
	c := connect(t, url)

	_, err := c.Handle("dom/query", func(_ context.Context, env *message.Envelope) (any, error) {
		params, _ := env.PayloadMap()
		return map[string]any{"found": params["selector"] == "#app"}, nil
	})
	require.NoError(t, err)

	// Server-originated request routed out to the connected client.
	req, err := message.NewRequest("dom/query", serverCtx, message.TargetAny,
		map[string]any{"selector": "#app"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := r.Post(ctx, req)
	require.NoError(t, err)

	result, err := message.UnwrapResult(resp.Payload)
	require.NoError(t, err)
	assert.Equal(t, true, result["found"])
}

func TestClient_SubscribeReceivesServerEvents(t *testing.T) {
	r, url := startServer(t)
	c := connect(t, url)

	events := make(chan *message.Envelope, 1)
	unsub, err := c.Subscribe("build/progress", func(env *message.Envelope) { events <- env })
	require.NoError(t, err)
	defer unsub()

	// Give the server a beat to bind the client's link before fanning out.
	assert.Eventually(t, c.IsConnected, 2*time.Second, 10*time.Millisecond)

	ev, err := message.NewEvent("build/progress", serverCtx, message.TargetAny,
		map[string]any{"pct": 40})
	require.NoError(t, err)
	_, err = r.Post(context.Background(), ev)
	require.NoError(t, err)

	select {
	case got := <-events:
		params, _ := got.PayloadMap()
		assert.Equal(t, float64(40), params["pct"])
	case <-time.After(5 * time.Second):
		t.Fatal("subscription never fired")
	}
}

func TestClient_CallTimeoutCancelsRemoteHandler(t *testing.T) {
	r, url := startServer(t)
	cancelled := make(chan struct{})
	_, err := r.Register("slow/op", serverCtx,
		func(ctx context.Context, _ *message.Envelope) (any, error) {
			select {
			case <-time.After(30 * time.Second):
				return nil, nil
			case <-ctx.Done():
				close(cancelled)
				return nil, ctx.Err()
			}
		}, router.Terminal)
	require.NoError(t, err)

	c := connect(t, url)
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	_, err = c.Call(ctx, "slow/op", nil)
	require.Error(t, err)
	assert.Equal(t, message.Timeout, message.KindOf(err))

	// The abandoned call interrupts the server-side handler instead of
	// letting it run to completion.
	select {
	case <-cancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("remote handler was never cancelled")
	}
}

func TestClient_DisconnectFailsInFlightCalls(t *testing.T) {
	r, url := startServer(t)
	_, err := r.Register("slow/op", serverCtx,
		func(ctx context.Context, _ *message.Envelope) (any, error) {
			select {
			case <-time.After(30 * time.Second):
				return nil, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}, router.Terminal)
	require.NoError(t, err)

	c, err := Connect(context.Background(), Options{ServerURL: url, DrainTimeout: 100 * time.Millisecond})
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Call(context.Background(), "slow/op", nil)
		errCh <- err
	}()

	// Let the call get in flight, then tear down.
	time.Sleep(200 * time.Millisecond)
	require.NoError(t, c.Disconnect(context.Background()))

	select {
	case err := <-errCh:
		require.Error(t, err)
		assert.Equal(t, message.ClientShutdown, message.KindOf(err))
	case <-time.After(5 * time.Second):
		t.Fatal("in-flight call never failed")
	}
}

func TestClient_HTTPFallbackWhenDialFails(t *testing.T) {
	// Fallback endpoint speaking the envelope-per-POST contract.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		body, err := io.ReadAll(req.Body)
		require.NoError(t, err)
		env, err := message.Decode(body)
		require.NoError(t, err)
		resp, err := message.NewResponse(env, serverCtx, map[string]any{"pong": true})
		require.NoError(t, err)
		data, _ := resp.Encode()
		_, _ = w.Write(data)
	}))
	t.Cleanup(srv.Close)

	c, err := Connect(context.Background(), Options{
		ServerURL:      "ws://127.0.0.1:1/ws", // nothing listens here
		FallbackURL:    srv.URL,
		EnableFallback: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Disconnect(context.Background()) })

	result, err := c.Call(context.Background(), "system/ping", nil)
	require.NoError(t, err)
	assert.Equal(t, true, result["pong"])
}

func TestCallDeadlineClamping(t *testing.T) {
	// No deadline: the default budget applies.
	ctx, cancel := callDeadline(context.Background())
	defer cancel()
	deadline, ok := ctx.Deadline()
	require.True(t, ok)
	assert.InDelta(t, DefaultRequestTimeout.Seconds(), time.Until(deadline).Seconds(), 1)

	// Oversized deadline: clamped to the maximum.
	huge, hugeCancel := context.WithTimeout(context.Background(), time.Hour)
	defer hugeCancel()
	ctx2, cancel2 := callDeadline(huge)
	defer cancel2()
	deadline2, ok := ctx2.Deadline()
	require.True(t, ok)
	assert.LessOrEqual(t, time.Until(deadline2), MaxRequestTimeout)
}
