package router

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/continuum-dev/jtag/pkg/message"
)

func serverCtx() message.Context {
	return message.Context{UniqueID: "server-1", Environment: message.EnvServer}
}

func browserCtx(uid string) message.Context {
	return message.Context{UniqueID: uid, Environment: message.EnvBrowser, SessionID: "sess-" + uid}
}

// fakeLink records sent envelopes and reports a configurable queue depth.
type fakeLink struct {
	id    string
	peer  message.Context
	depth int
	fail  *message.Error

	mu   sync.Mutex
	sent []*message.Envelope
}

func newFakeLink(id string, peer message.Context) *fakeLink {
	return &fakeLink{id: id, peer: peer}
}

func (l *fakeLink) ID() string            { return l.id }
func (l *fakeLink) Peer() message.Context { return l.peer }
func (l *fakeLink) QueueDepth() int       { return l.depth }

func (l *fakeLink) Send(env *message.Envelope) error {
	if l.fail != nil {
		return l.fail
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sent = append(l.sent, env)
	return nil
}

func (l *fakeLink) sentCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.sent)
}

func (l *fakeLink) lastSent() *message.Envelope {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.sent) == 0 {
		return nil
	}
	return l.sent[len(l.sent)-1]
}

func newTestRouter(t *testing.T) *Router {
	t.Helper()
	r := New(serverCtx(), Options{})
	r.Start()
	t.Cleanup(r.Stop)
	return r
}

func TestRegister_TerminalUniqueness(t *testing.T) {
	r := newTestRouter(t)
	echo := func(_ context.Context, env *message.Envelope) (any, error) {
		return env.PayloadMap()
	}

	sub, err := r.Register("data/list", serverCtx(), echo, Terminal)
	require.NoError(t, err)

	_, err = r.Register("data/list", serverCtx(), echo, Terminal)
	require.Error(t, err)
	assert.Equal(t, message.EndpointTaken, message.KindOf(err))

	// Observers are unlimited.
	_, err = r.Register("data/list", serverCtx(), echo, Observer)
	require.NoError(t, err)

	// After unregistering, the endpoint is free again.
	r.Unregister(sub)
	r.Unregister(sub) // idempotent
	_, err = r.Register("data/list", serverCtx(), echo, Terminal)
	require.NoError(t, err)
}

func TestEnumerate(t *testing.T) {
	r := newTestRouter(t)
	h := func(_ context.Context, _ *message.Envelope) (any, error) { return nil, nil }

	_, err := r.Register("system/ping", serverCtx(), h, Terminal)
	require.NoError(t, err)
	_, err = r.Register("chat/message", serverCtx(), h, Observer)
	require.NoError(t, err)
	_, err = r.Register("chat/message", serverCtx(), h, Observer)
	require.NoError(t, err)

	infos := r.Enumerate()
	byEndpoint := make(map[string]EndpointInfo)
	for _, info := range infos {
		byEndpoint[info.Endpoint] = info
	}
	assert.True(t, byEndpoint["system/ping"].Terminal)
	assert.Equal(t, 2, byEndpoint["chat/message"].Observers)
}

func TestPost_RoundTripIdentity(t *testing.T) {
	r := newTestRouter(t)
	_, err := r.Register("system/ping", serverCtx(), func(_ context.Context, env *message.Envelope) (any, error) {
		params, _ := env.PayloadMap()
		return map[string]any{"pong": params["nonce"]}, nil
	}, Terminal)
	require.NoError(t, err)

	req, err := message.NewRequest("system/ping", browserCtx("b1"), message.TargetServer, map[string]any{"nonce": "X"})
	require.NoError(t, err)

	resp, err := r.Post(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, req.MessageID, resp.CorrelationID)

	result, err := message.UnwrapResult(resp.Payload)
	require.NoError(t, err)
	assert.Equal(t, "X", result["pong"])
}

func TestPost_HandlerErrorBecomesRemoteError(t *testing.T) {
	r := newTestRouter(t)
	_, err := r.Register("data/fail", serverCtx(), func(_ context.Context, _ *message.Envelope) (any, error) {
		return nil, assert.AnError
	}, Terminal)
	require.NoError(t, err)

	req, err := message.NewRequest("data/fail", browserCtx("b1"), message.TargetServer, nil)
	require.NoError(t, err)

	resp, err := r.Post(context.Background(), req)
	require.NoError(t, err)
	ferr := message.DecodeErrorPayload(resp.Payload)
	require.NotNil(t, ferr)
	assert.Equal(t, message.RemoteError, ferr.Kind)
}

func TestPost_NoHandler(t *testing.T) {
	r := newTestRouter(t)
	req, err := message.NewRequest("ghost/none", browserCtx("b1"), message.TargetServer, nil)
	require.NoError(t, err)

	_, err = r.Post(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, message.NoHandler, message.KindOf(err))
}

func TestPost_DedupJoinsInflightRequest(t *testing.T) {
	r := newTestRouter(t)
	var invocations atomic.Int32
	release := make(chan struct{})

	_, err := r.Register("system/ping", serverCtx(), func(_ context.Context, _ *message.Envelope) (any, error) {
		invocations.Add(1)
		<-release
		return map[string]any{"pong": true}, nil
	}, Terminal)
	require.NoError(t, err)

	origin := browserCtx("b1")
	first, err := message.NewRequest("system/ping", origin, message.TargetServer, map[string]any{"nonce": "X"})
	require.NoError(t, err)
	second, err := message.NewRequest("system/ping", origin, message.TargetServer, map[string]any{"nonce": "X"})
	require.NoError(t, err)
	require.Equal(t, first.Hash, second.Hash)

	type outcome struct {
		resp *message.Envelope
		err  error
	}
	results := make(chan outcome, 2)
	post := func(req *message.Envelope) {
		resp, err := r.Post(context.Background(), req)
		results <- outcome{resp, err}
	}
	go post(first)
	time.Sleep(50 * time.Millisecond) // let the first arrival claim the entry
	go post(second)
	time.Sleep(50 * time.Millisecond)
	close(release)

	for i := 0; i < 2; i++ {
		out := <-results
		require.NoError(t, out.err)
		result, err := message.UnwrapResult(out.resp.Payload)
		require.NoError(t, err)
		assert.Equal(t, true, result["pong"])
	}
	assert.Equal(t, int32(1), invocations.Load())
}

func TestPostEvent_DedupDropsDuplicate(t *testing.T) {
	r := newTestRouter(t)
	var fired atomic.Int32
	_, err := r.Register("chat/message", serverCtx(), func(_ context.Context, _ *message.Envelope) (any, error) {
		fired.Add(1)
		return nil, nil
	}, Observer)
	require.NoError(t, err)

	origin := browserCtx("b1")
	evt1, err := message.NewEvent("chat/message", origin, message.TargetAny, map[string]any{"text": "hi"})
	require.NoError(t, err)
	evt2, err := message.NewEvent("chat/message", origin, message.TargetAny, map[string]any{"text": "hi"})
	require.NoError(t, err)

	_, err = r.Post(context.Background(), evt1)
	require.NoError(t, err)
	_, err = r.Post(context.Background(), evt2)
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return fired.Load() == 1 }, time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), fired.Load())
}

func TestPost_ForwardsToMatchingLink(t *testing.T) {
	r := newTestRouter(t)
	link := newFakeLink("conn-1", browserCtx("b1"))
	r.BindLink(link)

	req, err := message.NewRequest("widget/render", serverCtx(), message.TargetBrowser, map[string]any{"id": 7})
	require.NoError(t, err)

	done := make(chan *message.Envelope, 1)
	go func() {
		resp, postErr := r.Post(context.Background(), req)
		require.NoError(t, postErr)
		done <- resp
	}()

	// Wait until the request hits the link, then feed the response back.
	require.Eventually(t, func() bool { return link.sentCount() == 1 }, time.Second, 10*time.Millisecond)
	forwarded := link.lastSent()
	assert.Equal(t, req.MessageID, forwarded.MessageID)

	resp, err := message.NewResponse(forwarded, browserCtx("b1"), map[string]any{"rendered": true})
	require.NoError(t, err)
	r.Dispatch(resp, link)

	got := <-done
	assert.Equal(t, req.MessageID, got.CorrelationID)
}

func TestPost_TimeoutOnSilentPeer(t *testing.T) {
	r := newTestRouter(t)
	r.BindLink(newFakeLink("conn-1", browserCtx("b1")))

	req, err := message.NewRequest("widget/render", serverCtx(), message.TargetBrowser, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = r.Post(ctx, req)
	require.Error(t, err)
	assert.Equal(t, message.Timeout, message.KindOf(err))

	// Invariant: no correlation record survives the timeout.
	assert.Empty(t, r.PendingRequests())
}

func TestPost_TimeoutNotifiesPeerCancel(t *testing.T) {
	r := newTestRouter(t)
	link := newFakeLink("conn-1", browserCtx("b1"))
	r.BindLink(link)

	req, err := message.NewRequest("widget/render", serverCtx(), message.TargetBrowser, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = r.Post(ctx, req)
	require.Error(t, err)
	assert.Equal(t, message.Timeout, message.KindOf(err))

	// The abandoned request is followed by a cancel event so the peer's
	// handler can stop early.
	require.Eventually(t, func() bool { return link.sentCount() == 2 }, time.Second, 10*time.Millisecond)
	cancelEvt := link.lastSent()
	assert.Equal(t, message.KindEvent, cancelEvt.Kind)
	assert.Equal(t, CancelEndpoint, cancelEvt.Endpoint)
	payload, err := cancelEvt.PayloadMap()
	require.NoError(t, err)
	assert.Equal(t, req.MessageID, payload["correlationId"])
}

func TestPost_CallerCancelNotifiesPeer(t *testing.T) {
	r := newTestRouter(t)
	link := newFakeLink("conn-1", browserCtx("b1"))
	r.BindLink(link)

	req, err := message.NewRequest("widget/render", serverCtx(), message.TargetBrowser, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, postErr := r.Post(ctx, req)
		errCh <- postErr
	}()
	require.Eventually(t, func() bool { return link.sentCount() == 1 }, time.Second, 10*time.Millisecond)
	cancel()

	err = <-errCh
	require.Error(t, err)
	assert.Equal(t, message.Cancelled, message.KindOf(err))
	require.Eventually(t, func() bool { return link.sentCount() == 2 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, CancelEndpoint, link.lastSent().Endpoint)
}

func TestFailPeer_ResolvesWaitersWithPeerDisconnected(t *testing.T) {
	r := newTestRouter(t)
	link := newFakeLink("conn-1", browserCtx("b1"))
	r.BindLink(link)

	req, err := message.NewRequest("widget/render", serverCtx(), message.TargetBrowser, nil)
	require.NoError(t, err)

	done := make(chan *message.Envelope, 1)
	go func() {
		resp, postErr := r.Post(context.Background(), req)
		require.NoError(t, postErr)
		done <- resp
	}()
	require.Eventually(t, func() bool { return link.sentCount() == 1 }, time.Second, 10*time.Millisecond)

	r.UnbindLink("conn-1")

	resp := <-done
	ferr := message.DecodeErrorPayload(resp.Payload)
	require.NotNil(t, ferr)
	assert.Equal(t, message.PeerDisconnected, ferr.Kind)
	assert.Empty(t, r.PendingRequests())
}

func TestSelectLink_PrefersShallowQueue(t *testing.T) {
	r := newTestRouter(t)
	deep := newFakeLink("conn-deep", browserCtx("b1"))
	deep.depth = 5
	shallow := newFakeLink("conn-shallow", browserCtx("b2"))
	r.BindLink(deep)
	r.BindLink(shallow)

	req, err := message.NewRequest("widget/render", serverCtx(), message.TargetBrowser, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, _ = r.Post(ctx, req)

	assert.Equal(t, 1, shallow.sentCount())
	assert.Equal(t, 0, deep.sentCount())
}

func TestEventFanOut_AllMatchingLinks(t *testing.T) {
	r := newTestRouter(t)
	b1 := newFakeLink("conn-1", browserCtx("b1"))
	b2 := newFakeLink("conn-2", browserCtx("b2"))
	r.BindLink(b1)
	r.BindLink(b2)

	evt, err := message.NewEvent("chat/message", serverCtx(), message.TargetAny, map[string]any{"text": "hello"})
	require.NoError(t, err)
	_, err = r.Post(context.Background(), evt)
	require.NoError(t, err)

	require.Equal(t, 1, b1.sentCount())
	require.Equal(t, 1, b2.sentCount())
	// Identical messageId on every fan-out copy.
	assert.Equal(t, b1.lastSent().MessageID, b2.lastSent().MessageID)
}

func TestEventFanOut_ExcludesSourceLink(t *testing.T) {
	r := newTestRouter(t)
	source := newFakeLink("conn-src", browserCtx("b1"))
	other := newFakeLink("conn-other", browserCtx("b2"))
	r.BindLink(source)
	r.BindLink(other)

	evt, err := message.NewEvent("chat/message", browserCtx("b1"), message.TargetAny, map[string]any{"text": "hi"})
	require.NoError(t, err)
	r.Dispatch(evt, source)

	assert.Eventually(t, func() bool { return other.sentCount() == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, source.sentCount())
}

func TestDispatch_RemoteRequestRepliesOverSameLink(t *testing.T) {
	r := newTestRouter(t)
	_, err := r.Register("system/ping", serverCtx(), func(_ context.Context, _ *message.Envelope) (any, error) {
		return map[string]any{"pong": true}, nil
	}, Terminal)
	require.NoError(t, err)

	link := newFakeLink("conn-1", browserCtx("b1"))
	r.BindLink(link)

	req, err := message.NewRequest("system/ping", browserCtx("b1"), message.TargetServer, nil)
	require.NoError(t, err)
	r.Dispatch(req, link)

	require.Eventually(t, func() bool { return link.sentCount() == 1 }, time.Second, 10*time.Millisecond)
	resp := link.lastSent()
	assert.Equal(t, message.KindResponse, resp.Kind)
	assert.Equal(t, req.MessageID, resp.CorrelationID)
}

func TestDispatch_ReplayedRequestExecutesOnce(t *testing.T) {
	r := newTestRouter(t)
	var invocations atomic.Int32
	_, err := r.Register("data/create", serverCtx(), func(_ context.Context, _ *message.Envelope) (any, error) {
		invocations.Add(1)
		return map[string]any{"created": true}, nil
	}, Terminal)
	require.NoError(t, err)

	link := newFakeLink("conn-1", browserCtx("b1"))
	r.BindLink(link)

	req, err := message.NewRequest("data/create", browserCtx("b1"), message.TargetServer, map[string]any{"name": "a"})
	require.NoError(t, err)

	// Same envelope dispatched twice — a reconnect replay.
	r.Dispatch(req, link)
	r.Dispatch(req, link)

	require.Eventually(t, func() bool { return link.sentCount() == 2 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(1), invocations.Load())
	for _, resp := range []*message.Envelope{link.sent[0], link.sent[1]} {
		assert.Equal(t, req.MessageID, resp.CorrelationID)
	}
}

func TestDispatch_ResponsesPreserveRequestOrderPerPair(t *testing.T) {
	r := newTestRouter(t)
	var served atomic.Int32
	_, err := r.Register("data/fetch", serverCtx(), func(_ context.Context, env *message.Envelope) (any, error) {
		// The first arrival is slow; the rest return immediately. Without
		// per-pair ordering the fast responses would overtake the slow one.
		if served.Add(1) == 1 {
			time.Sleep(200 * time.Millisecond)
		}
		return env.PayloadMap()
	}, Terminal)
	require.NoError(t, err)

	link := newFakeLink("conn-1", browserCtx("b1"))
	r.BindLink(link)

	const n = 4
	reqs := make([]*message.Envelope, 0, n)
	for i := 0; i < n; i++ {
		req, err := message.NewRequest("data/fetch", browserCtx("b1"), message.TargetServer,
			map[string]any{"seq": i})
		require.NoError(t, err)
		reqs = append(reqs, req)
		r.Dispatch(req, link)
	}

	require.Eventually(t, func() bool { return link.sentCount() == n }, 2*time.Second, 10*time.Millisecond)
	link.mu.Lock()
	defer link.mu.Unlock()
	for i, resp := range link.sent {
		assert.Equal(t, reqs[i].MessageID, resp.CorrelationID, "response %d out of order", i)
	}
}

func TestDispatch_DistinctPairsServeInParallel(t *testing.T) {
	r := newTestRouter(t)
	release := make(chan struct{})
	_, err := r.Register("data/blocked", serverCtx(), func(_ context.Context, _ *message.Envelope) (any, error) {
		<-release
		return map[string]any{"done": true}, nil
	}, Terminal)
	require.NoError(t, err)
	_, err = r.Register("system/ping", serverCtx(), func(_ context.Context, _ *message.Envelope) (any, error) {
		return map[string]any{"pong": true}, nil
	}, Terminal)
	require.NoError(t, err)

	link := newFakeLink("conn-1", browserCtx("b1"))
	r.BindLink(link)

	blocked, err := message.NewRequest("data/blocked", browserCtx("b1"), message.TargetServer, nil)
	require.NoError(t, err)
	ping, err := message.NewRequest("system/ping", browserCtx("b1"), message.TargetServer, nil)
	require.NoError(t, err)
	r.Dispatch(blocked, link)
	r.Dispatch(ping, link)

	// The ping answers while the other pair's handler is still held.
	require.Eventually(t, func() bool { return link.sentCount() == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, ping.MessageID, link.lastSent().CorrelationID)

	close(release)
	require.Eventually(t, func() bool { return link.sentCount() == 2 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, blocked.MessageID, link.lastSent().CorrelationID)
}

func TestCancelEvent_InterruptsRunningHandler(t *testing.T) {
	r := newTestRouter(t)
	started := make(chan struct{})
	_, err := r.Register("data/long-op", serverCtx(), func(ctx context.Context, _ *message.Envelope) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, message.NewError(message.Cancelled, "interrupted")
	}, Terminal)
	require.NoError(t, err)

	req, err := message.NewRequest("data/long-op", browserCtx("b1"), message.TargetServer, nil)
	require.NoError(t, err)

	done := make(chan *message.Envelope, 1)
	go func() {
		resp, postErr := r.Post(context.Background(), req)
		require.NoError(t, postErr)
		done <- resp
	}()
	<-started

	cancelEvt, err := message.NewEvent(CancelEndpoint, browserCtx("b1"), message.TargetServer,
		map[string]any{"correlationId": req.MessageID})
	require.NoError(t, err)
	_, err = r.Post(context.Background(), cancelEvt)
	require.NoError(t, err)

	resp := <-done
	ferr := message.DecodeErrorPayload(resp.Payload)
	require.NotNil(t, ferr)
	assert.Equal(t, message.Cancelled, ferr.Kind)
}

func TestDrain_RejectsNewRequests(t *testing.T) {
	r := newTestRouter(t)
	_, err := r.Register("system/ping", serverCtx(), func(_ context.Context, _ *message.Envelope) (any, error) {
		return nil, nil
	}, Terminal)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	r.Drain(ctx)

	req, err := message.NewRequest("system/ping", browserCtx("b1"), message.TargetServer, nil)
	require.NoError(t, err)
	_, err = r.Post(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, message.ClientShutdown, message.KindOf(err))
}
