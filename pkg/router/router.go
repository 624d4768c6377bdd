// Package router implements the fabric's dispatch core: given a message,
// deliver it to a local terminal subscriber, fan it out to observers,
// or forward it to a remote peer over a bound link — with content-hash
// deduplication, priority-aware backpressure, and per-pair FIFO ordering.
//
// Each process runs one router shard. The shard exclusively owns its
// subscriber table and dedup window; transports own their connections and
// are referenced here only through the Link port.
package router

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/continuum-dev/jtag/pkg/message"
)

// CancelEndpoint is the well-known event endpoint carrying best-effort
// cancellation of an in-flight request ({"correlationId": "..."}).
const CancelEndpoint = "system/cancel"

// Link is the router's view of a live connection. Transports own the
// connection; the router references it by id only, so the router↔transport
// cycle is broken at this boundary.
type Link interface {
	ID() string
	Peer() message.Context
	// Send enqueues one envelope on the link's bounded outbound queue.
	// Returns a QueueFull fabric error when backpressure rejects it.
	Send(env *message.Envelope) error
	QueueDepth() int
}

// State is the router lifecycle. Draining rejects new requests while
// in-flight work completes.
type State int32

const (
	Running State = iota
	Draining
	Stopped
)

// DefaultDrainTimeout bounds how long Drain waits for in-flight requests.
const DefaultDrainTimeout = 2 * time.Second

// maxServeTimeout caps server-side execution of an inbound request so a
// handler that never returns cannot wedge its pair's queue. Matches the
// largest budget a caller can hold.
const maxServeTimeout = 10 * time.Minute

// waiter tracks one in-flight request awaiting a response. Locally posted
// requests resolve through ch; relayed requests resolve by sending the
// response back over the link they arrived on.
type waiter struct {
	req     *message.Envelope
	peerUID string // uniqueId of the peer expected to respond
	ch      chan *message.Envelope
	relayTo Link
}

type linkEntry struct {
	link     Link
	lastUsed time.Time
}

// pairKey identifies one caller/endpoint request stream. Inbound requests
// within a pair are served in arrival order so responses preserve request
// order; distinct pairs run in parallel.
type pairKey struct {
	origin   string
	endpoint string
}

type inboundRequest struct {
	env  *message.Envelope
	from Link
}

// Options tune a router shard.
type Options struct {
	// DedupWindow is the at-most-once window; zero means the 2s default.
	DedupWindow time.Duration
}

// Router is one shard of the fabric. Safe for concurrent use; the lock is
// never held across handler invocation or link sends.
type Router struct {
	self message.Context

	mu      sync.RWMutex
	state   State
	subs    map[string]*endpointSubs
	links   map[string]*linkEntry
	pending map[string]*waiter // messageId → waiter
	running map[string]context.CancelFunc
	nextSub uint64

	inboundMu sync.Mutex
	inbound   map[pairKey][]inboundRequest

	dedup *dedupCache
	wg    sync.WaitGroup
}

// New creates a router shard owned by the given context.
func New(self message.Context, opts Options) *Router {
	return &Router{
		self:    self,
		subs:    make(map[string]*endpointSubs),
		links:   make(map[string]*linkEntry),
		pending: make(map[string]*waiter),
		running: make(map[string]context.CancelFunc),
		inbound: make(map[pairKey][]inboundRequest),
		dedup:   newDedupCache(opts.DedupWindow),
	}
}

// Start launches background maintenance (dedup GC sweep).
func (r *Router) Start() {
	r.dedup.start()
}

// Stop halts maintenance and marks the router stopped. Call Drain first for
// a graceful shutdown.
func (r *Router) Stop() {
	r.mu.Lock()
	r.state = Stopped
	r.mu.Unlock()
	r.dedup.stop()
}

// State returns the current lifecycle state.
func (r *Router) State() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// Register binds a handler to an endpoint. A second terminal registration
// for the same endpoint fails with EndpointTaken.
func (r *Router) Register(endpoint string, owner message.Context, handler Handler, kind SubscriberKind) (*Subscription, error) {
	if endpoint == "" {
		return nil, message.NewError(message.InvalidMessage, "endpoint is required")
	}
	if handler == nil {
		return nil, message.NewError(message.InvalidMessage, "handler is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	es, ok := r.subs[endpoint]
	if !ok {
		es = &endpointSubs{observers: make(map[uint64]*Subscription)}
		r.subs[endpoint] = es
	}

	r.nextSub++
	sub := &Subscription{
		id:       r.nextSub,
		endpoint: endpoint,
		kind:     kind,
		owner:    owner,
		handler:  handler,
	}

	switch kind {
	case Terminal:
		if es.terminal != nil {
			return nil, message.Errorf(message.EndpointTaken,
				"endpoint %q already has a terminal subscriber", endpoint)
		}
		es.terminal = sub
	case Observer:
		es.observers[sub.id] = sub
	}
	return sub, nil
}

// Unregister removes a subscription. Idempotent.
func (r *Router) Unregister(sub *Subscription) {
	if sub == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	es, ok := r.subs[sub.endpoint]
	if !ok {
		return
	}
	if es.terminal != nil && es.terminal.id == sub.id {
		es.terminal = nil
	}
	delete(es.observers, sub.id)
	if es.empty() {
		delete(r.subs, sub.endpoint)
	}
}

// Enumerate lists endpoints and their subscriber counts.
func (r *Router) Enumerate() []EndpointInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	infos := make([]EndpointInfo, 0, len(r.subs))
	for endpoint, es := range r.subs {
		infos = append(infos, EndpointInfo{
			Endpoint:  endpoint,
			Terminal:  es.terminal != nil,
			Observers: len(es.observers),
		})
	}
	return infos
}

// BindLink makes a connection available for remote forwarding.
func (r *Router) BindLink(l Link) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.links[l.ID()] = &linkEntry{link: l, lastUsed: time.Now()}
	slog.Debug("Link bound", "link_id", l.ID(), "peer", l.Peer().UniqueID)
}

// UnbindLink removes a connection and fails every in-flight request that
// was waiting on its peer with PeerDisconnected.
func (r *Router) UnbindLink(id string) {
	r.mu.Lock()
	entry, ok := r.links[id]
	delete(r.links, id)
	r.mu.Unlock()
	if !ok {
		return
	}
	r.FailPeer(entry.link.Peer().UniqueID)
	slog.Debug("Link unbound", "link_id", id)
}

// FailPeer resolves every waiter expecting a response from the given peer
// with a PeerDisconnected error response.
func (r *Router) FailPeer(peerUID string) {
	if peerUID == "" {
		return
	}
	r.mu.Lock()
	failed := make([]*waiter, 0)
	for id, w := range r.pending {
		if w.peerUID == peerUID {
			failed = append(failed, w)
			delete(r.pending, id)
		}
	}
	r.mu.Unlock()

	for _, w := range failed {
		resp, err := message.NewErrorResponse(w.req, r.self,
			message.Errorf(message.PeerDisconnected, "peer %s disconnected before responding", peerUID))
		if err != nil {
			continue
		}
		r.deliverToWaiter(w, resp)
	}
}

// FailAllPending resolves every in-flight waiter with the given error.
// Called at shutdown once the drain window lapses.
func (r *Router) FailAllPending(ferr *message.Error) {
	r.mu.Lock()
	failed := make([]*waiter, 0, len(r.pending))
	for id, w := range r.pending {
		failed = append(failed, w)
		delete(r.pending, id)
	}
	r.mu.Unlock()

	for _, w := range failed {
		resp, err := message.NewErrorResponse(w.req, r.self, ferr)
		if err != nil {
			continue
		}
		r.deliverToWaiter(w, resp)
	}
}

// PendingRequests snapshots the envelopes of locally-originated in-flight
// requests. The WebSocket client resends these after a reconnect.
func (r *Router) PendingRequests() []*message.Envelope {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reqs := make([]*message.Envelope, 0, len(r.pending))
	for _, w := range r.pending {
		if w.relayTo == nil {
			reqs = append(reqs, w.req)
		}
	}
	return reqs
}

// Post routes a locally-originated message. For requests it blocks until a
// response arrives or ctx expires, returning the response envelope (which
// may carry an error payload). For events it returns once the message is
// dispatched or enqueued.
func (r *Router) Post(ctx context.Context, env *message.Envelope) (*message.Envelope, error) {
	if ferr := env.Validate(); ferr != nil {
		return nil, ferr
	}

	switch env.Kind {
	case message.KindEvent:
		return nil, r.postEvent(env, nil)
	case message.KindRequest:
		return r.postRequest(ctx, env)
	default:
		return nil, message.NewError(message.InvalidMessage, "responses cannot be posted; they route by correlation")
	}
}

func (r *Router) postRequest(ctx context.Context, env *message.Envelope) (*message.Envelope, error) {
	r.mu.RLock()
	state := r.state
	r.mu.RUnlock()
	if state != Running {
		return nil, message.NewError(message.ClientShutdown, "router is not accepting new requests")
	}

	entry, first := r.dedup.admitRequest(env.Hash)
	if !first {
		// A twin of this request is already executing; join it and share
		// the response.
		select {
		case <-entry.done:
			if resp := r.recorrelate(entry.resp, env); resp != nil {
				return resp, nil
			}
			return nil, message.NewError(message.RemoteError, "duplicate request produced no response")
		case <-ctx.Done():
			return nil, ctxError(ctx)
		}
	}

	resp, err := r.executeOrForward(ctx, env, nil)
	if err != nil {
		// Complete the entry with an equivalent error response so joined
		// twins resolve the same way.
		if errResp, respErr := message.NewErrorResponse(env, r.self, message.AsError(err)); respErr == nil {
			entry.complete(errResp)
		} else {
			entry.complete(nil)
		}
		return nil, err
	}
	entry.complete(resp)
	return resp, nil
}

// postEvent dispatches an event locally and fans it out to matching links.
// exclude is the link the event arrived on (nil for local origination).
func (r *Router) postEvent(env *message.Envelope, exclude Link) error {
	if !r.dedup.admitEvent(env.Hash) {
		return nil // duplicate within the window
	}

	if env.Endpoint == CancelEndpoint {
		r.handleCancelEvent(env)
	}

	r.mu.RLock()
	es := r.subs[env.Endpoint]
	var terminal *Subscription
	observers := make([]*Subscription, 0)
	if es != nil {
		terminal = es.terminal
		for _, obs := range es.observers {
			observers = append(observers, obs)
		}
	}
	r.mu.RUnlock()

	for _, obs := range observers {
		r.invokeObserver(obs, env)
	}

	if terminal != nil {
		// A terminal subscriber consumes the event locally; no forwarding.
		r.invokeObserver(terminal, env)
		return nil
	}

	// No local consumer: fan out to every link matching the target filter.
	excludeID := ""
	if exclude != nil {
		excludeID = exclude.ID()
	}
	for _, entry := range r.matchingLinks(env.Target, excludeID) {
		if err := entry.link.Send(env); err != nil {
			slog.Warn("Event fan-out failed",
				"endpoint", env.Endpoint, "link_id", entry.link.ID(), "error", err)
		}
	}
	return nil
}

// executeOrForward runs the request against the local terminal subscriber,
// or forwards it over a link and waits for the correlated response.
// relayTo, when non-nil, is the link the request arrived on; its response
// routes back over that link instead of resolving locally.
func (r *Router) executeOrForward(ctx context.Context, env *message.Envelope, relayTo Link) (*message.Envelope, error) {
	r.mu.RLock()
	es := r.subs[env.Endpoint]
	var terminal *Subscription
	observers := make([]*Subscription, 0)
	if es != nil {
		terminal = es.terminal
		for _, obs := range es.observers {
			observers = append(observers, obs)
		}
	}
	r.mu.RUnlock()

	// Observer fan-out happens independently of terminal dispatch.
	for _, obs := range observers {
		r.invokeObserver(obs, env)
	}

	if terminal != nil {
		return r.invokeTerminal(ctx, terminal, env), nil
	}

	// Remote forward.
	excludeID := ""
	if relayTo != nil {
		excludeID = relayTo.ID()
	}
	target := r.selectLink(env.Target, excludeID)
	if target == nil {
		return nil, message.Errorf(message.NoHandler,
			"no terminal subscriber or matching peer for %q", env.Endpoint)
	}

	w := &waiter{
		req:     env,
		peerUID: target.Peer().UniqueID,
		relayTo: relayTo,
	}
	if relayTo == nil {
		w.ch = make(chan *message.Envelope, 1)
	}

	r.mu.Lock()
	r.pending[env.MessageID] = w
	r.mu.Unlock()

	if err := target.Send(env); err != nil {
		r.removeWaiter(env.MessageID)
		return nil, err
	}

	if relayTo != nil {
		// The response will be relayed by resolve(); nothing to wait for.
		return nil, nil
	}

	select {
	case resp := <-w.ch:
		return resp, nil
	case <-ctx.Done():
		// Deadline expiry and caller cancellation abandon the request the
		// same way: drop the correlation record and tell the peer to stop.
		r.removeWaiter(env.MessageID)
		r.sendCancel(target, env)
		return nil, ctxError(ctx)
	}
}

// sendCancel notifies the peer that an in-flight request was abandoned so
// its handler can stop early. Best-effort: a dead link or full queue just
// means the handler runs to completion.
func (r *Router) sendCancel(target Link, req *message.Envelope) {
	evt, err := message.NewEvent(CancelEndpoint, r.self, req.Target,
		map[string]any{"correlationId": req.MessageID})
	if err != nil {
		return
	}
	if err := target.Send(evt); err != nil {
		slog.Debug("Cancel notification failed", "correlation_id", req.MessageID, "error", err)
	}
}

// Dispatch feeds an inbound envelope from a transport into the router.
// Requests are served off the read loop; their responses travel back over
// the originating link, in request order per caller/endpoint pair.
func (r *Router) Dispatch(env *message.Envelope, from Link) {
	switch env.Kind {
	case message.KindResponse:
		r.resolve(env)
	case message.KindEvent:
		if err := r.postEvent(env, from); err != nil {
			slog.Warn("Inbound event dispatch failed", "endpoint", env.Endpoint, "error", err)
		}
	case message.KindRequest:
		r.enqueueInbound(env, from)
	}
}

// enqueueInbound serializes inbound requests per caller/endpoint pair. The
// first request for an idle pair starts a drainer goroutine; later arrivals
// append and are served in order by it. This also guarantees a duplicate
// request never dequeues before its original's dedup entry completes.
func (r *Router) enqueueInbound(env *message.Envelope, from Link) {
	key := pairKey{origin: env.Origin.UniqueID, endpoint: env.Endpoint}
	r.inboundMu.Lock()
	queue, active := r.inbound[key]
	r.inbound[key] = append(queue, inboundRequest{env: env, from: from})
	r.inboundMu.Unlock()
	if active {
		return
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for {
			r.inboundMu.Lock()
			queue := r.inbound[key]
			if len(queue) == 0 {
				delete(r.inbound, key)
				r.inboundMu.Unlock()
				return
			}
			next := queue[0]
			r.inbound[key] = queue[1:]
			r.inboundMu.Unlock()
			r.serveRemoteRequest(next.env, next.from)
		}
	}()
}

// serveRemoteRequest handles a request that arrived over a link, routing
// the response (or error response) back the same way.
func (r *Router) serveRemoteRequest(env *message.Envelope, from Link) {
	r.mu.RLock()
	state := r.state
	r.mu.RUnlock()
	if state != Running {
		r.replyError(env, from, message.NewError(message.ClientShutdown, "router is draining"))
		return
	}

	entry, first := r.dedup.admitRequest(env.Hash)
	if !first {
		// Duplicate within the window (retransmission or identical twin):
		// wait for the original execution and serve its response.
		<-entry.done
		if entry.resp != nil {
			if err := from.Send(r.recorrelate(entry.resp, env)); err != nil {
				slog.Warn("Failed to send deduped response", "error", err)
			}
		}
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), maxServeTimeout)
	defer cancel()
	resp, err := r.executeOrForward(ctx, env, from)
	if err != nil {
		if errResp, respErr := message.NewErrorResponse(env, r.self, message.AsError(err)); respErr == nil {
			entry.complete(errResp)
		} else {
			entry.complete(nil)
		}
		r.replyError(env, from, message.AsError(err))
		return
	}
	if resp == nil {
		// Relayed to another peer; resolve() completes the dedup entry when
		// the response comes back.
		entry.complete(nil)
		return
	}
	entry.complete(resp)
	if err := from.Send(resp); err != nil {
		slog.Warn("Failed to send response", "correlation_id", resp.CorrelationID, "error", err)
	}
}

// resolve matches a response to its waiter: locally posted requests get the
// response on their channel, relayed ones are forwarded over the reverse
// path. Unmatched responses are dropped.
func (r *Router) resolve(resp *message.Envelope) {
	r.mu.Lock()
	w, ok := r.pending[resp.CorrelationID]
	if ok {
		delete(r.pending, resp.CorrelationID)
	}
	r.mu.Unlock()
	if !ok {
		slog.Debug("Dropping uncorrelated response", "correlation_id", resp.CorrelationID)
		return
	}
	r.deliverToWaiter(w, resp)
}

func (r *Router) deliverToWaiter(w *waiter, resp *message.Envelope) {
	if w.relayTo != nil {
		if err := w.relayTo.Send(resp); err != nil {
			slog.Warn("Failed to relay response", "correlation_id", resp.CorrelationID, "error", err)
		}
		return
	}
	select {
	case w.ch <- resp:
	default:
		// Waiter already resolved (timeout raced the response).
	}
}

func (r *Router) removeWaiter(messageID string) {
	r.mu.Lock()
	delete(r.pending, messageID)
	r.mu.Unlock()
}

// invokeTerminal runs the terminal handler and wraps its result in a
// response envelope. The handler context is tracked so a cancel envelope
// can interrupt it.
func (r *Router) invokeTerminal(ctx context.Context, sub *Subscription, env *message.Envelope) *message.Envelope {
	handlerCtx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.running[env.MessageID] = cancel
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.running, env.MessageID)
		r.mu.Unlock()
		cancel()
	}()

	result, err := sub.handler(handlerCtx, env)
	if err != nil {
		resp, respErr := message.NewErrorResponse(env, r.self, message.AsError(err))
		if respErr != nil {
			return nil
		}
		return resp
	}

	payload, ferr := MarshalResult(result)
	if ferr != nil {
		resp, respErr := message.NewErrorResponse(env, r.self, ferr)
		if respErr != nil {
			return nil
		}
		return resp
	}
	resp, respErr := message.NewResponse(env, r.self, payload)
	if respErr != nil {
		return nil
	}
	return resp
}

// invokeObserver runs an observer handler in its own goroutine; results and
// errors are discarded (errors are logged).
func (r *Router) invokeObserver(sub *Subscription, env *message.Envelope) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if _, err := sub.handler(context.Background(), env); err != nil {
			slog.Debug("Observer handler failed", "endpoint", sub.endpoint, "error", err)
		}
	}()
}

// handleCancelEvent cancels the running handler named by the event's
// correlationId payload field. Best-effort: non-interruptible handlers
// simply ignore their context.
func (r *Router) handleCancelEvent(env *message.Envelope) {
	payload, err := env.PayloadMap()
	if err != nil {
		return
	}
	id, _ := payload["correlationId"].(string)
	if id == "" {
		return
	}
	r.mu.RLock()
	cancel, ok := r.running[id]
	r.mu.RUnlock()
	if ok {
		cancel()
	}
}

func (r *Router) replyError(env *message.Envelope, to Link, ferr *message.Error) {
	resp, err := message.NewErrorResponse(env, r.self, ferr)
	if err != nil {
		return
	}
	if err := to.Send(resp); err != nil {
		slog.Warn("Failed to send error response", "kind", ferr.Kind, "error", err)
	}
}

// selectLink picks the link for a remote forward: smallest outbound queue
// depth among peers matching the target environment, least-recently-used on
// ties.
func (r *Router) selectLink(target message.Target, excludeID string) Link {
	r.mu.Lock()
	defer r.mu.Unlock()

	var best *linkEntry
	for _, entry := range r.links {
		if entry.link.ID() == excludeID {
			continue
		}
		if !matchesTarget(entry.link.Peer().Environment, target) {
			continue
		}
		if best == nil {
			best = entry
			continue
		}
		depth, bestDepth := entry.link.QueueDepth(), best.link.QueueDepth()
		if depth < bestDepth || (depth == bestDepth && entry.lastUsed.Before(best.lastUsed)) {
			best = entry
		}
	}
	if best == nil {
		return nil
	}
	best.lastUsed = time.Now()
	return best.link
}

// matchingLinks returns every link whose peer environment matches the
// target filter, for event fan-out.
func (r *Router) matchingLinks(target message.Target, excludeID string) []*linkEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	matched := make([]*linkEntry, 0, len(r.links))
	for _, entry := range r.links {
		if entry.link.ID() == excludeID {
			continue
		}
		if matchesTarget(entry.link.Peer().Environment, target) {
			matched = append(matched, entry)
		}
	}
	return matched
}

func matchesTarget(env message.Environment, target message.Target) bool {
	switch target {
	case message.TargetAny, "":
		return true
	case message.TargetServer:
		return env == message.EnvServer
	case message.TargetBrowser:
		return env == message.EnvBrowser
	default:
		return false
	}
}

// recorrelate clones a cached response so its correlationId matches the
// joining request. Retransmissions reuse the original messageId, making
// this a no-op for them.
func (r *Router) recorrelate(resp *message.Envelope, req *message.Envelope) *message.Envelope {
	if resp == nil {
		return nil
	}
	if resp.CorrelationID == req.MessageID {
		return resp
	}
	clone := *resp
	clone.CorrelationID = req.MessageID
	return &clone
}

// Drain transitions to draining, waits for in-flight requests to settle
// (bounded by ctx), then stops accepting everything. Step (c) of the
// shutdown contract — closing connections — belongs to the transports.
func (r *Router) Drain(ctx context.Context) {
	r.mu.Lock()
	if r.state == Running {
		r.state = Draining
	}
	r.mu.Unlock()

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		r.mu.RLock()
		idle := len(r.pending) == 0 && len(r.running) == 0
		r.mu.RUnlock()
		if idle {
			break
		}
		select {
		case <-ctx.Done():
			slog.Warn("Drain timeout exceeded; abandoning in-flight requests")
			return
		case <-ticker.C:
		}
	}
}

func ctxError(ctx context.Context) *message.Error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return message.NewError(message.Timeout, "request deadline exceeded")
	}
	return message.NewError(message.Cancelled, "request cancelled")
}
