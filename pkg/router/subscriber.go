package router

import (
	"context"
	"encoding/json"

	"github.com/continuum-dev/jtag/pkg/message"
)

// Handler processes one message and returns the response payload (requests)
// or nothing meaningful (events/observers). Handlers may suspend; the router
// never holds its lock across an invocation. Handlers must not assume mutual
// exclusion — the same endpoint can run in parallel on the server.
type Handler func(ctx context.Context, env *message.Envelope) (any, error)

// SubscriberKind distinguishes the authoritative handler for an endpoint
// from passive listeners.
type SubscriberKind int

const (
	// Terminal subscribers consume the message and produce the response.
	// At most one per endpoint per router shard.
	Terminal SubscriberKind = iota
	// Observer subscribers see the message but their results are discarded.
	Observer
)

// Subscription is the handle returned by Register. Unregister with it;
// double-unregister is a no-op.
type Subscription struct {
	id       uint64
	endpoint string
	kind     SubscriberKind
	owner    message.Context
	handler  Handler
}

// Endpoint returns the endpoint this subscription is bound to.
func (s *Subscription) Endpoint() string { return s.endpoint }

// Kind returns whether the subscription is terminal or observer.
func (s *Subscription) Kind() SubscriberKind { return s.kind }

// endpointSubs groups the subscribers bound to a single endpoint.
type endpointSubs struct {
	terminal  *Subscription
	observers map[uint64]*Subscription
}

func (es *endpointSubs) empty() bool {
	return es.terminal == nil && len(es.observers) == 0
}

// EndpointInfo describes one endpoint for enumerate/list consumers.
type EndpointInfo struct {
	Endpoint  string `json:"endpoint"`
	Terminal  bool   `json:"terminal"`
	Observers int    `json:"observers"`
}

// MarshalResult normalizes a handler's return value into a response payload.
// Maps and structs pass through JSON marshaling; nil becomes an empty object.
func MarshalResult(result any) (json.RawMessage, *message.Error) {
	if result == nil {
		return json.RawMessage(`{}`), nil
	}
	if raw, ok := result.(json.RawMessage); ok {
		return raw, nil
	}
	data, err := json.Marshal(result)
	if err != nil {
		return nil, message.Errorf(message.RemoteError, "handler result is not serializable: %v", err)
	}
	return data, nil
}
