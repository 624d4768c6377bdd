// Package transport carries envelopes between router shards: a WebSocket
// server for browser/CLI peers, a WebSocket client with reconnect and
// replay, and a degraded HTTP fallback. Every transport exchanges exactly
// one JSON envelope per frame; nothing else leaks across the boundary.
package transport

import (
	"context"

	"github.com/continuum-dev/jtag/pkg/message"
)

// MessageHandler receives one inbound envelope at a time.
type MessageHandler func(env *message.Envelope)

// Transport is the abstract port every concrete transport implements.
// Send enqueues one envelope; inbound envelopes arrive on the OnMessage
// handler, already decoded and validated.
type Transport interface {
	Send(env *message.Envelope) error
	OnMessage(handler MessageHandler)
	IsConnected() bool
	Disconnect(ctx context.Context) error
	Reconnect(ctx context.Context) error
}
