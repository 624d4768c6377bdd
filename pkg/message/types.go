// Package message defines the universal envelope that every participant in
// the fabric exchanges: requests, responses, and events, plus the handshake
// frame that opens a connection. The envelope is the only thing transports
// and the router ever see; payloads are opaque JSON.
package message

import (
	"encoding/json"
	"time"
)

// Kind discriminates the three envelope flavours on the wire.
type Kind string

const (
	KindRequest  Kind = "request"
	KindResponse Kind = "response"
	KindEvent    Kind = "event"

	// KindHandshake is not an envelope kind — it marks the first frame on a
	// new connection. Transports peel it off before the router sees anything.
	KindHandshake Kind = "session_handshake"
)

// Environment tags where a participant runs.
type Environment string

const (
	EnvServer  Environment = "server"
	EnvBrowser Environment = "browser"
	EnvRemote  Environment = "remote"
)

// Target is a routing hint. The router may override it when it knows better
// (e.g. a local terminal subscriber exists).
type Target string

const (
	TargetServer  Target = "server"
	TargetBrowser Target = "browser"
	TargetAny     Target = "any"
)

// Priority orders eviction under backpressure. Within a priority class the
// outbound queue stays FIFO.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// rank maps priorities to comparable weights (higher = more important).
func (p Priority) rank() int {
	switch p {
	case PriorityHigh:
		return 2
	case PriorityLow:
		return 0
	default:
		return 1
	}
}

// Outranks reports whether p is strictly more important than other.
// An empty priority counts as normal.
func (p Priority) Outranks(other Priority) bool {
	return p.rank() > other.rank()
}

// Context identifies the origin of a message. UniqueID persists across
// reconnects; SessionID is scoped to a single connection lifetime.
type Context struct {
	UniqueID    string            `json:"uniqueId"`
	Environment Environment       `json:"environment"`
	SessionID   string            `json:"sessionId,omitempty"`
	Annotations map[string]string `json:"annotations,omitempty"`
}

// Envelope is the wire-level message. One envelope per WebSocket frame or
// HTTP body; fields follow the wire contract exactly.
type Envelope struct {
	MessageID     string          `json:"messageId"`
	Kind          Kind            `json:"kind"`
	Endpoint      string          `json:"endpoint,omitempty"`
	CorrelationID string          `json:"correlationId,omitempty"`
	Origin        Context         `json:"origin"`
	Target        Target          `json:"target,omitempty"`
	Priority      Priority        `json:"priority,omitempty"`
	CreatedAt     int64           `json:"createdAt"`
	Hash          string          `json:"hash,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// Handshake is the first frame a client sends on a new connection. Until the
// server observes it, nothing from that connection is dispatched.
type Handshake struct {
	Kind        Kind        `json:"kind"`
	SessionID   string      `json:"sessionId"`
	UniqueID    string      `json:"uniqueId,omitempty"`
	Environment Environment `json:"environment,omitempty"`
}

// frameProbe extracts just enough of an inbound frame to classify it.
type frameProbe struct {
	Kind Kind `json:"kind"`
}

// IsHandshakeFrame reports whether raw bytes carry a handshake rather than an
// envelope.
func IsHandshakeFrame(data []byte) bool {
	var p frameProbe
	if err := json.Unmarshal(data, &p); err != nil {
		return false
	}
	return p.Kind == KindHandshake
}

// ParseHandshake decodes a handshake frame.
func ParseHandshake(data []byte) (*Handshake, error) {
	var h Handshake
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, Errorf(InvalidMessage, "malformed handshake frame: %v", err)
	}
	if h.Kind != KindHandshake {
		return nil, Errorf(InvalidMessage, "frame kind %q is not a handshake", h.Kind)
	}
	if h.SessionID == "" {
		return nil, Errorf(InvalidMessage, "handshake is missing sessionId")
	}
	return &h, nil
}

// Decode parses raw frame bytes into an envelope and validates the envelope
// invariants. Handshake frames are rejected here; classify with
// IsHandshakeFrame first.
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, Errorf(InvalidMessage, "malformed envelope: %v", err)
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return &env, nil
}

// Encode serializes an envelope for the wire.
func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// PayloadMap unmarshals the payload into a generic map. A nil or empty
// payload yields an empty map.
func (e *Envelope) PayloadMap() (map[string]any, error) {
	if len(e.Payload) == 0 {
		return map[string]any{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal(e.Payload, &m); err != nil {
		return nil, Errorf(InvalidMessage, "payload is not a JSON object: %v", err)
	}
	return m, nil
}

// Age returns how long ago the envelope was created.
func (e *Envelope) Age(now time.Time) time.Duration {
	return now.Sub(time.UnixMilli(e.CreatedAt))
}
