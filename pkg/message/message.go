package message

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// marshalPayload normalizes an arbitrary payload value to raw JSON.
// nil becomes an empty object so every request carries a payload field.
func marshalPayload(payload any) (json.RawMessage, error) {
	if payload == nil {
		return json.RawMessage(`{}`), nil
	}
	if raw, ok := payload.(json.RawMessage); ok {
		return raw, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, Errorf(InvalidMessage, "payload is not serializable: %v", err)
	}
	return data, nil
}

// NewRequest builds a request envelope targeting the given endpoint.
func NewRequest(endpoint string, origin Context, target Target, payload any) (*Envelope, error) {
	if endpoint == "" {
		return nil, NewError(InvalidMessage, "request requires an endpoint")
	}
	raw, err := marshalPayload(payload)
	if err != nil {
		return nil, err
	}
	if target == "" {
		target = TargetAny
	}
	env := &Envelope{
		MessageID: uuid.New().String(),
		Kind:      KindRequest,
		Endpoint:  endpoint,
		Origin:    origin,
		Target:    target,
		Priority:  PriorityNormal,
		CreatedAt: time.Now().UnixMilli(),
		Payload:   raw,
	}
	env.Hash = ComputeHash(env)
	return env, nil
}

// NewResponse builds a response correlated to a request. The endpoint is
// deliberately absent; responses route by correlationId alone.
func NewResponse(req *Envelope, origin Context, payload any) (*Envelope, error) {
	if req == nil || req.MessageID == "" {
		return nil, NewError(InvalidMessage, "response requires an originating request")
	}
	raw, err := marshalPayload(payload)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		MessageID:     uuid.New().String(),
		Kind:          KindResponse,
		CorrelationID: req.MessageID,
		Origin:        origin,
		Priority:      req.Priority,
		CreatedAt:     time.Now().UnixMilli(),
		Payload:       raw,
	}, nil
}

// NewErrorResponse builds a response carrying a fabric error.
func NewErrorResponse(req *Envelope, origin Context, ferr *Error) (*Envelope, error) {
	if req == nil || req.MessageID == "" {
		return nil, NewError(InvalidMessage, "response requires an originating request")
	}
	return &Envelope{
		MessageID:     uuid.New().String(),
		Kind:          KindResponse,
		CorrelationID: req.MessageID,
		Origin:        origin,
		Priority:      req.Priority,
		CreatedAt:     time.Now().UnixMilli(),
		Payload:       EncodeErrorPayload(ferr),
	}, nil
}

// NewEvent builds an event envelope. Events carry no correlation; delivery
// is fan-out to every matching observer.
func NewEvent(endpoint string, origin Context, target Target, payload any) (*Envelope, error) {
	if endpoint == "" {
		return nil, NewError(InvalidMessage, "event requires an endpoint")
	}
	raw, err := marshalPayload(payload)
	if err != nil {
		return nil, err
	}
	if target == "" {
		target = TargetAny
	}
	env := &Envelope{
		MessageID: uuid.New().String(),
		Kind:      KindEvent,
		Endpoint:  endpoint,
		Origin:    origin,
		Target:    target,
		Priority:  PriorityNormal,
		CreatedAt: time.Now().UnixMilli(),
		Payload:   raw,
	}
	env.Hash = ComputeHash(env)
	return env, nil
}

// Validate checks the envelope invariants:
//
//	request  ⇒ endpoint set, no correlationId
//	response ⇒ correlationId set, no endpoint
//	event    ⇒ endpoint set, no correlationId
func (e *Envelope) Validate() *Error {
	if e.MessageID == "" {
		return NewError(InvalidMessage, "envelope is missing messageId")
	}
	switch e.Kind {
	case KindRequest, KindEvent:
		if e.Endpoint == "" {
			return Errorf(InvalidMessage, "%s is missing endpoint", e.Kind)
		}
		if e.CorrelationID != "" {
			return Errorf(InvalidMessage, "%s must not carry correlationId", e.Kind)
		}
	case KindResponse:
		if e.CorrelationID == "" {
			return NewError(InvalidMessage, "response is missing correlationId")
		}
		if e.Endpoint != "" {
			return NewError(InvalidMessage, "response must not carry endpoint")
		}
	default:
		return Errorf(InvalidMessage, "unknown envelope kind %q", e.Kind)
	}
	return nil
}

// hashInput is the canonical digest input. Timestamps and messageIds are
// excluded so retransmissions of the same logical message dedupe.
type hashInput struct {
	Endpoint string `json:"endpoint"`
	Payload  any    `json:"payload"`
	UniqueID string `json:"uniqueId"`
}

// ComputeHash returns the SHA-1 content digest over (endpoint, payload,
// origin.uniqueId). The payload is round-tripped through a generic decode so
// key order never affects the digest.
func ComputeHash(e *Envelope) string {
	var payload any
	if len(e.Payload) > 0 {
		// encoding/json sorts map keys on marshal, giving a canonical form.
		if err := json.Unmarshal(e.Payload, &payload); err != nil {
			payload = string(e.Payload)
		}
	}
	data, err := json.Marshal(hashInput{
		Endpoint: e.Endpoint,
		Payload:  payload,
		UniqueID: e.Origin.UniqueID,
	})
	if err != nil {
		return ""
	}
	sum := sha1.Sum(data)
	return hex.EncodeToString(sum[:])
}

// UnwrapResult strips envelope-level wrapping from a response payload and
// flattens the legacy nested commandResult wrapper, returning what the
// caller actually asked for.
func UnwrapResult(payload json.RawMessage) (map[string]any, error) {
	if len(payload) == 0 {
		return map[string]any{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal(payload, &m); err != nil {
		return nil, Errorf(InvalidMessage, "response payload is not a JSON object: %v", err)
	}
	// Legacy shape: {"commandResult": {...}} — flatten one level.
	if len(m) == 1 {
		if inner, ok := m["commandResult"].(map[string]any); ok {
			return inner, nil
		}
	}
	return m, nil
}
