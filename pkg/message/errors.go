package message

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrorKind is the fabric's error taxonomy. Kinds are propagated verbatim
// across the wire, so the string values are part of the protocol.
type ErrorKind string

const (
	InvalidMessage   ErrorKind = "InvalidMessage"
	NoHandler        ErrorKind = "NoHandler"
	EndpointTaken    ErrorKind = "EndpointTaken"
	Timeout          ErrorKind = "Timeout"
	QueueFull        ErrorKind = "QueueFull"
	PeerDisconnected ErrorKind = "PeerDisconnected"
	HandshakeTimeout ErrorKind = "HandshakeTimeout"
	RemoteError      ErrorKind = "RemoteError"
	ClientShutdown   ErrorKind = "ClientShutdown"
	Cancelled        ErrorKind = "Cancelled"
)

// Error is a typed fabric error. It travels inside response payloads as
// {"error": {...}} and surfaces to callers unchanged.
type Error struct {
	Kind   ErrorKind      `json:"kind"`
	Reason string         `json:"reason"`
	Detail map[string]any `json:"detail,omitempty"`
}

func (e *Error) Error() string {
	if e.Reason == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

// NewError builds a fabric error.
func NewError(kind ErrorKind, reason string) *Error {
	return &Error{Kind: kind, Reason: reason}
}

// Errorf builds a fabric error with a formatted reason.
func Errorf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

// KindOf extracts the fabric error kind from err, unwrapping as needed.
// Non-fabric errors map to RemoteError.
func KindOf(err error) ErrorKind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return RemoteError
}

// AsError coerces err into a fabric *Error. Handler failures that are not
// already typed become RemoteError, per the propagation policy.
func AsError(err error) *Error {
	var fe *Error
	if errors.As(err, &fe) {
		return fe
	}
	return &Error{Kind: RemoteError, Reason: err.Error()}
}

// errorPayload is the wire shape of an error response payload.
type errorPayload struct {
	Error *Error `json:"error"`
}

// EncodeErrorPayload wraps a fabric error for transport inside a response.
func EncodeErrorPayload(e *Error) json.RawMessage {
	data, err := json.Marshal(errorPayload{Error: e})
	if err != nil {
		// Error values are plain structs; marshaling cannot realistically
		// fail, but a malformed detail map must not take the response down.
		data, _ = json.Marshal(errorPayload{Error: &Error{Kind: e.Kind, Reason: e.Reason}})
	}
	return data
}

// DecodeErrorPayload returns the fabric error carried by a response payload,
// or nil when the payload is a success result.
func DecodeErrorPayload(payload json.RawMessage) *Error {
	if len(payload) == 0 {
		return nil
	}
	var ep errorPayload
	if err := json.Unmarshal(payload, &ep); err != nil {
		return nil
	}
	if ep.Error == nil || ep.Error.Kind == "" {
		return nil
	}
	return ep.Error
}
