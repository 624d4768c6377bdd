package message

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testOrigin() Context {
	return Context{UniqueID: "client-1", Environment: EnvServer, SessionID: "sess-1"}
}

func TestNewRequest_Invariants(t *testing.T) {
	req, err := NewRequest("data/list", testOrigin(), TargetServer, map[string]any{"limit": 10})
	require.NoError(t, err)

	assert.Equal(t, KindRequest, req.Kind)
	assert.Equal(t, "data/list", req.Endpoint)
	assert.Empty(t, req.CorrelationID)
	assert.NotEmpty(t, req.MessageID)
	assert.NotEmpty(t, req.Hash)
	assert.Equal(t, PriorityNormal, req.Priority)
	assert.Nil(t, req.Validate())
}

func TestNewRequest_MissingEndpoint(t *testing.T) {
	_, err := NewRequest("", testOrigin(), TargetServer, nil)
	require.Error(t, err)
	assert.Equal(t, InvalidMessage, KindOf(err))
}

func TestNewResponse_CorrelatesToRequest(t *testing.T) {
	req, err := NewRequest("system/ping", testOrigin(), TargetServer, nil)
	require.NoError(t, err)

	resp, err := NewResponse(req, testOrigin(), map[string]any{"pong": true})
	require.NoError(t, err)

	assert.Equal(t, KindResponse, resp.Kind)
	assert.Equal(t, req.MessageID, resp.CorrelationID)
	assert.Empty(t, resp.Endpoint)
	assert.Nil(t, resp.Validate())
}

func TestNewResponse_RequiresRequest(t *testing.T) {
	_, err := NewResponse(nil, testOrigin(), nil)
	require.Error(t, err)
	assert.Equal(t, InvalidMessage, KindOf(err))
}

func TestValidate_Rejections(t *testing.T) {
	tests := []struct {
		name string
		env  Envelope
	}{
		{"missing messageId", Envelope{Kind: KindRequest, Endpoint: "a/b"}},
		{"request without endpoint", Envelope{MessageID: "m1", Kind: KindRequest}},
		{"request with correlationId", Envelope{MessageID: "m1", Kind: KindRequest, Endpoint: "a/b", CorrelationID: "c1"}},
		{"response without correlationId", Envelope{MessageID: "m1", Kind: KindResponse}},
		{"response with endpoint", Envelope{MessageID: "m1", Kind: KindResponse, CorrelationID: "c1", Endpoint: "a/b"}},
		{"unknown kind", Envelope{MessageID: "m1", Kind: "bogus"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ferr := tt.env.Validate()
			require.NotNil(t, ferr)
			assert.Equal(t, InvalidMessage, ferr.Kind)
		})
	}
}

func TestComputeHash_StableAcrossRetransmission(t *testing.T) {
	origin := testOrigin()
	first, err := NewRequest("system/ping", origin, TargetServer, map[string]any{"nonce": "X"})
	require.NoError(t, err)
	second, err := NewRequest("system/ping", origin, TargetServer, map[string]any{"nonce": "X"})
	require.NoError(t, err)

	// Different messageIds and timestamps, identical content digest.
	assert.NotEqual(t, first.MessageID, second.MessageID)
	assert.Equal(t, first.Hash, second.Hash)
}

func TestComputeHash_KeyOrderIndependent(t *testing.T) {
	a := &Envelope{Endpoint: "a/b", Origin: testOrigin(), Payload: json.RawMessage(`{"x":1,"y":2}`)}
	b := &Envelope{Endpoint: "a/b", Origin: testOrigin(), Payload: json.RawMessage(`{"y":2,"x":1}`)}
	assert.Equal(t, ComputeHash(a), ComputeHash(b))
}

func TestComputeHash_VariesByOriginAndPayload(t *testing.T) {
	base := &Envelope{Endpoint: "a/b", Origin: testOrigin(), Payload: json.RawMessage(`{"x":1}`)}
	otherPayload := &Envelope{Endpoint: "a/b", Origin: testOrigin(), Payload: json.RawMessage(`{"x":2}`)}
	otherOrigin := &Envelope{Endpoint: "a/b", Origin: Context{UniqueID: "client-2"}, Payload: json.RawMessage(`{"x":1}`)}

	assert.NotEqual(t, ComputeHash(base), ComputeHash(otherPayload))
	assert.NotEqual(t, ComputeHash(base), ComputeHash(otherOrigin))
}

func TestDecode_RoundTrip(t *testing.T) {
	req, err := NewRequest("chat/send-message", testOrigin(), TargetBrowser, map[string]any{"text": "hi"})
	require.NoError(t, err)

	data, err := req.Encode()
	require.NoError(t, err)

	decoded, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, req.MessageID, decoded.MessageID)
	assert.Equal(t, req.Endpoint, decoded.Endpoint)
	assert.Equal(t, req.Hash, decoded.Hash)
	assert.JSONEq(t, string(req.Payload), string(decoded.Payload))
}

func TestHandshake_Classification(t *testing.T) {
	hs := []byte(`{"kind":"session_handshake","sessionId":"s-1","uniqueId":"u-1","environment":"browser"}`)
	assert.True(t, IsHandshakeFrame(hs))

	parsed, err := ParseHandshake(hs)
	require.NoError(t, err)
	assert.Equal(t, "s-1", parsed.SessionID)
	assert.Equal(t, EnvBrowser, parsed.Environment)

	req, err := NewRequest("system/ping", testOrigin(), TargetServer, nil)
	require.NoError(t, err)
	data, _ := req.Encode()
	assert.False(t, IsHandshakeFrame(data))
}

func TestParseHandshake_MissingSession(t *testing.T) {
	_, err := ParseHandshake([]byte(`{"kind":"session_handshake"}`))
	require.Error(t, err)
	assert.Equal(t, InvalidMessage, KindOf(err))
}

func TestUnwrapResult_FlattensLegacyWrapper(t *testing.T) {
	legacy := json.RawMessage(`{"commandResult":{"endpoints":["ping","list"]}}`)
	result, err := UnwrapResult(legacy)
	require.NoError(t, err)
	assert.Contains(t, result, "endpoints")

	plain := json.RawMessage(`{"endpoints":["ping"]}`)
	result, err = UnwrapResult(plain)
	require.NoError(t, err)
	assert.Contains(t, result, "endpoints")
}

func TestErrorPayload_RoundTrip(t *testing.T) {
	ferr := &Error{Kind: NoHandler, Reason: "no terminal subscriber for data/list"}
	payload := EncodeErrorPayload(ferr)

	decoded := DecodeErrorPayload(payload)
	require.NotNil(t, decoded)
	assert.Equal(t, NoHandler, decoded.Kind)
	assert.Equal(t, ferr.Reason, decoded.Reason)

	// A success payload is not an error.
	assert.Nil(t, DecodeErrorPayload(json.RawMessage(`{"ok":true}`)))
}

func TestPriority_Outranks(t *testing.T) {
	assert.True(t, PriorityHigh.Outranks(PriorityNormal))
	assert.True(t, PriorityNormal.Outranks(PriorityLow))
	assert.False(t, PriorityLow.Outranks(PriorityLow))
	assert.False(t, PriorityNormal.Outranks(PriorityHigh))
}
