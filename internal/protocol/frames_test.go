// ABOUTME: Tests for frame envelope parsing and connect param normalization
// ABOUTME: Validates malformed frames, missing fields, and default-deny scopes

package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRequest_Valid(t *testing.T) {
	frame, err := ParseRequest([]byte(`{"type":"req","id":"1","method":"connect","params":{}}`))
	require.NoError(t, err)
	assert.Equal(t, "1", frame.ID)
	assert.Equal(t, MethodConnect, frame.Method)
}

func TestParseRequest_Invalid(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{name: "not json", data: `{{{`},
		{name: "wrong type", data: `{"type":"res","id":"1","method":"connect"}`},
		{name: "missing id", data: `{"type":"req","method":"connect"}`},
		{name: "missing method", data: `{"type":"req","id":"1"}`},
		{name: "empty object", data: `{}`},
		{name: "array", data: `[1,2,3]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseRequest([]byte(tt.data))
			assert.Error(t, err)
		})
	}
}

func TestParseConnectParams_Valid(t *testing.T) {
	raw := json.RawMessage(`{
		"minProtocol": 1,
		"maxProtocol": 3,
		"client": {"id": "cli-1", "mode": "cli"},
		"role": "operator",
		"scopes": ["chat"]
	}`)

	params, err := ParseConnectParams(raw)
	require.NoError(t, err)
	assert.Equal(t, 1, params.MinProtocol)
	assert.Equal(t, 3, params.MaxProtocol)
	assert.Equal(t, "cli-1", params.Client.ID)
	assert.Equal(t, []string{"chat"}, params.Scopes)
}

func TestParseConnectParams_ScopesDefaultDeny(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{name: "absent", raw: `{"client":{"id":"c"},"role":"operator"}`},
		{name: "null", raw: `{"client":{"id":"c"},"role":"operator","scopes":null}`},
		{name: "empty strings", raw: `{"client":{"id":"c"},"role":"operator","scopes":["",""]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			params, err := ParseConnectParams(json.RawMessage(tt.raw))
			require.NoError(t, err)
			assert.NotNil(t, params.Scopes)
			assert.Empty(t, params.Scopes, "scopes must normalize to empty, never all")
		})
	}
}

func TestParseConnectParams_Invalid(t *testing.T) {
	_, err := ParseConnectParams(nil)
	assert.Error(t, err)

	_, err = ParseConnectParams(json.RawMessage(`{"role":"operator"}`))
	assert.Error(t, err, "missing client.id")

	_, err = ParseConnectParams(json.RawMessage(`"not an object"`))
	assert.Error(t, err)
}

func TestResponseFrames_RoundTrip(t *testing.T) {
	ok := NewResponse("42", map[string]string{"hello": "world"})
	data, err := json.Marshal(ok)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"ok":true`)

	fail := NewErrorResponse("42", CodeNotPaired, "pairing pending", PairingPendingDetails{RequestID: "pr-1"})
	data, err = json.Marshal(fail)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"code":"not-paired"`)
	assert.Contains(t, string(data), `"pr-1"`)
}
