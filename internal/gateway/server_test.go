// ABOUTME: End-to-end tests running a gateway over a real WebSocket connection
// ABOUTME: Covers challenge delivery, loopback silent pairing, and the admin API

package gateway

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"log/slog"

	"github.com/djtuls/openclaw-gateway/internal/config"
	"github.com/djtuls/openclaw-gateway/internal/pairing"
	"github.com/djtuls/openclaw-gateway/internal/protocol"
)

func pairingMeta(displayName, role string) pairing.Meta {
	return pairing.Meta{
		DisplayName: displayName,
		Role:        role,
		Scopes:      []string{},
		RemoteIP:    "203.0.113.7",
	}
}

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()

	cfg := &config.Config{
		Server:   config.ServerConfig{ListenAddr: "127.0.0.1:0"},
		Database: config.DatabaseConfig{Path: filepath.Join(t.TempDir(), "gw.db")},
		Auth:     config.AuthConfig{Token: testSecret},
		Gateway:  config.GatewayConfig{ServerID: "gw-e2e"},
		Metrics:  config.MetricsConfig{Enabled: true, Path: "/metrics"},
	}

	srv, err := New(cfg, slog.Default())
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	t.Cleanup(func() {
		// The HTTP server belongs to httptest; close just the stores.
		_ = srv.tokenStore.Close()
		_ = srv.pairStore.Close()
		srv.nonces.Close()
	})
	return srv, ts
}

func dial(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

// readChallenge consumes the connect.challenge event sent on socket open.
func readChallenge(t *testing.T, ws *websocket.Conn) string {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	var event struct {
		Type   string                   `json:"type"`
		Method string                   `json:"method"`
		Params protocol.ChallengeParams `json:"params"`
	}
	require.NoError(t, ws.ReadJSON(&event))
	require.Equal(t, protocol.TypeEvent, event.Type)
	require.Equal(t, protocol.EventChallenge, event.Method)
	require.NotEmpty(t, event.Params.Nonce)
	return event.Params.Nonce
}

type wireResponse struct {
	Type    string               `json:"type"`
	ID      string               `json:"id"`
	OK      bool                 `json:"ok"`
	Payload json.RawMessage      `json:"payload"`
	Error   *protocol.ErrorShape `json:"error"`
}

func roundTrip(t *testing.T, ws *websocket.Conn, frame *protocol.RequestFrame) *wireResponse {
	t.Helper()
	require.NoError(t, ws.WriteJSON(frame))
	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	var resp wireResponse
	require.NoError(t, ws.ReadJSON(&resp))
	return &resp
}

func TestServer_LoopbackConnectFlow(t *testing.T) {
	_, ts := newTestServer(t)
	ws := dial(t, ts)

	nonce := readChallenge(t, ws)

	dev := newTestDevice(t)
	params := baseParams()
	params.Device = dev.signedBlock(t, params, nonce, testSecret)

	resp := roundTrip(t, ws, connectFrame(t, params))
	require.True(t, resp.OK, "connect failed: %+v", resp.Error)

	var hello protocol.HelloOK
	require.NoError(t, json.Unmarshal(resp.Payload, &hello))
	assert.Equal(t, protocol.Version, hello.Protocol)
	assert.Equal(t, "gw-e2e", hello.ServerID)
	require.NotNil(t, hello.Auth)
	assert.NotEmpty(t, hello.Auth.DeviceToken)
	assert.Positive(t, hello.Limits.MaxPayloadBytes)

	// The admitted connection serves ping and rejects unknown methods
	// without dropping.
	pong := roundTrip(t, ws, &protocol.RequestFrame{
		Type: protocol.TypeRequest, ID: "2", Method: "ping",
	})
	assert.True(t, pong.OK)

	unknown := roundTrip(t, ws, &protocol.RequestFrame{
		Type: protocol.TypeRequest, ID: "3", Method: "launch",
	})
	require.False(t, unknown.OK)
	assert.Equal(t, protocol.CodeUnknownMethod, unknown.Error.Code)
}

func TestServer_ProtocolMismatchCloseCode(t *testing.T) {
	_, ts := newTestServer(t)
	ws := dial(t, ts)
	readChallenge(t, ws)

	params := baseParams()
	params.MinProtocol = protocol.Version + 1
	params.MaxProtocol = protocol.Version + 1

	resp := roundTrip(t, ws, connectFrame(t, params))
	require.False(t, resp.OK)
	assert.Equal(t, protocol.CodeProtocolMismatch, resp.Error.Code)

	// The server closes with the version-skew close code.
	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := ws.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, protocol.CloseProtocolMismatch), "got close error: %v", err)
}

func TestServer_MalformedFirstFrameCloses(t *testing.T) {
	_, ts := newTestServer(t)
	ws := dial(t, ts)
	readChallenge(t, ws)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("not json")))

	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	var resp wireResponse
	require.NoError(t, ws.ReadJSON(&resp))
	require.False(t, resp.OK)
	assert.Equal(t, protocol.CodeInvalidHandshake, resp.Error.Code)

	_, _, err := ws.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, protocol.ClosePolicyViolation), "got close error: %v", err)
}

func TestServer_Healthz(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_AdminPairingFlow(t *testing.T) {
	srv, ts := newTestServer(t)

	// Seed a pending request as a remote device would.
	dev := newTestDevice(t)
	_, created, err := srv.pairStore.RequestPairing(t.Context(), dev.id, dev.pubkey,
		pairingMeta("remote-cli", protocol.RoleOperator))
	require.NoError(t, err)
	require.True(t, created)

	client := ts.Client()

	// Unauthenticated admin requests are rejected.
	resp, err := client.Get(ts.URL + "/admin/pairing/pending")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Authenticated listing shows the pending request.
	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/admin/pairing/pending", nil)
	req.Header.Set("Authorization", "Bearer "+testSecret)
	resp, err = client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var listing struct {
		Pending []PendingRequestResponse `json:"pending"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&listing))
	require.Len(t, listing.Pending, 1)
	requestID := listing.Pending[0].RequestID

	// Approve it.
	req, _ = http.NewRequest(http.MethodPost, ts.URL+"/admin/pairing/"+requestID+"/approve", nil)
	req.Header.Set("Authorization", "Bearer "+testSecret)
	resp, err = client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var approved ApprovedDeviceResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&approved))
	assert.Equal(t, dev.id, approved.DeviceID)

	// Approving twice 404s.
	req, _ = http.NewRequest(http.MethodPost, ts.URL+"/admin/pairing/"+requestID+"/approve", nil)
	req.Header.Set("Authorization", "Bearer "+testSecret)
	resp, err = client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_AdminRateLimitReset(t *testing.T) {
	_, ts := newTestServer(t)

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/admin/ratelimit/reset",
		strings.NewReader(`{"identity":"203.0.113.7"}`))
	req.Header.Set("Authorization", "Bearer "+testSecret)
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}
