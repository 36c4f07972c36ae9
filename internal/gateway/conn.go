// ABOUTME: WebSocket connection lifecycle: upgrade, challenge, handshake, serve loop
// ABOUTME: Maps handshake results onto wire frames and close codes

package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/djtuls/openclaw-gateway/internal/auth"
	"github.com/djtuls/openclaw-gateway/internal/protocol"
)

const (
	// handshakeTimeout bounds the wait for the first frame after upgrade.
	handshakeTimeout = 10 * time.Second

	// writeTimeout bounds every outbound frame write.
	writeTimeout = 10 * time.Second

	// idleTimeout disconnects clients that stop sending frames or pongs.
	idleTimeout = 90 * time.Second
)

// connHandler upgrades HTTP requests and drives connections through the
// handshake controller.
type connHandler struct {
	controller *Controller
	nonces     nonceIssuer
	upgrader   websocket.Upgrader
	proxyHdr   string
	logger     *slog.Logger
}

// nonceIssuer mints challenge nonces for new sockets.
type nonceIssuer interface {
	Issue() (string, error)
}

func newConnHandler(controller *Controller, nonces nonceIssuer, proxyHeader string, logger *slog.Logger) *connHandler {
	return &connHandler{
		controller: controller,
		nonces:     nonces,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Origin policy is a handshake stage, not an upgrade gate, so
			// rejected browsers get a structured error instead of a 403.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		proxyHdr: proxyHeader,
		logger:   logger.With("component", "conn"),
	}
}

// ServeHTTP upgrades the request and runs the connection to completion.
func (h *connHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s := &session{
		ConnID:     uuid.NewString(),
		RemoteAddr: r.RemoteAddr,
		RemoteIP:   auth.HostOnly(r.RemoteAddr),
		Origin:     r.Header.Get("Origin"),
		TLS:        r.TLS != nil,
		Local:      auth.IsLoopback(r.RemoteAddr),
	}
	if h.proxyHdr != "" {
		s.ProxyUser = r.Header.Get(h.proxyHdr)
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", "remote_ip", s.RemoteIP, "error", err)
		return
	}
	defer ws.Close()

	ws.SetReadLimit(int64(h.controller.opts.MaxPayloadBytes))

	h.serve(r.Context(), ws, s)
}

func (h *connHandler) serve(ctx context.Context, ws *websocket.Conn, s *session) {
	nonce, err := h.nonces.Issue()
	if err != nil {
		h.logger.Error("nonce issuance failed", "conn_id", s.ConnID, "error", err)
		h.close(ws, protocol.ClosePolicyViolation, "internal error")
		return
	}
	s.Nonce = nonce

	if err := h.write(ws, protocol.NewEvent(protocol.EventChallenge, protocol.ChallengeParams{
		Nonce:    nonce,
		IssuedAt: time.Now().Unix(),
	})); err != nil {
		return
	}

	frame, ok := h.readConnectFrame(ws, s)
	if !ok {
		return
	}
	s.Frame = frame

	res := h.controller.Admit(ctx, s)
	if res.status != stageProceed {
		_ = h.write(ws, protocol.NewErrorResponse(frame.ID, res.errCode, res.message, res.details))
		h.close(ws, res.closeCode, res.errCode)
		return
	}
	defer h.controller.release(s)

	if err := h.write(ws, protocol.NewResponse(frame.ID, s.Hello)); err != nil {
		return
	}

	h.loop(ws, s)
}

// readConnectFrame waits for the first frame and requires it to parse as a
// request. A malformed first frame is fatal: the peer is not speaking the
// protocol.
func (h *connHandler) readConnectFrame(ws *websocket.Conn, s *session) (*protocol.RequestFrame, bool) {
	_ = ws.SetReadDeadline(time.Now().Add(handshakeTimeout))
	_, data, err := ws.ReadMessage()
	if err != nil {
		h.logger.Debug("no connect frame", "conn_id", s.ConnID, "error", err)
		return nil, false
	}
	frame, err := protocol.ParseRequest(data)
	if err != nil {
		_ = h.write(ws, protocol.NewErrorResponse("", protocol.CodeInvalidHandshake, err.Error(), nil))
		h.close(ws, protocol.ClosePolicyViolation, protocol.CodeInvalidHandshake)
		return nil, false
	}
	return frame, true
}

// loop serves an admitted connection. Frame errors after admission are
// non-fatal: the client gets a structured error and the connection stays
// up.
func (h *connHandler) loop(ws *websocket.Conn, s *session) {
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(idleTimeout))
	})

	for {
		_ = ws.SetReadDeadline(time.Now().Add(idleTimeout))
		_, data, err := ws.ReadMessage()
		if err != nil {
			h.logger.Debug("connection closed", "conn_id", s.ConnID, "error", err)
			return
		}

		frame, err := protocol.ParseRequest(data)
		if err != nil {
			if werr := h.write(ws, protocol.NewErrorResponse("", protocol.CodeInvalidRequest, err.Error(), nil)); werr != nil {
				return
			}
			continue
		}

		var reply *protocol.ResponseFrame
		switch frame.Method {
		case "ping":
			reply = protocol.NewResponse(frame.ID, map[string]int64{"ts": time.Now().UnixMilli()})
		case protocol.MethodConnect:
			reply = protocol.NewErrorResponse(frame.ID, protocol.CodeInvalidRequest, "already connected", nil)
		default:
			reply = protocol.NewErrorResponse(frame.ID, protocol.CodeUnknownMethod,
				"unknown method "+frame.Method, nil)
		}
		if err := h.write(ws, reply); err != nil {
			return
		}
	}
}

func (h *connHandler) write(ws *websocket.Conn, v interface{}) error {
	_ = ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := ws.WriteJSON(v); err != nil {
		h.logger.Debug("write failed", "error", err)
		return err
	}
	return nil
}

func (h *connHandler) close(ws *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	_ = ws.WriteMessage(websocket.CloseMessage, msg)
}

// originIsLoopback reports whether an Origin header points at a loopback
// host. Such origins are always allowed so local tooling works without
// configuration.
func originIsLoopback(origin string) bool {
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return auth.IsLoopback(u.Host)
}
