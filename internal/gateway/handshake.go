// ABOUTME: Connect handshake controller: ordered stages from raw frame to admitted session
// ABOUTME: Each stage returns a tagged result; the sequencer stops at the first rejection

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/djtuls/openclaw-gateway/internal/auth"
	"github.com/djtuls/openclaw-gateway/internal/breaker"
	"github.com/djtuls/openclaw-gateway/internal/deviceauth"
	"github.com/djtuls/openclaw-gateway/internal/metrics"
	"github.com/djtuls/openclaw-gateway/internal/nodes"
	"github.com/djtuls/openclaw-gateway/internal/notify"
	"github.com/djtuls/openclaw-gateway/internal/pairing"
	"github.com/djtuls/openclaw-gateway/internal/presence"
	"github.com/djtuls/openclaw-gateway/internal/protocol"
	"github.com/djtuls/openclaw-gateway/internal/ratelimit"
	"github.com/djtuls/openclaw-gateway/internal/tokens"
	"github.com/djtuls/openclaw-gateway/internal/trace"
)

// Default resource limits advertised in hello-ok.
const (
	DefaultMaxPayloadBytes  = 512 * 1024
	DefaultMaxBufferedBytes = 4 * 1024 * 1024
	defaultTickIntervalMs   = 30_000
)

// Methods and events advertised to admitted clients.
var (
	serverMethods = []string{protocol.MethodConnect, "ping"}
	serverEvents  = []string{protocol.EventChallenge, protocol.EventPairingRequested}
)

type stageStatus int

const (
	stageProceed stageStatus = iota
	stageReject
)

// stageResult is the tagged outcome of one handshake stage. A rejection
// carries the wire error and the close code the connection should use.
type stageResult struct {
	status    stageStatus
	closeCode int
	errCode   string
	message   string
	details   interface{}
}

func proceed() stageResult {
	return stageResult{status: stageProceed}
}

func reject(code, message string) stageResult {
	return stageResult{
		status:    stageReject,
		closeCode: protocol.ClosePolicyViolation,
		errCode:   code,
		message:   message,
	}
}

func rejectWith(closeCode int, code, message string, details interface{}) stageResult {
	return stageResult{
		status:    stageReject,
		closeCode: closeCode,
		errCode:   code,
		message:   message,
		details:   details,
	}
}

// session accumulates handshake state for one connection attempt.
type session struct {
	ConnID     string
	RemoteAddr string
	RemoteIP   string
	Origin     string
	TLS        bool
	Local      bool
	// ProxyUser is the identity asserted by a reverse proxy header, if any.
	ProxyUser string

	Frame  *protocol.RequestFrame
	Params *protocol.ConnectParams

	// Nonce is the challenge issued when the socket opened.
	Nonce string

	AuthDecision auth.Decision
	Device       *pairing.Device
	Grant        *protocol.AuthGrant
	Hello        *protocol.HelloOK
}

// HandshakeOptions is the policy the controller enforces.
type HandshakeOptions struct {
	ServerID             string
	AllowedOrigins       []string
	AllowInsecureBrowser bool
	AutoApproveLoopback  bool
	MaxPayloadBytes      int
}

// Controller runs the connect handshake. It owns no transport: the
// connection layer feeds it the first frame and maps its result onto the
// socket.
type Controller struct {
	opts     HandshakeOptions
	authz    *auth.Resolver
	verifier *deviceauth.Verifier
	pairGate *pairing.Gate
	tokens   tokens.Store
	limits   *ratelimit.Scopes
	presence *presence.Store
	nodes    *nodes.Registry
	notifier notify.Notifier
	metrics  *metrics.Metrics
	tracer   trace.Tracer
	logger   *slog.Logger
}

// ControllerDeps bundles the controller's collaborators.
type ControllerDeps struct {
	Auth     *auth.Resolver
	Verifier *deviceauth.Verifier
	PairGate *pairing.Gate
	Tokens   tokens.Store
	Limits   *ratelimit.Scopes
	Presence *presence.Store
	Nodes    *nodes.Registry
	Notifier notify.Notifier
	Metrics  *metrics.Metrics
	Tracer   trace.Tracer
	Logger   *slog.Logger
}

// NewController creates a handshake controller.
func NewController(opts HandshakeOptions, deps ControllerDeps) *Controller {
	if opts.MaxPayloadBytes <= 0 {
		opts.MaxPayloadBytes = DefaultMaxPayloadBytes
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := deps.Tracer
	if tracer == nil {
		tracer = trace.Nop{}
	}
	var notifier notify.Notifier = deps.Notifier
	if notifier == nil {
		notifier = (*notify.Webhook)(nil)
	}
	return &Controller{
		opts:     opts,
		authz:    deps.Auth,
		verifier: deps.Verifier,
		pairGate: deps.PairGate,
		tokens:   deps.Tokens,
		limits:   deps.Limits,
		presence: deps.Presence,
		nodes:    deps.Nodes,
		notifier: notifier,
		metrics:  deps.Metrics,
		tracer:   tracer,
		logger:   logger.With("component", "handshake"),
	}
}

// stage pairs a name (for tracing and audit logs) with its check.
type stage struct {
	name string
	run  func(ctx context.Context, s *session) stageResult
}

func (c *Controller) stages() []stage {
	return []stage{
		{"throttle", c.stageThrottle},
		{"frame", c.stageFrame},
		{"protocol", c.stageProtocol},
		{"role", c.stageRole},
		{"origin", c.stageOrigin},
		{"auth", c.stageAuth},
		{"device-required", c.stageDeviceRequired},
		{"device-verify", c.stageDeviceVerify},
		{"pairing", c.stagePairing},
		{"token", c.stageToken},
		{"admit", c.stageAdmit},
	}
}

// Admit runs every handshake stage in order, stopping at the first
// rejection. On success the session carries the hello-ok payload.
func (c *Controller) Admit(ctx context.Context, s *session) stageResult {
	for _, st := range c.stages() {
		res := st.run(ctx, s)
		if res.status != stageProceed {
			c.tracer.Stage(ctx, s.ConnID, st.name, res.errCode)
			c.metrics.HandshakesTotal.WithLabelValues("rejected", res.errCode).Inc()
			c.logger.Warn("handshake rejected",
				"conn_id", s.ConnID,
				"stage", st.name,
				"code", res.errCode,
				"remote_ip", s.RemoteIP,
			)
			return res
		}
		c.tracer.Stage(ctx, s.ConnID, st.name, "ok")
	}
	c.metrics.HandshakesTotal.WithLabelValues("accepted", "").Inc()
	c.logger.Info("handshake accepted",
		"conn_id", s.ConnID,
		"client_id", s.Params.Client.ID,
		"role", s.Params.Role,
		"mode", s.Params.Client.Mode,
		"auth_method", s.AuthDecision.Method,
		"remote_ip", s.RemoteIP,
	)
	return proceed()
}

// stageThrottle consumes connection-attempt budget before any parsing.
func (c *Controller) stageThrottle(_ context.Context, s *session) stageResult {
	res := c.limits.Scope(ratelimit.ScopeConnect).Check(s.RemoteIP, "all")
	if !res.Allowed {
		c.metrics.RateLimitedTotal.WithLabelValues(ratelimit.ScopeConnect).Inc()
		return rejectWith(protocol.ClosePolicyViolation, protocol.CodeRateLimited,
			"too many connection attempts", retryDetails(res.RetryAfter))
	}
	return proceed()
}

// stageFrame requires the first frame to be a well-formed connect request.
func (c *Controller) stageFrame(_ context.Context, s *session) stageResult {
	if s.Frame.Method != protocol.MethodConnect {
		return reject(protocol.CodeInvalidHandshake,
			fmt.Sprintf("expected %s, got %s", protocol.MethodConnect, s.Frame.Method))
	}
	params, err := protocol.ParseConnectParams(s.Frame.Params)
	if err != nil {
		return reject(protocol.CodeInvalidHandshake, err.Error())
	}
	s.Params = params
	return proceed()
}

// stageProtocol negotiates the protocol version against the client's range.
func (c *Controller) stageProtocol(_ context.Context, s *session) stageResult {
	if protocol.Version < s.Params.MinProtocol || protocol.Version > s.Params.MaxProtocol {
		return rejectWith(protocol.CloseProtocolMismatch, protocol.CodeProtocolMismatch,
			fmt.Sprintf("server speaks protocol %d, client accepts [%d,%d]",
				protocol.Version, s.Params.MinProtocol, s.Params.MaxProtocol),
			map[string]int{"server": protocol.Version})
	}
	return proceed()
}

// stageRole validates role and client mode.
func (c *Controller) stageRole(_ context.Context, s *session) stageResult {
	switch s.Params.Role {
	case protocol.RoleOperator, protocol.RoleNode:
	default:
		return reject(protocol.CodeInvalidRole, fmt.Sprintf("unknown role %q", s.Params.Role))
	}
	switch s.Params.Client.Mode {
	case protocol.ModeBrowser, protocol.ModeCLI, protocol.ModeService:
	default:
		return reject(protocol.CodeInvalidHandshake,
			fmt.Sprintf("unknown client mode %q", s.Params.Client.Mode))
	}
	if s.Params.Role == protocol.RoleNode && s.Params.Client.Mode == protocol.ModeBrowser {
		return reject(protocol.CodeInvalidRole, "browser clients cannot hold the node role")
	}
	return proceed()
}

// stageOrigin enforces the Origin allowlist for browser clients. Loopback
// origins are always accepted; other modes skip the check since non-browser
// clients can forge any Origin they like.
func (c *Controller) stageOrigin(_ context.Context, s *session) stageResult {
	if s.Params.Client.Mode != protocol.ModeBrowser {
		return proceed()
	}
	if s.Origin == "" {
		return reject(protocol.CodeOriginDenied, "browser clients must send an Origin")
	}
	if originIsLoopback(s.Origin) {
		return proceed()
	}
	for _, allowed := range c.opts.AllowedOrigins {
		if allowed == s.Origin {
			return proceed()
		}
	}
	return reject(protocol.CodeOriginDenied, "origin not allowed")
}

// stageAuth resolves shared-secret credentials, falling back to the stored
// device token. Attempts carrying credentials consume rate-limit budget
// before the secrets are examined, so a rejected attempt costs nothing to
// compare.
func (c *Controller) stageAuth(ctx context.Context, s *session) stageResult {
	if !c.authz.Enabled() {
		s.AuthDecision = auth.Decision{OK: true, Method: "none"}
		return proceed()
	}

	creds := auth.Credentials{ProxyUser: s.ProxyUser}
	if s.Params.Auth != nil {
		creds.Token = s.Params.Auth.Token
		creds.Password = s.Params.Auth.Password
	}

	if creds.Token != "" || creds.Password != "" || creds.ProxyUser != "" {
		res := c.limits.Scope(ratelimit.ScopeSharedSecret).Check(s.RemoteIP, "all")
		if !res.Allowed {
			c.metrics.RateLimitedTotal.WithLabelValues(ratelimit.ScopeSharedSecret).Inc()
			return rejectWith(protocol.ClosePolicyViolation, protocol.CodeRateLimited,
				"too many authentication attempts", retryDetails(res.RetryAfter))
		}
	}

	decision := c.authz.Authorize(creds, auth.RequestMeta{RemoteAddr: s.RemoteAddr})
	if decision.OK {
		s.AuthDecision = decision
		return proceed()
	}

	// A paired device may reconnect on its rotating token instead of the
	// shared secret.
	if creds.Token != "" && s.Params.Device != nil {
		if res := c.verifyDeviceToken(ctx, s, creds.Token); res != nil {
			return *res
		}
		if s.AuthDecision.OK {
			return proceed()
		}
	}

	c.logger.Warn("auth rejected",
		"conn_id", s.ConnID,
		"reason", decision.Reason,
		"remote_ip", s.RemoteIP,
	)
	return reject(protocol.CodeAuthRequired, "authentication failed")
}

// verifyDeviceToken checks the presented token against the device's stored
// binding. Returns a rejection result on rate limit, nil otherwise; on a
// successful match it sets the session's auth decision.
func (c *Controller) verifyDeviceToken(ctx context.Context, s *session, token string) *stageResult {
	deviceID := s.Params.Device.ID
	res := c.limits.Scope(ratelimit.ScopeDeviceToken).Check(deviceID, "all")
	if !res.Allowed {
		c.metrics.RateLimitedTotal.WithLabelValues(ratelimit.ScopeDeviceToken).Inc()
		r := rejectWith(protocol.ClosePolicyViolation, protocol.CodeRateLimited,
			"too many token attempts", retryDetails(res.RetryAfter))
		return &r
	}
	ok, err := c.tokens.VerifyToken(ctx, deviceID, token, s.Params.Role, s.Params.Scopes)
	if err != nil {
		c.logger.Error("device token lookup failed", "conn_id", s.ConnID, "error", err)
		return nil
	}
	if ok {
		s.AuthDecision = auth.Decision{OK: true, Method: "device-token", Subject: deviceID}
	}
	return nil
}

// stageDeviceRequired enforces device identity. Authenticated clients may
// omit the device block, with two exceptions: browsers outside a secure
// context (TLS or loopback) must present one, and the node role always
// must.
func (c *Controller) stageDeviceRequired(_ context.Context, s *session) stageResult {
	if s.Params.Device != nil {
		return proceed()
	}
	if s.Params.Role == protocol.RoleNode {
		return reject(protocol.CodeDeviceAuthInvalid, "node connections require a device identity")
	}
	if s.Params.Client.Mode == protocol.ModeBrowser && !s.TLS && !s.Local && !c.opts.AllowInsecureBrowser {
		return reject(protocol.CodeDeviceAuthInvalid,
			"browser connections outside a secure context require a device identity")
	}
	if s.AuthDecision.OK {
		return proceed()
	}
	return reject(protocol.CodeDeviceAuthInvalid, "device identity required")
}

// stageDeviceVerify validates the signed device block. The audit log gets
// the precise failure; the wire gets a generic rejection.
func (c *Controller) stageDeviceVerify(_ context.Context, s *session) stageResult {
	if s.Params.Device == nil {
		return proceed()
	}
	dev := s.Params.Device
	// The echoed nonce must be the one issued on this socket, not just any
	// outstanding challenge.
	if dev.Nonce != "" && dev.Nonce != s.Nonce {
		c.logger.Warn("device verification failed",
			"conn_id", s.ConnID,
			"device_id", dev.ID,
			"error", "nonce does not match this connection's challenge",
		)
		return reject(protocol.CodeDeviceAuthInvalid, "device verification failed")
	}
	var token string
	if s.Params.Auth != nil {
		token = s.Params.Auth.Token
	}
	req := &deviceauth.Request{
		DeviceID:  dev.ID,
		PublicKey: dev.PublicKey,
		Signature: dev.Signature,
		SignedAt:  dev.SignedAt,
		Nonce:     dev.Nonce,
		ClientID:  s.Params.Client.ID,
		Mode:      s.Params.Client.Mode,
		Role:      s.Params.Role,
		Scopes:    s.Params.Scopes,
		Token:     token,
		Local:     s.Local,
	}
	if err := c.verifier.Verify(req); err != nil {
		c.logger.Warn("device verification failed",
			"conn_id", s.ConnID,
			"device_id", dev.ID,
			"error", err,
		)
		return reject(protocol.CodeDeviceAuthInvalid, "device verification failed")
	}
	return proceed()
}

// stagePairing runs the pairing gate for a verified device. Unpaired
// devices are parked behind a pending request; operators are notified once
// per request.
func (c *Controller) stagePairing(ctx context.Context, s *session) stageResult {
	if s.Params.Device == nil {
		return proceed()
	}
	meta := pairing.Meta{
		DisplayName:   s.Params.Client.DisplayName,
		Platform:      s.Params.Client.Platform,
		ClientVersion: s.Params.Client.Version,
		Role:          s.Params.Role,
		Scopes:        s.Params.Scopes,
		RemoteIP:      s.RemoteIP,
		Silent:        s.Local && c.opts.AutoApproveLoopback,
	}
	dec, err := c.pairGate.Evaluate(ctx, s.Params.Device.ID, s.Params.Device.PublicKey, meta)
	if err != nil {
		c.logger.Error("pairing evaluation failed", "conn_id", s.ConnID, "error", err)
		return reject(protocol.CodeInvalidHandshake, "pairing unavailable")
	}
	if !dec.Paired {
		if dec.Created {
			c.metrics.PairingRequests.Inc()
			c.notifyPairingRequested(dec.Pending)
		}
		return rejectWith(protocol.ClosePolicyViolation, protocol.CodeNotPaired,
			"device awaits operator approval",
			protocol.PairingPendingDetails{RequestID: dec.Pending.ID})
	}
	s.Device = dec.Device
	return proceed()
}

// notifyPairingRequested pushes the pending request to operators off the
// handshake path. Delivery failures are the notifier's problem.
func (c *Controller) notifyPairingRequested(req *pairing.Request) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		err := c.notifier.Notify(ctx, notify.Event{
			Kind:      protocol.EventPairingRequested,
			Timestamp: time.Now().UTC(),
			Payload: map[string]interface{}{
				"requestId":   req.ID,
				"deviceId":    req.DeviceID,
				"displayName": req.DisplayName,
				"role":        req.Role,
				"scopes":      req.Scopes,
				"remoteIp":    req.RemoteIP,
			},
		})
		if err != nil {
			if errors.Is(err, breaker.ErrOpen) {
				c.metrics.BreakerOpenTotal.Inc()
			}
			c.logger.Warn("pairing notification failed", "request_id", req.ID, "error", err)
		}
	}()
}

// stageToken mints or rotates the device's bearer token.
func (c *Controller) stageToken(ctx context.Context, s *session) stageResult {
	if s.Device == nil {
		return proceed()
	}
	res := c.limits.Scope(ratelimit.ScopeDeviceToken).Check(s.Device.ID, "all")
	if !res.Allowed {
		c.metrics.RateLimitedTotal.WithLabelValues(ratelimit.ScopeDeviceToken).Inc()
		return rejectWith(protocol.ClosePolicyViolation, protocol.CodeRateLimited,
			"too many token rotations", retryDetails(res.RetryAfter))
	}
	tok, err := c.tokens.EnsureToken(ctx, s.Device.ID, s.Params.Role, s.Params.Scopes)
	if err != nil {
		c.logger.Error("token issuance failed", "conn_id", s.ConnID, "device_id", s.Device.ID, "error", err)
		return reject(protocol.CodeInvalidHandshake, "token issuance unavailable")
	}
	c.metrics.TokensIssuedTotal.Inc()
	s.Grant = &protocol.AuthGrant{
		DeviceToken: tok.Token,
		Role:        tok.Role,
		Scopes:      tok.Scopes,
		IssuedAt:    tok.IssuedAt.Unix(),
	}
	return proceed()
}

// presenceKey picks the liveness-record key for a session: the device ID,
// falling back to the install-instance ID, then the client ID. CLI sessions
// are transient and keep no presence record at all.
func (s *session) presenceKey() string {
	if s.Params.Client.Mode == protocol.ModeCLI {
		return ""
	}
	if s.Device != nil {
		return s.Device.ID
	}
	if s.Params.Client.InstanceID != "" {
		return s.Params.Client.InstanceID
	}
	return s.Params.Client.ID
}

// stageAdmit registers the session and builds the hello-ok payload.
func (c *Controller) stageAdmit(_ context.Context, s *session) stageResult {
	presenceKey := s.presenceKey()
	if presenceKey != "" {
		c.presence.Upsert(presenceKey, presence.Entry{
			Key:         presenceKey,
			ConnID:      s.ConnID,
			Role:        s.Params.Role,
			DisplayName: s.Params.Client.DisplayName,
			Platform:    s.Params.Client.Platform,
			Version:     s.Params.Client.Version,
			RemoteIP:    s.RemoteIP,
			LastSeen:    time.Now(),
		})
	}

	if s.Params.Role == protocol.RoleNode {
		err := c.nodes.Register(&nodes.Session{
			ConnID:      s.ConnID,
			DeviceID:    s.Device.ID,
			InstanceID:  s.Params.Client.InstanceID,
			DisplayName: s.Params.Client.DisplayName,
			Scopes:      s.Params.Scopes,
			Commands:    s.Params.Commands,
		})
		if err != nil {
			if presenceKey != "" {
				c.presence.Remove(presenceKey)
			}
			return reject(protocol.CodeInvalidHandshake, "node registration failed")
		}
	}

	s.Hello = &protocol.HelloOK{
		Protocol: protocol.Version,
		ServerID: c.opts.ServerID,
		Methods:  serverMethods,
		Events:   serverEvents,
		Limits: protocol.Limits{
			MaxPayloadBytes:  c.opts.MaxPayloadBytes,
			MaxBufferedBytes: DefaultMaxBufferedBytes,
			TickIntervalMs:   defaultTickIntervalMs,
		},
		Auth: s.Grant,
	}
	return proceed()
}

// release tears down registrations made during admission.
func (c *Controller) release(s *session) {
	if key := s.presenceKey(); key != "" {
		c.presence.Remove(key)
	}
	if s.Params.Role == protocol.RoleNode {
		c.nodes.Unregister(s.ConnID)
	}
}

// retryDetails shapes a RetryAfter duration for the wire.
func retryDetails(d time.Duration) map[string]int64 {
	return map[string]int64{"retryAfterMs": d.Milliseconds()}
}
