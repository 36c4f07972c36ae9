// ABOUTME: Gateway orchestrator that wires stores, limiters, and the WebSocket endpoint
// ABOUTME: Manages listener lifecycle, health and metrics endpoints, and graceful shutdown

package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/djtuls/openclaw-gateway/internal/auth"
	"github.com/djtuls/openclaw-gateway/internal/breaker"
	"github.com/djtuls/openclaw-gateway/internal/config"
	"github.com/djtuls/openclaw-gateway/internal/deviceauth"
	"github.com/djtuls/openclaw-gateway/internal/metrics"
	"github.com/djtuls/openclaw-gateway/internal/nodes"
	"github.com/djtuls/openclaw-gateway/internal/nonce"
	"github.com/djtuls/openclaw-gateway/internal/notify"
	"github.com/djtuls/openclaw-gateway/internal/pairing"
	"github.com/djtuls/openclaw-gateway/internal/presence"
	"github.com/djtuls/openclaw-gateway/internal/ratelimit"
	"github.com/djtuls/openclaw-gateway/internal/retry"
	"github.com/djtuls/openclaw-gateway/internal/tokens"
	"github.com/djtuls/openclaw-gateway/internal/trace"
)

// nonceTTL matches the device signature freshness window so a challenge
// outlives any signature minted against it.
const (
	nonceTTL     = 10 * time.Minute
	nonceMaxSize = 10_000
)

// Server orchestrates the openclaw-gateway components.
type Server struct {
	config     *config.Config
	httpServer *http.Server
	pairStore  *pairing.SQLiteStore
	tokenStore *tokens.SQLiteStore
	nonces     *nonce.Registry
	limits     *ratelimit.Scopes
	presence   *presence.Store
	nodes      *nodes.Registry
	metrics    *metrics.Metrics
	webhook    *notify.Webhook
	logger     *slog.Logger

	// serverID identifies this gateway instance in hello-ok payloads
	serverID string
}

// initStores opens the pairing and token stores on the configured database.
func initStores(cfg *config.Config) (*pairing.SQLiteStore, *tokens.SQLiteStore, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("OPENCLAW_DB_PATH"); envPath != "" {
		dbPath = envPath
	}

	pairStore, err := pairing.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, nil, fmt.Errorf("initializing pairing store: %w", err)
	}
	tokenStore, err := tokens.NewSQLiteStore(dbPath)
	if err != nil {
		_ = pairStore.Close()
		return nil, nil, fmt.Errorf("initializing token store: %w", err)
	}
	return pairStore, tokenStore, nil
}

// limiterConfigs maps config overrides onto ratelimit scope configs.
func limiterConfigs(cfg config.RateLimitConfig) map[string]ratelimit.Config {
	out := make(map[string]ratelimit.Config, len(cfg.Scopes))
	for name, sc := range cfg.Scopes {
		out[name] = ratelimit.Config{
			Window:         sc.Window,
			IdentityLimit:  sc.IdentityLimit,
			AggregateLimit: sc.AggregateLimit,
		}
	}
	return out
}

// newWebhook builds the operator notifier when configured. The breaker
// keeps a dead console from stalling handshakes.
func newWebhook(cfg config.NotifyConfig, logger *slog.Logger) *notify.Webhook {
	if cfg.WebhookURL == "" {
		return nil
	}
	b := breaker.New(breaker.Config{})
	return notify.NewWebhook(cfg.WebhookURL, b, logger)
}

// New creates a Server instance with the given configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	pairStore, tokenStore, err := initStores(cfg)
	if err != nil {
		return nil, err
	}

	serverID := cfg.Gateway.ServerID
	if serverID == "" {
		serverID = generateServerID()
	}

	m := metrics.New()
	nonces := nonce.New(nonceTTL, nonceMaxSize)
	limits := ratelimit.NewScopes(limiterConfigs(cfg.RateLimit))
	presenceStore := presence.NewStore()
	nodeRegistry := nodes.NewRegistry(logger)
	webhook := newWebhook(cfg.Notify, logger)

	resolver := auth.NewResolver(auth.Policy{
		Token:          cfg.Auth.Token,
		Password:       cfg.Auth.Password,
		JWTSecret:      cfg.Auth.JWTSecret,
		ProxyHeader:    cfg.Auth.ProxyHeader,
		TrustedProxies: cfg.Auth.TrustedProxies,
	})
	if !resolver.Enabled() {
		logger.Warn("shared-secret auth disabled - no token, password, jwt_secret, or proxy_header configured")
	}

	verifier := deviceauth.NewVerifier(nonces, cfg.Gateway.LegacyNoNonce())
	pairGate := pairing.NewGate(pairStore, logger)

	controller := NewController(HandshakeOptions{
		ServerID:             serverID,
		AllowedOrigins:       cfg.Gateway.AllowedOrigins,
		AllowInsecureBrowser: cfg.Gateway.AllowInsecureBrowser,
		AutoApproveLoopback:  cfg.Pairing.AutoApprove(),
		MaxPayloadBytes:      cfg.Gateway.MaxPayloadBytes,
	}, ControllerDeps{
		Auth:     resolver,
		Verifier: verifier,
		PairGate: pairGate,
		Tokens:   tokenStore,
		Limits:   limits,
		Presence: presenceStore,
		Nodes:    nodeRegistry,
		Notifier: webhook,
		Metrics:  m,
		Tracer:   trace.Nop{},
		Logger:   logger,
	})

	srv := &Server{
		config:     cfg,
		pairStore:  pairStore,
		tokenStore: tokenStore,
		nonces:     nonces,
		limits:     limits,
		presence:   presenceStore,
		nodes:      nodeRegistry,
		metrics:    m,
		webhook:    webhook,
		logger:     logger.With("component", "gateway"),
		serverID:   serverID,
	}

	mux := http.NewServeMux()

	// Health endpoints - no auth required
	mux.HandleFunc("/healthz", srv.handleHealthz)
	mux.HandleFunc("/healthz/ready", srv.handleReady)

	if cfg.Metrics.Enabled {
		path := cfg.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		mux.Handle(path, m.Handler())
	}

	conns := newConnHandler(controller, nonces, cfg.Auth.ProxyHeader, logger)
	mux.Handle("/ws", conns)

	srv.registerAdminRoutes(mux, resolver)

	srv.httpServer = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return srv, nil
}

// Run starts the gateway and blocks until the context is canceled.
// Returns nil on graceful shutdown, or an error if the server fails.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.config.Server.ListenAddr, err)
	}

	s.probeWebhook(ctx)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("gateway listening",
			"addr", ln.Addr().String(),
			"server_id", s.serverID,
			"tls", s.config.Server.TLSCert != "",
		)
		var serveErr error
		if s.config.Server.TLSCert != "" {
			serveErr = s.httpServer.ServeTLS(ln, s.config.Server.TLSCert, s.config.Server.TLSKey)
		} else {
			serveErr = s.httpServer.Serve(ln)
		}
		if serveErr != nil && serveErr != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server: %w", serveErr)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		s.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		s.logger.Error("server error", "error", serverErr)
	}

	shutdownErr := s.gracefulShutdown()
	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// probeWebhook verifies the operator console is reachable at startup.
// Failure is logged, not fatal: pairing notifications will retry through
// the breaker once the console returns.
func (s *Server) probeWebhook(ctx context.Context) {
	if s.webhook == nil {
		return
	}
	go func() {
		connector := retry.New(retry.Config{})
		if err := s.webhook.Probe(ctx, connector); err != nil {
			s.logger.Warn("notification webhook unreachable", "error", err)
		}
	}()
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() intentionally since the original context is already canceled.
func (s *Server) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.Shutdown(ctx)
}

// Shutdown gracefully stops the server and releases resources.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down gateway")

	var errs []error
	if err := s.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}

	s.nonces.Close()

	if err := s.tokenStore.Close(); err != nil {
		errs = append(errs, fmt.Errorf("token store close: %w", err))
	}
	if err := s.pairStore.Close(); err != nil {
		errs = append(errs, fmt.Errorf("pairing store close: %w", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// Handler exposes the HTTP handler for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// handleHealthz returns 200 OK if the server is alive.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK once the server accepts connections, with a
// summary of live sessions.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d nodes, %d present)", len(s.nodes.List()), len(s.presence.List()))
}

// generateServerID creates a unique identifier for this gateway instance.
func generateServerID() string {
	return fmt.Sprintf("openclaw-gateway-%d", time.Now().UnixNano()%1000000)
}
