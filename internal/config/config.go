// ABOUTME: Configuration loading and parsing for openclaw-gateway
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete openclaw-gateway configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Auth      AuthConfig      `yaml:"auth"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	RateLimit RateLimitConfig `yaml:"ratelimit"`
	Pairing   PairingConfig   `yaml:"pairing"`
	Notify    NotifyConfig    `yaml:"notify"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// ServerConfig holds listener configuration
type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	TLSCert    string `yaml:"tls_cert"`
	TLSKey     string `yaml:"tls_key"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig holds shared-secret and proxy-identity configuration
type AuthConfig struct {
	Token          string   `yaml:"token"`
	Password       string   `yaml:"password"`
	JWTSecret      string   `yaml:"jwt_secret"`
	ProxyHeader    string   `yaml:"proxy_header"`
	TrustedProxies []string `yaml:"trusted_proxies"`
}

// GatewayConfig holds handshake policy configuration
type GatewayConfig struct {
	ServerID string `yaml:"server_id"`
	// AllowedOrigins is the Origin allowlist for browser-mode clients
	AllowedOrigins []string `yaml:"allowed_origins"`
	// AllowInsecureBrowser lets browser clients skip device identity even
	// outside a secure context
	AllowInsecureBrowser bool `yaml:"allow_insecure_browser"`
	// AllowLegacyNoNonce permits loopback devices to sign the legacy
	// payload without a challenge nonce
	AllowLegacyNoNonce *bool `yaml:"allow_legacy_no_nonce"`
	MaxPayloadBytes    int   `yaml:"max_payload_bytes"`
}

// ScopeLimitConfig holds overrides for a single rate-limit scope
type ScopeLimitConfig struct {
	Window         time.Duration `yaml:"-"`
	IdentityLimit  int           `yaml:"identity_limit"`
	AggregateLimit int           `yaml:"aggregate_limit"`

	// Raw string value for YAML unmarshaling
	WindowRaw string `yaml:"window"`
}

// RateLimitConfig holds per-scope rate limit overrides keyed by scope name
type RateLimitConfig struct {
	Scopes map[string]ScopeLimitConfig `yaml:"scopes"`
}

// PairingConfig holds device pairing configuration
type PairingConfig struct {
	// AutoApproveLoopback silently approves devices connecting from
	// loopback addresses. Defaults to true when unset.
	AutoApproveLoopback *bool `yaml:"auto_approve_loopback"`
}

// NotifyConfig holds the operator notification webhook configuration
type NotifyConfig struct {
	WebhookURL string `yaml:"webhook_url"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// AutoApprove reports whether loopback devices pair silently.
func (p PairingConfig) AutoApprove() bool {
	if p.AutoApproveLoopback == nil {
		return true
	}
	return *p.AutoApproveLoopback
}

// LegacyNoNonce reports whether the legacy no-nonce signature payload is
// accepted from loopback devices.
func (g GatewayConfig) LegacyNoNonce() bool {
	if g.AllowLegacyNoNonce == nil {
		return true
	}
	return *g.AllowLegacyNoNonce
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	return Parse(data)
}

// Parse parses and validates raw YAML configuration bytes.
func Parse(data []byte) (*Config, error) {
	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Parse duration fields
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	// Match ${VAR_NAME} pattern
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.ListenAddr == "" {
		return fmt.Errorf("server.listen_addr is required")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if (c.Server.TLSCert == "") != (c.Server.TLSKey == "") {
		return fmt.Errorf("server.tls_cert and server.tls_key must be set together")
	}

	if c.Auth.ProxyHeader != "" && len(c.Auth.TrustedProxies) == 0 {
		return fmt.Errorf("auth.trusted_proxies is required when auth.proxy_header is set")
	}

	for name, scope := range c.RateLimit.Scopes {
		if scope.IdentityLimit < 0 || scope.AggregateLimit < 0 {
			return fmt.Errorf("ratelimit.scopes.%s: limits must not be negative", name)
		}
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	for name, scope := range cfg.RateLimit.Scopes {
		if scope.WindowRaw == "" {
			continue
		}

		window, err := time.ParseDuration(scope.WindowRaw)
		if err != nil {
			return fmt.Errorf("parsing ratelimit.scopes.%s.window %q: %w", name, scope.WindowRaw, err)
		}

		scope.Window = window
		cfg.RateLimit.Scopes[name] = scope
	}

	return nil
}
