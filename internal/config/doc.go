// Package config handles configuration loading for openclaw-gateway.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// The package provides validation and sensible defaults.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  token: "${OPENCLAW_GATEWAY_TOKEN}"
//
// Syntax: ${VAR_NAME}
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	ratelimit:
//	  scopes:
//	    connect:
//	      window: "60s"
//
// Supported units: ns, us, ms, s, m, h
//
// # Configuration Sections
//
// Server settings:
//
//	server:
//	  listen_addr: "0.0.0.0:8787"
//	  tls_cert: "/etc/openclaw/cert.pem"  # optional, with tls_key
//	  tls_key: "/etc/openclaw/key.pem"
//
// Database:
//
//	database:
//	  path: "/var/lib/openclaw/gateway.db"
//
// Authentication:
//
//	auth:
//	  token: "${OPENCLAW_GATEWAY_TOKEN}"
//	  password: ""                    # alternative to token
//	  jwt_secret: ""                  # enables HS256 bearer tokens
//	  proxy_header: ""                # e.g. X-Forwarded-User
//	  trusted_proxies: []             # required with proxy_header
//
// Gateway handshake policy:
//
//	gateway:
//	  server_id: "gw-1"
//	  allowed_origins: ["https://app.example.com"]
//	  allow_insecure_browser: false
//	  allow_legacy_no_nonce: true
//
// Rate limiting (per scope; unset scopes use built-in defaults):
//
//	ratelimit:
//	  scopes:
//	    shared-secret:
//	      window: "60s"
//	      identity_limit: 20
//	      aggregate_limit: 100
//
// Pairing:
//
//	pairing:
//	  auto_approve_loopback: true
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// # Usage
//
// Load configuration from a path:
//
//	cfg, err := config.Load("/etc/openclaw/gateway.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
package config
