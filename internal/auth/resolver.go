// ABOUTME: Shared-secret and proxy-identity resolution for the connect handshake
// ABOUTME: Evaluates bearer token, password, JWT, and trusted-proxy headers against policy

package auth

import (
	"crypto/subtle"
	"fmt"
	"net"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Auth methods reported in a Decision.
const (
	MethodToken    = "token"
	MethodJWT      = "jwt"
	MethodPassword = "password"
	MethodProxy    = "proxy"
)

// Reasons reported when authorization fails. These are for audit logs, not
// for the wire.
const (
	ReasonNoCredentials      = "no-credentials"
	ReasonInvalidCredentials = "invalid-credentials"
	ReasonUntrustedProxy     = "untrusted-proxy"
)

// Policy is the configured credential material. Empty fields disable the
// corresponding method.
type Policy struct {
	// Token is the shared bearer secret.
	Token string
	// Password is the shared password secret.
	Password string
	// JWTSecret enables HS256 bearer tokens whose sub claim names the
	// principal.
	JWTSecret string
	// ProxyHeader names the header a trusted reverse proxy uses to assert
	// an already-authenticated identity.
	ProxyHeader string
	// TrustedProxies lists remote IPs allowed to assert proxy identity.
	TrustedProxies []string
}

// Enabled reports whether any shared-secret method is configured.
func (p Policy) Enabled() bool {
	return p.Token != "" || p.Password != "" || p.JWTSecret != "" || p.ProxyHeader != ""
}

// Credentials are the secrets presented by a connecting client.
type Credentials struct {
	Token    string
	Password string
	// ProxyUser is the identity asserted via the configured proxy header,
	// if any.
	ProxyUser string
}

// RequestMeta describes the transport context of an auth attempt.
type RequestMeta struct {
	// RemoteAddr is the peer address, host:port or bare host.
	RemoteAddr string
}

// Decision is the outcome of an authorization attempt.
type Decision struct {
	OK      bool
	Method  string
	Subject string
	Reason  string
}

// Resolver evaluates connect credentials against configured policy.
type Resolver struct {
	policy Policy
}

// NewResolver creates a Resolver for the given policy.
func NewResolver(policy Policy) *Resolver {
	return &Resolver{policy: policy}
}

// Enabled reports whether the resolver has any method configured.
func (r *Resolver) Enabled() bool {
	return r.policy.Enabled()
}

// Authorize evaluates the presented credentials. Comparisons of shared
// secrets are constant-time. The decision's Reason is only ever surfaced in
// audit logs; the wire sees a generic auth failure.
func (r *Resolver) Authorize(creds Credentials, meta RequestMeta) Decision {
	if creds.Token == "" && creds.Password == "" && creds.ProxyUser == "" {
		return Decision{Reason: ReasonNoCredentials}
	}

	if creds.Token != "" {
		if r.policy.Token != "" && secureEqual(creds.Token, r.policy.Token) {
			return Decision{OK: true, Method: MethodToken}
		}
		if r.policy.JWTSecret != "" {
			if sub, err := r.verifyJWT(creds.Token); err == nil {
				return Decision{OK: true, Method: MethodJWT, Subject: sub}
			}
		}
	}

	if creds.Password != "" && r.policy.Password != "" && secureEqual(creds.Password, r.policy.Password) {
		return Decision{OK: true, Method: MethodPassword}
	}

	if creds.ProxyUser != "" && r.policy.ProxyHeader != "" {
		if !r.trustedProxy(meta.RemoteAddr) {
			return Decision{Reason: ReasonUntrustedProxy}
		}
		return Decision{OK: true, Method: MethodProxy, Subject: creds.ProxyUser}
	}

	return Decision{Reason: ReasonInvalidCredentials}
}

// verifyJWT validates an HS256 token and extracts the sub claim.
func (r *Resolver) verifyJWT(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(r.policy.JWTSecret), nil
	})
	if err != nil {
		return "", err
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", fmt.Errorf("unexpected claims type")
	}
	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return "", fmt.Errorf("missing sub claim")
	}
	return sub, nil
}

// trustedProxy reports whether the remote address is a configured proxy.
func (r *Resolver) trustedProxy(remoteAddr string) bool {
	ip := HostOnly(remoteAddr)
	for _, p := range r.policy.TrustedProxies {
		if p == ip {
			return true
		}
	}
	return false
}

// secureEqual compares secrets in constant time.
func secureEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// HostOnly strips a port from host:port, tolerating bare hosts.
func HostOnly(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return strings.Trim(addr, "[]")
}

// IsLoopback reports whether the remote address is a loopback peer. Local
// connections are granted the trusted-local relaxations: silent pairing
// approval, optional nonce, and the legacy signature fallback.
func IsLoopback(remoteAddr string) bool {
	host := HostOnly(remoteAddr)
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
