// ABOUTME: Named rate-limit scopes so unrelated attempt classes keep separate budgets
// ABOUTME: Shared-secret auth failures and device-token rotations never share a window

package ratelimit

import (
	"sync"

	"github.com/benbjohnson/clock"
)

// Well-known scope names used by the gateway. Scopes are independent: a
// failing shared-secret probe does not consume the device-token budget.
const (
	ScopeSharedSecret = "shared-secret"
	ScopeDeviceToken  = "device-token"
	ScopeConnect      = "connect"
)

// Scopes is a registry of independently configured Limiters keyed by scope
// name. Unregistered scopes are created on first use with default limits.
type Scopes struct {
	mu       sync.Mutex
	clock    clock.Clock
	configs  map[string]Config
	limiters map[string]*Limiter
}

// NewScopes creates a scope registry. The configs map provides per-scope
// overrides; missing scopes use defaults.
func NewScopes(configs map[string]Config, opts ...Option) *Scopes {
	s := &Scopes{
		clock:    clock.New(),
		configs:  make(map[string]Config),
		limiters: make(map[string]*Limiter),
	}
	for name, cfg := range configs {
		s.configs[name] = cfg
	}
	// Reuse the Limiter options to pick up an injected clock.
	probe := New(Config{}, opts...)
	s.clock = probe.clock
	return s
}

// Scope returns the limiter for a named scope, creating it on first use.
func (s *Scopes) Scope(name string) *Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	if l, ok := s.limiters[name]; ok {
		return l
	}
	l := New(s.configs[name], WithClock(s.clock))
	s.limiters[name] = l
	return l
}

// ResetAll clears every scope's state.
func (s *Scopes) ResetAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range s.limiters {
		l.ResetAll()
	}
}

// Reset clears one identity key across every scope.
func (s *Scopes) Reset(identityKey string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range s.limiters {
		l.Reset(identityKey)
	}
}
