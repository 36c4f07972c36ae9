// ABOUTME: Sliding-window rate limiter for throttling handshake and auth attempts
// ABOUTME: Tracks per-key timestamp windows with reject-then-rollback semantics

package ratelimit

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Defaults applied when a scope is registered without overrides.
const (
	DefaultWindow         = 60 * time.Second
	DefaultIdentityLimit  = 20
	DefaultAggregateLimit = 100
)

// Result reports the outcome of a single Check.
type Result struct {
	Allowed bool
	// RetryAfter is how long the caller should wait before the next attempt
	// can succeed. Zero when Allowed is true.
	RetryAfter time.Duration
}

// Config holds the limits for one named scope.
type Config struct {
	Window         time.Duration
	IdentityLimit  int
	AggregateLimit int
}

// withDefaults fills zero fields with the package defaults.
func (c Config) withDefaults() Config {
	if c.Window <= 0 {
		c.Window = DefaultWindow
	}
	if c.IdentityLimit <= 0 {
		c.IdentityLimit = DefaultIdentityLimit
	}
	if c.AggregateLimit <= 0 {
		c.AggregateLimit = DefaultAggregateLimit
	}
	return c
}

// Limiter is a sliding-window rate limiter. Each key owns an ordered list of
// attempt timestamps inside the trailing window; a check prunes expired
// timestamps, appends the attempt, and rolls the append back if either the
// identity window or the aggregate window is over its limit. A rejected
// attempt therefore never consumes budget.
type Limiter struct {
	mu    sync.Mutex
	cfg   Config
	clock clock.Clock

	identity  map[string][]time.Time
	aggregate map[string][]time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock injects a clock, used by tests to advance time deterministically.
func WithClock(c clock.Clock) Option {
	return func(l *Limiter) { l.clock = c }
}

// New creates a Limiter with the given config. Zero config fields fall back
// to the package defaults.
func New(cfg Config, opts ...Option) *Limiter {
	l := &Limiter{
		cfg:       cfg.withDefaults(),
		clock:     clock.New(),
		identity:  make(map[string][]time.Time),
		aggregate: make(map[string][]time.Time),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Check records an attempt for identityKey (and, when non-empty,
// aggregateKey) and reports whether it is allowed. On rejection the attempt
// is rolled back from both windows and RetryAfter is the time until the
// oldest timestamp in the violating window expires; if both windows violate,
// the larger of the two is reported.
func (l *Limiter) Check(identityKey, aggregateKey string) Result {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()

	idWin := prune(l.identity[identityKey], now, l.cfg.Window)
	idWin = append(idWin, now)
	l.identity[identityKey] = idWin

	var aggWin []time.Time
	if aggregateKey != "" {
		aggWin = prune(l.aggregate[aggregateKey], now, l.cfg.Window)
		aggWin = append(aggWin, now)
		l.aggregate[aggregateKey] = aggWin
	}

	idOver := len(idWin) > l.cfg.IdentityLimit
	aggOver := aggregateKey != "" && len(aggWin) > l.cfg.AggregateLimit
	if !idOver && !aggOver {
		return Result{Allowed: true}
	}

	// Rejected: the attempt itself must not survive in either window.
	l.identity[identityKey] = idWin[:len(idWin)-1]
	if aggregateKey != "" {
		l.aggregate[aggregateKey] = aggWin[:len(aggWin)-1]
	}

	var retry time.Duration
	if idOver {
		retry = retryAfter(l.identity[identityKey], now, l.cfg.Window)
	}
	if aggOver {
		if r := retryAfter(l.aggregate[aggregateKey], now, l.cfg.Window); r > retry {
			retry = r
		}
	}
	return Result{Allowed: false, RetryAfter: retry}
}

// Reset clears the window for a single identity key.
func (l *Limiter) Reset(identityKey string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.identity, identityKey)
}

// ResetAll clears all limiter state, for operational recovery.
func (l *Limiter) ResetAll() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.identity = make(map[string][]time.Time)
	l.aggregate = make(map[string][]time.Time)
}

// prune drops timestamps older than the window. The slice is in append
// order, so the first surviving index bounds the result.
func prune(win []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	i := 0
	for ; i < len(win); i++ {
		if win[i].After(cutoff) {
			break
		}
	}
	return win[i:]
}

// retryAfter returns the time until the oldest timestamp in the window
// expires.
func retryAfter(win []time.Time, now time.Time, window time.Duration) time.Duration {
	if len(win) == 0 {
		return 0
	}
	d := win[0].Add(window).Sub(now)
	if d < 0 {
		return 0
	}
	return d
}
