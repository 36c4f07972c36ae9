// ABOUTME: Retrying connector wrapping fallible connect operations
// ABOUTME: Bounded exponential backoff with uniform jitter and context cancellation

package retry

import (
	"context"
	"math/rand"
	"time"

	"github.com/benbjohnson/clock"
)

// Defaults used when the corresponding Config field is zero.
const (
	DefaultBaseDelay  = 2 * time.Second
	DefaultMaxJitter  = 500 * time.Millisecond
	DefaultMaxRetries = 5
)

// Config holds backoff tuning. MaxRetries counts retries after the first
// attempt, so the default of 5 yields 6 total attempts.
type Config struct {
	BaseDelay  time.Duration
	MaxJitter  time.Duration
	MaxRetries int
}

// Connector sequences connect attempts with exponential backoff. It keeps
// no state between calls, so one instance is safe to share or to create per
// logical connection attempt.
type Connector struct {
	cfg   Config
	clock clock.Clock
}

// Option configures a Connector.
type Option func(*Connector)

// WithClock injects a clock for deterministic tests.
func WithClock(c clock.Clock) Option {
	return func(r *Connector) { r.clock = c }
}

// New creates a Connector. Zero config fields fall back to defaults.
func New(cfg Config, opts ...Option) *Connector {
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultBaseDelay
	}
	if cfg.MaxJitter <= 0 {
		cfg.MaxJitter = DefaultMaxJitter
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	r := &Connector{cfg: cfg, clock: clock.New()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Connect invokes fn until it succeeds or the retry budget is exhausted.
// The backoff before retry n is baseDelay*2^n plus uniform jitter. The last
// attempt's error is returned when every attempt fails; context
// cancellation between attempts aborts with the context's error.
func (r *Connector) Connect(ctx context.Context, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt <= r.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := r.cfg.BaseDelay*(1<<(attempt-1)) + time.Duration(rand.Int63n(int64(r.cfg.MaxJitter)+1))
			timer := r.clock.Timer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}

		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
	}
	return lastErr
}
