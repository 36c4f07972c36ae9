// ABOUTME: Circuit breaker isolating failing outbound dependencies
// ABOUTME: Trips after consecutive failures and probes recovery after a cooldown

package breaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// ErrOpen is returned when the circuit is open and the wrapped call was not
// invoked. Callers can detect it with errors.Is.
var ErrOpen = errors.New("circuit open")

// Defaults used when the corresponding Config field is zero.
const (
	DefaultFailureThreshold = 5
	DefaultRecoveryDelay    = 30 * time.Second
)

// State is the breaker's position.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

// String returns the conventional state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config holds breaker tuning.
type Config struct {
	FailureThreshold int
	RecoveryDelay    time.Duration
}

// Breaker wraps repeated calls to a single dependency. It never buffers or
// queues: every call either executes immediately or fails immediately with
// ErrOpen. The consecutive-failure counter resets only on a recorded
// success; the open->half-open transition is a pure function of elapsed
// time, not of any external signal.
type Breaker struct {
	mu       sync.Mutex
	cfg      Config
	clock    clock.Clock
	state    State
	failures int
	openedAt time.Time
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithClock injects a clock for deterministic tests.
func WithClock(c clock.Clock) Option {
	return func(b *Breaker) { b.clock = c }
}

// New creates a Breaker. Zero config fields fall back to defaults.
func New(cfg Config, opts ...Option) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultFailureThreshold
	}
	if cfg.RecoveryDelay <= 0 {
		cfg.RecoveryDelay = DefaultRecoveryDelay
	}
	b := &Breaker{cfg: cfg, clock: clock.New(), state: StateClosed}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Do invokes fn under the breaker's state machine. When the circuit is open
// and the recovery delay has not elapsed, fn is not invoked and ErrOpen is
// returned. Context cancellation is checked before fn runs.
func (b *Breaker) Do(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	half, err := b.admit()
	if err != nil {
		return err
	}

	callErr := fn()
	b.record(callErr, half)
	return callErr
}

// admit decides whether a call may proceed. It reports whether the call is
// a half-open probe.
func (b *Breaker) admit() (halfOpen bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return false, nil
	case StateOpen:
		if b.clock.Now().Sub(b.openedAt) < b.cfg.RecoveryDelay {
			return false, ErrOpen
		}
		b.state = StateHalfOpen
		return true, nil
	case StateHalfOpen:
		return true, nil
	}
	return false, nil
}

// record applies the call outcome to the state machine.
func (b *Breaker) record(callErr error, halfOpen bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if callErr == nil {
		b.state = StateClosed
		b.failures = 0
		return
	}

	if halfOpen {
		// A failed probe reopens immediately and restarts the cooldown.
		b.state = StateOpen
		b.openedAt = b.clock.Now()
		return
	}

	b.failures++
	if b.failures >= b.cfg.FailureThreshold {
		b.state = StateOpen
		b.openedAt = b.clock.Now()
	}
}

// State returns the breaker's current position.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset forces the breaker closed with zeroed counters, for operational
// recovery or test setup.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.failures = 0
	b.openedAt = time.Time{}
}
