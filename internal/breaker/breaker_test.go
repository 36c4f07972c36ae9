// ABOUTME: Tests for the circuit breaker state machine
// ABOUTME: Validates trip threshold, cooldown probing, reopen on probe failure, and reset

package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

func failing() error { return errBoom }
func succeeding() error { return nil }

func newTestBreaker() (*Breaker, *clock.Mock) {
	mock := clock.NewMock()
	b := New(Config{FailureThreshold: 5, RecoveryDelay: 30 * time.Second}, WithClock(mock))
	return b, mock
}

func TestBreaker_TripsAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker()
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		require.ErrorIs(t, b.Do(ctx, failing), errBoom)
		require.Equal(t, StateClosed, b.State(), "call %d should not trip", i+1)
	}

	require.ErrorIs(t, b.Do(ctx, failing), errBoom)
	assert.Equal(t, StateOpen, b.State())
}

func TestBreaker_OpenRejectsWithoutInvoking(t *testing.T) {
	b, _ := newTestBreaker()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_ = b.Do(ctx, failing)
	}
	require.Equal(t, StateOpen, b.State())

	invoked := false
	err := b.Do(ctx, func() error {
		invoked = true
		return nil
	})
	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, invoked, "wrapped function must not run while open")
}

func TestBreaker_HalfOpenSuccessCloses(t *testing.T) {
	b, mock := newTestBreaker()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_ = b.Do(ctx, failing)
	}
	require.Equal(t, StateOpen, b.State())

	mock.Add(31 * time.Second)
	require.NoError(t, b.Do(ctx, succeeding))
	assert.Equal(t, StateClosed, b.State())

	// Counter was reset: it takes a full threshold of failures to trip again.
	for i := 0; i < 4; i++ {
		_ = b.Do(ctx, failing)
	}
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b, mock := newTestBreaker()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_ = b.Do(ctx, failing)
	}
	require.Equal(t, StateOpen, b.State())

	mock.Add(31 * time.Second)
	require.ErrorIs(t, b.Do(ctx, failing), errBoom)
	assert.Equal(t, StateOpen, b.State())

	// The cooldown clock restarted at the failed probe.
	mock.Add(29 * time.Second)
	assert.ErrorIs(t, b.Do(ctx, succeeding), ErrOpen)

	mock.Add(2 * time.Second)
	assert.NoError(t, b.Do(ctx, succeeding))
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_SuccessResetsCounter(t *testing.T) {
	b, _ := newTestBreaker()
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_ = b.Do(ctx, failing)
	}
	require.NoError(t, b.Do(ctx, succeeding))

	// Four more failures must not trip: the counter restarted at zero.
	for i := 0; i < 4; i++ {
		_ = b.Do(ctx, failing)
	}
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_ContextCancelled(t *testing.T) {
	b, _ := newTestBreaker()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	invoked := false
	err := b.Do(ctx, func() error {
		invoked = true
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, invoked)
	// Cancellation is not a dependency failure.
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_Reset(t *testing.T) {
	b, _ := newTestBreaker()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_ = b.Do(ctx, failing)
	}
	require.Equal(t, StateOpen, b.State())

	b.Reset()
	assert.Equal(t, StateClosed, b.State())
	assert.NoError(t, b.Do(ctx, succeeding))
}

func TestBreaker_Defaults(t *testing.T) {
	b := New(Config{})
	assert.Equal(t, DefaultFailureThreshold, b.cfg.FailureThreshold)
	assert.Equal(t, DefaultRecoveryDelay, b.cfg.RecoveryDelay)
}
