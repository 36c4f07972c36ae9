// ABOUTME: Tests for the sliding-window rate limiter
// ABOUTME: Validates limits, rollback on rejection, retry-after hints, and key isolation

package ratelimit

import (
	"fmt"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimiter_AllowsUpToLimit(t *testing.T) {
	mock := clock.NewMock()
	l := New(Config{IdentityLimit: 20}, WithClock(mock))

	for i := 0; i < 20; i++ {
		res := l.Check("user-1", "")
		require.True(t, res.Allowed, "attempt %d should be allowed", i+1)
		mock.Add(100 * time.Millisecond)
	}

	res := l.Check("user-1", "")
	assert.False(t, res.Allowed)
	assert.Greater(t, res.RetryAfter, time.Duration(0))
	assert.LessOrEqual(t, res.RetryAfter, 60*time.Second)
}

func TestLimiter_OtherKeyUnaffected(t *testing.T) {
	mock := clock.NewMock()
	l := New(Config{IdentityLimit: 5}, WithClock(mock))

	for i := 0; i < 5; i++ {
		require.True(t, l.Check("busy", "").Allowed)
	}
	assert.False(t, l.Check("busy", "").Allowed)

	// A different key has its own window.
	assert.True(t, l.Check("idle", "").Allowed)
}

func TestLimiter_RejectionRollsBack(t *testing.T) {
	mock := clock.NewMock()
	l := New(Config{IdentityLimit: 3}, WithClock(mock))

	for i := 0; i < 3; i++ {
		require.True(t, l.Check("k", "").Allowed)
	}

	first := l.Check("k", "")
	require.False(t, first.Allowed)

	// The rejected attempt must not have consumed budget: an immediate
	// retry is evaluated against the original, unmodified window and gets
	// the same retry-after hint.
	second := l.Check("k", "")
	require.False(t, second.Allowed)
	assert.Equal(t, first.RetryAfter, second.RetryAfter)

	l.mu.Lock()
	stored := len(l.identity["k"])
	l.mu.Unlock()
	assert.Equal(t, 3, stored, "stored count must equal the limit, never limit+1")
}

func TestLimiter_WindowExpiry(t *testing.T) {
	mock := clock.NewMock()
	l := New(Config{IdentityLimit: 2, Window: time.Minute}, WithClock(mock))

	require.True(t, l.Check("k", "").Allowed)
	require.True(t, l.Check("k", "").Allowed)
	require.False(t, l.Check("k", "").Allowed)

	// Once the oldest attempts fall out of the window, budget returns.
	mock.Add(61 * time.Second)
	assert.True(t, l.Check("k", "").Allowed)
}

func TestLimiter_RetryAfterMatchesOldest(t *testing.T) {
	mock := clock.NewMock()
	l := New(Config{IdentityLimit: 2, Window: time.Minute}, WithClock(mock))

	require.True(t, l.Check("k", "").Allowed)
	mock.Add(20 * time.Second)
	require.True(t, l.Check("k", "").Allowed)
	mock.Add(10 * time.Second)

	res := l.Check("k", "")
	require.False(t, res.Allowed)
	// Oldest attempt was 30s ago in a 60s window.
	assert.Equal(t, 30*time.Second, res.RetryAfter)
}

func TestLimiter_AggregateLimit(t *testing.T) {
	mock := clock.NewMock()
	l := New(Config{IdentityLimit: 100, AggregateLimit: 10}, WithClock(mock))

	// Ten different identities share one aggregate channel.
	for i := 0; i < 10; i++ {
		key := fmt.Sprintf("user-%d", i)
		require.True(t, l.Check(key, "channel-1").Allowed)
	}

	res := l.Check("user-new", "channel-1")
	assert.False(t, res.Allowed, "aggregate window should reject")
	assert.Greater(t, res.RetryAfter, time.Duration(0))

	// The rejected identity key kept its budget.
	assert.True(t, l.Check("user-new", "channel-2").Allowed)
}

func TestLimiter_BothWindowsViolated_ReportsLarger(t *testing.T) {
	mock := clock.NewMock()
	l := New(Config{IdentityLimit: 1, AggregateLimit: 2, Window: time.Minute}, WithClock(mock))

	require.True(t, l.Check("b", "agg").Allowed)
	mock.Add(30 * time.Second)
	require.True(t, l.Check("a", "agg").Allowed)
	mock.Add(10 * time.Second)

	// Identity window for "a": oldest 10s ago -> 50s left.
	// Aggregate window: oldest 40s ago -> 20s left.
	res := l.Check("a", "agg")
	require.False(t, res.Allowed)
	assert.Equal(t, 50*time.Second, res.RetryAfter)
}

func TestLimiter_Reset(t *testing.T) {
	mock := clock.NewMock()
	l := New(Config{IdentityLimit: 1}, WithClock(mock))

	require.True(t, l.Check("k", "").Allowed)
	require.False(t, l.Check("k", "").Allowed)

	l.Reset("k")
	assert.True(t, l.Check("k", "").Allowed)
}

func TestLimiter_ResetAll(t *testing.T) {
	mock := clock.NewMock()
	l := New(Config{IdentityLimit: 1, AggregateLimit: 1}, WithClock(mock))

	require.True(t, l.Check("k", "agg").Allowed)
	require.False(t, l.Check("k", "agg").Allowed)

	l.ResetAll()
	assert.True(t, l.Check("k", "agg").Allowed)
}

func TestScopes_Independent(t *testing.T) {
	mock := clock.NewMock()
	s := NewScopes(map[string]Config{
		ScopeSharedSecret: {IdentityLimit: 1},
		ScopeDeviceToken:  {IdentityLimit: 1},
	}, WithClock(mock))

	require.True(t, s.Scope(ScopeSharedSecret).Check("1.2.3.4", "").Allowed)
	require.False(t, s.Scope(ScopeSharedSecret).Check("1.2.3.4", "").Allowed)

	// The same key under a different scope has a separate budget.
	assert.True(t, s.Scope(ScopeDeviceToken).Check("1.2.3.4", "").Allowed)
}

func TestScopes_ResetAll(t *testing.T) {
	mock := clock.NewMock()
	s := NewScopes(map[string]Config{ScopeConnect: {IdentityLimit: 1}}, WithClock(mock))

	require.True(t, s.Scope(ScopeConnect).Check("k", "").Allowed)
	require.False(t, s.Scope(ScopeConnect).Check("k", "").Allowed)

	s.ResetAll()
	assert.True(t, s.Scope(ScopeConnect).Check("k", "").Allowed)
}
