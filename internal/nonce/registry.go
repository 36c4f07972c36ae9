// ABOUTME: Connect-nonce registry for handshake anti-replay
// ABOUTME: Issues single-use nonces with TTL and size-bounded tracking

package nonce

import (
	"container/list"
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"
)

const (
	// DefaultTTL bounds how long an issued nonce stays redeemable. It
	// matches the signature freshness window so a nonce never outlives the
	// signature that echoes it.
	DefaultTTL = 10 * time.Minute

	// DefaultMaxOutstanding caps tracked nonces so a dial flood cannot
	// grow the registry without bound.
	DefaultMaxOutstanding = 10000

	nonceBytes = 16
)

// entry records when a nonce was issued and its eviction-order element.
type entry struct {
	issuedAt time.Time
	element  *list.Element
}

// Registry issues connect nonces and redeems each at most once. Expired and
// overflow entries are evicted oldest-first.
type Registry struct {
	mu          sync.Mutex
	outstanding map[string]*entry
	order       *list.List
	ttl         time.Duration
	maxSize     int
	done        chan struct{}
	closed      bool
}

// New creates a Registry and starts its background cleanup.
func New(ttl time.Duration, maxSize int) *Registry {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxOutstanding
	}
	r := &Registry{
		outstanding: make(map[string]*entry),
		order:       list.New(),
		ttl:         ttl,
		maxSize:     maxSize,
		done:        make(chan struct{}),
	}
	go r.cleanup()
	return r
}

// Issue mints a fresh nonce and tracks it for later redemption.
func (r *Registry) Issue() (string, error) {
	buf := make([]byte, nonceBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	nonce := hex.EncodeToString(buf)

	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.outstanding) >= r.maxSize {
		r.evictOldest()
	}
	elem := r.order.PushBack(nonce)
	r.outstanding[nonce] = &entry{issuedAt: time.Now(), element: elem}
	return nonce, nil
}

// Redeem consumes a nonce. It returns true only for a nonce this registry
// issued that has not expired and has not been redeemed before; the check
// and removal are atomic so concurrent echoes cannot both pass.
func (r *Registry) Redeem(nonce string) bool {
	if nonce == "" {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.outstanding[nonce]
	if !ok {
		return false
	}
	r.order.Remove(e.element)
	delete(r.outstanding, nonce)
	return time.Since(e.issuedAt) < r.ttl
}

// evictOldest drops the oldest tracked nonce. Must be called with mu held.
func (r *Registry) evictOldest() {
	front := r.order.Front()
	if front == nil {
		return
	}
	nonce, _ := front.Value.(string)
	r.order.Remove(front)
	delete(r.outstanding, nonce)
}

// cleanup periodically removes expired nonces.
func (r *Registry) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.expire()
		case <-r.done:
			return
		}
	}
}

// expire removes all entries past their TTL.
func (r *Registry) expire() {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	for nonce, e := range r.outstanding {
		if now.Sub(e.issuedAt) > r.ttl {
			r.order.Remove(e.element)
			delete(r.outstanding, nonce)
		}
	}
}

// Close stops the background cleanup. Safe to call multiple times.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.closed {
		close(r.done)
		r.closed = true
	}
}
