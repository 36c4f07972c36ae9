// ABOUTME: Process-wide presence store tracking live connections
// ABOUTME: Fire-and-forget liveness beacons keyed by device or install-instance ID

package presence

import (
	"sync"
	"time"
)

// Entry is one liveness record.
type Entry struct {
	Key         string
	ConnID      string
	Role        string
	DisplayName string
	Platform    string
	Version     string
	RemoteIP    string
	LastSeen    time.Time
}

// Store is an in-memory presence map. Upsert is a fire-and-forget beacon:
// callers never block on it and never observe an error.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

// NewStore creates an empty presence store.
func NewStore() *Store {
	return &Store{entries: make(map[string]*Entry)}
}

// Upsert records or refreshes a liveness entry.
func (s *Store) Upsert(key string, entry Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry.Key = key
	entry.LastSeen = time.Now()
	s.entries[key] = &entry
}

// Remove drops an entry, typically on disconnect.
func (s *Store) Remove(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
}

// Get returns an entry by key.
func (s *Store) Get(key string) (*Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[key]
	if !ok {
		return nil, false
	}
	copied := *e
	return &copied, true
}

// List returns a snapshot of all entries.
func (s *Store) List() []*Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Entry, 0, len(s.entries))
	for _, e := range s.entries {
		copied := *e
		out = append(out, &copied)
	}
	return out
}
