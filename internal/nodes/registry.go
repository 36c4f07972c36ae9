// ABOUTME: Registry of admitted node-role sessions and their command allowlists
// ABOUTME: Central lookup for routing work to connected automation nodes

package nodes

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrAlreadyRegistered indicates a session with the same connection ID exists.
var ErrAlreadyRegistered = errors.New("node session already registered")

// Session is one admitted node-role connection.
type Session struct {
	ConnID      string
	DeviceID    string
	InstanceID  string
	DisplayName string
	Scopes      []string
	// Commands is the allowlist the node declared at connect; empty means
	// the node accepts no remote commands.
	Commands    []string
	ConnectedAt time.Time
}

// AllowsCommand reports whether the node accepts the named command.
func (s *Session) AllowsCommand(name string) bool {
	for _, c := range s.Commands {
		if c == name {
			return true
		}
	}
	return false
}

// Registry tracks connected node sessions.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	logger   *slog.Logger
}

// NewRegistry creates an empty node registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		sessions: make(map[string]*Session),
		logger:   logger.With("component", "nodes"),
	}
}

// Register adds a node session keyed by connection ID.
func (r *Registry) Register(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[s.ConnID]; exists {
		return ErrAlreadyRegistered
	}
	s.ConnectedAt = time.Now()
	r.sessions[s.ConnID] = s
	r.logger.Info("node session registered",
		"conn_id", s.ConnID,
		"device_id", s.DeviceID,
		"commands", len(s.Commands),
		"total_nodes", len(r.sessions),
	)
	return nil
}

// Unregister removes a node session.
func (r *Registry) Unregister(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, exists := r.sessions[connID]; exists {
		delete(r.sessions, connID)
		r.logger.Info("node session removed",
			"conn_id", connID,
			"device_id", s.DeviceID,
			"total_nodes", len(r.sessions),
		)
	}
}

// Get returns a session by connection ID.
func (r *Registry) Get(connID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[connID]
	return s, ok
}

// GetByDevice returns the first session bound to a device ID.
func (r *Registry) GetByDevice(deviceID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, s := range r.sessions {
		if s.DeviceID == deviceID {
			return s, true
		}
	}
	return nil, false
}

// List returns a snapshot of all sessions.
func (r *Registry) List() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}
