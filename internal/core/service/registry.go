package service

import (
	"sync"

	"github.com/99minutos/trip-tracking/internal/core/domain"
)

type sessionKey struct {
	tripID string
	role   domain.Role
}

// Registry indexes live sessions by (trip, role). A key is reserved while
// its session starts so concurrent starts for the same trip fail fast.
type Registry struct {
	mu       sync.RWMutex
	sessions map[sessionKey]*Session
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[sessionKey]*Session)}
}

// reserve claims the key. The returned commit installs the started session;
// release frees the key after a failed start.
func (r *Registry) reserve(tripID string, role domain.Role) (commit func(*Session), release func(), err error) {
	key := sessionKey{tripID, role}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, taken := r.sessions[key]; taken {
		return nil, nil, domain.ErrSessionExists
	}
	r.sessions[key] = nil

	commit = func(s *Session) {
		r.mu.Lock()
		r.sessions[key] = s
		r.mu.Unlock()
	}
	release = func() {
		r.mu.Lock()
		if r.sessions[key] == nil {
			delete(r.sessions, key)
		}
		r.mu.Unlock()
	}
	return commit, release, nil
}

// Get returns the started session for (trip, role).
func (r *Registry) Get(tripID string, role domain.Role) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := r.sessions[sessionKey{tripID, role}]
	return s, s != nil
}

// ForTrip returns the driver session if there is one, else the customer
// session.
func (r *Registry) ForTrip(tripID string) (*Session, bool) {
	if s, ok := r.Get(tripID, domain.RoleDriver); ok {
		return s, true
	}
	return r.Get(tripID, domain.RoleCustomer)
}

// Remove drops s if it is still the registered session for its key.
func (r *Registry) Remove(s *Session) {
	key := sessionKey{s.TripID(), s.Role()}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions[key] == s {
		delete(r.sessions, key)
	}
}

// All returns the started sessions.
func (r *Registry) All() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

// Len returns the number of started sessions.
func (r *Registry) Len() int {
	return len(r.All())
}
