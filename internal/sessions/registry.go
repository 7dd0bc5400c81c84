// Package sessions orchestrates the SSH session lifecycle: bootstrap,
// confirm, the control-master subprocess, and termination. The in-memory
// registry here is authoritative for "is the session runtime up right now";
// the persistent lease is authoritative for "should it be up".
package sessions

import (
	"sync"
	"time"
)

// LiveSession is the runtime record of one open session.
type LiveSession struct {
	ID           string
	AccountID    string
	ConnectionID string
	SocketPath   string
	Target       string // user@host, as the control master knows it
	StartedAt    time.Time
	LastActivity time.Time

	handle Handle
}

// Registry is the in-process table of live sessions. All methods are safe
// for concurrent use; List returns copies so callers never hold the lock
// across I/O.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*LiveSession
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*LiveSession)}
}

// Create inserts a live session. Overwrites nothing; the manager guarantees
// session ids are unique.
func (r *Registry) Create(s *LiveSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s.StartedAt.IsZero() {
		s.StartedAt = time.Now()
	}
	if s.LastActivity.IsZero() {
		s.LastActivity = s.StartedAt
	}
	r.sessions[s.ID] = s
}

// Get returns a copy of the live session, or false.
func (r *Registry) Get(id string) (LiveSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return LiveSession{}, false
	}
	return *s, true
}

// Remove drops the session and returns its handle for teardown.
func (r *Registry) Remove(id string) (Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, false
	}
	delete(r.sessions, id)
	return s.handle, true
}

// List returns a snapshot of all live sessions.
func (r *Registry) List() []LiveSession {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]LiveSession, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, *s)
	}
	return out
}

// Touch bumps the session's activity timestamp. Called on every chat frame.
func (r *Registry) Touch(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return false
	}
	s.LastActivity = time.Now()
	return true
}

// Len reports the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
