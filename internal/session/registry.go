package session

import (
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/agentgate/internal/domain"
	"github.com/google/uuid"
)

// Registry is the authoritative map from session id to live session.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	logger   *slog.Logger
	now      func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		sessions: make(map[string]*Session),
		logger:   logger.With("component", "session"),
		now:      time.Now,
	}
}

// Create registers a new idle session bound to conn.
func (r *Registry) Create(userID string, tier domain.Tier, conn Conn) *Session {
	s := newSession(uuid.NewString(), userID, tier, conn, r.now)

	r.mu.Lock()
	r.sessions[s.ID] = s
	r.mu.Unlock()

	r.logger.Info("Session registered", "user_id", userID, "session_id", s.ID, "tier", tier)
	return s
}

// Get returns the session with the given id.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Remove deletes a session, interrupting any in-flight turn. Removing an unknown id is a no-op.
func (r *Registry) Remove(id string) (*Session, bool) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	if !ok {
		return nil, false
	}
	s.Interrupt("session closed")
	r.logger.Info("Session unregistered", "user_id", s.UserID, "session_id", id)
	return s, true
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// CountForUser returns how many live sessions belong to userID.
func (r *Registry) CountForUser(userID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, s := range r.sessions {
		if s.UserID == userID {
			n++
		}
	}
	return n
}

// List returns a snapshot of all live sessions.
func (r *Registry) List() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// CloseAll closes every session's connection, used on shutdown.
func (r *Registry) CloseAll(reason string) {
	for _, s := range r.List() {
		s.conn.Close(reason)
	}
}
