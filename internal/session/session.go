// Package session implements single-process, in-memory session
// management. Session lifetime is bound to the token that created it;
// expiry is enforced lazily on validation and by a periodic sweep.
package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"aegisid.org/internal/ids"
	"aegisid.org/internal/oauth"
	"aegisid.org/internal/provider"
)

var (
	ErrNotFound = errors.New("session: not found")
	ErrExpired  = errors.New("session: expired")
)

// Metadata captures request context attached to a session.
type Metadata struct {
	IP        string `json:"ip,omitempty"`
	UserAgent string `json:"userAgent,omitempty"`
}

// Session is one authenticated session. The token is referenced by the
// flow engine's store; the session holds a copy of its key data only.
type Session struct {
	ID        string            `json:"id"`
	Provider  string            `json:"provider"`
	UserID    string            `json:"userId"`
	Token     oauth.Token       `json:"token"`
	Identity  provider.Identity `json:"identity"`
	CreatedAt time.Time         `json:"createdAt"`
	ExpiresAt time.Time         `json:"expiresAt"`
	Metadata  Metadata          `json:"metadata"`
}

// Manager is the mutex-guarded in-memory session store.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]Session
	now      func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(m *Manager) {
		if fn != nil {
			m.now = fn
		}
	}
}

// NewManager constructs an empty session store.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		sessions: map[string]Session{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Create stores a new session whose expiry equals the token expiry.
func (m *Manager) Create(providerID string, identity provider.Identity, token oauth.Token, meta Metadata) Session {
	now := m.now().UTC()
	s := Session{
		ID:        ids.New(),
		Provider:  providerID,
		UserID:    identity.ID,
		Token:     token,
		Identity:  identity,
		CreatedAt: now,
		ExpiresAt: token.ExpiresAt,
		Metadata:  meta,
	}
	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()
	return s
}

// Get returns a live session. Expired sessions are destroyed and
// reported as ErrExpired.
func (m *Manager) Get(id string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return Session{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if !s.ExpiresAt.After(m.now()) {
		delete(m.sessions, id)
		return Session{}, fmt.Errorf("%w: %s", ErrExpired, id)
	}
	return s, nil
}

// Validate reports whether the session exists and has not expired.
// An expired session is destroyed as a side effect.
func (m *Manager) Validate(id string) bool {
	_, err := m.Get(id)
	return err == nil
}

// Destroy removes a session explicitly.
func (m *Manager) Destroy(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(m.sessions, id)
	return nil
}

// CleanupExpired sweeps all expired sessions and returns how many were
// removed. Intended for periodic housekeeping.
func (m *Manager) CleanupExpired() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	removed := 0
	for id, s := range m.sessions {
		if !s.ExpiresAt.After(now) {
			delete(m.sessions, id)
			removed++
		}
	}
	return removed
}

// Len reports the number of stored sessions, expired or not.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}
