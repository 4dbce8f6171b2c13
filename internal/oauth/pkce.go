package oauth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"sync"
	"time"
)

// pkceEntry binds an oauth state value to the verifier generated at
// authorization-URL time. Entries are single-use with a short TTL.
type pkceEntry struct {
	verifier  string
	expiresAt time.Time
}

type pkceStore struct {
	mu      sync.Mutex
	entries map[string]pkceEntry
	ttl     time.Duration
	now     func() time.Time
}

func newPKCEStore(ttl time.Duration, now func() time.Time) *pkceStore {
	return &pkceStore{
		entries: map[string]pkceEntry{},
		ttl:     ttl,
		now:     now,
	}
}

func (s *pkceStore) put(state, verifier string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[state] = pkceEntry{verifier: verifier, expiresAt: s.now().Add(s.ttl)}
}

// consume removes and returns the verifier for state. The delete happens
// under the same lock as the lookup, so two concurrent exchanges for the
// same state see exactly one success.
func (s *pkceStore) consume(state string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[state]
	if !ok {
		return "", false
	}
	delete(s.entries, state)
	if s.now().After(entry.expiresAt) {
		return "", false
	}
	return entry.verifier, true
}

// purgeExpired drops entries past their TTL. Called from housekeeping,
// never from the request path.
func (s *pkceStore) purgeExpired() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	removed := 0
	for state, entry := range s.entries {
		if now.After(entry.expiresAt) {
			delete(s.entries, state)
			removed++
		}
	}
	return removed
}

// generateVerifier returns a fresh RFC 7636 code verifier: 32 random
// bytes base64url-encoded into 43 characters.
func generateVerifier() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// ChallengeFromVerifier derives the S256 code challenge.
func ChallengeFromVerifier(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
