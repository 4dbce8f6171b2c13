package session

import (
	"errors"
	"testing"
	"time"

	"aegisid.org/internal/oauth"
	"aegisid.org/internal/provider"
)

func testToken(issued time.Time, ttl time.Duration) oauth.Token {
	return oauth.Token{
		AccessToken: "at-1",
		TokenType:   "Bearer",
		ExpiresIn:   int64(ttl / time.Second),
		IssuedAt:    issued,
		ExpiresAt:   issued.Add(ttl),
		Provider:    "google",
	}
}

func TestCreateBindsExpiryToToken(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m := NewManager(WithClock(func() time.Time { return now }))
	token := testToken(now, time.Hour)

	s := m.Create("google", provider.Identity{ID: "u-1", Email: "a@example.com"}, token, Metadata{IP: "10.0.0.1"})
	if s.ID == "" {
		t.Fatal("session id not generated")
	}
	if !s.ExpiresAt.Equal(token.ExpiresAt) {
		t.Fatalf("session expiry %v != token expiry %v", s.ExpiresAt, token.ExpiresAt)
	}
	if s.UserID != "u-1" {
		t.Fatalf("user id = %q", s.UserID)
	}

	got, err := m.Get(s.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Metadata.IP != "10.0.0.1" {
		t.Fatalf("metadata lost: %+v", got.Metadata)
	}
}

func TestValidateDestroysExpiredSession(t *testing.T) {
	current := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m := NewManager(WithClock(func() time.Time { return current }))
	s := m.Create("google", provider.Identity{ID: "u-1"}, testToken(current, time.Minute), Metadata{})

	if !m.Validate(s.ID) {
		t.Fatal("fresh session should validate")
	}

	current = current.Add(2 * time.Minute)
	if m.Validate(s.ID) {
		t.Fatal("expired session should not validate")
	}
	// Lazy expiry removed it from the store.
	if _, err := m.Get(s.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound after lazy destroy", err)
	}
}

func TestDestroy(t *testing.T) {
	now := time.Now().UTC()
	m := NewManager()
	s := m.Create("google", provider.Identity{ID: "u-1"}, testToken(now, time.Hour), Metadata{})

	if err := m.Destroy(s.ID); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if err := m.Destroy(s.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second destroy err = %v, want ErrNotFound", err)
	}
}

func TestCleanupExpired(t *testing.T) {
	current := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m := NewManager(WithClock(func() time.Time { return current }))

	m.Create("google", provider.Identity{ID: "u-1"}, testToken(current, time.Minute), Metadata{})
	m.Create("google", provider.Identity{ID: "u-2"}, testToken(current, time.Hour), Metadata{})

	current = current.Add(10 * time.Minute)
	if removed := m.CleanupExpired(); removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	if m.Len() != 1 {
		t.Fatalf("remaining = %d, want 1", m.Len())
	}
}
