package authn

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

// ErrBadCredentials reports a failed username or password check. The
// same error covers unknown users so responses do not leak which part
// was wrong.
var ErrBadCredentials = errors.New("authn: invalid credentials")

// LocalUser is one locally-managed account.
type LocalUser struct {
	ID           string   `json:"id"`
	Username     string   `json:"username"`
	PasswordHash string   `json:"-"`
	Roles        []string `json:"roles,omitempty"`
	Disabled     bool     `json:"disabled,omitempty"`
}

// CredentialStore resolves local accounts by username.
type CredentialStore interface {
	Lookup(ctx context.Context, username string) (LocalUser, error)
}

const (
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
	argonKeyLen  = 32
	argonSaltLen = 16
)

// HashPassword derives an argon2id hash in the standard encoded form.
func HashPassword(password string) (string, error) {
	if password == "" {
		return "", errors.New("authn: password is required")
	}
	salt := make([]byte, argonSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("authn: generate salt: %w", err)
	}
	key := argon2.IDKey([]byte(password), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, argonMemory, argonTime, argonThreads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key)), nil
}

// VerifyPassword checks a password against an encoded argon2id hash in
// constant time over the derived keys.
func VerifyPassword(encoded, password string) error {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return ErrBadCredentials
	}
	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil || version != argon2.Version {
		return ErrBadCredentials
	}
	var memory, iterations uint32
	var threads uint8
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &iterations, &threads); err != nil {
		return ErrBadCredentials
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return ErrBadCredentials
	}
	want, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return ErrBadCredentials
	}
	got := argon2.IDKey([]byte(password), salt, iterations, memory, threads, uint32(len(want)))
	if subtle.ConstantTimeCompare(got, want) != 1 {
		return ErrBadCredentials
	}
	return nil
}

// MemoryCredentialStore is a mutex-free map store for tests and seeding.
// It is safe for concurrent reads once populated.
type MemoryCredentialStore struct {
	users map[string]LocalUser
}

// NewMemoryCredentialStore indexes users by lowercased username.
func NewMemoryCredentialStore(users ...LocalUser) *MemoryCredentialStore {
	m := &MemoryCredentialStore{users: make(map[string]LocalUser, len(users))}
	for _, u := range users {
		m.users[strings.ToLower(u.Username)] = u
	}
	return m
}

func (m *MemoryCredentialStore) Lookup(_ context.Context, username string) (LocalUser, error) {
	u, ok := m.users[strings.ToLower(strings.TrimSpace(username))]
	if !ok {
		return LocalUser{}, ErrBadCredentials
	}
	return u, nil
}
