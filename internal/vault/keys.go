package vault

import (
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"time"

	"aegisid.org/internal/ids"
)

var (
	ErrKeyNotFound = errors.New("vault: key not found")
	ErrKeyDefault  = errors.New("vault: key is the current default")
	ErrKeyRetired  = errors.New("vault: key is retired")
	ErrEncryption  = errors.New("vault: encryption failed")
	ErrDecryption  = errors.New("vault: decryption failed")
)

// KeyStatus is the lifecycle state of an encryption key.
type KeyStatus string

const (
	KeyActive  KeyStatus = "active"
	KeyRetired KeyStatus = "retired"
)

// Key is one symmetric key version. Retired keys stay decrypt-only
// until an operator deletes them explicitly.
type Key struct {
	ID        string    `json:"id"`
	Algorithm string    `json:"algorithm"`
	Material  []byte    `json:"-"`
	CreatedAt time.Time `json:"createdAt"`
	Status    KeyStatus `json:"status"`
}

// KeyStore holds key versions in memory. Exactly one key is the
// default at any time.
type KeyStore struct {
	mu        sync.Mutex
	keys      map[string]Key
	defaultID string
	now       func() time.Time
}

// NewKeyStore creates a store seeded with one generated default key.
func NewKeyStore(now func() time.Time) (*KeyStore, error) {
	if now == nil {
		now = time.Now
	}
	s := &KeyStore{keys: map[string]Key{}, now: now}
	if _, err := s.Rotate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *KeyStore) generate() (Key, error) {
	material := make([]byte, 32)
	if _, err := rand.Read(material); err != nil {
		return Key{}, fmt.Errorf("vault: generate key material: %w", err)
	}
	return Key{
		ID:        ids.New(),
		Algorithm: algorithmAESGCM,
		Material:  material,
		CreatedAt: s.now().UTC(),
		Status:    KeyActive,
	}, nil
}

// Rotate creates a new key version, makes it the default, and retires
// the previous default. The retired key remains available for decrypt.
func (s *KeyStore) Rotate() (Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, err := s.generate()
	if err != nil {
		return Key{}, err
	}
	if previous, ok := s.keys[s.defaultID]; ok {
		previous.Status = KeyRetired
		s.keys[previous.ID] = previous
	}
	s.keys[key.ID] = key
	s.defaultID = key.ID
	return key, nil
}

// Get returns any stored key version, active or retired.
func (s *KeyStore) Get(id string) (Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.keys[id]
	if !ok {
		return Key{}, fmt.Errorf("%w: %s", ErrKeyNotFound, id)
	}
	return key, nil
}

// Default returns the current default key.
func (s *KeyStore) Default() Key {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.keys[s.defaultID]
}

// Delete removes a key version. Deleting the current default fails;
// afterwards data encrypted under the deleted key is unrecoverable.
func (s *KeyStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[id]; !ok {
		return fmt.Errorf("%w: %s", ErrKeyNotFound, id)
	}
	if id == s.defaultID {
		return fmt.Errorf("%w: %s", ErrKeyDefault, id)
	}
	delete(s.keys, id)
	return nil
}

// List returns all key versions with material redacted.
func (s *KeyStore) List() []Key {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Key, 0, len(s.keys))
	for _, key := range s.keys {
		key.Material = nil
		out = append(out, key)
	}
	return out
}
