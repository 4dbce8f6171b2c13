// Package vault implements envelope-based symmetric encryption. Each
// envelope is self-describing: together with a key lookup by keyId it
// carries everything needed to decrypt. A fresh salt and nonce are
// generated per call; the per-call AES key is derived from the stored
// key material and the salt with HKDF, and the nonce stored in the
// envelope is exactly the GCM nonce used to seal it.
package vault

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/crypto/hkdf"

	"aegisid.org/internal/audit"
	"aegisid.org/internal/obs"
)

const algorithmAESGCM = "aes-256-gcm"

const hkdfInfo = "aegis envelope v1"

// Envelope is the self-describing encrypted payload. All binary fields
// are base64 encoded.
type Envelope struct {
	Encrypted string `json:"encrypted"`
	Salt      string `json:"salt"`
	IV        string `json:"iv"`
	Algorithm string `json:"algorithm"`
	KeyID     string `json:"keyId"`
}

// Service is the encryption front end over a KeyStore.
type Service struct {
	keys     *KeyStore
	auditLog *audit.Log
	now      func() time.Time
	saltLen  int

	rotateMu         sync.Mutex
	rotationInterval time.Duration
	lastRotated      time.Time
}

// Option configures the Service.
type Option func(*Service)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// WithSaltLength sets the per-envelope salt size in bytes.
func WithSaltLength(n int) Option {
	return func(s *Service) {
		if n >= 8 {
			s.saltLen = n
		}
	}
}

// WithRotationInterval enables schedule-driven rotation via RotateIfDue.
func WithRotationInterval(d time.Duration) Option {
	return func(s *Service) {
		s.rotationInterval = d
	}
}

// NewService constructs the encryption service.
func NewService(keys *KeyStore, log *audit.Log, opts ...Option) *Service {
	s := &Service{
		keys:     keys,
		auditLog: log,
		now:      time.Now,
		saltLen:  16,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.lastRotated = s.now().UTC()
	return s
}

// Keys exposes the underlying key store for operator commands.
func (s *Service) Keys() *KeyStore { return s.keys }

func (s *Service) deriveKey(material, salt []byte) ([]byte, error) {
	derived := make([]byte, 32)
	reader := hkdf.New(sha256.New, material, salt, []byte(hkdfInfo))
	if _, err := io.ReadFull(reader, derived); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return derived, nil
}

// Encrypt seals plaintext under the named key, or the current default
// when keyID is empty.
func (s *Service) Encrypt(ctx context.Context, plaintext []byte, keyID string) (Envelope, error) {
	var key Key
	var err error
	if keyID == "" {
		key = s.keys.Default()
	} else {
		key, err = s.keys.Get(keyID)
		if err != nil {
			s.record(ctx, audit.EventEncryption, "encrypt", audit.ResultFailure, audit.SeverityHigh, keyID, err)
			return Envelope{}, err
		}
		// Retired keys stay decrypt-only; new data goes under the
		// current material.
		if key.Status != KeyActive {
			wrapped := fmt.Errorf("%w: %s", ErrKeyRetired, keyID)
			s.record(ctx, audit.EventEncryption, "encrypt", audit.ResultFailure, audit.SeverityHigh, keyID, wrapped)
			return Envelope{}, wrapped
		}
	}

	envelope, err := s.seal(plaintext, key)
	if err != nil {
		wrapped := fmt.Errorf("%w: %v", ErrEncryption, err)
		s.record(ctx, audit.EventEncryption, "encrypt", audit.ResultFailure, audit.SeverityHigh, key.ID, wrapped)
		return Envelope{}, wrapped
	}
	s.record(ctx, audit.EventEncryption, "encrypt", audit.ResultSuccess, audit.SeverityLow, key.ID, nil)
	return envelope, nil
}

func (s *Service) seal(plaintext []byte, key Key) (Envelope, error) {
	salt := make([]byte, s.saltLen)
	if _, err := rand.Read(salt); err != nil {
		return Envelope{}, fmt.Errorf("generate salt: %w", err)
	}
	derived, err := s.deriveKey(key.Material, salt)
	if err != nil {
		return Envelope{}, err
	}
	block, err := aes.NewCipher(derived)
	if err != nil {
		return Envelope{}, fmt.Errorf("new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return Envelope{}, fmt.Errorf("new gcm: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return Envelope{}, fmt.Errorf("generate nonce: %w", err)
	}
	sealed := gcm.Seal(nil, nonce, plaintext, nil)
	return Envelope{
		Encrypted: base64.StdEncoding.EncodeToString(sealed),
		Salt:      base64.StdEncoding.EncodeToString(salt),
		IV:        base64.StdEncoding.EncodeToString(nonce),
		Algorithm: key.Algorithm,
		KeyID:     key.ID,
	}, nil
}

// Decrypt opens an envelope using the key version it names. Retired
// keys still decrypt; deleted keys fail with ErrKeyNotFound.
func (s *Service) Decrypt(ctx context.Context, envelope Envelope) ([]byte, error) {
	key, err := s.keys.Get(envelope.KeyID)
	if err != nil {
		s.record(ctx, audit.EventDecryption, "decrypt", audit.ResultFailure, audit.SeverityHigh, envelope.KeyID, err)
		return nil, err
	}

	plaintext, err := s.open(envelope, key)
	if err != nil {
		wrapped := fmt.Errorf("%w: %v", ErrDecryption, err)
		s.record(ctx, audit.EventDecryption, "decrypt", audit.ResultFailure, audit.SeverityHigh, key.ID, wrapped)
		return nil, wrapped
	}
	s.record(ctx, audit.EventDecryption, "decrypt", audit.ResultSuccess, audit.SeverityLow, key.ID, nil)
	return plaintext, nil
}

func (s *Service) open(envelope Envelope, key Key) ([]byte, error) {
	if envelope.Algorithm != algorithmAESGCM {
		return nil, fmt.Errorf("unsupported algorithm %q", envelope.Algorithm)
	}
	sealed, err := base64.StdEncoding.DecodeString(envelope.Encrypted)
	if err != nil {
		return nil, fmt.Errorf("decode ciphertext: %w", err)
	}
	salt, err := base64.StdEncoding.DecodeString(envelope.Salt)
	if err != nil {
		return nil, fmt.Errorf("decode salt: %w", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(envelope.IV)
	if err != nil {
		return nil, fmt.Errorf("decode iv: %w", err)
	}
	derived, err := s.deriveKey(key.Material, salt)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(derived)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}
	if len(nonce) != gcm.NonceSize() {
		return nil, fmt.Errorf("bad nonce length %d", len(nonce))
	}
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	return plaintext, nil
}

// Rotate creates a new default key version and retires the previous
// one. Data encrypted before rotation stays decryptable.
func (s *Service) Rotate(ctx context.Context) (Key, error) {
	key, err := s.keys.Rotate()
	if err != nil {
		s.record(ctx, audit.EventKeyRotation, "rotate", audit.ResultFailure, audit.SeverityHigh, "", err)
		return Key{}, err
	}
	s.rotateMu.Lock()
	s.lastRotated = s.now().UTC()
	s.rotateMu.Unlock()
	s.record(ctx, audit.EventKeyRotation, "rotate", audit.ResultSuccess, audit.SeverityMedium, key.ID, nil)
	return key, nil
}

// RotateIfDue rotates when the configured interval has elapsed.
// Intended for periodic housekeeping; a zero interval disables it.
func (s *Service) RotateIfDue(ctx context.Context) (bool, error) {
	s.rotateMu.Lock()
	interval := s.rotationInterval
	due := interval > 0 && s.now().Sub(s.lastRotated) >= interval
	s.rotateMu.Unlock()
	if !due {
		return false, nil
	}
	_, err := s.Rotate(ctx)
	return err == nil, err
}

// DeleteKey removes a retired key version after which envelopes sealed
// under it become unrecoverable.
func (s *Service) DeleteKey(ctx context.Context, id string) error {
	if err := s.keys.Delete(id); err != nil {
		s.record(ctx, audit.EventKeyRotation, "delete_key", audit.ResultFailure, audit.SeverityMedium, id, err)
		return err
	}
	s.record(ctx, audit.EventKeyRotation, "delete_key", audit.ResultSuccess, audit.SeverityMedium, id, nil)
	return nil
}

func (s *Service) record(ctx context.Context, eventType audit.EventType, action string, result audit.Result, severity audit.Severity, keyID string, err error) {
	details := map[string]string{}
	if keyID != "" {
		details["keyId"] = keyID
	}
	if err != nil {
		details["error"] = err.Error()
	}
	obs.ObserveCrypto(action, string(result))
	s.auditLog.Record(ctx, audit.Event{
		Type:     eventType,
		Severity: severity,
		Source:   "vault",
		Action:   action,
		Result:   result,
		Details:  details,
	})
}
