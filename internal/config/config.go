package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the resolved runtime configuration for the security core.
// File values are merged over defaults; connection strings and secrets
// come from the environment, never from the file.
type Config struct {
	Audit   AuditConfig   `yaml:"audit"`
	Lockout LockoutConfig `yaml:"lockout"`
	OAuth   OAuthConfig   `yaml:"oauth"`
	Vault   VaultConfig   `yaml:"vault"`
	Authz   AuthzConfig   `yaml:"authz"`
	Session SessionConfig `yaml:"session"`
}

// AuditConfig controls the append-only event log.
type AuditConfig struct {
	Enabled bool `yaml:"enabled"`
}

// LockoutConfig governs failed local-login tracking per principal.
type LockoutConfig struct {
	MaxAttempts     int           `yaml:"max_attempts"`
	AttemptWindow   time.Duration `yaml:"attempt_window"`
	LockoutDuration time.Duration `yaml:"lockout_duration"`
	RatePerSecond   float64       `yaml:"rate_per_second"`
	RateBurst       int           `yaml:"rate_burst"`
}

// OAuthConfig tunes the authorization-code flow engine.
type OAuthConfig struct {
	PKCETTL time.Duration `yaml:"pkce_ttl"`
}

// VaultConfig tunes the encryption service.
type VaultConfig struct {
	SaltLength       int           `yaml:"salt_length"`
	RotationInterval time.Duration `yaml:"rotation_interval"`
}

// AuthzConfig selects the evaluation strategy and default decision.
type AuthzConfig struct {
	Strategy      string `yaml:"strategy"`       // deny-override | allow-override | first-match
	DefaultPolicy string `yaml:"default_policy"` // allow | deny
	RBACEnabled   bool   `yaml:"rbac_enabled"`
	ABACEnabled   bool   `yaml:"abac_enabled"`
}

// SessionConfig tunes the periodic expired-session sweep.
type SessionConfig struct {
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// Default returns the configuration used when no file is supplied.
func Default() Config {
	return Config{
		Audit: AuditConfig{Enabled: true},
		Lockout: LockoutConfig{
			MaxAttempts:     5,
			AttemptWindow:   15 * time.Minute,
			LockoutDuration: 15 * time.Minute,
			RatePerSecond:   1,
			RateBurst:       5,
		},
		OAuth: OAuthConfig{PKCETTL: 600 * time.Second},
		Vault: VaultConfig{
			SaltLength:       16,
			RotationInterval: 90 * 24 * time.Hour,
		},
		Authz: AuthzConfig{
			Strategy:      "deny-override",
			DefaultPolicy: "deny",
			RBACEnabled:   true,
			ABACEnabled:   true,
		},
		Session: SessionConfig{CleanupInterval: time.Minute},
	}
}

// Load reads a YAML configuration file and merges it over defaults.
// An empty path returns defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects values the engines cannot operate with.
func (c Config) Validate() error {
	switch c.Authz.Strategy {
	case "deny-override", "allow-override", "first-match":
	default:
		return fmt.Errorf("config: unknown evaluation strategy %q", c.Authz.Strategy)
	}
	switch c.Authz.DefaultPolicy {
	case "allow", "deny":
	default:
		return fmt.Errorf("config: unknown default policy %q", c.Authz.DefaultPolicy)
	}
	if c.Lockout.MaxAttempts <= 0 {
		return errors.New("config: lockout max_attempts must be positive")
	}
	if c.OAuth.PKCETTL <= 0 {
		return errors.New("config: oauth pkce_ttl must be positive")
	}
	if c.Vault.SaltLength < 8 {
		return errors.New("config: vault salt_length must be at least 8 bytes")
	}
	return nil
}

// Credential is one entry of the provider-credentials bootstrap document.
type Credential struct {
	ClientID     string `json:"clientId"`
	ClientSecret string `json:"clientSecret"`
	RedirectURI  string `json:"redirectUri"`
}

// LoadCredentials reads the provider-credentials document: a JSON map from
// provider id to client credentials, treated as an opaque bootstrap input.
func LoadCredentials(path string) (map[string]Credential, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read credentials %s: %w", path, err)
	}
	creds := map[string]Credential{}
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("config: parse credentials %s: %w", path, err)
	}
	return creds, nil
}
