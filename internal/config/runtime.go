package config

import (
	"context"
	"sync"

	"aegisid.org/internal/audit"
)

// Store holds the live configuration. Reads return a copy; updates are
// validated, applied atomically, and audited.
type Store struct {
	mu       sync.RWMutex
	current  Config
	auditLog *audit.Log
}

// NewStore seeds the live configuration.
func NewStore(cfg Config, log *audit.Log) *Store {
	return &Store{current: cfg, auditLog: log}
}

// Get returns the current configuration.
func (s *Store) Get() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Update replaces the configuration after validation. Both outcomes
// are recorded as configuration events; a rejected update leaves the
// current configuration untouched.
func (s *Store) Update(ctx context.Context, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		s.record(ctx, audit.ResultFailure, map[string]string{"error": err.Error()})
		return err
	}
	s.mu.Lock()
	s.current = cfg
	s.mu.Unlock()
	s.record(ctx, audit.ResultSuccess, nil)
	return nil
}

func (s *Store) record(ctx context.Context, result audit.Result, details map[string]string) {
	if s.auditLog == nil {
		return
	}
	s.auditLog.Record(ctx, audit.Event{
		Type:     audit.EventConfiguration,
		Severity: audit.SeverityMedium,
		Source:   "config",
		Action:   "update",
		Result:   result,
		Details:  details,
	})
}
