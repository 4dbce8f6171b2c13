// Package analytics derives point-in-time metric snapshots from the
// security event log. Generation is a pure read: two calls with no
// intervening events produce identical snapshots.
package analytics

import (
	"errors"
	"fmt"
	"time"

	"aegisid.org/internal/audit"
)

// ErrUnknownPeriod reports an unsupported aggregation period.
var ErrUnknownPeriod = errors.New("analytics: unknown period")

// Period selects the aggregation window ending now.
type Period string

const (
	PeriodHour    Period = "hour"
	PeriodDay     Period = "day"
	PeriodWeek    Period = "week"
	PeriodMonth   Period = "month"
	PeriodQuarter Period = "quarter"
	PeriodYear    Period = "year"
)

// AuthenticationMetrics counts login activity.
type AuthenticationMetrics struct {
	Total      int            `json:"total"`
	Succeeded  int            `json:"succeeded"`
	Failed     int            `json:"failed"`
	Blocked    int            `json:"blocked"`
	ByProvider map[string]int `json:"byProvider,omitempty"`
}

// AuthorizationMetrics counts access decisions.
type AuthorizationMetrics struct {
	Total   int `json:"total"`
	Allowed int `json:"allowed"`
	Denied  int `json:"denied"`
	Errors  int `json:"errors"`
}

// ThreatMetrics counts high-signal security events.
type ThreatMetrics struct {
	Total          int `json:"total"`
	Lockouts       int `json:"lockouts"`
	HighSeverity   int `json:"highSeverity"`
	BlockedActions int `json:"blockedActions"`
}

// ComplianceMetrics counts audit coverage.
type ComplianceMetrics struct {
	AuditedEvents    int `json:"auditedEvents"`
	ComplianceEvents int `json:"complianceEvents"`
	ConfigChanges    int `json:"configChanges"`
}

// EncryptionMetrics counts crypto operations and key lifecycle events.
type EncryptionMetrics struct {
	Encryptions int `json:"encryptions"`
	Decryptions int `json:"decryptions"`
	Failures    int `json:"failures"`
	Rotations   int `json:"rotations"`
}

// Snapshot is the immutable result of one analytics run.
type Snapshot struct {
	Period         Period                `json:"period"`
	Cutoff         time.Time             `json:"cutoff"`
	GeneratedAt    time.Time             `json:"generatedAt"`
	Authentication AuthenticationMetrics `json:"authentication"`
	Authorization  AuthorizationMetrics  `json:"authorization"`
	Threats        ThreatMetrics         `json:"threats"`
	Compliance     ComplianceMetrics     `json:"compliance"`
	Encryption     EncryptionMetrics     `json:"encryption"`
}

// Service reads the event log on demand.
type Service struct {
	log *audit.Log
	now func() time.Time
}

// NewService constructs the analytics reader.
func NewService(log *audit.Log, now func() time.Time) *Service {
	if now == nil {
		now = time.Now
	}
	return &Service{log: log, now: now}
}

func cutoffFor(p Period, now time.Time) (time.Time, error) {
	switch p {
	case PeriodHour:
		return now.Add(-time.Hour), nil
	case PeriodDay:
		return now.AddDate(0, 0, -1), nil
	case PeriodWeek:
		return now.AddDate(0, 0, -7), nil
	case PeriodMonth:
		return now.AddDate(0, -1, 0), nil
	case PeriodQuarter:
		return now.AddDate(0, -3, 0), nil
	case PeriodYear:
		return now.AddDate(-1, 0, 0), nil
	default:
		return time.Time{}, fmt.Errorf("%w: %q", ErrUnknownPeriod, p)
	}
}

// Generate aggregates events at or after the period cutoff into a
// snapshot. The log itself is never modified.
func (s *Service) Generate(p Period) (Snapshot, error) {
	now := s.now().UTC()
	cutoff, err := cutoffFor(p, now)
	if err != nil {
		return Snapshot{}, err
	}

	snap := Snapshot{
		Period:      p,
		Cutoff:      cutoff,
		GeneratedAt: now,
		Authentication: AuthenticationMetrics{
			ByProvider: map[string]int{},
		},
	}
	for _, e := range s.log.EventsSince(cutoff) {
		snap.Compliance.AuditedEvents++

		switch e.Type {
		case audit.EventAuthentication:
			snap.Authentication.Total++
			switch e.Result {
			case audit.ResultSuccess:
				snap.Authentication.Succeeded++
			case audit.ResultFailure:
				snap.Authentication.Failed++
			case audit.ResultBlocked:
				snap.Authentication.Blocked++
			}
			if e.Target != "" {
				snap.Authentication.ByProvider[e.Target]++
			}
		case audit.EventAuthorization:
			snap.Authorization.Total++
			switch e.Result {
			case audit.ResultSuccess:
				snap.Authorization.Allowed++
			case audit.ResultBlocked:
				snap.Authorization.Denied++
			case audit.ResultFailure:
				snap.Authorization.Errors++
			}
		case audit.EventEncryption:
			if e.Result == audit.ResultSuccess {
				snap.Encryption.Encryptions++
			} else {
				snap.Encryption.Failures++
			}
		case audit.EventDecryption:
			if e.Result == audit.ResultSuccess {
				snap.Encryption.Decryptions++
			} else {
				snap.Encryption.Failures++
			}
		case audit.EventKeyRotation:
			if e.Result == audit.ResultSuccess && e.Action == "rotate" {
				snap.Encryption.Rotations++
			}
		case audit.EventThreat:
			snap.Threats.Total++
			if e.Action == "lockout" {
				snap.Threats.Lockouts++
			}
		case audit.EventCompliance:
			snap.Compliance.ComplianceEvents++
		case audit.EventConfiguration:
			snap.Compliance.ConfigChanges++
		}

		if e.Severity == audit.SeverityHigh || e.Severity == audit.SeverityCritical {
			snap.Threats.HighSeverity++
		}
		if e.Result == audit.ResultBlocked {
			snap.Threats.BlockedActions++
		}
	}
	return snap, nil
}
