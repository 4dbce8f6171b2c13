package authn

import (
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"aegisid.org/internal/config"
)

var (
	// ErrLockedOut reports that the principal has exceeded the failed
	// attempt threshold and must wait out the lockout duration.
	ErrLockedOut = errors.New("authn: account locked")

	// ErrThrottled reports that attempts for the principal arrive
	// faster than the configured rate allows.
	ErrThrottled = errors.New("authn: too many attempts")
)

type principalState struct {
	failures    []time.Time
	lockedUntil time.Time
	limiter     *rate.Limiter
}

// Lockout tracks failed password attempts per principal. Failures
// inside the attempt window count toward the threshold; crossing it
// locks the principal for the lockout duration. A per-principal token
// bucket throttles attempt bursts independently of the threshold.
type Lockout struct {
	mu     sync.Mutex
	cfg    config.LockoutConfig
	states map[string]*principalState
	now    func() time.Time
}

// NewLockout constructs a tracker from the lockout configuration.
func NewLockout(cfg config.LockoutConfig, now func() time.Time) *Lockout {
	if now == nil {
		now = time.Now
	}
	return &Lockout{
		cfg:    cfg,
		states: map[string]*principalState{},
		now:    now,
	}
}

func (l *Lockout) state(principal string) *principalState {
	st, ok := l.states[principal]
	if !ok {
		st = &principalState{
			limiter: rate.NewLimiter(rate.Limit(l.cfg.RatePerSecond), l.cfg.RateBurst),
		}
		l.states[principal] = st
	}
	return st
}

// Allow reports whether an attempt for the principal may proceed.
func (l *Lockout) Allow(principal string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	st := l.state(principal)
	if now.Before(st.lockedUntil) {
		return ErrLockedOut
	}
	if !st.limiter.AllowN(now, 1) {
		return ErrThrottled
	}
	return nil
}

// RecordFailure registers a failed attempt and reports whether that
// failure triggered a lockout.
func (l *Lockout) RecordFailure(principal string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	st := l.state(principal)

	keep := st.failures[:0]
	horizon := now.Add(-l.cfg.AttemptWindow)
	for _, ts := range st.failures {
		if ts.After(horizon) {
			keep = append(keep, ts)
		}
	}
	st.failures = append(keep, now)

	if len(st.failures) >= l.cfg.MaxAttempts {
		st.lockedUntil = now.Add(l.cfg.LockoutDuration)
		st.failures = nil
		return true
	}
	return false
}

// RecordSuccess clears the failure history for the principal.
func (l *Lockout) RecordSuccess(principal string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if st, ok := l.states[principal]; ok {
		st.failures = nil
		st.lockedUntil = time.Time{}
	}
}

// LockedUntil returns the lockout expiry, zero if not locked.
func (l *Lockout) LockedUntil(principal string) time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()

	st, ok := l.states[principal]
	if !ok || l.now().After(st.lockedUntil) {
		return time.Time{}
	}
	return st.lockedUntil
}
