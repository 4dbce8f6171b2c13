// Package authn is the front door for every login path. It drives the
// protocol-specific collaborators, applies lockout policy to password
// logins, and turns a verified identity into a session.
//
// Audit granularity: every authentication attempt produces exactly one
// event about the attempt itself, with source "authn" and action
// "login". The oauth engine steps a login drives (exchange, userinfo)
// are operations in their own right and record their own "oauth.*"
// events, so an OAuth login leaves one login event plus the engine's
// per-step entries. Consumers counting login attempts filter on the
// "login" action. A lockout transition additionally raises a threat
// event.
package authn

import (
	"context"
	"errors"
	"fmt"
	"time"

	"aegisid.org/internal/audit"
	"aegisid.org/internal/oauth"
	"aegisid.org/internal/obs"
	"aegisid.org/internal/provider"
	"aegisid.org/internal/session"
)

const localProviderID = "local"

var (
	// ErrProviderType reports a provider configured for a different
	// protocol than the one requested.
	ErrProviderType = errors.New("authn: provider type mismatch")

	// ErrSAMLValidation reports a rejected SAML assertion.
	ErrSAMLValidation = errors.New("authn: saml assertion rejected")
)

// AssertionValidator verifies a SAML response against the provider's
// certificate and returns the asserted attributes.
type AssertionValidator interface {
	Validate(ctx context.Context, p provider.Provider, assertion string) (map[string]any, error)
}

// DirectoryBinder authenticates a user against an LDAP directory and
// returns the resolved entry attributes.
type DirectoryBinder interface {
	Bind(ctx context.Context, p provider.Provider, username, password string) (map[string]any, error)
}

// Authenticator coordinates the four login paths over one session
// store and one audit trail.
type Authenticator struct {
	providers *provider.Registry
	engine    *oauth.Engine
	sessions  *session.Manager
	creds     CredentialStore
	saml      AssertionValidator
	ldap      DirectoryBinder
	lockout   *Lockout
	auditLog  *audit.Log
	tokenTTL  time.Duration
	now       func() time.Time
}

// Option configures an Authenticator.
type Option func(*Authenticator)

// WithSAMLValidator installs the SAML collaborator.
func WithSAMLValidator(v AssertionValidator) Option {
	return func(a *Authenticator) { a.saml = v }
}

// WithDirectoryBinder installs the LDAP collaborator.
func WithDirectoryBinder(b DirectoryBinder) Option {
	return func(a *Authenticator) { a.ldap = b }
}

// WithCredentialStore installs the local account store.
func WithCredentialStore(s CredentialStore) Option {
	return func(a *Authenticator) { a.creds = s }
}

// WithTokenTTL overrides the lifetime of locally issued tokens.
func WithTokenTTL(ttl time.Duration) Option {
	return func(a *Authenticator) {
		if ttl > 0 {
			a.tokenTTL = ttl
		}
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(a *Authenticator) {
		if fn != nil {
			a.now = fn
		}
	}
}

// NewAuthenticator wires the login facade.
func NewAuthenticator(providers *provider.Registry, engine *oauth.Engine, sessions *session.Manager, lockout *Lockout, auditLog *audit.Log, opts ...Option) *Authenticator {
	a := &Authenticator{
		providers: providers,
		engine:    engine,
		sessions:  sessions,
		lockout:   lockout,
		auditLog:  auditLog,
		tokenTTL:  time.Hour,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// AuthenticateWithOAuth completes an authorization-code login: the
// code is exchanged, the identity fetched, and a session created.
func (a *Authenticator) AuthenticateWithOAuth(ctx context.Context, providerID, code, state string, meta session.Metadata) (session.Session, error) {
	token, err := a.engine.ExchangeCodeForToken(ctx, providerID, code, state)
	if err != nil {
		a.record(ctx, providerID, resultFor(err), audit.SeverityMedium, "", map[string]string{"error": err.Error(), "step": "exchange"}, meta)
		return session.Session{}, fmt.Errorf("authn: oauth login: %w", err)
	}
	identity, err := a.engine.GetUserInfo(ctx, providerID, token.AccessToken)
	if err != nil {
		a.record(ctx, providerID, audit.ResultFailure, audit.SeverityMedium, "", map[string]string{"error": err.Error(), "step": "userinfo"}, meta)
		return session.Session{}, fmt.Errorf("authn: oauth login: %w", err)
	}
	a.engine.MarkUserInfoFetched(state)

	s := a.sessions.Create(providerID, identity, token, meta)
	a.engine.MarkSessionCreated(state)
	a.record(ctx, providerID, audit.ResultSuccess, audit.SeverityLow, identity.ID, map[string]string{"sessionId": s.ID}, meta)
	return s, nil
}

// AuthenticateWithSAML validates a SAML assertion and creates a
// session backed by a locally issued token.
func (a *Authenticator) AuthenticateWithSAML(ctx context.Context, providerID, assertion string, meta session.Metadata) (session.Session, error) {
	p, err := a.providers.Get(providerID)
	if err != nil {
		a.record(ctx, providerID, audit.ResultFailure, audit.SeverityMedium, "", map[string]string{"error": err.Error()}, meta)
		return session.Session{}, fmt.Errorf("authn: saml login: %w", err)
	}
	if p.Type != provider.TypeSAML || a.saml == nil {
		a.record(ctx, providerID, audit.ResultFailure, audit.SeverityMedium, "", map[string]string{"error": ErrProviderType.Error()}, meta)
		return session.Session{}, fmt.Errorf("authn: saml login: %w", ErrProviderType)
	}

	attrs, err := a.saml.Validate(ctx, p, assertion)
	if err != nil {
		wrapped := fmt.Errorf("%w: %v", ErrSAMLValidation, err)
		a.record(ctx, providerID, audit.ResultFailure, audit.SeverityHigh, "", map[string]string{"error": wrapped.Error()}, meta)
		return session.Session{}, wrapped
	}
	identity := provider.MapClaims(providerID, attrs, p.Mapping)
	return a.establish(ctx, providerID, identity, nil, meta)
}

// AuthenticateWithLDAP binds against the directory with the user's
// credentials. Failed binds count toward the principal's lockout.
func (a *Authenticator) AuthenticateWithLDAP(ctx context.Context, providerID, username, password string, meta session.Metadata) (session.Session, error) {
	principal := providerID + "/" + username
	if err := a.gate(ctx, providerID, principal, meta); err != nil {
		return session.Session{}, err
	}

	p, err := a.providers.Get(providerID)
	if err != nil {
		a.record(ctx, providerID, audit.ResultFailure, audit.SeverityMedium, username, map[string]string{"error": err.Error()}, meta)
		return session.Session{}, fmt.Errorf("authn: ldap login: %w", err)
	}
	if p.Type != provider.TypeLDAP || a.ldap == nil {
		a.record(ctx, providerID, audit.ResultFailure, audit.SeverityMedium, username, map[string]string{"error": ErrProviderType.Error()}, meta)
		return session.Session{}, fmt.Errorf("authn: ldap login: %w", ErrProviderType)
	}

	attrs, err := a.ldap.Bind(ctx, p, username, password)
	if err != nil {
		a.fail(ctx, providerID, principal, username, err, meta)
		return session.Session{}, fmt.Errorf("authn: ldap login: %w", err)
	}
	a.lockout.RecordSuccess(principal)
	identity := provider.MapClaims(providerID, attrs, p.Mapping)
	return a.establish(ctx, providerID, identity, nil, meta)
}

// AuthenticateLocal verifies a username and password against the local
// credential store. Failed attempts count toward the lockout.
func (a *Authenticator) AuthenticateLocal(ctx context.Context, username, password string, meta session.Metadata) (session.Session, error) {
	principal := localProviderID + "/" + username
	if err := a.gate(ctx, localProviderID, principal, meta); err != nil {
		return session.Session{}, err
	}
	if a.creds == nil {
		a.record(ctx, localProviderID, audit.ResultFailure, audit.SeverityMedium, username, map[string]string{"error": "no credential store"}, meta)
		return session.Session{}, fmt.Errorf("authn: local login: %w", ErrProviderType)
	}

	user, err := a.creds.Lookup(ctx, username)
	if err != nil || user.Disabled {
		if err == nil {
			err = ErrBadCredentials
		}
		a.fail(ctx, localProviderID, principal, username, ErrBadCredentials, meta)
		return session.Session{}, fmt.Errorf("authn: local login: %w", ErrBadCredentials)
	}
	if err := VerifyPassword(user.PasswordHash, password); err != nil {
		a.fail(ctx, localProviderID, principal, username, ErrBadCredentials, meta)
		return session.Session{}, fmt.Errorf("authn: local login: %w", ErrBadCredentials)
	}
	a.lockout.RecordSuccess(principal)

	identity := provider.Identity{
		ID:         user.ID,
		Name:       user.Username,
		Provider:   localProviderID,
		ProviderID: user.ID,
		Verified:   true,
	}
	return a.establish(ctx, localProviderID, identity, user.Roles, meta)
}

// establish issues a local token and creates the session for
// non-oauth logins.
func (a *Authenticator) establish(ctx context.Context, providerID string, identity provider.Identity, roles []string, meta session.Metadata) (session.Session, error) {
	signed, err := GenerateToken(identity.ID, providerID, roles, a.tokenTTL)
	if err != nil {
		a.record(ctx, providerID, audit.ResultFailure, audit.SeverityHigh, identity.ID, map[string]string{"error": err.Error()}, meta)
		return session.Session{}, fmt.Errorf("authn: issue token: %w", err)
	}
	now := a.now().UTC()
	token := oauth.Token{
		AccessToken: signed,
		TokenType:   "Bearer",
		ExpiresIn:   int64(a.tokenTTL / time.Second),
		IssuedAt:    now,
		ExpiresAt:   now.Add(a.tokenTTL),
		Provider:    providerID,
	}
	s := a.sessions.Create(providerID, identity, token, meta)
	a.record(ctx, providerID, audit.ResultSuccess, audit.SeverityLow, identity.ID, map[string]string{"sessionId": s.ID}, meta)
	return s, nil
}

// gate enforces lockout and throttle before an attempt runs.
func (a *Authenticator) gate(ctx context.Context, providerID, principal string, meta session.Metadata) error {
	err := a.lockout.Allow(principal)
	if err == nil {
		return nil
	}
	a.record(ctx, providerID, audit.ResultBlocked, audit.SeverityHigh, principal, map[string]string{"error": err.Error()}, meta)
	return fmt.Errorf("authn: login: %w", err)
}

// fail records the failed attempt and, when the failure crosses the
// threshold, raises a lockout threat event.
func (a *Authenticator) fail(ctx context.Context, providerID, principal, username string, cause error, meta session.Metadata) {
	locked := a.lockout.RecordFailure(principal)
	a.record(ctx, providerID, audit.ResultFailure, audit.SeverityMedium, username, map[string]string{"error": cause.Error()}, meta)
	if locked {
		a.auditLog.Record(ctx, audit.Event{
			Type:     audit.EventThreat,
			Severity: audit.SeverityCritical,
			Source:   "authn",
			Target:   providerID,
			Action:   "lockout",
			Result:   audit.ResultBlocked,
			Details:  map[string]string{"principal": principal},
			Metadata: audit.Metadata{IP: meta.IP, UserAgent: meta.UserAgent},
		})
	}
}

func (a *Authenticator) record(ctx context.Context, providerID string, result audit.Result, severity audit.Severity, subject string, details map[string]string, meta session.Metadata) {
	obs.ObserveAuth(providerID, string(result))
	if subject != "" {
		if details == nil {
			details = map[string]string{}
		}
		details["subject"] = subject
	}
	a.auditLog.Record(ctx, audit.Event{
		Type:     audit.EventAuthentication,
		Severity: severity,
		Source:   "authn",
		Target:   providerID,
		Action:   "login",
		Result:   result,
		Details:  details,
		Metadata: audit.Metadata{IP: meta.IP, UserAgent: meta.UserAgent},
	})
}

func resultFor(err error) audit.Result {
	if errors.Is(err, oauth.ErrPKCEVerification) {
		return audit.ResultBlocked
	}
	return audit.ResultFailure
}
