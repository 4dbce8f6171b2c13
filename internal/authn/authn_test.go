package authn

import (
	"context"
	"errors"
	"net/url"
	"testing"
	"time"

	"aegisid.org/internal/audit"
	"aegisid.org/internal/config"
	"aegisid.org/internal/oauth"
	"aegisid.org/internal/provider"
	"aegisid.org/internal/session"
)

func withSecret(t *testing.T) {
	t.Helper()
	t.Setenv(secretEnvVariable, "test-secret-authn")
	ResetSecretCache()
	t.Cleanup(ResetSecretCache)
}

func testLockoutConfig() config.LockoutConfig {
	return config.LockoutConfig{
		MaxAttempts:     3,
		AttemptWindow:   15 * time.Minute,
		LockoutDuration: 15 * time.Minute,
		RatePerSecond:   100,
		RateBurst:       100,
	}
}

func newTestAuthenticator(t *testing.T, opts ...Option) (*Authenticator, *audit.Log) {
	t.Helper()
	log := audit.NewLog(true)
	registry := provider.NewRegistry()
	engine := oauth.NewEngine(registry, nil, nil, log)
	sessions := session.NewManager()
	lockout := NewLockout(testLockoutConfig(), nil)
	return NewAuthenticator(registry, engine, sessions, lockout, log, opts...), log
}

func lastEvent(t *testing.T, log *audit.Log) audit.Event {
	t.Helper()
	events := log.Events("")
	if len(events) == 0 {
		t.Fatal("no audit events recorded")
	}
	return events[len(events)-1]
}

func TestHashAndVerifyPassword(t *testing.T) {
	encoded, err := HashPassword("hunter2-but-long")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if err := VerifyPassword(encoded, "hunter2-but-long"); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if err := VerifyPassword(encoded, "wrong"); !errors.Is(err, ErrBadCredentials) {
		t.Fatalf("wrong password: err = %v", err)
	}
	if err := VerifyPassword("$not$a$hash", "x"); !errors.Is(err, ErrBadCredentials) {
		t.Fatalf("malformed hash: err = %v", err)
	}
}

func TestAuthenticateLocal(t *testing.T) {
	withSecret(t)

	hash, err := HashPassword("correct horse")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	store := NewMemoryCredentialStore(LocalUser{
		ID:           "u-1",
		Username:     "alice",
		PasswordHash: hash,
		Roles:        []string{"admin"},
	})
	auth, log := newTestAuthenticator(t, WithCredentialStore(store))

	s, err := auth.AuthenticateLocal(context.Background(), "alice", "correct horse", session.Metadata{IP: "10.0.0.1"})
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if s.UserID != "u-1" || s.Provider != "local" {
		t.Fatalf("session = %+v", s)
	}
	claims, err := ParseAndValidate(s.Token.AccessToken)
	if err != nil {
		t.Fatalf("parse issued token: %v", err)
	}
	if claims.Subject != "u-1" || claims.Provider != "local" {
		t.Fatalf("claims = %+v", claims)
	}
	if len(claims.Roles) != 1 || claims.Roles[0] != "admin" {
		t.Fatalf("roles = %v", claims.Roles)
	}

	e := lastEvent(t, log)
	if e.Type != audit.EventAuthentication || e.Result != audit.ResultSuccess || e.Target != "local" {
		t.Fatalf("event = %+v", e)
	}
	if e.Metadata.IP != "10.0.0.1" {
		t.Fatalf("event metadata = %+v", e.Metadata)
	}
	if log.Len() != 1 {
		t.Fatalf("event count = %d, want 1", log.Len())
	}
}

func TestAuthenticateLocalBadPassword(t *testing.T) {
	withSecret(t)

	hash, _ := HashPassword("right")
	store := NewMemoryCredentialStore(LocalUser{ID: "u-1", Username: "alice", PasswordHash: hash})
	auth, log := newTestAuthenticator(t, WithCredentialStore(store))

	_, err := auth.AuthenticateLocal(context.Background(), "alice", "wrong", session.Metadata{})
	if !errors.Is(err, ErrBadCredentials) {
		t.Fatalf("err = %v, want ErrBadCredentials", err)
	}
	// Unknown user fails identically.
	_, err = auth.AuthenticateLocal(context.Background(), "mallory", "wrong", session.Metadata{})
	if !errors.Is(err, ErrBadCredentials) {
		t.Fatalf("unknown user err = %v, want ErrBadCredentials", err)
	}
	if e := lastEvent(t, log); e.Result != audit.ResultFailure {
		t.Fatalf("event = %+v", e)
	}
}

func TestLocalLockoutAfterRepeatedFailures(t *testing.T) {
	withSecret(t)

	hash, _ := HashPassword("right")
	store := NewMemoryCredentialStore(LocalUser{ID: "u-1", Username: "alice", PasswordHash: hash})
	auth, log := newTestAuthenticator(t, WithCredentialStore(store))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := auth.AuthenticateLocal(ctx, "alice", "wrong", session.Metadata{}); !errors.Is(err, ErrBadCredentials) {
			t.Fatalf("attempt %d: err = %v", i, err)
		}
	}

	// The third failure crossed the threshold: a threat event follows
	// the failure event.
	events := log.Events("")
	threat := events[len(events)-1]
	if threat.Type != audit.EventThreat || threat.Action != "lockout" || threat.Severity != audit.SeverityCritical {
		t.Fatalf("threat event = %+v", threat)
	}

	// Correct password is now rejected too.
	_, err := auth.AuthenticateLocal(ctx, "alice", "right", session.Metadata{})
	if !errors.Is(err, ErrLockedOut) {
		t.Fatalf("locked err = %v, want ErrLockedOut", err)
	}
	if e := lastEvent(t, log); e.Result != audit.ResultBlocked {
		t.Fatalf("blocked event = %+v", e)
	}

	// Other principals are unaffected.
	if err := auth.lockout.Allow("local/bob"); err != nil {
		t.Fatalf("unrelated principal blocked: %v", err)
	}
}

func TestLockoutExpiresAfterDuration(t *testing.T) {
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	l := NewLockout(testLockoutConfig(), clock)

	for i := 0; i < 3; i++ {
		l.RecordFailure("local/alice")
	}
	if err := l.Allow("local/alice"); !errors.Is(err, ErrLockedOut) {
		t.Fatalf("err = %v, want ErrLockedOut", err)
	}
	if l.LockedUntil("local/alice").IsZero() {
		t.Fatal("expected lockout expiry")
	}

	now = now.Add(16 * time.Minute)
	if err := l.Allow("local/alice"); err != nil {
		t.Fatalf("after duration: %v", err)
	}
}

func TestLockoutWindowForgetsOldFailures(t *testing.T) {
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	l := NewLockout(testLockoutConfig(), clock)

	l.RecordFailure("local/alice")
	l.RecordFailure("local/alice")
	now = now.Add(16 * time.Minute)
	if locked := l.RecordFailure("local/alice"); locked {
		t.Fatal("stale failures should not count toward the threshold")
	}
	if err := l.Allow("local/alice"); err != nil {
		t.Fatalf("err = %v", err)
	}
}

func TestThrottleLimitsAttemptBursts(t *testing.T) {
	cfg := testLockoutConfig()
	cfg.RatePerSecond = 0
	cfg.RateBurst = 2
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	l := NewLockout(cfg, func() time.Time { return now })

	if err := l.Allow("local/alice"); err != nil {
		t.Fatalf("first: %v", err)
	}
	if err := l.Allow("local/alice"); err != nil {
		t.Fatalf("second: %v", err)
	}
	if err := l.Allow("local/alice"); !errors.Is(err, ErrThrottled) {
		t.Fatalf("third: err = %v, want ErrThrottled", err)
	}
}

type staticValidator struct {
	attrs map[string]any
	err   error
}

func (v staticValidator) Validate(_ context.Context, _ provider.Provider, _ string) (map[string]any, error) {
	return v.attrs, v.err
}

func samlProvider(id string) provider.Provider {
	return provider.Provider{
		ID:   id,
		Type: provider.TypeSAML,
		SAML: provider.SAMLConfig{EntityID: "urn:test", SSOURL: "https://idp.example/sso", Certificate: "cert"},
		Mapping: provider.ClaimMapping{
			ID:    "nameId",
			Email: "email",
			Name:  "displayName",
		},
	}
}

func TestAuthenticateWithSAML(t *testing.T) {
	withSecret(t)

	auth, log := newTestAuthenticator(t, WithSAMLValidator(staticValidator{attrs: map[string]any{
		"nameId":      "saml-77",
		"email":       "carol@example.com",
		"displayName": "Carol",
	}}))
	if err := auth.providers.Register(samlProvider("corp-saml")); err != nil {
		t.Fatalf("register: %v", err)
	}

	s, err := auth.AuthenticateWithSAML(context.Background(), "corp-saml", "<Response/>", session.Metadata{})
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if s.Identity.ID != "saml-77" || s.Identity.Email != "carol@example.com" {
		t.Fatalf("identity = %+v", s.Identity)
	}
	if s.Token.TokenType != "Bearer" || s.Token.AccessToken == "" {
		t.Fatalf("token = %+v", s.Token)
	}
	if e := lastEvent(t, log); e.Result != audit.ResultSuccess || e.Target != "corp-saml" {
		t.Fatalf("event = %+v", e)
	}
}

func TestAuthenticateWithSAMLInvalidAssertion(t *testing.T) {
	withSecret(t)

	auth, log := newTestAuthenticator(t, WithSAMLValidator(staticValidator{err: errors.New("signature mismatch")}))
	if err := auth.providers.Register(samlProvider("corp-saml")); err != nil {
		t.Fatalf("register: %v", err)
	}

	_, err := auth.AuthenticateWithSAML(context.Background(), "corp-saml", "<Forged/>", session.Metadata{})
	if !errors.Is(err, ErrSAMLValidation) {
		t.Fatalf("err = %v, want ErrSAMLValidation", err)
	}
	e := lastEvent(t, log)
	if e.Result != audit.ResultFailure || e.Severity != audit.SeverityHigh {
		t.Fatalf("event = %+v", e)
	}
}

func TestAuthenticateWithSAMLWrongProviderType(t *testing.T) {
	withSecret(t)

	auth, _ := newTestAuthenticator(t, WithSAMLValidator(staticValidator{}))
	p := provider.Provider{
		ID:   "dir",
		Type: provider.TypeLDAP,
		LDAP: provider.LDAPConfig{URL: "ldap://dir.example", BaseDN: "dc=example"},
	}
	if err := auth.providers.Register(p); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := auth.AuthenticateWithSAML(context.Background(), "dir", "<Response/>", session.Metadata{}); !errors.Is(err, ErrProviderType) {
		t.Fatalf("err = %v, want ErrProviderType", err)
	}
}

type staticBinder struct {
	attrs map[string]any
	err   error
}

func (b staticBinder) Bind(_ context.Context, _ provider.Provider, _, _ string) (map[string]any, error) {
	return b.attrs, b.err
}

func TestAuthenticateWithLDAP(t *testing.T) {
	withSecret(t)

	auth, log := newTestAuthenticator(t, WithDirectoryBinder(staticBinder{attrs: map[string]any{
		"uid":  "dbrown",
		"mail": "d.brown@example.com",
		"cn":   "Dana Brown",
	}}))
	p := provider.Provider{
		ID:      "dir",
		Type:    provider.TypeLDAP,
		LDAP:    provider.LDAPConfig{URL: "ldap://dir.example", BaseDN: "dc=example"},
		Mapping: provider.ClaimMapping{ID: "uid", Email: "mail", Name: "cn"},
	}
	if err := auth.providers.Register(p); err != nil {
		t.Fatalf("register: %v", err)
	}

	s, err := auth.AuthenticateWithLDAP(context.Background(), "dir", "dbrown", "pw", session.Metadata{})
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if s.Identity.ID != "dbrown" || s.Identity.Name != "Dana Brown" {
		t.Fatalf("identity = %+v", s.Identity)
	}
	if e := lastEvent(t, log); e.Result != audit.ResultSuccess {
		t.Fatalf("event = %+v", e)
	}
}

func TestLDAPFailedBindCountsTowardLockout(t *testing.T) {
	withSecret(t)

	auth, log := newTestAuthenticator(t, WithDirectoryBinder(staticBinder{err: errors.New("invalid credentials")}))
	p := provider.Provider{
		ID:   "dir",
		Type: provider.TypeLDAP,
		LDAP: provider.LDAPConfig{URL: "ldap://dir.example", BaseDN: "dc=example"},
	}
	if err := auth.providers.Register(p); err != nil {
		t.Fatalf("register: %v", err)
	}
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := auth.AuthenticateWithLDAP(ctx, "dir", "dbrown", "bad", session.Metadata{}); err == nil {
			t.Fatalf("attempt %d succeeded", i)
		}
	}
	if _, err := auth.AuthenticateWithLDAP(ctx, "dir", "dbrown", "bad", session.Metadata{}); !errors.Is(err, ErrLockedOut) {
		t.Fatalf("err = %v, want ErrLockedOut", err)
	}
	if e := lastEvent(t, log); e.Result != audit.ResultBlocked {
		t.Fatalf("event = %+v", e)
	}
}

type scriptedExchanger struct {
	resp oauth.TokenResponse
	err  error
}

func (s scriptedExchanger) Exchange(_ context.Context, _ string, _ url.Values) (oauth.TokenResponse, error) {
	return s.resp, s.err
}

func (s scriptedExchanger) Revoke(_ context.Context, _ string, _ url.Values) error { return nil }

type scriptedUserInfo struct {
	payload map[string]any
}

func (s scriptedUserInfo) Fetch(_ context.Context, _, _ string) (map[string]any, error) {
	return s.payload, nil
}

func TestAuthenticateWithOAuth(t *testing.T) {
	withSecret(t)

	log := audit.NewLog(true)
	registry := provider.NewRegistry()
	engine := oauth.NewEngine(registry,
		scriptedExchanger{resp: oauth.TokenResponse{AccessToken: "at-1", TokenType: "Bearer", ExpiresIn: 3600}},
		scriptedUserInfo{payload: map[string]any{"sub": "g-123", "email": "eve@example.com", "name": "Eve"}},
		log)
	sessions := session.NewManager()
	auth := NewAuthenticator(registry, engine, sessions, NewLockout(testLockoutConfig(), nil), log)

	p := provider.Provider{
		ID:   "google",
		Type: provider.TypeOAuth,
		Endpoints: provider.Endpoints{
			Authorization: "https://accounts.google.com/o/oauth2/v2/auth",
			Token:         "https://oauth2.googleapis.com/token",
			UserInfo:      "https://openidconnect.googleapis.com/v1/userinfo",
		},
		OAuth:   provider.OAuthConfig{ClientID: "cid", ClientSecret: "cs", RedirectURI: "https://app.example/cb", UsePKCE: true},
		Mapping: provider.MappingFor("google"),
	}
	if err := registry.Register(p); err != nil {
		t.Fatalf("register: %v", err)
	}

	ctx := context.Background()
	res, err := engine.GenerateAuthorizationURL(ctx, "google", oauth.AuthorizeOptions{})
	if err != nil {
		t.Fatalf("authorize url: %v", err)
	}

	s, err := auth.AuthenticateWithOAuth(ctx, "google", "code-1", res.State, session.Metadata{})
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if s.Identity.ID != "g-123" || s.Token.AccessToken != "at-1" {
		t.Fatalf("session = %+v", s)
	}
	if f, ok := engine.Flow(res.State); !ok || f.State != oauth.StateSessionCreated {
		t.Fatalf("flow = %+v ok=%v", f, ok)
	}

	// The engine steps record their own oauth.* events; the attempt
	// itself appears exactly once, as the facade's login event.
	logins := 0
	for _, e := range log.Events("") {
		if e.Source == "authn" && e.Action == "login" {
			logins++
		}
	}
	if logins != 1 {
		t.Fatalf("login events = %d, want 1", logins)
	}

	// Replaying the same state is blocked by single-use PKCE.
	_, err = auth.AuthenticateWithOAuth(ctx, "google", "code-1", res.State, session.Metadata{})
	if !errors.Is(err, oauth.ErrPKCEVerification) {
		t.Fatalf("replay err = %v", err)
	}
	if e := lastEvent(t, log); e.Result != audit.ResultBlocked || e.Source != "authn" {
		t.Fatalf("replay event = %+v", e)
	}
}

func TestRoundTripIssuedToken(t *testing.T) {
	withSecret(t)

	signed, err := GenerateToken("u-9", "local", []string{"Viewer", "viewer", " "}, time.Minute)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	claims, err := ParseAndValidate(signed)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(claims.Roles) != 1 || claims.Roles[0] != "viewer" {
		t.Fatalf("roles = %v", claims.Roles)
	}
	if _, err := ParseAndValidate(signed + "x"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("tampered err = %v", err)
	}
}
