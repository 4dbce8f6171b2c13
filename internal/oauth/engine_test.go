package oauth

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"aegisid.org/internal/audit"
	"aegisid.org/internal/provider"
)

type fakeExchanger struct {
	mu        sync.Mutex
	lastForm  url.Values
	resp      TokenResponse
	err       error
	revokeErr error
	calls     int
}

func (f *fakeExchanger) Exchange(ctx context.Context, endpoint string, form url.Values) (TokenResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.lastForm = form
	return f.resp, f.err
}

func (f *fakeExchanger) Revoke(ctx context.Context, endpoint string, form url.Values) error {
	return f.revokeErr
}

type fakeUserInfo struct {
	payload map[string]any
	err     error
}

func (f *fakeUserInfo) Fetch(ctx context.Context, endpoint, accessToken string) (map[string]any, error) {
	return f.payload, f.err
}

func registryWithGoogle(t *testing.T, pkce bool) *provider.Registry {
	t.Helper()
	r := provider.NewRegistry()
	err := r.Register(provider.Provider{
		ID:   "google",
		Type: provider.TypeOAuth,
		Endpoints: provider.Endpoints{
			Authorization: "https://accounts.example.com/authorize",
			Token:         "https://accounts.example.com/token",
			UserInfo:      "https://accounts.example.com/userinfo",
			Revoke:        "https://accounts.example.com/revoke",
		},
		Scopes:  []string{"openid", "email"},
		OAuth:   provider.OAuthConfig{ClientID: "X", ClientSecret: "S", RedirectURI: "https://app.example.com/cb", UsePKCE: pkce},
		Mapping: provider.MappingFor("google"),
	})
	if err != nil {
		t.Fatalf("register provider: %v", err)
	}
	return r
}

func newTestEngine(t *testing.T, pkce bool) (*Engine, *fakeExchanger, *audit.Log) {
	t.Helper()
	exchanger := &fakeExchanger{resp: TokenResponse{AccessToken: "at-1", RefreshToken: "rt-1", TokenType: "Bearer", ExpiresIn: 3600}}
	log := audit.NewLog(true)
	engine := NewEngine(registryWithGoogle(t, pkce), exchanger, &fakeUserInfo{}, log)
	return engine, exchanger, log
}

func TestGenerateAuthorizationURLWithPKCE(t *testing.T) {
	engine, _, _ := newTestEngine(t, true)

	result, err := engine.GenerateAuthorizationURL(context.Background(), "google", AuthorizeOptions{})
	if err != nil {
		t.Fatalf("GenerateAuthorizationURL: %v", err)
	}
	parsed, err := url.Parse(result.URL)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	q := parsed.Query()
	if q.Get("client_id") != "X" {
		t.Fatalf("client_id = %q", q.Get("client_id"))
	}
	if q.Get("response_type") != "code" {
		t.Fatalf("response_type = %q", q.Get("response_type"))
	}
	if q.Get("scope") != "openid email" {
		t.Fatalf("scope = %q", q.Get("scope"))
	}
	challenge := q.Get("code_challenge")
	if len(challenge) < 43 {
		t.Fatalf("code_challenge length = %d, want >= 43", len(challenge))
	}
	if q.Get("code_challenge_method") != "S256" {
		t.Fatalf("code_challenge_method = %q", q.Get("code_challenge_method"))
	}
	if q.Get("state") == "" || q.Get("nonce") == "" {
		t.Fatal("state and nonce must be generated when absent")
	}
	if flow, ok := engine.Flow(result.State); !ok || flow.State != StateURLIssued {
		t.Fatalf("flow state = %+v", flow)
	}
}

func TestExchangeVerifierMatchesChallenge(t *testing.T) {
	engine, exchanger, _ := newTestEngine(t, true)

	result, err := engine.GenerateAuthorizationURL(context.Background(), "google", AuthorizeOptions{State: "st-1"})
	if err != nil {
		t.Fatalf("GenerateAuthorizationURL: %v", err)
	}

	token, err := engine.ExchangeCodeForToken(context.Background(), "google", "code-1", "st-1")
	if err != nil {
		t.Fatalf("ExchangeCodeForToken: %v", err)
	}

	verifier := exchanger.lastForm.Get("code_verifier")
	if verifier == "" {
		t.Fatal("code_verifier not sent to token endpoint")
	}
	if ChallengeFromVerifier(verifier) != result.CodeChallenge {
		t.Fatal("challenge does not match verifier supplied at exchange")
	}
	if got := exchanger.lastForm.Get("grant_type"); got != "authorization_code" {
		t.Fatalf("grant_type = %q", got)
	}
	if !token.ExpiresAt.Equal(token.IssuedAt.Add(time.Duration(token.ExpiresIn) * time.Second)) {
		t.Fatal("expiresAt must equal issuedAt + expiresIn")
	}
	if flow, _ := engine.Flow("st-1"); flow.State != StateTokenExchanged {
		t.Fatalf("flow state = %q", flow.State)
	}
}

func TestExchangeStateIsSingleUse(t *testing.T) {
	engine, _, _ := newTestEngine(t, true)
	if _, err := engine.GenerateAuthorizationURL(context.Background(), "google", AuthorizeOptions{State: "st-2"}); err != nil {
		t.Fatalf("GenerateAuthorizationURL: %v", err)
	}

	if _, err := engine.ExchangeCodeForToken(context.Background(), "google", "code", "st-2"); err != nil {
		t.Fatalf("first exchange: %v", err)
	}
	_, err := engine.ExchangeCodeForToken(context.Background(), "google", "code", "st-2")
	if !errors.Is(err, ErrPKCEVerification) {
		t.Fatalf("second exchange err = %v, want ErrPKCEVerification", err)
	}
}

func TestExchangeExpiredChallengeFails(t *testing.T) {
	current := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	engine, _, _ := newTestEngine(t, true)
	engine.now = func() time.Time { return current }

	if _, err := engine.GenerateAuthorizationURL(context.Background(), "google", AuthorizeOptions{State: "st-3"}); err != nil {
		t.Fatalf("GenerateAuthorizationURL: %v", err)
	}

	current = current.Add(601 * time.Second)
	_, err := engine.ExchangeCodeForToken(context.Background(), "google", "code", "st-3")
	if !errors.Is(err, ErrPKCEVerification) {
		t.Fatalf("err = %v, want ErrPKCEVerification", err)
	}
}

func TestConcurrentExchangeExactlyOneSucceeds(t *testing.T) {
	engine, _, _ := newTestEngine(t, true)
	if _, err := engine.GenerateAuthorizationURL(context.Background(), "google", AuthorizeOptions{State: "st-race"}); err != nil {
		t.Fatalf("GenerateAuthorizationURL: %v", err)
	}

	const attempts = 8
	errs := make(chan error, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := engine.ExchangeCodeForToken(context.Background(), "google", "code", "st-race")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	succeeded, blocked := 0, 0
	for err := range errs {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, ErrPKCEVerification):
			blocked++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if succeeded != 1 {
		t.Fatalf("succeeded = %d, want exactly 1", succeeded)
	}
	if blocked != attempts-1 {
		t.Fatalf("blocked = %d, want %d", blocked, attempts-1)
	}
}

func TestRefreshRetainsOldRefreshToken(t *testing.T) {
	engine, exchanger, _ := newTestEngine(t, false)
	exchanger.resp = TokenResponse{AccessToken: "at-2", ExpiresIn: 900} // no refresh token in response

	token, err := engine.RefreshToken(context.Background(), "google", "rt-old")
	if err != nil {
		t.Fatalf("RefreshToken: %v", err)
	}
	if token.RefreshToken != "rt-old" {
		t.Fatalf("refresh token = %q, want retained rt-old", token.RefreshToken)
	}
	if got := exchanger.lastForm.Get("grant_type"); got != "refresh_token" {
		t.Fatalf("grant_type = %q", got)
	}
}

func TestRevokeRequiresEndpointAndDeletesToken(t *testing.T) {
	engine, _, _ := newTestEngine(t, false)

	if _, err := engine.ExchangeCodeForToken(context.Background(), "google", "code", "st-4"); err != nil {
		t.Fatalf("exchange: %v", err)
	}
	if _, err := engine.GetToken("at-1"); err != nil {
		t.Fatalf("token should be stored: %v", err)
	}

	if err := engine.RevokeToken(context.Background(), "google", "at-1"); err != nil {
		t.Fatalf("RevokeToken: %v", err)
	}
	if _, err := engine.GetToken("at-1"); !errors.Is(err, ErrTokenNotFound) {
		t.Fatalf("token err = %v, want ErrTokenNotFound", err)
	}

	// A provider without a revoke endpoint rejects the operation.
	registry := registryWithGoogle(t, false)
	p, _ := registry.Get("google")
	p.Endpoints.Revoke = ""
	if err := registry.Update(p); err != nil {
		t.Fatalf("update provider: %v", err)
	}
	bare := NewEngine(registry, &fakeExchanger{}, &fakeUserInfo{}, audit.NewLog(true))
	if err := bare.RevokeToken(context.Background(), "google", "at-x"); !errors.Is(err, ErrUnsupportedOperation) {
		t.Fatalf("err = %v, want ErrUnsupportedOperation", err)
	}
}

func TestGetUserInfoMapsClaims(t *testing.T) {
	log := audit.NewLog(true)
	userinfo := &fakeUserInfo{payload: map[string]any{
		"sub":            "u-9",
		"email":          "kai@example.com",
		"email_verified": true,
		"name":           "Kai Iwu",
	}}
	engine := NewEngine(registryWithGoogle(t, false), &fakeExchanger{}, userinfo, log)

	identity, err := engine.GetUserInfo(context.Background(), "google", "at-1")
	if err != nil {
		t.Fatalf("GetUserInfo: %v", err)
	}
	if identity.ID != "u-9" || identity.Provider != "google" || !identity.Verified {
		t.Fatalf("unexpected identity: %+v", identity)
	}
}

func TestUserInfoFailureIsAuditedBeforeReturn(t *testing.T) {
	log := audit.NewLog(true)
	engine := NewEngine(registryWithGoogle(t, false), &fakeExchanger{}, &fakeUserInfo{err: errors.New("boom")}, log)

	_, err := engine.GetUserInfo(context.Background(), "google", "at-1")
	if !errors.Is(err, ErrUserInfoFetch) {
		t.Fatalf("err = %v, want ErrUserInfoFetch", err)
	}
	events := log.Events("")
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
	if events[0].Result != audit.ResultFailure || events[0].Action != "oauth.userinfo" {
		t.Fatalf("unexpected event: %+v", events[0])
	}
}

func TestUnknownProviderFails(t *testing.T) {
	engine, _, log := newTestEngine(t, true)
	_, err := engine.GenerateAuthorizationURL(context.Background(), "missing", AuthorizeOptions{})
	if !errors.Is(err, provider.ErrNotFound) {
		t.Fatalf("err = %v, want provider.ErrNotFound", err)
	}
	if log.Len() != 1 {
		t.Fatalf("failure must be audited, events = %d", log.Len())
	}
}

func TestPurgeExpiredChallenges(t *testing.T) {
	current := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	engine, _, _ := newTestEngine(t, true)
	engine.now = func() time.Time { return current }

	for _, state := range []string{"a", "b", "c"} {
		if _, err := engine.GenerateAuthorizationURL(context.Background(), "google", AuthorizeOptions{State: state}); err != nil {
			t.Fatalf("GenerateAuthorizationURL: %v", err)
		}
	}
	current = current.Add(11 * time.Minute)
	if removed := engine.PurgeExpiredChallenges(); removed != 3 {
		t.Fatalf("removed = %d, want 3", removed)
	}
}

func TestAuthorizationURLCustomParams(t *testing.T) {
	engine, _, _ := newTestEngine(t, false)
	result, err := engine.GenerateAuthorizationURL(context.Background(), "google", AuthorizeOptions{
		CustomParams: map[string]string{"prompt": "consent", "access_type": "offline"},
	})
	if err != nil {
		t.Fatalf("GenerateAuthorizationURL: %v", err)
	}
	if !strings.Contains(result.URL, "prompt=consent") || !strings.Contains(result.URL, "access_type=offline") {
		t.Fatalf("custom params missing from %s", result.URL)
	}
	if strings.Contains(result.URL, "code_challenge") {
		t.Fatal("non-pkce provider must not receive a challenge")
	}
}
