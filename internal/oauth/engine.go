// Package oauth implements the authorization-code flow engine: URL
// construction with PKCE, code-for-token exchange, refresh, revocation
// and user-info retrieval. Network calls are owned by injected
// collaborators; the engine itself never retries.
package oauth

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"aegisid.org/internal/audit"
	"aegisid.org/internal/obs"
	"aegisid.org/internal/provider"
)

var (
	ErrUnsupportedOperation = errors.New("oauth: operation not supported by provider")
	ErrPKCEVerification     = errors.New("oauth: pkce verifier missing or expired")
	ErrTokenExchange        = errors.New("oauth: token exchange failed")
	ErrUserInfoFetch        = errors.New("oauth: user info fetch failed")
	ErrTokenNotFound        = errors.New("oauth: token not found")
)

// FlowState tracks a login attempt through the engine.
type FlowState string

const (
	StateInitiated       FlowState = "INITIATED"
	StateURLIssued       FlowState = "URL_ISSUED"
	StateCodeReceived    FlowState = "CODE_RECEIVED"
	StateTokenExchanged  FlowState = "TOKEN_EXCHANGED"
	StateUserInfoFetched FlowState = "USER_INFO_FETCHED"
	StateSessionCreated  FlowState = "SESSION_CREATED"
	StateFailed          FlowState = "FAILED"
)

// Flow is the per-attempt record kept for observability, keyed by the
// oauth state parameter.
type Flow struct {
	Provider  string
	State     FlowState
	UpdatedAt time.Time
}

// Engine drives the authorization-code flow for registered providers.
type Engine struct {
	providers *provider.Registry
	exchanger TokenExchanger
	userinfo  UserInfoClient
	auditLog  *audit.Log
	now       func() time.Time
	pkce      *pkceStore

	mu     sync.Mutex
	tokens map[string]Token
	flows  map[string]Flow
}

// Option configures the Engine.
type Option func(*Engine)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(e *Engine) {
		if fn != nil {
			e.now = fn
		}
	}
}

// WithPKCETTL overrides the default 600s challenge lifetime.
func WithPKCETTL(ttl time.Duration) Option {
	return func(e *Engine) {
		if ttl > 0 {
			e.pkce.ttl = ttl
		}
	}
}

// NewEngine constructs the flow engine over the given provider registry
// and collaborators.
func NewEngine(providers *provider.Registry, exchanger TokenExchanger, userinfo UserInfoClient, log *audit.Log, opts ...Option) *Engine {
	e := &Engine{
		providers: providers,
		exchanger: exchanger,
		userinfo:  userinfo,
		auditLog:  log,
		now:       time.Now,
		tokens:    map[string]Token{},
		flows:     map[string]Flow{},
	}
	e.pkce = newPKCEStore(600*time.Second, func() time.Time { return e.now() })
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// AuthorizeOptions tunes authorization URL construction. All fields are
// optional; absent state and nonce values are generated.
type AuthorizeOptions struct {
	State        string
	Nonce        string
	Scopes       []string
	CustomParams map[string]string
}

// AuthorizeResult is the outcome of GenerateAuthorizationURL.
type AuthorizeResult struct {
	URL           string
	State         string
	Nonce         string
	CodeChallenge string
}

// GenerateAuthorizationURL builds the provider authorization URL. When
// the provider has PKCE enabled a verifier is generated and stored under
// the state value for the later exchange.
func (e *Engine) GenerateAuthorizationURL(ctx context.Context, providerID string, opts AuthorizeOptions) (AuthorizeResult, error) {
	p, err := e.providers.Get(providerID)
	if err != nil {
		e.record(ctx, providerID, "oauth.authorize_url", audit.ResultFailure, audit.SeverityMedium, map[string]string{"error": err.Error()})
		return AuthorizeResult{}, err
	}

	state := opts.State
	if state == "" {
		state = uuid.NewString()
	}
	nonce := opts.Nonce
	if nonce == "" {
		nonce = uuid.NewString()
	}
	scopes := opts.Scopes
	if len(scopes) == 0 {
		scopes = p.Scopes
	}

	query := url.Values{}
	query.Set("response_type", "code")
	query.Set("client_id", p.OAuth.ClientID)
	query.Set("redirect_uri", p.OAuth.RedirectURI)
	query.Set("state", state)
	query.Set("nonce", nonce)
	if len(scopes) > 0 {
		query.Set("scope", strings.Join(scopes, " "))
	}
	for key, value := range opts.CustomParams {
		query.Set(key, value)
	}

	result := AuthorizeResult{State: state, Nonce: nonce}
	if p.OAuth.UsePKCE {
		verifier, err := generateVerifier()
		if err != nil {
			wrapped := fmt.Errorf("oauth: generate verifier: %w", err)
			e.record(ctx, providerID, "oauth.authorize_url", audit.ResultFailure, audit.SeverityHigh, map[string]string{"error": wrapped.Error()})
			return AuthorizeResult{}, wrapped
		}
		e.pkce.put(state, verifier)
		result.CodeChallenge = ChallengeFromVerifier(verifier)
		query.Set("code_challenge", result.CodeChallenge)
		query.Set("code_challenge_method", "S256")
	}
	result.URL = p.Endpoints.Authorization + "?" + query.Encode()

	e.setFlow(state, p.ID, StateURLIssued)
	e.record(ctx, providerID, "oauth.authorize_url", audit.ResultSuccess, audit.SeverityLow, map[string]string{"state": state})
	return result, nil
}

// ExchangeCodeForToken exchanges an authorization code for a token. For
// PKCE providers the stored verifier is consumed atomically: a second
// exchange with the same state fails with ErrPKCEVerification.
func (e *Engine) ExchangeCodeForToken(ctx context.Context, providerID, code, state string) (Token, error) {
	p, err := e.providers.Get(providerID)
	if err != nil {
		e.record(ctx, providerID, "oauth.exchange_code", audit.ResultFailure, audit.SeverityMedium, map[string]string{"error": err.Error()})
		return Token{}, err
	}
	e.setFlow(state, p.ID, StateCodeReceived)

	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", p.OAuth.RedirectURI)
	form.Set("client_id", p.OAuth.ClientID)
	form.Set("client_secret", p.OAuth.ClientSecret)

	if p.OAuth.UsePKCE {
		verifier, ok := e.pkce.consume(state)
		if !ok {
			e.setFlow(state, p.ID, StateFailed)
			e.record(ctx, providerID, "oauth.exchange_code", audit.ResultBlocked, audit.SeverityHigh, map[string]string{"state": state, "error": ErrPKCEVerification.Error()})
			return Token{}, fmt.Errorf("%w: state %s", ErrPKCEVerification, state)
		}
		form.Set("code_verifier", verifier)
	}

	resp, err := e.exchanger.Exchange(ctx, p.Endpoints.Token, form)
	if err != nil {
		e.setFlow(state, p.ID, StateFailed)
		wrapped := fmt.Errorf("%w: %v", ErrTokenExchange, err)
		e.record(ctx, providerID, "oauth.exchange_code", audit.ResultFailure, audit.SeverityMedium, map[string]string{"state": state, "error": wrapped.Error()})
		return Token{}, wrapped
	}

	token := e.tokenFromResponse(p.ID, resp)
	e.mu.Lock()
	e.tokens[token.AccessToken] = token
	e.mu.Unlock()

	e.setFlow(state, p.ID, StateTokenExchanged)
	e.record(ctx, providerID, "oauth.exchange_code", audit.ResultSuccess, audit.SeverityLow, map[string]string{"state": state})
	return token, nil
}

// RefreshToken obtains a new access token. If the provider response
// omits a refresh token, the one being used is retained.
func (e *Engine) RefreshToken(ctx context.Context, providerID, refreshToken string) (Token, error) {
	p, err := e.providers.Get(providerID)
	if err != nil {
		e.record(ctx, providerID, "oauth.refresh", audit.ResultFailure, audit.SeverityMedium, map[string]string{"error": err.Error()})
		return Token{}, err
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	form.Set("client_id", p.OAuth.ClientID)
	form.Set("client_secret", p.OAuth.ClientSecret)

	resp, err := e.exchanger.Exchange(ctx, p.Endpoints.Token, form)
	if err != nil {
		wrapped := fmt.Errorf("%w: %v", ErrTokenExchange, err)
		e.record(ctx, providerID, "oauth.refresh", audit.ResultFailure, audit.SeverityMedium, map[string]string{"error": wrapped.Error()})
		return Token{}, wrapped
	}
	if resp.RefreshToken == "" {
		resp.RefreshToken = refreshToken
	}

	token := e.tokenFromResponse(p.ID, resp)
	e.mu.Lock()
	e.tokens[token.AccessToken] = token
	e.mu.Unlock()

	e.record(ctx, providerID, "oauth.refresh", audit.ResultSuccess, audit.SeverityLow, nil)
	return token, nil
}

// RevokeToken revokes a token at the provider and removes the local
// record. Providers without a revocation endpoint are rejected.
func (e *Engine) RevokeToken(ctx context.Context, providerID, accessToken string) error {
	p, err := e.providers.Get(providerID)
	if err != nil {
		e.record(ctx, providerID, "oauth.revoke", audit.ResultFailure, audit.SeverityMedium, map[string]string{"error": err.Error()})
		return err
	}
	if p.Endpoints.Revoke == "" {
		e.record(ctx, providerID, "oauth.revoke", audit.ResultFailure, audit.SeverityMedium, map[string]string{"error": ErrUnsupportedOperation.Error()})
		return fmt.Errorf("%w: %s has no revocation endpoint", ErrUnsupportedOperation, providerID)
	}

	form := url.Values{}
	form.Set("token", accessToken)
	form.Set("client_id", p.OAuth.ClientID)
	form.Set("client_secret", p.OAuth.ClientSecret)

	if err := e.exchanger.Revoke(ctx, p.Endpoints.Revoke, form); err != nil {
		wrapped := fmt.Errorf("%w: revoke: %v", ErrTokenExchange, err)
		e.record(ctx, providerID, "oauth.revoke", audit.ResultFailure, audit.SeverityMedium, map[string]string{"error": wrapped.Error()})
		return wrapped
	}

	e.mu.Lock()
	delete(e.tokens, accessToken)
	e.mu.Unlock()

	e.record(ctx, providerID, "oauth.revoke", audit.ResultSuccess, audit.SeverityLow, nil)
	return nil
}

// GetUserInfo fetches the raw identity payload for an access token and
// maps it into a canonical identity via the provider's claim mapping.
func (e *Engine) GetUserInfo(ctx context.Context, providerID, accessToken string) (provider.Identity, error) {
	p, err := e.providers.Get(providerID)
	if err != nil {
		e.record(ctx, providerID, "oauth.userinfo", audit.ResultFailure, audit.SeverityMedium, map[string]string{"error": err.Error()})
		return provider.Identity{}, err
	}
	if p.Endpoints.UserInfo == "" {
		e.record(ctx, providerID, "oauth.userinfo", audit.ResultFailure, audit.SeverityMedium, map[string]string{"error": ErrUnsupportedOperation.Error()})
		return provider.Identity{}, fmt.Errorf("%w: %s has no user info endpoint", ErrUnsupportedOperation, providerID)
	}

	raw, err := e.userinfo.Fetch(ctx, p.Endpoints.UserInfo, accessToken)
	if err != nil {
		wrapped := fmt.Errorf("%w: %v", ErrUserInfoFetch, err)
		e.record(ctx, providerID, "oauth.userinfo", audit.ResultFailure, audit.SeverityMedium, map[string]string{"error": wrapped.Error()})
		return provider.Identity{}, wrapped
	}

	identity := provider.MapClaims(p.ID, raw, p.Mapping)
	e.record(ctx, providerID, "oauth.userinfo", audit.ResultSuccess, audit.SeverityLow, map[string]string{"subject": identity.ID})
	return identity, nil
}

// GetToken returns a stored token by access-token key.
func (e *Engine) GetToken(accessToken string) (Token, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	token, ok := e.tokens[accessToken]
	if !ok {
		return Token{}, ErrTokenNotFound
	}
	return token, nil
}

// Flow returns the tracked flow record for a state value.
func (e *Engine) Flow(state string) (Flow, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	f, ok := e.flows[state]
	return f, ok
}

// MarkSessionCreated moves a flow into its terminal success state.
func (e *Engine) MarkSessionCreated(state string) {
	e.setFlow(state, "", StateSessionCreated)
}

// MarkUserInfoFetched records the USER_INFO_FETCHED step for a flow.
func (e *Engine) MarkUserInfoFetched(state string) {
	e.setFlow(state, "", StateUserInfoFetched)
}

// PurgeExpiredChallenges drops PKCE entries past their TTL and returns
// how many were removed. Intended for periodic housekeeping.
func (e *Engine) PurgeExpiredChallenges() int {
	return e.pkce.purgeExpired()
}

func (e *Engine) tokenFromResponse(providerID string, resp TokenResponse) Token {
	now := e.now().UTC()
	expiresIn := resp.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = 3600
	}
	tokenType := resp.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}
	return Token{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		TokenType:    tokenType,
		Scope:        resp.Scope,
		ExpiresIn:    expiresIn,
		IssuedAt:     now,
		ExpiresAt:    now.Add(time.Duration(expiresIn) * time.Second),
		Provider:     providerID,
	}
}

func (e *Engine) setFlow(state, providerID string, fs FlowState) {
	if state == "" {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	f := e.flows[state]
	if providerID != "" {
		f.Provider = providerID
	}
	f.State = fs
	f.UpdatedAt = e.now().UTC()
	e.flows[state] = f
}

func (e *Engine) record(ctx context.Context, providerID, action string, result audit.Result, severity audit.Severity, details map[string]string) {
	obs.ObserveAuth(providerID, string(result))
	e.auditLog.Record(ctx, audit.Event{
		Type:     audit.EventAuthentication,
		Severity: severity,
		Source:   "oauth",
		Target:   providerID,
		Action:   action,
		Result:   result,
		Details:  details,
	})
}
