package oauth

import (
	"context"
	"net/url"
	"time"
)

// Token is an issued provider token tracked by the flow engine.
// Sessions reference tokens by access-token key; they never copy them.
type Token struct {
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken,omitempty"`
	TokenType    string    `json:"tokenType"`
	Scope        string    `json:"scope,omitempty"`
	ExpiresIn    int64     `json:"expiresIn"`
	IssuedAt     time.Time `json:"issuedAt"`
	ExpiresAt    time.Time `json:"expiresAt"`
	Provider     string    `json:"provider"`
}

// TokenResponse is the wire shape returned by a provider token endpoint.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type,omitempty"`
	ExpiresIn    int64  `json:"expires_in,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// TokenExchanger performs the HTTP form posts against provider token and
// revocation endpoints. Implementations own timeout and cancellation;
// the engine issues one call and awaits one result, with no retry.
type TokenExchanger interface {
	Exchange(ctx context.Context, tokenEndpoint string, form url.Values) (TokenResponse, error)
	Revoke(ctx context.Context, revokeEndpoint string, form url.Values) error
}

// UserInfoClient fetches the raw identity payload for an access token.
type UserInfoClient interface {
	Fetch(ctx context.Context, userInfoEndpoint, accessToken string) (map[string]any, error)
}
