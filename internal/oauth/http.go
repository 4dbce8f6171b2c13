package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HTTPClient is the production TokenExchanger and UserInfoClient over
// net/http. One client instance is shared by all providers.
type HTTPClient struct {
	client *http.Client
}

// NewHTTPClient constructs the client. A nil http.Client gets a 15s
// overall timeout.
func NewHTTPClient(c *http.Client) *HTTPClient {
	if c == nil {
		c = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPClient{client: c}
}

func (h *HTTPClient) postForm(ctx context.Context, endpoint string, form url.Values) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("oauth: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	return h.client.Do(req)
}

// Exchange posts the form to the token endpoint and decodes the JSON
// token response. Non-2xx statuses fail with a truncated body excerpt.
func (h *HTTPClient) Exchange(ctx context.Context, tokenEndpoint string, form url.Values) (TokenResponse, error) {
	resp, err := h.postForm(ctx, tokenEndpoint, form)
	if err != nil {
		return TokenResponse{}, fmt.Errorf("oauth: token endpoint: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return TokenResponse{}, fmt.Errorf("oauth: read token response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return TokenResponse{}, fmt.Errorf("oauth: token endpoint status %d: %s", resp.StatusCode, excerpt(body))
	}
	var tr TokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return TokenResponse{}, fmt.Errorf("oauth: decode token response: %w", err)
	}
	return tr, nil
}

// Revoke posts the form to the revocation endpoint. Providers answer
// 200 even for unknown tokens per RFC 7009, so only transport and
// status failures surface.
func (h *HTTPClient) Revoke(ctx context.Context, revokeEndpoint string, form url.Values) error {
	resp, err := h.postForm(ctx, revokeEndpoint, form)
	if err != nil {
		return fmt.Errorf("oauth: revoke endpoint: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("oauth: revoke endpoint status %d", resp.StatusCode)
	}
	return nil
}

// Fetch retrieves the user-info payload with a bearer token.
func (h *HTTPClient) Fetch(ctx context.Context, userInfoEndpoint, accessToken string) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, userInfoEndpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("oauth: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("oauth: userinfo endpoint: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("oauth: read userinfo response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("oauth: userinfo endpoint status %d: %s", resp.StatusCode, excerpt(body))
	}
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("oauth: decode userinfo response: %w", err)
	}
	return payload, nil
}

func excerpt(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}
