// Package provider holds the registry of configured identity providers
// and the claim-mapping tables that normalize provider payloads into
// canonical identity records.
package provider

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Type discriminates the supported provider families.
type Type string

const (
	TypeOAuth Type = "oauth"
	TypeSAML  Type = "saml"
	TypeLDAP  Type = "ldap"
	TypeLocal Type = "local"
)

var (
	ErrNotFound      = errors.New("provider: not found")
	ErrAlreadyExists = errors.New("provider: already exists")
	ErrInvalidInput  = errors.New("provider: invalid input")
)

// Endpoints lists the provider URLs used by the flow engine.
type Endpoints struct {
	Authorization string `json:"authorization,omitempty"`
	Token         string `json:"token,omitempty"`
	UserInfo      string `json:"userInfo,omitempty"`
	Revoke        string `json:"revoke,omitempty"`
}

// OAuthConfig is the oauth-specific part of a provider record.
type OAuthConfig struct {
	ClientID     string `json:"clientId"`
	ClientSecret string `json:"clientSecret"`
	RedirectURI  string `json:"redirectUri"`
	UsePKCE      bool   `json:"usePkce"`
}

// SAMLConfig is the saml-specific part of a provider record.
type SAMLConfig struct {
	EntityID    string `json:"entityId"`
	Certificate string `json:"certificate"`
	SSOURL      string `json:"ssoUrl"`
}

// LDAPConfig is the ldap-specific part of a provider record.
type LDAPConfig struct {
	URL          string `json:"url"`
	BaseDN       string `json:"baseDn"`
	BindDN       string `json:"bindDn"`
	BindPassword string `json:"bindPassword"`
	UserFilter   string `json:"userFilter,omitempty"`
}

// Provider is one configured identity provider. The record is immutable
// while a flow is in progress; reconfiguration replaces the whole record.
type Provider struct {
	ID        string       `json:"id"`
	Type      Type         `json:"type"`
	Endpoints Endpoints    `json:"endpoints"`
	Scopes    []string     `json:"scopes,omitempty"`
	Mapping   ClaimMapping `json:"claimMapping"`
	OAuth     OAuthConfig  `json:"oauth,omitempty"`
	SAML      SAMLConfig   `json:"saml,omitempty"`
	LDAP      LDAPConfig   `json:"ldap,omitempty"`
	CreatedAt time.Time    `json:"createdAt"`
	UpdatedAt time.Time    `json:"updatedAt"`
}

// Registry is the mutex-guarded in-memory provider store.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
	now       func() time.Time
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		providers: map[string]Provider{},
		now:       time.Now,
	}
}

func validate(p Provider) error {
	if strings.TrimSpace(p.ID) == "" {
		return fmt.Errorf("%w: provider id is required", ErrInvalidInput)
	}
	switch p.Type {
	case TypeOAuth, TypeSAML, TypeLDAP, TypeLocal:
	default:
		return fmt.Errorf("%w: unknown provider type %q", ErrInvalidInput, p.Type)
	}
	if p.Type == TypeOAuth {
		if p.Endpoints.Authorization == "" || p.Endpoints.Token == "" {
			return fmt.Errorf("%w: oauth provider %s needs authorization and token endpoints", ErrInvalidInput, p.ID)
		}
	}
	return nil
}

// Register adds a new provider record.
func (r *Registry) Register(p Provider) error {
	if err := validate(p); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.providers[p.ID]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, p.ID)
	}
	now := r.now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now
	r.providers[p.ID] = p
	return nil
}

// Get returns the provider by id.
func (r *Registry) Get(id string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[id]
	if !ok {
		return Provider{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return p, nil
}

// List returns all providers, unordered.
func (r *Registry) List() []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Provider, 0, len(r.providers))
	for _, p := range r.providers {
		out = append(out, p)
	}
	return out
}

// Update replaces an existing provider record.
func (r *Registry) Update(p Provider) error {
	if err := validate(p); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.providers[p.ID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, p.ID)
	}
	p.CreatedAt = existing.CreatedAt
	p.UpdatedAt = r.now().UTC()
	r.providers[p.ID] = p
	return nil
}

// Delete removes a provider record.
func (r *Registry) Delete(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.providers[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(r.providers, id)
	return nil
}

// Credential is one entry of the provider-credentials bootstrap document.
type Credential struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
}

// ApplyCredentials merges the bootstrap provider-credentials document
// into already registered oauth providers. Unknown provider ids are
// ignored: the document is an opaque boundary artifact.
func (r *Registry) ApplyCredentials(creds map[string]Credential) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, c := range creds {
		p, ok := r.providers[id]
		if !ok || p.Type != TypeOAuth {
			continue
		}
		if c.ClientID != "" {
			p.OAuth.ClientID = c.ClientID
		}
		if c.ClientSecret != "" {
			p.OAuth.ClientSecret = c.ClientSecret
		}
		if c.RedirectURI != "" {
			p.OAuth.RedirectURI = c.RedirectURI
		}
		p.UpdatedAt = r.now().UTC()
		r.providers[id] = p
	}
}
