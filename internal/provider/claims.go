package provider

import (
	"strconv"
	"strings"
)

// ClaimMapping declares, per canonical identity field, which field of
// the provider's raw payload supplies the value. Source fields may use
// dotted paths ("attributes.mail"). The mapping is pure data.
type ClaimMapping struct {
	ID        string            `json:"id"`
	Email     string            `json:"email"`
	Name      string            `json:"name"`
	FirstName string            `json:"firstName,omitempty"`
	LastName  string            `json:"lastName,omitempty"`
	Avatar    string            `json:"avatar,omitempty"`
	Locale    string            `json:"locale,omitempty"`
	Timezone  string            `json:"timezone,omitempty"`
	Verified  string            `json:"verified,omitempty"`
	Custom    map[string]string `json:"custom,omitempty"`
}

// Identity is the canonical user record derived from a raw provider
// payload. It lives only for the duration of a session.
type Identity struct {
	ID         string            `json:"id"`
	Email      string            `json:"email"`
	Name       string            `json:"name"`
	FirstName  string            `json:"firstName,omitempty"`
	LastName   string            `json:"lastName,omitempty"`
	Avatar     string            `json:"avatar,omitempty"`
	Locale     string            `json:"locale,omitempty"`
	Timezone   string            `json:"timezone,omitempty"`
	Verified   bool              `json:"verified"`
	Provider   string            `json:"provider"`
	ProviderID string            `json:"providerId"`
	Custom     map[string]string `json:"custom,omitempty"`
}

// MapClaims converts a raw provider payload into an Identity using the
// declared mapping. Missing source fields resolve to empty values; the
// verified flag is coerced to a boolean. The function is deterministic
// and has no side effects.
func MapClaims(providerID string, raw map[string]any, m ClaimMapping) Identity {
	id := Identity{
		ID:         lookupString(raw, m.ID),
		Email:      lookupString(raw, m.Email),
		Name:       lookupString(raw, m.Name),
		FirstName:  lookupString(raw, m.FirstName),
		LastName:   lookupString(raw, m.LastName),
		Avatar:     lookupString(raw, m.Avatar),
		Locale:     lookupString(raw, m.Locale),
		Timezone:   lookupString(raw, m.Timezone),
		Verified:   lookupBool(raw, m.Verified),
		Provider:   providerID,
		ProviderID: lookupString(raw, m.ID),
	}
	if len(m.Custom) > 0 {
		id.Custom = make(map[string]string, len(m.Custom))
		for field, path := range m.Custom {
			id.Custom[field] = lookupString(raw, path)
		}
	}
	return id
}

// lookup resolves a dotted path inside nested map payloads.
func lookup(raw map[string]any, path string) (any, bool) {
	if path == "" {
		return nil, false
	}
	parts := strings.Split(path, ".")
	var current any = raw
	for _, part := range parts {
		node, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = node[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func lookupString(raw map[string]any, path string) string {
	v, ok := lookup(raw, path)
	if !ok {
		return ""
	}
	switch value := v.(type) {
	case string:
		return value
	case bool:
		if value {
			return "true"
		}
		return "false"
	case float64:
		return strconv.FormatFloat(value, 'f', -1, 64)
	default:
		return ""
	}
}

func lookupBool(raw map[string]any, path string) bool {
	v, ok := lookup(raw, path)
	if !ok {
		return false
	}
	switch value := v.(type) {
	case bool:
		return value
	case string:
		lowered := strings.ToLower(strings.TrimSpace(value))
		return lowered == "true" || lowered == "1" || lowered == "yes"
	case float64:
		return value != 0
	default:
		return false
	}
}
