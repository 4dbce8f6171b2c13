package provider

// DefaultMappings are the claim-mapping tables shipped for well-known
// providers. Callers may override any field at registration time.
var DefaultMappings = map[string]ClaimMapping{
	"google": {
		ID:        "sub",
		Email:     "email",
		Name:      "name",
		FirstName: "given_name",
		LastName:  "family_name",
		Avatar:    "picture",
		Locale:    "locale",
		Verified:  "email_verified",
	},
	"github": {
		ID:       "id",
		Email:    "email",
		Name:     "name",
		Avatar:   "avatar_url",
		Verified: "email_verified",
		Custom:   map[string]string{"login": "login"},
	},
	"oidc": {
		ID:        "sub",
		Email:     "email",
		Name:      "name",
		FirstName: "given_name",
		LastName:  "family_name",
		Locale:    "locale",
		Timezone:  "zoneinfo",
		Verified:  "email_verified",
	},
}

// MappingFor returns the preset for the given provider id, falling back
// to the generic OIDC table.
func MappingFor(id string) ClaimMapping {
	if m, ok := DefaultMappings[id]; ok {
		return m
	}
	return DefaultMappings["oidc"]
}
