package authz

import "errors"

var (
	ErrEvaluation = errors.New("authz: evaluation failed")
	ErrCyclicRole = errors.New("authz: cyclic role inheritance")
)

// Effect is the outcome a rule or policy carries.
type Effect string

const (
	EffectAllow Effect = "allow"
	EffectDeny  Effect = "deny"
)

// Strategy is the conflict-resolution mode applied when several rules
// match. It is configured once for the whole engine, not per call.
type Strategy string

const (
	DenyOverride  Strategy = "deny-override"
	AllowOverride Strategy = "allow-override"
	FirstMatch    Strategy = "first-match"
)

// Role grants a set of permissions and may inherit other roles. The
// inheritance closure must be acyclic; this is enforced when roles are
// loaded, never during evaluation.
type Role struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Permissions []string `json:"permissions"`
	Inherits    []string `json:"inherits,omitempty"`
}

// Condition is one declarative predicate of an ABAC rule or policy rule.
// Operators: eq, ne, in, contains, prefix, gt, lt, exists.
type Condition struct {
	Attribute string `json:"attribute"`
	Operator  string `json:"operator"`
	Value     any    `json:"value,omitempty"`
}

// ABACRule matches merged request attributes against its conditions.
type ABACRule struct {
	ID         string      `json:"id"`
	Effect     Effect      `json:"effect"`
	Priority   int         `json:"priority"`
	Enabled    bool        `json:"enabled"`
	Conditions []Condition `json:"conditions"`
}

// PolicyRule is one ordered rule inside a Policy.
type PolicyRule struct {
	Effect     Effect      `json:"effect"`
	Priority   int         `json:"priority"`
	Conditions []Condition `json:"conditions"`
}

// Policy is an ordered list of rules evaluated with the engine strategy.
type Policy struct {
	ID    string       `json:"id"`
	Rules []PolicyRule `json:"rules"`
}
