// Package authz implements policy-based authorization: role checks with
// inheritance, attribute rules, and policy rule lists combined under a
// single configured conflict-resolution strategy.
package authz

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"aegisid.org/internal/audit"
	"aegisid.org/internal/obs"
)

// IdentityStore resolves a principal into its roles and direct
// permissions. Implemented outside this core.
type IdentityStore interface {
	Lookup(ctx context.Context, userID string) (roles []string, permissions []string, err error)
}

// Config fixes the evaluation behavior for the engine lifetime.
type Config struct {
	Strategy      Strategy
	DefaultPolicy Effect
	RBACEnabled   bool
	ABACEnabled   bool
}

// Engine answers authorize(user, resource, action, context) questions.
type Engine struct {
	cfg      Config
	identity IdentityStore
	auditLog *audit.Log

	mu       sync.RWMutex
	roles    map[string]Role
	abac     []ABACRule
	policies []Policy
}

// NewEngine constructs an engine with no roles, rules or policies.
func NewEngine(cfg Config, identity IdentityStore, log *audit.Log) (*Engine, error) {
	switch cfg.Strategy {
	case DenyOverride, AllowOverride, FirstMatch:
	default:
		return nil, fmt.Errorf("%w: unknown strategy %q", ErrEvaluation, cfg.Strategy)
	}
	switch cfg.DefaultPolicy {
	case EffectAllow, EffectDeny:
	default:
		return nil, fmt.Errorf("%w: unknown default policy %q", ErrEvaluation, cfg.DefaultPolicy)
	}
	return &Engine{
		cfg:      cfg,
		identity: identity,
		auditLog: log,
		roles:    map[string]Role{},
	}, nil
}

// SetRoles replaces the role table. The inheritance closure is checked
// for cycles here so evaluation can walk it without guards.
func (e *Engine) SetRoles(roles []Role) error {
	table := make(map[string]Role, len(roles))
	for _, r := range roles {
		table[r.ID] = r
	}
	if err := checkAcyclic(table); err != nil {
		return err
	}
	e.mu.Lock()
	e.roles = table
	e.mu.Unlock()
	return nil
}

// SetABACRules replaces the attribute rule set.
func (e *Engine) SetABACRules(rules []ABACRule) {
	sorted := make([]ABACRule, len(rules))
	copy(sorted, rules)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority > sorted[j].Priority })
	e.mu.Lock()
	e.abac = sorted
	e.mu.Unlock()
}

// SetPolicies replaces the policy set.
func (e *Engine) SetPolicies(policies []Policy) {
	e.mu.Lock()
	e.policies = policies
	e.mu.Unlock()
}

func checkAcyclic(table map[string]Role) error {
	const (
		white = 0
		grey  = 1
		black = 2
	)
	color := make(map[string]int, len(table))
	var visit func(id string) error
	visit = func(id string) error {
		switch color[id] {
		case grey:
			return fmt.Errorf("%w: role %s", ErrCyclicRole, id)
		case black:
			return nil
		}
		color[id] = grey
		for _, parent := range table[id].Inherits {
			if _, ok := table[parent]; !ok {
				continue
			}
			if err := visit(parent); err != nil {
				return err
			}
		}
		color[id] = black
		return nil
	}
	for id := range table {
		if err := visit(id); err != nil {
			return err
		}
	}
	return nil
}

// closurePermissions collects the permissions of a role set including
// everything reachable through inheritance.
func (e *Engine) closurePermissions(roleIDs []string) map[string]struct{} {
	out := map[string]struct{}{}
	seen := map[string]struct{}{}
	var walk func(id string)
	walk = func(id string) {
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		role, ok := e.roles[id]
		if !ok {
			return
		}
		for _, p := range role.Permissions {
			out[p] = struct{}{}
		}
		for _, parent := range role.Inherits {
			walk(parent)
		}
	}
	for _, id := range roleIDs {
		walk(id)
	}
	return out
}

func permissionGranted(perms map[string]struct{}, resource, action string) bool {
	if _, ok := perms[resource+":"+action]; ok {
		return true
	}
	if _, ok := perms[resource+":*"]; ok {
		return true
	}
	if _, ok := perms["*"]; ok {
		return true
	}
	return false
}

// Authorize decides whether userID may perform action on resource.
// Exactly one authorization event is recorded before any return,
// including evaluation errors.
func (e *Engine) Authorize(ctx context.Context, userID, resource, action string, reqCtx map[string]any) (bool, error) {
	allowed, detail, err := e.decide(ctx, userID, resource, action, reqCtx)

	result := audit.ResultFailure
	effect := "error"
	severity := audit.SeverityMedium
	if err == nil {
		if allowed {
			result = audit.ResultSuccess
			effect = string(EffectAllow)
			severity = audit.SeverityLow
		} else {
			result = audit.ResultBlocked
			effect = string(EffectDeny)
			severity = audit.SeverityLow
		}
	}
	details := map[string]string{"decision": effect}
	if detail != "" {
		details["matched"] = detail
	}
	if err != nil {
		details["error"] = err.Error()
	}
	obs.ObserveAuthz(effect)
	e.auditLog.Record(ctx, audit.Event{
		Type:     audit.EventAuthorization,
		Severity: severity,
		Source:   "authz",
		Target:   resource,
		Action:   action,
		Result:   result,
		Details:  details,
		Metadata: audit.Metadata{CorrelationID: userID},
	})
	return allowed, err
}

func (e *Engine) decide(ctx context.Context, userID, resource, action string, reqCtx map[string]any) (bool, string, error) {
	roles, directPerms, err := e.identity.Lookup(ctx, userID)
	if err != nil {
		return false, "", fmt.Errorf("%w: identity lookup: %v", ErrEvaluation, err)
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.cfg.RBACEnabled {
		perms := e.closurePermissions(roles)
		for _, p := range directPerms {
			perms[p] = struct{}{}
		}
		if permissionGranted(perms, resource, action) {
			return true, "rbac", nil
		}
	}

	attrs := map[string]any{
		"user.id":    userID,
		"user.roles": roles,
		"resource":   resource,
		"action":     action,
	}
	for k, v := range reqCtx {
		attrs[k] = v
	}

	if e.cfg.ABACEnabled {
		var matched []Effect
		var matchedIDs []string
		for _, rule := range e.abac {
			if !rule.Enabled {
				continue
			}
			ok, err := matches(rule.Conditions, attrs)
			if err != nil {
				return false, "", err
			}
			if !ok {
				continue
			}
			matched = append(matched, rule.Effect)
			matchedIDs = append(matchedIDs, rule.ID)
			if e.cfg.Strategy == FirstMatch {
				break
			}
		}
		if len(matched) > 0 {
			return combine(e.cfg.Strategy, matched), "abac:" + strings.Join(matchedIDs, ","), nil
		}
		return e.cfg.DefaultPolicy == EffectAllow, "default", nil
	}

	var matched []Effect
	var matchedIDs []string
	for _, policy := range e.policies {
		rules := make([]PolicyRule, len(policy.Rules))
		copy(rules, policy.Rules)
		sort.SliceStable(rules, func(i, j int) bool { return rules[i].Priority > rules[j].Priority })
		for _, rule := range rules {
			ok, err := matches(rule.Conditions, attrs)
			if err != nil {
				return false, "", err
			}
			if !ok {
				continue
			}
			matched = append(matched, rule.Effect)
			matchedIDs = append(matchedIDs, policy.ID)
			if e.cfg.Strategy == FirstMatch {
				break
			}
		}
		if e.cfg.Strategy == FirstMatch && len(matched) > 0 {
			break
		}
	}
	if len(matched) > 0 {
		return combine(e.cfg.Strategy, matched), "policy:" + strings.Join(matchedIDs, ","), nil
	}
	return e.cfg.DefaultPolicy == EffectAllow, "default", nil
}

// combine resolves matched effects under the configured strategy.
func combine(strategy Strategy, effects []Effect) bool {
	switch strategy {
	case DenyOverride:
		for _, eff := range effects {
			if eff == EffectDeny {
				return false
			}
		}
		return true
	case AllowOverride:
		for _, eff := range effects {
			if eff == EffectAllow {
				return true
			}
		}
		return false
	default: // FirstMatch: effects holds at most one entry
		return effects[0] == EffectAllow
	}
}
