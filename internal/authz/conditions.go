package authz

import (
	"fmt"
	"strings"
)

// evalCondition evaluates one predicate against the merged attributes.
// Unknown operators and type mismatches on ordered comparisons are
// malformed rules, reported as errors rather than silent non-matches.
func evalCondition(c Condition, attrs map[string]any) (bool, error) {
	value, present := attrs[c.Attribute]

	switch c.Operator {
	case "exists":
		if want, ok := c.Value.(bool); ok {
			return present == want, nil
		}
		return present, nil
	case "eq":
		return present && looseEqual(value, c.Value), nil
	case "ne":
		return !present || !looseEqual(value, c.Value), nil
	case "in":
		list, err := toList(c.Value)
		if err != nil {
			return false, fmt.Errorf("%w: rule condition on %q: %v", ErrEvaluation, c.Attribute, err)
		}
		if !present {
			return false, nil
		}
		for _, candidate := range list {
			if looseEqual(value, candidate) {
				return true, nil
			}
		}
		return false, nil
	case "contains":
		if !present {
			return false, nil
		}
		switch holder := value.(type) {
		case string:
			return strings.Contains(holder, asString(c.Value)), nil
		case []string:
			for _, item := range holder {
				if looseEqual(item, c.Value) {
					return true, nil
				}
			}
			return false, nil
		case []any:
			for _, item := range holder {
				if looseEqual(item, c.Value) {
					return true, nil
				}
			}
			return false, nil
		default:
			return false, nil
		}
	case "prefix":
		if !present {
			return false, nil
		}
		return strings.HasPrefix(asString(value), asString(c.Value)), nil
	case "gt", "lt":
		if !present {
			return false, nil
		}
		left, lok := asNumber(value)
		right, rok := asNumber(c.Value)
		if !lok || !rok {
			return false, fmt.Errorf("%w: rule condition on %q: %s needs numeric operands", ErrEvaluation, c.Attribute, c.Operator)
		}
		if c.Operator == "gt" {
			return left > right, nil
		}
		return left < right, nil
	default:
		return false, fmt.Errorf("%w: unknown operator %q", ErrEvaluation, c.Operator)
	}
}

// matches reports whether every condition of a rule holds.
func matches(conditions []Condition, attrs map[string]any) (bool, error) {
	for _, c := range conditions {
		ok, err := evalCondition(c, attrs)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func looseEqual(a, b any) bool {
	if an, ok := asNumber(a); ok {
		if bn, ok := asNumber(b); ok {
			return an == bn
		}
	}
	return asString(a) == asString(b)
}

func asString(v any) string {
	switch value := v.(type) {
	case string:
		return value
	case nil:
		return ""
	default:
		return fmt.Sprint(value)
	}
}

func asNumber(v any) (float64, bool) {
	switch value := v.(type) {
	case int:
		return float64(value), true
	case int64:
		return float64(value), true
	case float64:
		return value, true
	case float32:
		return float64(value), true
	default:
		return 0, false
	}
}

func toList(v any) ([]any, error) {
	switch list := v.(type) {
	case []any:
		return list, nil
	case []string:
		out := make([]any, len(list))
		for i, item := range list {
			out[i] = item
		}
		return out, nil
	default:
		return nil, fmt.Errorf("in operator requires a list, got %T", v)
	}
}
