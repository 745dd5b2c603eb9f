package engine

import (
	"fmt"
	"regexp"
	"sync"

	"github.com/apifuse/apifuse/internal/expression"
	"github.com/apifuse/apifuse/pkg/connector"
)

// validator enforces an operation's declarative parameter rules.
// It never mutates the caller's argument map; a sanitized copy flows
// downstream.
type validator struct {
	eval *expression.Evaluator

	mu      sync.RWMutex
	regexes map[string]*regexp.Regexp
}

func newValidator() *validator {
	return &validator{
		eval:    expression.New(),
		regexes: make(map[string]*regexp.Regexp),
	}
}

// validate checks args against the operation's rules.
// Per-parameter checks short-circuit on the first violation for that
// parameter but every parameter is evaluated before returning, so the
// caller sees the full violation list in one round trip. Undeclared
// parameters pass through untouched and are reported as warnings.
func (v *validator) validate(opName string, op *connector.Operation, args map[string]interface{}) (map[string]interface{}, []string, error) {
	var violations []Violation
	var warnings []string

	// Required params must be present and non-null.
	for _, name := range op.RequiredParams {
		val, ok := args[name]
		if !ok || val == nil {
			violations = append(violations, Violation{
				Parameter: name,
				Rule:      "required",
				Message:   "required parameter is missing",
			})
		}
	}

	declared := make(map[string]bool, len(op.RequiredParams)+len(op.OptionalParams))
	for _, name := range op.RequiredParams {
		declared[name] = true
	}
	for _, name := range op.OptionalParams {
		declared[name] = true
	}

	sanitized := make(map[string]interface{}, len(args))
	for name, val := range args {
		sanitized[name] = val
		if !declared[name] {
			warnings = append(warnings, fmt.Sprintf("parameter %q is not declared by operation %s", name, opName))
			continue
		}
		if val == nil {
			continue
		}
		rule, ok := op.Rules[name]
		if !ok {
			continue
		}
		if viol := v.applyRule(name, &rule, val); viol != nil {
			violations = append(violations, *viol)
		}
	}

	// Dependency rules run after static rules, against presence in the
	// original argument map.
	for _, dep := range op.Dependencies {
		if viol := v.applyDependency(&dep, args); viol != nil {
			violations = append(violations, *viol)
		}
	}

	if len(violations) > 0 {
		return nil, warnings, newValidationError(opName, violations)
	}

	return sanitized, warnings, nil
}

// applyRule evaluates a single rule against a value, returning the first
// violation or nil.
func (v *validator) applyRule(param string, rule *connector.ValidationRule, val interface{}) *Violation {
	switch rule.Kind {
	case connector.RuleRegex:
		str, ok := val.(string)
		if !ok {
			return &Violation{Parameter: param, Rule: "regex", Message: fmt.Sprintf("expected string, got %T", val)}
		}
		re, err := v.compileRegex(rule.Pattern)
		if err != nil {
			return &Violation{Parameter: param, Rule: "regex", Message: err.Error()}
		}
		if !re.MatchString(str) {
			return &Violation{Parameter: param, Rule: "regex", Message: fmt.Sprintf("value does not match pattern %s", rule.Pattern)}
		}

	case connector.RuleRange:
		num, ok := asFloat(val)
		if !ok {
			return &Violation{Parameter: param, Rule: "range", Message: fmt.Sprintf("expected number, got %T", val)}
		}
		if rule.Min != nil && num < *rule.Min {
			return &Violation{Parameter: param, Rule: "range", Message: fmt.Sprintf("value %v is below minimum %v", num, *rule.Min)}
		}
		if rule.Max != nil && num > *rule.Max {
			return &Violation{Parameter: param, Rule: "range", Message: fmt.Sprintf("value %v is above maximum %v", num, *rule.Max)}
		}

	case connector.RuleLength:
		str, ok := val.(string)
		if !ok {
			return &Violation{Parameter: param, Rule: "length", Message: fmt.Sprintf("expected string, got %T", val)}
		}
		if rule.MinLen != nil && len(str) < *rule.MinLen {
			return &Violation{Parameter: param, Rule: "length", Message: fmt.Sprintf("length %d is below minimum %d", len(str), *rule.MinLen)}
		}
		if rule.MaxLen != nil && len(str) > *rule.MaxLen {
			return &Violation{Parameter: param, Rule: "length", Message: fmt.Sprintf("length %d exceeds maximum %d", len(str), *rule.MaxLen)}
		}

	case connector.RuleEnum:
		str := fmt.Sprintf("%v", val)
		for _, allowed := range rule.Enum {
			if str == allowed {
				return nil
			}
		}
		return &Violation{Parameter: param, Rule: "enum", Message: fmt.Sprintf("value %q is not one of the allowed values", str)}

	case connector.RuleCustom:
		fn := connector.LookupCustomRule(rule.Custom)
		if fn == nil {
			return &Violation{Parameter: param, Rule: "custom", Message: fmt.Sprintf("custom rule %q is not registered", rule.Custom)}
		}
		if err := fn(val); err != nil {
			return &Violation{Parameter: param, Rule: "custom", Message: err.Error()}
		}
	}

	return nil
}

// applyDependency evaluates one inter-parameter rule.
func (v *validator) applyDependency(dep *connector.Dependency, args map[string]interface{}) *Violation {
	present := func(name string) bool {
		val, ok := args[name]
		return ok && val != nil
	}

	switch dep.Kind {
	case connector.DependencyRequireOneOf:
		for _, name := range dep.Params {
			if present(name) {
				return nil
			}
		}
		return &Violation{
			Parameter: dep.Params[0],
			Rule:      "require_one_of",
			Message:   fmt.Sprintf("at least one of %v must be provided", dep.Params),
		}

	case connector.DependencyMutuallyExclusive:
		var found []string
		for _, name := range dep.Params {
			if present(name) {
				found = append(found, name)
			}
		}
		if len(found) > 1 {
			return &Violation{
				Parameter: found[0],
				Rule:      "mutually_exclusive",
				Message:   fmt.Sprintf("parameters %v cannot be combined", found),
			}
		}

	case connector.DependencyConditional:
		holds, err := v.eval.Evaluate(dep.When, args)
		if err != nil {
			return &Violation{Parameter: "", Rule: "conditional", Message: err.Error()}
		}
		if !holds {
			return nil
		}
		for _, name := range dep.ThenRequire {
			if !present(name) {
				return &Violation{
					Parameter: name,
					Rule:      "conditional",
					Message:   fmt.Sprintf("required when %s", dep.When),
				}
			}
		}
	}

	return nil
}

// compileRegex caches compiled patterns; rules are data so the same
// pattern is evaluated on every call.
func (v *validator) compileRegex(pattern string) (*regexp.Regexp, error) {
	v.mu.RLock()
	re, ok := v.regexes[pattern]
	v.mu.RUnlock()
	if ok {
		return re, nil
	}

	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid pattern %q: %w", pattern, err)
	}

	v.mu.Lock()
	v.regexes[pattern] = re
	v.mu.Unlock()
	return re, nil
}

// asFloat coerces JSON-ish numeric types to float64.
func asFloat(val interface{}) (float64, bool) {
	switch n := val.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
