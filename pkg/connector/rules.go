package connector

import (
	"fmt"
	"regexp"
)

// RuleKind discriminates the closed set of validation rule variants.
type RuleKind string

const (
	// RuleRegex matches string values against a regular expression
	RuleRegex RuleKind = "regex"

	// RuleRange bounds numeric values
	RuleRange RuleKind = "range"

	// RuleLength bounds string length
	RuleLength RuleKind = "length"

	// RuleEnum restricts values to a declared set
	RuleEnum RuleKind = "enum"

	// RuleCustom dispatches to a function registered with RegisterCustomRule
	RuleCustom RuleKind = "custom"
)

// ValidationRule is a closed tagged variant; exactly the fields for its
// Kind are consulted. A zero-value rule is invalid.
type ValidationRule struct {
	Kind RuleKind `yaml:"kind" json:"kind"`

	// Pattern is the regular expression for RuleRegex
	Pattern string `yaml:"pattern,omitempty" json:"pattern,omitempty"`

	// Min/Max bound numeric values for RuleRange
	Min *float64 `yaml:"min,omitempty" json:"min,omitempty"`
	Max *float64 `yaml:"max,omitempty" json:"max,omitempty"`

	// MinLen/MaxLen bound string length for RuleLength
	MinLen *int `yaml:"min_len,omitempty" json:"min_len,omitempty"`
	MaxLen *int `yaml:"max_len,omitempty" json:"max_len,omitempty"`

	// Enum lists the allowed values for RuleEnum
	Enum []string `yaml:"enum,omitempty" json:"enum,omitempty"`

	// Custom names a registered custom rule function for RuleCustom
	Custom string `yaml:"custom,omitempty" json:"custom,omitempty"`
}

// Validate checks the rule is well-formed for its kind.
func (r *ValidationRule) Validate() error {
	switch r.Kind {
	case RuleRegex:
		if r.Pattern == "" {
			return fmt.Errorf("pattern is required for regex rules")
		}
		if _, err := regexp.Compile(r.Pattern); err != nil {
			return fmt.Errorf("invalid pattern: %w", err)
		}
	case RuleRange:
		if r.Min == nil && r.Max == nil {
			return fmt.Errorf("at least one of min or max is required for range rules")
		}
		if r.Min != nil && r.Max != nil && *r.Min > *r.Max {
			return fmt.Errorf("min (%v) must be <= max (%v)", *r.Min, *r.Max)
		}
	case RuleLength:
		if r.MinLen == nil && r.MaxLen == nil {
			return fmt.Errorf("at least one of min_len or max_len is required for length rules")
		}
		if r.MinLen != nil && *r.MinLen < 0 {
			return fmt.Errorf("min_len must be non-negative")
		}
		if r.MinLen != nil && r.MaxLen != nil && *r.MinLen > *r.MaxLen {
			return fmt.Errorf("min_len (%d) must be <= max_len (%d)", *r.MinLen, *r.MaxLen)
		}
	case RuleEnum:
		if len(r.Enum) == 0 {
			return fmt.Errorf("enum rules require at least one value")
		}
	case RuleCustom:
		if r.Custom == "" {
			return fmt.Errorf("custom rules require a registered function name")
		}
		if LookupCustomRule(r.Custom) == nil {
			return fmt.Errorf("custom rule %q is not registered", r.Custom)
		}
	default:
		return fmt.Errorf("unknown rule kind: %q", r.Kind)
	}
	return nil
}

// CustomRuleFunc validates a single value; a non-nil error is the violation
// message surfaced to the caller.
type CustomRuleFunc func(value interface{}) error

var customRules = map[string]CustomRuleFunc{}

// RegisterCustomRule registers a named custom rule function. Registration
// happens at init time, before definitions are validated; custom logic
// lives in code, never in data files.
func RegisterCustomRule(name string, fn CustomRuleFunc) {
	if name == "" || fn == nil {
		panic("connector: custom rule requires a name and function")
	}
	if _, exists := customRules[name]; exists {
		panic(fmt.Sprintf("connector: custom rule %q already registered", name))
	}
	customRules[name] = fn
}

// LookupCustomRule returns the registered function for name, or nil.
func LookupCustomRule(name string) CustomRuleFunc {
	return customRules[name]
}

// DependencyKind discriminates inter-parameter dependency rules.
type DependencyKind string

const (
	// DependencyRequireOneOf passes when at least one named parameter is present
	DependencyRequireOneOf DependencyKind = "require_one_of"

	// DependencyMutuallyExclusive fails when two or more named parameters
	// are simultaneously present
	DependencyMutuallyExclusive DependencyKind = "mutually_exclusive"

	// DependencyConditional requires parameters when a condition holds
	DependencyConditional DependencyKind = "conditional"
)

// Dependency is an inter-parameter rule evaluated after per-parameter rules.
type Dependency struct {
	Kind DependencyKind `yaml:"kind" json:"kind"`

	// Params are the parameter names for require_one_of / mutually_exclusive
	Params []string `yaml:"params,omitempty" json:"params,omitempty"`

	// When is a boolean expression over the argument map for conditional
	// rules (e.g., `kind == "bulk"`). Parameters appear as variables.
	When string `yaml:"when,omitempty" json:"when,omitempty"`

	// ThenRequire lists parameters required when the condition holds
	ThenRequire []string `yaml:"then_require,omitempty" json:"then_require,omitempty"`
}

// Validate checks the dependency rule is well-formed for its kind.
func (d *Dependency) Validate() error {
	switch d.Kind {
	case DependencyRequireOneOf, DependencyMutuallyExclusive:
		if len(d.Params) < 2 {
			return fmt.Errorf("%s requires at least two parameter names", d.Kind)
		}
	case DependencyConditional:
		if d.When == "" {
			return fmt.Errorf("conditional dependencies require a when expression")
		}
		if len(d.ThenRequire) == 0 {
			return fmt.Errorf("conditional dependencies require then_require parameters")
		}
	default:
		return fmt.Errorf("unknown dependency kind: %q", d.Kind)
	}
	return nil
}
