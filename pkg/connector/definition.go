// Package connector defines the declarative model for API connectors.
//
// A connector is pure data: a Definition describing one vendor's REST API
// (base URL, auth, rate limits, timeouts) plus a table of named Operations
// (method, path template, validation rules, field mapping, pagination).
// Definitions are loaded once, validated, and never mutated afterwards;
// execution is handled entirely by the engine package.
package connector

import (
	"fmt"
	"strings"
)

// Definition describes one vendor's API surface.
// It is immutable after Validate() succeeds.
type Definition struct {
	// Name is the connector identifier (e.g., "github", "stripe")
	Name string `yaml:"name" json:"name"`

	// BaseURL is the base URL for all operations
	BaseURL string `yaml:"base_url" json:"base_url"`

	// Auth defines how requests are authenticated
	Auth *AuthConfig `yaml:"auth,omitempty" json:"auth,omitempty"`

	// Headers are default headers applied to every operation.
	// Values may reference environment variables: ${VAR_NAME}
	Headers map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`

	// RateLimit defines the admission envelope for network calls
	RateLimit *RateLimitPolicy `yaml:"rate_limit,omitempty" json:"rate_limit,omitempty"`

	// Retry defines retry/backoff behavior for retriable failures
	Retry *RetryPolicy `yaml:"retry,omitempty" json:"retry,omitempty"`

	// Cache defines response caching for read operations
	Cache *CachePolicy `yaml:"cache,omitempty" json:"cache,omitempty"`

	// Timeouts defines connect/read/total budgets
	Timeouts *TimeoutPolicy `yaml:"timeouts,omitempty" json:"timeouts,omitempty"`

	// Operations define the named operations, keyed by operation name
	Operations map[string]Operation `yaml:"operations" json:"operations"`
}

// Operation describes a single named API action.
type Operation struct {
	// Method is the HTTP method (GET, POST, PUT, PATCH, DELETE, HEAD)
	Method string `yaml:"method" json:"method"`

	// Path is the URL path template with {param} placeholders
	Path string `yaml:"path" json:"path"`

	// Description is a human-readable summary for discovery surfaces
	Description string `yaml:"description,omitempty" json:"description,omitempty"`

	// RequiredParams must be present and non-null in the argument map
	RequiredParams []string `yaml:"required_params,omitempty" json:"required_params,omitempty"`

	// OptionalParams are declared-but-optional argument names.
	// Arguments outside required+optional pass through with a warning.
	OptionalParams []string `yaml:"optional_params,omitempty" json:"optional_params,omitempty"`

	// Rules maps parameter names to their validation rule
	Rules map[string]ValidationRule `yaml:"rules,omitempty" json:"rules,omitempty"`

	// Dependencies are inter-parameter rules evaluated after per-param rules
	Dependencies []Dependency `yaml:"dependencies,omitempty" json:"dependencies,omitempty"`

	// FieldMapping controls aliasing and value transforms
	FieldMapping *FieldMapping `yaml:"field_mapping,omitempty" json:"field_mapping,omitempty"`

	// Pagination describes how list responses continue
	Pagination *Pagination `yaml:"pagination,omitempty" json:"pagination,omitempty"`

	// BodyParams lists parameters sent in the request body. When empty,
	// every unbound parameter of a write operation goes to the body;
	// when set, unlisted parameters go to the query string instead.
	BodyParams []string `yaml:"body_params,omitempty" json:"body_params,omitempty"`

	// Headers are operation-specific headers (override connector headers)
	Headers map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`

	// CacheTTLSeconds overrides the connector cache TTL for this operation.
	// Zero inherits the connector policy; negative disables caching.
	CacheTTLSeconds int `yaml:"cache_ttl,omitempty" json:"cache_ttl,omitempty"`

	// RateLimitCost is the token cost of one call (default 1)
	RateLimitCost int `yaml:"rate_limit_cost,omitempty" json:"rate_limit_cost,omitempty"`

	// RateLimitScope names the bucket this operation draws from.
	// Operations sharing a scope share a bucket; empty means the
	// connector-wide default scope.
	RateLimitScope string `yaml:"rate_limit_scope,omitempty" json:"rate_limit_scope,omitempty"`

	// ResourceFamily groups operations touching the same resources so a
	// successful mutation can invalidate cached reads. Defaults to the
	// first literal path segment.
	ResourceFamily string `yaml:"resource_family,omitempty" json:"resource_family,omitempty"`

	// ErrorMessages maps HTTP status codes to operation-specific messages
	// that override the generic classifier text.
	ErrorMessages map[int]string `yaml:"error_messages,omitempty" json:"error_messages,omitempty"`

	// TimeoutSeconds overrides the connector total timeout for this operation
	TimeoutSeconds int `yaml:"timeout,omitempty" json:"timeout,omitempty"`

	// Tags classify operations (e.g., "write", "paginated", "destructive")
	Tags []string `yaml:"tags,omitempty" json:"tags,omitempty"`
}

// RateLimitPolicy defines the token-bucket envelope for a connector.
type RateLimitPolicy struct {
	// RequestsPerSecond is the bucket refill rate
	RequestsPerSecond float64 `yaml:"requests_per_second,omitempty" json:"requests_per_second,omitempty"`

	// RequestsPerMinute is used to derive the refill rate when
	// RequestsPerSecond is unset
	RequestsPerMinute int `yaml:"requests_per_minute,omitempty" json:"requests_per_minute,omitempty"`

	// Burst is the bucket capacity. Defaults to ceil(rate) when unset.
	Burst int `yaml:"burst,omitempty" json:"burst,omitempty"`
}

// Enabled reports whether the policy imposes any limit at all.
func (r *RateLimitPolicy) Enabled() bool {
	return r.Rate() > 0
}

// Rate returns the effective refill rate in requests per second.
func (r *RateLimitPolicy) Rate() float64 {
	if r.RequestsPerSecond > 0 {
		return r.RequestsPerSecond
	}
	if r.RequestsPerMinute > 0 {
		return float64(r.RequestsPerMinute) / 60.0
	}
	return 0
}

// Validate checks the rate limit policy is well-formed.
func (r *RateLimitPolicy) Validate() error {
	if r.RequestsPerSecond == 0 && r.RequestsPerMinute == 0 {
		return fmt.Errorf("at least one of requests_per_second or requests_per_minute must be specified")
	}
	if r.RequestsPerSecond < 0 {
		return fmt.Errorf("requests_per_second must be non-negative")
	}
	if r.RequestsPerMinute < 0 {
		return fmt.Errorf("requests_per_minute must be non-negative")
	}
	if r.Burst < 0 {
		return fmt.Errorf("burst must be non-negative")
	}
	return nil
}

// RetryPolicy defines retry/backoff behavior for retriable failures.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts including the first
	MaxAttempts int `yaml:"max_attempts,omitempty" json:"max_attempts,omitempty"`

	// BackoffBaseSeconds is the first retry delay
	BackoffBaseSeconds float64 `yaml:"backoff_base_seconds,omitempty" json:"backoff_base_seconds,omitempty"`

	// BackoffMaxSeconds caps the exponential delay
	BackoffMaxSeconds float64 `yaml:"backoff_max_seconds,omitempty" json:"backoff_max_seconds,omitempty"`

	// Jitter multiplies each delay by a uniform factor in [0.5, 1.0]
	Jitter bool `yaml:"jitter,omitempty" json:"jitter,omitempty"`

	// RetriableStatusCodes lists HTTP statuses worth retrying. When empty,
	// retryability follows the error classification (429, 5xx, timeouts).
	RetriableStatusCodes []int `yaml:"retriable_status_codes,omitempty" json:"retriable_status_codes,omitempty"`
}

// Validate checks the retry policy is well-formed.
func (r *RetryPolicy) Validate() error {
	if r.MaxAttempts < 0 {
		return fmt.Errorf("max_attempts must be non-negative")
	}
	if r.BackoffBaseSeconds < 0 {
		return fmt.Errorf("backoff_base_seconds must be non-negative")
	}
	if r.BackoffMaxSeconds < 0 {
		return fmt.Errorf("backoff_max_seconds must be non-negative")
	}
	if r.BackoffMaxSeconds > 0 && r.BackoffMaxSeconds < r.BackoffBaseSeconds {
		return fmt.Errorf("backoff_max_seconds (%v) must be >= backoff_base_seconds (%v)",
			r.BackoffMaxSeconds, r.BackoffBaseSeconds)
	}
	for _, code := range r.RetriableStatusCodes {
		if code < 100 || code > 599 {
			return fmt.Errorf("invalid retriable status code: %d", code)
		}
	}
	return nil
}

// CachePolicy defines response caching for read operations.
type CachePolicy struct {
	// Enabled turns caching on for GET/HEAD operations
	Enabled bool `yaml:"enabled,omitempty" json:"enabled,omitempty"`

	// TTLSeconds is the default entry lifetime
	TTLSeconds int `yaml:"ttl,omitempty" json:"ttl,omitempty"`

	// ExcludeParams are stripped from the argument map before the cache
	// key is computed (e.g., cursor, offset, timestamp).
	ExcludeParams []string `yaml:"exclude_params,omitempty" json:"exclude_params,omitempty"`
}

// Validate checks the cache policy is well-formed.
func (c *CachePolicy) Validate() error {
	if c.Enabled && c.TTLSeconds <= 0 {
		return fmt.Errorf("ttl must be positive when caching is enabled")
	}
	return nil
}

// TimeoutPolicy defines independent connect/read/total budgets in seconds.
type TimeoutPolicy struct {
	ConnectSeconds int `yaml:"connect,omitempty" json:"connect,omitempty"`
	ReadSeconds    int `yaml:"read,omitempty" json:"read,omitempty"`
	TotalSeconds   int `yaml:"total,omitempty" json:"total,omitempty"`
}

// Validate checks the timeout policy is well-formed.
func (t *TimeoutPolicy) Validate() error {
	if t.ConnectSeconds < 0 || t.ReadSeconds < 0 || t.TotalSeconds < 0 {
		return fmt.Errorf("timeouts must be non-negative")
	}
	return nil
}

// validMethods are the HTTP methods an operation may declare.
var validMethods = map[string]bool{
	"GET":    true,
	"POST":   true,
	"PUT":    true,
	"PATCH":  true,
	"DELETE": true,
	"HEAD":   true,
}

// Validate checks the definition and all nested policies and operations.
func (d *Definition) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("connector name is required")
	}
	if d.BaseURL == "" {
		return fmt.Errorf("base_url is required")
	}
	if !strings.HasPrefix(d.BaseURL, "https://") && !strings.HasPrefix(d.BaseURL, "http://") {
		return fmt.Errorf("base_url must start with http:// or https://")
	}
	if len(d.Operations) == 0 {
		return fmt.Errorf("connector must define at least one operation")
	}

	if d.Auth != nil {
		if err := d.Auth.Validate(); err != nil {
			return fmt.Errorf("invalid auth: %w", err)
		}
	}
	if d.RateLimit != nil {
		if err := d.RateLimit.Validate(); err != nil {
			return fmt.Errorf("invalid rate_limit: %w", err)
		}
	}
	if d.Retry != nil {
		if err := d.Retry.Validate(); err != nil {
			return fmt.Errorf("invalid retry: %w", err)
		}
	}
	if d.Cache != nil {
		if err := d.Cache.Validate(); err != nil {
			return fmt.Errorf("invalid cache: %w", err)
		}
	}
	if d.Timeouts != nil {
		if err := d.Timeouts.Validate(); err != nil {
			return fmt.Errorf("invalid timeouts: %w", err)
		}
	}

	for name, op := range d.Operations {
		if err := op.Validate(); err != nil {
			return fmt.Errorf("invalid operation %s: %w", name, err)
		}
	}

	return nil
}

// Validate checks the operation definition is well-formed.
func (o *Operation) Validate() error {
	if o.Method == "" {
		return fmt.Errorf("method is required")
	}
	if !validMethods[o.Method] {
		return fmt.Errorf("invalid method: %s (must be GET, POST, PUT, PATCH, DELETE, or HEAD)", o.Method)
	}
	if o.Path == "" {
		return fmt.Errorf("path is required")
	}
	if o.RateLimitCost < 0 {
		return fmt.Errorf("rate_limit_cost must be non-negative")
	}
	if o.TimeoutSeconds < 0 {
		return fmt.Errorf("timeout must be non-negative")
	}

	declared := make(map[string]bool, len(o.RequiredParams)+len(o.OptionalParams))
	for _, p := range o.RequiredParams {
		if declared[p] {
			return fmt.Errorf("duplicate required parameter: %s", p)
		}
		declared[p] = true
	}
	for _, p := range o.OptionalParams {
		if declared[p] {
			return fmt.Errorf("parameter %s declared both required and optional", p)
		}
		declared[p] = true
	}

	for param, rule := range o.Rules {
		if err := rule.Validate(); err != nil {
			return fmt.Errorf("invalid rule for parameter %s: %w", param, err)
		}
	}
	for i, dep := range o.Dependencies {
		if err := dep.Validate(); err != nil {
			return fmt.Errorf("invalid dependency %d: %w", i, err)
		}
	}
	if o.FieldMapping != nil {
		if err := o.FieldMapping.Validate(); err != nil {
			return fmt.Errorf("invalid field_mapping: %w", err)
		}
	}
	if o.Pagination != nil {
		if err := o.Pagination.Validate(); err != nil {
			return fmt.Errorf("invalid pagination: %w", err)
		}
	}
	for code := range o.ErrorMessages {
		if code < 100 || code > 599 {
			return fmt.Errorf("invalid error_messages status code: %d", code)
		}
	}

	return nil
}

// Family returns the resource family used for cache invalidation.
// When not declared it falls back to the first literal path segment.
func (o *Operation) Family() string {
	if o.ResourceFamily != "" {
		return o.ResourceFamily
	}
	for _, seg := range strings.Split(strings.TrimPrefix(o.Path, "/"), "/") {
		if seg == "" || strings.HasPrefix(seg, "{") {
			continue
		}
		return seg
	}
	return o.Path
}

// IsRead reports whether the operation uses a read-only HTTP method.
// Only read operations are ever served from cache.
func (o *Operation) IsRead() bool {
	return o.Method == "GET" || o.Method == "HEAD"
}
