// Package engine executes operations declared by connector definitions.
//
// Every call moves through the same pipeline: validate arguments, apply
// field mapping, resolve the path template, check the response cache,
// acquire rate limit tokens, send with retry, shape the payload and
// classify any failure into the typed error taxonomy.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/apifuse/apifuse/internal/jq"
	"github.com/apifuse/apifuse/internal/log"
	"github.com/apifuse/apifuse/pkg/connector"
)

// Result is the outcome of a successful operation call.
type Result struct {
	// Response is the shaped payload after output transforms
	Response interface{}

	// RawResponse is the undecoded response body
	RawResponse []byte

	// StatusCode is the HTTP status of the final attempt
	StatusCode int

	// Headers are the response headers of the final attempt
	Headers http.Header

	// Metadata carries call diagnostics (call_id, request_id)
	Metadata map[string]interface{}

	// FromCache reports whether the result was served from the TTL cache
	FromCache bool
}

// Engine executes one connector's operations. It is safe for concurrent
// use; all per-call state lives on the stack.
type Engine struct {
	def       *connector.Definition
	client    *http.Client
	logger    *slog.Logger
	tracer    trace.Tracer
	auth      *authProvider
	signer    *sigv4Signer
	limiters  *limiterPool
	cache     *responseCache
	validator *validator
	mapper    *mapper
	retry     connector.RetryPolicy
}

// Option customizes engine construction.
type Option func(*Engine)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithHTTPClient overrides the connector-derived HTTP client. Tests use
// this to point at a local server with short timeouts.
func WithHTTPClient(client *http.Client) Option {
	return func(e *Engine) { e.client = client }
}

// New builds an engine for a validated definition.
func New(def *connector.Definition, opts ...Option) (*Engine, error) {
	if def == nil {
		return nil, fmt.Errorf("definition is required")
	}
	if err := def.Validate(); err != nil {
		return nil, fmt.Errorf("invalid definition %s: %w", def.Name, err)
	}
	for name, op := range def.Operations {
		if err := validateTransformNames(op.FieldMapping); err != nil {
			return nil, fmt.Errorf("operation %s: %w", name, err)
		}
	}

	var timeouts connector.TimeoutPolicy
	if def.Timeouts != nil {
		timeouts = *def.Timeouts
	}
	var rateLimit connector.RateLimitPolicy
	if def.RateLimit != nil {
		rateLimit = *def.RateLimit
	}
	retry := connector.RetryPolicy{MaxAttempts: 3, BackoffBaseSeconds: 1, BackoffMaxSeconds: 30, Jitter: true}
	if def.Retry != nil {
		retry = *def.Retry
	}

	jqExec := jq.NewExecutor(0, 0)
	e := &Engine{
		def:       def,
		client:    newHTTPClient(timeouts),
		logger:    log.New(log.FromEnv()),
		tracer:    otel.Tracer("apifuse/engine"),
		limiters:  newLimiterPool(rateLimit),
		cache:     newResponseCache(),
		validator: newValidator(),
		mapper:    newMapper(jqExec),
		retry:     retry,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = log.WithConnector(e.logger, def.Name)

	e.auth = newAuthProvider(def.Name, def.Auth, e.client)
	if def.Auth != nil && def.Auth.EffectiveType() == connector.AuthAWSSigV4 {
		e.signer = newSigV4Signer(def.Auth.AWS)
	}

	return e, nil
}

// Definition returns the connector definition this engine executes.
func (e *Engine) Definition() *connector.Definition {
	return e.def
}

// Operations lists the operation names in sorted order.
func (e *Engine) Operations() []string {
	names := make([]string, 0, len(e.def.Operations))
	for name := range e.def.Operations {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// OperationSchema returns the declarative schema of one operation for
// discovery surfaces.
func (e *Engine) OperationSchema(name string) (connector.Operation, bool) {
	op, ok := e.def.Operations[name]
	return op, ok
}

// Verify checks the connector's credentials are usable without sending
// an operation: env references must resolve, token schemes must be able
// to fetch a token, and SigV4 credentials must pass an STS identity
// check.
func (e *Engine) Verify(ctx context.Context) error {
	for _, name := range e.def.RequiredEnvVars() {
		if _, err := connector.ExpandEnvVar("${" + name + "}"); err != nil {
			return fmt.Errorf("connector %s: %w", e.def.Name, err)
		}
	}
	if e.signer != nil {
		return e.signer.verify(ctx)
	}
	if e.auth.usesTokenScheme() {
		if _, err := e.auth.token(ctx); err != nil {
			return fmt.Errorf("connector %s: %w", e.def.Name, err)
		}
	}
	return nil
}

// InvalidateCache drops every cached response for this connector.
func (e *Engine) InvalidateCache() {
	e.cache.invalidateAll()
}

// Execute runs one operation call end to end.
func (e *Engine) Execute(ctx context.Context, operation string, args map[string]interface{}) (*Result, error) {
	op, ok := e.def.Operations[operation]
	if !ok {
		return nil, e.unknownOperation(operation)
	}

	callID := uuid.NewString()
	logger := log.WithCallID(e.logger, callID).With(slog.String(log.OperationKey, operation))
	start := time.Now()

	ctx, span := e.tracer.Start(ctx, "engine.execute",
		trace.WithAttributes(
			attribute.String("connector.name", e.def.Name),
			attribute.String("connector.operation", operation),
		))
	defer span.End()

	if total := e.totalTimeout(&op); total > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, total)
		defer cancel()
	}

	result, err := e.execute(ctx, logger, callID, operation, &op, args)
	duration := time.Since(start)

	if err != nil {
		outcome := "error"
		if typed, ok := err.(*Error); ok {
			outcome = string(typed.Type)
		}
		span.SetStatus(codes.Error, outcome)
		recordRequest(e.def.Name, operation, outcome, duration)
		logger.Warn("operation failed",
			slog.String("error", err.Error()),
			slog.Int64(log.DurationKey, duration.Milliseconds()))
		return nil, err
	}

	outcome := "success"
	if result.FromCache {
		outcome = "cache_hit"
	}
	recordRequest(e.def.Name, operation, outcome, duration)
	logger.Debug("operation completed",
		slog.Int("status", result.StatusCode),
		slog.Bool("from_cache", result.FromCache),
		slog.Int64(log.DurationKey, duration.Milliseconds()))
	return result, nil
}

func (e *Engine) execute(ctx context.Context, logger *slog.Logger, callID, operation string, op *connector.Operation, args map[string]interface{}) (*Result, error) {
	sanitized, warnings, err := e.validator.validate(operation, op, args)
	if err != nil {
		return nil, err
	}
	for _, warning := range warnings {
		logger.Warn(warning)
	}

	mapped, mapErr := e.mapper.mapInput(operation, op.FieldMapping, sanitized)
	if mapErr != nil {
		return nil, mapErr
	}

	cacheable, ttl := e.cachePolicy(op)
	var key string
	if cacheable {
		key, err = cacheKey(e.def.Name+"/"+operation, mapped, e.cacheExcludes())
		if err != nil {
			cacheable = false
		} else if cached := e.cache.get(key); cached != nil {
			recordCacheEvent(e.def.Name, operation, "hit")
			hit := cloneResult(cached)
			hit.FromCache = true
			return hit, nil
		} else {
			recordCacheEvent(e.def.Name, operation, "miss")
		}
	}

	resolved, tmplErr := resolveTemplate(operation, op, mapped)
	if tmplErr != nil {
		return nil, tmplErr
	}

	raw, err := e.send(ctx, operation, op, resolved)
	if err != nil {
		return nil, err
	}
	log.Trace(logger, "response received",
		slog.Int("status", raw.statusCode),
		slog.Any("headers", maskSensitiveHeaders(raw.headers)))

	var payload interface{}
	if len(raw.body) > 0 {
		if jsonErr := json.Unmarshal(raw.body, &payload); jsonErr != nil {
			// Non-JSON success bodies pass through as raw text.
			payload = string(raw.body)
		}
	}

	shaped, shapeErr := e.mapper.mapOutput(ctx, operation, op.FieldMapping, payload)
	if shapeErr != nil {
		return nil, shapeErr
	}

	result := &Result{
		Response:    shaped,
		RawResponse: raw.body,
		StatusCode:  raw.statusCode,
		Headers:     raw.headers,
		Metadata: map[string]interface{}{
			"call_id":    callID,
			"request_id": raw.requestID,
		},
	}

	if cacheable {
		// Store a copy; the first caller gets the original and may
		// mutate it freely.
		e.cache.put(key, cloneResult(result), op.Family(), ttl)
	}
	if !op.IsRead() {
		if removed := e.cache.invalidateFamily(op.Family()); removed > 0 {
			logger.Debug("invalidated cached reads",
				slog.String("family", op.Family()),
				slog.Int("entries", removed))
		}
	}

	return result, nil
}

// send runs the retry loop around single HTTP attempts, with one forced
// token refresh when a token-based scheme reports an auth failure.
func (e *Engine) send(ctx context.Context, operation string, op *connector.Operation, resolved *resolvedRequest) (*rawResponse, error) {
	raw, err := e.sendWithRetry(ctx, operation, op, resolved)
	if err == nil {
		return raw, nil
	}

	typed, ok := err.(*Error)
	if ok && typed.IsType(ErrorTypeAuth) && e.auth.usesTokenScheme() {
		e.auth.invalidate()
		return e.sendWithRetry(ctx, operation, op, resolved)
	}
	return nil, err
}

func (e *Engine) sendWithRetry(ctx context.Context, operation string, op *connector.Operation, resolved *resolvedRequest) (*rawResponse, error) {
	var raw *rawResponse

	_, err := doWithRetry(ctx, operation, e.retry, func(ctx context.Context, attempt int) (*Result, time.Duration, *Error) {
		if attempt > 1 {
			recordRetry(e.def.Name, operation)
		}

		waitStart := time.Now()
		if waitErr := e.limiters.wait(ctx, op.RateLimitScope, op.RateLimitCost); waitErr != nil {
			return nil, 0, classifyTransport(operation, waitErr)
		}
		recordRateLimitWait(e.def.Name, op.RateLimitScope, time.Since(waitStart))

		req, bodyBytes, buildErr := buildRequest(ctx, e.def, operation, op, resolved)
		if buildErr != nil {
			return nil, 0, buildErr
		}
		if authErr := e.auth.apply(ctx, operation, req); authErr != nil {
			return nil, 0, authErr
		}
		if e.signer != nil {
			if signErr := e.signer.sign(ctx, req, bodyBytes); signErr != nil {
				return nil, 0, newAuthError(operation, signErr)
			}
		}

		resp, sendErr := send(e.client, req)
		if sendErr != nil {
			return nil, 0, classifyTransport(operation, sendErr)
		}

		if resp.statusCode >= 400 {
			retryAfter := parseRetryAfter(resp.headers.Get("Retry-After"))
			return nil, retryAfter, errorFromStatus(operation, resp.statusCode, resp.status, string(resp.body), resp.requestID, op.ErrorMessages)
		}

		raw = resp
		return nil, 0, nil
	})
	if err != nil {
		return nil, err
	}
	return raw, nil
}

// cachePolicy resolves whether the operation's responses are cacheable
// and for how long. Only reads cache; a negative per-operation TTL
// opts out of an enabled connector policy.
func (e *Engine) cachePolicy(op *connector.Operation) (bool, time.Duration) {
	if !op.IsRead() || op.CacheTTLSeconds < 0 {
		return false, 0
	}
	if op.CacheTTLSeconds > 0 {
		return true, time.Duration(op.CacheTTLSeconds) * time.Second
	}
	if e.def.Cache != nil && e.def.Cache.Enabled && e.def.Cache.TTLSeconds > 0 {
		return true, time.Duration(e.def.Cache.TTLSeconds) * time.Second
	}
	return false, 0
}

// cacheExcludes returns the connector's declared cache key exclusions.
// Pagination cursors stay in the key so distinct pages never collide.
func (e *Engine) cacheExcludes() []string {
	if e.def.Cache != nil {
		return e.def.Cache.ExcludeParams
	}
	return nil
}

func (e *Engine) totalTimeout(op *connector.Operation) time.Duration {
	if op.TimeoutSeconds > 0 {
		return time.Duration(op.TimeoutSeconds) * time.Second
	}
	if e.def.Timeouts != nil && e.def.Timeouts.TotalSeconds > 0 {
		return time.Duration(e.def.Timeouts.TotalSeconds) * time.Second
	}
	return 0
}

func (e *Engine) unknownOperation(name string) *Error {
	return &Error{
		Type:      ErrorTypeValidation,
		Operation: name,
		Message:   fmt.Sprintf("connector %s has no operation %q", e.def.Name, name),
	}
}
