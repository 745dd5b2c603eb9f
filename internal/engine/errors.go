package engine

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// ErrorType classifies engine errors into the closed taxonomy used for
// retry decisions and caller routing.
type ErrorType string

const (
	// ErrorTypeValidation indicates bad caller input; never retried
	ErrorTypeValidation ErrorType = "validation_error"

	// ErrorTypeTemplate indicates an unresolvable endpoint template; never retried
	ErrorTypeTemplate ErrorType = "template_error"

	// ErrorTypeAuth indicates credential or token failure (401, 403)
	ErrorTypeAuth ErrorType = "auth_error"

	// ErrorTypeRateLimited indicates rate limit exceeded (429)
	ErrorTypeRateLimited ErrorType = "rate_limited"

	// ErrorTypeNotFound indicates resource not found (404)
	ErrorTypeNotFound ErrorType = "not_found"

	// ErrorTypeQuotaExceeded indicates a billing/quota rejection (402, 403 billing)
	ErrorTypeQuotaExceeded ErrorType = "quota_exceeded"

	// ErrorTypeServer indicates server-side failure (5xx)
	ErrorTypeServer ErrorType = "server_error"

	// ErrorTypeTimeout indicates a transport timeout or exhausted budget
	ErrorTypeTimeout ErrorType = "timeout"

	// ErrorTypeUnknown carries raw transport detail for diagnostics
	ErrorTypeUnknown ErrorType = "unknown_error"
)

// Violation records one failed validation rule.
type Violation struct {
	// Parameter is the argument that failed
	Parameter string

	// Rule names the rule that rejected it (required, regex, range, ...)
	Rule string

	// Message is the human-readable description
	Message string
}

func (v Violation) String() string {
	return fmt.Sprintf("%s: %s (%s)", v.Parameter, v.Message, v.Rule)
}

// Error is the typed error surfaced by every engine operation.
type Error struct {
	// Type classifies the error
	Type ErrorType

	// Operation is the operation name the call targeted
	Operation string

	// Message is the human-readable description. Operation-declared
	// custom messages override the generic status text.
	Message string

	// StatusCode is the HTTP status if the error came from a response
	StatusCode int

	// Attempts is how many attempts the executor made before surfacing
	Attempts int

	// Violations holds the aggregate validation failures
	Violations []Violation

	// RequestID is the service request ID when the response carried one
	RequestID string

	// Cause is the underlying transport error, if any
	Cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Type, e.Message)
	if e.Operation != "" {
		msg = fmt.Sprintf("%s [op=%s]", msg, e.Operation)
	}
	if e.StatusCode > 0 {
		msg = fmt.Sprintf("%s [HTTP %d]", msg, e.StatusCode)
	}
	if e.Attempts > 1 {
		msg = fmt.Sprintf("%s [attempts=%d]", msg, e.Attempts)
	}
	if len(e.Violations) > 0 {
		parts := make([]string, len(e.Violations))
		for i, v := range e.Violations {
			parts[i] = v.String()
		}
		msg = fmt.Sprintf("%s: %s", msg, strings.Join(parts, "; "))
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Cause
}

// IsRetryable reports whether the executor may retry this error.
// Auth errors are handled separately: oauth2 connectors get one forced
// token refresh, everything else treats auth failures as fatal.
func (e *Error) IsRetryable() bool {
	switch e.Type {
	case ErrorTypeRateLimited, ErrorTypeServer, ErrorTypeTimeout:
		return true
	default:
		return false
	}
}

// IsType reports whether the error has the given classification.
func (e *Error) IsType(t ErrorType) bool {
	return e.Type == t
}

// classifyStatus maps an HTTP status code to an error type.
// 402 is always a quota rejection; 403 is one only when the body smells
// like a billing problem, otherwise it is an auth failure.
func classifyStatus(statusCode int, body string) ErrorType {
	switch {
	case statusCode == http.StatusPaymentRequired:
		return ErrorTypeQuotaExceeded
	case statusCode == http.StatusForbidden && looksLikeQuota(body):
		return ErrorTypeQuotaExceeded
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return ErrorTypeAuth
	case statusCode == http.StatusNotFound:
		return ErrorTypeNotFound
	case statusCode == http.StatusTooManyRequests:
		return ErrorTypeRateLimited
	case statusCode == http.StatusRequestTimeout:
		return ErrorTypeTimeout
	case statusCode >= 500:
		return ErrorTypeServer
	case statusCode >= 400:
		return ErrorTypeValidation
	default:
		return ErrorTypeUnknown
	}
}

// looksLikeQuota reports whether a 403 body indicates billing exhaustion
// rather than a permission failure.
func looksLikeQuota(body string) bool {
	lower := strings.ToLower(body)
	for _, marker := range []string{"quota", "billing", "credits", "payment", "insufficient funds"} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// errorFromStatus builds an Error from an HTTP response, applying the
// operation's declared message overrides when present.
func errorFromStatus(operation string, statusCode int, statusText, body, requestID string, overrides map[int]string) *Error {
	errType := classifyStatus(statusCode, body)

	message := fmt.Sprintf("%d %s", statusCode, statusText)
	if custom, ok := overrides[statusCode]; ok && custom != "" {
		message = custom
	}

	return &Error{
		Type:       errType,
		Operation:  operation,
		Message:    message,
		StatusCode: statusCode,
		RequestID:  requestID,
	}
}

// classifyTransport maps a transport-level failure from http.Client.Do to
// the taxonomy. Timeouts and connection failures are retryable; context
// cancellation surfaces as-is so callers can distinguish it.
func classifyTransport(operation string, err error) *Error {
	if errors.Is(err, context.Canceled) {
		return &Error{
			Type:      ErrorTypeTimeout,
			Operation: operation,
			Message:   "request cancelled",
			Cause:     err,
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{
			Type:      ErrorTypeTimeout,
			Operation: operation,
			Message:   "request deadline exceeded",
			Cause:     err,
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &Error{
			Type:      ErrorTypeTimeout,
			Operation: operation,
			Message:   "request timed out",
			Cause:     err,
		}
	}

	return &Error{
		Type:      ErrorTypeUnknown,
		Operation: operation,
		Message:   "transport failure",
		Cause:     err,
	}
}

// newValidationError aggregates violations into a single typed error.
func newValidationError(operation string, violations []Violation) *Error {
	return &Error{
		Type:       ErrorTypeValidation,
		Operation:  operation,
		Message:    fmt.Sprintf("%d parameter(s) failed validation", len(violations)),
		Violations: violations,
	}
}

// newTemplateError reports an unresolvable path placeholder.
func newTemplateError(operation, placeholder string) *Error {
	return &Error{
		Type:      ErrorTypeTemplate,
		Operation: operation,
		Message:   fmt.Sprintf("no argument for path placeholder {%s}", placeholder),
	}
}

// newAuthError reports a credential problem detected before the wire.
func newAuthError(operation string, cause error) *Error {
	return &Error{
		Type:      ErrorTypeAuth,
		Operation: operation,
		Message:   "authentication failed",
		Cause:     cause,
	}
}
