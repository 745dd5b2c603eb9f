package engine

import (
	"context"
	"math"
	"math/rand"
	"strconv"
	"time"

	"github.com/apifuse/apifuse/pkg/connector"
)

// attemptFunc performs one HTTP attempt. A positive retryAfter carries
// the server's Retry-After hint from a 429 or 503 response.
type attemptFunc func(ctx context.Context, attempt int) (result *Result, retryAfter time.Duration, err *Error)

// doWithRetry runs fn up to policy.MaxAttempts times, backing off
// exponentially between attempts. Only retryable error types are
// retried; the final error carries the total attempt count. When the
// remaining context budget cannot cover the next delay, the loop gives
// up early rather than sleeping into a guaranteed deadline miss.
func doWithRetry(ctx context.Context, operation string, policy connector.RetryPolicy, fn attemptFunc) (*Result, error) {
	maxAttempts := policy.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var lastErr *Error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		result, retryAfter, err := fn(ctx, attempt)
		if err == nil {
			return result, nil
		}

		lastErr = err
		lastErr.Attempts = attempt

		if !retryable(policy, err) || attempt == maxAttempts {
			break
		}

		delay := backoffDelay(policy, attempt)
		if retryAfter > 0 {
			// The server's hint wins over the computed schedule.
			delay = retryAfter
		}

		if deadline, ok := ctx.Deadline(); ok {
			if time.Until(deadline) < delay {
				lastErr = &Error{
					Type:      ErrorTypeTimeout,
					Operation: operation,
					Message:   "retry budget exhausted",
					Attempts:  attempt,
					Cause:     err,
				}
				break
			}
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, classifyTransport(operation, ctx.Err())
		case <-timer.C:
		}
	}

	return nil, lastErr
}

// retryable decides whether the executor may try again. Type-based
// retryability applies by default; a declared retriable_status_codes
// list overrides it for errors that carry an HTTP status.
func retryable(policy connector.RetryPolicy, err *Error) bool {
	if err.StatusCode > 0 && len(policy.RetriableStatusCodes) > 0 {
		for _, code := range policy.RetriableStatusCodes {
			if code == err.StatusCode {
				return true
			}
		}
		return false
	}
	return err.IsRetryable()
}

// backoffDelay computes the delay before the next attempt after the
// given attempt number: base doubled per attempt, capped at max, then
// scaled by a uniform factor in [0.5, 1.0) when jitter is enabled.
func backoffDelay(policy connector.RetryPolicy, attempt int) time.Duration {
	base := policy.BackoffBaseSeconds
	if base <= 0 {
		base = 1
	}
	max := policy.BackoffMaxSeconds
	if max <= 0 {
		max = 30
	}

	seconds := base * math.Pow(2, float64(attempt-1))
	if seconds > max {
		seconds = max
	}

	delay := time.Duration(seconds * float64(time.Second))
	if policy.Jitter {
		delay = time.Duration(float64(delay) * (0.5 + rand.Float64()/2))
	}
	return delay
}

// parseRetryAfter converts a Retry-After header value into a delay.
// Both delta-seconds and HTTP-date forms are accepted; anything else
// yields zero.
func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if when, err := time.Parse(time.RFC1123, value); err == nil {
		if d := time.Until(when); d > 0 {
			return d
		}
	}
	return 0
}
