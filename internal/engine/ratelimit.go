package engine

import (
	"context"
	"fmt"
	"math"
	"sync"

	"golang.org/x/time/rate"

	"github.com/apifuse/apifuse/pkg/connector"
)

// limiterPool holds one token bucket per connector scope. Operations
// that declare a rate_limit_scope get their own bucket; everything else
// shares the connector-wide default.
type limiterPool struct {
	policy connector.RateLimitPolicy

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func newLimiterPool(policy connector.RateLimitPolicy) *limiterPool {
	return &limiterPool{
		policy:   policy,
		limiters: make(map[string]*rate.Limiter),
	}
}

// wait blocks until the scope's bucket can cover cost tokens, or the
// context expires. Cancellation while waiting returns the reserved
// tokens to the bucket, so an aborted call never leaks capacity.
func (p *limiterPool) wait(ctx context.Context, scope string, cost int) error {
	if !p.policy.Enabled() {
		return nil
	}
	if cost <= 0 {
		cost = 1
	}

	limiter := p.limiter(scope)
	if cost > limiter.Burst() {
		return fmt.Errorf("request cost %d exceeds bucket capacity %d", cost, limiter.Burst())
	}

	// WaitN cancels its reservation on ctx expiry, restoring the tokens.
	if err := limiter.WaitN(ctx, cost); err != nil {
		// WaitN reports expiry with its own error text; surface the
		// context error so the failure classifies as a timeout.
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return err
	}
	return nil
}

// allow reports whether the bucket can cover cost tokens right now,
// consuming them if so. Used by callers that prefer failing fast over
// queueing.
func (p *limiterPool) allow(scope string, cost int) bool {
	if !p.policy.Enabled() {
		return true
	}
	if cost <= 0 {
		cost = 1
	}
	return p.limiter(scope).AllowN(nowFn(), cost)
}

func (p *limiterPool) limiter(scope string) *rate.Limiter {
	if scope == "" {
		scope = "default"
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if l, ok := p.limiters[scope]; ok {
		return l
	}

	burst := p.policy.Burst
	if burst <= 0 {
		burst = int(math.Ceil(p.policy.Rate()))
	}
	if burst <= 0 {
		burst = 1
	}
	l := rate.NewLimiter(rate.Limit(p.policy.Rate()), burst)
	p.limiters[scope] = l
	return l
}
