// Package ratelimit paces handler dispatch for relay subscribers.
//
// A Limiter gates each dispatch: the delivery loop waits for a slot
// before invoking the handler, so a slow downstream system is protected
// by pacing instead of by shedding entries. Two implementations are
// provided:
//
//   - TokenBucket paces a single process with an in-memory token bucket.
//   - FixedWindow paces every instance of a group together with a
//     counter kept on the log service.
//
// Usage:
//
//	limiter := ratelimit.NewTokenBucket(100, 10)
//	if err := limiter.Wait(ctx); err != nil {
//	    return err
//	}
//	// dispatch
package ratelimit

import (
	"context"

	"golang.org/x/time/rate"
)

// Limiter gates dispatch. Implementations must be safe for concurrent
// use.
type Limiter interface {
	// Allow reports whether a slot is available right now, consuming
	// it when so.
	Allow(ctx context.Context) bool

	// Wait blocks until a slot is available or ctx is done. It returns
	// nil when the caller may proceed and the context error otherwise.
	Wait(ctx context.Context) error
}

// TokenBucket is an in-memory token bucket. Tokens refill at a fixed
// rate up to a burst capacity; each dispatch consumes one. It limits the
// local process only, which is usually what a subscriber wants: each
// instance gets the same ceiling regardless of how the group rebalances.
type TokenBucket struct {
	limiter *rate.Limiter
}

// NewTokenBucket creates a bucket refilling at rps tokens per second and
// holding at most burst tokens.
func NewTokenBucket(rps float64, burst int) *TokenBucket {
	return &TokenBucket{
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
}

// Allow reports whether a slot is available, consuming one token when so.
func (t *TokenBucket) Allow(ctx context.Context) bool {
	return t.limiter.Allow()
}

// Wait blocks until a token is available or ctx is done.
func (t *TokenBucket) Wait(ctx context.Context) error {
	return t.limiter.Wait(ctx)
}

// Limit returns the refill rate in tokens per second.
func (t *TokenBucket) Limit() float64 {
	return float64(t.limiter.Limit())
}

// Burst returns the bucket capacity.
func (t *TokenBucket) Burst() int {
	return t.limiter.Burst()
}

var _ Limiter = (*TokenBucket)(nil)
