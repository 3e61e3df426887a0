package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/time/rate"

	"taskq/internal/ports"
)

// ErrInvalidConfig indicates a token bucket with a non-positive rate or burst.
var ErrInvalidConfig = errors.New("invalid rate limit configuration")

var (
	_ ports.RateLimiter = AllowAll{}
	_ ports.RateLimiter = (*TokenBucket)(nil)
)

// AllowAll admits every execution immediately.
type AllowAll struct{}

func (AllowAll) Wait(ctx context.Context, _ string) error {
	return ctx.Err()
}

// TokenBucket keeps one token bucket per key. Waiters on the same key are
// served in reservation order.
type TokenBucket struct {
	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewTokenBucket admits perSecond executions per key with bursts of up to burst.
func NewTokenBucket(perSecond float64, burst int) (*TokenBucket, error) {
	if perSecond <= 0 {
		return nil, fmt.Errorf("%w: rate must be positive, got %v", ErrInvalidConfig, perSecond)
	}
	if burst <= 0 {
		return nil, fmt.Errorf("%w: burst must be positive, got %d", ErrInvalidConfig, burst)
	}
	return &TokenBucket{
		limit:    rate.Limit(perSecond),
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}, nil
}

// New returns AllowAll for a zero rate and a TokenBucket otherwise.
func New(perSecond float64, burst int) (ports.RateLimiter, error) {
	if perSecond == 0 {
		return AllowAll{}, nil
	}
	return NewTokenBucket(perSecond, burst)
}

// Wait blocks until key may dispatch or ctx is done.
func (tb *TokenBucket) Wait(ctx context.Context, key string) error {
	return tb.limiter(key).Wait(ctx)
}

func (tb *TokenBucket) limiter(key string) *rate.Limiter {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	l, ok := tb.limiters[key]
	if !ok {
		l = rate.NewLimiter(tb.limit, tb.burst)
		tb.limiters[key] = l
	}
	return l
}
