// Package ratelimiter throttles RPC sends with token buckets.
package ratelimiter

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// unlimited stands in for rate.Inf, which does not combine with Wait
// deadlines the way a finite limit does.
const unlimited = 1_000_000_000

// RateLimiter is a token bucket wrapping golang.org/x/time/rate.
//
// Thread safety:
// All methods are safe for concurrent use.
type RateLimiter struct {
	limiter *rate.Limiter
}

// New creates a limiter refilling requestsPerSecond tokens per second with
// room for burst tokens. A zero rate disables limiting.
func New(requestsPerSecond, burst uint) *RateLimiter {
	if requestsPerSecond == 0 {
		requestsPerSecond = unlimited
		burst = unlimited
	}
	return &RateLimiter{
		limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), int(burst)),
	}
}

// Allow consumes a token if one is available.
func (r *RateLimiter) Allow() bool {
	return r.limiter.Allow()
}

// Wait blocks until a token is available or ctx is done.
func (r *RateLimiter) Wait(ctx context.Context) error {
	return r.limiter.Wait(ctx)
}

// WaitN blocks until n tokens are available or ctx is done. n must not
// exceed the burst.
func (r *RateLimiter) WaitN(ctx context.Context, n int) error {
	return r.limiter.WaitN(ctx, n)
}

// Tokens returns the tokens currently in the bucket.
func (r *RateLimiter) Tokens() float64 {
	return r.limiter.Tokens()
}

// Keyed hands out one RateLimiter per key, created on first use with the
// same rate and burst. The bus keys it by RPC target so one busy backend
// host cannot starve sends to the others.
type Keyed struct {
	mu       sync.Mutex
	rps      uint
	burst    uint
	limiters map[string]*RateLimiter
}

// NewKeyed creates an empty keyed limiter.
func NewKeyed(requestsPerSecond, burst uint) *Keyed {
	return &Keyed{
		rps:      requestsPerSecond,
		burst:    burst,
		limiters: make(map[string]*RateLimiter),
	}
}

// Get returns the limiter for key.
func (k *Keyed) Get(key string) *RateLimiter {
	k.mu.Lock()
	defer k.mu.Unlock()
	l, ok := k.limiters[key]
	if !ok {
		l = New(k.rps, k.burst)
		k.limiters[key] = l
	}
	return l
}

// Wait blocks until key's bucket yields a token or ctx is done.
func (k *Keyed) Wait(ctx context.Context, key string) error {
	return k.Get(key).Wait(ctx)
}

// Allow consumes a token from key's bucket if one is available.
func (k *Keyed) Allow(key string) bool {
	return k.Get(key).Allow()
}

// Len returns the number of keys seen so far.
func (k *Keyed) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.limiters)
}
