// ratelimit.go implements token-bucket rate limiting for the venue REST API.
//
// The venue enforces a request-weight budget of 1200 per rolling minute.
// This file provides a smooth token-bucket implementation that refills
// continuously (rather than in one-minute bursts) so sustained load never
// trips the hard limit. Every REST call costs one token; callers that need
// heavier weighted endpoints can acquire more.
package exchange

import (
	"context"
	"sync"
	"time"
)

// Venue request-weight budget: 1200 tokens per 60 seconds.
const (
	requestBudgetCapacity = 1200
	requestBudgetPerSec   = requestBudgetCapacity / 60.0
)

// TokenBucket implements a token-bucket rate limiter with continuous refill.
// Callers block in WaitN() until enough tokens are available or the context
// is cancelled.
type TokenBucket struct {
	mu       sync.Mutex
	tokens   float64   // current available tokens (fractional allowed)
	capacity float64   // maximum burst size
	rate     float64   // tokens refilled per second
	lastTime time.Time // last time tokens were calculated
}

// NewTokenBucket creates a rate limiter with the given capacity and refill rate.
func NewTokenBucket(capacity, ratePerSecond float64) *TokenBucket {
	return &TokenBucket{
		tokens:   capacity,
		capacity: capacity,
		rate:     ratePerSecond,
		lastTime: time.Now(),
	}
}

// newRequestBucket returns the bucket every outbound request draws from.
func newRequestBucket() *TokenBucket {
	return NewTokenBucket(requestBudgetCapacity, requestBudgetPerSec)
}

// Wait blocks until a single token is available or ctx is cancelled.
func (tb *TokenBucket) Wait(ctx context.Context) error {
	return tb.WaitN(ctx, 1)
}

// WaitN blocks until n tokens are available or ctx is cancelled. Requests
// larger than the bucket capacity can never be satisfied and return an
// error from the context deadline instead of spinning; callers keep n
// within capacity.
func (tb *TokenBucket) WaitN(ctx context.Context, n float64) error {
	for {
		tb.mu.Lock()
		now := time.Now()
		elapsed := now.Sub(tb.lastTime).Seconds()
		tb.tokens += elapsed * tb.rate
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastTime = now

		if tb.tokens >= n {
			tb.tokens -= n
			tb.mu.Unlock()
			return nil
		}

		// Calculate wait time until n tokens accumulate
		wait := time.Duration((n - tb.tokens) / tb.rate * float64(time.Second))
		tb.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
			// retry
		}
	}
}
