package provider

import (
	"context"
	"sync"
	"time"
)

// Clock abstracts time operations for testability.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// Operation represents a provider API operation with its quota cost.
type Operation int

const (
	OpMessagesList Operation = iota
	OpMessagesGet
	OpMessagesGetMeta
	OpAttachmentsGet
	OpProfile
	OpEventsList
)

// Cost returns the quota cost for an operation.
func (o Operation) Cost() int {
	switch o {
	case OpMessagesList, OpMessagesGet, OpMessagesGetMeta, OpAttachmentsGet:
		return 5
	default:
		return 1 // OpProfile, OpEventsList, unknown
	}
}

// DefaultCapacity is the default token bucket capacity (the provider's
// per-user quota).
const DefaultCapacity = 250

// DefaultRefillRate is tokens per second at the default rate.
const DefaultRefillRate = 250.0

const (
	// defaultQPS is the baseline QPS used to calculate the scale factor.
	defaultQPS = 5.0

	// throttleRecoveryFactor is applied to the refill rate while recovering
	// from a throttle window.
	throttleRecoveryFactor = 0.5

	// minWait is the minimum wait duration when tokens are insufficient.
	minWait = 10 * time.Millisecond
)

// realClock implements Clock using the standard time package.
type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// RateLimiter implements a token bucket rate limiter for provider API calls.
// It is safe for concurrent use and supports adaptive throttling.
type RateLimiter struct {
	mu             sync.Mutex
	clock          Clock
	tokens         float64
	capacity       float64
	refillRate     float64 // tokens per second
	baseRefillRate float64 // original refill rate for recovery
	lastRefill     time.Time
	throttledUntil time.Time
}

// MinQPS is the minimum allowed QPS to prevent division by zero.
const MinQPS = 0.1

// NewRateLimiter creates a rate limiter with the specified QPS. A qps of 5
// is a safe default for provider mail APIs. QPS is clamped to MinQPS.
func NewRateLimiter(qps float64) *RateLimiter {
	return newRateLimiter(realClock{}, qps)
}

func newRateLimiter(clk Clock, qps float64) *RateLimiter {
	if clk == nil {
		panic("provider: RateLimiter requires a non-nil Clock")
	}
	if qps < MinQPS {
		qps = MinQPS
	}

	scaleFactor := qps / defaultQPS
	if scaleFactor > 1.0 {
		scaleFactor = 1.0
	}

	refillRate := DefaultRefillRate * scaleFactor
	return &RateLimiter{
		clock:          clk,
		tokens:         DefaultCapacity,
		capacity:       DefaultCapacity,
		refillRate:     refillRate,
		baseRefillRate: refillRate,
		lastRefill:     clk.Now(),
	}
}

// reserve attempts to acquire tokens for the operation. Returns 0 if tokens
// were acquired immediately, or the duration to wait before retrying.
func (r *RateLimiter) reserve(op Operation) time.Duration {
	cost := float64(op.Cost())

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()

	if now.Before(r.throttledUntil) {
		return r.throttledUntil.Sub(now)
	}

	r.refill()

	if r.tokens >= cost {
		r.tokens -= cost
		return 0
	}

	deficit := cost - r.tokens
	waitTime := time.Duration(deficit/r.refillRate*1000) * time.Millisecond
	if waitTime < minWait {
		waitTime = minWait
	}
	return waitTime
}

// Acquire blocks until the required tokens are available.
// Returns an error if the context is cancelled.
func (r *RateLimiter) Acquire(ctx context.Context, op Operation) error {
	for {
		waitTime := r.reserve(op)
		if waitTime == 0 {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.clock.After(waitTime):
			continue
		}
	}
}

// refill adds tokens based on elapsed time. Must be called with lock held.
func (r *RateLimiter) refill() {
	now := r.clock.Now()

	if now.Before(r.throttledUntil) {
		r.lastRefill = now
		return
	}

	if r.refillRate < r.baseRefillRate && !r.throttledUntil.IsZero() {
		r.refillRate = r.baseRefillRate
	}

	elapsed := now.Sub(r.lastRefill).Seconds()
	r.lastRefill = now

	r.tokens += elapsed * r.refillRate
	if r.tokens > r.capacity {
		r.tokens = r.capacity
	}
}

// Available returns the current number of available tokens.
func (r *RateLimiter) Available() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refill()
	return r.tokens
}

// Throttle temporarily reduces the rate after the provider reports quota
// exhaustion, providing adaptive back-pressure.
func (r *RateLimiter) Throttle(duration time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	newThrottleEnd := now.Add(duration)

	// Don't shorten an existing throttle window.
	if newThrottleEnd.After(r.throttledUntil) {
		r.throttledUntil = newThrottleEnd
	}

	// Reset lastRefill to the throttle end so elapsed time during the
	// window is not credited once it expires.
	r.lastRefill = r.throttledUntil

	r.tokens = 0
	r.refillRate = r.baseRefillRate * throttleRecoveryFactor
}
