package provider

import (
	"context"
	"sync"
	"testing"
	"time"
)

// mockClock provides deterministic time control for tests.
type mockClock struct {
	mu      sync.Mutex
	current time.Time
	timers  []mockTimer
}

type mockTimer struct {
	deadline time.Time
	ch       chan time.Time
}

func newMockClock() *mockClock {
	return &mockClock{current: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *mockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *mockClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan time.Time, 1)
	deadline := c.current.Add(d)
	if !c.current.Before(deadline) {
		ch <- c.current
		return ch
	}
	c.timers = append(c.timers, mockTimer{deadline: deadline, ch: ch})
	return ch
}

// Advance moves the clock forward and fires any pending timers.
func (c *mockClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Add(d)
	var remaining []mockTimer
	for _, t := range c.timers {
		if !c.current.Before(t.deadline) {
			t.ch <- c.current
		} else {
			remaining = append(remaining, t)
		}
	}
	c.timers = remaining
}

type rlFixture struct {
	clk *mockClock
	rl  *RateLimiter
}

func newRLFixture() *rlFixture {
	clk := newMockClock()
	return &rlFixture{clk: clk, rl: newRateLimiter(clk, defaultQPS)}
}

func (f *rlFixture) drain() {
	f.rl.mu.Lock()
	defer f.rl.mu.Unlock()
	f.rl.tokens = 0
}

func (f *rlFixture) assertAvailable(t *testing.T, expected float64) {
	t.Helper()
	if got := f.rl.Available(); got != expected {
		t.Errorf("Available() = %v, want %v", got, expected)
	}
}

func TestOperationCost(t *testing.T) {
	tests := []struct {
		op   Operation
		cost int
	}{
		{OpMessagesList, 5},
		{OpMessagesGet, 5},
		{OpMessagesGetMeta, 5},
		{OpAttachmentsGet, 5},
		{OpProfile, 1},
		{OpEventsList, 1},
		{Operation(999), 1}, // Unknown operation defaults to 1
	}

	for _, tc := range tests {
		if got := tc.op.Cost(); got != tc.cost {
			t.Errorf("Operation(%d).Cost() = %d, want %d", tc.op, got, tc.cost)
		}
	}
}

func TestNewRateLimiter(t *testing.T) {
	rl := NewRateLimiter(5.0)

	if rl.capacity != DefaultCapacity {
		t.Errorf("capacity = %v, want %v", rl.capacity, DefaultCapacity)
	}
	if rl.tokens != DefaultCapacity {
		t.Errorf("initial tokens = %v, want %v", rl.tokens, DefaultCapacity)
	}
	if rl.refillRate != DefaultRefillRate {
		t.Errorf("refillRate = %v, want %v", rl.refillRate, DefaultRefillRate)
	}
}

func TestNewRateLimiter_ScaledQPS(t *testing.T) {
	rl := NewRateLimiter(2.5)
	expectedRate := DefaultRefillRate * 0.5
	if rl.refillRate != expectedRate {
		t.Errorf("refillRate at 2.5 QPS = %v, want %v", rl.refillRate, expectedRate)
	}

	rl = NewRateLimiter(10.0)
	if rl.refillRate != DefaultRefillRate {
		t.Errorf("refillRate at 10 QPS = %v, want %v (capped)", rl.refillRate, DefaultRefillRate)
	}
}

func TestNewRateLimiter_NilClockPanics(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("newRateLimiter(nil, ...) should panic")
		}
	}()
	newRateLimiter(nil, 5.0)
}

func TestRateLimiter_Acquire_Success(t *testing.T) {
	f := newRLFixture()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := f.rl.Acquire(ctx, OpProfile); err != nil {
		t.Errorf("Acquire() error = %v", err)
	}
	f.assertAvailable(t, DefaultCapacity-1)
}

func TestRateLimiter_Acquire_ContextCancelled(t *testing.T) {
	f := newRLFixture()
	f.drain()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := f.rl.Acquire(ctx, OpMessagesGet); err != context.Canceled {
		t.Errorf("Acquire() with cancelled context = %v, want context.Canceled", err)
	}
}

func TestRateLimiter_Refill(t *testing.T) {
	f := newRLFixture()
	f.drain()

	f.assertAvailable(t, 0)

	// One second at the default rate refills a full bucket.
	f.clk.Advance(1 * time.Second)
	f.assertAvailable(t, DefaultCapacity)
}

func TestRateLimiter_RefillCapped(t *testing.T) {
	f := newRLFixture()
	f.clk.Advance(10 * time.Second)
	f.assertAvailable(t, DefaultCapacity)
}

func TestRateLimiter_Reserve_Deficit(t *testing.T) {
	f := newRLFixture()
	f.drain()

	wait := f.rl.reserve(OpMessagesGet)
	if wait <= 0 {
		t.Errorf("reserve() with empty bucket = %v, want positive wait", wait)
	}
}

func TestRateLimiter_Throttle(t *testing.T) {
	f := newRLFixture()

	f.rl.Throttle(30 * time.Second)

	wait := f.rl.reserve(OpProfile)
	if wait != 30*time.Second {
		t.Errorf("reserve() during throttle window = %v, want %v", wait, 30*time.Second)
	}

	// The bucket is emptied and no refill credit accumulates during the
	// window.
	f.clk.Advance(30 * time.Second)
	f.assertAvailable(t, 0)

	// Refill resumes once the window expires.
	f.clk.Advance(1 * time.Second)
	f.assertAvailable(t, DefaultCapacity)
	if wait := f.rl.reserve(OpProfile); wait != 0 {
		t.Errorf("reserve() after throttle expired = %v, want 0", wait)
	}
}

func TestRateLimiter_Throttle_DoesNotShorten(t *testing.T) {
	f := newRLFixture()

	f.rl.Throttle(60 * time.Second)
	f.rl.Throttle(10 * time.Second)

	wait := f.rl.reserve(OpProfile)
	if wait != 60*time.Second {
		t.Errorf("reserve() = %v, want the longer window %v", wait, 60*time.Second)
	}
}
