package util

import (
	"context"
	"sync"
	"time"
)

// RateLimiter is a token bucket that refills at a fixed rate. A nil
// *RateLimiter never blocks.
type RateLimiter struct {
	mu       sync.Mutex
	rate     float64 // tokens per second
	burst    float64
	tokens   float64
	lastTime time.Time
}

// NewRateLimiter allows perMinute operations per minute with a burst of one.
// perMinute <= 0 returns nil (unlimited).
func NewRateLimiter(perMinute int) *RateLimiter {
	if perMinute <= 0 {
		return nil
	}
	return &RateLimiter{
		rate:     float64(perMinute) / 60.0,
		burst:    1,
		tokens:   1,
		lastTime: time.Now(),
	}
}

// take refills the bucket and consumes a token if one is available. When no
// token is available it returns how long until one will be.
func (rl *RateLimiter) take(now time.Time) (bool, time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.tokens += now.Sub(rl.lastTime).Seconds() * rl.rate
	if rl.tokens > rl.burst {
		rl.tokens = rl.burst
	}
	rl.lastTime = now

	if rl.tokens >= 1 {
		rl.tokens--
		return true, 0
	}
	missing := 1 - rl.tokens
	return false, time.Duration(missing / rl.rate * float64(time.Second))
}

// Wait blocks until a token is available or ctx is done.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	if rl == nil {
		return ctx.Err()
	}
	for {
		ok, wait := rl.take(time.Now())
		if ok {
			return nil
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
