package util

import (
	"context"
	"time"
)

// Backoff describes an exponential retry schedule.
type Backoff struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration // 0 means uncapped
}

// DefaultBackoff is used by provider adapters when nothing is configured.
var DefaultBackoff = Backoff{
	Attempts:  3,
	BaseDelay: 500 * time.Millisecond,
	MaxDelay:  5 * time.Second,
}

// Retry calls fn until it succeeds or b.Attempts calls have failed, sleeping
// with exponential backoff between attempts. It returns the last value and
// error. Context cancellation between attempts aborts with ctx.Err().
func Retry[T any](ctx context.Context, b Backoff, fn func() (T, error)) (T, error) {
	var (
		v   T
		err error
	)
	attempts := max(b.Attempts, 1)
	delay := b.BaseDelay

	for attempt := 0; attempt < attempts; attempt++ {
		v, err = fn()
		if err == nil {
			return v, nil
		}
		if attempt == attempts-1 {
			break
		}

		select {
		case <-ctx.Done():
			return v, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if b.MaxDelay > 0 && delay > b.MaxDelay {
			delay = b.MaxDelay
		}
	}
	return v, err
}
