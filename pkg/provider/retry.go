package provider

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

const (
	defaultMaxAttempts = 4
	defaultBaseDelay   = 500 * time.Millisecond
	defaultMaxDelay    = 60 * time.Second
)

// RetryPolicy computes the wait between attempts. Server and network errors
// back off exponentially with jitter; rate limits honor the server-named wait
// exactly, or double the computed delay when no wait was named. Delays never
// exceed MaxDelay.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	randFn      func() float64
}

// DefaultRetryPolicy returns the policy used when a client names none.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: defaultMaxAttempts,
		BaseDelay:   defaultBaseDelay,
		MaxDelay:    defaultMaxDelay,
	}
}

// Delay returns the wait after the zero-based attempt failed with err.
func (policy RetryPolicy) Delay(attempt int, err error) time.Duration {
	base := policy.BaseDelay
	if base <= 0 {
		base = defaultBaseDelay
	}
	maxDelay := policy.MaxDelay
	if maxDelay <= 0 {
		maxDelay = defaultMaxDelay
	}
	delay := base << uint(attempt)
	if delay > maxDelay || delay <= 0 {
		delay = maxDelay
	}
	var rateLimitError *RateLimitError
	if errors.As(err, &rateLimitError) {
		if rateLimitError.RetryAfter > 0 {
			return rateLimitError.RetryAfter
		}
		doubled := delay * 2
		if doubled > maxDelay || doubled <= 0 {
			doubled = maxDelay
		}
		return doubled
	}
	half := delay / 2
	return half + time.Duration(policy.rand()*float64(half))
}

func (policy RetryPolicy) attempts() int {
	if policy.MaxAttempts <= 0 {
		return defaultMaxAttempts
	}
	return policy.MaxAttempts
}

func (policy RetryPolicy) rand() float64 {
	if policy.randFn != nil {
		return policy.randFn()
	}
	return rand.Float64()
}

func sleep(ctx context.Context, delay time.Duration) error {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
