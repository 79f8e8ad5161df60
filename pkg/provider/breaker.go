package provider

import (
	"fmt"
	"sync"
	"time"
)

// BreakerState is the circuit position.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half-open"
)

// Breaker trips after a run of consecutive failures and rejects calls for a
// cool-down window. After the window one trial call is let through; its result
// closes or reopens the circuit. Safe for concurrent use.
type Breaker struct {
	mu            sync.Mutex
	threshold     int
	coolDown      time.Duration
	nowFn         func() time.Time
	state         BreakerState
	failures      int
	openedAt      time.Time
	trialInFlight bool
}

// BreakerOption configures a Breaker.
type BreakerOption func(*Breaker)

// WithBreakerClock overrides the clock, for tests.
func WithBreakerClock(now func() time.Time) BreakerOption {
	return func(breaker *Breaker) {
		breaker.nowFn = now
	}
}

// NewBreaker wires a closed breaker.
func NewBreaker(threshold int, coolDown time.Duration, options ...BreakerOption) (*Breaker, error) {
	if threshold <= 0 {
		return nil, fmt.Errorf("%w: breaker threshold must be positive, got %d", ErrInvalidClientConfig, threshold)
	}
	if coolDown <= 0 {
		return nil, fmt.Errorf("%w: breaker cool-down must be positive, got %s", ErrInvalidClientConfig, coolDown)
	}
	breaker := &Breaker{
		threshold: threshold,
		coolDown:  coolDown,
		nowFn:     time.Now,
		state:     BreakerClosed,
	}
	for _, option := range options {
		if option != nil {
			option(breaker)
		}
	}
	return breaker, nil
}

// Allow reports whether a call may proceed. While open it returns
// ErrCircuitOpen until the cool-down elapses, then admits exactly one trial.
func (breaker *Breaker) Allow() error {
	breaker.mu.Lock()
	defer breaker.mu.Unlock()
	switch breaker.state {
	case BreakerClosed:
		return nil
	case BreakerOpen:
		if breaker.nowFn().Sub(breaker.openedAt) < breaker.coolDown {
			return ErrCircuitOpen
		}
		breaker.state = BreakerHalfOpen
		breaker.trialInFlight = true
		return nil
	case BreakerHalfOpen:
		if breaker.trialInFlight {
			return ErrCircuitOpen
		}
		breaker.trialInFlight = true
		return nil
	}
	return nil
}

// OnSuccess records a successful call and closes the circuit.
func (breaker *Breaker) OnSuccess() {
	breaker.mu.Lock()
	defer breaker.mu.Unlock()
	breaker.state = BreakerClosed
	breaker.failures = 0
	breaker.trialInFlight = false
}

// OnFailure records a failed call. The trial failing reopens the circuit; a
// run of threshold failures opens it.
func (breaker *Breaker) OnFailure() {
	breaker.mu.Lock()
	defer breaker.mu.Unlock()
	if breaker.state == BreakerHalfOpen {
		breaker.open()
		return
	}
	breaker.failures++
	if breaker.failures >= breaker.threshold {
		breaker.open()
	}
}

// State returns the current circuit position.
func (breaker *Breaker) State() BreakerState {
	breaker.mu.Lock()
	defer breaker.mu.Unlock()
	return breaker.state
}

func (breaker *Breaker) open() {
	breaker.state = BreakerOpen
	breaker.failures = 0
	breaker.openedAt = breaker.nowFn()
	breaker.trialInFlight = false
}
