// Package cb is a minimal, clock-injected circuit breaker that can guard
// any call, not just a storage write. It backs the opportunity router's
// forwarding path; the streams client does not use it. The alert
// pipeline's per-channel breaker uses the ecosystem gobreaker instead,
// since each channel needs its own independent trip state — see
// internal/alert.
package cb

import (
	"fmt"
	"sync"
	"time"

	"github.com/arbnet/coordinator/internal/clock"
)

// State represents the circuit breaker state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned when the circuit breaker is open.
var ErrCircuitOpen = fmt.Errorf("circuit breaker is open")

// CircuitBreaker implements a simple circuit breaker: after maxFailures
// consecutive failures it opens and rejects all calls for resetTimeout;
// after the timeout it half-opens and allows one probe through; success
// closes, failure reopens.
type CircuitBreaker struct {
	mu           sync.Mutex
	state        State
	failures     int
	maxFailures  int
	resetTimeout time.Duration
	lastFailure  time.Time
	clock        clock.Clock

	OnStateChange func(from, to State)
}

// New creates a circuit breaker. A nil clock defaults to clock.Default.
func New(maxFailures int, resetTimeout time.Duration, clk clock.Clock) *CircuitBreaker {
	if clk == nil {
		clk = clock.Default
	}
	return &CircuitBreaker{
		maxFailures:  maxFailures,
		resetTimeout: resetTimeout,
		state:        StateClosed,
		clock:        clk,
	}
}

// Execute runs fn through the circuit breaker.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	cb.mu.Lock()
	switch cb.state {
	case StateOpen:
		if cb.clock.Now().Sub(cb.lastFailure) > cb.resetTimeout {
			cb.transition(StateHalfOpen)
		} else {
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
	case StateHalfOpen:
		// allow the probe through; the mutex is released before fn runs,
		// so concurrent callers in this state each run as a probe
	}
	cb.mu.Unlock()

	err := fn()

	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err != nil {
		cb.failures++
		cb.lastFailure = cb.clock.Now()
		if cb.state == StateHalfOpen {
			cb.transition(StateOpen)
		} else if cb.failures >= cb.maxFailures {
			cb.transition(StateOpen)
		}
		return err
	}

	if cb.state == StateHalfOpen {
		cb.transition(StateClosed)
	}
	cb.failures = 0
	return nil
}

// RecordSuccess/RecordFailure let a caller report an out-of-band call result
// (e.g. the router recording success/failure of a publish it already
// retried itself) without routing the call through Execute.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateHalfOpen {
		cb.transition(StateClosed)
	}
	cb.failures = 0
}

func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures++
	cb.lastFailure = cb.clock.Now()
	if cb.state == StateHalfOpen {
		cb.transition(StateOpen)
	} else if cb.failures >= cb.maxFailures {
		cb.transition(StateOpen)
	}
}

// Allow reports whether a call may proceed right now, transitioning
// Open->HalfOpen if the reset timeout has elapsed. Used by callers (like the
// router) that need to check-before-attempt rather than wrap a closure.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen {
		if cb.clock.Now().Sub(cb.lastFailure) > cb.resetTimeout {
			cb.transition(StateHalfOpen)
			return true
		}
		return false
	}
	return true
}

// CurrentState returns the current circuit breaker state.
func (cb *CircuitBreaker) CurrentState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) transition(to State) {
	from := cb.state
	cb.state = to
	if to == StateClosed {
		cb.failures = 0
	}
	if cb.OnStateChange != nil {
		cb.OnStateChange(from, to)
	}
}
