// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package breaker provides a circuit breaker that stops hammering a
// failing dependency, such as a DNS server that keeps timing out.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

var (
	// ErrCircuitOpen is returned when the circuit breaker is open.
	ErrCircuitOpen = errors.New("circuit breaker is open")
)

// State represents the circuit breaker state.
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half_open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Config holds circuit breaker configuration.
type Config struct {
	// MaxFailures is the number of consecutive failures before opening the circuit.
	MaxFailures int
	// ResetTimeout is how long to wait in Open state before transitioning to HalfOpen.
	ResetTimeout time.Duration
	// SuccessThreshold is the number of consecutive successes in HalfOpen before closing.
	SuccessThreshold int
	// Clock measures ResetTimeout. Defaults to the wall clock.
	Clock clock.Clock
	// IsFailure reports whether a returned error counts against the circuit.
	// Errors it rejects pass through without changing any counter. Defaults
	// to every error except context.Canceled.
	IsFailure func(error) bool
}

func countsAsFailure(err error) bool {
	return !errors.Is(err, context.Canceled)
}

// CircuitBreaker implements the circuit breaker pattern.
type CircuitBreaker struct {
	mu              sync.Mutex
	config          Config
	state           State
	failures        int
	successes       int
	lastStateChange time.Time
	onStateChange   func(from, to State)
}

type transition struct {
	from, to State
}

// New creates a new circuit breaker.
func New(config Config) *CircuitBreaker {
	if config.MaxFailures == 0 {
		config.MaxFailures = 5
	}
	if config.ResetTimeout == 0 {
		config.ResetTimeout = 60 * time.Second
	}
	if config.SuccessThreshold == 0 {
		config.SuccessThreshold = 2
	}
	if config.Clock == nil {
		config.Clock = clock.New()
	}
	if config.IsFailure == nil {
		config.IsFailure = countsAsFailure
	}

	return &CircuitBreaker{
		config:          config,
		state:           StateClosed,
		lastStateChange: config.Clock.Now(),
	}
}

// Call executes fn if the circuit breaker allows it, and records the outcome.
// A nil breaker always calls fn.
func (cb *CircuitBreaker) Call(fn func() error) error {
	if cb == nil {
		return fn()
	}

	t, err := cb.beforeCall()
	cb.notify(t)
	if err != nil {
		return err
	}

	err = fn()

	cb.notify(cb.afterCall(err))
	return err
}

// beforeCall checks if the call is allowed.
func (cb *CircuitBreaker) beforeCall() (*transition, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if cb.config.Clock.Since(cb.lastStateChange) >= cb.config.ResetTimeout {
			return cb.setState(StateHalfOpen), nil
		}
		return nil, ErrCircuitOpen
	case StateHalfOpen, StateClosed:
		return nil, nil
	default:
		return nil, ErrCircuitOpen
	}
}

// afterCall records the result of the call.
func (cb *CircuitBreaker) afterCall(err error) *transition {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err != nil {
		if !cb.config.IsFailure(err) {
			return nil
		}
		return cb.onFailure()
	}
	return cb.onSuccess()
}

func (cb *CircuitBreaker) onFailure() *transition {
	cb.failures++
	cb.successes = 0

	switch cb.state {
	case StateClosed:
		if cb.failures >= cb.config.MaxFailures {
			return cb.setState(StateOpen)
		}
	case StateHalfOpen:
		// Any failure in HalfOpen immediately opens the circuit
		return cb.setState(StateOpen)
	}
	return nil
}

func (cb *CircuitBreaker) onSuccess() *transition {
	switch cb.state {
	case StateClosed:
		cb.failures = 0
	case StateHalfOpen:
		cb.successes++
		if cb.successes >= cb.config.SuccessThreshold {
			return cb.setState(StateClosed)
		}
	}
	return nil
}

// setState changes the state. Must be called with cb.mu held.
func (cb *CircuitBreaker) setState(newState State) *transition {
	if cb.state == newState {
		return nil
	}

	t := &transition{from: cb.state, to: newState}
	cb.state = newState
	cb.lastStateChange = cb.config.Clock.Now()

	switch newState {
	case StateClosed:
		cb.failures = 0
		cb.successes = 0
	case StateHalfOpen:
		cb.successes = 0
	}
	return t
}

// notify runs the state change callback outside the lock.
func (cb *CircuitBreaker) notify(t *transition) {
	if t == nil {
		return
	}
	cb.mu.Lock()
	fn := cb.onStateChange
	cb.mu.Unlock()
	if fn != nil {
		fn(t.from, t.to)
	}
}

// State returns the current state of the circuit breaker.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// OnStateChange registers a callback for state changes. It runs on the
// goroutine whose call caused the change.
func (cb *CircuitBreaker) OnStateChange(fn func(from, to State)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onStateChange = fn
}

// Stats returns circuit breaker statistics.
func (cb *CircuitBreaker) Stats() (state State, failures, successes int) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state, cb.failures, cb.successes
}
