package resilience

import (
	"errors"
	"sync"
	"time"

	"github.com/ManuGH/vidharvest/internal/metrics"
)

// State represents the circuit breaker state.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

var ErrCircuitOpen = errors.New("circuit breaker is open")

// clock abstracts time operations for testability.
type clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// CircuitBreaker trips on the failure rate over a sliding window of recent
// outcomes rather than on consecutive failures, so isolated errors inside a
// healthy stream never open the circuit.
type CircuitBreaker struct {
	mu           sync.Mutex
	name         string
	state        State
	window       []bool // true = failure
	next         int
	filled       bool
	minSamples   int
	rateToOpen   float64
	resetTimeout time.Duration
	openedAt     time.Time
	clock        clock
}

// Option configures a CircuitBreaker.
type Option func(*CircuitBreaker)

// WithClock substitutes the time source, for tests.
func WithClock(c clock) Option {
	return func(cb *CircuitBreaker) { cb.clock = c }
}

// WithMinSamples sets how many outcomes the window must hold before the
// failure rate is evaluated.
func WithMinSamples(n int) Option {
	return func(cb *CircuitBreaker) {
		if n > 0 {
			cb.minSamples = n
		}
	}
}

// NewCircuitBreaker creates a breaker that opens when at least rateToOpen of
// the last windowSize outcomes were failures.
func NewCircuitBreaker(name string, windowSize int, rateToOpen float64, resetTimeout time.Duration, opts ...Option) *CircuitBreaker {
	if windowSize <= 0 {
		windowSize = 20
	}
	if rateToOpen <= 0 || rateToOpen > 1 {
		rateToOpen = 0.5
	}
	if resetTimeout <= 0 {
		resetTimeout = 30 * time.Second
	}

	cb := &CircuitBreaker{
		name:         name,
		state:        StateClosed,
		window:       make([]bool, windowSize),
		minSamples:   10,
		rateToOpen:   rateToOpen,
		resetTimeout: resetTimeout,
		clock:        realClock{},
	}
	for _, opt := range opts {
		opt(cb)
	}
	if cb.minSamples > windowSize {
		cb.minSamples = windowSize
	}

	metrics.SetCircuitBreakerState(cb.name, string(cb.state))
	return cb
}

// Execute runs fn respecting the breaker state.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if !cb.allowRequest() {
		return ErrCircuitOpen
	}

	err := fn()
	if err != nil {
		cb.recordFailure()
		return err
	}
	cb.recordSuccess()
	return nil
}

// Allow reports whether a request may proceed right now. Callers that cannot
// wrap their work in Execute pair it with Record.
func (cb *CircuitBreaker) Allow() bool {
	return cb.allowRequest()
}

// Record feeds an outcome observed outside Execute into the window.
func (cb *CircuitBreaker) Record(failed bool) {
	if failed {
		cb.recordFailure()
		return
	}
	cb.recordSuccess()
}

func (cb *CircuitBreaker) allowRequest() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed, StateHalfOpen:
		return true
	default: // StateOpen
		if cb.clock.Now().Sub(cb.openedAt) > cb.resetTimeout {
			cb.transitionTo(StateHalfOpen)
			return true
		}
		return false
	}
}

func (cb *CircuitBreaker) recordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.push(true)

	if cb.state == StateHalfOpen {
		metrics.RecordCircuitBreakerTrip(cb.name, "half_open_failure")
		cb.transitionTo(StateOpen)
		return
	}

	if cb.state == StateClosed {
		n, failures := cb.sampleCounts()
		if n >= cb.minSamples && float64(failures)/float64(n) >= cb.rateToOpen {
			metrics.RecordCircuitBreakerTrip(cb.name, "failure_rate")
			cb.transitionTo(StateOpen)
		}
	}
}

func (cb *CircuitBreaker) recordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.push(false)

	if cb.state == StateHalfOpen {
		cb.resetWindow()
		cb.transitionTo(StateClosed)
	}
}

// push appends an outcome to the ring window. Caller must hold the lock.
func (cb *CircuitBreaker) push(failed bool) {
	cb.window[cb.next] = failed
	cb.next++
	if cb.next == len(cb.window) {
		cb.next = 0
		cb.filled = true
	}
}

func (cb *CircuitBreaker) sampleCounts() (n, failures int) {
	n = cb.next
	if cb.filled {
		n = len(cb.window)
	}
	for i := 0; i < n; i++ {
		if cb.window[i] {
			failures++
		}
	}
	return n, failures
}

func (cb *CircuitBreaker) resetWindow() {
	for i := range cb.window {
		cb.window[i] = false
	}
	cb.next = 0
	cb.filled = false
}

// transitionTo handles state transitions and updates metrics.
// Caller must hold lock.
func (cb *CircuitBreaker) transitionTo(newState State) {
	if cb.state == newState {
		return
	}
	cb.state = newState
	if newState == StateOpen {
		cb.openedAt = cb.clock.Now()
	}
	metrics.SetCircuitBreakerState(cb.name, string(newState))
}

// State returns the current state.
func (cb *CircuitBreaker) State() string {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return string(cb.state)
}
