package reliability

import (
	"context"
	"sync"
	"time"
)

// State is the circuit breaker state.
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

// StateChangeFunc receives breaker state transitions. Callbacks run in their
// own goroutine so slow observers cannot stall workers.
type StateChangeFunc func(sink string, from, to State, reason string)

// CircuitBreaker guards one downstream sink. All workers share a single
// instance; its read-modify-write transitions happen under one mutex so two
// workers can never double-transition.
type CircuitBreaker struct {
	mu sync.Mutex

	state          State
	failures       int
	successes      int
	halfOpenCalls  int
	lastFailure    time.Time
	lastTransition time.Time

	totalRequests  int64
	totalFailures  int64
	totalSuccesses int64

	sink             string
	failureThreshold int
	successThreshold int
	recoveryTimeout  time.Duration
	halfOpenMaxCalls int
	onStateChange    []StateChangeFunc
}

// BreakerOption configures the circuit breaker.
type BreakerOption func(*CircuitBreaker)

// WithFailureThreshold sets the consecutive-failure count that opens the
// breaker.
func WithFailureThreshold(n int) BreakerOption {
	return func(cb *CircuitBreaker) {
		cb.failureThreshold = n
	}
}

// WithSuccessThreshold sets the consecutive successes in half-open needed to
// close the breaker.
func WithSuccessThreshold(n int) BreakerOption {
	return func(cb *CircuitBreaker) {
		cb.successThreshold = n
	}
}

// WithRecoveryTimeout sets how long the breaker stays open before allowing
// trial calls.
func WithRecoveryTimeout(d time.Duration) BreakerOption {
	return func(cb *CircuitBreaker) {
		cb.recoveryTimeout = d
	}
}

// WithHalfOpenMaxCalls limits concurrent trial calls in half-open.
func WithHalfOpenMaxCalls(n int) BreakerOption {
	return func(cb *CircuitBreaker) {
		cb.halfOpenMaxCalls = n
	}
}

// WithSinkName names the protected sink for errors and health reporting.
func WithSinkName(name string) BreakerOption {
	return func(cb *CircuitBreaker) {
		cb.sink = name
	}
}

// WithStateChangeFunc registers a transition observer.
func WithStateChangeFunc(fn StateChangeFunc) BreakerOption {
	return func(cb *CircuitBreaker) {
		cb.onStateChange = append(cb.onStateChange, fn)
	}
}

// NewCircuitBreaker creates a closed breaker with defaults: 5 failures to
// open, 30s recovery, 3 successes to close, 3 half-open trial calls.
func NewCircuitBreaker(options ...BreakerOption) *CircuitBreaker {
	cb := &CircuitBreaker{
		state:            StateClosed,
		sink:             "sink",
		failureThreshold: 5,
		successThreshold: 3,
		recoveryTimeout:  30 * time.Second,
		halfOpenMaxCalls: 3,
		lastTransition:   time.Now(),
	}

	for _, opt := range options {
		opt(cb)
	}

	return cb
}

// Execute runs fn under breaker protection. While open it fails fast with a
// CircuitOpenError and no sink I/O happens.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if err := cb.acquire(); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		// Local cancellation says nothing about sink health.
		cb.abandon()
		return ctx.Err()
	default:
	}

	err := fn()
	cb.release(err)
	return err
}

// acquire checks whether a call may proceed, performing the open→half-open
// transition when the recovery timeout has elapsed.
func (cb *CircuitBreaker) acquire() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totalRequests++

	switch cb.state {
	case StateClosed:
		return nil

	case StateOpen:
		retryAfter := cb.lastFailure.Add(cb.recoveryTimeout)
		if !time.Now().After(retryAfter) {
			return &CircuitOpenError{
				Sink:        cb.sink,
				State:       StateOpen,
				Failures:    cb.failures,
				LastFailure: cb.lastFailure,
				RetryAfter:  retryAfter,
			}
		}
		cb.transition(StateHalfOpen, "recovery timeout elapsed")
		cb.halfOpenCalls = 1
		return nil

	case StateHalfOpen:
		if cb.halfOpenCalls >= cb.halfOpenMaxCalls {
			return &CircuitOpenError{
				Sink:        cb.sink,
				State:       StateHalfOpen,
				Failures:    cb.failures,
				LastFailure: cb.lastFailure,
				RetryAfter:  time.Now().Add(time.Second),
			}
		}
		cb.halfOpenCalls++
		return nil

	default:
		return ErrUnknownState
	}
}

// abandon returns an acquired half-open slot without recording an outcome.
func (cb *CircuitBreaker) abandon() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateHalfOpen && cb.halfOpenCalls > 0 {
		cb.halfOpenCalls--
	}
}

// release records the outcome of a call and applies transitions.
func (cb *CircuitBreaker) release(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err != nil {
		cb.failures++
		cb.totalFailures++
		cb.successes = 0
		cb.lastFailure = time.Now()

		switch cb.state {
		case StateClosed:
			if cb.failures >= cb.failureThreshold {
				cb.transition(StateOpen, "failure threshold reached")
			}
		case StateHalfOpen:
			// A single trial failure reopens the breaker.
			cb.halfOpenCalls = 0
			cb.transition(StateOpen, "trial call failed")
		}
		return
	}

	cb.totalSuccesses++

	switch cb.state {
	case StateClosed:
		cb.failures = 0
	case StateHalfOpen:
		cb.successes++
		if cb.successes >= cb.successThreshold {
			cb.failures = 0
			cb.halfOpenCalls = 0
			cb.transition(StateClosed, "success threshold reached")
		}
	}
}

// transition changes state and notifies observers. Caller holds the mutex.
func (cb *CircuitBreaker) transition(to State, reason string) {
	from := cb.state
	cb.state = to
	cb.lastTransition = time.Now()

	for _, fn := range cb.onStateChange {
		go fn(cb.sink, from, to, reason)
	}
}

// State returns the current state.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Reset forces the breaker closed and clears counters. Operational use only.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state != StateClosed {
		cb.transition(StateClosed, "manual reset")
	}
	cb.failures = 0
	cb.successes = 0
	cb.halfOpenCalls = 0
}

// Snapshot is a read-only view of breaker state for health reporting.
type Snapshot struct {
	Sink           string    `json:"sink"`
	State          string    `json:"state"`
	Failures       int       `json:"consecutiveFailures"`
	Successes      int       `json:"consecutiveSuccesses"`
	TotalRequests  int64     `json:"totalRequests"`
	TotalFailures  int64     `json:"totalFailures"`
	TotalSuccesses int64     `json:"totalSuccesses"`
	LastFailure    time.Time `json:"lastFailure"`
	LastTransition time.Time `json:"lastTransition"`
}

// Snapshot returns the current breaker state and counters.
func (cb *CircuitBreaker) Snapshot() Snapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return Snapshot{
		Sink:           cb.sink,
		State:          cb.state.String(),
		Failures:       cb.failures,
		Successes:      cb.successes,
		TotalRequests:  cb.totalRequests,
		TotalFailures:  cb.totalFailures,
		TotalSuccesses: cb.totalSuccesses,
		LastFailure:    cb.lastFailure,
		LastTransition: cb.lastTransition,
	}
}
