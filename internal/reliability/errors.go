package reliability

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrPermanent marks an error that must never be retried. Wrap with
	// fmt.Errorf("...: %w", ErrPermanent) or use Permanent().
	ErrPermanent = errors.New("reliability: permanent error")

	// ErrUnknownState indicates a circuit breaker in an impossible state.
	ErrUnknownState = errors.New("reliability: circuit breaker in unknown state")
)

// CircuitOpenError is returned when the breaker rejects a call without
// touching the sink.
type CircuitOpenError struct {
	Sink        string
	State       State
	Failures    int
	LastFailure time.Time
	RetryAfter  time.Time
}

func (e *CircuitOpenError) Error() string {
	switch e.State {
	case StateOpen:
		return fmt.Sprintf("circuit breaker open for sink %s: %d consecutive failures, retry after %s",
			e.Sink, e.Failures, e.RetryAfter.Format(time.RFC3339))
	case StateHalfOpen:
		return fmt.Sprintf("circuit breaker half-open for sink %s: trial call limit reached", e.Sink)
	default:
		return fmt.Sprintf("circuit breaker rejected call for sink %s in state %s", e.Sink, e.State)
	}
}

// IsRetryable marks breaker rejections as retryable: the sink may recover
// by the time the event is redelivered.
func (e *CircuitOpenError) IsRetryable() bool {
	return true
}

// RetryExhaustedError signals that an event consumed its whole retry budget.
type RetryExhaustedError struct {
	Attempts int
	LastErr  error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("retry budget exhausted after %d attempts: %v", e.Attempts, e.LastErr)
}

func (e *RetryExhaustedError) Unwrap() error {
	return e.LastErr
}

// Permanent wraps err so the retry policy classifies it as non-retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &ClassifiedError{Err: err, Retryable: false}
}

// Retryable wraps err so the retry policy classifies it as retryable.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &ClassifiedError{Err: err, Retryable: true}
}

// ClassifiedError carries an explicit retryability verdict with the error.
type ClassifiedError struct {
	Err       error
	Retryable bool
}

func (e *ClassifiedError) Error() string {
	return e.Err.Error()
}

func (e *ClassifiedError) Unwrap() error {
	return e.Err
}

// IsRetryable implements the classification interface.
func (e *ClassifiedError) IsRetryable() bool {
	return e.Retryable
}
