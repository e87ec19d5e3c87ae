package reliability

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"net"
	"time"
)

// RetryPolicy decides whether an attempt should be retried and how long to
// wait before the next one. Implementations are pure decision functions:
// they hold no per-event state.
type RetryPolicy interface {
	// ShouldRetry reports whether another attempt is allowed after the
	// given zero-based attempt failed with err, and the delay to wait.
	ShouldRetry(attempt int, err error) (bool, time.Duration)
	// NextDelay computes the backoff delay for the given attempt.
	NextDelay(attempt int) time.Duration
	// MaxRetries returns the retry budget (attempts beyond the first).
	MaxRetries() int
}

// retryableClass is implemented by errors that carry their own verdict.
type retryableClass interface {
	IsRetryable() bool
}

// IsRetryable classifies an error. Errors carrying an explicit verdict are
// believed; timeouts, temporary network failures, and context deadline
// expiry are transient; everything else is permanent and goes straight to
// dead-letter.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var classified retryableClass
	if errors.As(err, &classified) {
		return classified.IsRetryable()
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}

	return false
}

// ExponentialBackoff retries with exponentially growing delays, capped, with
// randomized jitter to avoid synchronized retries across processes.
type ExponentialBackoff struct {
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	MaxAttempts    int
	JitterFraction float64
}

// NewExponentialBackoff creates the default policy: base 1s, cap 30s, five
// attempts, 20% jitter.
func NewExponentialBackoff() *ExponentialBackoff {
	return &ExponentialBackoff{
		BaseDelay:      time.Second,
		MaxDelay:       30 * time.Second,
		MaxAttempts:    5,
		JitterFraction: 0.2,
	}
}

// ShouldRetry implements RetryPolicy. Permanent errors never consume retry
// budget; they are rejected on the first consultation.
func (p *ExponentialBackoff) ShouldRetry(attempt int, err error) (bool, time.Duration) {
	if !IsRetryable(err) {
		return false, 0
	}
	if attempt >= p.MaxAttempts {
		return false, 0
	}
	return true, p.NextDelay(attempt)
}

// NextDelay implements RetryPolicy.
func (p *ExponentialBackoff) NextDelay(attempt int) time.Duration {
	delay := float64(p.BaseDelay) * math.Pow(2, float64(attempt))
	if delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}

	if p.JitterFraction > 0 {
		// Spread uniformly over [delay*(1-j/2), delay*(1+j/2)].
		jitter := delay * p.JitterFraction
		delay = delay - jitter/2 + rand.Float64()*jitter
	}

	return time.Duration(delay)
}

// MaxRetries implements RetryPolicy.
func (p *ExponentialBackoff) MaxRetries() int {
	return p.MaxAttempts
}

// FixedDelay retries a bounded number of times with a constant delay. Used
// for the small inner loop guarding dead-letter writes.
type FixedDelay struct {
	Delay       time.Duration
	MaxAttempts int
}

// ShouldRetry implements RetryPolicy.
func (p *FixedDelay) ShouldRetry(attempt int, err error) (bool, time.Duration) {
	if !IsRetryable(err) {
		return false, 0
	}
	if attempt >= p.MaxAttempts {
		return false, 0
	}
	return true, p.Delay
}

// NextDelay implements RetryPolicy.
func (p *FixedDelay) NextDelay(attempt int) time.Duration {
	return p.Delay
}

// MaxRetries implements RetryPolicy.
func (p *FixedDelay) MaxRetries() int {
	return p.MaxAttempts
}

// Retry executes fn until it succeeds, the policy gives up, or the context
// is cancelled. Delays are in-process waits, so this is only for small
// bounded side operations such as dead-letter writes. Sink retries go
// through the queue's durable delay mechanism instead.
func Retry(ctx context.Context, policy RetryPolicy, fn func() error) error {
	var lastErr error

	for attempt := 0; ; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		ok, delay := policy.ShouldRetry(attempt, err)
		if !ok {
			return lastErr
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
