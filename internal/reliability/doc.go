// Package reliability provides the retry and circuit-breaking building
// blocks of the audit pipeline.
//
// Two concerns live here:
//   - RetryPolicy: a pure decision function over (attempt, error) that
//     classifies errors as retryable or permanent and computes backoff
//     delays with jitter.
//   - CircuitBreaker: a per-sink three-state guard (closed/open/half-open)
//     shared by all workers, protecting a failing sink from retry storms.
//
// Both are safe for concurrent use. The breaker's transitions are
// independent of any single event's retry budget: it observes failures
// across events and fails fast while open.
package reliability
