// Package processor runs the reliable delivery pipeline: a worker pool
// consumes audit events from the inbound durable queue, verifies their
// integrity, and writes them to a sink guarded by a circuit breaker.
// Failed events are rescheduled through broker-resident delay queues or,
// once the retry budget is exhausted, handed to the dead letter manager.
package processor
