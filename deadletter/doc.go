// Package deadletter provides the durable holding area for audit events
// that exhausted their retry budget or failed permanently.
//
// Entries wrap the original event together with its full retry history so
// operators can inspect why an event could not be persisted. A Manager
// layers alerting and background maintenance (archival, retention cleanup)
// over a pluggable Store; Postgres and in-memory stores are provided.
package deadletter
