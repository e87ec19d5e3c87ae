// Package ingest prepares audit events for the pipeline and hands them to
// the broker. An event submitted here is pseudonymized (when configured),
// sealed with its integrity digest, and published with broker confirmation,
// so a nil return means the event is durably queued.
package ingest
