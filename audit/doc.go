// Package audit defines the core audit event types that flow through the
// reliability pipeline.
//
// An AuditEvent records who did what to which resource, with what outcome.
// Events carry an optional integrity block (hash and signature over the
// critical-field subset) attached by the integrity service before they are
// handed to the processor. The critical-field subset and its canonical
// serialization are defined here so that producers, verifiers, and tests all
// agree on what "tamper evident" covers.
package audit
