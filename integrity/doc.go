// Package integrity provides tamper evidence for audit events.
//
// The Service computes a deterministic SHA-256 digest over an event's
// critical-field subset and signs it either with a locally held HMAC secret
// or through a delegated key-management backend reached over HTTP. The
// signing mode is fixed at construction time: installing a delegated backend
// via WithSigningBackend switches every Sign and VerifySignature call to it.
//
// The package also contains the pseudonymization primitive used to replace
// data-subject identifiers before events are digested, so that pseudonymized
// fields still participate in integrity verification.
package integrity
