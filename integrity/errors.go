package integrity

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrMissingSecret indicates the HMAC path was selected without a secret.
	// It is fatal at construction; processing must not start.
	ErrMissingSecret = errors.New("integrity: signing secret is required when no delegated backend is configured")

	// ErrInvalidDigest indicates a missing or malformed digest.
	ErrInvalidDigest = errors.New("integrity: invalid digest")

	// ErrUnsupportedAlgorithm indicates an algorithm the selected signing
	// mode cannot handle.
	ErrUnsupportedAlgorithm = errors.New("integrity: unsupported signature algorithm")

	// ErrInvalidKMSConfig indicates incomplete delegated-backend
	// configuration. Fatal at construction.
	ErrInvalidKMSConfig = errors.New("integrity: invalid KMS configuration")

	// ErrDigestMismatch indicates a recomputed digest differed from the one
	// stored on the event. It is permanent: tampered events are never retried.
	ErrDigestMismatch = errors.New("integrity: digest mismatch")

	// Pseudonymization errors
	ErrMissingPseudonymSalt  = errors.New("integrity: pseudonymization salt is required")
	ErrPseudonymizeAfterSeal = errors.New("integrity: cannot pseudonymize a sealed event")
	ErrPseudonymNotFound     = errors.New("integrity: pseudonym mapping not found")
)

// BackendError represents a failure talking to the delegated signing backend.
// Transport-level failures are retryable; the processor's retry policy
// decides what to do with them.
type BackendError struct {
	Op         string
	StatusCode int
	Err        error
	Timestamp  time.Time
}

func (e *BackendError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("integrity backend error: %s returned status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("integrity backend error: %s failed: %v", e.Op, e.Err)
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether the failure is worth retrying. Client errors
// other than timeouts and rate limits are permanent.
func (e *BackendError) IsRetryable() bool {
	if e.StatusCode == 0 {
		return true // transport failure
	}
	switch {
	case e.StatusCode >= 500:
		return true
	case e.StatusCode == 408 || e.StatusCode == 429:
		return true
	}
	return false
}
