package integrity

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"

	"github.com/smedrec/smart-logs-go/audit"
)

// HashAlgorithm is the digest algorithm applied to the canonical critical
// fields. Only SHA-256 is produced; the field exists so stored events name
// the algorithm they were digested with.
const HashAlgorithm = "SHA-256"

// AlgorithmHMACSHA256 is reported by Sign when the local HMAC path is used.
const AlgorithmHMACSHA256 = "HMAC-SHA256"

// SigningBackend signs digests on behalf of the service. Implementations may
// involve network I/O; every call takes a context and returns retryable
// errors on transport failure.
type SigningBackend interface {
	Sign(ctx context.Context, digest string, algorithm string) (signature string, algorithmUsed string, err error)
	Verify(ctx context.Context, digest string, signature string, algorithm string) (bool, error)
}

// Service computes and verifies digests and signatures for audit events.
type Service struct {
	secret  []byte
	backend SigningBackend
	logger  *slog.Logger
}

// ServiceOption configures the integrity service.
type ServiceOption func(*Service)

// WithSigningBackend delegates signing and signature verification to an
// external key-management backend instead of the local HMAC secret.
func WithSigningBackend(backend SigningBackend) ServiceOption {
	return func(s *Service) {
		s.backend = backend
	}
}

// WithServiceLogger sets the logger.
func WithServiceLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) {
		s.logger = logger
	}
}

// NewService creates an integrity service. The secret is required whenever no
// delegated backend is installed; an empty secret in that mode is a
// configuration error, not a per-event one.
func NewService(secret []byte, options ...ServiceOption) (*Service, error) {
	s := &Service{
		secret: secret,
		logger: slog.Default(),
	}

	for _, opt := range options {
		opt(s)
	}

	if s.backend == nil && len(s.secret) == 0 {
		return nil, ErrMissingSecret
	}

	return s, nil
}

// Digest computes the SHA-256 digest of the event's canonical critical
// fields. Identical critical fields always produce a byte-identical digest.
func (s *Service) Digest(event *audit.Event) (string, error) {
	if err := event.Validate(); err != nil {
		return "", err
	}

	sum := sha256.Sum256([]byte(event.CanonicalString()))
	return hex.EncodeToString(sum[:]), nil
}

// Verify recomputes the digest and compares it to expected. Any mutation to
// a critical field changes the result.
func (s *Service) Verify(event *audit.Event, expected string) (bool, error) {
	actual, err := s.Digest(event)
	if err != nil {
		return false, err
	}
	return hmac.Equal([]byte(actual), []byte(expected)), nil
}

// Seal computes the event digest and stores it on the event together with
// the algorithm name.
func (s *Service) Seal(event *audit.Event) error {
	digest, err := s.Digest(event)
	if err != nil {
		return err
	}
	event.Hash = digest
	event.HashAlgorithm = HashAlgorithm
	return nil
}

// Sign signs the given digest. With a delegated backend the requested
// algorithm is forwarded and the algorithm the backend actually used is
// returned; transport failures surface as retryable errors for the caller's
// retry policy to judge. Without a backend the digest is HMAC'd with the
// local secret and AlgorithmHMACSHA256 is reported.
func (s *Service) Sign(ctx context.Context, digest string, algorithm string) (string, string, error) {
	if digest == "" {
		return "", "", fmt.Errorf("%w: empty digest", ErrInvalidDigest)
	}

	if s.backend != nil {
		signature, used, err := s.backend.Sign(ctx, digest, algorithm)
		if err != nil {
			return "", "", err
		}
		s.logger.Debug("digest signed by delegated backend", "algorithm", used)
		return signature, used, nil
	}

	return s.hmacSign(digest), AlgorithmHMACSHA256, nil
}

// SignEvent signs the event's stored digest and attaches the signature and
// algorithm to the event. The event must already be sealed.
func (s *Service) SignEvent(ctx context.Context, event *audit.Event, algorithm string) error {
	if event == nil {
		return audit.ErrNilEvent
	}
	if event.Hash == "" {
		return fmt.Errorf("%w: event has no digest", ErrInvalidDigest)
	}

	signature, used, err := s.Sign(ctx, event.Hash, algorithm)
	if err != nil {
		return err
	}
	event.Signature = signature
	event.SignatureAlgorithm = used
	return nil
}

// VerifySignature checks a signature over the event's recomputed digest,
// dispatching to local HMAC comparison or the delegated backend to mirror
// Sign.
func (s *Service) VerifySignature(ctx context.Context, event *audit.Event, signature string, algorithm string) (bool, error) {
	digest, err := s.Digest(event)
	if err != nil {
		return false, err
	}

	if s.backend != nil {
		return s.backend.Verify(ctx, digest, signature, algorithm)
	}

	if algorithm != AlgorithmHMACSHA256 {
		return false, fmt.Errorf("%w: %s", ErrUnsupportedAlgorithm, algorithm)
	}
	return hmac.Equal([]byte(s.hmacSign(digest)), []byte(signature)), nil
}

func (s *Service) hmacSign(digest string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(digest))
	return hex.EncodeToString(mac.Sum(nil))
}
