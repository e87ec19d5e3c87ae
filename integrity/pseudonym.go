package integrity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/smedrec/smart-logs-go/audit"
)

// pseudonymPrefix marks identifiers that have already been pseudonymized.
const pseudonymPrefix = "pseudo-"

// PseudonymStore keeps the original-to-pseudonym mapping so that authorized
// compliance workflows can resolve pseudonyms later.
type PseudonymStore interface {
	Put(ctx context.Context, pseudonym, original string) error
	Lookup(ctx context.Context, pseudonym string) (string, error)
}

// Pseudonymizer replaces data-subject identifiers with deterministic,
// salted pseudonyms. It is applied strictly before digesting so integrity
// verification covers the pseudonymized values.
type Pseudonymizer struct {
	salt  []byte
	store PseudonymStore
}

// NewPseudonymizer creates a pseudonymizer. The salt is required: unsalted
// pseudonyms of low-entropy identifiers are trivially reversible.
func NewPseudonymizer(salt []byte, store PseudonymStore) (*Pseudonymizer, error) {
	if len(salt) == 0 {
		return nil, ErrMissingPseudonymSalt
	}
	return &Pseudonymizer{salt: salt, store: store}, nil
}

// Pseudonymize returns the deterministic pseudonym for the given identifier
// and records the mapping. Identifiers that are already pseudonyms pass
// through unchanged.
func (p *Pseudonymizer) Pseudonymize(ctx context.Context, original string) (string, error) {
	if original == "" {
		return "", nil
	}
	if len(original) > len(pseudonymPrefix) && original[:len(pseudonymPrefix)] == pseudonymPrefix {
		return original, nil
	}

	h := sha256.New()
	h.Write(p.salt)
	h.Write([]byte(original))
	pseudonym := pseudonymPrefix + hex.EncodeToString(h.Sum(nil))

	if p.store != nil {
		if err := p.store.Put(ctx, pseudonym, original); err != nil {
			return "", fmt.Errorf("failed to record pseudonym mapping: %w", err)
		}
	}
	return pseudonym, nil
}

// PseudonymizeEvent replaces the event's principal identifier in place.
// The event must not be sealed yet; pseudonymization after digesting would
// invalidate the digest.
func (p *Pseudonymizer) PseudonymizeEvent(ctx context.Context, event *audit.Event) error {
	if event == nil {
		return audit.ErrNilEvent
	}
	if event.Hash != "" {
		return ErrPseudonymizeAfterSeal
	}

	pseudonym, err := p.Pseudonymize(ctx, event.PrincipalID)
	if err != nil {
		return err
	}
	event.PrincipalID = pseudonym
	return nil
}

// MemoryPseudonymStore is an in-memory mapping store for tests and
// single-process deployments.
type MemoryPseudonymStore struct {
	mu       sync.RWMutex
	mappings map[string]string
}

// NewMemoryPseudonymStore creates an empty in-memory store.
func NewMemoryPseudonymStore() *MemoryPseudonymStore {
	return &MemoryPseudonymStore{mappings: make(map[string]string)}
}

func (s *MemoryPseudonymStore) Put(ctx context.Context, pseudonym, original string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mappings[pseudonym] = original
	return nil
}

func (s *MemoryPseudonymStore) Lookup(ctx context.Context, pseudonym string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	original, ok := s.mappings[pseudonym]
	if !ok {
		return "", ErrPseudonymNotFound
	}
	return original, nil
}

// RedisPseudonymStore persists pseudonym mappings in Redis so resolution
// survives process restarts and is shared across workers.
type RedisPseudonymStore struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisPseudonymStore creates a Redis-backed mapping store.
func NewRedisPseudonymStore(client *redis.Client) *RedisPseudonymStore {
	return &RedisPseudonymStore{
		client:    client,
		keyPrefix: "audit:pseudonym:",
	}
}

func (s *RedisPseudonymStore) Put(ctx context.Context, pseudonym, original string) error {
	// Mappings have no TTL: pseudonyms must stay resolvable for the full
	// audit retention window.
	return s.client.Set(ctx, s.keyPrefix+pseudonym, original, 0).Err()
}

func (s *RedisPseudonymStore) Lookup(ctx context.Context, pseudonym string) (string, error) {
	original, err := s.client.Get(ctx, s.keyPrefix+pseudonym).Result()
	if err == redis.Nil {
		return "", ErrPseudonymNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to look up pseudonym: %w", err)
	}
	return original, nil
}
