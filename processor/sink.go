package processor

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "github.com/lib/pq"

	"github.com/smedrec/smart-logs-go/audit"
)

// EventSink is the durable destination for verified audit events. Writes
// must be idempotent on the event ID: redelivering an already persisted
// event is a success, not an error.
type EventSink interface {
	Write(ctx context.Context, event *audit.Event) error
}

// PostgresSink writes events to the audit_events table. Idempotency comes
// from ON CONFLICT DO NOTHING on the primary key.
//
// Expected schema:
//
//	CREATE TABLE audit_events (
//	    id                  UUID PRIMARY KEY,
//	    timestamp           TIMESTAMPTZ NOT NULL,
//	    action              TEXT NOT NULL,
//	    status              TEXT NOT NULL,
//	    principal_id        TEXT NOT NULL DEFAULT '',
//	    organization_id     TEXT NOT NULL DEFAULT '',
//	    target_type         TEXT NOT NULL DEFAULT '',
//	    target_id           TEXT NOT NULL DEFAULT '',
//	    outcome_description TEXT NOT NULL DEFAULT '',
//	    details             JSONB,
//	    hash                TEXT NOT NULL DEFAULT '',
//	    hash_algorithm      TEXT NOT NULL DEFAULT '',
//	    signature           TEXT NOT NULL DEFAULT '',
//	    signature_algorithm TEXT NOT NULL DEFAULT '',
//	    created_at          TIMESTAMPTZ NOT NULL DEFAULT NOW()
//	);
type PostgresSink struct {
	db      *sql.DB
	timeout time.Duration
}

// PostgresSinkOption configures the sink.
type PostgresSinkOption func(*PostgresSink)

// WithSinkTimeout bounds each write. A timeout is a retryable failure.
func WithSinkTimeout(d time.Duration) PostgresSinkOption {
	return func(s *PostgresSink) {
		s.timeout = d
	}
}

// NewPostgresSink creates a sink over an open database handle.
func NewPostgresSink(db *sql.DB, options ...PostgresSinkOption) *PostgresSink {
	s := &PostgresSink{
		db:      db,
		timeout: 10 * time.Second,
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

func (s *PostgresSink) Write(ctx context.Context, event *audit.Event) error {
	if err := event.Validate(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var details []byte
	if event.Details != nil {
		var err error
		details, err = json.Marshal(event.Details)
		if err != nil {
			return fmt.Errorf("marshal event details: %w", err)
		}
	}

	query := `
		INSERT INTO audit_events (
			id, timestamp, action, status, principal_id, organization_id,
			target_type, target_id, outcome_description, details,
			hash, hash_algorithm, signature, signature_algorithm
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO NOTHING
	`
	_, err := s.db.ExecContext(ctx, query,
		event.ID,
		event.Timestamp,
		event.Action,
		string(event.Status),
		event.PrincipalID,
		event.OrganizationID,
		event.TargetResourceType,
		event.TargetResourceID,
		event.OutcomeDescription,
		details,
		event.Hash,
		event.HashAlgorithm,
		event.Signature,
		event.SignatureAlgorithm,
	)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

// MemorySink collects events in memory for tests.
type MemorySink struct {
	mu     sync.Mutex
	events map[string]*audit.Event

	// FailWith, when set, is returned on the next Write calls until
	// FailCount reaches zero. A negative FailCount fails forever.
	FailWith  error
	FailCount int
}

// NewMemorySink creates an empty in-memory sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{events: make(map[string]*audit.Event)}
}

func (s *MemorySink) Write(_ context.Context, event *audit.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailWith != nil && s.FailCount != 0 {
		if s.FailCount > 0 {
			s.FailCount--
		}
		return s.FailWith
	}

	s.events[event.ID] = event.Clone()
	return nil
}

// Get returns the stored event for id, nil when absent.
func (s *MemorySink) Get(id string) *audit.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.events[id]
}

// Len returns the number of stored events.
func (s *MemorySink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}
