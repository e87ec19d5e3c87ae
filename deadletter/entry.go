package deadletter

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/smedrec/smart-logs-go/audit"
)

// RetryAttempt records one failed processing attempt.
type RetryAttempt struct {
	Attempt   int       `json:"attempt"`
	Timestamp time.Time `json:"timestamp"`
	Error     string    `json:"error"`
}

// Entry wraps an audit event that could not be persisted, together with
// everything an operator needs to understand the failure.
type Entry struct {
	ID            string         `json:"id"`
	Event         *audit.Event   `json:"event"`
	FailureReason string         `json:"failureReason"`
	FailureCount  int            `json:"failureCount"`
	FirstFailedAt time.Time      `json:"firstFailedAt"`
	LastFailedAt  time.Time      `json:"lastFailedAt"`
	SourceQueue   string         `json:"sourceQueue,omitempty"`
	RetryHistory  []RetryAttempt `json:"retryHistory"`
	CreatedAt     time.Time      `json:"createdAt"`
	ArchivedAt    *time.Time     `json:"archivedAt,omitempty"`
}

// NewEntry builds an entry from an event and its retry history. The failure
// count is taken from the history so the two can never diverge.
func NewEntry(event *audit.Event, reason, sourceQueue string, history []RetryAttempt) (*Entry, error) {
	if event == nil {
		return nil, audit.ErrNilEvent
	}
	if reason == "" {
		return nil, fmt.Errorf("deadletter: failure reason is required")
	}
	if len(history) == 0 {
		return nil, fmt.Errorf("deadletter: retry history must record at least one attempt")
	}

	return &Entry{
		ID:            uuid.NewString(),
		Event:         event.Clone(),
		FailureReason: reason,
		FailureCount:  len(history),
		FirstFailedAt: history[0].Timestamp,
		LastFailedAt:  history[len(history)-1].Timestamp,
		SourceQueue:   sourceQueue,
		RetryHistory:  history,
		CreatedAt:     time.Now().UTC(),
	}, nil
}

// Validate checks the entry's internal consistency.
func (e *Entry) Validate() error {
	if e.Event == nil {
		return audit.ErrNilEvent
	}
	if e.FailureCount != len(e.RetryHistory) {
		return fmt.Errorf("deadletter: failure count %d does not match retry history length %d",
			e.FailureCount, len(e.RetryHistory))
	}
	return nil
}

// ReasonCount is one slot in the top failure reasons aggregate.
type ReasonCount struct {
	Reason string `json:"reason"`
	Count  int    `json:"count"`
}

// Metrics is a read-only aggregate computed on demand from the stored
// entries. It is never cached so it cannot drift from the entry collection.
type Metrics struct {
	TotalEntries int           `json:"totalEntries"`
	CreatedToday int           `json:"createdToday"`
	OldestEntry  *time.Time    `json:"oldestEntry,omitempty"`
	NewestEntry  *time.Time    `json:"newestEntry,omitempty"`
	TopReasons   []ReasonCount `json:"topReasons"`
}
