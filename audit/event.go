package audit

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status describes the outcome of the audited action.
type Status string

const (
	StatusAttempt Status = "attempt"
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
)

// IsValid reports whether s is one of the known outcome statuses.
func (s Status) IsValid() bool {
	switch s {
	case StatusAttempt, StatusSuccess, StatusFailure:
		return true
	}
	return false
}

// Event is the unit of work for the pipeline. Once a hash or signature is
// attached, the critical-field subset must not change without invalidating it.
type Event struct {
	ID                 string                 `json:"id"`
	Timestamp          time.Time              `json:"timestamp"`
	Action             string                 `json:"action"`
	Status             Status                 `json:"status"`
	PrincipalID        string                 `json:"principalId"`
	OrganizationID     string                 `json:"organizationId"`
	TargetResourceType string                 `json:"targetResourceType,omitempty"`
	TargetResourceID   string                 `json:"targetResourceId,omitempty"`
	OutcomeDescription string                 `json:"outcomeDescription,omitempty"`
	Details            map[string]interface{} `json:"details,omitempty"`

	// Integrity block, attached by the integrity service.
	Hash               string `json:"hash,omitempty"`
	HashAlgorithm      string `json:"hashAlgorithm,omitempty"`
	Signature          string `json:"signature,omitempty"`
	SignatureAlgorithm string `json:"signatureAlgorithm,omitempty"`
}

// NewEvent creates an event with a generated ID and current UTC timestamp.
func NewEvent(action string, status Status) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC(),
		Action:    action,
		Status:    status,
	}
}

// Validate checks the structural invariants required before processing.
func (e *Event) Validate() error {
	if e == nil {
		return ErrNilEvent
	}
	if e.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidEvent)
	}
	if e.Timestamp.IsZero() {
		return fmt.Errorf("%w: missing timestamp", ErrInvalidEvent)
	}
	if e.Action == "" {
		return fmt.Errorf("%w: missing action", ErrInvalidEvent)
	}
	if !e.Status.IsValid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidEvent, e.Status)
	}
	return nil
}

// CriticalFields returns the attribute subset whose integrity must be
// verifiable. Field names are stable; changing them breaks every stored
// digest.
func (e *Event) CriticalFields() map[string]string {
	return map[string]string{
		"action":             e.Action,
		"organizationId":     e.OrganizationID,
		"outcomeDescription": e.OutcomeDescription,
		"principalId":        e.PrincipalID,
		"status":             string(e.Status),
		"targetResourceId":   e.TargetResourceID,
		"targetResourceType": e.TargetResourceType,
		"timestamp":          e.Timestamp.UTC().Format(time.RFC3339Nano),
	}
}

// CanonicalString serializes the critical fields as key:value pairs sorted
// lexicographically by key and joined with "|". Sorting makes the result
// insensitive to map iteration order, so identical critical fields always
// produce an identical string.
func (e *Event) CanonicalString() string {
	fields := e.CriticalFields()

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+":"+fields[k])
	}
	return strings.Join(pairs, "|")
}

// Clone returns a deep copy of the event.
func (e *Event) Clone() *Event {
	if e == nil {
		return nil
	}
	clone := *e
	if e.Details != nil {
		clone.Details = make(map[string]interface{}, len(e.Details))
		for k, v := range e.Details {
			clone.Details[k] = v
		}
	}
	return &clone
}
