package deadletter

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrDuplicateEvent is returned when an entry already exists for the same
// original event identifier.
var ErrDuplicateEvent = errors.New("deadletter: entry already exists for event")

// Store is the persistence boundary for dead letter entries.
type Store interface {
	// Add durably appends an entry. Returns ErrDuplicateEvent when an
	// entry for the same original event ID already exists.
	Add(ctx context.Context, entry *Entry) error

	// Get returns the entry for an original event ID, or nil when absent.
	Get(ctx context.Context, eventID string) (*Entry, error)

	// Pending returns up to limit unarchived entries, oldest first.
	Pending(ctx context.Context, limit int) ([]*Entry, error)

	// Delete removes the entry for an original event ID.
	Delete(ctx context.Context, eventID string) error

	// Archive marks unarchived entries older than cutoff and returns how
	// many were marked.
	Archive(ctx context.Context, cutoff time.Time) (int, error)

	// DeleteOlderThan removes entries created before cutoff and returns
	// how many were removed.
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error)

	// Metrics computes the aggregate described in the entry model.
	Metrics(ctx context.Context) (Metrics, error)
}

// MemoryStore is an in-memory Store for tests and local development.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	now     func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]*Entry),
		now:     time.Now,
	}
}

func (s *MemoryStore) Add(_ context.Context, entry *Entry) error {
	if err := entry.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[entry.Event.ID]; exists {
		return ErrDuplicateEvent
	}
	s.entries[entry.Event.ID] = entry
	return nil
}

func (s *MemoryStore) Get(_ context.Context, eventID string) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entries[eventID], nil
}

func (s *MemoryStore) Pending(_ context.Context, limit int) ([]*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var pending []*Entry
	for _, e := range s.entries {
		if e.ArchivedAt == nil {
			pending = append(pending, e)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})
	if limit > 0 && len(pending) > limit {
		pending = pending[:limit]
	}
	return pending, nil
}

func (s *MemoryStore) Delete(_ context.Context, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, eventID)
	return nil
}

func (s *MemoryStore) Archive(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	archived := 0
	now := s.now().UTC()
	for _, e := range s.entries {
		if e.ArchivedAt == nil && e.CreatedAt.Before(cutoff) {
			at := now
			e.ArchivedAt = &at
			archived++
		}
	}
	return archived, nil
}

func (s *MemoryStore) DeleteOlderThan(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := 0
	for id, e := range s.entries {
		if e.CreatedAt.Before(cutoff) {
			delete(s.entries, id)
			deleted++
		}
	}
	return deleted, nil
}

func (s *MemoryStore) Metrics(_ context.Context) (Metrics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m := Metrics{TotalEntries: len(s.entries)}
	if len(s.entries) == 0 {
		return m, nil
	}

	midnight := startOfDay(s.now().UTC())
	reasons := make(map[string]int)
	var oldest, newest time.Time

	for _, e := range s.entries {
		if oldest.IsZero() || e.CreatedAt.Before(oldest) {
			oldest = e.CreatedAt
		}
		if e.CreatedAt.After(newest) {
			newest = e.CreatedAt
		}
		if !e.CreatedAt.Before(midnight) {
			m.CreatedToday++
		}
		reasons[e.FailureReason]++
	}

	m.OldestEntry = &oldest
	m.NewestEntry = &newest
	m.TopReasons = topReasons(reasons, 5)
	return m, nil
}

func startOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

func topReasons(counts map[string]int, n int) []ReasonCount {
	reasons := make([]ReasonCount, 0, len(counts))
	for reason, count := range counts {
		reasons = append(reasons, ReasonCount{Reason: reason, Count: count})
	}
	sort.Slice(reasons, func(i, j int) bool {
		if reasons[i].Count != reasons[j].Count {
			return reasons[i].Count > reasons[j].Count
		}
		return reasons[i].Reason < reasons[j].Reason
	})
	if len(reasons) > n {
		reasons = reasons[:n]
	}
	return reasons
}
