package deadletter

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smedrec/smart-logs-go/audit"
)

func testEvent(t *testing.T) *audit.Event {
	t.Helper()
	event := audit.NewEvent("data.export", audit.StatusSuccess)
	event.PrincipalID = "user-1"
	event.OrganizationID = "org-1"
	return event
}

func testHistory(n int) []RetryAttempt {
	history := make([]RetryAttempt, 0, n)
	base := time.Now().UTC().Add(-time.Minute)
	for i := 0; i < n; i++ {
		history = append(history, RetryAttempt{
			Attempt:   i + 1,
			Timestamp: base.Add(time.Duration(i) * time.Second),
			Error:     "connection reset",
		})
	}
	return history
}

func TestNewEntry(t *testing.T) {
	t.Run("failure count matches history length", func(t *testing.T) {
		entry, err := NewEntry(testEvent(t), "sink unavailable", "audit.events.ingest", testHistory(3))
		require.NoError(t, err)

		assert.Equal(t, 3, entry.FailureCount)
		assert.Len(t, entry.RetryHistory, 3)
		assert.NoError(t, entry.Validate())
	})

	t.Run("first and last failure timestamps come from history", func(t *testing.T) {
		history := testHistory(2)
		entry, err := NewEntry(testEvent(t), "timeout", "", history)
		require.NoError(t, err)

		assert.Equal(t, history[0].Timestamp, entry.FirstFailedAt)
		assert.Equal(t, history[1].Timestamp, entry.LastFailedAt)
	})

	t.Run("clones the event", func(t *testing.T) {
		event := testEvent(t)
		entry, err := NewEntry(event, "timeout", "", testHistory(1))
		require.NoError(t, err)

		event.Action = "mutated.after"
		assert.Equal(t, "data.export", entry.Event.Action)
	})

	t.Run("rejects nil event", func(t *testing.T) {
		_, err := NewEntry(nil, "timeout", "", testHistory(1))
		assert.ErrorIs(t, err, audit.ErrNilEvent)
	})

	t.Run("rejects empty history", func(t *testing.T) {
		_, err := NewEntry(testEvent(t), "timeout", "", nil)
		assert.Error(t, err)
	})

	t.Run("rejects empty reason", func(t *testing.T) {
		_, err := NewEntry(testEvent(t), "", "", testHistory(1))
		assert.Error(t, err)
	})
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()

	t.Run("rejects duplicate event IDs", func(t *testing.T) {
		store := NewMemoryStore()
		event := testEvent(t)

		first, err := NewEntry(event, "timeout", "", testHistory(1))
		require.NoError(t, err)
		require.NoError(t, store.Add(ctx, first))

		second, err := NewEntry(event, "timeout", "", testHistory(2))
		require.NoError(t, err)
		assert.ErrorIs(t, store.Add(ctx, second), ErrDuplicateEvent)
	})

	t.Run("pending returns oldest first and skips archived", func(t *testing.T) {
		store := NewMemoryStore()

		old, err := NewEntry(testEvent(t), "timeout", "", testHistory(1))
		require.NoError(t, err)
		old.CreatedAt = time.Now().UTC().Add(-2 * time.Hour)
		require.NoError(t, store.Add(ctx, old))

		recent, err := NewEntry(testEvent(t), "timeout", "", testHistory(1))
		require.NoError(t, err)
		require.NoError(t, store.Add(ctx, recent))

		archivedEntry, err := NewEntry(testEvent(t), "timeout", "", testHistory(1))
		require.NoError(t, err)
		at := time.Now().UTC()
		archivedEntry.ArchivedAt = &at
		require.NoError(t, store.Add(ctx, archivedEntry))

		pending, err := store.Pending(ctx, 10)
		require.NoError(t, err)
		require.Len(t, pending, 2)
		assert.Equal(t, old.ID, pending[0].ID)
		assert.Equal(t, recent.ID, pending[1].ID)
	})

	t.Run("archive marks only entries older than cutoff", func(t *testing.T) {
		store := NewMemoryStore()

		old, err := NewEntry(testEvent(t), "timeout", "", testHistory(1))
		require.NoError(t, err)
		old.CreatedAt = time.Now().UTC().Add(-48 * time.Hour)
		require.NoError(t, store.Add(ctx, old))

		recent, err := NewEntry(testEvent(t), "timeout", "", testHistory(1))
		require.NoError(t, err)
		require.NoError(t, store.Add(ctx, recent))

		archived, err := store.Archive(ctx, time.Now().UTC().Add(-24*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 1, archived)

		kept, err := store.Get(ctx, recent.Event.ID)
		require.NoError(t, err)
		assert.Nil(t, kept.ArchivedAt)
	})

	t.Run("delete older than removes expired entries", func(t *testing.T) {
		store := NewMemoryStore()

		old, err := NewEntry(testEvent(t), "timeout", "", testHistory(1))
		require.NoError(t, err)
		old.CreatedAt = time.Now().UTC().Add(-40 * 24 * time.Hour)
		require.NoError(t, store.Add(ctx, old))

		deleted, err := store.DeleteOlderThan(ctx, time.Now().UTC().Add(-30*24*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 1, deleted)

		gone, err := store.Get(ctx, old.Event.ID)
		require.NoError(t, err)
		assert.Nil(t, gone)
	})

	t.Run("metrics aggregates counts and top reasons", func(t *testing.T) {
		store := NewMemoryStore()

		for i := 0; i < 3; i++ {
			entry, err := NewEntry(testEvent(t), "connection reset", "", testHistory(1))
			require.NoError(t, err)
			require.NoError(t, store.Add(ctx, entry))
		}
		entry, err := NewEntry(testEvent(t), "digest mismatch", "", testHistory(1))
		require.NoError(t, err)
		require.NoError(t, store.Add(ctx, entry))

		metrics, err := store.Metrics(ctx)
		require.NoError(t, err)

		assert.Equal(t, 4, metrics.TotalEntries)
		assert.Equal(t, 4, metrics.CreatedToday)
		require.NotEmpty(t, metrics.TopReasons)
		assert.Equal(t, "connection reset", metrics.TopReasons[0].Reason)
		assert.Equal(t, 3, metrics.TopReasons[0].Count)
		require.NotNil(t, metrics.OldestEntry)
		require.NotNil(t, metrics.NewestEntry)
	})

	t.Run("metrics on empty store", func(t *testing.T) {
		store := NewMemoryStore()
		metrics, err := store.Metrics(ctx)
		require.NoError(t, err)

		assert.Zero(t, metrics.TotalEntries)
		assert.Nil(t, metrics.OldestEntry)
		assert.Nil(t, metrics.NewestEntry)
	})
}
