package deadletter

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T, store Store, options ...ManagerOption) *Manager {
	t.Helper()
	options = append(options, WithManagerRegisterer(prometheus.NewRegistry()))
	m, err := NewManager(store, options...)
	require.NoError(t, err)
	return m
}

func TestManagerAddFailedEvent(t *testing.T) {
	ctx := context.Background()

	t.Run("appends entry with matching failure count", func(t *testing.T) {
		store := NewMemoryStore()
		m := newTestManager(t, store)

		event := testEvent(t)
		err := m.AddFailedEvent(ctx, event, "sink unavailable", "audit.events.ingest", testHistory(4))
		require.NoError(t, err)

		entry, err := store.Get(ctx, event.ID)
		require.NoError(t, err)
		require.NotNil(t, entry)
		assert.Equal(t, 4, entry.FailureCount)
		assert.Equal(t, "audit.events.ingest", entry.SourceQueue)
	})

	t.Run("second write for same event is a no-op", func(t *testing.T) {
		store := NewMemoryStore()
		m := newTestManager(t, store)

		event := testEvent(t)
		require.NoError(t, m.AddFailedEvent(ctx, event, "timeout", "", testHistory(1)))
		require.NoError(t, m.AddFailedEvent(ctx, event, "timeout", "", testHistory(1)))

		metrics, err := m.GetMetrics(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, metrics.TotalEntries)
	})

	t.Run("resolve removes the entry", func(t *testing.T) {
		store := NewMemoryStore()
		m := newTestManager(t, store)

		event := testEvent(t)
		require.NoError(t, m.AddFailedEvent(ctx, event, "timeout", "", testHistory(1)))
		require.NoError(t, m.Resolve(ctx, event.ID))

		entry, err := m.GetEntry(ctx, event.ID)
		require.NoError(t, err)
		assert.Nil(t, entry)
	})
}

func TestManagerAlerts(t *testing.T) {
	ctx := context.Background()

	t.Run("fires when threshold is crossed", func(t *testing.T) {
		store := NewMemoryStore()
		m := newTestManager(t, store, WithAlertThreshold(2))

		var mu sync.Mutex
		var alerts []Alert
		m.OnAlert(func(a Alert) {
			mu.Lock()
			alerts = append(alerts, a)
			mu.Unlock()
		})

		require.NoError(t, m.AddFailedEvent(ctx, testEvent(t), "timeout", "", testHistory(1)))
		mu.Lock()
		assert.Empty(t, alerts)
		mu.Unlock()

		require.NoError(t, m.AddFailedEvent(ctx, testEvent(t), "timeout", "", testHistory(1)))
		mu.Lock()
		require.NotEmpty(t, alerts)
		assert.Equal(t, 2, alerts[0].TotalEntries)
		assert.Equal(t, 2, alerts[0].Threshold)
		mu.Unlock()
	})

	t.Run("removed callbacks are not invoked", func(t *testing.T) {
		store := NewMemoryStore()
		m := newTestManager(t, store, WithAlertThreshold(1))

		fired := false
		id := m.OnAlert(func(Alert) { fired = true })
		m.RemoveAlertCallback(id)

		require.NoError(t, m.AddFailedEvent(ctx, testEvent(t), "timeout", "", testHistory(1)))
		assert.False(t, fired)
	})

	t.Run("panicking callback does not break others", func(t *testing.T) {
		store := NewMemoryStore()
		m := newTestManager(t, store, WithAlertThreshold(1))

		m.OnAlert(func(Alert) { panic("observer bug") })
		survived := false
		m.OnAlert(func(Alert) { survived = true })

		require.NoError(t, m.AddFailedEvent(ctx, testEvent(t), "timeout", "", testHistory(1)))
		assert.True(t, survived)
	})
}

func TestManagerMaintenance(t *testing.T) {
	ctx := context.Background()

	t.Run("archives and deletes by age", func(t *testing.T) {
		store := NewMemoryStore()
		m := newTestManager(t, store,
			WithArchiveAfter(1*time.Hour),
			WithRetention(24*time.Hour),
		)

		expired, err := NewEntry(testEvent(t), "timeout", "", testHistory(1))
		require.NoError(t, err)
		expired.CreatedAt = time.Now().UTC().Add(-48 * time.Hour)
		require.NoError(t, store.Add(ctx, expired))

		stale, err := NewEntry(testEvent(t), "timeout", "", testHistory(1))
		require.NoError(t, err)
		stale.CreatedAt = time.Now().UTC().Add(-2 * time.Hour)
		require.NoError(t, store.Add(ctx, stale))

		fresh, err := NewEntry(testEvent(t), "timeout", "", testHistory(1))
		require.NoError(t, err)
		require.NoError(t, store.Add(ctx, fresh))

		m.ProcessPendingEvents(ctx)

		gone, err := store.Get(ctx, expired.Event.ID)
		require.NoError(t, err)
		assert.Nil(t, gone)

		archived, err := store.Get(ctx, stale.Event.ID)
		require.NoError(t, err)
		require.NotNil(t, archived)
		assert.NotNil(t, archived.ArchivedAt)

		kept, err := store.Get(ctx, fresh.Event.ID)
		require.NoError(t, err)
		require.NotNil(t, kept)
		assert.Nil(t, kept.ArchivedAt)
	})

	t.Run("rejects retention shorter than archive threshold", func(t *testing.T) {
		_, err := NewManager(NewMemoryStore(),
			WithArchiveAfter(48*time.Hour),
			WithRetention(24*time.Hour),
			WithManagerRegisterer(prometheus.NewRegistry()),
		)
		assert.Error(t, err)
	})

	t.Run("stop without start returns immediately", func(t *testing.T) {
		m := newTestManager(t, NewMemoryStore())
		done := make(chan struct{})
		go func() {
			m.Stop()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("Stop blocked without a running maintenance loop")
		}
	})

	t.Run("start and stop round trip", func(t *testing.T) {
		m := newTestManager(t, NewMemoryStore(), WithMaintenanceInterval(10*time.Millisecond))
		m.Start(context.Background())
		time.Sleep(30 * time.Millisecond)
		m.Stop()
	})
}
