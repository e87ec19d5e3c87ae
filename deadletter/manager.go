package deadletter

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/smedrec/smart-logs-go/audit"
)

// Alert describes a crossed threshold. Delivery is at-least-once: the same
// condition may be reported again on the next evaluation if it still holds.
type Alert struct {
	Reason       string    `json:"reason"`
	TotalEntries int       `json:"totalEntries"`
	Threshold    int       `json:"threshold"`
	Metrics      Metrics   `json:"metrics"`
	Timestamp    time.Time `json:"timestamp"`
}

// AlertFunc receives alerts. Panics are recovered so a broken observer
// cannot take down the store.
type AlertFunc func(Alert)

// Manager layers alerting and background maintenance over a Store. It is
// the dead letter surface the processor talks to.
type Manager struct {
	store  Store
	logger *slog.Logger

	maintenanceInterval time.Duration
	archiveAfter        time.Duration
	retainFor           time.Duration
	alertThreshold      int

	mu        sync.Mutex
	callbacks map[int]AlertFunc
	nextID    int

	stopOnce sync.Once
	started  bool
	stop     chan struct{}
	done     chan struct{}

	metrics *managerMetrics
}

type managerMetrics struct {
	entriesAdded   prometheus.Counter
	entriesDropped prometheus.Counter
	archived       prometheus.Counter
	deleted        prometheus.Counter
	alertsFired    prometheus.Counter
	totalEntries   prometheus.Gauge
}

func newManagerMetrics(reg prometheus.Registerer) *managerMetrics {
	factory := promauto.With(reg)
	return &managerMetrics{
		entriesAdded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "audit",
			Subsystem: "deadletter",
			Name:      "entries_added_total",
			Help:      "Dead letter entries durably appended.",
		}),
		entriesDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "audit",
			Subsystem: "deadletter",
			Name:      "entries_duplicate_total",
			Help:      "Dead letter writes skipped because an entry already existed.",
		}),
		archived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "audit",
			Subsystem: "deadletter",
			Name:      "entries_archived_total",
			Help:      "Entries marked archived by the maintenance loop.",
		}),
		deleted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "audit",
			Subsystem: "deadletter",
			Name:      "entries_deleted_total",
			Help:      "Entries removed after exceeding the retention age.",
		}),
		alertsFired: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "audit",
			Subsystem: "deadletter",
			Name:      "alerts_fired_total",
			Help:      "Alert callbacks invoked on threshold crossings.",
		}),
		totalEntries: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "audit",
			Subsystem: "deadletter",
			Name:      "entries",
			Help:      "Current number of dead letter entries.",
		}),
	}
}

// ManagerOption configures the manager.
type ManagerOption func(*Manager)

// WithMaintenanceInterval sets how often the maintenance loop runs.
func WithMaintenanceInterval(d time.Duration) ManagerOption {
	return func(m *Manager) {
		m.maintenanceInterval = d
	}
}

// WithArchiveAfter sets the age at which entries are marked archived.
func WithArchiveAfter(d time.Duration) ManagerOption {
	return func(m *Manager) {
		m.archiveAfter = d
	}
}

// WithRetention sets the maximum entry age before deletion.
func WithRetention(d time.Duration) ManagerOption {
	return func(m *Manager) {
		m.retainFor = d
	}
}

// WithAlertThreshold sets the entry count that triggers alerts.
func WithAlertThreshold(n int) ManagerOption {
	return func(m *Manager) {
		m.alertThreshold = n
	}
}

// WithManagerLogger sets the logger.
func WithManagerLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithManagerRegisterer sets the Prometheus registerer for manager metrics.
func WithManagerRegisterer(reg prometheus.Registerer) ManagerOption {
	return func(m *Manager) {
		m.metrics = newManagerMetrics(reg)
	}
}

// NewManager creates a manager over store. Call Start to run the
// maintenance loop; Stop shuts it down.
func NewManager(store Store, options ...ManagerOption) (*Manager, error) {
	if store == nil {
		return nil, fmt.Errorf("deadletter: store is required")
	}

	m := &Manager{
		store:               store,
		logger:              slog.Default(),
		maintenanceInterval: 5 * time.Minute,
		archiveAfter:        7 * 24 * time.Hour,
		retainFor:           30 * 24 * time.Hour,
		alertThreshold:      100,
		callbacks:           make(map[int]AlertFunc),
		stop:                make(chan struct{}),
		done:                make(chan struct{}),
	}

	for _, opt := range options {
		opt(m)
	}

	if m.metrics == nil {
		m.metrics = newManagerMetrics(prometheus.DefaultRegisterer)
	}

	if m.retainFor < m.archiveAfter {
		return nil, fmt.Errorf("deadletter: retention %s shorter than archive threshold %s",
			m.retainFor, m.archiveAfter)
	}

	return m, nil
}

// AddFailedEvent durably appends an entry for event. A second call for the
// same original event ID is a no-op so queue redeliveries after a
// successful dead-letter ack cannot double up.
func (m *Manager) AddFailedEvent(ctx context.Context, event *audit.Event, reason, sourceQueue string, history []RetryAttempt) error {
	entry, err := NewEntry(event, reason, sourceQueue, history)
	if err != nil {
		return err
	}

	if err := m.store.Add(ctx, entry); err != nil {
		if err == ErrDuplicateEvent {
			m.metrics.entriesDropped.Inc()
			m.logger.Warn("dead letter entry already exists, skipping",
				"eventId", event.ID,
			)
			return nil
		}
		return err
	}

	m.metrics.entriesAdded.Inc()
	m.logger.Error("event dead-lettered",
		"eventId", event.ID,
		"action", event.Action,
		"reason", reason,
		"failureCount", entry.FailureCount,
	)

	m.evaluateAlerts(ctx)
	return nil
}

// GetMetrics computes the aggregate from the store.
func (m *Manager) GetMetrics(ctx context.Context) (Metrics, error) {
	metrics, err := m.store.Metrics(ctx)
	if err != nil {
		return metrics, err
	}
	m.metrics.totalEntries.Set(float64(metrics.TotalEntries))
	return metrics, nil
}

// GetEntry returns the entry for an original event ID, nil when absent.
func (m *Manager) GetEntry(ctx context.Context, eventID string) (*Entry, error) {
	return m.store.Get(ctx, eventID)
}

// Resolve removes an entry after successful reprocessing.
func (m *Manager) Resolve(ctx context.Context, eventID string) error {
	return m.store.Delete(ctx, eventID)
}

// OnAlert registers an observer and returns an ID for removal.
func (m *Manager) OnAlert(fn AlertFunc) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	m.callbacks[m.nextID] = fn
	return m.nextID
}

// RemoveAlertCallback unregisters the observer with the given ID.
func (m *Manager) RemoveAlertCallback(id int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.callbacks, id)
}

// Start runs the maintenance loop until Stop is called.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	go m.maintenanceLoop(ctx)
}

// Stop halts the maintenance loop and waits for the current pass.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stop)
	})

	m.mu.Lock()
	started := m.started
	m.mu.Unlock()
	if started {
		<-m.done
	}
}

func (m *Manager) maintenanceLoop(ctx context.Context) {
	defer close(m.done)

	ticker := time.NewTicker(m.maintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.runMaintenance(ctx)
		case <-m.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// ProcessPendingEvents runs one maintenance pass immediately. Operational
// escape hatch; the background loop calls the same code.
func (m *Manager) ProcessPendingEvents(ctx context.Context) {
	m.runMaintenance(ctx)
}

// runMaintenance archives old entries, deletes expired ones and
// re-evaluates alert thresholds. Failures are logged and retried on the
// next interval; they never propagate to the processing path.
func (m *Manager) runMaintenance(ctx context.Context) {
	now := time.Now().UTC()

	archived, err := m.store.Archive(ctx, now.Add(-m.archiveAfter))
	if err != nil {
		m.logger.Error("dead letter archival failed", "error", err)
	} else if archived > 0 {
		m.metrics.archived.Add(float64(archived))
		m.logger.Info("archived dead letter entries", "count", archived)
	}

	deleted, err := m.store.DeleteOlderThan(ctx, now.Add(-m.retainFor))
	if err != nil {
		m.logger.Error("dead letter retention cleanup failed", "error", err)
	} else if deleted > 0 {
		m.metrics.deleted.Add(float64(deleted))
		m.logger.Info("deleted expired dead letter entries", "count", deleted)
	}

	m.evaluateAlerts(ctx)
}

func (m *Manager) evaluateAlerts(ctx context.Context) {
	metrics, err := m.GetMetrics(ctx)
	if err != nil {
		m.logger.Error("failed to compute dead letter metrics", "error", err)
		return
	}

	if metrics.TotalEntries < m.alertThreshold {
		return
	}

	alert := Alert{
		Reason:       "dead letter entry count exceeds threshold",
		TotalEntries: metrics.TotalEntries,
		Threshold:    m.alertThreshold,
		Metrics:      metrics,
		Timestamp:    time.Now().UTC(),
	}

	m.mu.Lock()
	callbacks := make([]AlertFunc, 0, len(m.callbacks))
	for _, fn := range m.callbacks {
		callbacks = append(callbacks, fn)
	}
	m.mu.Unlock()

	for _, fn := range callbacks {
		m.metrics.alertsFired.Inc()
		m.notify(fn, alert)
	}
}

func (m *Manager) notify(fn AlertFunc, alert Alert) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("alert callback panicked", "panic", r)
		}
	}()
	fn(alert)
}
