package processor

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smedrec/smart-logs-go/audit"
	"github.com/smedrec/smart-logs-go/deadletter"
	"github.com/smedrec/smart-logs-go/integrity"
	"github.com/smedrec/smart-logs-go/internal/rabbitmq"
	"github.com/smedrec/smart-logs-go/internal/reliability"
)

type fakeAcknowledger struct {
	mu      sync.Mutex
	acks    int
	nacks   int
	requeue bool
}

func (a *fakeAcknowledger) Ack(uint64, bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acks++
	return nil
}

func (a *fakeAcknowledger) Nack(_ uint64, _ bool, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nacks++
	a.requeue = requeue
	return nil
}

func (a *fakeAcknowledger) Reject(uint64, bool) error {
	return a.Nack(0, false, false)
}

type scheduled struct {
	body    []byte
	headers amqp.Table
	attempt int
	delay   time.Duration
}

type fakeScheduler struct {
	mu    sync.Mutex
	calls []scheduled
	fail  error
}

func (s *fakeScheduler) Schedule(_ context.Context, _ string, body []byte, original amqp.Publishing, attempt, _ int, delay time.Duration, _ error) error {
	if s.fail != nil {
		return s.fail
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, scheduled{
		body:    body,
		headers: original.Headers,
		attempt: attempt,
		delay:   delay,
	})
	return nil
}

func newTestProcessor(t *testing.T, sink EventSink, options ...Option) (*Processor, *deadletter.MemoryStore) {
	t.Helper()

	svc, err := integrity.NewService([]byte("test-secret"))
	require.NoError(t, err)

	store := deadletter.NewMemoryStore()
	dlm, err := deadletter.NewManager(store,
		deadletter.WithManagerRegisterer(prometheus.NewRegistry()))
	require.NoError(t, err)

	options = append(options, WithRegisterer(prometheus.NewRegistry()))
	p, err := New(svc, sink, dlm, options...)
	require.NoError(t, err)
	return p, store
}

func sealedEvent(t *testing.T) *audit.Event {
	t.Helper()
	event := audit.NewEvent("data.export", audit.StatusSuccess)
	event.PrincipalID = "user-1"
	event.OrganizationID = "org-1"

	svc, err := integrity.NewService([]byte("test-secret"))
	require.NoError(t, err)
	require.NoError(t, svc.Seal(event))
	return event
}

func deliveryFor(t *testing.T, event *audit.Event, ack amqp.Acknowledger, headers amqp.Table) amqp.Delivery {
	t.Helper()
	body, err := json.Marshal(event)
	require.NoError(t, err)
	return amqp.Delivery{
		Acknowledger: ack,
		Body:         body,
		MessageId:    event.ID,
		ContentType:  "application/json",
		Headers:      headers,
	}
}

// driveToTerminal replays the delivery through the processor the way the
// broker would: each scheduled retry is redelivered with its headers until
// the processor stops scheduling.
func driveToTerminal(t *testing.T, p *Processor, scheduler *fakeScheduler, event *audit.Event, ack *fakeAcknowledger) int {
	t.Helper()
	ctx := context.Background()

	delivery := deliveryFor(t, event, ack, nil)
	attempts := 0
	for {
		attempts++
		before := len(scheduler.calls)
		p.handleDelivery(ctx, delivery)
		if len(scheduler.calls) == before {
			return attempts
		}
		last := scheduler.calls[len(scheduler.calls)-1]
		headers := amqp.Table{}
		for k, v := range last.headers {
			headers[k] = v
		}
		headers[rabbitmq.HeaderRetryAttempt] = int32(last.attempt)
		delivery = amqp.Delivery{
			Acknowledger: ack,
			Body:         last.body,
			MessageId:    event.ID,
			ContentType:  "application/json",
			Headers:      headers,
		}
	}
}

func TestProcessorSuccessPath(t *testing.T) {
	ctx := context.Background()

	t.Run("verified event is persisted and acked", func(t *testing.T) {
		sink := NewMemorySink()
		scheduler := &fakeScheduler{}
		p, store := newTestProcessor(t, sink, WithScheduler(scheduler))

		event := sealedEvent(t)
		ack := &fakeAcknowledger{}
		p.handleDelivery(ctx, deliveryFor(t, event, ack, nil))

		assert.Equal(t, 1, ack.acks)
		assert.Zero(t, ack.nacks)
		require.NotNil(t, sink.Get(event.ID))

		metrics, err := store.Metrics(ctx)
		require.NoError(t, err)
		assert.Zero(t, metrics.TotalEntries)
	})

	t.Run("duplicate delivery after ack is dropped", func(t *testing.T) {
		sink := NewMemorySink()
		scheduler := &fakeScheduler{}
		p, _ := newTestProcessor(t, sink, WithScheduler(scheduler))

		event := sealedEvent(t)
		ack := &fakeAcknowledger{}
		p.handleDelivery(ctx, deliveryFor(t, event, ack, nil))
		p.handleDelivery(ctx, deliveryFor(t, event, ack, nil))

		assert.Equal(t, 2, ack.acks)
		assert.Equal(t, 1, sink.Len())
	})

	t.Run("sink failing twice then succeeding ends persisted", func(t *testing.T) {
		sink := NewMemorySink()
		sink.FailWith = reliability.Retryable(errors.New("connection reset"))
		sink.FailCount = 2

		scheduler := &fakeScheduler{}
		p, store := newTestProcessor(t, sink,
			WithScheduler(scheduler),
			WithRetryPolicy(&reliability.ExponentialBackoff{
				BaseDelay:   time.Millisecond,
				MaxDelay:    time.Second,
				MaxAttempts: 3,
			}),
		)

		event := sealedEvent(t)
		ack := &fakeAcknowledger{}
		attempts := driveToTerminal(t, p, scheduler, event, ack)

		assert.Equal(t, 3, attempts)
		require.NotNil(t, sink.Get(event.ID))

		metrics, err := store.Metrics(ctx)
		require.NoError(t, err)
		assert.Zero(t, metrics.TotalEntries)
	})
}

func TestProcessorRetryBudget(t *testing.T) {
	ctx := context.Background()

	t.Run("always failing retryable sink exhausts budget then dead letters", func(t *testing.T) {
		sink := NewMemorySink()
		sink.FailWith = reliability.Retryable(errors.New("connection reset"))
		sink.FailCount = -1

		scheduler := &fakeScheduler{}
		maxRetries := 3
		p, store := newTestProcessor(t, sink,
			WithScheduler(scheduler),
			WithRetryPolicy(&reliability.ExponentialBackoff{
				BaseDelay:   time.Millisecond,
				MaxDelay:    time.Second,
				MaxAttempts: maxRetries,
			}),
		)

		event := sealedEvent(t)
		ack := &fakeAcknowledger{}
		attempts := driveToTerminal(t, p, scheduler, event, ack)

		assert.Equal(t, maxRetries+1, attempts)

		entry, err := store.Get(ctx, event.ID)
		require.NoError(t, err)
		require.NotNil(t, entry)
		assert.Equal(t, maxRetries+1, entry.FailureCount)
		assert.Len(t, entry.RetryHistory, maxRetries+1)
		assert.NoError(t, entry.Validate())
	})

	t.Run("permanent error dead letters on first attempt", func(t *testing.T) {
		sink := NewMemorySink()
		sink.FailWith = reliability.Permanent(errors.New("schema violation"))
		sink.FailCount = -1

		scheduler := &fakeScheduler{}
		p, store := newTestProcessor(t, sink, WithScheduler(scheduler))

		event := sealedEvent(t)
		ack := &fakeAcknowledger{}
		attempts := driveToTerminal(t, p, scheduler, event, ack)

		assert.Equal(t, 1, attempts)
		assert.Empty(t, scheduler.calls)

		entry, err := store.Get(ctx, event.ID)
		require.NoError(t, err)
		require.NotNil(t, entry)
		assert.Equal(t, 1, entry.FailureCount)
	})

	t.Run("tampered event is permanent", func(t *testing.T) {
		sink := NewMemorySink()
		scheduler := &fakeScheduler{}
		p, store := newTestProcessor(t, sink, WithScheduler(scheduler))

		event := sealedEvent(t)
		event.Action = "tampered.action"

		ack := &fakeAcknowledger{}
		p.handleDelivery(ctx, deliveryFor(t, event, ack, nil))

		assert.Empty(t, scheduler.calls)
		assert.Zero(t, sink.Len())

		entry, err := store.Get(ctx, event.ID)
		require.NoError(t, err)
		require.NotNil(t, entry)
		assert.Equal(t, 1, entry.FailureCount)
	})

	t.Run("no double dead lettering on redelivery", func(t *testing.T) {
		sink := NewMemorySink()
		sink.FailWith = reliability.Permanent(errors.New("schema violation"))
		sink.FailCount = -1

		scheduler := &fakeScheduler{}
		p, store := newTestProcessor(t, sink, WithScheduler(scheduler))

		event := sealedEvent(t)
		ack := &fakeAcknowledger{}
		p.handleDelivery(ctx, deliveryFor(t, event, ack, nil))
		// Redelivery of the same message after the dead-letter ack.
		p.handleDelivery(ctx, deliveryFor(t, event, ack, nil))

		metrics, err := store.Metrics(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, metrics.TotalEntries)
		assert.Equal(t, 2, ack.acks)
	})
}

func TestProcessorEdgeCases(t *testing.T) {
	ctx := context.Background()

	t.Run("undecodable delivery goes to broker DLQ", func(t *testing.T) {
		sink := NewMemorySink()
		p, _ := newTestProcessor(t, sink, WithScheduler(&fakeScheduler{}))

		ack := &fakeAcknowledger{}
		p.handleDelivery(ctx, amqp.Delivery{
			Acknowledger: ack,
			Body:         []byte("not json"),
		})

		assert.Equal(t, 1, ack.nacks)
		assert.False(t, ack.requeue)
	})

	t.Run("schedule failure leaves delivery for redelivery", func(t *testing.T) {
		sink := NewMemorySink()
		sink.FailWith = reliability.Retryable(errors.New("timeout"))
		sink.FailCount = -1

		scheduler := &fakeScheduler{fail: errors.New("broker unavailable")}
		p, store := newTestProcessor(t, sink, WithScheduler(scheduler))

		event := sealedEvent(t)
		ack := &fakeAcknowledger{}
		p.handleDelivery(ctx, deliveryFor(t, event, ack, nil))

		assert.Equal(t, 1, ack.nacks)
		assert.True(t, ack.requeue)

		metrics, err := store.Metrics(ctx)
		require.NoError(t, err)
		assert.Zero(t, metrics.TotalEntries)
	})

	t.Run("invalid event is rejected without sink write", func(t *testing.T) {
		sink := NewMemorySink()
		p, store := newTestProcessor(t, sink, WithScheduler(&fakeScheduler{}))

		event := audit.NewEvent("", audit.StatusSuccess)
		ack := &fakeAcknowledger{}
		p.handleDelivery(ctx, deliveryFor(t, event, ack, nil))

		assert.Zero(t, sink.Len())
		entry, err := store.Get(ctx, event.ID)
		require.NoError(t, err)
		require.NotNil(t, entry)
	})
}

func TestProcessorValidation(t *testing.T) {
	svc, err := integrity.NewService([]byte("secret"))
	require.NoError(t, err)

	store := deadletter.NewMemoryStore()
	dlm, err := deadletter.NewManager(store,
		deadletter.WithManagerRegisterer(prometheus.NewRegistry()))
	require.NoError(t, err)

	t.Run("requires integrity service", func(t *testing.T) {
		_, err := New(nil, NewMemorySink(), dlm)
		assert.Error(t, err)
	})

	t.Run("requires sink", func(t *testing.T) {
		_, err := New(svc, nil, dlm)
		assert.Error(t, err)
	})

	t.Run("requires dead letter manager", func(t *testing.T) {
		_, err := New(svc, NewMemorySink(), nil)
		assert.Error(t, err)
	})

	t.Run("rejects zero workers", func(t *testing.T) {
		_, err := New(svc, NewMemorySink(), dlm,
			WithWorkers(0),
			WithRegisterer(prometheus.NewRegistry()))
		assert.Error(t, err)
	})

	t.Run("defaults to five workers", func(t *testing.T) {
		p, err := New(svc, NewMemorySink(), dlm,
			WithRegisterer(prometheus.NewRegistry()))
		require.NoError(t, err)
		assert.Equal(t, 5, p.workers)
	})
}
