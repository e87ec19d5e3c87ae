package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smedrec/smart-logs-go/audit"
	"github.com/smedrec/smart-logs-go/integrity"
	"github.com/smedrec/smart-logs-go/internal/rabbitmq"
)

type fakePublisher struct {
	published []amqp.Publishing
	exchange  string
	key       string
	batches   [][]rabbitmq.PublishMessage
	err       error
}

func (f *fakePublisher) Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	if f.err != nil {
		return f.err
	}
	f.exchange = exchange
	f.key = routingKey
	f.published = append(f.published, msg)
	return nil
}

func (f *fakePublisher) PublishBatch(ctx context.Context, messages []rabbitmq.PublishMessage) error {
	if f.err != nil {
		return f.err
	}
	f.batches = append(f.batches, messages)
	return nil
}

func newTestIngestor(t *testing.T, publisher eventPublisher, options ...Option) *Ingestor {
	t.Helper()

	svc, err := integrity.NewService([]byte("test-secret"))
	require.NoError(t, err)

	options = append(options, WithIngestRegisterer(prometheus.NewRegistry()))
	ing, err := New(svc, publisher, options...)
	require.NoError(t, err)
	return ing
}

func testEvent() *audit.Event {
	event := audit.NewEvent("data.export", audit.StatusSuccess)
	event.PrincipalID = "user-42"
	event.OrganizationID = "org-1"
	return event
}

func TestIngestorSubmit(t *testing.T) {
	t.Run("seals and publishes the event", func(t *testing.T) {
		publisher := &fakePublisher{}
		ing := newTestIngestor(t, publisher)

		event := testEvent()
		require.NoError(t, ing.Submit(context.Background(), event))

		assert.Equal(t, rabbitmq.AuditExchange, publisher.exchange)
		assert.Equal(t, rabbitmq.AuditRoutingKey, publisher.key)
		require.Len(t, publisher.published, 1)

		msg := publisher.published[0]
		assert.Equal(t, "application/json", msg.ContentType)
		assert.Equal(t, amqp.Persistent, msg.DeliveryMode)
		assert.Equal(t, event.ID, msg.MessageId)

		var decoded audit.Event
		require.NoError(t, json.Unmarshal(msg.Body, &decoded))
		assert.Equal(t, integrity.HashAlgorithm, decoded.HashAlgorithm)
		assert.NotEmpty(t, decoded.Hash)
		assert.Equal(t, event.Hash, decoded.Hash)
	})

	t.Run("fills missing id and timestamp", func(t *testing.T) {
		publisher := &fakePublisher{}
		ing := newTestIngestor(t, publisher)

		event := &audit.Event{
			Action:      "auth.login",
			Status:      audit.StatusAttempt,
			PrincipalID: "user-42",
		}
		require.NoError(t, ing.Submit(context.Background(), event))

		assert.NotEmpty(t, event.ID)
		assert.False(t, event.Timestamp.IsZero())
	})

	t.Run("rejects invalid events before publishing", func(t *testing.T) {
		publisher := &fakePublisher{}
		ing := newTestIngestor(t, publisher)

		event := testEvent()
		event.Status = "maybe"

		err := ing.Submit(context.Background(), event)
		assert.ErrorIs(t, err, audit.ErrInvalidEvent)
		assert.Empty(t, publisher.published)
	})

	t.Run("rejects nil events", func(t *testing.T) {
		ing := newTestIngestor(t, &fakePublisher{})
		assert.ErrorIs(t, ing.Submit(context.Background(), nil), audit.ErrNilEvent)
	})

	t.Run("wraps publish failures", func(t *testing.T) {
		publishErr := errors.New("broker unavailable")
		ing := newTestIngestor(t, &fakePublisher{err: publishErr})

		err := ing.Submit(context.Background(), testEvent())
		assert.ErrorIs(t, err, publishErr)
	})

	t.Run("pseudonymizes the principal before sealing", func(t *testing.T) {
		publisher := &fakePublisher{}
		store := integrity.NewMemoryPseudonymStore()
		pseudonymizer, err := integrity.NewPseudonymizer([]byte("salt"), store)
		require.NoError(t, err)

		ing := newTestIngestor(t, publisher, WithPseudonymizer(pseudonymizer))

		event := testEvent()
		require.NoError(t, ing.Submit(context.Background(), event))

		assert.NotEqual(t, "user-42", event.PrincipalID)
		assert.Contains(t, event.PrincipalID, "pseudo-")

		original, err := store.Lookup(context.Background(), event.PrincipalID)
		require.NoError(t, err)
		assert.Equal(t, "user-42", original)

		// The digest must cover the pseudonymized principal.
		svc, err := integrity.NewService([]byte("test-secret"))
		require.NoError(t, err)
		ok, err := svc.Verify(event, event.Hash)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("signs when configured", func(t *testing.T) {
		publisher := &fakePublisher{}
		ing := newTestIngestor(t, publisher, WithSigning(integrity.AlgorithmHMACSHA256))

		event := testEvent()
		require.NoError(t, ing.Submit(context.Background(), event))

		assert.NotEmpty(t, event.Signature)
		assert.Equal(t, integrity.AlgorithmHMACSHA256, event.SignatureAlgorithm)
	})
}

func TestIngestorSubmitBatch(t *testing.T) {
	t.Run("publishes all events in one batch", func(t *testing.T) {
		publisher := &fakePublisher{}
		ing := newTestIngestor(t, publisher)

		events := []*audit.Event{testEvent(), testEvent(), testEvent()}
		require.NoError(t, ing.SubmitBatch(context.Background(), events))

		require.Len(t, publisher.batches, 1)
		assert.Len(t, publisher.batches[0], 3)
		for _, event := range events {
			assert.NotEmpty(t, event.Hash)
		}
	})

	t.Run("empty batch is a no-op", func(t *testing.T) {
		publisher := &fakePublisher{}
		ing := newTestIngestor(t, publisher)

		require.NoError(t, ing.SubmitBatch(context.Background(), nil))
		assert.Empty(t, publisher.batches)
	})

	t.Run("one invalid event rejects the whole batch", func(t *testing.T) {
		publisher := &fakePublisher{}
		ing := newTestIngestor(t, publisher)

		bad := testEvent()
		bad.Action = ""

		err := ing.SubmitBatch(context.Background(), []*audit.Event{testEvent(), bad})
		assert.ErrorIs(t, err, audit.ErrInvalidEvent)
		assert.Empty(t, publisher.batches)
	})
}

func TestNewIngestor(t *testing.T) {
	svc, err := integrity.NewService([]byte("test-secret"))
	require.NoError(t, err)

	t.Run("requires an integrity service", func(t *testing.T) {
		_, err := New(nil, &fakePublisher{})
		assert.Error(t, err)
	})

	t.Run("requires a publisher", func(t *testing.T) {
		_, err := New(svc, nil)
		assert.Error(t, err)
	})
}
