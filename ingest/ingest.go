package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/smedrec/smart-logs-go/audit"
	"github.com/smedrec/smart-logs-go/integrity"
	"github.com/smedrec/smart-logs-go/internal/rabbitmq"
)

// eventPublisher is the slice of rabbitmq.Publisher the ingestor needs.
type eventPublisher interface {
	Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error
	PublishBatch(ctx context.Context, messages []rabbitmq.PublishMessage) error
}

// Ingestor validates, seals, and publishes audit events.
type Ingestor struct {
	integrity     *integrity.Service
	publisher     eventPublisher
	pseudonymizer *integrity.Pseudonymizer
	exchange      string
	routingKey    string
	signAlgorithm string
	logger        *slog.Logger
	metrics       *ingestMetrics
}

// Option configures the ingestor.
type Option func(*Ingestor)

// WithExchange overrides the target exchange.
func WithExchange(exchange string) Option {
	return func(i *Ingestor) {
		i.exchange = exchange
	}
}

// WithRoutingKey overrides the routing key events are published with.
func WithRoutingKey(key string) Option {
	return func(i *Ingestor) {
		i.routingKey = key
	}
}

// WithPseudonymizer pseudonymizes the principal identifier before sealing.
func WithPseudonymizer(p *integrity.Pseudonymizer) Option {
	return func(i *Ingestor) {
		i.pseudonymizer = p
	}
}

// WithSigning attaches a signature over the digest using the given
// algorithm. Without this option events are sealed but not signed.
func WithSigning(algorithm string) Option {
	return func(i *Ingestor) {
		i.signAlgorithm = algorithm
	}
}

// WithIngestLogger sets the logger.
func WithIngestLogger(logger *slog.Logger) Option {
	return func(i *Ingestor) {
		i.logger = logger
	}
}

// WithIngestRegisterer sets the prometheus registerer for ingest metrics.
func WithIngestRegisterer(reg prometheus.Registerer) Option {
	return func(i *Ingestor) {
		i.metrics = newIngestMetrics(reg)
	}
}

// New creates an ingestor publishing to the audit topology defaults.
func New(integritySvc *integrity.Service, publisher eventPublisher, options ...Option) (*Ingestor, error) {
	if integritySvc == nil {
		return nil, fmt.Errorf("integrity service is required")
	}
	if publisher == nil {
		return nil, fmt.Errorf("publisher is required")
	}

	i := &Ingestor{
		integrity:  integritySvc,
		publisher:  publisher,
		exchange:   rabbitmq.AuditExchange,
		routingKey: rabbitmq.AuditRoutingKey,
		logger:     slog.Default(),
	}

	for _, opt := range options {
		opt(i)
	}

	if i.metrics == nil {
		i.metrics = newIngestMetrics(prometheus.DefaultRegisterer)
	}

	return i, nil
}

// Submit prepares and publishes a single event. The event is mutated in
// place: missing ID and timestamp are filled in, the principal may be
// pseudonymized, and the integrity block is attached.
func (i *Ingestor) Submit(ctx context.Context, event *audit.Event) error {
	msg, err := i.prepare(ctx, event)
	if err != nil {
		i.metrics.rejected.Inc()
		return err
	}

	if err := i.publisher.Publish(ctx, i.exchange, i.routingKey, msg); err != nil {
		i.metrics.failed.Inc()
		return fmt.Errorf("failed to publish event %s: %w", event.ID, err)
	}

	i.metrics.published.Inc()
	i.logger.Debug("event ingested",
		"event_id", event.ID,
		"action", event.Action,
		"exchange", i.exchange)
	return nil
}

// SubmitBatch prepares every event and publishes them as one confirmed
// batch. Preparation failures reject the whole batch before anything is
// published; a publish failure may leave a prefix of the batch queued, and
// the processor's idempotency guard absorbs the resulting redeliveries.
func (i *Ingestor) SubmitBatch(ctx context.Context, events []*audit.Event) error {
	if len(events) == 0 {
		return nil
	}

	messages := make([]rabbitmq.PublishMessage, 0, len(events))
	for n, event := range events {
		msg, err := i.prepare(ctx, event)
		if err != nil {
			i.metrics.rejected.Inc()
			return fmt.Errorf("failed to prepare batch event %d: %w", n, err)
		}
		messages = append(messages, rabbitmq.PublishMessage{
			Exchange:   i.exchange,
			RoutingKey: i.routingKey,
			Message:    msg,
		})
	}

	if err := i.publisher.PublishBatch(ctx, messages); err != nil {
		i.metrics.failed.Add(float64(len(events)))
		return fmt.Errorf("failed to publish batch of %d events: %w", len(events), err)
	}

	i.metrics.published.Add(float64(len(events)))
	i.logger.Debug("event batch ingested", "count", len(events), "exchange", i.exchange)
	return nil
}

func (i *Ingestor) prepare(ctx context.Context, event *audit.Event) (amqp.Publishing, error) {
	if event == nil {
		return amqp.Publishing{}, audit.ErrNilEvent
	}
	if event.ID == "" || event.Timestamp.IsZero() {
		fresh := audit.NewEvent(event.Action, event.Status)
		if event.ID == "" {
			event.ID = fresh.ID
		}
		if event.Timestamp.IsZero() {
			event.Timestamp = fresh.Timestamp
		}
	}
	if err := event.Validate(); err != nil {
		return amqp.Publishing{}, err
	}

	if i.pseudonymizer != nil {
		if err := i.pseudonymizer.PseudonymizeEvent(ctx, event); err != nil {
			return amqp.Publishing{}, fmt.Errorf("failed to pseudonymize event %s: %w", event.ID, err)
		}
	}

	if err := i.integrity.Seal(event); err != nil {
		return amqp.Publishing{}, fmt.Errorf("failed to seal event %s: %w", event.ID, err)
	}

	if i.signAlgorithm != "" {
		if err := i.integrity.SignEvent(ctx, event, i.signAlgorithm); err != nil {
			return amqp.Publishing{}, fmt.Errorf("failed to sign event %s: %w", event.ID, err)
		}
	}

	body, err := json.Marshal(event)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("failed to encode event %s: %w", event.ID, err)
	}

	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    event.ID,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	}, nil
}

type ingestMetrics struct {
	published prometheus.Counter
	failed    prometheus.Counter
	rejected  prometheus.Counter
}

func newIngestMetrics(reg prometheus.Registerer) *ingestMetrics {
	factory := promauto.With(reg)
	return &ingestMetrics{
		published: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "audit",
			Subsystem: "ingest",
			Name:      "events_published_total",
			Help:      "Events published to the broker with confirmation.",
		}),
		failed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "audit",
			Subsystem: "ingest",
			Name:      "events_failed_total",
			Help:      "Events that failed to publish.",
		}),
		rejected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "audit",
			Subsystem: "ingest",
			Name:      "events_rejected_total",
			Help:      "Events rejected before publish for validation or sealing failures.",
		}),
	}
}
