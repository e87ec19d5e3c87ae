// Package alerting carries dead letter alerts to external channels. Sinks
// plug into the dead letter manager's callback registration; a failing
// sink only loses its own notification.
package alerting

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/smedrec/smart-logs-go/deadletter"
)

// Sink delivers one alert. Implementations must be safe for concurrent use.
type Sink interface {
	Deliver(ctx context.Context, alert deadletter.Alert) error
}

// LogSink writes alerts to the structured log at error level. Always
// registered so threshold crossings are visible even with no external
// channel configured.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a sink over the given logger.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Deliver(_ context.Context, alert deadletter.Alert) error {
	s.logger.Error("dead letter alert",
		"reason", alert.Reason,
		"totalEntries", alert.TotalEntries,
		"threshold", alert.Threshold,
		"createdToday", alert.Metrics.CreatedToday,
	)
	return nil
}

// KafkaSink publishes alerts to a Kafka topic for downstream alert
// consumers (dashboards, pagers).
type KafkaSink struct {
	client  *kgo.Client
	topic   string
	timeout time.Duration
	logger  *slog.Logger
}

// KafkaSinkOption configures the sink.
type KafkaSinkOption func(*KafkaSink)

// WithKafkaTimeout bounds each produce call.
func WithKafkaTimeout(d time.Duration) KafkaSinkOption {
	return func(s *KafkaSink) {
		s.timeout = d
	}
}

// WithKafkaLogger sets the logger.
func WithKafkaLogger(logger *slog.Logger) KafkaSinkOption {
	return func(s *KafkaSink) {
		s.logger = logger
	}
}

// NewKafkaSink creates a sink producing to topic on the given brokers.
// Close releases the underlying client.
func NewKafkaSink(brokers []string, topic string, options ...KafkaSinkOption) (*KafkaSink, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("alerting: at least one Kafka broker is required")
	}
	if topic == "" {
		return nil, fmt.Errorf("alerting: Kafka topic is required")
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(topic),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
	)
	if err != nil {
		return nil, fmt.Errorf("alerting: failed to create Kafka client: %w", err)
	}

	s := &KafkaSink{
		client:  client,
		topic:   topic,
		timeout: 10 * time.Second,
		logger:  slog.Default(),
	}
	for _, opt := range options {
		opt(s)
	}
	return s, nil
}

func (s *KafkaSink) Deliver(ctx context.Context, alert deadletter.Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("alerting: marshal alert: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	record := &kgo.Record{
		Topic: s.topic,
		Key:   []byte(alert.Reason),
		Value: payload,
	}
	if err := s.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("alerting: produce alert: %w", err)
	}
	return nil
}

// Close flushes and releases the Kafka client.
func (s *KafkaSink) Close() {
	s.client.Close()
}

// Register wires sinks into the dead letter manager and returns the
// callback ID for later removal. Delivery failures are logged; the alert
// path never propagates errors back into the store.
func Register(manager *deadletter.Manager, logger *slog.Logger, sinks ...Sink) int {
	if logger == nil {
		logger = slog.Default()
	}

	return manager.OnAlert(func(alert deadletter.Alert) {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		for _, sink := range sinks {
			if err := sink.Deliver(ctx, alert); err != nil {
				logger.Error("failed to deliver dead letter alert",
					"error", err,
					"sink", fmt.Sprintf("%T", sink),
				)
			}
		}
	})
}
