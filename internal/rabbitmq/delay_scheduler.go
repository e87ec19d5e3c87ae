package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Headers carried on scheduled redeliveries.
const (
	HeaderRetryAttempt    = "x-retry-attempt"
	HeaderRetryMaxRetries = "x-retry-max"
	HeaderRetryLastError  = "x-retry-last-error"
	HeaderRetryHistory    = "x-retry-history"
	HeaderRetryAt         = "x-retry-at"
)

// DelayScheduler publishes messages into broker-resident delay queues so
// that retry waits survive process restarts. Each distinct delay gets a
// durable queue with a per-queue TTL whose dead letter exchange routes the
// expired message back to its original queue.
type DelayScheduler struct {
	pool          *ChannelPool
	topology      *TopologyManager
	retryExchange string
	delayExchange string
	logger        *slog.Logger

	mu          sync.Mutex
	delayQueues map[string]bool
}

// DelaySchedulerOption configures the scheduler.
type DelaySchedulerOption func(*DelayScheduler)

// WithRetryExchange sets the exchange expired messages are routed through.
func WithRetryExchange(name string) DelaySchedulerOption {
	return func(s *DelayScheduler) {
		s.retryExchange = name
	}
}

// WithDelayExchange sets the exchange delay queues are bound to.
func WithDelayExchange(name string) DelaySchedulerOption {
	return func(s *DelayScheduler) {
		s.delayExchange = name
	}
}

// WithSchedulerLogger sets the logger.
func WithSchedulerLogger(logger *slog.Logger) DelaySchedulerOption {
	return func(s *DelayScheduler) {
		s.logger = logger
	}
}

// NewDelayScheduler creates a scheduler over the given pool.
func NewDelayScheduler(pool *ChannelPool, options ...DelaySchedulerOption) *DelayScheduler {
	s := &DelayScheduler{
		pool:          pool,
		topology:      NewTopologyManager(pool),
		retryExchange: AuditRetryExchange,
		delayExchange: AuditRetryExchange + ".delay",
		logger:        slog.Default(),
		delayQueues:   make(map[string]bool),
	}

	for _, opt := range options {
		opt(s)
	}

	return s
}

// Initialize declares the retry and delay exchanges.
func (s *DelayScheduler) Initialize(ctx context.Context) error {
	exchanges := []ExchangeDeclaration{
		{Name: s.retryExchange, Type: "direct", Durable: true},
		{Name: s.delayExchange, Type: "direct", Durable: true},
	}

	for _, exchange := range exchanges {
		if err := s.topology.DeclareExchange(ctx, exchange); err != nil {
			return fmt.Errorf("failed to declare exchange %s: %w", exchange.Name, err)
		}
	}
	return nil
}

// BindTargetQueue routes expired delay messages back into targetQueue.
// Call once per consuming queue before scheduling into it.
func (s *DelayScheduler) BindTargetQueue(ctx context.Context, targetQueue string) error {
	binding := Binding{
		Queue:      targetQueue,
		Exchange:   s.retryExchange,
		RoutingKey: targetQueue,
	}
	if err := s.topology.BindQueue(ctx, binding); err != nil {
		return fmt.Errorf("failed to bind %s to retry exchange: %w", targetQueue, err)
	}
	return nil
}

// Schedule republishes body into a delay queue so the broker redelivers it
// to targetQueue after delay. The attempt count and last error travel as
// headers on the publishing.
func (s *DelayScheduler) Schedule(ctx context.Context, targetQueue string, body []byte, original amqp.Publishing, attempt, maxRetries int, delay time.Duration, lastErr error) error {
	queueName := s.delayQueueName(delay)
	if err := s.ensureDelayQueue(ctx, queueName, delay, targetQueue); err != nil {
		return fmt.Errorf("failed to ensure delay queue: %w", err)
	}

	headers := amqp.Table{}
	for k, v := range original.Headers {
		headers[k] = v
	}
	headers[HeaderRetryAttempt] = int32(attempt)
	headers[HeaderRetryMaxRetries] = int32(maxRetries)
	headers[HeaderRetryAt] = time.Now().Add(delay).Unix()
	if lastErr != nil {
		headers[HeaderRetryLastError] = lastErr.Error()
	}

	publishing := amqp.Publishing{
		ContentType:   "application/json",
		Body:          body,
		DeliveryMode:  amqp.Persistent,
		MessageId:     original.MessageId,
		CorrelationId: original.CorrelationId,
		Timestamp:     time.Now(),
		Headers:       headers,
	}

	err := s.pool.Execute(ctx, func(ch *amqp.Channel) error {
		return ch.PublishWithContext(ctx, s.delayExchange, queueName, false, false, publishing)
	})
	if err != nil {
		return &PublishError{
			Exchange:   s.delayExchange,
			RoutingKey: queueName,
			Err:        err,
			Timestamp:  time.Now(),
		}
	}

	s.logger.Info("scheduled delayed redelivery",
		"messageId", original.MessageId,
		"targetQueue", targetQueue,
		"attempt", attempt,
		"delay", delay,
	)
	return nil
}

// History reads the accumulated retry history header, empty when absent.
// The value is an opaque JSON blob owned by the consumer.
func History(delivery amqp.Delivery) string {
	if delivery.Headers == nil {
		return ""
	}
	if v, ok := delivery.Headers[HeaderRetryHistory].(string); ok {
		return v
	}
	return ""
}

// Attempt reads the retry attempt header from a delivery, 0 when absent.
func Attempt(delivery amqp.Delivery) int {
	if delivery.Headers == nil {
		return 0
	}
	switch v := delivery.Headers[HeaderRetryAttempt].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}

// delayQueueName rounds the delay to whole seconds so similar delays share
// a queue instead of each spawning their own.
func (s *DelayScheduler) delayQueueName(delay time.Duration) string {
	seconds := int(delay.Round(time.Second).Seconds())
	if seconds < 1 {
		seconds = 1
	}
	return fmt.Sprintf("%s.%ds", s.delayExchange, seconds)
}

func (s *DelayScheduler) ensureDelayQueue(ctx context.Context, queueName string, delay time.Duration, targetQueue string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.delayQueues[queueName] {
		return nil
	}

	ttl := int(delay.Round(time.Second).Milliseconds())
	if ttl < 1000 {
		ttl = 1000
	}

	queue := QueueDeclaration{
		Name:    queueName,
		Durable: true,
		Arguments: amqp.Table{
			"x-message-ttl":             ttl,
			"x-dead-letter-exchange":    s.retryExchange,
			"x-dead-letter-routing-key": targetQueue,
			// Idle delay queues clean themselves up after the TTL plus slack.
			"x-expires": ttl + 300000,
		},
	}

	if _, err := s.topology.DeclareQueue(ctx, queue); err != nil {
		return fmt.Errorf("failed to declare delay queue %s: %w", queueName, err)
	}

	binding := Binding{
		Queue:      queueName,
		Exchange:   s.delayExchange,
		RoutingKey: queueName,
	}
	if err := s.topology.BindQueue(ctx, binding); err != nil {
		return fmt.Errorf("failed to bind delay queue %s: %w", queueName, err)
	}

	s.delayQueues[queueName] = true
	s.logger.Debug("created delay queue",
		"queue", queueName,
		"delay", delay,
		"targetQueue", targetQueue,
	)
	return nil
}
