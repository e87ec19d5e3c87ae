package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher publishes messages with broker confirmation. Every publish
// waits for the broker ack so a returned nil error means the message is
// on disk at the broker, not just in a socket buffer.
type Publisher struct {
	pool           *ChannelPool
	confirmTimeout time.Duration
	publishTimeout time.Duration
	logger         *slog.Logger
}

// PublisherOption configures the publisher.
type PublisherOption func(*Publisher)

// WithConfirmTimeout sets how long to wait for the broker ack.
func WithConfirmTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.confirmTimeout = timeout
	}
}

// WithPublishTimeout sets the default deadline for a publish call.
func WithPublishTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.publishTimeout = timeout
	}
}

// WithPublisherLogger sets the logger.
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// NewPublisher creates a confirming publisher over the given pool.
func NewPublisher(pool *ChannelPool, options ...PublisherOption) *Publisher {
	p := &Publisher{
		pool:           pool,
		confirmTimeout: 5 * time.Second,
		publishTimeout: 10 * time.Second,
		logger:         slog.Default(),
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

// Publish publishes a single message and waits for broker confirmation.
func (p *Publisher) Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.publishTimeout)
		defer cancel()
	}

	ch, err := p.pool.Get(ctx)
	if err != nil {
		return &PublishError{
			Exchange:   exchange,
			RoutingKey: routingKey,
			Err:        err,
			Timestamp:  time.Now(),
		}
	}
	defer p.pool.Put(ch)

	if err := ch.Confirm(false); err != nil {
		return &PublishError{
			Exchange:   exchange,
			RoutingKey: routingKey,
			Err:        fmt.Errorf("failed to enable confirms: %w", err),
			Timestamp:  time.Now(),
		}
	}

	confirms := ch.NotifyPublish(make(chan amqp.Confirmation, 1))
	returns := ch.NotifyReturn(make(chan amqp.Return, 1))

	if msg.DeliveryMode == 0 {
		msg.DeliveryMode = amqp.Persistent
	}

	if err := ch.PublishWithContext(ctx, exchange, routingKey, false, false, msg); err != nil {
		return &PublishError{
			Exchange:   exchange,
			RoutingKey: routingKey,
			Err:        err,
			Timestamp:  time.Now(),
		}
	}

	select {
	case confirm := <-confirms:
		if !confirm.Ack {
			return &PublishError{
				Exchange:   exchange,
				RoutingKey: routingKey,
				Err:        fmt.Errorf("broker nacked delivery tag %d", confirm.DeliveryTag),
				Timestamp:  time.Now(),
			}
		}
		return nil

	case ret := <-returns:
		return &PublishError{
			Exchange:   exchange,
			RoutingKey: routingKey,
			Err:        fmt.Errorf("message returned unroutable: %s", ret.ReplyText),
			Timestamp:  time.Now(),
		}

	case <-time.After(p.confirmTimeout):
		return &PublishError{
			Exchange:   exchange,
			RoutingKey: routingKey,
			Err:        ErrPublishTimeout,
			Timestamp:  time.Now(),
		}

	case <-ctx.Done():
		return ctx.Err()
	}
}

// PublishBatch publishes a batch on a single channel and waits for every
// confirmation before returning.
func (p *Publisher) PublishBatch(ctx context.Context, messages []PublishMessage) error {
	if len(messages) == 0 {
		return nil
	}

	ch, err := p.pool.Get(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire channel for batch: %w", err)
	}
	defer p.pool.Put(ch)

	if err := ch.Confirm(false); err != nil {
		return fmt.Errorf("failed to enable confirms: %w", err)
	}

	confirms := ch.NotifyPublish(make(chan amqp.Confirmation, len(messages)))
	returns := ch.NotifyReturn(make(chan amqp.Return, len(messages)))

	for i, msg := range messages {
		publishing := msg.Message
		if publishing.DeliveryMode == 0 {
			publishing.DeliveryMode = amqp.Persistent
		}
		if err := ch.PublishWithContext(ctx, msg.Exchange, msg.RoutingKey, msg.Mandatory, false, publishing); err != nil {
			return fmt.Errorf("failed to publish batch message %d: %w", i, err)
		}
	}

	confirmed := 0
	timeout := time.After(p.confirmTimeout)
	for confirmed < len(messages) {
		select {
		case confirm := <-confirms:
			if !confirm.Ack {
				return fmt.Errorf("batch message with delivery tag %d was nacked", confirm.DeliveryTag)
			}
			confirmed++

		case ret := <-returns:
			return fmt.Errorf("batch message returned unroutable: %s", ret.ReplyText)

		case <-timeout:
			return fmt.Errorf("%w: confirmed %d/%d", ErrPublishTimeout, confirmed, len(messages))

		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return nil
}

// PublishMessage is a single entry in a batch publish.
type PublishMessage struct {
	Exchange   string
	RoutingKey string
	Mandatory  bool
	Message    amqp.Publishing
}
