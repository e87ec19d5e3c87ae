package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// DeliveryHandler processes a single delivery. The handler owns the
// acknowledgment: it must Ack, Nack, or republish-then-Ack the delivery
// before returning, so that redelivery decisions stay with the caller.
type DeliveryHandler func(ctx context.Context, delivery amqp.Delivery) error

// Consumer manages subscriptions on audit queues.
type Consumer struct {
	pool          *ChannelPool
	prefetchCount int
	consumerTag   string
	handlerBudget time.Duration
	logger        *slog.Logger

	subscriptions sync.Map
}

// ConsumerOption configures the consumer.
type ConsumerOption func(*Consumer)

// WithPrefetchCount sets the unacknowledged delivery window per channel.
func WithPrefetchCount(count int) ConsumerOption {
	return func(c *Consumer) {
		c.prefetchCount = count
	}
}

// WithConsumerTag sets the consumer tag reported to the broker.
func WithConsumerTag(tag string) ConsumerOption {
	return func(c *Consumer) {
		c.consumerTag = tag
	}
}

// WithHandlerBudget bounds how long a single delivery may be processed.
func WithHandlerBudget(d time.Duration) ConsumerOption {
	return func(c *Consumer) {
		c.handlerBudget = d
	}
}

// WithConsumerLogger sets the logger.
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// NewConsumer creates a consumer over the given channel pool.
func NewConsumer(pool *ChannelPool, options ...ConsumerOption) *Consumer {
	c := &Consumer{
		pool:          pool,
		prefetchCount: 10,
		handlerBudget: 30 * time.Second,
		logger:        slog.Default(),
	}

	for _, opt := range options {
		opt(c)
	}

	return c
}

type subscription struct {
	queue   string
	channel *amqp.Channel
	cancel  context.CancelFunc
	done    chan struct{}
}

// Subscribe starts consuming from queue. The subscription holds its channel
// for its whole lifetime; deliveries are dispatched to handler one at a time
// in a dedicated goroutine.
func (c *Consumer) Subscribe(ctx context.Context, queue string, handler DeliveryHandler) error {
	if _, exists := c.subscriptions.Load(queue); exists {
		return fmt.Errorf("already subscribed to queue %s", queue)
	}

	ch, err := c.pool.Get(ctx)
	if err != nil {
		return &ConsumeError{
			Queue:       queue,
			ConsumerTag: c.consumerTag,
			Op:          "subscribe",
			Err:         err,
			Timestamp:   time.Now(),
		}
	}

	if err := ch.Qos(c.prefetchCount, 0, false); err != nil {
		c.pool.Put(ch)
		return fmt.Errorf("failed to set QoS on %s: %w", queue, err)
	}

	deliveries, err := ch.Consume(
		queue,
		c.consumerTag,
		false, // manual ack; handler decides
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		c.pool.Put(ch)
		return &ConsumeError{
			Queue:       queue,
			ConsumerTag: c.consumerTag,
			Op:          "consume",
			Err:         err,
			Timestamp:   time.Now(),
		}
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &subscription{
		queue:   queue,
		channel: ch,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	c.subscriptions.Store(queue, sub)

	go c.drain(subCtx, sub, deliveries, handler)

	c.logger.Info("subscribed to queue",
		"queue", queue,
		"prefetchCount", c.prefetchCount,
	)
	return nil
}

func (c *Consumer) drain(ctx context.Context, sub *subscription, deliveries <-chan amqp.Delivery, handler DeliveryHandler) {
	defer func() {
		close(sub.done)
		c.pool.Put(sub.channel)
		c.subscriptions.Delete(sub.queue)
		c.logger.Info("consumer stopped", "queue", sub.queue)
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case delivery, ok := <-deliveries:
			if !ok {
				c.logger.Warn("delivery channel closed", "queue", sub.queue)
				return
			}

			msgCtx, cancel := context.WithTimeout(ctx, c.handlerBudget)
			err := handler(msgCtx, delivery)
			cancel()

			if err != nil {
				c.logger.Error("delivery handler failed",
					"error", err,
					"queue", sub.queue,
					"messageId", delivery.MessageId,
				)
			}
		}
	}
}

// Unsubscribe stops consuming from queue and waits for in-flight work.
func (c *Consumer) Unsubscribe(queue string) error {
	value, ok := c.subscriptions.Load(queue)
	if !ok {
		return fmt.Errorf("no active subscription for queue %s", queue)
	}

	sub := value.(*subscription)
	sub.cancel()
	<-sub.done
	return nil
}

// UnsubscribeAll stops every active subscription.
func (c *Consumer) UnsubscribeAll() error {
	var wg sync.WaitGroup
	c.subscriptions.Range(func(key, _ interface{}) bool {
		wg.Add(1)
		go func(queue string) {
			defer wg.Done()
			if err := c.Unsubscribe(queue); err != nil {
				c.logger.Error("failed to unsubscribe", "queue", queue, "error", err)
			}
		}(key.(string))
		return true
	})
	wg.Wait()
	return nil
}

// ActiveQueues returns the queues currently being consumed.
func (c *Consumer) ActiveQueues() []string {
	var queues []string
	c.subscriptions.Range(func(key, _ interface{}) bool {
		queues = append(queues, key.(string))
		return true
	})
	return queues
}
