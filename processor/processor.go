package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/errgroup"

	"github.com/smedrec/smart-logs-go/audit"
	"github.com/smedrec/smart-logs-go/deadletter"
	"github.com/smedrec/smart-logs-go/integrity"
	"github.com/smedrec/smart-logs-go/internal/rabbitmq"
	"github.com/smedrec/smart-logs-go/internal/reliability"
)

// queueSubscriber is the inbound queue surface the processor consumes from.
type queueSubscriber interface {
	Subscribe(ctx context.Context, queue string, handler rabbitmq.DeliveryHandler) error
	Unsubscribe(queue string) error
}

// retryScheduler republishes a delivery for durable delayed redelivery.
type retryScheduler interface {
	Schedule(ctx context.Context, targetQueue string, body []byte, original amqp.Publishing, attempt, maxRetries int, delay time.Duration, lastErr error) error
}

// queueInspector reports queue depth for health reporting.
type queueInspector interface {
	QueueDepth(ctx context.Context, name string) (int, error)
}

// Processor is the reliable delivery pipeline. Per event: decode, verify
// integrity, write to the sink through the circuit breaker; on failure
// consult the retry policy and either schedule a durable delayed
// redelivery or dead-letter the event. Every delivery ends acknowledged:
// acked-and-persisted, acked-and-dead-lettered, or nacked for redelivery.
type Processor struct {
	integrity   *integrity.Service
	sink        EventSink
	deadLetters *deadletter.Manager

	consumer  queueSubscriber
	scheduler retryScheduler
	inspector queueInspector
	tracker   IdempotencyTracker

	queue       string
	workers     int
	retryPolicy reliability.RetryPolicy
	breaker     *reliability.CircuitBreaker

	// Inner guard for dead-letter writes; exhaustion is logged as critical.
	deadLetterWrites reliability.RetryPolicy

	queueDepthThreshold    int
	deadLetterDayThreshold int
	logger                 *slog.Logger
	metrics                *processorMetrics

	mu        sync.Mutex
	running   bool
	startedAt time.Time
	stats     stats
	jobs      chan amqp.Delivery
	group     *errgroup.Group
	cancel    context.CancelFunc
}

type stats struct {
	processed    int64
	succeeded    int64
	retried      int64
	deadLettered int64
	latencySum   time.Duration
	latencyCount int64
}

// Option configures the processor.
type Option func(*Processor)

// WithWorkers sets the worker pool size.
func WithWorkers(n int) Option {
	return func(p *Processor) {
		p.workers = n
	}
}

// WithQueue sets the inbound queue name.
func WithQueue(name string) Option {
	return func(p *Processor) {
		p.queue = name
	}
}

// WithConsumer sets the queue consumer.
func WithConsumer(c queueSubscriber) Option {
	return func(p *Processor) {
		p.consumer = c
	}
}

// WithScheduler sets the delayed redelivery scheduler.
func WithScheduler(s retryScheduler) Option {
	return func(p *Processor) {
		p.scheduler = s
	}
}

// WithQueueInspector sets the depth source for health reporting.
func WithQueueInspector(i queueInspector) Option {
	return func(p *Processor) {
		p.inspector = i
	}
}

// WithTracker sets the idempotency tracker.
func WithTracker(t IdempotencyTracker) Option {
	return func(p *Processor) {
		p.tracker = t
	}
}

// WithRetryPolicy sets the sink retry policy.
func WithRetryPolicy(policy reliability.RetryPolicy) Option {
	return func(p *Processor) {
		p.retryPolicy = policy
	}
}

// WithBreaker sets the circuit breaker guarding the sink.
func WithBreaker(cb *reliability.CircuitBreaker) Option {
	return func(p *Processor) {
		p.breaker = cb
	}
}

// WithDeadLetterWritePolicy sets the bounded guard for dead-letter writes.
func WithDeadLetterWritePolicy(policy reliability.RetryPolicy) Option {
	return func(p *Processor) {
		p.deadLetterWrites = policy
	}
}

// WithQueueDepthThreshold sets the backlog size that degrades health.
func WithQueueDepthThreshold(n int) Option {
	return func(p *Processor) {
		p.queueDepthThreshold = n
	}
}

// WithDeadLetterDayThreshold sets the entries-created-today count that
// degrades health.
func WithDeadLetterDayThreshold(n int) Option {
	return func(p *Processor) {
		p.deadLetterDayThreshold = n
	}
}

// WithProcessorLogger sets the logger.
func WithProcessorLogger(logger *slog.Logger) Option {
	return func(p *Processor) {
		p.logger = logger
	}
}

// WithRegisterer sets the Prometheus registerer for processor metrics.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(p *Processor) {
		p.metrics = newProcessorMetrics(reg)
	}
}

// New creates a processor. The integrity service, sink and dead letter
// manager are required; everything else has defaults suitable for tests
// and is wired explicitly in production.
func New(integritySvc *integrity.Service, sink EventSink, deadLetters *deadletter.Manager, options ...Option) (*Processor, error) {
	if integritySvc == nil {
		return nil, fmt.Errorf("processor: integrity service is required")
	}
	if sink == nil {
		return nil, fmt.Errorf("processor: event sink is required")
	}
	if deadLetters == nil {
		return nil, fmt.Errorf("processor: dead letter manager is required")
	}

	p := &Processor{
		integrity:   integritySvc,
		sink:        sink,
		deadLetters: deadLetters,
		queue:       rabbitmq.AuditIngestQueue,
		workers:     5,
		retryPolicy: reliability.NewExponentialBackoff(),
		deadLetterWrites: &reliability.FixedDelay{
			Delay:       500 * time.Millisecond,
			MaxAttempts: 3,
		},
		queueDepthThreshold:    1000,
		deadLetterDayThreshold: 50,
		logger:                 slog.Default(),
	}

	for _, opt := range options {
		opt(p)
	}

	if p.workers < 1 {
		return nil, fmt.Errorf("processor: worker count must be at least 1")
	}
	if p.breaker == nil {
		p.breaker = reliability.NewCircuitBreaker(reliability.WithSinkName("audit-sink"))
	}
	if p.tracker == nil {
		p.tracker = NewMemoryTracker()
	}
	if p.metrics == nil {
		p.metrics = newProcessorMetrics(prometheus.DefaultRegisterer)
	}

	return p, nil
}

// Start subscribes to the inbound queue and launches the worker pool.
func (p *Processor) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return fmt.Errorf("processor: already running")
	}
	if p.consumer == nil || p.scheduler == nil {
		p.mu.Unlock()
		return fmt.Errorf("processor: consumer and scheduler are required to start")
	}

	workerCtx, cancel := context.WithCancel(context.Background())
	group, workerCtx := errgroup.WithContext(workerCtx)

	p.running = true
	p.startedAt = time.Now()
	p.jobs = make(chan amqp.Delivery)
	p.group = group
	p.cancel = cancel
	jobs := p.jobs
	p.mu.Unlock()

	for i := 0; i < p.workers; i++ {
		group.Go(func() error {
			for delivery := range jobs {
				p.handleDelivery(workerCtx, delivery)
			}
			return nil
		})
	}

	err := p.consumer.Subscribe(ctx, p.queue, func(ctx context.Context, delivery amqp.Delivery) error {
		select {
		case jobs <- delivery:
			return nil
		case <-ctx.Done():
			// Not dispatched; leave unacked so the broker redelivers.
			return ctx.Err()
		}
	})
	if err != nil {
		cancel()
		close(jobs)
		group.Wait()
		p.mu.Lock()
		p.running = false
		p.mu.Unlock()
		return fmt.Errorf("processor: failed to subscribe: %w", err)
	}

	p.logger.Info("processor started",
		"queue", p.queue,
		"workers", p.workers,
		"maxRetries", p.retryPolicy.MaxRetries(),
	)
	return nil
}

// Stop halts intake and lets in-flight events finish their current attempt.
func (p *Processor) Stop() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	jobs := p.jobs
	group := p.group
	cancel := p.cancel
	p.mu.Unlock()

	if err := p.consumer.Unsubscribe(p.queue); err != nil {
		p.logger.Warn("failed to unsubscribe on stop", "error", err)
	}
	close(jobs)
	err := group.Wait()
	cancel()

	p.logger.Info("processor stopped", "queue", p.queue)
	return err
}

// handleDelivery takes one delivery through the full state machine and
// always settles its acknowledgment.
func (p *Processor) handleDelivery(ctx context.Context, delivery amqp.Delivery) {
	start := time.Now()
	p.metrics.inFlight.Inc()
	defer func() {
		p.metrics.inFlight.Dec()
		p.metrics.duration.Observe(time.Since(start).Seconds())
	}()
	p.recordProcessed()

	var event audit.Event
	if err := json.Unmarshal(delivery.Body, &event); err != nil {
		// No event identity to dead-letter under; the queue's own DLX
		// keeps the payload for inspection.
		p.logger.Error("discarding undecodable delivery",
			"error", err,
			"messageId", delivery.MessageId,
		)
		p.metrics.processed.WithLabelValues(outcomeRejected).Inc()
		p.nack(delivery, false)
		return
	}

	if done, err := p.tracker.IsProcessed(ctx, event.ID); err != nil {
		p.logger.Warn("idempotency lookup failed, relying on sink idempotency",
			"error", err, "eventId", event.ID)
	} else if done {
		p.metrics.processed.WithLabelValues(outcomeDuplicate).Inc()
		p.ack(delivery)
		return
	}

	procErr := p.processEvent(ctx, &event)
	if procErr == nil {
		p.markProcessed(ctx, event.ID)
		p.recordSuccess(time.Since(start))
		p.metrics.processed.WithLabelValues(outcomeSucceeded).Inc()
		p.ack(delivery)
		return
	}

	attempt := rabbitmq.Attempt(delivery)
	history := appendHistory(rabbitmq.History(delivery), attempt+1, procErr)

	if retry, delay := p.retryPolicy.ShouldRetry(attempt, procErr); retry {
		if err := p.scheduleRetry(ctx, delivery, history, attempt+1, delay, procErr); err != nil {
			p.logger.Error("failed to schedule retry, leaving for redelivery",
				"error", err, "eventId", event.ID)
			p.nack(delivery, true)
			return
		}
		p.recordRetried()
		p.metrics.processed.WithLabelValues(outcomeRetried).Inc()
		p.logger.Warn("event scheduled for retry",
			"eventId", event.ID,
			"attempt", attempt+1,
			"delay", delay,
			"error", procErr,
		)
		p.ack(delivery)
		return
	}

	if err := p.deadLetter(ctx, &event, procErr, history); err != nil {
		// Potential data loss: the entry could not be written even with
		// the bounded guard. The broker DLX is the last durable resort.
		p.logger.Error("CRITICAL: dead letter write exhausted, event routed to broker DLQ",
			"error", err,
			"eventId", event.ID,
			"originalError", procErr,
		)
		p.nack(delivery, false)
		return
	}

	p.markProcessed(ctx, event.ID)
	p.recordDeadLettered()
	p.metrics.processed.WithLabelValues(outcomeDeadLettered).Inc()
	p.ack(delivery)
}

// processEvent runs the per-event pipeline: validate, verify integrity,
// write through the breaker. Validation and digest failures are permanent.
func (p *Processor) processEvent(ctx context.Context, event *audit.Event) error {
	if err := event.Validate(); err != nil {
		return reliability.Permanent(err)
	}

	if event.Hash != "" {
		ok, err := p.integrity.Verify(event, event.Hash)
		if err != nil {
			return reliability.Permanent(err)
		}
		if !ok {
			return reliability.Permanent(
				fmt.Errorf("event %s: %w", event.ID, integrity.ErrDigestMismatch))
		}
	}

	return p.breaker.Execute(ctx, func() error {
		return p.sink.Write(ctx, event)
	})
}

func (p *Processor) scheduleRetry(ctx context.Context, delivery amqp.Delivery, history []deadletter.RetryAttempt, attempt int, delay time.Duration, lastErr error) error {
	historyJSON, err := json.Marshal(history)
	if err != nil {
		return fmt.Errorf("marshal retry history: %w", err)
	}

	headers := amqp.Table{}
	for k, v := range delivery.Headers {
		headers[k] = v
	}
	headers[rabbitmq.HeaderRetryHistory] = string(historyJSON)

	original := amqp.Publishing{
		ContentType:   delivery.ContentType,
		MessageId:     delivery.MessageId,
		CorrelationId: delivery.CorrelationId,
		Headers:       headers,
	}

	return p.scheduler.Schedule(ctx, p.queue, delivery.Body, original,
		attempt, p.retryPolicy.MaxRetries(), delay, lastErr)
}

// deadLetter writes the entry under the small bounded guard so a brief
// store outage does not lose the event.
func (p *Processor) deadLetter(ctx context.Context, event *audit.Event, cause error, history []deadletter.RetryAttempt) error {
	return reliability.Retry(ctx, p.deadLetterWrites, func() error {
		return p.deadLetters.AddFailedEvent(ctx, event, cause.Error(), p.queue, history)
	})
}

func (p *Processor) markProcessed(ctx context.Context, eventID string) {
	if _, err := p.tracker.MarkProcessed(ctx, eventID); err != nil {
		p.logger.Warn("failed to mark event processed", "error", err, "eventId", eventID)
	}
}

func (p *Processor) ack(delivery amqp.Delivery) {
	if delivery.Acknowledger == nil {
		return
	}
	if err := delivery.Ack(false); err != nil {
		p.logger.Error("failed to ack delivery", "error", err, "messageId", delivery.MessageId)
	}
}

func (p *Processor) nack(delivery amqp.Delivery, requeue bool) {
	if delivery.Acknowledger == nil {
		return
	}
	if err := delivery.Nack(false, requeue); err != nil {
		p.logger.Error("failed to nack delivery", "error", err, "messageId", delivery.MessageId)
	}
}

// appendHistory parses the accumulated history carried on the delivery and
// appends the attempt that just failed.
func appendHistory(carried string, attempt int, cause error) []deadletter.RetryAttempt {
	var history []deadletter.RetryAttempt
	if carried != "" {
		if err := json.Unmarshal([]byte(carried), &history); err != nil {
			history = nil
		}
	}
	return append(history, deadletter.RetryAttempt{
		Attempt:   attempt,
		Timestamp: time.Now().UTC(),
		Error:     cause.Error(),
	})
}

func (p *Processor) recordProcessed() {
	p.mu.Lock()
	p.stats.processed++
	p.mu.Unlock()
}

func (p *Processor) recordSuccess(latency time.Duration) {
	p.mu.Lock()
	p.stats.succeeded++
	p.stats.latencySum += latency
	p.stats.latencyCount++
	p.mu.Unlock()
}

func (p *Processor) recordRetried() {
	p.mu.Lock()
	p.stats.retried++
	p.mu.Unlock()
}

func (p *Processor) recordDeadLettered() {
	p.mu.Lock()
	p.stats.deadLettered++
	p.mu.Unlock()
}
