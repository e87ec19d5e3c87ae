package health

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"

	"github.com/smedrec/smart-logs-go/deadletter"
	"github.com/smedrec/smart-logs-go/internal/rabbitmq"
	"github.com/smedrec/smart-logs-go/internal/reliability"
)

// BrokerChecker verifies the RabbitMQ connection is up and can open a
// channel.
type BrokerChecker struct {
	manager *rabbitmq.ConnectionManager
}

func NewBrokerChecker(manager *rabbitmq.ConnectionManager) *BrokerChecker {
	return &BrokerChecker{manager: manager}
}

func (c *BrokerChecker) Name() string {
	return "rabbitmq"
}

func (c *BrokerChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	conn, err := c.manager.Connection()
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = "no broker connection"
		result.Error = err.Error()
		result.Duration = time.Since(start)
		return result
	}

	ch, err := conn.Channel()
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = "failed to open channel"
		result.Error = err.Error()
		result.Duration = time.Since(start)
		return result
	}
	ch.Close()

	result.Status = StatusHealthy
	result.Message = "broker connection is healthy"
	result.Duration = time.Since(start)
	result.Details["connected"] = c.manager.IsConnected()
	result.Details["response_time_ms"] = result.Duration.Milliseconds()
	return result
}

// PoolChecker verifies a channel can be acquired from the pool.
type PoolChecker struct {
	pool *rabbitmq.ChannelPool
}

func NewPoolChecker(pool *rabbitmq.ChannelPool) *PoolChecker {
	return &PoolChecker{pool: pool}
}

func (c *PoolChecker) Name() string {
	return "channel-pool"
}

func (c *PoolChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	err := c.pool.Execute(ctx, func(ch *amqp.Channel) error {
		return nil
	})
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = "failed to acquire channel from pool"
		result.Error = err.Error()
		result.Duration = time.Since(start)
		return result
	}

	result.Status = StatusHealthy
	result.Message = "channel pool is healthy"
	result.Duration = time.Since(start)
	result.Details["idle_channels"] = c.pool.Size()
	return result
}

// QueueChecker verifies a queue is reachable and its backlog reasonable.
type QueueChecker struct {
	queue          string
	topology       *rabbitmq.TopologyManager
	depthThreshold int
}

func NewQueueChecker(queue string, topology *rabbitmq.TopologyManager, depthThreshold int) *QueueChecker {
	return &QueueChecker{
		queue:          queue,
		topology:       topology,
		depthThreshold: depthThreshold,
	}
}

func (c *QueueChecker) Name() string {
	return fmt.Sprintf("queue_%s", c.queue)
}

func (c *QueueChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	depth, err := c.topology.QueueDepth(ctx, c.queue)
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("queue %s not accessible", c.queue)
		result.Error = err.Error()
		result.Duration = time.Since(start)
		return result
	}

	result.Details["message_count"] = depth
	result.Duration = time.Since(start)

	if depth > c.depthThreshold {
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("queue %s backlog is high", c.queue)
		return result
	}

	result.Status = StatusHealthy
	result.Message = fmt.Sprintf("queue %s is accessible", c.queue)
	return result
}

// PostgresChecker pings the sink database.
type PostgresChecker struct {
	db *sql.DB
}

func NewPostgresChecker(db *sql.DB) *PostgresChecker {
	return &PostgresChecker{db: db}
}

func (c *PostgresChecker) Name() string {
	return "postgres"
}

func (c *PostgresChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	if err := c.db.PingContext(ctx); err != nil {
		result.Status = StatusUnhealthy
		result.Message = "database unreachable"
		result.Error = err.Error()
		result.Duration = time.Since(start)
		return result
	}

	stats := c.db.Stats()
	result.Status = StatusHealthy
	result.Message = "database is reachable"
	result.Duration = time.Since(start)
	result.Details["open_connections"] = stats.OpenConnections
	result.Details["in_use"] = stats.InUse
	result.Details["response_time_ms"] = result.Duration.Milliseconds()
	return result
}

// RedisChecker pings the idempotency tracker backend.
type RedisChecker struct {
	client *redis.Client
}

func NewRedisChecker(client *redis.Client) *RedisChecker {
	return &RedisChecker{client: client}
}

func (c *RedisChecker) Name() string {
	return "redis"
}

func (c *RedisChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
	}

	if err := c.client.Ping(ctx).Err(); err != nil {
		result.Status = StatusUnhealthy
		result.Message = "redis unreachable"
		result.Error = err.Error()
		result.Duration = time.Since(start)
		return result
	}

	result.Status = StatusHealthy
	result.Message = "redis is reachable"
	result.Duration = time.Since(start)
	return result
}

// BreakerChecker reports the circuit breaker's view of the sink. An open
// breaker degrades rather than fails the report: the process itself is
// fine, the sink is not.
type BreakerChecker struct {
	breaker *reliability.CircuitBreaker
}

func NewBreakerChecker(breaker *reliability.CircuitBreaker) *BreakerChecker {
	return &BreakerChecker{breaker: breaker}
}

func (c *BreakerChecker) Name() string {
	return "circuit_breaker"
}

func (c *BreakerChecker) Check(_ context.Context) CheckResult {
	start := time.Now()
	snapshot := c.breaker.Snapshot()

	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Duration:  time.Since(start),
		Details: map[string]interface{}{
			"sink":                 snapshot.Sink,
			"state":                snapshot.State,
			"consecutive_failures": snapshot.Failures,
			"total_requests":       snapshot.TotalRequests,
			"total_failures":       snapshot.TotalFailures,
		},
	}

	switch snapshot.State {
	case reliability.StateOpen.String():
		result.Status = StatusDegraded
		result.Message = "breaker is open, sink writes fail fast"
	case reliability.StateHalfOpen.String():
		result.Status = StatusDegraded
		result.Message = "breaker is probing the sink"
	default:
		result.Status = StatusHealthy
		result.Message = "breaker is closed"
	}
	return result
}

// DeadLetterChecker degrades when dead letter growth crosses the daily
// threshold, and fails when metrics cannot be computed at all.
type DeadLetterChecker struct {
	manager      *deadletter.Manager
	dayThreshold int
}

func NewDeadLetterChecker(manager *deadletter.Manager, dayThreshold int) *DeadLetterChecker {
	return &DeadLetterChecker{manager: manager, dayThreshold: dayThreshold}
}

func (c *DeadLetterChecker) Name() string {
	return "dead_letter"
}

func (c *DeadLetterChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	metrics, err := c.manager.GetMetrics(ctx)
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = "dead letter store unreachable"
		result.Error = err.Error()
		result.Duration = time.Since(start)
		return result
	}

	result.Details["total_entries"] = metrics.TotalEntries
	result.Details["created_today"] = metrics.CreatedToday
	result.Duration = time.Since(start)

	if metrics.CreatedToday > c.dayThreshold {
		result.Status = StatusDegraded
		result.Message = "dead letter growth exceeds daily threshold"
		return result
	}

	result.Status = StatusHealthy
	result.Message = "dead letter growth is within bounds"
	return result
}
