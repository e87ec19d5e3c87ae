package rabbitmq

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Well-known names for the audit pipeline topology.
const (
	AuditExchange      = "audit.events"
	AuditRetryExchange = "audit.retry"
	AuditDLXExchange   = "audit.dlx"

	AuditIngestQueue     = "audit.events.ingest"
	AuditDeadLetterQueue = "audit.events.dead-letter"

	AuditRoutingKey = "audit.event"
)

// TopologyManager declares exchanges, queues and bindings.
type TopologyManager struct {
	pool *ChannelPool
}

// ExchangeDeclaration defines an exchange to declare.
type ExchangeDeclaration struct {
	Name       string
	Type       string
	Durable    bool
	AutoDelete bool
	Arguments  amqp.Table
}

// QueueDeclaration defines a queue to declare.
type QueueDeclaration struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Arguments  amqp.Table
}

// Binding defines a queue-to-exchange binding.
type Binding struct {
	Queue      string
	Exchange   string
	RoutingKey string
	Arguments  amqp.Table
}

// Topology is a complete set of declarations applied together.
type Topology struct {
	Exchanges []ExchangeDeclaration
	Queues    []QueueDeclaration
	Bindings  []Binding
}

// NewTopologyManager creates a topology manager over the pool.
func NewTopologyManager(pool *ChannelPool) *TopologyManager {
	return &TopologyManager{pool: pool}
}

// DeclareTopology applies every declaration in order: exchanges, queues,
// then bindings.
func (tm *TopologyManager) DeclareTopology(ctx context.Context, topology Topology) error {
	return tm.pool.Execute(ctx, func(ch *amqp.Channel) error {
		for _, exchange := range topology.Exchanges {
			if err := declareExchange(ch, exchange); err != nil {
				return fmt.Errorf("failed to declare exchange %s: %w", exchange.Name, err)
			}
		}

		for _, queue := range topology.Queues {
			if _, err := declareQueue(ch, queue); err != nil {
				return fmt.Errorf("failed to declare queue %s: %w", queue.Name, err)
			}
		}

		for _, binding := range topology.Bindings {
			if err := bindQueue(ch, binding); err != nil {
				return fmt.Errorf("failed to bind queue %s to exchange %s: %w",
					binding.Queue, binding.Exchange, err)
			}
		}

		return nil
	})
}

// DeclareExchange declares a single exchange.
func (tm *TopologyManager) DeclareExchange(ctx context.Context, exchange ExchangeDeclaration) error {
	return tm.pool.Execute(ctx, func(ch *amqp.Channel) error {
		return declareExchange(ch, exchange)
	})
}

// DeclareQueue declares a single queue.
func (tm *TopologyManager) DeclareQueue(ctx context.Context, queue QueueDeclaration) (amqp.Queue, error) {
	var q amqp.Queue
	err := tm.pool.Execute(ctx, func(ch *amqp.Channel) error {
		var err error
		q, err = declareQueue(ch, queue)
		return err
	})
	return q, err
}

// BindQueue creates a queue binding.
func (tm *TopologyManager) BindQueue(ctx context.Context, binding Binding) error {
	return tm.pool.Execute(ctx, func(ch *amqp.Channel) error {
		return bindQueue(ch, binding)
	})
}

// DeleteQueue removes a queue.
func (tm *TopologyManager) DeleteQueue(ctx context.Context, name string, ifUnused, ifEmpty bool) error {
	return tm.pool.Execute(ctx, func(ch *amqp.Channel) error {
		_, err := ch.QueueDelete(name, ifUnused, ifEmpty, false)
		return err
	})
}

// QueueDepth returns the current message count of a queue. Used by health
// checks to detect backlog growth.
func (tm *TopologyManager) QueueDepth(ctx context.Context, name string) (int, error) {
	var depth int
	err := tm.pool.Execute(ctx, func(ch *amqp.Channel) error {
		q, err := ch.QueueInspect(name)
		if err != nil {
			return err
		}
		depth = q.Messages
		return nil
	})
	return depth, err
}

func declareExchange(ch *amqp.Channel, exchange ExchangeDeclaration) error {
	return ch.ExchangeDeclare(
		exchange.Name,
		exchange.Type,
		exchange.Durable,
		exchange.AutoDelete,
		false, // internal
		false, // no-wait
		exchange.Arguments,
	)
}

func declareQueue(ch *amqp.Channel, queue QueueDeclaration) (amqp.Queue, error) {
	return ch.QueueDeclare(
		queue.Name,
		queue.Durable,
		queue.AutoDelete,
		queue.Exclusive,
		false, // no-wait
		queue.Arguments,
	)
}

func bindQueue(ch *amqp.Channel, binding Binding) error {
	return ch.QueueBind(
		binding.Queue,
		binding.RoutingKey,
		binding.Exchange,
		false, // no-wait
		binding.Arguments,
	)
}

// AuditTopology returns the standing topology for the audit pipeline:
// an inbound topic exchange feeding the ingest queue, a retry exchange
// the delay scheduler routes through, and a dead letter exchange with a
// durable dead letter queue. Undeliverable ingest messages flow to the DLX.
func AuditTopology() Topology {
	return Topology{
		Exchanges: []ExchangeDeclaration{
			{Name: AuditExchange, Type: "topic", Durable: true},
			{Name: AuditRetryExchange, Type: "direct", Durable: true},
			{Name: AuditDLXExchange, Type: "direct", Durable: true},
		},
		Queues: []QueueDeclaration{
			{
				Name:    AuditIngestQueue,
				Durable: true,
				Arguments: amqp.Table{
					"x-dead-letter-exchange":    AuditDLXExchange,
					"x-dead-letter-routing-key": AuditDeadLetterQueue,
				},
			},
			{Name: AuditDeadLetterQueue, Durable: true},
		},
		Bindings: []Binding{
			{Queue: AuditIngestQueue, Exchange: AuditExchange, RoutingKey: "audit.#"},
			{Queue: AuditDeadLetterQueue, Exchange: AuditDLXExchange, RoutingKey: AuditDeadLetterQueue},
		},
	}
}
