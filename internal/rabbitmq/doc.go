// Package rabbitmq provides the durable inbound queue transport for the
// audit pipeline.
//
// This package includes:
//   - ConnectionManager: a RabbitMQ connection with automatic reconnection
//   - ChannelPool: pooled AMQP channels with idle cleanup
//   - Consumer: prefetch-limited consumption with manual acknowledgment
//   - Publisher: confirmed publishing for events and retry scheduling
//   - TopologyManager: declares the audit exchanges, queues, and bindings
//   - DelayScheduler: TTL+DLX delay queues used for durable retry scheduling
//
// Retry delays deliberately live in the broker, not in process timers: a
// crashed worker loses nothing, because the delayed message reappears on the
// inbound queue when its TTL expires.
package rabbitmq
