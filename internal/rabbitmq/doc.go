// Package rabbitmq wraps amqp091-go for the transport layer.
//
// This package includes:
//   - ConnectionManager: owns the connection and re-dials it with exponential backoff
//   - Publisher: publishes on a dedicated confirm-mode channel
//   - Consumer: one channel per queue, ack on success and nack on error,
//     restoring subscriptions after a reconnect
//   - TopologyManager: declares exchanges, queues and bindings
package rabbitmq
