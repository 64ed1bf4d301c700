package rabbitmq

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ExchangeDeclaration defines an exchange to be declared
type ExchangeDeclaration struct {
	Name       string
	Type       string
	Durable    bool
	AutoDelete bool
	Arguments  amqp.Table
}

// QueueDeclaration defines a queue to be declared
type QueueDeclaration struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Arguments  amqp.Table
}

// Binding defines a queue-to-exchange binding
type Binding struct {
	Queue      string
	Exchange   string
	RoutingKey string
	Arguments  amqp.Table
}

// TopologyManager declares exchanges, queues and bindings
type TopologyManager struct {
	manager *ConnectionManager
}

// NewTopologyManager creates a new topology manager
func NewTopologyManager(manager *ConnectionManager) *TopologyManager {
	return &TopologyManager{manager: manager}
}

// DeclareExchange declares a single exchange
func (tm *TopologyManager) DeclareExchange(ctx context.Context, exchange ExchangeDeclaration) error {
	err := tm.manager.WithChannel(ctx, func(ch *amqp.Channel) error {
		return ch.ExchangeDeclare(exchange.Name, exchange.Type, exchange.Durable, exchange.AutoDelete, false, false, exchange.Arguments)
	})
	if err != nil {
		return &TopologyError{Component: "exchange", Name: exchange.Name, Op: "declare", Err: err}
	}
	return nil
}

// DeclareQueue declares a single queue
func (tm *TopologyManager) DeclareQueue(ctx context.Context, queue QueueDeclaration) (amqp.Queue, error) {
	var q amqp.Queue
	err := tm.manager.WithChannel(ctx, func(ch *amqp.Channel) error {
		var err error
		q, err = ch.QueueDeclare(queue.Name, queue.Durable, queue.AutoDelete, queue.Exclusive, false, queue.Arguments)
		return err
	})
	if err != nil {
		return amqp.Queue{}, &TopologyError{Component: "queue", Name: queue.Name, Op: "declare", Err: err}
	}
	return q, nil
}

// BindQueue creates a queue binding
func (tm *TopologyManager) BindQueue(ctx context.Context, binding Binding) error {
	err := tm.manager.WithChannel(ctx, func(ch *amqp.Channel) error {
		return ch.QueueBind(binding.Queue, binding.RoutingKey, binding.Exchange, false, binding.Arguments)
	})
	if err != nil {
		return &TopologyError{Component: "binding", Name: binding.Queue, Op: "declare", Err: err}
	}
	return nil
}

// DeleteQueue deletes a queue and returns the number of messages it held
func (tm *TopologyManager) DeleteQueue(ctx context.Context, name string) (int, error) {
	var purged int
	err := tm.manager.WithChannel(ctx, func(ch *amqp.Channel) error {
		var err error
		purged, err = ch.QueueDelete(name, false, false, false)
		return err
	})
	if err != nil {
		return 0, &TopologyError{Component: "queue", Name: name, Op: "delete", Err: err}
	}
	return purged, nil
}
