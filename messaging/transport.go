package messaging

import (
	"context"

	"github.com/glimte/mmate-async/contracts"
)

// DeliveryHandler receives envelopes delivered by a transport. A returned
// error rejects the delivery; nil acknowledges it.
type DeliveryHandler func(ctx context.Context, envelope *contracts.Envelope) error

// Transport moves envelopes between queues
type Transport interface {
	// Publish sends an envelope to a queue
	Publish(ctx context.Context, queue string, envelope *contracts.Envelope) error

	// Subscribe starts delivering envelopes from a queue to handler
	Subscribe(ctx context.Context, queue string, handler DeliveryHandler, options SubscriptionOptions) error

	// Unsubscribe stops deliveries from a queue
	Unsubscribe(queue string) error

	// DeclareQueue creates a queue if it doesn't exist
	DeclareQueue(ctx context.Context, name string, options QueueOptions) error

	// Close closes all resources
	Close() error
}

// QueueOptions defines options for queue creation
type QueueOptions struct {
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Args       map[string]interface{}
}

// SubscriptionOptions configures a subscription
type SubscriptionOptions struct {
	PrefetchCount int
	Exclusive     bool
	// RequeueOnError puts rejected deliveries back on the queue
	RequeueOnError bool
}

// SubscriptionOption configures SubscriptionOptions
type SubscriptionOption func(*SubscriptionOptions)

// WithPrefetchCount sets how many unacknowledged deliveries the broker may push
func WithPrefetchCount(count int) SubscriptionOption {
	return func(opts *SubscriptionOptions) {
		opts.PrefetchCount = count
	}
}

// WithExclusiveConsumer makes the subscription the only consumer of its queue
func WithExclusiveConsumer(exclusive bool) SubscriptionOption {
	return func(opts *SubscriptionOptions) {
		opts.Exclusive = exclusive
	}
}

// WithRequeueOnError requeues deliveries whose handling failed
func WithRequeueOnError(requeue bool) SubscriptionOption {
	return func(opts *SubscriptionOptions) {
		opts.RequeueOnError = requeue
	}
}

func newSubscriptionOptions(options ...SubscriptionOption) SubscriptionOptions {
	opts := SubscriptionOptions{
		PrefetchCount: 10,
	}
	for _, opt := range options {
		opt(&opts)
	}
	return opts
}
