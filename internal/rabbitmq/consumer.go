package rabbitmq

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// MessageHandler processes incoming deliveries. A nil error acknowledges
// the delivery; an error rejects it.
type MessageHandler func(ctx context.Context, delivery amqp.Delivery) error

// ConsumeOptions configures a single queue subscription
type ConsumeOptions struct {
	PrefetchCount  int
	Exclusive      bool
	RequeueOnError bool
}

// Consumer manages message consumption from RabbitMQ. Each queue gets its
// own channel; a subscription whose channel dies is re-established once the
// connection is back.
type Consumer struct {
	manager      *ConnectionManager
	resubscribe  time.Duration
	logger       *slog.Logger
	mu           sync.Mutex
	subscription map[string]*subscription
}

type subscription struct {
	queue   string
	options ConsumeOptions
	handler MessageHandler
	cancel  context.CancelFunc
	done    chan struct{}
}

// ConsumerOption configures the consumer
type ConsumerOption func(*Consumer)

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// WithResubscribeDelay sets how long to wait between attempts to restore a lost subscription
func WithResubscribeDelay(delay time.Duration) ConsumerOption {
	return func(c *Consumer) {
		c.resubscribe = delay
	}
}

// NewConsumer creates a new consumer
func NewConsumer(manager *ConnectionManager, options ...ConsumerOption) *Consumer {
	c := &Consumer{
		manager:      manager,
		resubscribe:  time.Second,
		logger:       slog.Default(),
		subscription: make(map[string]*subscription),
	}

	for _, opt := range options {
		opt(c)
	}

	return c
}

// Subscribe starts consuming from queue. The first attempt happens before
// Subscribe returns, so a missing queue is reported to the caller.
func (c *Consumer) Subscribe(ctx context.Context, queue string, handler MessageHandler, options ConsumeOptions) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.subscription[queue]; exists {
		return &ConsumerError{Queue: queue, Op: "subscribe", Err: ErrAlreadyConsuming, Timestamp: time.Now()}
	}

	ch, deliveries, err := c.open(queue, options)
	if err != nil {
		return &ConsumerError{Queue: queue, Op: "subscribe", Err: err, Timestamp: time.Now()}
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &subscription{
		queue:   queue,
		options: options,
		handler: handler,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	c.subscription[queue] = sub

	go c.run(subCtx, sub, ch, deliveries)

	c.logger.Info("subscribed to queue",
		"queue", queue,
		"prefetchCount", options.PrefetchCount,
	)
	return nil
}

// Unsubscribe stops consuming from a queue and waits for the in-flight delivery
func (c *Consumer) Unsubscribe(queue string) error {
	c.mu.Lock()
	sub, exists := c.subscription[queue]
	if exists {
		delete(c.subscription, queue)
	}
	c.mu.Unlock()

	if !exists {
		return &ConsumerError{Queue: queue, Op: "unsubscribe", Err: ErrNotConsuming, Timestamp: time.Now()}
	}

	sub.cancel()
	<-sub.done
	return nil
}

// UnsubscribeAll stops all active consumers
func (c *Consumer) UnsubscribeAll() error {
	for _, queue := range c.ActiveQueues() {
		if err := c.Unsubscribe(queue); err != nil {
			c.logger.Error("failed to unsubscribe", "queue", queue, "error", err)
		}
	}
	return nil
}

// ActiveQueues returns the consumed queues, sorted
func (c *Consumer) ActiveQueues() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	queues := make([]string, 0, len(c.subscription))
	for queue := range c.subscription {
		queues = append(queues, queue)
	}
	sort.Strings(queues)
	return queues
}

func (c *Consumer) open(queue string, options ConsumeOptions) (*amqp.Channel, <-chan amqp.Delivery, error) {
	ch, err := c.manager.Channel()
	if err != nil {
		return nil, nil, err
	}

	if options.PrefetchCount > 0 {
		if err := ch.Qos(options.PrefetchCount, 0, false); err != nil {
			ch.Close()
			return nil, nil, err
		}
	}

	deliveries, err := ch.Consume(queue, "", false, options.Exclusive, false, false, nil)
	if err != nil {
		ch.Close()
		return nil, nil, err
	}
	return ch, deliveries, nil
}

func (c *Consumer) run(ctx context.Context, sub *subscription, ch *amqp.Channel, deliveries <-chan amqp.Delivery) {
	defer func() {
		close(sub.done)
		c.logger.Info("consumer stopped", "queue", sub.queue)
	}()

	for {
		c.drain(ctx, sub, deliveries)
		ch.Close()

		if ctx.Err() != nil {
			return
		}
		c.logger.Warn("delivery channel closed, resubscribing", "queue", sub.queue)

		var err error
		for {
			timer := time.NewTimer(c.resubscribe)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}

			ch, deliveries, err = c.open(sub.queue, sub.options)
			if err == nil {
				c.logger.Info("resubscribed to queue", "queue", sub.queue)
				break
			}
			c.logger.Debug("resubscribe failed", "queue", sub.queue, "error", err)
		}
	}
}

func (c *Consumer) drain(ctx context.Context, sub *subscription, deliveries <-chan amqp.Delivery) {
	for {
		select {
		case <-ctx.Done():
			return
		case delivery, ok := <-deliveries:
			if !ok {
				return
			}
			c.handle(ctx, sub, delivery)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, sub *subscription, delivery amqp.Delivery) {
	if err := sub.handler(ctx, delivery); err != nil {
		if nackErr := delivery.Nack(false, sub.options.RequeueOnError); nackErr != nil {
			c.logger.Error("failed to nack message",
				"queue", sub.queue,
				"error", nackErr,
				"originalError", err,
			)
		}
		return
	}

	if err := delivery.Ack(false); err != nil {
		c.logger.Error("failed to ack message", "queue", sub.queue, "error", err)
	}
}
