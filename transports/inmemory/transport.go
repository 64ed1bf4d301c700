package inmemory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/glimte/mmate-async/contracts"
	"github.com/glimte/mmate-async/messaging"
)

// DefaultQueueCapacity is how many undelivered envelopes a queue buffers
const DefaultQueueCapacity = 1024

// ErrClosed is returned by operations on a closed transport
var ErrClosed = errors.New("inmemory: transport is closed")

// Transport is a channel-backed messaging.Transport for tests and single
// process wiring. Envelopes are copied through JSON on publish, so handlers
// see the same header types a broker round trip would produce.
type Transport struct {
	mu       sync.Mutex
	queues   map[string]*queue
	capacity int
	logger   *slog.Logger
	closed   bool
}

type queue struct {
	name     string
	options  messaging.QueueOptions
	messages chan *contracts.Envelope
	consumer *consumer
}

type consumer struct {
	cancel context.CancelFunc
	done   chan struct{}
}

var _ messaging.Transport = (*Transport)(nil)

// Option configures the in-memory transport
type Option func(*Transport)

// WithCapacity sets the per-queue buffer size
func WithCapacity(capacity int) Option {
	return func(t *Transport) {
		if capacity > 0 {
			t.capacity = capacity
		}
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// NewTransport creates an empty in-memory transport
func NewTransport(opts ...Option) *Transport {
	t := &Transport{
		queues:   make(map[string]*queue),
		capacity: DefaultQueueCapacity,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// DeclareQueue implements messaging.Transport
func (t *Transport) DeclareQueue(ctx context.Context, name string, options messaging.QueueOptions) error {
	if name == "" {
		return fmt.Errorf("queue name cannot be empty")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrClosed
	}
	if _, exists := t.queues[name]; !exists {
		t.queues[name] = t.newQueue(name, options)
	}
	return nil
}

// Publish implements messaging.Transport. Publishing to an undeclared queue
// declares it. Publish blocks while the queue is full.
func (t *Transport) Publish(ctx context.Context, queueName string, envelope *contracts.Envelope) error {
	if envelope == nil {
		return fmt.Errorf("envelope cannot be nil")
	}

	copied, err := copyEnvelope(envelope)
	if err != nil {
		return err
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	q, exists := t.queues[queueName]
	if !exists {
		q = t.newQueue(queueName, messaging.QueueOptions{})
		t.queues[queueName] = q
	}
	t.mu.Unlock()

	select {
	case q.messages <- copied:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("failed to publish to queue %s: %w", queueName, ctx.Err())
	}
}

// Subscribe implements messaging.Transport. A queue has at most one consumer,
// which handles envelopes one at a time until Unsubscribe, Close or the end of ctx.
func (t *Transport) Subscribe(ctx context.Context, queueName string, handler messaging.DeliveryHandler, options messaging.SubscriptionOptions) error {
	if handler == nil {
		return fmt.Errorf("handler cannot be nil")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrClosed
	}
	q, exists := t.queues[queueName]
	if !exists {
		q = t.newQueue(queueName, messaging.QueueOptions{})
		t.queues[queueName] = q
	}
	if q.consumer != nil {
		return fmt.Errorf("queue %s already has a consumer", queueName)
	}

	consumeCtx, cancel := context.WithCancel(ctx)
	c := &consumer{cancel: cancel, done: make(chan struct{})}
	q.consumer = c

	go t.consume(consumeCtx, q, c, handler, options)
	return nil
}

// Unsubscribe implements messaging.Transport. It returns once the consumer
// goroutine has finished its current envelope.
func (t *Transport) Unsubscribe(queueName string) error {
	t.mu.Lock()
	q, exists := t.queues[queueName]
	if !exists || q.consumer == nil {
		t.mu.Unlock()
		return fmt.Errorf("no consumer on queue %s", queueName)
	}
	c := q.consumer
	q.consumer = nil
	t.mu.Unlock()

	c.cancel()
	<-c.done
	return nil
}

// Close stops every consumer. Undelivered envelopes are discarded.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true

	consumers := make([]*consumer, 0)
	for _, q := range t.queues {
		if q.consumer != nil {
			consumers = append(consumers, q.consumer)
			q.consumer = nil
		}
	}
	t.mu.Unlock()

	for _, c := range consumers {
		c.cancel()
		<-c.done
	}
	return nil
}

// Depth returns the number of undelivered envelopes in a queue
func (t *Transport) Depth(queueName string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	if q, exists := t.queues[queueName]; exists {
		return len(q.messages)
	}
	return 0
}

func (t *Transport) newQueue(name string, options messaging.QueueOptions) *queue {
	return &queue{
		name:     name,
		options:  options,
		messages: make(chan *contracts.Envelope, t.capacity),
	}
}

func (t *Transport) consume(ctx context.Context, q *queue, c *consumer, handler messaging.DeliveryHandler, options messaging.SubscriptionOptions) {
	defer close(c.done)

	for {
		select {
		case <-ctx.Done():
			return
		case envelope := <-q.messages:
			if err := handler(ctx, envelope); err != nil {
				t.reject(q, envelope, options.RequeueOnError, err)
			}
		}
	}
}

func (t *Transport) reject(q *queue, envelope *contracts.Envelope, requeue bool, cause error) {
	if requeue {
		select {
		case q.messages <- envelope:
			return
		default:
		}
	}

	t.logger.Warn("discarding rejected message",
		"queue", q.name,
		"messageId", envelope.ID,
		"requeue", requeue,
		"error", cause,
	)
}

func copyEnvelope(envelope *contracts.Envelope) (*contracts.Envelope, error) {
	data, err := json.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope: %w", err)
	}

	var copied contracts.Envelope
	if err := json.Unmarshal(data, &copied); err != nil {
		return nil, fmt.Errorf("failed to unmarshal envelope: %w", err)
	}
	return &copied, nil
}
