package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/glimte/mmate-async/contracts"
	"github.com/glimte/mmate-async/interceptors"
	"github.com/glimte/mmate-async/replies"
)

// MessageSubscriber consumes queues and runs every delivery through the
// inbound interceptor chain before handing it to the handler.
type MessageSubscriber struct {
	transport     Transport
	handler       interceptors.Handler
	chain         *interceptors.InterceptorChain
	logger        *slog.Logger
	subscriptions map[string]SubscriptionOptions
	mu            sync.Mutex

	interceptors     []interceptors.Interceptor
	replyInterceptor *replies.ReplyInterceptor
}

// SubscriberOption configures MessageSubscriber
type SubscriberOption func(*MessageSubscriber)

// WithSubscriberLogger sets the logger for the subscriber
func WithSubscriberLogger(logger *slog.Logger) SubscriberOption {
	return func(s *MessageSubscriber) {
		s.logger = logger
	}
}

// WithInterceptors appends interceptors to the inbound chain
func WithInterceptors(interceptors ...interceptors.Interceptor) SubscriberOption {
	return func(s *MessageSubscriber) {
		s.interceptors = append(s.interceptors, interceptors...)
	}
}

// WithReplyInterceptor installs the reply interceptor. It always runs first,
// ahead of any interceptor passed to WithInterceptors.
func WithReplyInterceptor(interceptor *replies.ReplyInterceptor) SubscriberOption {
	return func(s *MessageSubscriber) {
		s.replyInterceptor = interceptor
	}
}

// NewMessageSubscriber creates a subscriber delivering to handler, usually a
// MessageDispatcher
func NewMessageSubscriber(transport Transport, handler interceptors.Handler, options ...SubscriberOption) (*MessageSubscriber, error) {
	if transport == nil {
		return nil, fmt.Errorf("transport cannot be nil")
	}
	if handler == nil {
		return nil, fmt.Errorf("handler cannot be nil")
	}

	s := &MessageSubscriber{
		transport:     transport,
		handler:       handler,
		logger:        slog.Default(),
		subscriptions: make(map[string]SubscriptionOptions),
	}

	for _, opt := range options {
		opt(s)
	}

	s.chain = interceptors.NewInterceptorChain(s.logger)
	for _, i := range s.interceptors {
		s.chain.Add(i)
	}
	if s.replyInterceptor != nil {
		s.chain.Prepend(s.replyInterceptor)
	}

	return s, nil
}

// Subscribe starts consuming queue
func (s *MessageSubscriber) Subscribe(ctx context.Context, queue string, options ...SubscriptionOption) error {
	if queue == "" {
		return fmt.Errorf("queue cannot be empty")
	}

	opts := newSubscriptionOptions(options...)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.subscriptions[queue]; exists {
		return fmt.Errorf("already subscribed to queue: %s", queue)
	}

	if err := s.transport.Subscribe(ctx, queue, s.deliver(queue), opts); err != nil {
		return fmt.Errorf("failed to subscribe to queue %s: %w", queue, err)
	}
	s.subscriptions[queue] = opts

	s.logger.Info("subscribed to queue",
		"queue", queue,
		"prefetchCount", opts.PrefetchCount,
		"interceptors", s.chain.Names(),
	)
	return nil
}

// Unsubscribe stops consuming queue
func (s *MessageSubscriber) Unsubscribe(queue string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.subscriptions[queue]; !exists {
		return fmt.Errorf("not subscribed to queue: %s", queue)
	}

	if err := s.transport.Unsubscribe(queue); err != nil {
		return fmt.Errorf("failed to unsubscribe from queue %s: %w", queue, err)
	}
	delete(s.subscriptions, queue)

	s.logger.Info("unsubscribed from queue", "queue", queue)
	return nil
}

// Subscriptions returns the consumed queues, sorted
func (s *MessageSubscriber) Subscriptions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	queues := make([]string, 0, len(s.subscriptions))
	for queue := range s.subscriptions {
		queues = append(queues, queue)
	}
	sort.Strings(queues)
	return queues
}

// Interceptors returns the inbound interceptor names in execution order
func (s *MessageSubscriber) Interceptors() []string {
	return s.chain.Names()
}

// Close stops all subscriptions
func (s *MessageSubscriber) Close() error {
	for _, queue := range s.Subscriptions() {
		if err := s.Unsubscribe(queue); err != nil {
			s.logger.Error("failed to unsubscribe", "queue", queue, "error", err)
		}
	}
	return nil
}

func (s *MessageSubscriber) deliver(queue string) DeliveryHandler {
	return func(ctx context.Context, envelope *contracts.Envelope) error {
		err := s.chain.Execute(ctx, envelope, s.handler)
		if err != nil {
			s.logger.Error("failed to process message",
				"queue", queue,
				"messageId", envelope.ID,
				"messageType", envelope.Type,
				"error", err,
			)
		}
		return err
	}
}
