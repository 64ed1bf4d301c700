package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/glimte/mmate-async/contracts"
	"github.com/glimte/mmate-async/internal/reliability"
)

// ErrNoReplyAddress is returned when a request carries no reply-to queue
var ErrNoReplyAddress = errors.New("request has no reply-to address")

// MessagePublisher turns messages into envelopes and sends them through a transport
type MessagePublisher struct {
	transport   Transport
	factory     *EnvelopeFactory
	retryPolicy reliability.RetryPolicy
	logger      *slog.Logger
}

// PublisherOption configures MessagePublisher
type PublisherOption func(*MessagePublisher)

// WithPublisherLogger sets the logger for the publisher
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *MessagePublisher) {
		p.logger = logger
	}
}

// WithRetryPolicy sets the retry policy for failed publishes
func WithRetryPolicy(policy reliability.RetryPolicy) PublisherOption {
	return func(p *MessagePublisher) {
		p.retryPolicy = policy
	}
}

// WithSource sets the source header stamped on every envelope
func WithSource(source string) PublisherOption {
	return func(p *MessagePublisher) {
		p.factory = NewEnvelopeFactory(source)
	}
}

// NewMessagePublisher creates a new message publisher
func NewMessagePublisher(transport Transport, options ...PublisherOption) (*MessagePublisher, error) {
	if transport == nil {
		return nil, fmt.Errorf("transport cannot be nil")
	}

	p := &MessagePublisher{
		transport:   transport,
		factory:     NewEnvelopeFactory(""),
		retryPolicy: reliability.NoRetry{},
		logger:      slog.Default(),
	}

	for _, opt := range options {
		opt(p)
	}

	return p, nil
}

// Send publishes msg to queue
func (p *MessagePublisher) Send(ctx context.Context, queue string, msg contracts.Message, opts ...EnvelopeOption) error {
	if queue == "" {
		return fmt.Errorf("queue cannot be empty")
	}

	envelope, err := p.factory.CreateEnvelope(msg, opts...)
	if err != nil {
		return err
	}

	return p.publish(ctx, queue, envelope)
}

// Reply answers request with reply. The reply goes to the request's reply-to
// queue and carries the request's correlation id in its in-reply-to header.
func (p *MessagePublisher) Reply(ctx context.Context, request *contracts.Envelope, reply contracts.Message) error {
	if request == nil {
		return fmt.Errorf("request cannot be nil")
	}
	if reply == nil {
		return fmt.Errorf("reply cannot be nil")
	}

	replyTo := request.ReplyTo
	if replyTo == "" {
		replyTo, _ = request.Header(contracts.HeaderReplyTo)
	}
	if replyTo == "" {
		return fmt.Errorf("%w: message %s", ErrNoReplyAddress, request.ID)
	}

	correlationID := requestCorrelationID(request)
	reply.SetCorrelationID(correlationID)

	return p.Send(ctx, replyTo, reply, WithEnvelopeInReplyTo(correlationID))
}

func (p *MessagePublisher) publish(ctx context.Context, queue string, envelope *contracts.Envelope) error {
	err := reliability.Retry(ctx, p.retryPolicy, func() error {
		return p.transport.Publish(ctx, queue, envelope)
	})
	if err != nil {
		p.logger.Error("failed to publish message",
			"queue", queue,
			"messageId", envelope.ID,
			"messageType", envelope.Type,
			"error", err,
		)
		return fmt.Errorf("failed to publish message %s: %w", envelope.ID, err)
	}

	p.logger.Debug("message published",
		"queue", queue,
		"messageId", envelope.ID,
		"messageType", envelope.Type,
		"correlationId", envelope.CorrelationID,
	)
	return nil
}

// requestCorrelationID returns the id a reply to request must carry. The
// header wins over the envelope field; the message id is the last resort.
func requestCorrelationID(request *contracts.Envelope) string {
	if id, ok := request.Header(contracts.HeaderCorrelationID); ok && id != "" {
		return id
	}
	if request.CorrelationID != "" {
		return request.CorrelationID
	}
	return request.ID
}
