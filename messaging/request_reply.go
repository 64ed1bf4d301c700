package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/mmate-async/contracts"
	"github.com/glimte/mmate-async/replies"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/glimte/mmate-async/messaging"

// DefaultRequestTimeout bounds a request whose context has no deadline
const DefaultRequestTimeout = 30 * time.Second

// ErrRemoteFailure is returned when the responder answered with an error reply
var ErrRemoteFailure = errors.New("remote handler failed")

// RequestClient sends requests and waits for the correlated reply in the
// reply store. Replies reach the store through a MessageSubscriber consuming
// the client's reply queue with the reply interceptor installed.
type RequestClient struct {
	publisher  *MessagePublisher
	store      *replies.Store
	replyQueue string
	timeout    time.Duration
	tracer     trace.Tracer
	logger     *slog.Logger
}

// RequestClientOption configures RequestClient
type RequestClientOption func(*RequestClient)

// WithRequestTimeout sets the timeout used when the context has no deadline
func WithRequestTimeout(timeout time.Duration) RequestClientOption {
	return func(c *RequestClient) {
		if timeout > 0 {
			c.timeout = timeout
		}
	}
}

// WithRequestLogger sets the logger for the request client
func WithRequestLogger(logger *slog.Logger) RequestClientOption {
	return func(c *RequestClient) {
		c.logger = logger
	}
}

// WithRequestTracerProvider sets the trace.TracerProvider. The global provider is used by default.
func WithRequestTracerProvider(provider trace.TracerProvider) RequestClientOption {
	return func(c *RequestClient) {
		if provider != nil {
			c.tracer = provider.Tracer(tracerName)
		}
	}
}

// NewRequestClient creates a request client whose replies are addressed to replyQueue
func NewRequestClient(publisher *MessagePublisher, store *replies.Store, replyQueue string, opts ...RequestClientOption) (*RequestClient, error) {
	if publisher == nil {
		return nil, fmt.Errorf("publisher cannot be nil")
	}
	if store == nil {
		return nil, replies.ErrNilStore
	}
	if replyQueue == "" {
		return nil, fmt.Errorf("reply queue cannot be empty")
	}

	c := &RequestClient{
		publisher:  publisher,
		store:      store,
		replyQueue: replyQueue,
		timeout:    DefaultRequestTimeout,
		tracer:     otel.GetTracerProvider().Tracer(tracerName),
		logger:     slog.Default(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

// ReplyQueue returns the queue replies are addressed to
func (c *RequestClient) ReplyQueue() string {
	return c.replyQueue
}

// Request sends request to queue and waits for its reply. An error reply
// from the responder is returned as ErrRemoteFailure.
func (c *RequestClient) Request(ctx context.Context, queue string, request contracts.Message) (*contracts.Envelope, error) {
	if request == nil {
		return nil, fmt.Errorf("request cannot be nil")
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	correlationID := replies.NewCorrelationID()
	request.SetCorrelationID(correlationID)

	ctx, span := c.tracer.Start(ctx, "messaging.Request",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("messaging.destination", queue),
			attribute.String("messaging.message_type", request.GetType()),
			replies.CorrelationIDAttribute.String(correlationID),
		),
	)
	defer span.End()

	reply, err := c.request(ctx, queue, request, correlationID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return reply, nil
}

func (c *RequestClient) request(ctx context.Context, queue string, request contracts.Message, correlationID string) (*contracts.Envelope, error) {
	err := c.publisher.Send(ctx, queue, request,
		WithEnvelopeCorrelationID(correlationID),
		WithEnvelopeReplyTo(c.replyQueue),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	c.logger.Debug("request sent",
		"queue", queue,
		"correlationId", correlationID,
		"messageType", request.GetType(),
	)

	pending, err := c.store.Await(ctx, correlationID)
	if err != nil {
		return nil, err
	}

	envelope := pending.Payload
	if envelope.Type == contracts.ErrorReplyType {
		var errorReply contracts.ErrorReply
		if err := envelope.Decode(&errorReply); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrRemoteFailure, err)
		}
		return nil, fmt.Errorf("%w: %w", ErrRemoteFailure, errorReply.GetError())
	}

	return envelope, nil
}

// RequestAndDecode sends request and decodes the reply body into a new T
func RequestAndDecode[T any](ctx context.Context, c *RequestClient, queue string, request contracts.Message) (*T, error) {
	envelope, err := c.Request(ctx, queue, request)
	if err != nil {
		return nil, err
	}

	var reply T
	if err := envelope.Decode(&reply); err != nil {
		return nil, err
	}
	return &reply, nil
}
