package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/mmate-async/contracts"
	"github.com/glimte/mmate-async/internal/rabbitmq"
	"github.com/glimte/mmate-async/internal/reliability"
	"github.com/glimte/mmate-async/messaging"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Transport implements messaging.Transport for RabbitMQ. Envelopes are
// published to the default exchange with the queue name as routing key.
type Transport struct {
	manager    *rabbitmq.ConnectionManager
	publisher  *rabbitmq.Publisher
	consumer   *rabbitmq.Consumer
	topology   *rabbitmq.TopologyManager
	persistent bool
	logger     *slog.Logger
}

var _ messaging.Transport = (*Transport)(nil)

// TransportConfig holds configuration for the transport
type TransportConfig struct {
	ConnectionOptions []rabbitmq.ConnectionOption
	PublisherOptions  []rabbitmq.PublisherOption
	ConsumerOptions   []rabbitmq.ConsumerOption
	Persistent        bool
	Logger            *slog.Logger
}

// TransportOption configures the transport
type TransportOption func(*TransportConfig)

// WithConnectionOptions sets connection options
func WithConnectionOptions(opts ...rabbitmq.ConnectionOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.ConnectionOptions = append(cfg.ConnectionOptions, opts...)
	}
}

// WithPublisherOptions sets publisher options
func WithPublisherOptions(opts ...rabbitmq.PublisherOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.PublisherOptions = append(cfg.PublisherOptions, opts...)
	}
}

// WithConsumerOptions sets consumer options
func WithConsumerOptions(opts ...rabbitmq.ConsumerOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.ConsumerOptions = append(cfg.ConsumerOptions, opts...)
	}
}

// WithPersistentMessages controls whether envelopes survive a broker restart
func WithPersistentMessages(persistent bool) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.Persistent = persistent
	}
}

// WithLogger sets the logger for the transport and the components it creates
func WithLogger(logger *slog.Logger) TransportOption {
	return func(cfg *TransportConfig) {
		if logger != nil {
			cfg.Logger = logger
		}
	}
}

// NewTransport connects to the broker at url and returns a ready transport
func NewTransport(ctx context.Context, url string, options ...TransportOption) (*Transport, error) {
	cfg := &TransportConfig{
		Persistent: true,
		Logger:     slog.Default(),
	}
	for _, opt := range options {
		opt(cfg)
	}

	connectionOptions := append([]rabbitmq.ConnectionOption{rabbitmq.WithLogger(cfg.Logger)}, cfg.ConnectionOptions...)
	manager := rabbitmq.NewConnectionManager(url, connectionOptions...)
	if err := manager.Connect(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	publisherOptions := append([]rabbitmq.PublisherOption{rabbitmq.WithPublisherLogger(cfg.Logger)}, cfg.PublisherOptions...)
	consumerOptions := append([]rabbitmq.ConsumerOption{rabbitmq.WithConsumerLogger(cfg.Logger)}, cfg.ConsumerOptions...)

	return &Transport{
		manager:    manager,
		publisher:  rabbitmq.NewPublisher(manager, publisherOptions...),
		consumer:   rabbitmq.NewConsumer(manager, consumerOptions...),
		topology:   rabbitmq.NewTopologyManager(manager),
		persistent: cfg.Persistent,
		logger:     cfg.Logger,
	}, nil
}

// Publish implements messaging.Transport
func (t *Transport) Publish(ctx context.Context, queue string, envelope *contracts.Envelope) error {
	msg, err := toPublishing(envelope, t.persistent)
	if err != nil {
		return reliability.Permanent(err)
	}

	if err := t.publisher.Publish(ctx, "", queue, msg); err != nil {
		if !rabbitmq.IsRetryable(err) {
			return reliability.Permanent(err)
		}
		return err
	}
	return nil
}

// Subscribe implements messaging.Transport
func (t *Transport) Subscribe(ctx context.Context, queue string, handler messaging.DeliveryHandler, options messaging.SubscriptionOptions) error {
	if handler == nil {
		return fmt.Errorf("handler cannot be nil")
	}

	return t.consumer.Subscribe(ctx, queue, func(ctx context.Context, delivery amqp.Delivery) error {
		envelope, err := fromDelivery(delivery)
		if err != nil {
			t.logger.Error("failed to decode delivery",
				"queue", queue,
				"messageId", delivery.MessageId,
				"error", err,
			)
			return err
		}
		return handler(ctx, envelope)
	}, rabbitmq.ConsumeOptions{
		PrefetchCount:  options.PrefetchCount,
		Exclusive:      options.Exclusive,
		RequeueOnError: options.RequeueOnError,
	})
}

// Unsubscribe implements messaging.Transport
func (t *Transport) Unsubscribe(queue string) error {
	return t.consumer.Unsubscribe(queue)
}

// DeclareQueue implements messaging.Transport
func (t *Transport) DeclareQueue(ctx context.Context, name string, options messaging.QueueOptions) error {
	_, err := t.topology.DeclareQueue(ctx, rabbitmq.QueueDeclaration{
		Name:       name,
		Durable:    options.Durable,
		AutoDelete: options.AutoDelete,
		Exclusive:  options.Exclusive,
		Arguments:  toTable(options.Args),
	})
	return err
}

// IsConnected returns connection status
func (t *Transport) IsConnected() bool {
	return t.manager.IsConnected()
}

// Close implements messaging.Transport
func (t *Transport) Close() error {
	if err := t.consumer.UnsubscribeAll(); err != nil {
		t.logger.Error("failed to stop consumers", "error", err)
	}
	if err := t.publisher.Close(); err != nil {
		t.logger.Error("failed to close publisher", "error", err)
	}
	return t.manager.Close()
}

func toPublishing(envelope *contracts.Envelope, persistent bool) (amqp.Publishing, error) {
	if envelope == nil {
		return amqp.Publishing{}, fmt.Errorf("envelope cannot be nil")
	}

	body, err := json.Marshal(envelope)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("failed to marshal envelope: %w", err)
	}

	msg := amqp.Publishing{
		ContentType:   "application/json",
		MessageId:     envelope.ID,
		Type:          envelope.Type,
		CorrelationId: envelope.CorrelationID,
		ReplyTo:       envelope.ReplyTo,
		Timestamp:     time.Now().UTC(),
		Headers:       toTable(envelope.Headers),
		Body:          body,
	}
	if persistent {
		msg.DeliveryMode = amqp.Persistent
	}
	return msg, nil
}

// fromDelivery decodes the envelope and fills in what the AMQP properties
// and headers carry but the body lacks. The body wins on conflicts.
func fromDelivery(delivery amqp.Delivery) (*contracts.Envelope, error) {
	var envelope contracts.Envelope
	if err := json.Unmarshal(delivery.Body, &envelope); err != nil {
		return nil, fmt.Errorf("failed to unmarshal envelope: %w", err)
	}

	if envelope.ID == "" {
		envelope.ID = delivery.MessageId
	}
	if envelope.Type == "" {
		envelope.Type = delivery.Type
	}
	if envelope.CorrelationID == "" {
		envelope.CorrelationID = delivery.CorrelationId
	}
	if envelope.ReplyTo == "" {
		envelope.ReplyTo = delivery.ReplyTo
	}

	for k, v := range delivery.Headers {
		if _, exists := envelope.Headers[k]; !exists {
			envelope.SetHeader(k, v)
		}
	}

	return &envelope, nil
}

// toTable converts headers to an amqp.Table. Values AMQP can't carry are
// sent as their string form.
func toTable(headers map[string]interface{}) amqp.Table {
	if len(headers) == 0 {
		return nil
	}

	table := make(amqp.Table, len(headers))
	for k, v := range headers {
		switch v := v.(type) {
		case string, []byte, bool, int, int8, int16, int32, int64, float32, float64, time.Time, nil:
			table[k] = v
		default:
			table[k] = fmt.Sprint(v)
		}
	}
	return table
}
