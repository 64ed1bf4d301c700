// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package mmate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/mmate-async/config"
	"github.com/glimte/mmate-async/contracts"
	"github.com/glimte/mmate-async/health"
	"github.com/glimte/mmate-async/interceptors"
	"github.com/glimte/mmate-async/internal/rabbitmq"
	"github.com/glimte/mmate-async/internal/reliability"
	"github.com/glimte/mmate-async/messaging"
	"github.com/glimte/mmate-async/replies"
	"github.com/glimte/mmate-async/tasks"
	rabbitmqTransport "github.com/glimte/mmate-async/transports/rabbitmq"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ReplyBacklogThreshold is the pending reply count above which the reply
// store health check reports degraded
const ReplyBacklogThreshold = 1000

var (
	// ErrClientClosed is returned by operations on a closed client
	ErrClientClosed = errors.New("client is closed")

	// ErrAlreadyStarted is returned when Start is called twice
	ErrAlreadyStarted = errors.New("client already started")
)

// Client provides the main entry point for mmate-async. It owns the reply
// store and its sweeper, and consumes two queues: the request queue, where
// handlers registered with Handle answer requests, and the reply queue,
// where replies to this client's own requests are captured.
type Client struct {
	transport     messaging.Transport
	ownsTransport bool

	store       *replies.Store
	sweeper     *replies.Sweeper
	interceptor *replies.ReplyInterceptor
	publisher   *messaging.MessagePublisher
	subscriber  *messaging.MessageSubscriber
	dispatcher  *messaging.MessageDispatcher
	requests    *messaging.RequestClient
	responder   *messaging.Responder

	serviceName  string
	requestQueue string
	replyQueue   string
	prefetch     int
	queueOptions messaging.QueueOptions
	logger       *slog.Logger

	mu      sync.Mutex
	started bool
	closed  bool
}

// NewClient connects to RabbitMQ at connectionString and builds a client on top of it
func NewClient(ctx context.Context, connectionString string, options ...ClientOption) (*Client, error) {
	cfg := newClientConfig(options...)

	transport, err := rabbitmqTransport.NewTransport(ctx, connectionString,
		rabbitmqTransport.WithLogger(cfg.logger),
		rabbitmqTransport.WithConnectionOptions(rabbitmq.WithConnectionName(cfg.serviceName)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create transport: %w", err)
	}

	client, err := newClient(transport, cfg)
	if err != nil {
		_ = transport.Close()
		return nil, err
	}
	client.ownsTransport = true
	return client, nil
}

// NewClientFromConfig connects using the settings in cfg. Options given
// after cfg take precedence over it.
func NewClientFromConfig(ctx context.Context, cfg *config.Config, options ...ClientOption) (*Client, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return NewClient(ctx, cfg.AMQPURL, append([]ClientOption{WithConfig(cfg)}, options...)...)
}

// NewClientWithTransport builds a client over an existing transport. The
// caller keeps ownership of the transport; Close does not close it.
func NewClientWithTransport(transport messaging.Transport, options ...ClientOption) (*Client, error) {
	if transport == nil {
		return nil, fmt.Errorf("transport cannot be nil")
	}
	return newClient(transport, newClientConfig(options...))
}

func newClient(transport messaging.Transport, cfg *clientConfig) (*Client, error) {
	if err := cfg.resolve(); err != nil {
		return nil, err
	}

	replyOptions := []replies.Option{
		replies.WithLogger(cfg.logger),
		replies.WithSweepInterval(cfg.sweepInterval),
	}
	if cfg.meterProvider != nil {
		replyOptions = append(replyOptions, replies.WithMeterProvider(cfg.meterProvider))
	}
	if cfg.tracerProvider != nil {
		replyOptions = append(replyOptions, replies.WithTracerProvider(cfg.tracerProvider))
	}
	if cfg.clock != nil {
		replyOptions = append(replyOptions, replies.WithClock(cfg.clock))
	}

	store, err := replies.NewStore(replyOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to create reply store: %w", err)
	}

	taskFactory := cfg.taskFactory
	if taskFactory == nil {
		taskFactory = tasks.NewTickerFactory(tasks.WithLogger(cfg.logger))
	}

	sweeper, err := replies.NewSweeper(store, taskFactory, cfg.replyMaxAge, replyOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to create sweeper: %w", err)
	}

	interceptor, err := replies.NewReplyInterceptor(store, replyOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to create reply interceptor: %w", err)
	}

	publisher, err := messaging.NewMessagePublisher(transport,
		messaging.WithPublisherLogger(cfg.logger),
		messaging.WithSource(cfg.serviceName),
		messaging.WithRetryPolicy(cfg.retryPolicy),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create publisher: %w", err)
	}

	dispatcher := messaging.NewMessageDispatcher(messaging.WithDispatcherLogger(cfg.logger))

	chain := append([]interceptors.Interceptor{interceptors.NewRecoveryInterceptor(cfg.logger)}, cfg.interceptors...)
	subscriber, err := messaging.NewMessageSubscriber(transport, dispatcher,
		messaging.WithSubscriberLogger(cfg.logger),
		messaging.WithInterceptors(chain...),
		messaging.WithReplyInterceptor(interceptor),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create subscriber: %w", err)
	}

	requestOptions := []messaging.RequestClientOption{
		messaging.WithRequestLogger(cfg.logger),
		messaging.WithRequestTimeout(cfg.requestTimeout),
	}
	if cfg.tracerProvider != nil {
		requestOptions = append(requestOptions, messaging.WithRequestTracerProvider(cfg.tracerProvider))
	}
	requests, err := messaging.NewRequestClient(publisher, store, cfg.replyQueue, requestOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to create request client: %w", err)
	}

	responder, err := messaging.NewResponder(dispatcher, publisher, messaging.WithResponderLogger(cfg.logger))
	if err != nil {
		return nil, fmt.Errorf("failed to create responder: %w", err)
	}

	return &Client{
		transport:    transport,
		store:        store,
		sweeper:      sweeper,
		interceptor:  interceptor,
		publisher:    publisher,
		subscriber:   subscriber,
		dispatcher:   dispatcher,
		requests:     requests,
		responder:    responder,
		serviceName:  cfg.serviceName,
		requestQueue: cfg.requestQueue,
		replyQueue:   cfg.replyQueue,
		prefetch:     cfg.prefetchCount,
		queueOptions: cfg.queueOptions,
		logger:       cfg.logger,
	}, nil
}

// Start declares the request and reply queues, begins consuming them and
// starts the sweeper. Handlers may be registered before or after Start.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClientClosed
	}
	if c.started {
		return ErrAlreadyStarted
	}

	for _, queue := range []string{c.requestQueue, c.replyQueue} {
		if err := c.transport.DeclareQueue(ctx, queue, c.queueOptions); err != nil {
			return fmt.Errorf("failed to declare queue %s: %w", queue, err)
		}
		if err := c.subscriber.Subscribe(ctx, queue, messaging.WithPrefetchCount(c.prefetch)); err != nil {
			_ = c.subscriber.Close()
			return fmt.Errorf("failed to subscribe to %s: %w", queue, err)
		}
	}

	c.sweeper.Start()
	c.started = true

	c.logger.Info("client started",
		"service", c.serviceName,
		"requestQueue", c.requestQueue,
		"replyQueue", c.replyQueue)
	return nil
}

// Request sends msg to queue and waits for the correlated reply
func (c *Client) Request(ctx context.Context, queue string, msg contracts.Message) (*contracts.Envelope, error) {
	if c.isClosed() {
		return nil, ErrClientClosed
	}
	return c.requests.Request(ctx, queue, msg)
}

// RequestAndDecode sends msg to queue and decodes the reply body into a T
func RequestAndDecode[T any](ctx context.Context, c *Client, queue string, msg contracts.Message) (*T, error) {
	if c.isClosed() {
		return nil, ErrClientClosed
	}
	return messaging.RequestAndDecode[T](ctx, c.requests, queue, msg)
}

// Send publishes msg to queue without waiting for a reply
func (c *Client) Send(ctx context.Context, queue string, msg contracts.Message) error {
	if c.isClosed() {
		return ErrClientClosed
	}
	return c.publisher.Send(ctx, queue, msg)
}

// Handle registers fn to answer requests of messageType arriving on the request queue
func (c *Client) Handle(messageType string, fn messaging.RequestHandlerFunc) error {
	return c.responder.HandleRequest(messageType, fn)
}

// HandleMessage registers a one-way handler for messageType
func (c *Client) HandleMessage(messageType string, handler interceptors.Handler) error {
	return c.dispatcher.Register(messageType, handler)
}

// SetReplyMaxAge changes how long unclaimed replies are kept
func (c *Client) SetReplyMaxAge(maxAge time.Duration) error {
	return c.sweeper.SetMaxAge(maxAge)
}

// WatchConfig reloads the file at path whenever it changes and applies the
// new reply max age to the running sweeper. It blocks until ctx is done.
func (c *Client) WatchConfig(ctx context.Context, path string) error {
	return config.Watch(ctx, path, c.logger, func(cfg *config.Config) {
		if cfg.ReplyMaxAge == c.sweeper.MaxAge() {
			return
		}
		if err := c.sweeper.SetMaxAge(cfg.ReplyMaxAge); err != nil {
			c.logger.Error("failed to apply reply max age", "maxAge", cfg.ReplyMaxAge, "error", err)
			return
		}
		c.logger.Info("reply max age changed", "maxAge", cfg.ReplyMaxAge)
	})
}

// Close stops the sweeper and the subscriptions, then closes the transport
// if the client created it. Calling Close more than once is safe.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.sweeper.Stop()

	var errs []error
	if err := c.subscriber.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close subscriber: %w", err))
	}
	if c.ownsTransport {
		if err := c.transport.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close transport: %w", err))
		}
	}

	c.logger.Info("client closed", "service", c.serviceName)
	return errors.Join(errs...)
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// HealthRegistry returns a registry checking the reply store backlog and,
// when the transport reports it, the broker connection
func (c *Client) HealthRegistry() *health.Registry {
	registry := health.NewRegistry(health.NewReplyStoreChecker(c.store, ReplyBacklogThreshold))
	if conn, ok := c.transport.(health.Connectivity); ok {
		registry.Register(health.NewConnectionChecker(conn))
	}
	return registry
}

// Store returns the reply store
func (c *Client) Store() *replies.Store {
	return c.store
}

// ReplyInterceptor returns the interceptor that captures replies into the store
func (c *Client) ReplyInterceptor() *replies.ReplyInterceptor {
	return c.interceptor
}

// Sweeper returns the reply sweeper
func (c *Client) Sweeper() *replies.Sweeper {
	return c.sweeper
}

// Publisher returns the message publisher
func (c *Client) Publisher() *messaging.MessagePublisher {
	return c.publisher
}

// Subscriber returns the message subscriber
func (c *Client) Subscriber() *messaging.MessageSubscriber {
	return c.subscriber
}

// Dispatcher returns the message dispatcher
func (c *Client) Dispatcher() *messaging.MessageDispatcher {
	return c.dispatcher
}

// Transport returns the underlying transport
func (c *Client) Transport() messaging.Transport {
	return c.transport
}

// ServiceName returns the service name
func (c *Client) ServiceName() string {
	return c.serviceName
}

// RequestQueue returns the queue this client answers requests on
func (c *Client) RequestQueue() string {
	return c.requestQueue
}

// ReplyQueue returns the queue replies to this client's requests arrive on
func (c *Client) ReplyQueue() string {
	return c.replyQueue
}

// clientConfig holds configuration for the client
type clientConfig struct {
	logger         *slog.Logger
	serviceName    string
	requestQueue   string
	replyQueue     string
	replyMaxAge    time.Duration
	sweepInterval  time.Duration
	requestTimeout time.Duration
	prefetchCount  int
	queueOptions   messaging.QueueOptions
	retryPolicy    reliability.RetryPolicy
	taskFactory    tasks.Factory
	interceptors   []interceptors.Interceptor
	meterProvider  metric.MeterProvider
	tracerProvider trace.TracerProvider
	clock          func() time.Time
}

// ClientOption configures the client
type ClientOption func(*clientConfig)

func newClientConfig(options ...ClientOption) *clientConfig {
	cfg := &clientConfig{
		logger:         slog.Default(),
		serviceName:    config.DefaultServiceName,
		replyMaxAge:    config.DefaultReplyMaxAge,
		sweepInterval:  config.DefaultSweepInterval,
		requestTimeout: config.DefaultRequestTimeout,
		prefetchCount:  config.DefaultPrefetchCount,
		queueOptions:   messaging.QueueOptions{Durable: true},
		retryPolicy:    reliability.NoRetry{},
	}
	for _, opt := range options {
		opt(cfg)
	}
	return cfg
}

func (cfg *clientConfig) resolve() error {
	if cfg.serviceName == "" {
		return fmt.Errorf("service name cannot be empty")
	}
	if cfg.requestQueue == "" {
		cfg.requestQueue = cfg.serviceName + ".requests"
	}
	if cfg.replyQueue == "" {
		cfg.replyQueue = cfg.serviceName + ".replies"
	}
	if cfg.requestQueue == cfg.replyQueue {
		return fmt.Errorf("request and reply queue must differ: %s", cfg.requestQueue)
	}
	return nil
}

// WithLogger sets the logger for the client and every component it builds
func WithLogger(logger *slog.Logger) ClientOption {
	return func(cfg *clientConfig) {
		if logger != nil {
			cfg.logger = logger
		}
	}
}

// WithServiceName sets the service name (used for queue naming)
func WithServiceName(name string) ClientOption {
	return func(cfg *clientConfig) {
		cfg.serviceName = name
	}
}

// WithRequestQueue overrides the request queue name
func WithRequestQueue(queue string) ClientOption {
	return func(cfg *clientConfig) {
		cfg.requestQueue = queue
	}
}

// WithReplyQueue overrides the reply queue name. Each running instance
// needs its own reply queue; replies consumed by another instance are
// never claimed and end up swept.
func WithReplyQueue(queue string) ClientOption {
	return func(cfg *clientConfig) {
		cfg.replyQueue = queue
	}
}

// WithReplyMaxAge sets how long an unclaimed reply is kept
func WithReplyMaxAge(maxAge time.Duration) ClientOption {
	return func(cfg *clientConfig) {
		cfg.replyMaxAge = maxAge
	}
}

// WithSweepInterval sets how often the sweeper runs
func WithSweepInterval(interval time.Duration) ClientOption {
	return func(cfg *clientConfig) {
		cfg.sweepInterval = interval
	}
}

// WithRequestTimeout bounds requests whose context has no deadline
func WithRequestTimeout(timeout time.Duration) ClientOption {
	return func(cfg *clientConfig) {
		cfg.requestTimeout = timeout
	}
}

// WithPrefetchCount sets the prefetch count for both queues
func WithPrefetchCount(count int) ClientOption {
	return func(cfg *clientConfig) {
		cfg.prefetchCount = count
	}
}

// WithQueueOptions sets how the request and reply queues are declared.
// Queues are durable by default.
func WithQueueOptions(options messaging.QueueOptions) ClientOption {
	return func(cfg *clientConfig) {
		cfg.queueOptions = options
	}
}

// WithRetryPolicy sets the retry policy for outgoing messages
func WithRetryPolicy(policy reliability.RetryPolicy) ClientOption {
	return func(cfg *clientConfig) {
		if policy != nil {
			cfg.retryPolicy = policy
		}
	}
}

// WithTaskFactory replaces the factory that schedules the sweeper
func WithTaskFactory(factory tasks.Factory) ClientOption {
	return func(cfg *clientConfig) {
		cfg.taskFactory = factory
	}
}

// WithInterceptors adds inbound interceptors. They run after the reply
// interceptor, so they never see captured replies.
func WithInterceptors(interceptors ...interceptors.Interceptor) ClientOption {
	return func(cfg *clientConfig) {
		cfg.interceptors = append(cfg.interceptors, interceptors...)
	}
}

// WithMeterProvider sets the metric.MeterProvider for reply metrics
func WithMeterProvider(provider metric.MeterProvider) ClientOption {
	return func(cfg *clientConfig) {
		cfg.meterProvider = provider
	}
}

// WithTracerProvider sets the trace.TracerProvider for request spans
func WithTracerProvider(provider trace.TracerProvider) ClientOption {
	return func(cfg *clientConfig) {
		cfg.tracerProvider = provider
	}
}

// WithClock overrides the time source used to age replies
func WithClock(now func() time.Time) ClientOption {
	return func(cfg *clientConfig) {
		cfg.clock = now
	}
}

// WithConfig applies the settings from a loaded config.Config
func WithConfig(c *config.Config) ClientOption {
	return func(cfg *clientConfig) {
		if c == nil {
			return
		}
		cfg.serviceName = c.ServiceName
		cfg.requestQueue = c.RequestQueue
		cfg.replyQueue = c.ReplyQueue
		cfg.replyMaxAge = c.ReplyMaxAge
		cfg.sweepInterval = c.SweepInterval
		cfg.requestTimeout = c.RequestTimeout
		cfg.prefetchCount = c.PrefetchCount
	}
}
