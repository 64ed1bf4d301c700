package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/mmate-async/internal/reliability"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ConnectionManager owns the broker connection and re-dials it when the
// broker closes it
type ConnectionManager struct {
	url            string
	connectionName string
	conn           *amqp.Connection
	mu             sync.RWMutex
	dialTimeout    time.Duration
	heartbeat      time.Duration
	backoff        *reliability.ExponentialBackoff
	logger         *slog.Logger
	done           chan struct{}
	closed         bool
}

// ConnectionOption configures the ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.logger = logger
	}
}

// WithConnectionName sets the name the broker shows for this connection
func WithConnectionName(name string) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.connectionName = name
	}
}

// WithReconnectDelay sets the first reconnection delay. Later attempts back off exponentially.
func WithReconnectDelay(delay time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.backoff.InitialInterval = delay
	}
}

// WithMaxRetries sets the maximum number of reconnection attempts. Negative means unlimited.
func WithMaxRetries(retries int) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.backoff.MaxAttempts = retries
	}
}

// WithDialTimeout bounds a single dial attempt
func WithDialTimeout(timeout time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dialTimeout = timeout
	}
}

// NewConnectionManager creates a new connection manager
func NewConnectionManager(url string, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		url:         url,
		dialTimeout: 30 * time.Second,
		heartbeat:   10 * time.Second,
		backoff:     reliability.NewExponentialBackoff(time.Second, time.Minute, 2.0, -1),
		logger:      slog.Default(),
		done:        make(chan struct{}),
	}

	for _, opt := range options {
		opt(cm)
	}

	return cm
}

// Connect establishes the initial connection
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.closed {
		return ErrConnectionClosed
	}
	if cm.conn != nil && !cm.conn.IsClosed() {
		return nil
	}

	conn, err := cm.dial(ctx)
	if err != nil {
		return &ConnectionError{
			Op:        "connect",
			URL:       SanitizeURL(cm.url),
			Err:       err,
			Timestamp: time.Now(),
			Attempts:  1,
		}
	}

	cm.conn = conn
	cm.logger.Info("connected to RabbitMQ", "url", SanitizeURL(cm.url))

	go cm.watch(conn)
	return nil
}

// Channel opens a new channel on the current connection
func (cm *ConnectionManager) Channel() (*amqp.Channel, error) {
	cm.mu.RLock()
	conn := cm.conn
	closed := cm.closed
	cm.mu.RUnlock()

	if closed {
		return nil, ErrConnectionClosed
	}
	if conn == nil || conn.IsClosed() {
		return nil, ErrConnectionNotReady
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	return ch, nil
}

// WithChannel runs fn on a short-lived channel
func (cm *ConnectionManager) WithChannel(ctx context.Context, fn func(ch *amqp.Channel) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	ch, err := cm.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	return fn(ch)
}

// IsConnected returns the connection status
func (cm *ConnectionManager) IsConnected() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.conn != nil && !cm.conn.IsClosed()
}

// Close closes the connection and stops reconnecting
func (cm *ConnectionManager) Close() error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.closed {
		return nil
	}
	cm.closed = true
	close(cm.done)

	if cm.conn != nil {
		err := cm.conn.Close()
		cm.conn = nil
		if err != nil && err != amqp.ErrClosed {
			return err
		}
	}
	return nil
}

func (cm *ConnectionManager) dial(ctx context.Context) (*amqp.Connection, error) {
	dialCtx, cancel := context.WithTimeout(ctx, cm.dialTimeout)
	defer cancel()

	config := amqp.Config{
		Heartbeat:  cm.heartbeat,
		Properties: amqp.NewConnectionProperties(),
	}
	if cm.connectionName != "" {
		config.Properties.SetClientConnectionName(cm.connectionName)
	}

	type result struct {
		conn *amqp.Connection
		err  error
	}
	results := make(chan result, 1)
	go func() {
		conn, err := amqp.DialConfig(cm.url, config)
		results <- result{conn: conn, err: err}
	}()

	select {
	case r := <-results:
		return r.conn, r.err
	case <-dialCtx.Done():
		// close a connection that completes after we gave up
		go func() {
			if r := <-results; r.conn != nil {
				r.conn.Close()
			}
		}()
		return nil, ErrConnectionTimeout
	}
}

// watch waits for conn to close and reconnects unless the manager was closed
func (cm *ConnectionManager) watch(conn *amqp.Connection) {
	notifyClose := conn.NotifyClose(make(chan *amqp.Error, 1))

	select {
	case amqpErr, ok := <-notifyClose:
		if !ok || amqpErr == nil {
			// graceful close
			return
		}
		cm.logger.Error("connection closed", "error", amqpErr)
		cm.reconnect()
	case <-cm.done:
	}
}

func (cm *ConnectionManager) reconnect() {
	start := time.Now()

	for attempt := 0; ; attempt++ {
		if cm.backoff.MaxAttempts >= 0 && attempt >= cm.backoff.MaxAttempts {
			cm.logger.Error("max reconnection attempts reached",
				"attempts", attempt,
				"duration", time.Since(start),
			)
			return
		}

		delay := cm.backoff.NextDelay(attempt)
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-cm.done:
			timer.Stop()
			return
		}

		cm.logger.Info("attempting to reconnect", "attempt", attempt+1)

		conn, err := cm.dial(context.Background())
		if err != nil {
			cm.logger.Error("reconnection failed", "error", err, "attempt", attempt+1)
			continue
		}

		cm.mu.Lock()
		if cm.closed {
			cm.mu.Unlock()
			conn.Close()
			return
		}
		cm.conn = conn
		cm.mu.Unlock()

		cm.logger.Info("successfully reconnected to RabbitMQ",
			"attempts", attempt+1,
			"duration", time.Since(start),
		)

		go cm.watch(conn)
		return
	}
}
