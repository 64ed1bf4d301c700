package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/glimte/mmate-async/contracts"
	"github.com/glimte/mmate-async/interceptors"
)

// ErrNoHandler is returned when a message type has no registered handler
var ErrNoHandler = errors.New("no handler registered for message type")

// MessageDispatcher routes envelopes to the handler registered for their type
type MessageDispatcher struct {
	handlers map[string]interceptors.Handler
	logger   *slog.Logger
	mu       sync.RWMutex
}

// DispatcherOption configures MessageDispatcher
type DispatcherOption func(*MessageDispatcher)

// WithDispatcherLogger sets the logger for the dispatcher
func WithDispatcherLogger(logger *slog.Logger) DispatcherOption {
	return func(d *MessageDispatcher) {
		d.logger = logger
	}
}

// NewMessageDispatcher creates a new message dispatcher
func NewMessageDispatcher(options ...DispatcherOption) *MessageDispatcher {
	d := &MessageDispatcher{
		handlers: make(map[string]interceptors.Handler),
		logger:   slog.Default(),
	}

	for _, opt := range options {
		opt(d)
	}

	return d
}

// Register registers the handler for a message type
func (d *MessageDispatcher) Register(messageType string, handler interceptors.Handler) error {
	if messageType == "" {
		return fmt.Errorf("message type cannot be empty")
	}
	if handler == nil {
		return fmt.Errorf("handler cannot be nil")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.handlers[messageType]; exists {
		return fmt.Errorf("handler already registered for message type: %s", messageType)
	}
	d.handlers[messageType] = handler

	d.logger.Info("registered message handler", "messageType", messageType)
	return nil
}

// RegisterFunc registers a function as the handler for a message type
func (d *MessageDispatcher) RegisterFunc(messageType string, fn func(ctx context.Context, envelope *contracts.Envelope) error) error {
	if fn == nil {
		return fmt.Errorf("handler cannot be nil")
	}
	return d.Register(messageType, interceptors.HandlerFunc(fn))
}

// Unregister removes the handler for a message type
func (d *MessageDispatcher) Unregister(messageType string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.handlers[messageType]; !exists {
		return fmt.Errorf("%w: %s", ErrNoHandler, messageType)
	}
	delete(d.handlers, messageType)

	d.logger.Info("unregistered message handler", "messageType", messageType)
	return nil
}

// Handle implements interceptors.Handler by dispatching to the registered handler
func (d *MessageDispatcher) Handle(ctx context.Context, envelope *contracts.Envelope) error {
	if envelope == nil {
		return fmt.Errorf("envelope cannot be nil")
	}

	d.mu.RLock()
	handler, exists := d.handlers[envelope.Type]
	d.mu.RUnlock()

	if !exists {
		d.logger.Warn("no handler registered for message type",
			"messageType", envelope.Type,
			"messageId", envelope.ID,
		)
		return fmt.Errorf("%w: %s", ErrNoHandler, envelope.Type)
	}

	if err := handler.Handle(ctx, envelope); err != nil {
		return fmt.Errorf("handler failed for message %s: %w", envelope.ID, err)
	}

	d.logger.Debug("message dispatched",
		"messageType", envelope.Type,
		"messageId", envelope.ID,
	)
	return nil
}

// RegisteredTypes returns the message types that have handlers, sorted
func (d *MessageDispatcher) RegisteredTypes() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	types := make([]string, 0, len(d.handlers))
	for typeName := range d.handlers {
		types = append(types, typeName)
	}
	sort.Strings(types)
	return types
}
