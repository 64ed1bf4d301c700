package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/glimte/mmate-async/contracts"
)

// HandlerErrorCode is the error code of replies produced from a failed request handler
const HandlerErrorCode = "HANDLER_ERROR"

// RequestHandlerFunc answers a request. A nil reply with a nil error sends nothing.
type RequestHandlerFunc func(ctx context.Context, request *contracts.Envelope) (contracts.Message, error)

// Responder registers request handlers on a dispatcher and sends their
// replies back to the requester
type Responder struct {
	dispatcher *MessageDispatcher
	publisher  *MessagePublisher
	logger     *slog.Logger
}

// ResponderOption configures Responder
type ResponderOption func(*Responder)

// WithResponderLogger sets the logger for the responder
func WithResponderLogger(logger *slog.Logger) ResponderOption {
	return func(r *Responder) {
		r.logger = logger
	}
}

// NewResponder creates a new responder
func NewResponder(dispatcher *MessageDispatcher, publisher *MessagePublisher, opts ...ResponderOption) (*Responder, error) {
	if dispatcher == nil {
		return nil, fmt.Errorf("dispatcher cannot be nil")
	}
	if publisher == nil {
		return nil, fmt.Errorf("publisher cannot be nil")
	}

	r := &Responder{
		dispatcher: dispatcher,
		publisher:  publisher,
		logger:     slog.Default(),
	}

	for _, opt := range opts {
		opt(r)
	}

	return r, nil
}

// HandleRequest registers fn for requests of messageType. A handler error is
// sent back as a contracts.ErrorReply.
func (r *Responder) HandleRequest(messageType string, fn RequestHandlerFunc) error {
	if fn == nil {
		return fmt.Errorf("handler cannot be nil")
	}

	return r.dispatcher.RegisterFunc(messageType, func(ctx context.Context, request *contracts.Envelope) error {
		reply, err := fn(ctx, request)
		if err != nil {
			r.logger.Error("request handler failed",
				"messageType", messageType,
				"messageId", request.ID,
				"error", err,
			)
			reply = contracts.NewErrorReply(HandlerErrorCode, err.Error())
		}
		if reply == nil {
			return nil
		}

		if err := r.publisher.Reply(ctx, request, reply); err != nil {
			if errors.Is(err, ErrNoReplyAddress) {
				r.logger.Warn("dropping reply to request without reply-to",
					"messageType", messageType,
					"messageId", request.ID,
				)
				return nil
			}
			return err
		}
		return nil
	})
}
