package messaging

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/glimte/mmate-async/contracts"
)

// EnvelopeOption configures envelope creation
type EnvelopeOption func(*contracts.Envelope)

// WithEnvelopeHeaders merges custom headers into the envelope
func WithEnvelopeHeaders(headers map[string]interface{}) EnvelopeOption {
	return func(e *contracts.Envelope) {
		for k, v := range headers {
			e.SetHeader(k, v)
		}
	}
}

// WithEnvelopeReplyTo sets the queue replies should be sent to
func WithEnvelopeReplyTo(replyTo string) EnvelopeOption {
	return func(e *contracts.Envelope) {
		e.ReplyTo = replyTo
		e.SetHeader(contracts.HeaderReplyTo, replyTo)
	}
}

// WithEnvelopeCorrelationID overrides the correlation id taken from the message
func WithEnvelopeCorrelationID(correlationID string) EnvelopeOption {
	return func(e *contracts.Envelope) {
		e.CorrelationID = correlationID
		e.SetHeader(contracts.HeaderCorrelationID, correlationID)
	}
}

// WithEnvelopeInReplyTo marks the envelope as the reply to correlationID
func WithEnvelopeInReplyTo(correlationID string) EnvelopeOption {
	return func(e *contracts.Envelope) {
		e.SetHeader(contracts.HeaderInReplyTo, correlationID)
	}
}

// EnvelopeFactory creates message envelopes with standard headers
type EnvelopeFactory struct {
	source string
	now    func() time.Time
}

// NewEnvelopeFactory creates an envelope factory stamping source on every envelope
func NewEnvelopeFactory(source string) *EnvelopeFactory {
	return &EnvelopeFactory{
		source: source,
		now:    time.Now,
	}
}

// CreateEnvelope serializes message and wraps it in an envelope
func (f *EnvelopeFactory) CreateEnvelope(message contracts.Message, opts ...EnvelopeOption) (*contracts.Envelope, error) {
	if message == nil {
		return nil, fmt.Errorf("message cannot be nil")
	}

	body, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}

	envelope := &contracts.Envelope{
		ID:            message.GetID(),
		Type:          message.GetType(),
		CorrelationID: message.GetCorrelationID(),
		Timestamp:     f.now().UTC().Format(time.RFC3339Nano),
		Headers:       make(map[string]interface{}),
		Body:          body,
	}

	envelope.Headers[contracts.HeaderMessageID] = message.GetID()
	envelope.Headers[contracts.HeaderMessageType] = message.GetType()
	if envelope.CorrelationID != "" {
		envelope.Headers[contracts.HeaderCorrelationID] = envelope.CorrelationID
	}
	if f.source != "" {
		envelope.Headers[contracts.HeaderSource] = f.source
	}

	for _, opt := range opts {
		opt(envelope)
	}

	return envelope, nil
}
