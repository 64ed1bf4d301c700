package contracts

import (
	"encoding/json"
	"fmt"
)

// Well-known envelope header keys
const (
	HeaderMessageID     = "message-id"
	HeaderMessageType   = "message-type"
	HeaderCorrelationID = "correlation-id"
	HeaderReplyTo       = "reply-to"
	HeaderInReplyTo     = "in-reply-to"
	HeaderSource        = "source"
)

// Envelope wraps messages for transport
type Envelope struct {
	ID            string                 `json:"id"`
	Type          string                 `json:"type"`
	Timestamp     string                 `json:"timestamp"`
	CorrelationID string                 `json:"correlationId,omitempty"`
	ReplyTo       string                 `json:"replyTo,omitempty"`
	Headers       map[string]interface{} `json:"headers,omitempty"`
	Body          json.RawMessage        `json:"body"`
}

// Header returns the string value of a header. Byte slices are accepted
// because AMQP peers may encode header values either way.
func (e *Envelope) Header(key string) (string, bool) {
	if e == nil || e.Headers == nil {
		return "", false
	}
	switch v := e.Headers[key].(type) {
	case string:
		return v, true
	case []byte:
		return string(v), true
	default:
		return "", false
	}
}

// SetHeader sets a header, allocating the map when needed
func (e *Envelope) SetHeader(key string, value interface{}) {
	if e.Headers == nil {
		e.Headers = make(map[string]interface{})
	}
	e.Headers[key] = value
}

// InReplyTo returns the correlation id this envelope answers, if any
func (e *Envelope) InReplyTo() (string, bool) {
	return e.Header(HeaderInReplyTo)
}

// Decode unmarshals the envelope body into target
func (e *Envelope) Decode(target interface{}) error {
	if e == nil {
		return fmt.Errorf("envelope cannot be nil")
	}
	if len(e.Body) == 0 {
		return fmt.Errorf("envelope %s has an empty body", e.ID)
	}
	if err := json.Unmarshal(e.Body, target); err != nil {
		return fmt.Errorf("failed to decode envelope %s: %w", e.ID, err)
	}
	return nil
}
