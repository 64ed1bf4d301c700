package contracts

import (
	"time"

	"github.com/google/uuid"
)

// BaseMessage provides common fields for all message types
type BaseMessage struct {
	ID            string    `json:"id"`
	Timestamp     time.Time `json:"timestamp"`
	Type          string    `json:"type"`
	CorrelationID string    `json:"correlationId,omitempty"`
}

// NewBaseMessage creates a new base message with generated ID and current timestamp
func NewBaseMessage(messageType string) BaseMessage {
	return BaseMessage{
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC(),
		Type:      messageType,
	}
}

// GetID returns the message ID
func (m BaseMessage) GetID() string {
	return m.ID
}

// GetTimestamp returns the message timestamp
func (m BaseMessage) GetTimestamp() time.Time {
	return m.Timestamp
}

// GetType returns the message type
func (m BaseMessage) GetType() string {
	return m.Type
}

// GetCorrelationID returns the correlation ID
func (m BaseMessage) GetCorrelationID() string {
	return m.CorrelationID
}

// SetCorrelationID sets the correlation ID
func (m *BaseMessage) SetCorrelationID(correlationID string) {
	m.CorrelationID = correlationID
}

// BaseReply provides common fields for reply messages
type BaseReply struct {
	BaseMessage
	Success bool `json:"success"`
}

// NewBaseReply creates a successful reply of the given type
func NewBaseReply(messageType string) BaseReply {
	return BaseReply{
		BaseMessage: NewBaseMessage(messageType),
		Success:     true,
	}
}

// IsSuccess returns whether the reply indicates success
func (r BaseReply) IsSuccess() bool {
	return r.Success
}

// GetError returns nil for successful replies (can be overridden)
func (r BaseReply) GetError() error {
	return nil
}
