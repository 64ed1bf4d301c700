package contracts

import (
	"time"
)

// Message is the base interface for all messages
type Message interface {
	GetID() string
	GetTimestamp() time.Time
	GetType() string
	GetCorrelationID() string
	SetCorrelationID(correlationID string)
}

// Reply represents a response to a request
type Reply interface {
	Message
	IsSuccess() bool
	GetError() error
}
