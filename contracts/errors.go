package contracts

import (
	"fmt"
)

// ErrorReplyType is the message type used for replies produced from handler failures
const ErrorReplyType = "ErrorReply"

// ErrorReply represents an error response
type ErrorReply struct {
	BaseReply
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

// NewErrorReply creates a new error reply
func NewErrorReply(errorCode string, errorMessage string) *ErrorReply {
	return &ErrorReply{
		BaseReply:    BaseReply{BaseMessage: NewBaseMessage(ErrorReplyType), Success: false},
		ErrorCode:    errorCode,
		ErrorMessage: errorMessage,
	}
}

// IsSuccess returns false for error replies
func (e ErrorReply) IsSuccess() bool {
	return false
}

// GetError returns the error
func (e ErrorReply) GetError() error {
	return fmt.Errorf("%s: %s", e.ErrorCode, e.ErrorMessage)
}
