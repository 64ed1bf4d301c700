package replies

import "errors"

var (
	// ErrNilStore is returned when a component is constructed without a store
	ErrNilStore = errors.New("replies: correlation store is required")

	// ErrNilLogger is returned when a component is given a nil logger
	ErrNilLogger = errors.New("replies: logger is required")

	// ErrNilTaskFactory is returned when the sweeper has no task factory
	ErrNilTaskFactory = errors.New("replies: task factory is required")

	// ErrInvalidMaxAge is returned for a non-positive reply max age
	ErrInvalidMaxAge = errors.New("replies: reply max age must be positive")

	// ErrReplyTimeout is returned by Await when the deadline passes before a reply arrives
	ErrReplyTimeout = errors.New("replies: timed out waiting for reply")
)
