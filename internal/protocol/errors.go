package protocol

import "errors"

// Protocol errors
var (
	// ErrInvalidMessageType indicates the message type is not recognized
	ErrInvalidMessageType = errors.New("invalid message type")

	// ErrInvalidMessage indicates the message is malformed
	ErrInvalidMessage = errors.New("invalid message format")

	// ErrMissingJobID indicates a job-scoped message without a job id
	ErrMissingJobID = errors.New("job id is required")
)

// Frame errors
var (
	// ErrShortFrame indicates a binary frame shorter than its declared header
	ErrShortFrame = errors.New("binary frame truncated")

	// ErrFrameTooLarge indicates a metadata header above MaxMetadataSize
	ErrFrameTooLarge = errors.New("binary frame metadata too large")
)
