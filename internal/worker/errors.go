package worker

import "errors"

var (
	// ErrNotConnected means no coordinator connection is up.
	ErrNotConnected = errors.New("not connected to coordinator")

	// ErrDropped means a best-effort message gave up after its retries.
	ErrDropped = errors.New("message dropped after retries")

	// ErrRejected means the coordinator refused the token. Retrying will not help.
	ErrRejected = errors.New("coordinator rejected worker credentials")

	// ErrVersionRejected means the coordinator requires a newer worker.
	ErrVersionRejected = errors.New("coordinator requires a newer worker version")
)

// Config errors
var (
	ErrMissingCoordinator = errors.New("coordinator url is required")
	ErrMissingToken       = errors.New("worker token is required")
	ErrNoTitles           = errors.New("at least one title must be configured")
	ErrInvalidInterval    = errors.New("check interval must be positive")
)
