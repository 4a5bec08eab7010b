package dispatch

import "errors"

// Configuration errors
var (
	// ErrInvalidBatchSize indicates a batch size below one
	ErrInvalidBatchSize = errors.New("batch size must be at least 1")

	// ErrInvalidMaxWorkers indicates max workers is too low
	ErrInvalidMaxWorkers = errors.New("max workers must be at least 1")

	// ErrInvalidSendQueue indicates an unusable outbound queue size
	ErrInvalidSendQueue = errors.New("send queue size must be at least 1")

	// ErrInvalidMinVersion indicates min_worker_version is not a version
	ErrInvalidMinVersion = errors.New("min worker version is not a valid version")
)

// Authentication errors
var (
	// ErrInvalidToken indicates the token is unknown or revoked
	ErrInvalidToken = errors.New("invalid or revoked token")

	// ErrUnauthorized indicates the token lacks the required permission
	ErrUnauthorized = errors.New("unauthorized")

	// ErrVersionTooOld indicates the worker must be upgraded before connecting
	ErrVersionTooOld = errors.New("worker version is below the minimum supported version")
)

// Rate limiting errors
var (
	// ErrRateLimited indicates the client has exceeded the rate limit
	ErrRateLimited = errors.New("rate limit exceeded, please try again later")
)

// Connection errors
var (
	// ErrMaxWorkersReached indicates the server has reached its worker limit
	ErrMaxWorkersReached = errors.New("maximum workers reached")

	// ErrWorkerConnected indicates a second connection for the same worker identity
	ErrWorkerConnected = errors.New("worker is already connected")

	// ErrConnectionClosed indicates the connection was closed
	ErrConnectionClosed = errors.New("connection closed")

	// ErrSendTimeout indicates the outbound queue stayed full for the send timeout
	ErrSendTimeout = errors.New("outbound queue full")
)
