package config

import "errors"

// Configuration validation errors
var (
	ErrMissingListen      = errors.New("listen address is required")
	ErrMissingDatabase    = errors.New("database dsn is required")
	ErrMissingReplayRoot  = errors.New("replay_root is required")
	ErrMissingCoordinator = errors.New("coordinator_url is required")
	ErrMissingToken       = errors.New("worker token is required")
	ErrNoTitles           = errors.New("at least one title must be configured")
	ErrInvalidQuality     = errors.New("max_quality is not a supported quality")
)
