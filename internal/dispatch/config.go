package dispatch

import (
	"time"

	"github.com/hashicorp/go-version"

	"github.com/replaycast/replaycast/internal/ledger"
)

// Config holds the dispatch server configuration
type Config struct {
	// BatchSize is the maximum number of jobs offered per videos request (K)
	BatchSize int

	// MaxWorkers is the maximum number of concurrent worker connections
	MaxWorkers int

	// MinWorkerVersion rejects workers reporting an older X-Replaycast-Version (empty disables)
	MinWorkerVersion string

	// RateLimitRPS is the connection attempt rate per IP
	RateLimitRPS float64

	// RateLimitBurst is the burst limit for rate limiting
	RateLimitBurst int

	// SendQueueSize bounds each connection's outbound channel
	SendQueueSize int

	// SendTimeout is how long Send waits for room in a full queue
	SendTimeout time.Duration

	// WriteTimeout bounds a single websocket write
	WriteTimeout time.Duration

	// IdleTimeout closes connections that send nothing, not even a ping
	IdleTimeout time.Duration

	// MaxMessageSize bounds inbound text frames
	MaxMessageSize int64

	// MapMirrorURL is the base of mapDownloadUrl for workshop maps (empty disables)
	MapMirrorURL string

	// Bot is advertised to the control-plane bot in the config message
	Bot BotLimits
}

// BotLimits are the capability limits sent to the bot.
type BotLimits struct {
	Titles        []string
	Qualities     []ledger.Quality
	MaxReplaySize int64
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		BatchSize:      1,
		MaxWorkers:     64,
		RateLimitRPS:   1.0,
		RateLimitBurst: 5,
		SendQueueSize:  16,
		SendTimeout:    5 * time.Second,
		WriteTimeout:   30 * time.Second,
		IdleTimeout:    90 * time.Second,
		MaxMessageSize: 64 << 10,
		Bot: BotLimits{
			Qualities:     ledger.Qualities,
			MaxReplaySize: 100 << 20,
		},
	}
}

// Validate checks that the configuration is usable
func (c *Config) Validate() error {
	if c.BatchSize < 1 {
		return ErrInvalidBatchSize
	}
	if c.MaxWorkers < 1 {
		return ErrInvalidMaxWorkers
	}
	if c.SendQueueSize < 1 {
		return ErrInvalidSendQueue
	}
	if c.MinWorkerVersion != "" {
		if _, err := version.NewVersion(c.MinWorkerVersion); err != nil {
			return ErrInvalidMinVersion
		}
	}
	return nil
}
