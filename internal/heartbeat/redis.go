// Package heartbeat publishes worker status to Redis for dashboards and
// fleet monitoring.
//
//	Worker                                         Redis
//	┌───────────┐  PUBLISH replaycast:worker:status:<node>  ┌─────────┐
//	│ Publisher │ ────────────────────────────────────────▶ │ Pub/Sub │ → live views
//	│   (30s)   │  XADD replaycast:worker:status:stream     ┌─────────┐
//	│           │ ────────────────────────────────────────▶ │ Stream  │ → history
//	└───────────┘                                            └─────────┘
package heartbeat

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/replaycast/replaycast/internal/logging"
	"github.com/replaycast/replaycast/internal/status"
)

// nodeIDPattern keeps node ids safe to embed in key names.
var nodeIDPattern = regexp.MustCompile(`^[a-zA-Z0-9._-]{1,64}$`)

const (
	channelPrefix     = "replaycast:worker:status:"
	DefaultStreamName = "replaycast:worker:status:stream"
	streamMaxLen      = 10000
)

// Source produces the status payload. *status.Collector implements it.
type Source interface {
	Collect(ctx context.Context) (*status.WorkerStatus, error)
}

// StatusMessage is the payload published to Redis.
type StatusMessage struct {
	Version   string               `json:"version"`
	Timestamp string               `json:"timestamp"`
	NodeID    string               `json:"nodeId"`
	Status    *status.WorkerStatus `json:"status"`
}

// Config holds configuration for the Redis status publisher.
type Config struct {
	// RedisURL is the Redis connection URL
	RedisURL string

	// RedisPassword overrides the password in RedisURL (optional)
	RedisPassword string

	// NodeID is the worker node name
	NodeID string

	// Interval is the time between publishes (default: 30s)
	Interval time.Duration

	// StreamName overrides DefaultStreamName
	StreamName string
}

// Publisher publishes worker status to Pub/Sub and a capped stream.
type Publisher struct {
	client   *redis.Client
	nodeID   string
	interval time.Duration
	source   Source
	log      *logging.Logger

	channel string
	stream  string
}

// NewPublisher creates a publisher. It does not connect until Start.
func NewPublisher(cfg Config, source Source, log *logging.Logger) (*Publisher, error) {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if !nodeIDPattern.MatchString(cfg.NodeID) {
		return nil, fmt.Errorf("invalid node ID %q: must be 1-64 alphanumeric characters, hyphens, underscores, or dots", cfg.NodeID)
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	if cfg.RedisPassword != "" {
		opts.Password = cfg.RedisPassword
	}
	if cfg.StreamName == "" {
		cfg.StreamName = DefaultStreamName
	}
	if log == nil {
		log = logging.NewDefault()
	}

	return &Publisher{
		client:   redis.NewClient(opts),
		nodeID:   cfg.NodeID,
		interval: cfg.Interval,
		source:   source,
		log:      log.WithComponent("heartbeat"),
		channel:  channelPrefix + cfg.NodeID,
		stream:   cfg.StreamName,
	}, nil
}

// Start publishes immediately and then every interval until ctx is cancelled.
// Failed publishes are logged; only an unreachable Redis at startup is an error.
func (p *Publisher) Start(ctx context.Context) error {
	if err := p.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}
	p.log.Debug("publishing heartbeats", "channel", p.channel, "stream", p.stream, "interval", p.interval.String())

	if err := p.PublishOnce(ctx); err != nil {
		p.log.Warn("initial heartbeat failed", "error", err)
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := p.PublishOnce(ctx); err != nil && ctx.Err() == nil {
				p.log.Warn("heartbeat failed", "error", err)
			}
		}
	}
}

// PublishOnce collects status and publishes it to both Pub/Sub and the stream.
func (p *Publisher) PublishOnce(ctx context.Context) error {
	st, err := p.source.Collect(ctx)
	if err != nil {
		return fmt.Errorf("failed to collect status: %w", err)
	}

	msg := StatusMessage{
		Version:   status.StatusVersion,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		NodeID:    p.nodeID,
		Status:    st,
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal status: %w", err)
	}

	if err := p.client.Publish(ctx, p.channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish to Pub/Sub: %w", err)
	}

	if err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		Values: map[string]any{
			"nodeId":    p.nodeID,
			"timestamp": msg.Timestamp,
			"state":     st.Render.State,
			"payload":   string(data),
		},
		MaxLen: streamMaxLen,
		Approx: true,
	}).Err(); err != nil {
		return fmt.Errorf("failed to add to stream: %w", err)
	}
	return nil
}

// Close closes the Redis connection.
func (p *Publisher) Close() error {
	return p.client.Close()
}

// Channel returns the Pub/Sub channel name.
func (p *Publisher) Channel() string { return p.channel }

// StreamName returns the stream name.
func (p *Publisher) StreamName() string { return p.stream }
