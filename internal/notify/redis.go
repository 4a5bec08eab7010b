package notify

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/replaycast/replaycast/internal/protocol"
)

// DefaultChannel is the Pub/Sub channel notices are mirrored to.
const DefaultChannel = "replaycast:notices"

// RedisMirror publishes notices to Redis Pub/Sub. Subscribers that are not
// listening miss them.
type RedisMirror struct {
	client  *redis.Client
	channel string
}

// NewRedisMirror parses redisURL and returns a mirror on channel.
func NewRedisMirror(redisURL, channel string) (*RedisMirror, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisMirror{client: redis.NewClient(opts), channel: channel}, nil
}

// Ping verifies the connection.
func (m *RedisMirror) Ping(ctx context.Context) error {
	return m.client.Ping(ctx).Err()
}

// Publish implements Publisher.
func (m *RedisMirror) Publish(ctx context.Context, msg *protocol.Message) error {
	data, err := msg.Marshal()
	if err != nil {
		return err
	}
	return m.client.Publish(ctx, m.channel, data).Err()
}

// Channel returns the Pub/Sub channel name.
func (m *RedisMirror) Channel() string { return m.channel }

// Close closes the Redis connection.
func (m *RedisMirror) Close() error { return m.client.Close() }
