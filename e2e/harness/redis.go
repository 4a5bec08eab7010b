package harness

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/replaycast/replaycast/internal/notify"
	"github.com/replaycast/replaycast/internal/protocol"
)

// NoticeListener collects notices mirrored to Redis.
type NoticeListener struct {
	client *redis.Client
	sub    *redis.PubSub

	mu      sync.Mutex
	notices []protocol.Message
	done    chan struct{}
}

// ListenNotices subscribes to the default notice channel.
func ListenNotices(url string) (*NoticeListener, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sub := client.Subscribe(ctx, notify.DefaultChannel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("subscribe: %w", err)
	}

	l := &NoticeListener{client: client, sub: sub, done: make(chan struct{})}
	go func() {
		defer close(l.done)
		for m := range sub.Channel() {
			var msg protocol.Message
			if json.Unmarshal([]byte(m.Payload), &msg) != nil {
				continue
			}
			l.mu.Lock()
			l.notices = append(l.notices, msg)
			l.mu.Unlock()
		}
	}()
	return l, nil
}

// WaitFor returns the first notice of msgType seen within timeout.
func (l *NoticeListener) WaitFor(msgType string, timeout time.Duration) (*protocol.Message, error) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		l.mu.Lock()
		for i := range l.notices {
			if l.notices[i].Type == msgType {
				msg := l.notices[i]
				l.mu.Unlock()
				return &msg, nil
			}
		}
		l.mu.Unlock()
		time.Sleep(20 * time.Millisecond)
	}
	return nil, fmt.Errorf("no %s notice within %s", msgType, timeout)
}

// HeartbeatCount returns the number of heartbeat entries on stream.
func (l *NoticeListener) HeartbeatCount(ctx context.Context, stream string) (int64, error) {
	return l.client.XLen(ctx, stream).Result()
}

// Close unsubscribes.
func (l *NoticeListener) Close() error {
	_ = l.sub.Close()
	<-l.done
	return l.client.Close()
}
