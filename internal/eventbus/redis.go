package eventbus

import (
	"context"
	"fmt"
	"time"

	"behaviorbench/internal/logger"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
)

// DefaultStream is the Redis stream events are mirrored to.
const DefaultStream = "behaviorbench.events"

// RedisMirror copies every bus event into a capped Redis stream so external
// consumers can tail a run without holding a WebSocket open.
type RedisMirror struct {
	client *redis.Client
	stream string
	maxLen int64
	sub    *Subscription
}

// NewRedisMirror connects to the Redis instance at url.
func NewRedisMirror(url, stream string, maxLen int64) (*RedisMirror, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis: %w", err)
	}
	return NewRedisMirrorWithClient(redis.NewClient(opt), stream, maxLen), nil
}

// NewRedisMirrorWithClient wraps an existing client.
func NewRedisMirrorWithClient(client *redis.Client, stream string, maxLen int64) *RedisMirror {
	if stream == "" {
		stream = DefaultStream
	}
	if maxLen <= 0 {
		maxLen = 10000
	}
	return &RedisMirror{client: client, stream: stream, maxLen: maxLen}
}

// Ping checks the connection.
func (m *RedisMirror) Ping(ctx context.Context) error {
	return m.client.Ping(ctx).Err()
}

// Attach subscribes the mirror to bus.
func (m *RedisMirror) Attach(bus *Bus) {
	m.sub = bus.Subscribe(nil, m.write)
}

// Close detaches from the bus and closes the client.
func (m *RedisMirror) Close() error {
	if m.sub != nil {
		m.sub.Unsubscribe()
	}
	return m.client.Close()
}

func (m *RedisMirror) write(ev Event) {
	data, err := sonic.MarshalString(ev)
	if err != nil {
		logger.Logger.Warn("failed to encode event for redis", "seq", ev.Seq, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err = m.client.XAdd(ctx, &redis.XAddArgs{
		Stream: m.stream,
		MaxLen: m.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"seq":       ev.Seq,
			"type":      string(ev.Type),
			"run_id":    ev.RunID,
			"entity_id": ev.EntityID,
			"data":      data,
		},
	}).Err()
	if err != nil {
		logger.Logger.Warn("failed to mirror event to redis", "seq", ev.Seq, "error", err)
	}
}
