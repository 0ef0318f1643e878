package eventbus

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisMirror(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	mirror := NewRedisMirrorWithClient(client, "", 100)
	require.NoError(t, mirror.Ping(context.Background()))

	bus := New(16)
	defer bus.Close()
	mirror.Attach(bus)
	defer mirror.Close()

	bus.Publish(Event{Type: TypeRunStatus, RunID: "run-1", EntityID: "run-1"})
	bus.Publish(Event{Type: TypeAgentStatus, RunID: "run-1", EntityID: "agent-1"})

	reader := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer reader.Close()

	var entries []redis.XMessage
	require.Eventually(t, func() bool {
		entries, err = reader.XRange(context.Background(), DefaultStream, "-", "+").Result()
		return err == nil && len(entries) == 2
	}, time.Second, 10*time.Millisecond)

	assert.Equal(t, "run.status", entries[0].Values["type"])
	assert.Equal(t, "agent-1", entries[1].Values["entity_id"])
	assert.Contains(t, entries[1].Values["data"], `"runId":"run-1"`)
}

func TestNewRedisMirror_BadURL(t *testing.T) {
	_, err := NewRedisMirror("not a url", "", 0)
	assert.Error(t, err)
}
