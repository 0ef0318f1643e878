package sim

import (
	"context"
	"errors"
	"testing"
	"time"

	"behaviorbench/internal/apperrors"
	"behaviorbench/internal/driver"
	"behaviorbench/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain(d *Driver, n int, timeout time.Duration) []driver.BotEvent {
	var out []driver.BotEvent
	deadline := time.After(timeout)
	for len(out) < n {
		select {
		case ev := <-d.Events():
			out = append(out, ev)
		case <-deadline:
			return out
		}
	}
	return out
}

func TestSimDriver_Lifecycle(t *testing.T) {
	d := New(Options{Seed: 1})
	ctx := context.Background()

	id, err := d.Connect(ctx, driver.ConnectParams{AgentID: "agent-1", Username: "leader-1"})
	require.NoError(t, err)

	events := drain(d, 3, time.Second)
	require.Len(t, events, 3)
	for _, ev := range events {
		assert.Equal(t, "agent-1", ev.AgentID)
		assert.Equal(t, id, ev.ConnectionID)
	}
	assert.Equal(t, models.BotConnecting, events[0].Status)
	assert.Equal(t, models.BotConnected, events[1].Status)
	assert.Equal(t, models.BotSpawned, events[2].Status)
	assert.NotEmpty(t, events[2].UserID)

	out, err := d.PerformAction(ctx, id, driver.Action{Type: "gather_wood", Channel: "environment"})
	require.NoError(t, err)
	assert.Contains(t, out.EnvironmentAction, "gather_wood")

	out, err = d.PerformAction(ctx, id, driver.Action{Type: "announce_plan", Channel: "chat", Text: "follow me"})
	require.NoError(t, err)
	assert.Equal(t, "<leader-1> follow me", out.ChatAction)

	require.NoError(t, d.Disconnect(ctx, id))
	events = drain(d, 1, time.Second)
	require.Len(t, events, 1)
	assert.Equal(t, models.BotDisconnected, events[0].Status)

	_, err = d.PerformAction(ctx, id, driver.Action{Type: "gather_wood"})
	assert.True(t, apperrors.IsConnection(err))
	assert.ErrorIs(t, err, driver.ErrUnknownConnection)
}

func TestSimDriver_FailConnect(t *testing.T) {
	d := New(Options{FailConnect: map[string]bool{"confuser-1": true}})

	_, err := d.Connect(context.Background(), driver.ConnectParams{Username: "confuser-1"})
	assert.True(t, apperrors.IsConnection(err))
	assert.Equal(t, 0, d.Connections())

	events := drain(d, 2, time.Second)
	require.Len(t, events, 2)
	assert.Equal(t, models.BotError, events[1].Status)
}

func TestSimDriver_ActionFailures(t *testing.T) {
	d := New(Options{ActionFailureRate: 1})
	id, err := d.Connect(context.Background(), driver.ConnectParams{Username: "bot"})
	require.NoError(t, err)

	_, err = d.PerformAction(context.Background(), id, driver.Action{Type: "wander"})
	assert.ErrorIs(t, err, driver.ErrActionRejected)
	assert.False(t, apperrors.IsConnection(err))
}

func TestSimDriver_CancelledAction(t *testing.T) {
	d := New(Options{ActionLatency: time.Hour})
	id, err := d.Connect(context.Background(), driver.ConnectParams{Username: "bot"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = d.PerformAction(ctx, id, driver.Action{Type: "wander"})
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestSimDriver_DropAndClose(t *testing.T) {
	d := New(Options{})
	a, err := d.Connect(context.Background(), driver.ConnectParams{Username: "a"})
	require.NoError(t, err)
	_, err = d.Connect(context.Background(), driver.ConnectParams{Username: "b"})
	require.NoError(t, err)
	drain(d, 6, time.Second)

	d.Drop(a, errors.New("kicked"))
	ev := drain(d, 1, time.Second)
	require.Len(t, ev, 1)
	assert.Equal(t, models.BotError, ev[0].Status)
	assert.Equal(t, 1, d.Connections())

	require.NoError(t, d.Close())
	require.NoError(t, d.Close())
	assert.Equal(t, 0, d.Connections())

	_, err = d.Connect(context.Background(), driver.ConnectParams{Username: "c"})
	assert.ErrorIs(t, err, driver.ErrClosed)
}
