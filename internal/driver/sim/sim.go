// Package sim is an in-process stand-in for the game world and chat channel.
package sim

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"behaviorbench/internal/apperrors"
	"behaviorbench/internal/driver"
	"behaviorbench/internal/logger"
	"behaviorbench/internal/models"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
)

// Options tune the simulated environment.
type Options struct {
	ConnectLatency time.Duration
	ActionLatency  time.Duration
	// ActionFailureRate is the probability that a single action is rejected.
	ActionFailureRate float64
	// FailConnect lists usernames whose connection attempts fail.
	FailConnect map[string]bool
	Seed        int64
}

type connection struct {
	id      string
	params  driver.ConnectParams
	status  models.BotStatus
	x, y, z int
	actions int
}

// Driver is the simulated environment.
type Driver struct {
	opts   Options
	events chan driver.BotEvent

	mu     sync.Mutex
	conns  map[string]*connection
	rng    *rand.Rand
	faker  *gofakeit.Faker
	closed bool
}

// New creates a simulated environment.
func New(opts Options) *Driver {
	seed := opts.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Driver{
		opts:   opts,
		events: make(chan driver.BotEvent, driver.EventBufferSize),
		conns:  make(map[string]*connection),
		rng:    rand.New(rand.NewSource(seed)),
		faker:  gofakeit.New(uint64(seed)),
	}
}

func (d *Driver) Name() string { return "sim" }

func (d *Driver) Events() <-chan driver.BotEvent { return d.events }

func (d *Driver) emit(connID, agentID string, status models.BotStatus, err error) {
	ev := driver.BotEvent{ConnectionID: connID, AgentID: agentID, Status: status, Err: err, At: time.Now()}
	if status == models.BotSpawned {
		ev.UserID = "sim-" + connID[:8]
	}
	select {
	case d.events <- ev:
	default:
		logger.Logger.Warn("sim driver event buffer full, dropping event", "connection_id", connID, "status", status)
	}
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Connect joins the simulated world. Agents listed in FailConnect are refused.
func (d *Driver) Connect(ctx context.Context, p driver.ConnectParams) (string, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return "", driver.ErrClosed
	}
	d.mu.Unlock()

	id := uuid.NewString()
	d.emit(id, p.AgentID, models.BotConnecting, nil)

	if err := wait(ctx, d.opts.ConnectLatency); err != nil {
		d.emit(id, p.AgentID, models.BotError, err)
		return "", &apperrors.ConnectionError{ConnectionID: id, Op: "connect", Err: err}
	}
	if d.opts.FailConnect[p.Username] {
		err := errors.New("connection refused by server")
		d.emit(id, p.AgentID, models.BotError, err)
		return "", &apperrors.ConnectionError{ConnectionID: id, Op: "connect", Err: err}
	}

	d.mu.Lock()
	d.conns[id] = &connection{
		id:     id,
		params: p,
		status: models.BotSpawned,
		x:      d.rng.Intn(200) - 100,
		y:      64,
		z:      d.rng.Intn(200) - 100,
	}
	d.mu.Unlock()

	d.emit(id, p.AgentID, models.BotConnected, nil)
	d.emit(id, p.AgentID, models.BotSpawned, nil)
	return id, nil
}

// Disconnect leaves the world. Disconnecting an unknown connection is a no-op.
func (d *Driver) Disconnect(_ context.Context, connID string) error {
	d.mu.Lock()
	c, ok := d.conns[connID]
	delete(d.conns, connID)
	d.mu.Unlock()

	if ok {
		d.emit(connID, c.params.AgentID, models.BotDisconnected, nil)
	}
	return nil
}

// Drop severs a connection as if the server kicked the bot.
func (d *Driver) Drop(connID string, reason error) {
	d.mu.Lock()
	c, ok := d.conns[connID]
	delete(d.conns, connID)
	d.mu.Unlock()

	if ok {
		d.emit(connID, c.params.AgentID, models.BotError, reason)
	}
}

// Connections returns the number of open connections.
func (d *Driver) Connections() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

// PerformAction applies an action to the world.
func (d *Driver) PerformAction(ctx context.Context, connID string, a driver.Action) (driver.Outcome, error) {
	d.mu.Lock()
	_, ok := d.conns[connID]
	d.mu.Unlock()
	if !ok {
		return driver.Outcome{}, &apperrors.ConnectionError{ConnectionID: connID, Op: "perform", Err: driver.ErrUnknownConnection}
	}

	if err := wait(ctx, d.opts.ActionLatency); err != nil {
		return driver.Outcome{}, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	c, ok := d.conns[connID]
	if !ok {
		return driver.Outcome{}, &apperrors.ConnectionError{ConnectionID: connID, Op: "perform", Err: driver.ErrUnknownConnection}
	}
	if d.rng.Float64() < d.opts.ActionFailureRate {
		return driver.Outcome{}, fmt.Errorf("%s: %w", a.Type, driver.ErrActionRejected)
	}

	c.actions++
	if a.Channel == "chat" {
		text := a.Text
		if text == "" {
			text = d.faker.Sentence(8)
		}
		return driver.Outcome{ChatAction: fmt.Sprintf("<%s> %s", c.params.Username, text)}, nil
	}

	c.x += d.rng.Intn(11) - 5
	c.z += d.rng.Intn(11) - 5
	return driver.Outcome{
		EnvironmentAction: fmt.Sprintf("%s %s at (%d, %d, %d) near %s", c.params.Username, a.Type, c.x, c.y, c.z, d.faker.Word()),
	}, nil
}

// Close disconnects every bot.
func (d *Driver) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	conns := d.conns
	d.conns = make(map[string]*connection)
	d.mu.Unlock()

	for id, c := range conns {
		d.emit(id, c.params.AgentID, models.BotDisconnected, nil)
	}
	return nil
}
