// Package driver defines the contract between the orchestration core and the
// environments agents act in.
package driver

import (
	"context"
	"errors"
	"time"

	"behaviorbench/internal/models"
)

var (
	// ErrActionRejected means the environment refused a single action. The
	// connection is still usable.
	ErrActionRejected = errors.New("action rejected")
	// ErrUnknownConnection means the connection id is not (or no longer) open.
	ErrUnknownConnection = errors.New("unknown connection")
	// ErrClosed is returned after the driver has been closed.
	ErrClosed = errors.New("driver closed")
)

// ConnectParams identify the agent that is joining the environment.
type ConnectParams struct {
	RunID       string
	AgentID     string
	Username    string
	Profile     string
	Environment models.EnvironmentParams
}

// Action is a single thing an agent does.
type Action struct {
	Seq     uint64
	Type    string
	Channel string
	// Text is the chat message to send, if any.
	Text string
}

// Outcome describes what happened in the environment.
type Outcome struct {
	EnvironmentAction string
	ChatAction        string
}

// BotEvent reports a change of a connection's state. AgentID is copied from
// ConnectParams so events emitted before Connect returns can still be routed.
type BotEvent struct {
	ConnectionID string
	AgentID      string
	Status       models.BotStatus
	UserID       string
	Err          error
	At           time.Time
}

// Driver connects agents to an environment.
type Driver interface {
	Name() string
	Connect(ctx context.Context, p ConnectParams) (string, error)
	Disconnect(ctx context.Context, connID string) error
	PerformAction(ctx context.Context, connID string, a Action) (Outcome, error)
	// Events streams status changes for every connection.
	Events() <-chan BotEvent
	Close() error
}

// EventBufferSize is the capacity of a driver's event stream.
const EventBufferSize = 512
