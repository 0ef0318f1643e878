// Package eventbus fans lifecycle and action events out to observers.
package eventbus

import (
	"time"

	"behaviorbench/internal/models"
)

// Type names the kind of an event.
type Type string

const (
	TypeRunStatus   Type = "run.status"
	TypeHeartbeat   Type = "run.heartbeat"
	TypeAgentStatus Type = "agent.status"
	TypeBotStatus   Type = "bot.status"
	TypeAction      Type = "agent.action"
)

// Event is the envelope delivered to every observer. Seq is assigned by the
// bus at publish time and increases strictly across all events.
type Event struct {
	Seq       uint64    `json:"seq"`
	Type      Type      `json:"type"`
	RunID     string    `json:"runId"`
	EntityID  string    `json:"entityId"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload,omitempty"`
}

// RunStatusPayload accompanies TypeRunStatus.
type RunStatusPayload struct {
	Status   models.RunStatus `json:"status"`
	Previous models.RunStatus `json:"previous"`
	Reason   string           `json:"reason,omitempty"`
}

// AgentStatusPayload accompanies TypeAgentStatus.
type AgentStatusPayload struct {
	Status   models.AgentStatus `json:"status"`
	Previous models.AgentStatus `json:"previous"`
	Profile  string             `json:"profile"`
	Error    string             `json:"error,omitempty"`
}

// BotStatusPayload accompanies TypeBotStatus.
type BotStatusPayload struct {
	Status       models.BotStatus `json:"status"`
	ConnectionID string           `json:"connectionId,omitempty"`
	Error        string           `json:"error,omitempty"`
}

// ActionPayload accompanies TypeAction.
type ActionPayload struct {
	Action    models.BehavioralAction `json:"action"`
	Profile   string                  `json:"profile"`
	LatencyMs int64                   `json:"latencyMs"`
}

// HeartbeatPayload accompanies TypeHeartbeat.
type HeartbeatPayload struct {
	Status    models.RunStatus           `json:"status"`
	Worst     models.AgentStatus         `json:"worst"`
	ByStatus  map[models.AgentStatus]int `json:"byStatus"`
	Connected int                        `json:"connected"`
	Total     int                        `json:"total"`
	Actions   int64                      `json:"actions"`
}
