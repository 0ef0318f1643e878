package models

import "time"

// Notes recorded on actions cut short by shutdown.
const (
	NoteInterruptedCancel = "interrupted: run cancelled"
	NoteInterruptedStop   = "interrupted: agent terminated"
)

// BehavioralAction is one entry of an agent's append-only action log.
type BehavioralAction struct {
	ID                string    `gorm:"primary_key" json:"id"`
	AgentID           string    `gorm:"index" json:"agentId"`
	RunID             string    `gorm:"index" json:"runId"`
	Seq               uint64    `json:"seq"`
	Type              string    `json:"type"`
	Channel           string    `json:"channel"`
	Timestamp         time.Time `gorm:"index" json:"timestamp"`
	EnvironmentAction string    `gorm:"type:text" json:"environmentAction,omitempty"`
	ChatAction        string    `gorm:"type:text" json:"chatAction,omitempty"`
	InteractionID     string    `json:"interactionId,omitempty"`
	Handshake         bool      `json:"handshake,omitempty"`
	Success           bool      `json:"success"`
	Attempts          int       `json:"attempts"`
	Notes             string    `gorm:"type:text" json:"notes,omitempty"`
}

// TableName sets the action table name.
func (BehavioralAction) TableName() string { return "behavioral_actions" }

// LLMInteraction is one prompt/response exchange with the target model.
type LLMInteraction struct {
	ID        string    `gorm:"primary_key" json:"id"`
	AgentID   string    `gorm:"index" json:"agentId"`
	RunID     string    `gorm:"index" json:"runId"`
	Model     string    `json:"model"`
	Prompt    string    `gorm:"type:text" json:"prompt"`
	Response  string    `gorm:"type:text" json:"response"`
	LatencyMs int64     `json:"latencyMs"`
	Error     string    `gorm:"type:text" json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// TableName sets the interaction table name.
func (LLMInteraction) TableName() string { return "llm_interactions" }
