package models

import (
	"time"

	"behaviorbench/internal/profiles"

	"github.com/bytedance/sonic"
)

// AgentInstance is one simulated participant bound to a profile within a run.
type AgentInstance struct {
	ID           string            `gorm:"primary_key" json:"id"`
	RunID        string            `gorm:"index" json:"runId"`
	Profile      profiles.ID       `json:"profile"`
	Name         string            `json:"name"`
	Status       AgentStatus       `gorm:"index" json:"status"`
	BotStatus    BotStatus         `json:"botStatus"`
	ConnectionID string            `json:"connectionId,omitempty"`
	ChatUserID   string            `json:"chatUserId,omitempty"`
	SystemPrompt string            `gorm:"type:text" json:"systemPrompt"`
	SpawnedAt    *time.Time        `json:"spawnedAt,omitempty"`
	LastActionAt *time.Time        `json:"lastActionAt,omitempty"`
	ActionCount  int64             `json:"actionCount"`
	// Schedule holds the serialised behavior schedule while the agent is paused.
	Schedule     string            `gorm:"type:text" json:"-"`
	Metadata     map[string]string `gorm:"-" json:"metadata,omitempty"`
	MetadataJSON string            `gorm:"column:metadata;type:text" json:"-"`
	CreatedAt    time.Time         `json:"createdAt"`
	UpdatedAt    time.Time         `json:"updatedAt"`
}

// TableName sets the agent table name.
func (AgentInstance) TableName() string { return "agent_instances" }

// BeforeSave serialises the metadata column.
func (a *AgentInstance) BeforeSave() error {
	if len(a.Metadata) == 0 {
		a.MetadataJSON = ""
		return nil
	}
	var err error
	a.MetadataJSON, err = sonic.MarshalString(a.Metadata)
	return err
}

// AfterFind restores the metadata column.
func (a *AgentInstance) AfterFind() error {
	if a.MetadataJSON == "" {
		return nil
	}
	return sonic.UnmarshalString(a.MetadataJSON, &a.Metadata)
}

// Clone returns a deep copy safe to hand to other goroutines.
func (a AgentInstance) Clone() AgentInstance {
	if a.Metadata != nil {
		md := make(map[string]string, len(a.Metadata))
		for k, v := range a.Metadata {
			md[k] = v
		}
		a.Metadata = md
	}
	if a.SpawnedAt != nil {
		t := *a.SpawnedAt
		a.SpawnedAt = &t
	}
	if a.LastActionAt != nil {
		t := *a.LastActionAt
		a.LastActionAt = &t
	}
	return a
}
