package models

import (
	"time"

	"behaviorbench/internal/apperrors"
	"behaviorbench/internal/profiles"

	"github.com/bytedance/sonic"
)

// Run configuration bounds.
const (
	MinDurationSeconds  = 60
	MaxDurationSeconds  = 1800
	MinPollingInterval  = 3000
	MaxPollingInterval  = 30000
	DefaultPollInterval = 5000
	DefaultIntensity    = 0.5
)

// EnvironmentParams describe how agents reach the shared environment.
type EnvironmentParams struct {
	Host          string            `json:"host,omitempty" yaml:"host"`
	Port          int               `json:"port,omitempty" yaml:"port"`
	Version       string            `json:"version,omitempty" yaml:"version"`
	ChatChannelID string            `json:"chatChannelId,omitempty" yaml:"chat_channel_id"`
	Extra         map[string]string `json:"extra,omitempty" yaml:"extra"`
}

// RunConfig is the tunable part of a test run.
type RunConfig struct {
	PollingIntervalMs    int               `json:"pollingIntervalMs"`
	BehaviorIntensity    float64           `json:"behaviorIntensity"`
	VoiceEnabled         bool              `json:"voiceEnabled"`
	TextEnabled          bool              `json:"textEnabled"`
	SystemPromptOverride string            `json:"systemPromptOverride,omitempty"`
	Environment          EnvironmentParams `json:"environment"`
}

// DefaultRunConfig returns the values used for omitted configuration fields.
func DefaultRunConfig() RunConfig {
	return RunConfig{
		PollingIntervalMs: DefaultPollInterval,
		BehaviorIntensity: DefaultIntensity,
		TextEnabled:       true,
	}
}

// PollingInterval returns the heartbeat interval.
func (c RunConfig) PollingInterval() time.Duration {
	return time.Duration(c.PollingIntervalMs) * time.Millisecond
}

// ChatEnabled reports whether agents may talk on the chat channel.
func (c RunConfig) ChatEnabled() bool {
	return c.TextEnabled || c.VoiceEnabled
}

// Validate checks the configuration bounds.
func (c RunConfig) Validate() error {
	if c.PollingIntervalMs < MinPollingInterval || c.PollingIntervalMs > MaxPollingInterval {
		return apperrors.Invalid("config.pollingIntervalMs", "must be between %d and %d, got %d",
			MinPollingInterval, MaxPollingInterval, c.PollingIntervalMs)
	}
	if c.BehaviorIntensity < 0 || c.BehaviorIntensity > 1 {
		return apperrors.Invalid("config.behaviorIntensity", "must be between 0 and 1, got %v", c.BehaviorIntensity)
	}
	if c.Environment.Port < 0 || c.Environment.Port > 65535 {
		return apperrors.Invalid("config.environment.port", "out of range: %d", c.Environment.Port)
	}
	return nil
}

// TestRun is one behavioral test execution.
type TestRun struct {
	ID              string        `gorm:"primary_key" json:"id"`
	Scenario        Scenario      `json:"scenario"`
	TargetModel     string        `json:"targetModel"`
	Profiles        []profiles.ID `gorm:"-" json:"profiles"`
	ProfilesJSON    string        `gorm:"column:profiles;type:text" json:"-"`
	DurationSeconds int           `json:"durationSeconds"`
	Config          RunConfig     `gorm:"-" json:"config"`
	ConfigJSON      string        `gorm:"column:config;type:text" json:"-"`
	Status          RunStatus     `gorm:"index" json:"status"`
	FailureReason   string        `json:"failureReason,omitempty"`
	CreatedAt       time.Time     `json:"createdAt"`
	StartedAt       *time.Time    `json:"startedAt,omitempty"`
	EndedAt         *time.Time    `json:"endedAt,omitempty"`
}

// TableName sets the run table name.
func (TestRun) TableName() string { return "test_runs" }

// Duration returns the nominal length of the executing phase.
func (r *TestRun) Duration() time.Duration {
	return time.Duration(r.DurationSeconds) * time.Second
}

// Validate checks the run definition. Profile ids must already be parsed.
func (r *TestRun) Validate() error {
	if !r.Scenario.Valid() {
		return apperrors.Invalid("scenario", "unknown scenario %q", r.Scenario)
	}
	if r.TargetModel == "" {
		return apperrors.Invalid("targetModel", "required")
	}
	if len(r.Profiles) == 0 || len(r.Profiles) > profiles.MaxPerRun {
		return apperrors.Invalid("profiles", "between 1 and %d profiles required, got %d", profiles.MaxPerRun, len(r.Profiles))
	}
	seen := make(map[profiles.ID]bool, len(r.Profiles))
	for _, id := range r.Profiles {
		if !id.Valid() {
			return apperrors.Invalid("profiles", "unknown profile %q", id)
		}
		if seen[id] {
			return apperrors.Invalid("profiles", "duplicate profile %q", id)
		}
		seen[id] = true
	}
	if r.DurationSeconds < MinDurationSeconds || r.DurationSeconds > MaxDurationSeconds {
		return apperrors.Invalid("durationSeconds", "must be between %d and %d, got %d",
			MinDurationSeconds, MaxDurationSeconds, r.DurationSeconds)
	}
	return r.Config.Validate()
}

// BeforeSave serialises the list and config columns.
func (r *TestRun) BeforeSave() error {
	var err error
	if r.ProfilesJSON, err = sonic.MarshalString(r.Profiles); err != nil {
		return err
	}
	r.ConfigJSON, err = sonic.MarshalString(r.Config)
	return err
}

// AfterFind restores the list and config columns.
func (r *TestRun) AfterFind() error {
	if r.ProfilesJSON != "" {
		if err := sonic.UnmarshalString(r.ProfilesJSON, &r.Profiles); err != nil {
			return err
		}
	}
	if r.ConfigJSON != "" {
		if err := sonic.UnmarshalString(r.ConfigJSON, &r.Config); err != nil {
			return err
		}
	}
	return nil
}
