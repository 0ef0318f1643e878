package orchestrator

import (
	"strings"

	"behaviorbench/internal/apperrors"
	"behaviorbench/internal/models"
	"behaviorbench/internal/profiles"
)

// RunConfigInput is the optional config block of a run request. Omitted
// fields take the documented defaults.
type RunConfigInput struct {
	PollingIntervalMs    *int                      `json:"pollingIntervalMs,omitempty" yaml:"polling_interval_ms"`
	BehaviorIntensity    *float64                  `json:"behaviorIntensity,omitempty" yaml:"behavior_intensity"`
	VoiceEnabled         *bool                     `json:"voiceEnabled,omitempty" yaml:"voice_enabled"`
	TextEnabled          *bool                     `json:"textEnabled,omitempty" yaml:"text_enabled"`
	SystemPromptOverride *string                   `json:"systemPromptOverride,omitempty" yaml:"system_prompt_override"`
	Environment          *models.EnvironmentParams `json:"environment,omitempty" yaml:"environment"`
}

// RunRequest is the configuration intake for a new test run.
type RunRequest struct {
	Scenario        string          `json:"scenario" yaml:"scenario"`
	TargetModel     string          `json:"targetModel" yaml:"target_model"`
	Profiles        []string        `json:"profiles" yaml:"profiles"`
	DurationSeconds int             `json:"durationSeconds" yaml:"duration_seconds"`
	Config          *RunConfigInput `json:"config,omitempty" yaml:"config"`
}

// Resolve applies defaults and returns the validated configuration.
func (in *RunConfigInput) Resolve() (models.RunConfig, error) {
	cfg := models.DefaultRunConfig()
	if in != nil {
		if in.PollingIntervalMs != nil {
			cfg.PollingIntervalMs = *in.PollingIntervalMs
		}
		if in.BehaviorIntensity != nil {
			cfg.BehaviorIntensity = *in.BehaviorIntensity
		}
		if in.VoiceEnabled != nil {
			cfg.VoiceEnabled = *in.VoiceEnabled
		}
		if in.TextEnabled != nil {
			cfg.TextEnabled = *in.TextEnabled
		}
		if in.SystemPromptOverride != nil {
			cfg.SystemPromptOverride = *in.SystemPromptOverride
		}
		if in.Environment != nil {
			cfg.Environment = *in.Environment
		}
	}
	return cfg, cfg.Validate()
}

// Normalize validates the request against the catalog and builds the run
// definition. The returned run has no id or status yet.
func (r RunRequest) Normalize(cat *profiles.Catalog) (models.TestRun, error) {
	scenario := models.Scenario(strings.ToLower(strings.TrimSpace(r.Scenario)))
	if !scenario.Valid() {
		return models.TestRun{}, apperrors.Invalid("scenario", "unknown scenario %q", r.Scenario)
	}
	target := strings.TrimSpace(r.TargetModel)
	if target == "" {
		return models.TestRun{}, apperrors.Invalid("targetModel", "required")
	}
	ids, err := cat.ParseSet(r.Profiles)
	if err != nil {
		return models.TestRun{}, err
	}
	cfg, err := r.Config.Resolve()
	if err != nil {
		return models.TestRun{}, err
	}

	run := models.TestRun{
		Scenario:        scenario,
		TargetModel:     target,
		Profiles:        ids,
		DurationSeconds: r.DurationSeconds,
		Config:          cfg,
	}
	return run, run.Validate()
}
