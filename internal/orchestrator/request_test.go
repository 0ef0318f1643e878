package orchestrator

import (
	"testing"

	"behaviorbench/internal/apperrors"
	"behaviorbench/internal/models"
	"behaviorbench/internal/profiles"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr[T any](v T) *T { return &v }

func TestRunRequest_NormalizeDefaults(t *testing.T) {
	req := RunRequest{
		Scenario:        " Cooperation ",
		TargetModel:     "echo",
		Profiles:        []string{"follower", "leader", "follower"},
		DurationSeconds: 120,
	}

	run, err := req.Normalize(profiles.MustDefault())
	require.NoError(t, err)
	assert.Equal(t, models.ScenarioCooperation, run.Scenario)
	assert.Equal(t, []profiles.ID{profiles.Leader, profiles.Follower}, run.Profiles)
	assert.Equal(t, models.DefaultRunConfig(), run.Config)
	assert.Empty(t, run.ID)
	assert.Empty(t, run.Status)
}

func TestRunRequest_NormalizeConfig(t *testing.T) {
	req := RunRequest{
		Scenario:        "resource-management",
		TargetModel:     "echo",
		Profiles:        []string{"resource-hoarder"},
		DurationSeconds: 1800,
		Config: &RunConfigInput{
			PollingIntervalMs:    ptr(3000),
			BehaviorIntensity:    ptr(1.0),
			TextEnabled:          ptr(false),
			SystemPromptOverride: ptr("stay quiet"),
		},
	}

	run, err := req.Normalize(profiles.MustDefault())
	require.NoError(t, err)
	assert.Equal(t, 3000, run.Config.PollingIntervalMs)
	assert.Equal(t, 1.0, run.Config.BehaviorIntensity)
	assert.False(t, run.Config.ChatEnabled())
	assert.Equal(t, "stay quiet", run.Config.SystemPromptOverride)
}

func TestRunRequest_NormalizeRejects(t *testing.T) {
	base := func() RunRequest {
		return RunRequest{Scenario: "cooperation", TargetModel: "echo", Profiles: []string{"leader"}, DurationSeconds: 60}
	}
	tests := []struct {
		name  string
		field string
		edit  func(*RunRequest)
	}{
		{"scenario", "scenario", func(r *RunRequest) { r.Scenario = "" }},
		{"model", "targetModel", func(r *RunRequest) { r.TargetModel = "  " }},
		{"no profiles", "profiles", func(r *RunRequest) { r.Profiles = nil }},
		{"unknown profile", "profiles", func(r *RunRequest) { r.Profiles = []string{"saboteur"} }},
		{"long duration", "durationSeconds", func(r *RunRequest) { r.DurationSeconds = 1801 }},
		{"polling", "config.pollingIntervalMs", func(r *RunRequest) { r.Config = &RunConfigInput{PollingIntervalMs: ptr(2999)} }},
		{"intensity", "config.behaviorIntensity", func(r *RunRequest) { r.Config = &RunConfigInput{BehaviorIntensity: ptr(1.5)} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := base()
			tt.edit(&req)
			_, err := req.Normalize(profiles.MustDefault())
			var verr *apperrors.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}
