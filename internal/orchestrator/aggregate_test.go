package orchestrator

import (
	"testing"

	"behaviorbench/internal/models"

	"github.com/stretchr/testify/assert"
)

func TestAggregate(t *testing.T) {
	agents := []models.AgentInstance{
		{Status: models.AgentActive, ActionCount: 4},
		{Status: models.AgentPaused, ActionCount: 2},
		{Status: models.AgentError, ActionCount: 1},
		{Status: models.AgentActive},
	}

	got := Aggregate(models.RunExecuting, agents)
	assert.Equal(t, models.RunExecuting, got.Status)
	assert.Equal(t, models.AgentError, got.Worst)
	assert.Equal(t, 4, got.Total)
	assert.Equal(t, 3, got.Connected)
	assert.Equal(t, int64(7), got.Actions)
	assert.Equal(t, map[models.AgentStatus]int{
		models.AgentActive: 2,
		models.AgentPaused: 1,
		models.AgentError:  1,
	}, got.ByStatus)
}

func TestAggregate_Empty(t *testing.T) {
	got := Aggregate(models.RunCreated, nil)
	assert.Equal(t, models.AgentIdle, got.Worst)
	assert.Zero(t, got.Total)
	assert.Zero(t, got.Connected)
	assert.Empty(t, got.ByStatus)
}

func TestViableFloor(t *testing.T) {
	tests := []struct {
		threshold, agents, want int
	}{
		{2, 5, 2},
		{2, 2, 2},
		{2, 1, 1},
		{3, 0, 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, viableFloor(tt.threshold, tt.agents), "threshold=%d agents=%d", tt.threshold, tt.agents)
	}
}
