// Package repository persists runs, agents and their action logs.
package repository

import (
	"context"

	"behaviorbench/internal/models"
)

// DefaultActionLimit caps FindActions when the caller passes no limit.
const DefaultActionLimit = 100

// AgentFilter narrows agent queries. Zero fields match everything.
type AgentFilter struct {
	RunID  string
	Status models.AgentStatus
}

// Repository is the storage contract used by the orchestration core.
// Lookups of missing entities return apperrors.ErrNotFound; creating an
// entity whose id already exists returns apperrors.ErrAlreadyExists.
type Repository interface {
	CreateRun(ctx context.Context, run *models.TestRun) error
	UpdateRun(ctx context.Context, run *models.TestRun) error
	FindRun(ctx context.Context, id string) (*models.TestRun, error)
	ListRuns(ctx context.Context) ([]models.TestRun, error)

	CreateAgent(ctx context.Context, agent *models.AgentInstance) error
	UpdateAgent(ctx context.Context, agent *models.AgentInstance) error
	DeleteAgent(ctx context.Context, id string) error
	FindAgent(ctx context.Context, id string) (*models.AgentInstance, error)
	FindAgents(ctx context.Context, filter AgentFilter) ([]models.AgentInstance, error)
	AgentExists(ctx context.Context, id string) (bool, error)
	CountAgents(ctx context.Context, filter AgentFilter) (int, error)

	CreateAction(ctx context.Context, action *models.BehavioralAction) error
	// FindActions returns the most recent actions of an agent, newest first.
	FindActions(ctx context.Context, agentID string, limit int) ([]models.BehavioralAction, error)

	CreateInteraction(ctx context.Context, in *models.LLMInteraction) error
	FindInteraction(ctx context.Context, id string) (*models.LLMInteraction, error)

	Close() error
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultActionLimit
	}
	return limit
}
