package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"behaviorbench/internal/apperrors"
	"behaviorbench/internal/models"

	"github.com/life4/genesis/slices"
)

// Memory is an in-process Repository. It is the default store when no
// database is configured and backs most tests.
type Memory struct {
	mu           sync.RWMutex
	runs         map[string]models.TestRun
	agents       map[string]models.AgentInstance
	actions      map[string][]models.BehavioralAction
	interactions map[string]models.LLMInteraction
}

// NewMemory creates an empty in-memory repository.
func NewMemory() *Memory {
	return &Memory{
		runs:         make(map[string]models.TestRun),
		agents:       make(map[string]models.AgentInstance),
		actions:      make(map[string][]models.BehavioralAction),
		interactions: make(map[string]models.LLMInteraction),
	}
}

func cloneRun(r models.TestRun) models.TestRun {
	r.Profiles = append(r.Profiles[:0:0], r.Profiles...)
	return r
}

func (m *Memory) CreateRun(_ context.Context, run *models.TestRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[run.ID]; ok {
		return fmt.Errorf("run %s: %w", run.ID, apperrors.ErrAlreadyExists)
	}
	m.runs[run.ID] = cloneRun(*run)
	return nil
}

func (m *Memory) UpdateRun(_ context.Context, run *models.TestRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[run.ID]; !ok {
		return fmt.Errorf("run %s: %w", run.ID, apperrors.ErrNotFound)
	}
	m.runs[run.ID] = cloneRun(*run)
	return nil
}

func (m *Memory) FindRun(_ context.Context, id string) (*models.TestRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.runs[id]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", id, apperrors.ErrNotFound)
	}
	r = cloneRun(r)
	return &r, nil
}

func (m *Memory) ListRuns(_ context.Context) ([]models.TestRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.TestRun, 0, len(m.runs))
	for _, r := range m.runs {
		out = append(out, cloneRun(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) CreateAgent(_ context.Context, agent *models.AgentInstance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.agents[agent.ID]; ok {
		return fmt.Errorf("agent %s: %w", agent.ID, apperrors.ErrAlreadyExists)
	}
	m.agents[agent.ID] = agent.Clone()
	return nil
}

func (m *Memory) UpdateAgent(_ context.Context, agent *models.AgentInstance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.agents[agent.ID]; !ok {
		return fmt.Errorf("agent %s: %w", agent.ID, apperrors.ErrNotFound)
	}
	m.agents[agent.ID] = agent.Clone()
	return nil
}

func (m *Memory) DeleteAgent(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.agents[id]; !ok {
		return fmt.Errorf("agent %s: %w", id, apperrors.ErrNotFound)
	}
	delete(m.agents, id)
	delete(m.actions, id)
	return nil
}

func (m *Memory) FindAgent(_ context.Context, id string) (*models.AgentInstance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.agents[id]
	if !ok {
		return nil, fmt.Errorf("agent %s: %w", id, apperrors.ErrNotFound)
	}
	a = a.Clone()
	return &a, nil
}

func (m *Memory) FindAgents(_ context.Context, filter AgentFilter) ([]models.AgentInstance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	all := make([]models.AgentInstance, 0, len(m.agents))
	for _, a := range m.agents {
		all = append(all, a)
	}
	out := slices.Map(slices.Filter(all, filter.matches), func(a models.AgentInstance) models.AgentInstance {
		return a.Clone()
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *Memory) AgentExists(_ context.Context, id string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.agents[id]
	return ok, nil
}

func (m *Memory) CountAgents(ctx context.Context, filter AgentFilter) (int, error) {
	agents, err := m.FindAgents(ctx, filter)
	return len(agents), err
}

func (m *Memory) CreateAction(_ context.Context, action *models.BehavioralAction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.actions[action.AgentID] {
		if existing.ID == action.ID {
			return fmt.Errorf("action %s: %w", action.ID, apperrors.ErrAlreadyExists)
		}
	}
	m.actions[action.AgentID] = append(m.actions[action.AgentID], *action)
	return nil
}

func (m *Memory) FindActions(_ context.Context, agentID string, limit int) ([]models.BehavioralAction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	log := m.actions[agentID]
	limit = normalizeLimit(limit)
	out := make([]models.BehavioralAction, 0, min(limit, len(log)))
	for i := len(log) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, log[i])
	}
	return out, nil
}

func (m *Memory) CreateInteraction(_ context.Context, in *models.LLMInteraction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.interactions[in.ID]; ok {
		return fmt.Errorf("interaction %s: %w", in.ID, apperrors.ErrAlreadyExists)
	}
	m.interactions[in.ID] = *in
	return nil
}

func (m *Memory) FindInteraction(_ context.Context, id string) (*models.LLMInteraction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	in, ok := m.interactions[id]
	if !ok {
		return nil, fmt.Errorf("interaction %s: %w", id, apperrors.ErrNotFound)
	}
	return &in, nil
}

func (m *Memory) Close() error { return nil }

func (f AgentFilter) matches(a models.AgentInstance) bool {
	if f.RunID != "" && a.RunID != f.RunID {
		return false
	}
	if f.Status != "" && a.Status != f.Status {
		return false
	}
	return true
}
