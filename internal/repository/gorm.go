package repository

import (
	"context"
	"fmt"

	"behaviorbench/internal/apperrors"
	"behaviorbench/internal/database"
	"behaviorbench/internal/models"

	"github.com/jinzhu/gorm"
)

// Gorm is a Repository backed by a SQL database through gorm.
type Gorm struct {
	db *gorm.DB
}

// OpenGorm opens and migrates the database for dialect.
func OpenGorm(dialect, dsn string) (*Gorm, error) {
	db, err := database.Open(dialect, dsn)
	if err != nil {
		return nil, err
	}
	return &Gorm{db: db}, nil
}

// NewGorm wraps an already migrated connection.
func NewGorm(db *gorm.DB) *Gorm {
	return &Gorm{db: db}
}

func notFound(err error, kind, id string) error {
	if gorm.IsRecordNotFoundError(err) {
		return fmt.Errorf("%s %s: %w", kind, id, apperrors.ErrNotFound)
	}
	return fmt.Errorf("failed to load %s %s: %w", kind, id, err)
}

// exists reports whether a row with id is present in the model's table.
func (g *Gorm) exists(ctx context.Context, model interface{}, id string) (bool, error) {
	var n int
	if err := g.db.Model(model).Where("id = ?", id).Count(&n).Error; err != nil {
		return false, err
	}
	return n > 0, ctx.Err()
}

func (g *Gorm) create(ctx context.Context, model interface{}, kind, id string) error {
	return g.db.Transaction(func(tx *gorm.DB) error {
		var n int
		if err := tx.Model(model).Where("id = ?", id).Count(&n).Error; err != nil {
			return err
		}
		if n > 0 {
			return fmt.Errorf("%s %s: %w", kind, id, apperrors.ErrAlreadyExists)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		return tx.Create(model).Error
	})
}

func (g *Gorm) update(ctx context.Context, model interface{}, kind, id string) error {
	ok, err := g.exists(ctx, model, id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%s %s: %w", kind, id, apperrors.ErrNotFound)
	}
	return g.db.Save(model).Error
}

func (g *Gorm) CreateRun(ctx context.Context, run *models.TestRun) error {
	return g.create(ctx, run, "run", run.ID)
}

func (g *Gorm) UpdateRun(ctx context.Context, run *models.TestRun) error {
	return g.update(ctx, run, "run", run.ID)
}

func (g *Gorm) FindRun(_ context.Context, id string) (*models.TestRun, error) {
	var run models.TestRun
	if err := g.db.Where("id = ?", id).First(&run).Error; err != nil {
		return nil, notFound(err, "run", id)
	}
	return &run, nil
}

func (g *Gorm) ListRuns(_ context.Context) ([]models.TestRun, error) {
	var runs []models.TestRun
	if err := g.db.Order("created_at desc").Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	return runs, nil
}

func (g *Gorm) CreateAgent(ctx context.Context, agent *models.AgentInstance) error {
	return g.create(ctx, agent, "agent", agent.ID)
}

func (g *Gorm) UpdateAgent(ctx context.Context, agent *models.AgentInstance) error {
	return g.update(ctx, agent, "agent", agent.ID)
}

func (g *Gorm) DeleteAgent(ctx context.Context, id string) error {
	return g.db.Transaction(func(tx *gorm.DB) error {
		res := tx.Where("id = ?", id).Delete(&models.AgentInstance{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("agent %s: %w", id, apperrors.ErrNotFound)
		}
		return tx.Where("agent_id = ?", id).Delete(&models.BehavioralAction{}).Error
	})
}

func (g *Gorm) FindAgent(_ context.Context, id string) (*models.AgentInstance, error) {
	var agent models.AgentInstance
	if err := g.db.Where("id = ?", id).First(&agent).Error; err != nil {
		return nil, notFound(err, "agent", id)
	}
	return &agent, nil
}

func (g *Gorm) scopeAgents(filter AgentFilter) *gorm.DB {
	q := g.db.Model(&models.AgentInstance{})
	if filter.RunID != "" {
		q = q.Where("run_id = ?", filter.RunID)
	}
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}
	return q
}

func (g *Gorm) FindAgents(_ context.Context, filter AgentFilter) ([]models.AgentInstance, error) {
	var agents []models.AgentInstance
	if err := g.scopeAgents(filter).Order("created_at asc, id asc").Find(&agents).Error; err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	return agents, nil
}

func (g *Gorm) AgentExists(ctx context.Context, id string) (bool, error) {
	return g.exists(ctx, &models.AgentInstance{}, id)
}

func (g *Gorm) CountAgents(_ context.Context, filter AgentFilter) (int, error) {
	var n int
	if err := g.scopeAgents(filter).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("failed to count agents: %w", err)
	}
	return n, nil
}

func (g *Gorm) CreateAction(ctx context.Context, action *models.BehavioralAction) error {
	return g.create(ctx, action, "action", action.ID)
}

func (g *Gorm) FindActions(_ context.Context, agentID string, limit int) ([]models.BehavioralAction, error) {
	var actions []models.BehavioralAction
	err := g.db.Where("agent_id = ?", agentID).
		Order("timestamp desc, seq desc").
		Limit(normalizeLimit(limit)).
		Find(&actions).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list actions: %w", err)
	}
	return actions, nil
}

func (g *Gorm) CreateInteraction(ctx context.Context, in *models.LLMInteraction) error {
	return g.create(ctx, in, "interaction", in.ID)
}

func (g *Gorm) FindInteraction(_ context.Context, id string) (*models.LLMInteraction, error) {
	var in models.LLMInteraction
	if err := g.db.Where("id = ?", id).First(&in).Error; err != nil {
		return nil, notFound(err, "interaction", id)
	}
	return &in, nil
}

func (g *Gorm) Close() error {
	return g.db.Close()
}
