package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/ironpanel/internal/model"
)

// CreateAgent inserts an agent and its budget row atomically.
func (db *DB) CreateAgent(ctx context.Context, agent model.Agent, budget model.AgentBudget) error {
	providers := agent.AllowedProviders
	if providers == nil {
		providers = []string{}
	}
	return db.withTx(ctx, "create agent", func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO agents (id, owner_id, project_id, name, allowed_providers, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			agent.ID, agent.OwnerID, agent.ProjectID, agent.Name, providers, agent.CreatedAt,
		); err != nil {
			return fmt.Errorf("storage: create agent: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO agent_budgets (agent_id, total_allocated, total_spent, reserved, budget_remaining, version, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			budget.AgentID, budget.TotalAllocated, budget.TotalSpent, budget.Reserved,
			budget.BudgetRemaining, budget.Version, budget.UpdatedAt,
		); err != nil {
			return fmt.Errorf("storage: create agent budget: %w", err)
		}
		return nil
	})
}

// GetAgent returns an agent by id.
func (db *DB) GetAgent(ctx context.Context, id uuid.UUID) (model.Agent, error) {
	var a model.Agent
	err := db.pool.QueryRow(ctx,
		`SELECT id, owner_id, project_id, name, allowed_providers, created_at
		 FROM agents WHERE id = $1`, id,
	).Scan(&a.ID, &a.OwnerID, &a.ProjectID, &a.Name, &a.AllowedProviders, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Agent{}, fmt.Errorf("agent %s: %w", id, ErrNotFound)
		}
		return model.Agent{}, fmt.Errorf("storage: get agent: %w", err)
	}
	return a, nil
}
