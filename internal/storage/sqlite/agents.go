package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/ashita-ai/ironpanel/internal/model"
	"github.com/ashita-ai/ironpanel/internal/storage"
)

// CreateAgent inserts an agent and its budget row atomically.
func (s *Store) CreateAgent(ctx context.Context, agent model.Agent, budget model.AgentBudget) error {
	providers := agent.AllowedProviders
	if providers == nil {
		providers = []string{}
	}
	encoded, err := json.Marshal(providers)
	if err != nil {
		return fmt.Errorf("sqlite: encode allowed providers: %w", err)
	}
	return s.withTx(ctx, "create agent", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO agents (id, owner_id, project_id, name, allowed_providers, created_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			agent.ID, agent.OwnerID, agent.ProjectID, agent.Name, string(encoded), micros(agent.CreatedAt),
		); err != nil {
			return fmt.Errorf("sqlite: create agent: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO agent_budgets (agent_id, total_allocated, total_spent, reserved, budget_remaining, version, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			budget.AgentID, budget.TotalAllocated, budget.TotalSpent, budget.Reserved,
			budget.BudgetRemaining, budget.Version, micros(budget.UpdatedAt),
		); err != nil {
			return fmt.Errorf("sqlite: create agent budget: %w", err)
		}
		return nil
	})
}

// GetAgent returns an agent by id.
func (s *Store) GetAgent(ctx context.Context, id uuid.UUID) (model.Agent, error) {
	var (
		a         model.Agent
		providers string
		created   int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, owner_id, project_id, name, allowed_providers, created_at
		 FROM agents WHERE id = ?`, id,
	).Scan(&a.ID, &a.OwnerID, &a.ProjectID, &a.Name, &providers, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Agent{}, fmt.Errorf("agent %s: %w", id, storage.ErrNotFound)
		}
		return model.Agent{}, fmt.Errorf("sqlite: get agent: %w", err)
	}
	if err := json.Unmarshal([]byte(providers), &a.AllowedProviders); err != nil {
		return model.Agent{}, fmt.Errorf("sqlite: decode allowed providers: %w", err)
	}
	a.CreatedAt = fromMicros(created)
	return a, nil
}

const budgetColumns = `agent_id, total_allocated, total_spent, reserved, budget_remaining, version, updated_at`

func scanBudget(row scanner) (model.AgentBudget, error) {
	var (
		b       model.AgentBudget
		updated int64
	)
	err := row.Scan(&b.AgentID, &b.TotalAllocated, &b.TotalSpent, &b.Reserved,
		&b.BudgetRemaining, &b.Version, &updated)
	b.UpdatedAt = fromMicros(updated)
	return b, err
}

// GetBudget returns the ledger row for an agent.
func (s *Store) GetBudget(ctx context.Context, agentID uuid.UUID) (model.AgentBudget, error) {
	b, err := scanBudget(s.db.QueryRowContext(ctx,
		`SELECT `+budgetColumns+` FROM agent_budgets WHERE agent_id = ?`, agentID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.AgentBudget{}, fmt.Errorf("budget for agent %s: %w", agentID, storage.ErrNotFound)
		}
		return model.AgentBudget{}, fmt.Errorf("sqlite: get budget: %w", err)
	}
	return b, nil
}

func casBudgetTx(ctx context.Context, tx *sql.Tx, expected int64, next model.AgentBudget) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE agent_budgets
		 SET total_allocated = ?, total_spent = ?, reserved = ?, budget_remaining = ?,
		     version = ?, updated_at = ?
		 WHERE agent_id = ? AND version = ?`,
		next.TotalAllocated, next.TotalSpent, next.Reserved, next.BudgetRemaining,
		next.Version, micros(next.UpdatedAt), next.AgentID, expected,
	)
	if err != nil {
		return fmt.Errorf("sqlite: update budget: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	var exists bool
	if err := tx.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM agent_budgets WHERE agent_id = ?)`, next.AgentID,
	).Scan(&exists); err != nil {
		return fmt.Errorf("sqlite: check budget: %w", err)
	}
	if !exists {
		return fmt.Errorf("budget for agent %s: %w", next.AgentID, storage.ErrNotFound)
	}
	return fmt.Errorf("budget for agent %s version %d: %w", next.AgentID, expected, storage.ErrStaleVersion)
}

// ApplyBudgetChange decides the linked request (if any), replaces the budget
// row, and appends the history entry in one transaction.
func (s *Store) ApplyBudgetChange(ctx context.Context, c storage.BudgetChange) error {
	return s.withTx(ctx, "budget change", func(tx *sql.Tx) error {
		if c.Decision != nil {
			if err := decideRequestTx(ctx, tx, *c.Decision); err != nil {
				return err
			}
		}
		if err := casBudgetTx(ctx, tx, c.ExpectedVersion, c.Budget); err != nil {
			return err
		}
		h := c.History
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO budget_modification_history
			 (id, agent_id, modification_type, old_budget, new_budget, change_amount, modifier_id, reason, related_request_id, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			h.ID, h.AgentID, string(h.Type), h.OldBudget, h.NewBudget, h.ChangeAmount,
			h.ModifierID, h.Reason, h.RelatedRequestID, micros(h.CreatedAt),
		); err != nil {
			return fmt.Errorf("sqlite: insert budget history: %w", err)
		}
		return nil
	})
}

// ListHistory returns an agent's budget history, newest first.
func (s *Store) ListHistory(ctx context.Context, agentID uuid.UUID, limit int) ([]model.BudgetModification, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, agent_id, modification_type, old_budget, new_budget, change_amount,
		        modifier_id, reason, related_request_id, created_at
		 FROM budget_modification_history
		 WHERE agent_id = ?
		 ORDER BY created_at DESC, id
		 LIMIT ?`, agentID, storage.ClampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("sqlite: list history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.BudgetModification
	for rows.Next() {
		var (
			h       model.BudgetModification
			typ     string
			created int64
		)
		if err := rows.Scan(&h.ID, &h.AgentID, &typ, &h.OldBudget, &h.NewBudget, &h.ChangeAmount,
			&h.ModifierID, &h.Reason, &h.RelatedRequestID, &created); err != nil {
			return nil, fmt.Errorf("sqlite: scan history: %w", err)
		}
		h.Type = model.ModificationType(typ)
		h.CreatedAt = fromMicros(created)
		out = append(out, h)
	}
	return out, rows.Err()
}
