package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/ironpanel/internal/model"
)

const budgetColumns = `agent_id, total_allocated, total_spent, reserved, budget_remaining, version, updated_at`

func scanBudget(row pgx.Row) (model.AgentBudget, error) {
	var b model.AgentBudget
	err := row.Scan(&b.AgentID, &b.TotalAllocated, &b.TotalSpent, &b.Reserved,
		&b.BudgetRemaining, &b.Version, &b.UpdatedAt)
	return b, err
}

// GetBudget returns the ledger row for an agent.
func (db *DB) GetBudget(ctx context.Context, agentID uuid.UUID) (model.AgentBudget, error) {
	b, err := scanBudget(db.pool.QueryRow(ctx,
		`SELECT `+budgetColumns+` FROM agent_budgets WHERE agent_id = $1`, agentID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.AgentBudget{}, fmt.Errorf("budget for agent %s: %w", agentID, ErrNotFound)
		}
		return model.AgentBudget{}, fmt.Errorf("storage: get budget: %w", err)
	}
	return b, nil
}

// casBudgetTx replaces the budget row if its version is still expected.
func casBudgetTx(ctx context.Context, tx pgx.Tx, expected int64, next model.AgentBudget) error {
	tag, err := tx.Exec(ctx,
		`UPDATE agent_budgets
		 SET total_allocated = $2, total_spent = $3, reserved = $4, budget_remaining = $5,
		     version = $6, updated_at = $7
		 WHERE agent_id = $1 AND version = $8`,
		next.AgentID, next.TotalAllocated, next.TotalSpent, next.Reserved, next.BudgetRemaining,
		next.Version, next.UpdatedAt, expected,
	)
	if err != nil {
		return fmt.Errorf("storage: update budget: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	var exists bool
	if err := tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM agent_budgets WHERE agent_id = $1)`, next.AgentID,
	).Scan(&exists); err != nil {
		return fmt.Errorf("storage: check budget: %w", err)
	}
	if !exists {
		return fmt.Errorf("budget for agent %s: %w", next.AgentID, ErrNotFound)
	}
	return fmt.Errorf("budget for agent %s version %d: %w", next.AgentID, expected, ErrStaleVersion)
}

// ApplyBudgetChange decides the linked request (if any), replaces the budget
// row, and appends the history entry in one transaction.
func (db *DB) ApplyBudgetChange(ctx context.Context, c BudgetChange) error {
	return db.withTx(ctx, "budget change", func(tx pgx.Tx) error {
		if c.Decision != nil {
			if err := decideRequestTx(ctx, tx, *c.Decision); err != nil {
				return err
			}
		}
		if err := casBudgetTx(ctx, tx, c.ExpectedVersion, c.Budget); err != nil {
			return err
		}
		return insertHistoryTx(ctx, tx, c.History)
	})
}

func insertHistoryTx(ctx context.Context, tx pgx.Tx, h model.BudgetModification) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO budget_modification_history
		 (id, agent_id, modification_type, old_budget, new_budget, change_amount, modifier_id, reason, related_request_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		h.ID, h.AgentID, string(h.Type), h.OldBudget, h.NewBudget, h.ChangeAmount,
		h.ModifierID, h.Reason, h.RelatedRequestID, h.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: insert budget history: %w", err)
	}
	return nil
}

// ListHistory returns an agent's budget history, newest first.
func (db *DB) ListHistory(ctx context.Context, agentID uuid.UUID, limit int) ([]model.BudgetModification, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, agent_id, modification_type, old_budget, new_budget, change_amount,
		        modifier_id, reason, related_request_id, created_at
		 FROM budget_modification_history
		 WHERE agent_id = $1
		 ORDER BY created_at DESC, id
		 LIMIT $2`, agentID, ClampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("storage: list history: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.BudgetModification, error) {
		var h model.BudgetModification
		var typ string
		err := row.Scan(&h.ID, &h.AgentID, &typ, &h.OldBudget, &h.NewBudget, &h.ChangeAmount,
			&h.ModifierID, &h.Reason, &h.RelatedRequestID, &h.CreatedAt)
		h.Type = model.ModificationType(typ)
		return h, err
	})
	if err != nil {
		return nil, fmt.Errorf("storage: scan history: %w", err)
	}
	return out, nil
}
