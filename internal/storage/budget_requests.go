package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/ironpanel/internal/model"
)

const requestColumns = `id, agent_id, requester_id, current_budget, requested_budget, justification,
	status, reviewer_id, review_note, created_at, updated_at`

func scanRequest(row pgx.Row) (model.BudgetChangeRequest, error) {
	var r model.BudgetChangeRequest
	var status string
	err := row.Scan(&r.ID, &r.AgentID, &r.RequesterID, &r.CurrentBudget, &r.RequestedBudget,
		&r.Justification, &status, &r.ReviewerID, &r.ReviewNote, &r.CreatedAt, &r.UpdatedAt)
	r.Status = model.RequestStatus(status)
	return r, err
}

// CreateRequest inserts a budget change request.
func (db *DB) CreateRequest(ctx context.Context, r model.BudgetChangeRequest) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO budget_change_requests (`+requestColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		r.ID, r.AgentID, r.RequesterID, r.CurrentBudget, r.RequestedBudget, r.Justification,
		string(r.Status), r.ReviewerID, r.ReviewNote, r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: create budget request: %w", err)
	}
	return nil
}

// GetRequest returns a budget change request by id.
func (db *DB) GetRequest(ctx context.Context, id uuid.UUID) (model.BudgetChangeRequest, error) {
	r, err := scanRequest(db.pool.QueryRow(ctx,
		`SELECT `+requestColumns+` FROM budget_change_requests WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.BudgetChangeRequest{}, fmt.Errorf("budget request %s: %w", id, ErrNotFound)
		}
		return model.BudgetChangeRequest{}, fmt.Errorf("storage: get budget request: %w", err)
	}
	return r, nil
}

// ListRequests returns requests matching f, newest first.
func (db *DB) ListRequests(ctx context.Context, f RequestFilter) ([]model.BudgetChangeRequest, error) {
	var (
		where []string
		args  []any
	)
	if f.AgentID != nil {
		args = append(args, *f.AgentID)
		where = append(where, fmt.Sprintf("agent_id = $%d", len(args)))
	}
	if f.Status != nil {
		args = append(args, string(*f.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	q := `SELECT ` + requestColumns + ` FROM budget_change_requests`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, ClampLimit(f.Limit), max(f.Offset, 0))
	q += fmt.Sprintf(" ORDER BY created_at DESC, id LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := db.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list budget requests: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.BudgetChangeRequest, error) {
		return scanRequest(row)
	})
	if err != nil {
		return nil, fmt.Errorf("storage: scan budget requests: %w", err)
	}
	return out, nil
}

// DecideRequest moves a pending request to a terminal status.
func (db *DB) DecideRequest(ctx context.Context, d RequestDecision) error {
	return db.withTx(ctx, "decide request", func(tx pgx.Tx) error {
		return decideRequestTx(ctx, tx, d)
	})
}

func decideRequestTx(ctx context.Context, tx pgx.Tx, d RequestDecision) error {
	tag, err := tx.Exec(ctx,
		`UPDATE budget_change_requests
		 SET status = $2, reviewer_id = $3, review_note = $4, updated_at = $5
		 WHERE id = $1 AND status = 'pending' AND updated_at = $6`,
		d.ID, string(d.Status), d.ReviewerID, d.ReviewNote, d.UpdatedAt, d.ExpectedUpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: decide budget request: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	var status string
	if err := tx.QueryRow(ctx,
		`SELECT status FROM budget_change_requests WHERE id = $1`, d.ID,
	).Scan(&status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("budget request %s: %w", d.ID, ErrNotFound)
		}
		return fmt.Errorf("storage: check budget request: %w", err)
	}
	return requestMissError(d.ID, model.RequestStatus(status))
}

func requestMissError(id uuid.UUID, status model.RequestStatus) error {
	if status != model.RequestPending {
		return fmt.Errorf("budget request %s is %s: %w", id, status, model.ErrAlreadyProcessed)
	}
	return fmt.Errorf("budget request %s: %w", id, model.ErrConcurrencyConflict)
}

// DeleteRequest removes a request. History rows keep their entries with
// related_request_id cleared by the foreign key.
func (db *DB) DeleteRequest(ctx context.Context, id uuid.UUID) error {
	tag, err := db.pool.Exec(ctx, `DELETE FROM budget_change_requests WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("storage: delete budget request: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("budget request %s: %w", id, ErrNotFound)
	}
	return nil
}
