package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/ashita-ai/ironpanel/internal/model"
	"github.com/ashita-ai/ironpanel/internal/storage"
)

const requestColumns = `id, agent_id, requester_id, current_budget, requested_budget, justification,
	status, reviewer_id, review_note, created_at, updated_at`

func scanRequest(row scanner) (model.BudgetChangeRequest, error) {
	var (
		r                model.BudgetChangeRequest
		status           string
		created, updated int64
	)
	err := row.Scan(&r.ID, &r.AgentID, &r.RequesterID, &r.CurrentBudget, &r.RequestedBudget,
		&r.Justification, &status, &r.ReviewerID, &r.ReviewNote, &created, &updated)
	r.Status = model.RequestStatus(status)
	r.CreatedAt = fromMicros(created)
	r.UpdatedAt = fromMicros(updated)
	return r, err
}

// CreateRequest inserts a budget change request.
func (s *Store) CreateRequest(ctx context.Context, r model.BudgetChangeRequest) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO budget_change_requests (`+requestColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.AgentID, r.RequesterID, r.CurrentBudget, r.RequestedBudget, r.Justification,
		string(r.Status), r.ReviewerID, r.ReviewNote, micros(r.CreatedAt), micros(r.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("sqlite: create budget request: %w", err)
	}
	return nil
}

// GetRequest returns a budget change request by id.
func (s *Store) GetRequest(ctx context.Context, id uuid.UUID) (model.BudgetChangeRequest, error) {
	r, err := scanRequest(s.db.QueryRowContext(ctx,
		`SELECT `+requestColumns+` FROM budget_change_requests WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.BudgetChangeRequest{}, fmt.Errorf("budget request %s: %w", id, storage.ErrNotFound)
		}
		return model.BudgetChangeRequest{}, fmt.Errorf("sqlite: get budget request: %w", err)
	}
	return r, nil
}

// ListRequests returns requests matching f, newest first.
func (s *Store) ListRequests(ctx context.Context, f storage.RequestFilter) ([]model.BudgetChangeRequest, error) {
	var (
		where []string
		args  []any
	)
	if f.AgentID != nil {
		where = append(where, "agent_id = ?")
		args = append(args, *f.AgentID)
	}
	if f.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*f.Status))
	}
	q := `SELECT ` + requestColumns + ` FROM budget_change_requests`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at DESC, id LIMIT ? OFFSET ?"
	args = append(args, storage.ClampLimit(f.Limit), max(f.Offset, 0))

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list budget requests: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.BudgetChangeRequest
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan budget requests: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// DecideRequest moves a pending request to a terminal status.
func (s *Store) DecideRequest(ctx context.Context, d storage.RequestDecision) error {
	return s.withTx(ctx, "decide request", func(tx *sql.Tx) error {
		return decideRequestTx(ctx, tx, d)
	})
}

func decideRequestTx(ctx context.Context, tx *sql.Tx, d storage.RequestDecision) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE budget_change_requests
		 SET status = ?, reviewer_id = ?, review_note = ?, updated_at = ?
		 WHERE id = ? AND status = 'pending' AND updated_at = ?`,
		string(d.Status), d.ReviewerID, d.ReviewNote, micros(d.UpdatedAt), d.ID, micros(d.ExpectedUpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("sqlite: decide budget request: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	var status string
	if err := tx.QueryRowContext(ctx,
		`SELECT status FROM budget_change_requests WHERE id = ?`, d.ID,
	).Scan(&status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("budget request %s: %w", d.ID, storage.ErrNotFound)
		}
		return fmt.Errorf("sqlite: check budget request: %w", err)
	}
	if model.RequestStatus(status) != model.RequestPending {
		return fmt.Errorf("budget request %s is %s: %w", d.ID, status, model.ErrAlreadyProcessed)
	}
	return fmt.Errorf("budget request %s: %w", d.ID, model.ErrConcurrencyConflict)
}

// DeleteRequest removes a request; history rows keep their entries with
// related_request_id cleared.
func (s *Store) DeleteRequest(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM budget_change_requests WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("sqlite: delete budget request: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("budget request %s: %w", id, storage.ErrNotFound)
	}
	return nil
}
