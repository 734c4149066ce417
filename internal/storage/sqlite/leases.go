package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/ironpanel/internal/model"
	"github.com/ashita-ai/ironpanel/internal/storage"
)

const leaseColumns = `id, agent_id, budget_id, provider, provider_key_id, reserved_amount, spent_amount,
	reported_cost, state, created_at, expires_at, settled_at`

func scanLease(row scanner) (model.BudgetLease, error) {
	var (
		l                model.BudgetLease
		state            string
		created          int64
		expires, settled sql.NullInt64
	)
	err := row.Scan(&l.ID, &l.AgentID, &l.BudgetID, &l.Provider, &l.ProviderKeyID,
		&l.ReservedAmount, &l.SpentAmount, &l.ReportedCost, &state,
		&created, &expires, &settled)
	l.State = model.LeaseState(state)
	l.CreatedAt = fromMicros(created)
	l.ExpiresAt = timePtr(expires)
	l.SettledAt = timePtr(settled)
	return l, err
}

// GetLease returns a lease by id.
func (s *Store) GetLease(ctx context.Context, id uuid.UUID) (model.BudgetLease, error) {
	l, err := scanLease(s.db.QueryRowContext(ctx,
		`SELECT `+leaseColumns+` FROM budget_leases WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.BudgetLease{}, fmt.Errorf("lease %s: %w", id, storage.ErrNotFound)
		}
		return model.BudgetLease{}, fmt.Errorf("sqlite: get lease: %w", err)
	}
	return l, nil
}

// ApplyLeaseChange settles Prev (if set), inserts Fresh (if set), and
// replaces the budget row, all in one transaction.
func (s *Store) ApplyLeaseChange(ctx context.Context, c storage.LeaseChange) error {
	return s.withTx(ctx, "lease change", func(tx *sql.Tx) error {
		if c.Prev != nil && c.Settled != nil {
			if err := settleLeaseTx(ctx, tx, *c.Prev, *c.Settled); err != nil {
				return err
			}
		}
		if err := casBudgetTx(ctx, tx, c.ExpectedVersion, c.Budget); err != nil {
			return err
		}
		if c.Fresh == nil {
			return nil
		}
		l := *c.Fresh
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO budget_leases (`+leaseColumns+`)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			l.ID, l.AgentID, l.BudgetID, l.Provider, l.ProviderKeyID, l.ReservedAmount, l.SpentAmount,
			l.ReportedCost, string(l.State), micros(l.CreatedAt), nullMicros(l.ExpiresAt), nullMicros(l.SettledAt),
		); err != nil {
			return fmt.Errorf("sqlite: insert lease: %w", err)
		}
		return nil
	})
}

func settleLeaseTx(ctx context.Context, tx *sql.Tx, prev, settled model.BudgetLease) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE budget_leases
		 SET state = ?, spent_amount = ?, reported_cost = ?, settled_at = ?
		 WHERE id = ? AND state = 'active' AND spent_amount = ?`,
		string(settled.State), settled.SpentAmount, settled.ReportedCost, nullMicros(settled.SettledAt),
		prev.ID, prev.SpentAmount,
	)
	if err != nil {
		return fmt.Errorf("sqlite: settle lease: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	return classifyLeaseMissTx(ctx, tx, prev.ID)
}

func classifyLeaseMissTx(ctx context.Context, tx *sql.Tx, id uuid.UUID) error {
	var state string
	err := tx.QueryRowContext(ctx, `SELECT state FROM budget_leases WHERE id = ?`, id).Scan(&state)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("lease %s: %w", id, storage.ErrNotFound)
		}
		return fmt.Errorf("sqlite: check lease: %w", err)
	}
	switch model.LeaseState(state) {
	case model.LeaseSettled:
		return fmt.Errorf("lease %s: %w", id, model.ErrLeaseAlreadySettled)
	case model.LeaseExpired:
		return fmt.Errorf("lease %s: %w", id, model.ErrLeaseExpired)
	}
	return fmt.Errorf("lease %s spent amount: %w", id, storage.ErrStaleVersion)
}

// RecordPartialSpend updates the running spend of an active lease.
func (s *Store) RecordPartialSpend(ctx context.Context, prev model.BudgetLease, spent int64) error {
	return s.withTx(ctx, "partial spend", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE budget_leases SET spent_amount = ?
			 WHERE id = ? AND state = 'active' AND spent_amount = ?`,
			spent, prev.ID, prev.SpentAmount,
		)
		if err != nil {
			return fmt.Errorf("sqlite: record partial spend: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			return nil
		}
		return classifyLeaseMissTx(ctx, tx, prev.ID)
	})
}

// ListExpiredLeases returns active leases whose expiry is before now.
func (s *Store) ListExpiredLeases(ctx context.Context, now time.Time, limit int) ([]model.BudgetLease, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+leaseColumns+` FROM budget_leases
		 WHERE state = 'active' AND expires_at IS NOT NULL AND expires_at < ?
		 ORDER BY expires_at
		 LIMIT ?`, micros(now), storage.ClampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("sqlite: list expired leases: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.BudgetLease
	for rows.Next() {
		l, err := scanLease(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan expired leases: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}
