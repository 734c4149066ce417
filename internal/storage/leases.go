package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/ironpanel/internal/model"
)

const leaseColumns = `id, agent_id, budget_id, provider, provider_key_id, reserved_amount, spent_amount,
	reported_cost, state, created_at, expires_at, settled_at`

func scanLease(row pgx.Row) (model.BudgetLease, error) {
	var l model.BudgetLease
	var state string
	err := row.Scan(&l.ID, &l.AgentID, &l.BudgetID, &l.Provider, &l.ProviderKeyID,
		&l.ReservedAmount, &l.SpentAmount, &l.ReportedCost, &state,
		&l.CreatedAt, &l.ExpiresAt, &l.SettledAt)
	l.State = model.LeaseState(state)
	return l, err
}

// GetLease returns a lease by id.
func (db *DB) GetLease(ctx context.Context, id uuid.UUID) (model.BudgetLease, error) {
	l, err := scanLease(db.pool.QueryRow(ctx,
		`SELECT `+leaseColumns+` FROM budget_leases WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.BudgetLease{}, fmt.Errorf("lease %s: %w", id, ErrNotFound)
		}
		return model.BudgetLease{}, fmt.Errorf("storage: get lease: %w", err)
	}
	return l, nil
}

// ApplyLeaseChange settles Prev (if set), inserts Fresh (if set), and
// replaces the budget row, all in one transaction.
func (db *DB) ApplyLeaseChange(ctx context.Context, c LeaseChange) error {
	return db.withTx(ctx, "lease change", func(tx pgx.Tx) error {
		if c.Prev != nil && c.Settled != nil {
			if err := settleLeaseTx(ctx, tx, *c.Prev, *c.Settled); err != nil {
				return err
			}
		}
		if err := casBudgetTx(ctx, tx, c.ExpectedVersion, c.Budget); err != nil {
			return err
		}
		if c.Fresh != nil {
			if err := insertLeaseTx(ctx, tx, *c.Fresh); err != nil {
				return err
			}
		}
		return nil
	})
}

func insertLeaseTx(ctx context.Context, tx pgx.Tx, l model.BudgetLease) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO budget_leases (`+leaseColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		l.ID, l.AgentID, l.BudgetID, l.Provider, l.ProviderKeyID, l.ReservedAmount, l.SpentAmount,
		l.ReportedCost, string(l.State), l.CreatedAt, l.ExpiresAt, l.SettledAt,
	)
	if err != nil {
		return fmt.Errorf("storage: insert lease: %w", err)
	}
	return nil
}

func settleLeaseTx(ctx context.Context, tx pgx.Tx, prev, settled model.BudgetLease) error {
	tag, err := tx.Exec(ctx,
		`UPDATE budget_leases
		 SET state = $2, spent_amount = $3, reported_cost = $4, settled_at = $5
		 WHERE id = $1 AND state = 'active' AND spent_amount = $6`,
		prev.ID, string(settled.State), settled.SpentAmount, settled.ReportedCost, settled.SettledAt,
		prev.SpentAmount,
	)
	if err != nil {
		return fmt.Errorf("storage: settle lease: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	return classifyLeaseMissTx(ctx, tx, prev.ID)
}

// classifyLeaseMissTx explains why a conditional lease update matched no row.
func classifyLeaseMissTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) error {
	var state string
	err := tx.QueryRow(ctx, `SELECT state FROM budget_leases WHERE id = $1`, id).Scan(&state)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("lease %s: %w", id, ErrNotFound)
		}
		return fmt.Errorf("storage: check lease: %w", err)
	}
	return leaseMissError(id, model.LeaseState(state))
}

func leaseMissError(id uuid.UUID, state model.LeaseState) error {
	switch state {
	case model.LeaseSettled:
		return fmt.Errorf("lease %s: %w", id, model.ErrLeaseAlreadySettled)
	case model.LeaseExpired:
		return fmt.Errorf("lease %s: %w", id, model.ErrLeaseExpired)
	}
	return fmt.Errorf("lease %s spent amount: %w", id, ErrStaleVersion)
}

// RecordPartialSpend updates the running spend of an active lease.
func (db *DB) RecordPartialSpend(ctx context.Context, prev model.BudgetLease, spent int64) error {
	return db.withTx(ctx, "partial spend", func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE budget_leases SET spent_amount = $2
			 WHERE id = $1 AND state = 'active' AND spent_amount = $3`,
			prev.ID, spent, prev.SpentAmount,
		)
		if err != nil {
			return fmt.Errorf("storage: record partial spend: %w", err)
		}
		if tag.RowsAffected() == 1 {
			return nil
		}
		return classifyLeaseMissTx(ctx, tx, prev.ID)
	})
}

// ListExpiredLeases returns active leases whose expiry is before now.
func (db *DB) ListExpiredLeases(ctx context.Context, now time.Time, limit int) ([]model.BudgetLease, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+leaseColumns+` FROM budget_leases
		 WHERE state = 'active' AND expires_at IS NOT NULL AND expires_at < $1
		 ORDER BY expires_at
		 LIMIT $2`, now, ClampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("storage: list expired leases: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.BudgetLease, error) {
		return scanLease(row)
	})
	if err != nil {
		return nil, fmt.Errorf("storage: scan expired leases: %w", err)
	}
	return out, nil
}
