// Package ledger owns the per-agent budget row. Every mutation is computed
// from a fresh read and written with a version-conditioned store call, so
// concurrent writers never lose an update and the row always satisfies
//
//	budget_remaining = total_allocated - total_spent - reserved >= 0
//
// Writers that lose the race re-read and retry with jittered backoff.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/ironpanel/internal/model"
	"github.com/ashita-ai/ironpanel/internal/storage"
	"github.com/ashita-ai/ironpanel/internal/telemetry"
)

var tracer = telemetry.Tracer("ironpanel/ledger")

// Store is the subset of storage.Store the ledger writes through.
type Store interface {
	GetBudget(ctx context.Context, agentID uuid.UUID) (model.AgentBudget, error)
	GetLease(ctx context.Context, id uuid.UUID) (model.BudgetLease, error)
	ApplyLeaseChange(ctx context.Context, c storage.LeaseChange) error
	ApplyBudgetChange(ctx context.Context, c storage.BudgetChange) error
}

// Defaults for conflict retries.
const (
	DefaultMaxRetries = 5
	DefaultRetryDelay = 5 * time.Millisecond
)

// Ledger applies reservations, settlements, and administrative changes.
type Ledger struct {
	store      Store
	logger     *slog.Logger
	maxRetries int
	retryDelay time.Duration
	now        func() time.Time

	reservations metric.Int64Counter
	settlements  metric.Int64Counter
	conflicts    metric.Int64Counter
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithRetry sets the conflict retry budget and initial backoff.
func WithRetry(maxRetries int, baseDelay time.Duration) Option {
	return func(l *Ledger) {
		l.maxRetries = max(maxRetries, 0)
		l.retryDelay = max(baseDelay, 0)
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// New creates a Ledger over store.
func New(store Store, logger *slog.Logger, opts ...Option) *Ledger {
	meter := telemetry.Meter("ironpanel/ledger")
	l := &Ledger{
		store:      store,
		logger:     logger,
		maxRetries: DefaultMaxRetries,
		retryDelay: DefaultRetryDelay,
		now:        time.Now,

		reservations: telemetry.Counter(meter, "ironpanel.ledger.reservations", "Budget reservations attempted"),
		settlements:  telemetry.Counter(meter, "ironpanel.ledger.settlements", "Leases settled or expired"),
		conflicts:    telemetry.Counter(meter, "ironpanel.ledger.cas_conflicts", "Budget writes that lost a version race"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Now returns the ledger clock truncated to the storage precision.
func (l *Ledger) Now() time.Time {
	return l.now().UTC().Truncate(time.Microsecond)
}

// Balance returns the current budget row for an agent.
func (l *Ledger) Balance(ctx context.Context, agentID uuid.UUID) (model.AgentBudget, error) {
	b, err := l.store.GetBudget(ctx, agentID)
	if err != nil {
		return model.AgentBudget{}, fmt.Errorf("ledger: balance: %w", err)
	}
	return b, nil
}

// Reserve holds lease.ReservedAmount against the agent's remaining budget
// and records lease as ACTIVE in the same write.
func (l *Ledger) Reserve(ctx context.Context, lease model.BudgetLease) (model.BudgetLease, error) {
	ctx, span := tracer.Start(ctx, "ledger.Reserve")
	defer span.End()

	if lease.ReservedAmount < 0 {
		return model.BudgetLease{}, fmt.Errorf("ledger: reserve: %w",
			model.NewValidationError("reserved_amount", "must be non-negative"))
	}
	if lease.ID == uuid.Nil {
		lease.ID = uuid.New()
	}
	if lease.BudgetID == uuid.Nil {
		lease.BudgetID = lease.AgentID
	}
	lease.State = model.LeaseActive
	lease.SpentAmount = 0
	lease.ReportedCost = nil
	lease.SettledAt = nil
	if lease.CreatedAt.IsZero() {
		lease.CreatedAt = l.Now()
	}

	err := l.retry(ctx, "reserve", func() error {
		b, err := l.store.GetBudget(ctx, lease.AgentID)
		if err != nil {
			return err
		}
		if b.BudgetRemaining < lease.ReservedAmount {
			return fmt.Errorf("%w: remaining %d, requested %d",
				model.ErrInsufficientBudget, b.BudgetRemaining, lease.ReservedAmount)
		}
		next := l.advance(b)
		next.Reserved += lease.ReservedAmount
		next.BudgetRemaining -= lease.ReservedAmount
		return l.store.ApplyLeaseChange(ctx, storage.LeaseChange{
			ExpectedVersion: b.Version,
			Budget:          next,
			Fresh:           &lease,
		})
	})
	l.record(ctx, l.reservations, err, attribute.String("provider", lease.Provider))
	if err != nil {
		return model.BudgetLease{}, fmt.Errorf("ledger: reserve: %w", err)
	}
	l.logger.Debug("ledger: reserved", "agent_id", lease.AgentID, "lease_id", lease.ID, "amount", lease.ReservedAmount)
	return lease, nil
}

// Settle closes an ACTIVE lease as SETTLED with the reported cost. The
// unused part of the reservation returns to the remaining balance. A cost
// larger than the reservation is rejected, not capped.
func (l *Ledger) Settle(ctx context.Context, leaseID uuid.UUID, actualCost int64) (model.BudgetLease, error) {
	ctx, span := tracer.Start(ctx, "ledger.Settle")
	defer span.End()

	if actualCost < 0 {
		return model.BudgetLease{}, fmt.Errorf("ledger: settle: %w",
			model.NewValidationError("actual_cost", "must be non-negative"))
	}
	settled, err := l.close(ctx, leaseID, model.LeaseSettled, &actualCost)
	l.record(ctx, l.settlements, err, attribute.String("state", string(model.LeaseSettled)))
	if err != nil {
		return model.BudgetLease{}, fmt.Errorf("ledger: settle: %w", err)
	}
	return settled, nil
}

// Expire closes an ACTIVE lease as EXPIRED, charging whatever partial spend
// it recorded and releasing the rest.
func (l *Ledger) Expire(ctx context.Context, leaseID uuid.UUID) (model.BudgetLease, error) {
	ctx, span := tracer.Start(ctx, "ledger.Expire")
	defer span.End()

	expired, err := l.close(ctx, leaseID, model.LeaseExpired, nil)
	l.record(ctx, l.settlements, err, attribute.String("state", string(model.LeaseExpired)))
	if err != nil {
		return model.BudgetLease{}, fmt.Errorf("ledger: expire: %w", err)
	}
	return expired, nil
}

// close settles the lease into final. A nil cost charges the recorded
// partial spend; a final cost may not undercut it.
func (l *Ledger) close(ctx context.Context, leaseID uuid.UUID, final model.LeaseState, cost *int64) (model.BudgetLease, error) {
	var out model.BudgetLease
	err := l.retry(ctx, string(final), func() error {
		prev, err := l.activeLease(ctx, leaseID)
		if err != nil {
			return err
		}
		charge := prev.SpentAmount
		if cost != nil {
			if *cost < prev.SpentAmount {
				return model.NewValidationError("actual_cost",
					"must be at least the partial spend already reported (%d)", prev.SpentAmount)
			}
			charge = *cost
		}
		if charge > prev.ReservedAmount {
			return fmt.Errorf("%w: cost %d, reserved %d",
				model.ErrCostExceedsReservation, charge, prev.ReservedAmount)
		}

		b, err := l.store.GetBudget(ctx, prev.AgentID)
		if err != nil {
			return err
		}
		next := l.advance(b)
		next.Reserved -= prev.ReservedAmount
		next.TotalSpent += charge
		next.BudgetRemaining = next.TotalAllocated - next.TotalSpent - next.Reserved

		settled := l.closedLease(prev, final, charge, cost != nil)
		if err := l.store.ApplyLeaseChange(ctx, storage.LeaseChange{
			ExpectedVersion: b.Version,
			Budget:          next,
			Prev:            &prev,
			Settled:         &settled,
		}); err != nil {
			return err
		}
		out = settled
		return nil
	})
	return out, err
}

// Rollover settles oldID at its recorded partial spend and reserves fresh
// in one write. On shortfall nothing changes and the old lease stays ACTIVE.
func (l *Ledger) Rollover(ctx context.Context, oldID uuid.UUID, fresh model.BudgetLease) (settled, reserved model.BudgetLease, err error) {
	ctx, span := tracer.Start(ctx, "ledger.Rollover")
	defer span.End()

	if fresh.ReservedAmount < 0 {
		return model.BudgetLease{}, model.BudgetLease{}, fmt.Errorf("ledger: rollover: %w",
			model.NewValidationError("additional_amount", "must be non-negative"))
	}
	if fresh.ID == uuid.Nil {
		fresh.ID = uuid.New()
	}
	fresh.State = model.LeaseActive
	fresh.SpentAmount = 0
	fresh.ReportedCost = nil
	fresh.SettledAt = nil
	if fresh.CreatedAt.IsZero() {
		fresh.CreatedAt = l.Now()
	}

	err = l.retry(ctx, "rollover", func() error {
		prev, err := l.activeLease(ctx, oldID)
		if err != nil {
			return err
		}
		fresh.AgentID = prev.AgentID
		if fresh.BudgetID == uuid.Nil {
			fresh.BudgetID = prev.BudgetID
		}

		b, err := l.store.GetBudget(ctx, prev.AgentID)
		if err != nil {
			return err
		}
		// The unspent part of the old reservation is available to the new one.
		available := b.BudgetRemaining + (prev.ReservedAmount - prev.SpentAmount)
		if available < fresh.ReservedAmount {
			return fmt.Errorf("%w: available %d, requested %d",
				model.ErrInsufficientBudget, available, fresh.ReservedAmount)
		}

		next := l.advance(b)
		next.Reserved += fresh.ReservedAmount - prev.ReservedAmount
		next.TotalSpent += prev.SpentAmount
		next.BudgetRemaining = next.TotalAllocated - next.TotalSpent - next.Reserved

		closed := l.closedLease(prev, model.LeaseSettled, prev.SpentAmount, true)
		if err := l.store.ApplyLeaseChange(ctx, storage.LeaseChange{
			ExpectedVersion: b.Version,
			Budget:          next,
			Prev:            &prev,
			Settled:         &closed,
			Fresh:           &fresh,
		}); err != nil {
			return err
		}
		settled, reserved = closed, fresh
		return nil
	})
	l.record(ctx, l.reservations, err, attribute.String("provider", fresh.Provider))
	if err != nil {
		return model.BudgetLease{}, model.BudgetLease{}, fmt.Errorf("ledger: rollover: %w", err)
	}
	return settled, reserved, nil
}

func (l *Ledger) activeLease(ctx context.Context, id uuid.UUID) (model.BudgetLease, error) {
	lease, err := l.store.GetLease(ctx, id)
	if err != nil {
		return model.BudgetLease{}, err
	}
	switch lease.State {
	case model.LeaseSettled:
		return model.BudgetLease{}, fmt.Errorf("lease %s: %w", id, model.ErrLeaseAlreadySettled)
	case model.LeaseExpired:
		return model.BudgetLease{}, fmt.Errorf("lease %s: %w", id, model.ErrLeaseExpired)
	}
	return lease, nil
}

func (l *Ledger) closedLease(prev model.BudgetLease, final model.LeaseState, charge int64, reported bool) model.BudgetLease {
	out := prev
	out.State = final
	out.SpentAmount = charge
	if reported {
		out.ReportedCost = &charge
	}
	at := l.Now()
	out.SettledAt = &at
	return out
}

// advance returns a copy of b with the next version and timestamp.
func (l *Ledger) advance(b model.AgentBudget) model.AgentBudget {
	b.Version++
	b.UpdatedAt = l.Now()
	return b
}

// retry runs fn under storage.WithRetry, counting version conflicts.
func (l *Ledger) retry(ctx context.Context, op string, fn func() error) error {
	return storage.WithRetry(ctx, l.maxRetries, l.retryDelay, func() error {
		err := fn()
		if errors.Is(err, storage.ErrStaleVersion) {
			l.logger.Debug("ledger: version conflict, retrying", "op", op, "error", err)
			l.conflicts.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
		}
		return err
	})
}

func (l *Ledger) record(ctx context.Context, c metric.Int64Counter, err error, attrs ...attribute.KeyValue) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	attrs = append(attrs, attribute.String("outcome", outcome))
	c.Add(ctx, 1, metric.WithAttributes(attrs...))
}
