package storage

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/ironpanel/internal/model"
)

// Store is the persistence contract shared by the PostgreSQL backend (DB)
// and the embedded SQLite backend. Every method that writes more than one
// row does so in a single transaction.
type Store interface {
	Ping(ctx context.Context) error

	CreateAgent(ctx context.Context, agent model.Agent, budget model.AgentBudget) error
	GetAgent(ctx context.Context, id uuid.UUID) (model.Agent, error)

	GetBudget(ctx context.Context, agentID uuid.UUID) (model.AgentBudget, error)
	// ApplyBudgetChange writes an administrative budget change. See BudgetChange.
	ApplyBudgetChange(ctx context.Context, c BudgetChange) error
	ListHistory(ctx context.Context, agentID uuid.UUID, limit int) ([]model.BudgetModification, error)

	GetLease(ctx context.Context, id uuid.UUID) (model.BudgetLease, error)
	// ApplyLeaseChange writes a reservation, settlement, or rollover. See LeaseChange.
	ApplyLeaseChange(ctx context.Context, c LeaseChange) error
	// RecordPartialSpend sets spent_amount on an active lease, conditioned on
	// it still equalling prev.SpentAmount.
	RecordPartialSpend(ctx context.Context, prev model.BudgetLease, spent int64) error
	ListExpiredLeases(ctx context.Context, now time.Time, limit int) ([]model.BudgetLease, error)

	CreateProviderKey(ctx context.Context, key model.ProviderKey) error
	GetProviderKey(ctx context.Context, id uuid.UUID) (model.ProviderKey, error)
	SetProviderKeyEnabled(ctx context.Context, id uuid.UUID, enabled bool) error
	AssignProviderKey(ctx context.Context, a model.ProviderKeyAssignment) error
	// GetAssignedKey returns an enabled key assigned to agentID for provider.
	// With keyID set, only that key qualifies; otherwise the most recent
	// assignment wins.
	GetAssignedKey(ctx context.Context, agentID uuid.UUID, provider string, keyID *uuid.UUID) (model.ProviderKey, error)

	CreateRequest(ctx context.Context, r model.BudgetChangeRequest) error
	GetRequest(ctx context.Context, id uuid.UUID) (model.BudgetChangeRequest, error)
	ListRequests(ctx context.Context, f RequestFilter) ([]model.BudgetChangeRequest, error)
	// DecideRequest moves a pending request to a terminal status without
	// touching the ledger.
	DecideRequest(ctx context.Context, d RequestDecision) error
	DeleteRequest(ctx context.Context, id uuid.UUID) error
}

// LeaseChange is one atomic ledger write involving leases. The budget row
// is replaced with Budget only if its version is still ExpectedVersion.
//
//   - reserve: Fresh set; inserted as a new row.
//   - settle: Prev and Settled set; Prev must still be active with an
//     unchanged spent_amount.
//   - rollover: all three set.
type LeaseChange struct {
	ExpectedVersion int64
	Budget          model.AgentBudget
	Prev            *model.BudgetLease
	Settled         *model.BudgetLease
	Fresh           *model.BudgetLease
}

// RequestDecision moves a request out of pending. The write is conditioned
// on status = pending and updated_at = ExpectedUpdatedAt.
type RequestDecision struct {
	ID                uuid.UUID
	ExpectedUpdatedAt time.Time
	Status            model.RequestStatus
	ReviewerID        *string
	ReviewNote        *string
	UpdatedAt         time.Time
}

// BudgetChange replaces the budget row (conditioned on ExpectedVersion),
// appends History, and when Decision is set, decides the request in the
// same transaction. A request mismatch writes nothing.
type BudgetChange struct {
	ExpectedVersion int64
	Budget          model.AgentBudget
	History         model.BudgetModification
	Decision        *RequestDecision
}

// RequestFilter narrows ListRequests. Zero values mean no filter.
type RequestFilter struct {
	AgentID *uuid.UUID
	Status  *model.RequestStatus
	Limit   int
	Offset  int
}

// DefaultListLimit caps list queries when the caller gives no limit.
const DefaultListLimit = 50

// MaxListLimit is the largest page any list query returns.
const MaxListLimit = 500

// ClampLimit applies DefaultListLimit and MaxListLimit.
func ClampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultListLimit
	case limit > MaxListLimit:
		return MaxListLimit
	}
	return limit
}
