package model

import (
	"time"

	"github.com/google/uuid"
)

// LeaseState is the lifecycle state of a budget lease.
// Transitions: active -> settled, active -> expired. Both are terminal.
type LeaseState string

const (
	LeaseActive  LeaseState = "active"
	LeaseSettled LeaseState = "settled"
	LeaseExpired LeaseState = "expired"
)

// Valid reports whether s is a known lease state.
func (s LeaseState) Valid() bool {
	switch s {
	case LeaseActive, LeaseSettled, LeaseExpired:
		return true
	}
	return false
}

// BudgetLease is a reservation created by a handshake. ReservedAmount counts
// against the agent's remaining budget until the lease settles or expires.
// SpentAmount accumulates partial usage reports on an active lease.
type BudgetLease struct {
	ID             uuid.UUID  `json:"lease_id"`
	AgentID        uuid.UUID  `json:"agent_id"`
	BudgetID       uuid.UUID  `json:"budget_id"`
	Provider       string     `json:"provider"`
	ProviderKeyID  *uuid.UUID `json:"provider_key_id,omitempty"`
	ReservedAmount int64      `json:"reserved_amount"`
	SpentAmount    int64      `json:"spent_amount"`
	ReportedCost   *int64     `json:"reported_cost,omitempty"`
	State          LeaseState `json:"state"`
	CreatedAt      time.Time  `json:"created_at"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	SettledAt      *time.Time `json:"settled_at,omitempty"`
}

// PastExpiry reports whether an active lease has outlived its expiry.
// Leases without an expiry never lapse.
func (l BudgetLease) PastExpiry(now time.Time) bool {
	return l.State == LeaseActive && l.ExpiresAt != nil && now.After(*l.ExpiresAt)
}
