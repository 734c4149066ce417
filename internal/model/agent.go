package model

import (
	"time"

	"github.com/google/uuid"
)

// Agent is a budget-bearing identity. Every budget operation requires the
// agent to exist first.
type Agent struct {
	ID               uuid.UUID `json:"id"`
	OwnerID          string    `json:"owner_id"`
	ProjectID        *string   `json:"project_id,omitempty"`
	Name             string    `json:"name"`
	AllowedProviders []string  `json:"allowed_providers"`
	CreatedAt        time.Time `json:"created_at"`
}

// AllowsProvider reports whether the agent may use provider. An empty
// allow-list permits every provider.
func (a Agent) AllowsProvider(provider string) bool {
	if len(a.AllowedProviders) == 0 {
		return true
	}
	for _, p := range a.AllowedProviders {
		if p == provider {
			return true
		}
	}
	return false
}

// AgentBudget is the ledger row, one per agent. All amounts are integer
// micro-units of currency.
//
// BudgetRemaining always equals TotalAllocated - TotalSpent - Reserved and
// is never negative. Version increments on every write and is the
// compare-and-swap token for ledger mutations.
type AgentBudget struct {
	AgentID         uuid.UUID `json:"agent_id"`
	TotalAllocated  int64     `json:"total_allocated"`
	TotalSpent      int64     `json:"total_spent"`
	Reserved        int64     `json:"reserved"`
	BudgetRemaining int64     `json:"budget_remaining"`
	Version         int64     `json:"version"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Consistent reports whether the row satisfies the ledger invariant.
func (b AgentBudget) Consistent() bool {
	return b.BudgetRemaining == b.TotalAllocated-b.TotalSpent-b.Reserved &&
		b.BudgetRemaining >= 0 && b.Reserved >= 0 && b.TotalSpent >= 0
}

// ProviderKey is an LLM provider credential encrypted at rest. The plaintext
// never leaves the process that decrypts it.
type ProviderKey struct {
	ID         uuid.UUID `json:"id"`
	Provider   string    `json:"provider"`
	Ciphertext []byte    `json:"-"`
	Nonce      []byte    `json:"-"`
	Enabled    bool      `json:"enabled"`
	ProjectID  *string   `json:"project_id,omitempty"`
	Label      string    `json:"label"`
	CreatedAt  time.Time `json:"created_at"`
}

// ProviderKeyAssignment links an agent to the key it uses for a provider.
type ProviderKeyAssignment struct {
	AgentID       uuid.UUID `json:"agent_id"`
	Provider      string    `json:"provider"`
	ProviderKeyID uuid.UUID `json:"provider_key_id"`
	CreatedAt     time.Time `json:"created_at"`
}
