package ledger

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/ashita-ai/ironpanel/internal/model"
	"github.com/ashita-ai/ironpanel/internal/storage"
)

// AdminChange is an administrative allocation change.
//
// With Request set, the change approves that request: the write only
// happens if the request is still pending with the same UpdatedAt, and the
// request flips to approved in the same transaction. With ResetSpent set,
// TotalSpent returns to zero and NewAllocated is ignored.
type AdminChange struct {
	AgentID      uuid.UUID
	NewAllocated int64
	ResetSpent   bool
	ModifierID   string
	Reason       string
	Request      *model.BudgetChangeRequest
	ReviewNote   *string
}

// Applied is the outcome of an administrative change.
type Applied struct {
	Budget  model.AgentBudget        `json:"budget"`
	History model.BudgetModification `json:"history"`
}

// ApplyAdministrativeChange sets the allocation (or clears spending) and
// appends one history row. Allocations below spent plus reserved are
// rejected as a validation error wrapping model.ErrBudgetBelowCommitted.
func (l *Ledger) ApplyAdministrativeChange(ctx context.Context, c AdminChange) (Applied, error) {
	ctx, span := tracer.Start(ctx, "ledger.ApplyAdministrativeChange")
	defer span.End()

	if err := model.ValidateReason(c.Reason); err != nil {
		return Applied{}, fmt.Errorf("ledger: administrative change: %w", err)
	}
	if !c.ResetSpent && c.NewAllocated < 0 {
		return Applied{}, fmt.Errorf("ledger: administrative change: %w",
			model.NewValidationError("total_allocated", "must be non-negative"))
	}
	if c.Request != nil && c.Request.AgentID != c.AgentID {
		return Applied{}, fmt.Errorf("ledger: administrative change: %w",
			model.NewValidationError("agent_id", "does not match the request"))
	}

	var out Applied
	err := l.retry(ctx, "administrative", func() error {
		b, err := l.store.GetBudget(ctx, c.AgentID)
		if err != nil {
			return err
		}
		ts := l.Now()
		next := l.advance(b)
		next.UpdatedAt = ts
		h := model.BudgetModification{
			ID:         uuid.New(),
			AgentID:    c.AgentID,
			OldBudget:  b.TotalAllocated,
			ModifierID: c.ModifierID,
			Reason:     c.Reason,
			CreatedAt:  ts,
		}

		if c.ResetSpent {
			next.TotalSpent = 0
			h.Type = model.ModificationReset
			h.NewBudget = b.TotalAllocated
			h.ChangeAmount = b.TotalSpent
		} else {
			committed := b.TotalSpent + b.Reserved
			if c.NewAllocated < committed {
				return fmt.Errorf("%w: %w", model.ErrBudgetBelowCommitted,
					model.NewValidationError("total_allocated",
						"must be at least spent plus reserved (%d)", committed))
			}
			if c.NewAllocated == b.TotalAllocated {
				return model.NewValidationError("total_allocated", "equals the current allocation")
			}
			next.TotalAllocated = c.NewAllocated
			h.Type = model.ModificationTypeFor(b.TotalAllocated, c.NewAllocated)
			h.NewBudget = c.NewAllocated
			h.ChangeAmount = c.NewAllocated - b.TotalAllocated
		}
		next.BudgetRemaining = next.TotalAllocated - next.TotalSpent - next.Reserved

		change := storage.BudgetChange{
			ExpectedVersion: b.Version,
			Budget:          next,
			History:         h,
		}
		if c.Request != nil {
			h.RelatedRequestID = &c.Request.ID
			change.History = h
			modifier := c.ModifierID
			change.Decision = &storage.RequestDecision{
				ID:                c.Request.ID,
				ExpectedUpdatedAt: c.Request.UpdatedAt,
				Status:            model.RequestApproved,
				ReviewerID:        &modifier,
				ReviewNote:        c.ReviewNote,
				UpdatedAt:         ts,
			}
		}
		if err := l.store.ApplyBudgetChange(ctx, change); err != nil {
			return err
		}
		out = Applied{Budget: next, History: h}
		return nil
	})
	if err != nil {
		return Applied{}, fmt.Errorf("ledger: administrative change: %w", err)
	}
	l.logger.Info("ledger: administrative change",
		"agent_id", c.AgentID, "type", out.History.Type,
		"old_budget", out.History.OldBudget, "new_budget", out.History.NewBudget,
		"modifier_id", c.ModifierID)
	return out, nil
}
