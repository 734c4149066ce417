package model

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// RequestStatus is the state of a budget change request. Only pending
// requests may transition; the other three are terminal.
type RequestStatus string

const (
	RequestPending   RequestStatus = "pending"
	RequestApproved  RequestStatus = "approved"
	RequestRejected  RequestStatus = "rejected"
	RequestCancelled RequestStatus = "cancelled"
)

// ParseRequestStatus validates a status string from an external caller.
func ParseRequestStatus(s string) (RequestStatus, error) {
	switch st := RequestStatus(s); st {
	case RequestPending, RequestApproved, RequestRejected, RequestCancelled:
		return st, nil
	}
	return "", NewValidationError("status", "must be one of pending, approved, rejected, cancelled")
}

// ModificationType classifies a budget history entry.
type ModificationType string

const (
	ModificationIncrease ModificationType = "increase"
	ModificationDecrease ModificationType = "decrease"
	ModificationReset    ModificationType = "reset"
)

// ModificationTypeFor derives the type from the direction of an allocation change.
func ModificationTypeFor(oldBudget, newBudget int64) ModificationType {
	if newBudget > oldBudget {
		return ModificationIncrease
	}
	return ModificationDecrease
}

// Length bounds, counted in characters after trimming whitespace.
const (
	MinJustificationLen = 20
	MaxJustificationLen = 500
	MinReasonLen        = 10
	MaxReasonLen        = 500
)

// BudgetChangeRequest is a pending administrative change to an agent's
// allocation. UpdatedAt is the optimistic-lock token for approval.
type BudgetChangeRequest struct {
	ID              uuid.UUID     `json:"id"`
	AgentID         uuid.UUID     `json:"agent_id"`
	RequesterID     string        `json:"requester_id"`
	CurrentBudget   int64         `json:"current_budget"`
	RequestedBudget int64         `json:"requested_budget"`
	Justification   string        `json:"justification"`
	Status          RequestStatus `json:"status"`
	ReviewerID      *string       `json:"reviewer_id,omitempty"`
	ReviewNote      *string       `json:"review_note,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// BudgetModification is an append-only audit entry. RelatedRequestID is
// cleared, not cascaded, when its request is deleted.
type BudgetModification struct {
	ID               uuid.UUID        `json:"id"`
	AgentID          uuid.UUID        `json:"agent_id"`
	Type             ModificationType `json:"modification_type"`
	OldBudget        int64            `json:"old_budget"`
	NewBudget        int64            `json:"new_budget"`
	ChangeAmount     int64            `json:"change_amount"`
	ModifierID       string           `json:"modifier_id"`
	Reason           string           `json:"reason"`
	RelatedRequestID *uuid.UUID       `json:"related_request_id,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
}

// ValidateJustification enforces the justification length bounds.
func ValidateJustification(s string) error {
	return validateLength("justification", s, MinJustificationLen, MaxJustificationLen)
}

// ValidateReason enforces the history reason length bounds.
func ValidateReason(s string) error {
	return validateLength("reason", s, MinReasonLen, MaxReasonLen)
}

func validateLength(field, s string, minLen, maxLen int) error {
	n := utf8.RuneCountInString(strings.TrimSpace(s))
	if n < minLen || n > maxLen {
		return NewValidationError(field, "length must be between %d and %d characters (got %d)", minLen, maxLen, n)
	}
	return nil
}
