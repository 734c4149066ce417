// Package budgetrequest implements the budget change request workflow:
// agents' owners ask for a new allocation, administrators approve or
// reject, requesters may cancel. Approval changes the ledger and records
// history in one conditional write.
package budgetrequest

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/ironpanel/internal/ledger"
	"github.com/ashita-ai/ironpanel/internal/model"
	"github.com/ashita-ai/ironpanel/internal/storage"
	"github.com/ashita-ai/ironpanel/internal/telemetry"
)

// Store is the request persistence the workflow needs.
type Store interface {
	GetAgent(ctx context.Context, id uuid.UUID) (model.Agent, error)
	CreateRequest(ctx context.Context, r model.BudgetChangeRequest) error
	GetRequest(ctx context.Context, id uuid.UUID) (model.BudgetChangeRequest, error)
	ListRequests(ctx context.Context, f storage.RequestFilter) ([]model.BudgetChangeRequest, error)
	DecideRequest(ctx context.Context, d storage.RequestDecision) error
	DeleteRequest(ctx context.Context, id uuid.UUID) error
	ListHistory(ctx context.Context, agentID uuid.UUID, limit int) ([]model.BudgetModification, error)
}

// Service runs the workflow.
type Service struct {
	store     Store
	ledger    *ledger.Ledger
	logger    *slog.Logger
	now       func() time.Time
	decisions metric.Int64Counter
}

// New creates a Service.
func New(store Store, l *ledger.Ledger, logger *slog.Logger) *Service {
	meter := telemetry.Meter("ironpanel/budgetrequest")
	return &Service{
		store:     store,
		ledger:    l,
		logger:    logger,
		now:       time.Now,
		decisions: telemetry.Counter(meter, "ironpanel.budget_requests.decisions", "Budget request decisions by outcome"),
	}
}

// WithClock overrides the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) clock() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

// CreateInput is a new budget change request.
type CreateInput struct {
	AgentID         uuid.UUID
	RequesterID     string
	RequestedBudget int64
	Justification   string
}

// Create validates and files a pending request. CurrentBudget is snapshotted
// from the ledger.
func (s *Service) Create(ctx context.Context, in CreateInput) (model.BudgetChangeRequest, error) {
	if strings.TrimSpace(in.RequesterID) == "" {
		return model.BudgetChangeRequest{}, fmt.Errorf("budgetrequest: create: %w",
			model.NewValidationError("requester_id", "is required"))
	}
	if err := model.ValidateJustification(in.Justification); err != nil {
		return model.BudgetChangeRequest{}, fmt.Errorf("budgetrequest: create: %w", err)
	}
	if in.RequestedBudget < 0 {
		return model.BudgetChangeRequest{}, fmt.Errorf("budgetrequest: create: %w",
			model.NewValidationError("requested_budget", "must be non-negative"))
	}
	if _, err := s.store.GetAgent(ctx, in.AgentID); err != nil {
		return model.BudgetChangeRequest{}, fmt.Errorf("budgetrequest: create: %w", err)
	}
	b, err := s.ledger.Balance(ctx, in.AgentID)
	if err != nil {
		return model.BudgetChangeRequest{}, fmt.Errorf("budgetrequest: create: %w", err)
	}
	if in.RequestedBudget == b.TotalAllocated {
		return model.BudgetChangeRequest{}, fmt.Errorf("budgetrequest: create: %w",
			model.NewValidationError("requested_budget", "equals the current allocation"))
	}

	now := s.clock()
	r := model.BudgetChangeRequest{
		ID:              uuid.New(),
		AgentID:         in.AgentID,
		RequesterID:     in.RequesterID,
		CurrentBudget:   b.TotalAllocated,
		RequestedBudget: in.RequestedBudget,
		Justification:   strings.TrimSpace(in.Justification),
		Status:          model.RequestPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.store.CreateRequest(ctx, r); err != nil {
		return model.BudgetChangeRequest{}, fmt.Errorf("budgetrequest: create: %w", err)
	}
	s.logger.Info("budgetrequest: created",
		"request_id", r.ID, "agent_id", r.AgentID, "current", r.CurrentBudget, "requested", r.RequestedBudget)
	return r, nil
}

// Approve applies a pending request to the ledger. Of two concurrent
// approvals exactly one succeeds; the other fails with
// model.ErrConcurrencyConflict and writes nothing.
func (s *Service) Approve(ctx context.Context, id uuid.UUID, approverID string, note *string) (model.BudgetChangeRequest, model.BudgetModification, error) {
	r, err := s.pending(ctx, id)
	if err != nil {
		s.count(ctx, model.RequestApproved, err)
		return model.BudgetChangeRequest{}, model.BudgetModification{}, fmt.Errorf("budgetrequest: approve: %w", err)
	}
	applied, err := s.ledger.ApplyAdministrativeChange(ctx, ledger.AdminChange{
		AgentID:      r.AgentID,
		NewAllocated: r.RequestedBudget,
		ModifierID:   approverID,
		Reason:       r.Justification,
		Request:      &r,
		ReviewNote:   note,
	})
	s.count(ctx, model.RequestApproved, err)
	if err != nil {
		return model.BudgetChangeRequest{}, model.BudgetModification{}, fmt.Errorf("budgetrequest: approve: %w", err)
	}

	r.Status = model.RequestApproved
	r.ReviewerID = &approverID
	r.ReviewNote = note
	r.UpdatedAt = applied.History.CreatedAt
	s.logger.Info("budgetrequest: approved",
		"request_id", r.ID, "agent_id", r.AgentID, "approver_id", approverID,
		"type", applied.History.Type, "change", applied.History.ChangeAmount)
	return r, applied.History, nil
}

// Reject closes a pending request without touching the ledger.
func (s *Service) Reject(ctx context.Context, id uuid.UUID, reviewerID string, note *string) (model.BudgetChangeRequest, error) {
	r, err := s.decide(ctx, id, model.RequestRejected, reviewerID, note, nil)
	if err != nil {
		return model.BudgetChangeRequest{}, fmt.Errorf("budgetrequest: reject: %w", err)
	}
	return r, nil
}

// Cancel withdraws a pending request. Only the original requester may cancel.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID, requesterID string) (model.BudgetChangeRequest, error) {
	r, err := s.decide(ctx, id, model.RequestCancelled, requesterID, nil, func(r model.BudgetChangeRequest) error {
		if r.RequesterID != requesterID {
			return fmt.Errorf("only the requester may cancel: %w", model.ErrPermissionDenied)
		}
		return nil
	})
	if err != nil {
		return model.BudgetChangeRequest{}, fmt.Errorf("budgetrequest: cancel: %w", err)
	}
	return r, nil
}

func (s *Service) decide(ctx context.Context, id uuid.UUID, status model.RequestStatus, actor string, note *string, check func(model.BudgetChangeRequest) error) (model.BudgetChangeRequest, error) {
	r, err := s.pending(ctx, id)
	if err == nil && check != nil {
		err = check(r)
	}
	if err != nil {
		s.count(ctx, status, err)
		return model.BudgetChangeRequest{}, err
	}

	now := s.clock()
	err = s.store.DecideRequest(ctx, storage.RequestDecision{
		ID:                r.ID,
		ExpectedUpdatedAt: r.UpdatedAt,
		Status:            status,
		ReviewerID:        &actor,
		ReviewNote:        note,
		UpdatedAt:         now,
	})
	s.count(ctx, status, err)
	if err != nil {
		return model.BudgetChangeRequest{}, err
	}
	r.Status = status
	r.ReviewerID = &actor
	r.ReviewNote = note
	r.UpdatedAt = now
	s.logger.Info("budgetrequest: decided", "request_id", r.ID, "status", status, "actor", actor)
	return r, nil
}

func (s *Service) pending(ctx context.Context, id uuid.UUID) (model.BudgetChangeRequest, error) {
	r, err := s.store.GetRequest(ctx, id)
	if err != nil {
		return model.BudgetChangeRequest{}, err
	}
	if r.Status != model.RequestPending {
		return model.BudgetChangeRequest{}, fmt.Errorf("budget request %s is %s: %w", id, r.Status, model.ErrAlreadyProcessed)
	}
	return r, nil
}

func (s *Service) count(ctx context.Context, status model.RequestStatus, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	s.decisions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("decision", string(status)),
		attribute.String("outcome", outcome),
	))
}

// Get returns one request.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (model.BudgetChangeRequest, error) {
	r, err := s.store.GetRequest(ctx, id)
	if err != nil {
		return model.BudgetChangeRequest{}, fmt.Errorf("budgetrequest: get: %w", err)
	}
	return r, nil
}

// Filter narrows List.
type Filter = storage.RequestFilter

// List returns requests newest first.
func (s *Service) List(ctx context.Context, f Filter) ([]model.BudgetChangeRequest, error) {
	out, err := s.store.ListRequests(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("budgetrequest: list: %w", err)
	}
	return out, nil
}

// Delete removes a request. History rows that referenced it keep their
// entries with the link cleared.
func (s *Service) Delete(ctx context.Context, id uuid.UUID) error {
	if err := s.store.DeleteRequest(ctx, id); err != nil {
		return fmt.Errorf("budgetrequest: delete: %w", err)
	}
	s.logger.Info("budgetrequest: deleted", "request_id", id)
	return nil
}

// History returns an agent's budget modifications, newest first.
func (s *Service) History(ctx context.Context, agentID uuid.UUID, limit int) ([]model.BudgetModification, error) {
	if _, err := s.store.GetAgent(ctx, agentID); err != nil {
		return nil, fmt.Errorf("budgetrequest: history: %w", err)
	}
	out, err := s.store.ListHistory(ctx, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("budgetrequest: history: %w", err)
	}
	return out, nil
}

// Adjust sets an agent's allocation directly, outside the request flow.
func (s *Service) Adjust(ctx context.Context, agentID uuid.UUID, modifierID string, newAllocated int64, reason string) (ledger.Applied, error) {
	applied, err := s.ledger.ApplyAdministrativeChange(ctx, ledger.AdminChange{
		AgentID:      agentID,
		NewAllocated: newAllocated,
		ModifierID:   modifierID,
		Reason:       strings.TrimSpace(reason),
	})
	if err != nil {
		return ledger.Applied{}, fmt.Errorf("budgetrequest: adjust: %w", err)
	}
	return applied, nil
}

// ResetSpending zeroes an agent's spent total, keeping its allocation.
func (s *Service) ResetSpending(ctx context.Context, agentID uuid.UUID, modifierID, reason string) (ledger.Applied, error) {
	applied, err := s.ledger.ApplyAdministrativeChange(ctx, ledger.AdminChange{
		AgentID:    agentID,
		ResetSpent: true,
		ModifierID: modifierID,
		Reason:     strings.TrimSpace(reason),
	})
	if err != nil {
		return ledger.Applied{}, fmt.Errorf("budgetrequest: reset spending: %w", err)
	}
	return applied, nil
}
