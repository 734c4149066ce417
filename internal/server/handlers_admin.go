package server

import (
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/ironpanel/internal/model"
)

// AgentResponse pairs an agent with its ledger row.
type AgentResponse struct {
	Agent  model.Agent       `json:"agent"`
	Budget model.AgentBudget `json:"budget"`
}

// HandleCreateAgent handles POST /v1/agents.
func (h *Handlers) HandleCreateAgent(w http.ResponseWriter, r *http.Request) {
	var req model.CreateAgentRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	req.OwnerID = strings.TrimSpace(req.OwnerID)
	req.Name = strings.TrimSpace(req.Name)
	switch {
	case req.OwnerID == "":
		h.writeServiceError(w, r, validationf("owner_id", "is required"))
		return
	case req.Name == "":
		h.writeServiceError(w, r, validationf("name", "is required"))
		return
	case req.InitialBudget < 0:
		h.writeServiceError(w, r, validationf("initial_budget", "must be non-negative"))
		return
	}
	providers := make([]string, 0, len(req.AllowedProviders))
	for _, p := range req.AllowedProviders {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" && !slices.Contains(providers, p) {
			providers = append(providers, p)
		}
	}

	now := h.ledger.Now()
	agent := model.Agent{
		ID:               uuid.New(),
		OwnerID:          req.OwnerID,
		ProjectID:        req.ProjectID,
		Name:             req.Name,
		AllowedProviders: providers,
		CreatedAt:        now,
	}
	budget := model.AgentBudget{
		AgentID:         agent.ID,
		TotalAllocated:  req.InitialBudget,
		BudgetRemaining: req.InitialBudget,
		Version:         1,
		UpdatedAt:       now,
	}
	if err := h.store.CreateAgent(r.Context(), agent, budget); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.logger.Info("agent created", "agent_id", agent.ID, "owner_id", agent.OwnerID,
		"initial_budget", req.InitialBudget, "actor", ActorFromContext(r.Context()))
	writeJSON(w, r, http.StatusCreated, AgentResponse{Agent: agent, Budget: budget})
}

// HandleGetAgent handles GET /v1/agents/{agent_id}.
func (h *Handlers) HandleGetAgent(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "agent_id")
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	agent, err := h.store.GetAgent(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	budget, err := h.ledger.Balance(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, AgentResponse{Agent: agent, Budget: budget})
}

// HandleGetBudget handles GET /v1/agents/{agent_id}/budget.
func (h *Handlers) HandleGetBudget(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "agent_id")
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	budget, err := h.ledger.Balance(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, budget)
}

// HandleAdjustBudget handles POST /v1/agents/{agent_id}/budget.
func (h *Handlers) HandleAdjustBudget(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "agent_id")
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	var req model.AdjustBudgetRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	applied, err := h.requests.Adjust(r.Context(), id, ActorFromContext(r.Context()), req.TotalAllocated, req.Reason)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, applied)
}

// HandleResetSpending handles POST /v1/agents/{agent_id}/budget/reset.
func (h *Handlers) HandleResetSpending(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "agent_id")
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	var req model.ResetSpendingRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	applied, err := h.requests.ResetSpending(r.Context(), id, ActorFromContext(r.Context()), req.Reason)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, applied)
}

// HandleBudgetHistory handles GET /v1/agents/{agent_id}/budget-history.
func (h *Handlers) HandleBudgetHistory(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "agent_id")
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	limit := queryLimit(r, 50)
	history, err := h.requests.History(r.Context(), id, limit+1)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeList(w, r, history, limit, 0)
}

var knownPermissions = []string{model.PermHandshake, model.PermRefresh, model.PermReportUsage}

// maxTokenLifetime bounds expires_in, in seconds (ten years).
const maxTokenLifetime = 10 * 365 * 24 * 60 * 60

// HandleIssueToken handles POST /v1/agents/{agent_id}/tokens.
func (h *Handlers) HandleIssueToken(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "agent_id")
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	var req model.IssueTokenRequest
	if err := decodeOptionalJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	for _, p := range req.Permissions {
		if !slices.Contains(knownPermissions, p) {
			h.writeServiceError(w, r, validationf("permissions", "unknown permission %q", p))
			return
		}
	}
	if req.ExpiresIn < 0 || req.ExpiresIn > maxTokenLifetime {
		h.writeServiceError(w, r, validationf("expires_in", "must be between 0 and %d seconds", maxTokenLifetime))
		return
	}
	if _, err := h.store.GetAgent(r.Context(), id); err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	var expiresAt *time.Time
	if req.ExpiresIn > 0 {
		t := time.Now().UTC().Add(time.Duration(req.ExpiresIn) * time.Second).Truncate(time.Second)
		expiresAt = &t
	}
	token, err := h.tokens.Issue(id, id, req.Permissions, expiresAt)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.logger.Info("ic token issued", "agent_id", id, "permissions", req.Permissions,
		"expires_at", expiresAt, "actor", ActorFromContext(r.Context()))
	writeJSON(w, r, http.StatusCreated, model.IssueTokenResponse{Token: token, ExpiresAt: expiresAt})
}
