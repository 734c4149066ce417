package server

import (
	"net/http"

	"github.com/ashita-ai/ironpanel/internal/budgetrequest"
	"github.com/ashita-ai/ironpanel/internal/model"
)

// ApprovalResponse is the result of approving a budget change request.
type ApprovalResponse struct {
	Request      model.BudgetChangeRequest `json:"request"`
	Modification model.BudgetModification  `json:"modification"`
}

// HandleCreateBudgetRequest handles POST /v1/budget-requests. The acting
// administrator is recorded as the requester.
func (h *Handlers) HandleCreateBudgetRequest(w http.ResponseWriter, r *http.Request) {
	var req model.CreateBudgetRequestRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	created, err := h.requests.Create(r.Context(), budgetrequest.CreateInput{
		AgentID:         req.AgentID,
		RequesterID:     ActorFromContext(r.Context()),
		RequestedBudget: req.RequestedBudget,
		Justification:   req.Justification,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, created)
}

// HandleListBudgetRequests handles GET /v1/budget-requests with optional
// agent_id, status, limit, and offset query parameters.
func (h *Handlers) HandleListBudgetRequests(w http.ResponseWriter, r *http.Request) {
	agentID, err := queryUUID(r, "agent_id")
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	var status *model.RequestStatus
	if v := r.URL.Query().Get("status"); v != "" {
		st, err := model.ParseRequestStatus(v)
		if err != nil {
			h.writeServiceError(w, r, err)
			return
		}
		status = &st
	}
	limit, offset := queryLimit(r, 50), queryOffset(r)
	out, err := h.requests.List(r.Context(), budgetrequest.Filter{
		AgentID: agentID,
		Status:  status,
		Limit:   limit + 1,
		Offset:  offset,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeList(w, r, out, limit, offset)
}

// HandleGetBudgetRequest handles GET /v1/budget-requests/{request_id}.
func (h *Handlers) HandleGetBudgetRequest(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "request_id")
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	out, err := h.requests.Get(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, out)
}

// HandleApproveBudgetRequest handles POST /v1/budget-requests/{request_id}/approve.
func (h *Handlers) HandleApproveBudgetRequest(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "request_id")
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	var req model.ReviewBudgetRequestRequest
	if err := decodeOptionalJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	approved, mod, err := h.requests.Approve(r.Context(), id, ActorFromContext(r.Context()), optionalNote(req.Note))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, ApprovalResponse{Request: approved, Modification: mod})
}

// HandleRejectBudgetRequest handles POST /v1/budget-requests/{request_id}/reject.
func (h *Handlers) HandleRejectBudgetRequest(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "request_id")
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	var req model.ReviewBudgetRequestRequest
	if err := decodeOptionalJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	rejected, err := h.requests.Reject(r.Context(), id, ActorFromContext(r.Context()), optionalNote(req.Note))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, rejected)
}

// HandleCancelBudgetRequest handles POST /v1/budget-requests/{request_id}/cancel.
func (h *Handlers) HandleCancelBudgetRequest(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "request_id")
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	cancelled, err := h.requests.Cancel(r.Context(), id, ActorFromContext(r.Context()))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, cancelled)
}

// HandleDeleteBudgetRequest handles DELETE /v1/budget-requests/{request_id}.
func (h *Handlers) HandleDeleteBudgetRequest(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "request_id")
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if err := h.requests.Delete(r.Context(), id); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
