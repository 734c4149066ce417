package server

import (
	"fmt"
	"net/http"

	"github.com/ashita-ai/ironpanel/internal/model"
)

// HandleHandshake handles POST /v1/leases/handshake. The IC token travels
// in the body or, failing that, as the bearer credential.
func (h *Handlers) HandleHandshake(w http.ResponseWriter, r *http.Request) {
	var req model.HandshakeRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.ICToken == "" {
		req.ICToken, _ = bearerToken(r)
	}
	res, err := h.leases.Handshake(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, leaseResponse(res.Lease, res.IPToken))
}

// HandleReportUsage handles POST /v1/leases/{lease_id}/usage.
func (h *Handlers) HandleReportUsage(w http.ResponseWriter, r *http.Request) {
	l, req, ok := h.usageRequest(w, r)
	if !ok {
		return
	}
	cost, err := h.usageCost(l, req)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	settled, err := h.leases.ReportUsage(r.Context(), l.ID, cost)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, settled)
}

// HandleReportPartialUsage handles POST /v1/leases/{lease_id}/partial-usage.
func (h *Handlers) HandleReportPartialUsage(w http.ResponseWriter, r *http.Request) {
	l, req, ok := h.usageRequest(w, r)
	if !ok {
		return
	}
	cost, err := h.usageCost(l, req)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	updated, err := h.leases.ReportPartialUsage(r.Context(), l.ID, cost)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, updated)
}

// HandleRefresh handles POST /v1/leases/{lease_id}/refresh.
func (h *Handlers) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "lease_id")
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	var req model.RefreshRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.ICToken == "" {
		req.ICToken, _ = bearerToken(r)
	}
	res, err := h.leases.Refresh(r.Context(), req.ICToken, id, req.AdditionalAmount)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, leaseResponse(res.Lease, res.IPToken))
}

// HandleGetLease handles GET /v1/leases/{lease_id}.
func (h *Handlers) HandleGetLease(w http.ResponseWriter, r *http.Request) {
	l, err := h.ownedLease(r, "")
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, l)
}

func (h *Handlers) usageRequest(w http.ResponseWriter, r *http.Request) (model.BudgetLease, model.ReportUsageRequest, bool) {
	l, err := h.ownedLease(r, model.PermReportUsage)
	if err != nil {
		h.writeServiceError(w, r, err)
		return model.BudgetLease{}, model.ReportUsageRequest{}, false
	}
	var req model.ReportUsageRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return model.BudgetLease{}, model.ReportUsageRequest{}, false
	}
	return l, req, true
}

// usageCost takes the reported cost as given, or prices the token counts.
func (h *Handlers) usageCost(l model.BudgetLease, req model.ReportUsageRequest) (int64, error) {
	if req.ActualCost != nil {
		return *req.ActualCost, nil
	}
	if req.Model == "" {
		return 0, validationf("actual_cost", "is required unless model and token counts are given")
	}
	if req.InputTokens < 0 || req.OutputTokens < 0 {
		return 0, validationf("tokens", "must be non-negative")
	}
	return h.leases.UsageCost(l, req.Model, req.InputTokens, req.OutputTokens)
}

// ownedLease verifies the bearer IC token, checks it grants op (any token
// of the owner when op is empty), and loads the lease it must own.
func (h *Handlers) ownedLease(r *http.Request, op string) (model.BudgetLease, error) {
	id, err := pathUUID(r, "lease_id")
	if err != nil {
		return model.BudgetLease{}, err
	}
	token, ok := bearerToken(r)
	if !ok {
		return model.BudgetLease{}, fmt.Errorf("server: missing IC token: %w", model.ErrAuthentication)
	}
	claims, err := h.tokens.Verify(token)
	if err != nil {
		return model.BudgetLease{}, err
	}
	if op != "" && !claims.Allows(op) {
		return model.BudgetLease{}, fmt.Errorf("server: token lacks %q: %w", op, model.ErrPermissionDenied)
	}
	l, err := h.leases.Get(r.Context(), id)
	if err != nil {
		return model.BudgetLease{}, err
	}
	if l.AgentID != claims.AgentID {
		return model.BudgetLease{}, fmt.Errorf("server: lease %s: %w", id, model.ErrPermissionDenied)
	}
	return l, nil
}

func leaseResponse(l model.BudgetLease, ipToken string) model.HandshakeResponse {
	return model.HandshakeResponse{
		LeaseID:        l.ID,
		IPToken:        ipToken,
		Provider:       l.Provider,
		ReservedAmount: l.ReservedAmount,
		ExpiresAt:      l.ExpiresAt,
	}
}

