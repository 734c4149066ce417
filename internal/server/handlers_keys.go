package server

import (
	"net/http"

	"github.com/ashita-ai/ironpanel/internal/keys"
	"github.com/ashita-ai/ironpanel/internal/model"
)

// HandleCreateProviderKey handles POST /v1/provider-keys. The plaintext key
// is encrypted before storage and never echoed back.
func (h *Handlers) HandleCreateProviderKey(w http.ResponseWriter, r *http.Request) {
	var req model.CreateProviderKeyRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	k, err := h.keys.Create(r.Context(), keys.CreateInput{
		Provider:  req.Provider,
		Key:       req.Key,
		ProjectID: req.ProjectID,
		Label:     req.Label,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, k)
}

// HandleSetProviderKeyEnabled handles PATCH /v1/provider-keys/{key_id}.
func (h *Handlers) HandleSetProviderKeyEnabled(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "key_id")
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	var req model.SetProviderKeyEnabledRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := h.keys.SetEnabled(r.Context(), id, req.Enabled); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	k, err := h.keys.Get(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, k)
}

// HandleAssignProviderKey handles POST /v1/agents/{agent_id}/provider-keys.
func (h *Handlers) HandleAssignProviderKey(w http.ResponseWriter, r *http.Request) {
	agentID, err := pathUUID(r, "agent_id")
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	var req model.AssignProviderKeyRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	a, err := h.keys.Assign(r.Context(), agentID, req.ProviderKeyID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, a)
}
