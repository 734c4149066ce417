package model

import (
	"time"

	"github.com/google/uuid"
)

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// ListResponse is the standard envelope for paginated list endpoints.
type ListResponse struct {
	Data    any          `json:"data"`
	HasMore bool         `json:"has_more"`
	Limit   int          `json:"limit"`
	Offset  int          `json:"offset"`
	Meta    ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput        = "INVALID_INPUT"
	ErrCodeUnauthorized        = "UNAUTHORIZED"
	ErrCodeForbidden           = "FORBIDDEN"
	ErrCodeNotFound            = "NOT_FOUND"
	ErrCodeConflict            = "CONFLICT"
	ErrCodeInternalError       = "INTERNAL_ERROR"
	ErrCodeRateLimited         = "RATE_LIMITED"
	ErrCodeInsufficientBudget  = "INSUFFICIENT_BUDGET"
	ErrCodeLeaseExpired        = "LEASE_EXPIRED"
	ErrCodeLeaseSettled        = "LEASE_ALREADY_SETTLED"
	ErrCodeAlreadyProcessed    = "ALREADY_PROCESSED"
	ErrCodeConcurrencyConflict = "CONCURRENCY_CONFLICT"
)

// HandshakeRequest is the request body for POST /v1/leases/handshake.
type HandshakeRequest struct {
	ICToken         string     `json:"ic_token"`
	Provider        string     `json:"provider"`
	ProviderKeyID   *uuid.UUID `json:"provider_key_id,omitempty"`
	Model           string     `json:"model,omitempty"`
	InputTokens     int        `json:"input_tokens,omitempty"`
	MaxOutputTokens *int       `json:"max_output_tokens,omitempty"`
}

// HandshakeResponse is the response for a successful handshake.
type HandshakeResponse struct {
	LeaseID        uuid.UUID  `json:"lease_id"`
	IPToken        string     `json:"ip_token"`
	Provider       string     `json:"provider"`
	ReservedAmount int64      `json:"reserved_amount"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
}

// ReportUsageRequest is the request body for POST /v1/leases/{lease_id}/usage
// and /partial-usage. Either ActualCost is given directly or it is priced
// from Model and the token counts.
type ReportUsageRequest struct {
	ActualCost   *int64 `json:"actual_cost,omitempty"`
	Model        string `json:"model,omitempty"`
	InputTokens  int    `json:"input_tokens,omitempty"`
	OutputTokens int    `json:"output_tokens,omitempty"`
}

// RefreshRequest is the request body for POST /v1/leases/{lease_id}/refresh.
type RefreshRequest struct {
	ICToken          string `json:"ic_token"`
	AdditionalAmount int64  `json:"additional_amount"`
}

// CreateAgentRequest is the request body for POST /v1/agents.
type CreateAgentRequest struct {
	OwnerID          string   `json:"owner_id"`
	ProjectID        *string  `json:"project_id,omitempty"`
	Name             string   `json:"name"`
	AllowedProviders []string `json:"allowed_providers,omitempty"`
	InitialBudget    int64    `json:"initial_budget"`
}

// IssueTokenRequest is the request body for POST /v1/agents/{agent_id}/tokens.
type IssueTokenRequest struct {
	Permissions []string `json:"permissions,omitempty"`
	ExpiresIn   int      `json:"expires_in,omitempty"` // seconds; 0 means non-expiring
}

// IssueTokenResponse is the response for IC token issuance.
type IssueTokenResponse struct {
	Token     string     `json:"token"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// CreateProviderKeyRequest is the request body for POST /v1/provider-keys.
type CreateProviderKeyRequest struct {
	Provider  string  `json:"provider"`
	Key       string  `json:"key"`
	ProjectID *string `json:"project_id,omitempty"`
	Label     string  `json:"label"`
}

// AssignProviderKeyRequest is the request body for
// POST /v1/agents/{agent_id}/provider-keys.
type AssignProviderKeyRequest struct {
	ProviderKeyID uuid.UUID `json:"provider_key_id"`
}

// SetProviderKeyEnabledRequest is the request body for
// PATCH /v1/provider-keys/{key_id}.
type SetProviderKeyEnabledRequest struct {
	Enabled bool `json:"enabled"`
}

// CreateBudgetRequestRequest is the request body for POST /v1/budget-requests.
type CreateBudgetRequestRequest struct {
	AgentID         uuid.UUID `json:"agent_id"`
	RequestedBudget int64     `json:"requested_budget"`
	Justification   string    `json:"justification"`
}

// ReviewBudgetRequestRequest is the request body for approve and reject.
type ReviewBudgetRequestRequest struct {
	Note string `json:"note,omitempty"`
}

// AdjustBudgetRequest is the request body for POST /v1/agents/{agent_id}/budget.
type AdjustBudgetRequest struct {
	TotalAllocated int64  `json:"total_allocated"`
	Reason         string `json:"reason"`
}

// ResetSpendingRequest is the request body for POST /v1/agents/{agent_id}/budget/reset.
type ResetSpendingRequest struct {
	Reason string `json:"reason"`
}

// HealthResponse is the response for GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Storage string `json:"storage"`
	Uptime  int64  `json:"uptime_seconds"`
}
