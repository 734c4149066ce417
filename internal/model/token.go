package model

import (
	"slices"
	"time"

	"github.com/google/uuid"
)

// ICTokenIssuer is the only issuer accepted on IC tokens.
const ICTokenIssuer = "iron-control-panel"

// Lease operations an IC token may be scoped to.
const (
	PermHandshake   = "handshake"
	PermRefresh     = "refresh"
	PermReportUsage = "report_usage"
)

// ICTokenClaims is the fixed payload of an IC token. ExpiresAt is optional:
// nil means the token never expires.
type ICTokenClaims struct {
	AgentID     uuid.UUID  `json:"agent_id"`
	BudgetID    uuid.UUID  `json:"budget_id"`
	IssuedAt    time.Time  `json:"issued_at"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	Issuer      string     `json:"issuer"`
	Permissions []string   `json:"permissions"`
}

// Allows reports whether the claims grant op. An empty permission set
// grants every lease operation.
func (c ICTokenClaims) Allows(op string) bool {
	return len(c.Permissions) == 0 || slices.Contains(c.Permissions, op)
}
