package ictoken

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/ashita-ai/ironpanel/internal/model"
)

// wireClaims is the signed JSON payload. Timestamps are Unix seconds.
// Decoding is strict: unknown fields or missing required fields fail.
type wireClaims struct {
	AgentID     uuid.UUID `json:"agent_id"`
	BudgetID    uuid.UUID `json:"budget_id"`
	IssuedAt    int64     `json:"issued_at"`
	ExpiresAt   *int64    `json:"expires_at,omitempty"`
	Issuer      string    `json:"issuer"`
	Permissions []string  `json:"permissions"`
}

var _ jwt.Claims = (*wireClaims)(nil)

func (c *wireClaims) UnmarshalJSON(data []byte) error {
	var raw struct {
		AgentID     *uuid.UUID `json:"agent_id"`
		BudgetID    *uuid.UUID `json:"budget_id"`
		IssuedAt    *int64     `json:"issued_at"`
		ExpiresAt   *int64     `json:"expires_at"`
		Issuer      *string    `json:"issuer"`
		Permissions []string   `json:"permissions"`
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&raw); err != nil {
		return fmt.Errorf("decode claims: %w", err)
	}
	switch {
	case raw.AgentID == nil:
		return fmt.Errorf("missing agent_id")
	case raw.BudgetID == nil:
		return fmt.Errorf("missing budget_id")
	case raw.IssuedAt == nil:
		return fmt.Errorf("missing issued_at")
	case raw.Issuer == nil:
		return fmt.Errorf("missing issuer")
	}
	*c = wireClaims{
		AgentID:     *raw.AgentID,
		BudgetID:    *raw.BudgetID,
		IssuedAt:    *raw.IssuedAt,
		ExpiresAt:   raw.ExpiresAt,
		Issuer:      *raw.Issuer,
		Permissions: raw.Permissions,
	}
	return nil
}

func (c *wireClaims) toModel() *model.ICTokenClaims {
	out := &model.ICTokenClaims{
		AgentID:     c.AgentID,
		BudgetID:    c.BudgetID,
		IssuedAt:    time.Unix(c.IssuedAt, 0).UTC(),
		Issuer:      c.Issuer,
		Permissions: c.Permissions,
	}
	if c.ExpiresAt != nil {
		exp := time.Unix(*c.ExpiresAt, 0).UTC()
		out.ExpiresAt = &exp
	}
	return out
}

// jwt.Claims accessors. Only consulted by the library's validator, which
// Verify disables.

func (c *wireClaims) GetExpirationTime() (*jwt.NumericDate, error) {
	if c.ExpiresAt == nil {
		return nil, nil
	}
	return jwt.NewNumericDate(time.Unix(*c.ExpiresAt, 0)), nil
}

func (c *wireClaims) GetIssuedAt() (*jwt.NumericDate, error) {
	return jwt.NewNumericDate(time.Unix(c.IssuedAt, 0)), nil
}

func (c *wireClaims) GetNotBefore() (*jwt.NumericDate, error) { return nil, nil }
func (c *wireClaims) GetIssuer() (string, error)              { return c.Issuer, nil }
func (c *wireClaims) GetSubject() (string, error)             { return c.AgentID.String(), nil }
func (c *wireClaims) GetAudience() (jwt.ClaimStrings, error)  { return nil, nil }
