package model_test

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/ironpanel/internal/model"
)

func TestAuthenticationErrorsWrapKind(t *testing.T) {
	for _, err := range []error{
		model.ErrTokenExpired,
		model.ErrInvalidIssuer,
		model.ErrTokenMalformed,
		model.ErrSignatureInvalid,
	} {
		wrapped := fmt.Errorf("ictoken: verify: %w", err)
		assert.ErrorIs(t, wrapped, model.ErrAuthentication, "%v", err)
		assert.ErrorIs(t, wrapped, err)
	}
	assert.ErrorIs(t, model.ErrDecryptionFailed, model.ErrCrypto)
	assert.NotErrorIs(t, model.ErrCrypto, model.ErrAuthentication)
	assert.ErrorIs(t, model.ErrAlreadyProcessed, model.ErrConcurrencyConflict)
}

func TestValidationError(t *testing.T) {
	err := fmt.Errorf("budgetrequest: create: %w", model.ValidateJustification("too short"))
	require.Error(t, err)
	assert.True(t, model.IsValidation(err))

	var ve *model.ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, "justification", ve.Field)
	assert.Contains(t, ve.Constraint, "between 20 and 500")
	assert.False(t, model.IsValidation(model.ErrNotFound))
}

func TestValidateJustification_Bounds(t *testing.T) {
	tests := []struct {
		name  string
		input string
		ok    bool
	}{
		{"19 chars", strings.Repeat("a", 19), false},
		{"20 chars", strings.Repeat("a", 20), true},
		{"500 chars", strings.Repeat("a", 500), true},
		{"501 chars", strings.Repeat("a", 501), false},
		{"padded short", "   " + strings.Repeat("a", 19) + "   ", false},
		{"multibyte counts runes", strings.Repeat("é", 20), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := model.ValidateJustification(tt.input)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.True(t, model.IsValidation(err))
			}
		})
	}
}

func TestValidateReason_Bounds(t *testing.T) {
	assert.Error(t, model.ValidateReason("123456789"))
	assert.NoError(t, model.ValidateReason("1234567890"))
	assert.Error(t, model.ValidateReason(strings.Repeat("x", 501)))
}

func TestModificationTypeFor(t *testing.T) {
	assert.Equal(t, model.ModificationIncrease, model.ModificationTypeFor(100, 250))
	assert.Equal(t, model.ModificationDecrease, model.ModificationTypeFor(250, 100))
}

func TestParseRequestStatus(t *testing.T) {
	st, err := model.ParseRequestStatus("approved")
	require.NoError(t, err)
	assert.Equal(t, model.RequestApproved, st)

	_, err = model.ParseRequestStatus("done")
	assert.True(t, model.IsValidation(err))
}

func TestICTokenClaimsAllows(t *testing.T) {
	open := model.ICTokenClaims{}
	assert.True(t, open.Allows(model.PermHandshake))
	assert.True(t, open.Allows(model.PermRefresh))

	scoped := model.ICTokenClaims{Permissions: []string{model.PermHandshake}}
	assert.True(t, scoped.Allows(model.PermHandshake))
	assert.False(t, scoped.Allows(model.PermRefresh))
}

func TestLeasePastExpiry(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Second)
	future := now.Add(time.Minute)

	assert.False(t, model.BudgetLease{State: model.LeaseActive}.PastExpiry(now))
	assert.False(t, model.BudgetLease{State: model.LeaseActive, ExpiresAt: &future}.PastExpiry(now))
	assert.True(t, model.BudgetLease{State: model.LeaseActive, ExpiresAt: &past}.PastExpiry(now))
	assert.False(t, model.BudgetLease{State: model.LeaseSettled, ExpiresAt: &past}.PastExpiry(now))
}

func TestAgentBudgetConsistent(t *testing.T) {
	assert.True(t, model.AgentBudget{TotalAllocated: 100, TotalSpent: 7, Reserved: 3, BudgetRemaining: 90}.Consistent())
	assert.False(t, model.AgentBudget{TotalAllocated: 100, TotalSpent: 7, BudgetRemaining: 100}.Consistent())
	assert.False(t, model.AgentBudget{TotalAllocated: 10, TotalSpent: 20, BudgetRemaining: -10}.Consistent())
}

func TestAgentAllowsProvider(t *testing.T) {
	assert.True(t, model.Agent{}.AllowsProvider("openai"))
	a := model.Agent{AllowedProviders: []string{"anthropic"}}
	assert.True(t, a.AllowsProvider("anthropic"))
	assert.False(t, a.AllowsProvider("openai"))
}
