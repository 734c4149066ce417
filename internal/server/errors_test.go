package server

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ashita-ai/ironpanel/internal/model"
	"github.com/ashita-ai/ironpanel/internal/storage"
)

func TestStatusForError(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{model.NewValidationError("x", "bad"), http.StatusBadRequest, model.ErrCodeInvalidInput},
		{fmt.Errorf("ledger: %w: %w", model.ErrBudgetBelowCommitted, model.NewValidationError("total_allocated", "low")), http.StatusBadRequest, model.ErrCodeInvalidInput},
		{fmt.Errorf("lease: %w", model.ErrTokenExpired), http.StatusUnauthorized, model.ErrCodeUnauthorized},
		{model.ErrPermissionDenied, http.StatusForbidden, model.ErrCodeForbidden},
		{model.ErrNotFound, http.StatusNotFound, model.ErrCodeNotFound},
		{model.ErrInsufficientBudget, http.StatusPaymentRequired, model.ErrCodeInsufficientBudget},
		{model.ErrCostExceedsReservation, http.StatusUnprocessableEntity, model.ErrCodeInvalidInput},
		{model.ErrLeaseExpired, http.StatusGone, model.ErrCodeLeaseExpired},
		{model.ErrLeaseAlreadySettled, http.StatusConflict, model.ErrCodeLeaseSettled},
		{model.ErrAlreadyProcessed, http.StatusConflict, model.ErrCodeAlreadyProcessed},
		{model.ErrConcurrencyConflict, http.StatusConflict, model.ErrCodeConcurrencyConflict},
		{fmt.Errorf("ledger: reserve: %w", storage.ErrStaleVersion), http.StatusConflict, model.ErrCodeConcurrencyConflict},
		{model.ErrRateLimited, http.StatusTooManyRequests, model.ErrCodeRateLimited},
		{model.ErrDecryptionFailed, http.StatusInternalServerError, model.ErrCodeInternalError},
		{errors.New("disk on fire"), http.StatusInternalServerError, model.ErrCodeInternalError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			status, code := statusForError(tt.err)
			assert.Equal(t, tt.status, status)
			assert.Equal(t, tt.code, code)
		})
	}
}

func TestMessageForErrorHidesInternals(t *testing.T) {
	err := fmt.Errorf("lease: handshake: %w", model.ErrDecryptionFailed)
	status, _ := statusForError(err)
	assert.Equal(t, "internal error", messageForError(err, status))

	err = fmt.Errorf("ledger: reserve: %w: remaining 5, requested 10", model.ErrInsufficientBudget)
	status, _ = statusForError(err)
	assert.Equal(t, model.ErrInsufficientBudget.Error(), messageForError(err, status))
}
