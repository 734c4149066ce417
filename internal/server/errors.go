package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/ashita-ai/ironpanel/internal/model"
	"github.com/ashita-ai/ironpanel/internal/ratelimit"
)

// statusForError maps an error kind to an HTTP status and API error code.
// Order matters: ErrAlreadyProcessed wraps ErrConcurrencyConflict, and
// ErrBudgetBelowCommitted travels with a ValidationError.
func statusForError(err error) (int, string) {
	var ve *model.ValidationError
	switch {
	case errors.As(err, &ve):
		return http.StatusBadRequest, model.ErrCodeInvalidInput
	case errors.Is(err, model.ErrAuthentication):
		return http.StatusUnauthorized, model.ErrCodeUnauthorized
	case errors.Is(err, model.ErrPermissionDenied):
		return http.StatusForbidden, model.ErrCodeForbidden
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound, model.ErrCodeNotFound
	case errors.Is(err, model.ErrInsufficientBudget):
		return http.StatusPaymentRequired, model.ErrCodeInsufficientBudget
	case errors.Is(err, model.ErrCostExceedsReservation):
		return http.StatusUnprocessableEntity, model.ErrCodeInvalidInput
	case errors.Is(err, model.ErrLeaseExpired):
		return http.StatusGone, model.ErrCodeLeaseExpired
	case errors.Is(err, model.ErrLeaseAlreadySettled):
		return http.StatusConflict, model.ErrCodeLeaseSettled
	case errors.Is(err, model.ErrAlreadyProcessed):
		return http.StatusConflict, model.ErrCodeAlreadyProcessed
	case errors.Is(err, model.ErrConcurrencyConflict):
		return http.StatusConflict, model.ErrCodeConcurrencyConflict
	case errors.Is(err, model.ErrRateLimited):
		return http.StatusTooManyRequests, model.ErrCodeRateLimited
	}
	return http.StatusInternalServerError, model.ErrCodeInternalError
}

// messageForError is the client-facing message. Internal and crypto
// failures never leak their cause.
func messageForError(err error, status int) string {
	var ve *model.ValidationError
	switch {
	case errors.As(err, &ve):
		return ve.Error()
	case status == http.StatusInternalServerError:
		return "internal error"
	case errors.Is(err, model.ErrAuthentication):
		return "invalid or expired token"
	}
	for _, kind := range []error{
		model.ErrPermissionDenied, model.ErrNotFound, model.ErrInsufficientBudget,
		model.ErrCostExceedsReservation, model.ErrLeaseExpired, model.ErrLeaseAlreadySettled,
		model.ErrAlreadyProcessed, model.ErrConcurrencyConflict, model.ErrRateLimited,
	} {
		if errors.Is(err, kind) {
			return kind.Error()
		}
	}
	return "request failed"
}

// writeServiceError logs server-side failures and writes the mapped
// envelope. A 429 advertises the wait of the limiter that refused it.
func (h *Handlers) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusForError(err)
	if status == http.StatusTooManyRequests {
		w.Header().Set("Retry-After", strconv.Itoa(ratelimit.RetryAfterSeconds(retryAfter(err, h.limiter))))
	}
	if status >= 500 {
		h.logger.Error("request failed", "path", r.URL.Path, "request_id", RequestIDFromContext(r.Context()), "error", err)
	}
	writeError(w, r, status, code, messageForError(err, status))
}

func retryAfter(err error, fallback ratelimit.Limiter) time.Duration {
	var le *ratelimit.LimitedError
	if errors.As(err, &le) {
		return le.RetryAfter
	}
	if fallback == nil {
		return 0
	}
	return fallback.RetryAfter()
}
