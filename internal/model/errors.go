package model

import (
	"errors"
	"fmt"
)

// Error kinds shared by every component. Packages wrap these with their own
// prefix ("ledger: reserve: %w") and callers match with errors.Is.
var (
	ErrAuthentication   = errors.New("authentication failed")
	ErrTokenExpired     = fmt.Errorf("%w: token expired", ErrAuthentication)
	ErrInvalidIssuer    = fmt.Errorf("%w: invalid issuer", ErrAuthentication)
	ErrTokenMalformed   = fmt.Errorf("%w: malformed token", ErrAuthentication)
	ErrSignatureInvalid = fmt.Errorf("%w: invalid signature", ErrAuthentication)

	ErrPermissionDenied = errors.New("permission denied")

	ErrInsufficientBudget     = errors.New("insufficient budget")
	ErrCostExceedsReservation = errors.New("actual cost exceeds reservation")
	ErrBudgetBelowCommitted   = errors.New("allocation below spent plus reserved")

	ErrNotFound = errors.New("not found")

	ErrCrypto           = errors.New("crypto failure")
	ErrDecryptionFailed = fmt.Errorf("%w: decryption failed", ErrCrypto)

	ErrConcurrencyConflict = errors.New("concurrent modification")
	// ErrAlreadyProcessed is a conflict the caller can explain: the row left
	// the pending state before this call.
	ErrAlreadyProcessed = fmt.Errorf("%w: request already processed", ErrConcurrencyConflict)

	ErrLeaseExpired        = errors.New("lease expired")
	ErrLeaseAlreadySettled = errors.New("lease already settled")

	ErrRateLimited = errors.New("rate limit exceeded")
)

// ValidationError reports a single field that failed a constraint.
type ValidationError struct {
	Field      string
	Constraint string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Constraint)
}

// NewValidationError builds a ValidationError with a formatted constraint.
func NewValidationError(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Constraint: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err carries a *ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
