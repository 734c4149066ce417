package storage

import (
	"fmt"

	"github.com/ashita-ai/ironpanel/internal/model"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = fmt.Errorf("storage: %w", model.ErrNotFound)

// ErrStaleVersion is returned when a conditional write finds the budget row
// (or the lease's partial spend) changed since it was read. Callers re-read
// and retry; WithRetry treats it as transient. Once retries run out it
// reaches callers as a model.ErrConcurrencyConflict.
var ErrStaleVersion = fmt.Errorf("storage: row changed since read: %w", model.ErrConcurrencyConflict)
