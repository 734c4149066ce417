package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/ironpanel/internal/budgetrequest"
	"github.com/ashita-ai/ironpanel/internal/ictoken"
	"github.com/ashita-ai/ironpanel/internal/keys"
	"github.com/ashita-ai/ironpanel/internal/lease"
	"github.com/ashita-ai/ironpanel/internal/ledger"
	"github.com/ashita-ai/ironpanel/internal/model"
	"github.com/ashita-ai/ironpanel/internal/ratelimit"
	"github.com/ashita-ai/ironpanel/internal/storage"
)

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	store               storage.Store
	ledger              *ledger.Ledger
	leases              *lease.Manager
	requests            *budgetrequest.Service
	keys                *keys.Service
	tokens              *ictoken.Manager
	limiter             ratelimit.Limiter
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	storageDriver       string
	maxRequestBodyBytes int64
}

// HandlersDeps holds all dependencies for constructing Handlers.
type HandlersDeps struct {
	Store               storage.Store
	Ledger              *ledger.Ledger
	Leases              *lease.Manager
	Requests            *budgetrequest.Service
	Keys                *keys.Service
	Tokens              *ictoken.Manager
	Limiter             ratelimit.Limiter
	Logger              *slog.Logger
	Version             string
	StorageDriver       string
	MaxRequestBodyBytes int64
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	maxBody := d.MaxRequestBodyBytes
	if maxBody <= 0 {
		maxBody = 1 << 20
	}
	return &Handlers{
		store:               d.Store,
		ledger:              d.Ledger,
		leases:              d.Leases,
		requests:            d.Requests,
		keys:                d.Keys,
		tokens:              d.Tokens,
		limiter:             d.Limiter,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		storageDriver:       d.StorageDriver,
		maxRequestBodyBytes: maxBody,
	}
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	resp := model.HealthResponse{
		Status:  "healthy",
		Version: h.version,
		Storage: h.storageDriver,
		Uptime:  int64(time.Since(h.startedAt).Seconds()),
	}
	status := http.StatusOK
	if err := h.store.Ping(r.Context()); err != nil {
		h.logger.Warn("health: storage ping failed", "error", err)
		resp.Status = "unhealthy"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, r, status, resp)
}

// --- Shared helpers ---

func pathUUID(r *http.Request, name string) (uuid.UUID, error) {
	raw := r.PathValue(name)
	if raw == "" {
		return uuid.Nil, model.NewValidationError(name, "is required")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, model.NewValidationError(name, "must be a UUID")
	}
	return id, nil
}

// decodeOptionalJSON is decodeJSON for endpoints whose body may be empty.
func decodeOptionalJSON(w http.ResponseWriter, r *http.Request, target any, maxBytes int64) error {
	err := decodeJSON(w, r, target, maxBytes)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// maxQueryLimit is the maximum allowed value for limit query parameters.
// One row above it is fetched to compute has_more.
const maxQueryLimit = storage.MaxListLimit - 1

func queryInt(r *http.Request, key string, defaultVal int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

// maxQueryOffset prevents absurdly large offset values that cause expensive sequential scans.
const maxQueryOffset = 100_000

// queryOffset returns a bounded, non-negative offset from query params.
func queryOffset(r *http.Request) int {
	offset := queryInt(r, "offset", 0)
	if offset < 0 {
		return 0
	}
	if offset > maxQueryOffset {
		return maxQueryOffset
	}
	return offset
}

// queryLimit returns a bounded limit value from query params.
// Values are clamped to [1, maxQueryLimit].
func queryLimit(r *http.Request, defaultVal int) int {
	limit := queryInt(r, "limit", defaultVal)
	if limit < 1 {
		return 1
	}
	if limit > maxQueryLimit {
		return maxQueryLimit
	}
	return limit
}

func queryUUID(r *http.Request, key string) (*uuid.UUID, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return nil, nil
	}
	id, err := uuid.Parse(v)
	if err != nil {
		return nil, model.NewValidationError(key, "must be a UUID")
	}
	return &id, nil
}

// writeList writes a page using the list envelope.
func writeList[T any](w http.ResponseWriter, r *http.Request, items []T, limit, offset int) {
	hasMore := len(items) > limit
	if hasMore {
		items = items[:limit]
	}
	if items == nil {
		items = []T{}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(model.ListResponse{
		Data:    items,
		HasMore: hasMore,
		Limit:   limit,
		Offset:  offset,
		Meta: model.ResponseMeta{
			RequestID: RequestIDFromContext(r.Context()),
			Timestamp: time.Now().UTC(),
		},
	})
}

func optionalNote(note string) *string {
	if note == "" {
		return nil
	}
	return &note
}

func validationf(field, format string, args ...any) error {
	return fmt.Errorf("server: %w", model.NewValidationError(field, format, args...))
}
