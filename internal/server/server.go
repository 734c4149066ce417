// Package server exposes the control plane over HTTP: the lease protocol
// for agents holding IC tokens, and the administrative API for budgets,
// provider keys, and budget change requests.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashita-ai/ironpanel/internal/auth"
	"github.com/ashita-ai/ironpanel/internal/budgetrequest"
	"github.com/ashita-ai/ironpanel/internal/ictoken"
	"github.com/ashita-ai/ironpanel/internal/keys"
	"github.com/ashita-ai/ironpanel/internal/lease"
	"github.com/ashita-ai/ironpanel/internal/ledger"
	"github.com/ashita-ai/ironpanel/internal/ratelimit"
	"github.com/ashita-ai/ironpanel/internal/storage"
)

// Server is the control plane HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a Server.
// TokenLimiter is optional; nil disables rate limiting of token issuance.
type ServerConfig struct {
	// Required dependencies.
	Store    storage.Store
	Ledger   *ledger.Ledger
	Leases   *lease.Manager
	Requests *budgetrequest.Service
	Keys     *keys.Service
	Tokens   *ictoken.Manager
	Admin    *auth.AdminVerifier
	Logger   *slog.Logger

	// Optional dependencies (nil = disabled).
	TokenLimiter ratelimit.Limiter

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	StorageDriver       string
	MaxRequestBodyBytes int64
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	if cfg.TokenLimiter == nil {
		cfg.TokenLimiter = ratelimit.NoopLimiter{}
	}
	h := NewHandlers(HandlersDeps{
		Store:               cfg.Store,
		Ledger:              cfg.Ledger,
		Leases:              cfg.Leases,
		Requests:            cfg.Requests,
		Keys:                cfg.Keys,
		Tokens:              cfg.Tokens,
		Limiter:             cfg.TokenLimiter,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		StorageDriver:       cfg.StorageDriver,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	// Request ID extractor for rate limit error responses.
	reqIDFunc := func(r *http.Request) string {
		return RequestIDFromContext(r.Context())
	}
	tokenRL := ratelimit.Middleware(cfg.TokenLimiter, actorKeyFunc, reqIDFunc, cfg.Logger)
	admin := requireAdmin(cfg.Admin)

	mux := http.NewServeMux()

	// Lease protocol (IC token auth, handled per route).
	mux.HandleFunc("POST /v1/leases/handshake", h.HandleHandshake)
	mux.HandleFunc("POST /v1/leases/{lease_id}/usage", h.HandleReportUsage)
	mux.HandleFunc("POST /v1/leases/{lease_id}/partial-usage", h.HandleReportPartialUsage)
	mux.HandleFunc("POST /v1/leases/{lease_id}/refresh", h.HandleRefresh)
	mux.HandleFunc("GET /v1/leases/{lease_id}", h.HandleGetLease)

	// Agents and budgets (admin).
	mux.Handle("POST /v1/agents", admin(http.HandlerFunc(h.HandleCreateAgent)))
	mux.Handle("GET /v1/agents/{agent_id}", admin(http.HandlerFunc(h.HandleGetAgent)))
	mux.Handle("GET /v1/agents/{agent_id}/budget", admin(http.HandlerFunc(h.HandleGetBudget)))
	mux.Handle("POST /v1/agents/{agent_id}/budget", admin(http.HandlerFunc(h.HandleAdjustBudget)))
	mux.Handle("POST /v1/agents/{agent_id}/budget/reset", admin(http.HandlerFunc(h.HandleResetSpending)))
	mux.Handle("GET /v1/agents/{agent_id}/budget-history", admin(http.HandlerFunc(h.HandleBudgetHistory)))

	// IC token issuance (admin, rate limited per administrator).
	mux.Handle("POST /v1/agents/{agent_id}/tokens", admin(tokenRL(http.HandlerFunc(h.HandleIssueToken))))

	// Provider keys (admin).
	mux.Handle("POST /v1/provider-keys", admin(http.HandlerFunc(h.HandleCreateProviderKey)))
	mux.Handle("PATCH /v1/provider-keys/{key_id}", admin(http.HandlerFunc(h.HandleSetProviderKeyEnabled)))
	mux.Handle("POST /v1/agents/{agent_id}/provider-keys", admin(http.HandlerFunc(h.HandleAssignProviderKey)))

	// Budget change requests (admin).
	mux.Handle("POST /v1/budget-requests", admin(http.HandlerFunc(h.HandleCreateBudgetRequest)))
	mux.Handle("GET /v1/budget-requests", admin(http.HandlerFunc(h.HandleListBudgetRequests)))
	mux.Handle("GET /v1/budget-requests/{request_id}", admin(http.HandlerFunc(h.HandleGetBudgetRequest)))
	mux.Handle("POST /v1/budget-requests/{request_id}/approve", admin(http.HandlerFunc(h.HandleApproveBudgetRequest)))
	mux.Handle("POST /v1/budget-requests/{request_id}/reject", admin(http.HandlerFunc(h.HandleRejectBudgetRequest)))
	mux.Handle("POST /v1/budget-requests/{request_id}/cancel", admin(http.HandlerFunc(h.HandleCancelBudgetRequest)))
	mux.Handle("DELETE /v1/budget-requests/{request_id}", admin(http.HandlerFunc(h.HandleDeleteBudgetRequest)))

	// Health (no auth, no rate limit).
	mux.HandleFunc("GET /health", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(newHTTPMetrics(), handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           handler,
			ReadTimeout:       cfg.ReadTimeout,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      cfg.WriteTimeout,
		},
		handler: handler,
		logger:  cfg.Logger,
	}
}

// actorKeyFunc keys the token issuance limit on the administrator.
func actorKeyFunc(r *http.Request) (ratelimit.Key, bool) {
	actor := ActorFromContext(r.Context())
	return ratelimit.Key{UserID: actor}, actor != ""
}

// Start begins serving HTTP requests. It returns http.ErrServerClosed after
// Shutdown.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
