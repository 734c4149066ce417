// Package lease runs the lease lifecycle: handshake creates an ACTIVE
// lease and an IP token, usage reports settle it, refresh rolls it into a
// new reservation, and leases past their expiry are reconciled as soon as
// anything reads them.
package lease

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/ironpanel/internal/iptoken"
	"github.com/ashita-ai/ironpanel/internal/ledger"
	"github.com/ashita-ai/ironpanel/internal/model"
	"github.com/ashita-ai/ironpanel/internal/ratelimit"
	"github.com/ashita-ai/ironpanel/internal/secretbox"
	"github.com/ashita-ai/ironpanel/internal/storage"
)

// TokenVerifier checks IC tokens. *ictoken.Manager implements it.
type TokenVerifier interface {
	Verify(token string) (*model.ICTokenClaims, error)
}

// CostModel prices requests in micro-dollars. *pricing.Table implements it.
type CostModel interface {
	MaxCost(provider, modelName string, inputTokens int, maxOutput *int) (int64, error)
	ActualCost(provider, modelName string, inputTokens, outputTokens int) (int64, error)
}

// KeyStore resolves the provider key assigned to an agent.
type KeyStore interface {
	GetAssignedKey(ctx context.Context, agentID uuid.UUID, provider string, keyID *uuid.UUID) (model.ProviderKey, error)
}

// Store is the read side the manager needs beyond the ledger.
type Store interface {
	GetAgent(ctx context.Context, id uuid.UUID) (model.Agent, error)
	GetLease(ctx context.Context, id uuid.UUID) (model.BudgetLease, error)
	RecordPartialSpend(ctx context.Context, prev model.BudgetLease, spent int64) error
	ListExpiredLeases(ctx context.Context, now time.Time, limit int) ([]model.BudgetLease, error)
}

// Config holds lease policy.
type Config struct {
	// TTL bounds each lease's lifetime. Zero means leases never expire.
	TTL time.Duration
	// DefaultReservation is reserved when a handshake names no model.
	DefaultReservation int64
}

// Deps are the collaborators a Manager drives.
type Deps struct {
	Tokens  TokenVerifier
	Ledger  *ledger.Ledger
	Store   Store
	Keys    KeyStore
	KeyBox  *secretbox.Box // at-rest provider key encryption
	Codec   *iptoken.Codec
	Costs   CostModel
	Limiter ratelimit.Limiter
}

// Manager implements handshake, report, refresh, and expiry.
type Manager struct {
	Deps
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

// Result is a new lease and the IP token that unlocks it.
type Result struct {
	Lease   model.BudgetLease
	IPToken string
}

// New creates a Manager. A nil Limiter disables rate limiting.
func New(d Deps, cfg Config, logger *slog.Logger) *Manager {
	if d.Limiter == nil {
		d.Limiter = ratelimit.NoopLimiter{}
	}
	return &Manager{Deps: d, cfg: cfg, logger: logger, now: time.Now}
}

// WithClock overrides the time source used for expiry decisions.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

func (m *Manager) clock() time.Time {
	return m.now().UTC().Truncate(time.Microsecond)
}

// Handshake exchanges an IC token for an ACTIVE lease and an IP token.
func (m *Manager) Handshake(ctx context.Context, req model.HandshakeRequest) (Result, error) {
	claims, err := m.authorize(req.ICToken, model.PermHandshake)
	if err != nil {
		return Result{}, fmt.Errorf("lease: handshake: %w", err)
	}
	if req.Provider == "" {
		return Result{}, fmt.Errorf("lease: handshake: %w", model.NewValidationError("provider", "is required"))
	}

	agent, err := m.Store.GetAgent(ctx, claims.AgentID)
	if err != nil {
		return Result{}, fmt.Errorf("lease: handshake: %w", err)
	}
	if !agent.AllowsProvider(req.Provider) {
		return Result{}, fmt.Errorf("lease: handshake: provider %q: %w", req.Provider, model.ErrPermissionDenied)
	}
	if err := m.admit(ctx, agent); err != nil {
		return Result{}, fmt.Errorf("lease: handshake: %w", err)
	}

	amount := m.cfg.DefaultReservation
	if req.Model != "" {
		if amount, err = m.Costs.MaxCost(req.Provider, req.Model, req.InputTokens, req.MaxOutputTokens); err != nil {
			return Result{}, fmt.Errorf("lease: handshake: %w", err)
		}
	}

	now := m.clock()
	pending := model.BudgetLease{
		ID:             uuid.New(),
		AgentID:        agent.ID,
		BudgetID:       claims.BudgetID,
		Provider:       req.Provider,
		ReservedAmount: amount,
		CreatedAt:      now,
		ExpiresAt:      m.expiry(now),
	}
	tok, keyID, err := m.seal(ctx, pending, req.ProviderKeyID)
	if err != nil {
		return Result{}, fmt.Errorf("lease: handshake: %w", err)
	}
	pending.ProviderKeyID = &keyID

	held, err := m.Ledger.Reserve(ctx, pending)
	if err != nil {
		return Result{}, fmt.Errorf("lease: handshake: %w", err)
	}
	m.logger.Info("lease: handshake",
		"agent_id", agent.ID, "lease_id", held.ID, "provider", held.Provider, "reserved", held.ReservedAmount)
	return Result{Lease: held, IPToken: tok}, nil
}

// ReportUsage settles an ACTIVE lease with its final cost.
func (m *Manager) ReportUsage(ctx context.Context, leaseID uuid.UUID, actualCost int64) (model.BudgetLease, error) {
	if _, err := m.active(ctx, leaseID); err != nil {
		return model.BudgetLease{}, fmt.Errorf("lease: report usage: %w", err)
	}
	settled, err := m.Ledger.Settle(ctx, leaseID, actualCost)
	if err != nil {
		return model.BudgetLease{}, fmt.Errorf("lease: report usage: %w", err)
	}
	m.logger.Info("lease: settled", "lease_id", leaseID, "agent_id", settled.AgentID, "cost", actualCost)
	return settled, nil
}

// ReportPartialUsage adds cost to an ACTIVE lease's running spend without
// settling it. The running total may not exceed the reservation.
func (m *Manager) ReportPartialUsage(ctx context.Context, leaseID uuid.UUID, cost int64) (model.BudgetLease, error) {
	if cost <= 0 {
		return model.BudgetLease{}, fmt.Errorf("lease: partial usage: %w",
			model.NewValidationError("actual_cost", "must be positive"))
	}
	var out model.BudgetLease
	err := storage.WithRetry(ctx, ledger.DefaultMaxRetries, ledger.DefaultRetryDelay, func() error {
		l, err := m.active(ctx, leaseID)
		if err != nil {
			return err
		}
		spent := l.SpentAmount + cost
		if spent > l.ReservedAmount {
			return fmt.Errorf("%w: spent %d, reserved %d", model.ErrCostExceedsReservation, spent, l.ReservedAmount)
		}
		if err := m.Store.RecordPartialSpend(ctx, l, spent); err != nil {
			return err
		}
		l.SpentAmount = spent
		out = l
		return nil
	})
	if err != nil {
		return model.BudgetLease{}, fmt.Errorf("lease: partial usage: %w", err)
	}
	return out, nil
}

// Refresh settles an ACTIVE lease at its recorded partial spend and
// reserves additionalAmount in a new lease. On shortfall the old lease
// stays ACTIVE and nothing changes.
func (m *Manager) Refresh(ctx context.Context, icToken string, leaseID uuid.UUID, additionalAmount int64) (Result, error) {
	claims, err := m.authorize(icToken, model.PermRefresh)
	if err != nil {
		return Result{}, fmt.Errorf("lease: refresh: %w", err)
	}
	if additionalAmount <= 0 {
		return Result{}, fmt.Errorf("lease: refresh: %w",
			model.NewValidationError("additional_amount", "must be positive"))
	}

	old, err := m.active(ctx, leaseID)
	if err != nil {
		return Result{}, fmt.Errorf("lease: refresh: %w", err)
	}
	if old.AgentID != claims.AgentID {
		return Result{}, fmt.Errorf("lease: refresh: lease %s: %w", leaseID, model.ErrPermissionDenied)
	}
	agent, err := m.Store.GetAgent(ctx, old.AgentID)
	if err != nil {
		return Result{}, fmt.Errorf("lease: refresh: %w", err)
	}
	if err := m.admit(ctx, agent); err != nil {
		return Result{}, fmt.Errorf("lease: refresh: %w", err)
	}

	now := m.clock()
	pending := model.BudgetLease{
		ID:             uuid.New(),
		AgentID:        old.AgentID,
		BudgetID:       old.BudgetID,
		Provider:       old.Provider,
		ReservedAmount: additionalAmount,
		CreatedAt:      now,
		ExpiresAt:      m.expiry(now),
	}
	tok, keyID, err := m.seal(ctx, pending, old.ProviderKeyID)
	if err != nil {
		return Result{}, fmt.Errorf("lease: refresh: %w", err)
	}
	pending.ProviderKeyID = &keyID

	_, fresh, err := m.Ledger.Rollover(ctx, old.ID, pending)
	if err != nil {
		return Result{}, fmt.Errorf("lease: refresh: %w", err)
	}
	m.logger.Info("lease: refreshed",
		"agent_id", fresh.AgentID, "old_lease_id", old.ID, "lease_id", fresh.ID, "reserved", fresh.ReservedAmount)
	return Result{Lease: fresh, IPToken: tok}, nil
}

// Get returns a lease. An ACTIVE lease past its expiry is reconciled first
// and returned in the EXPIRED state.
func (m *Manager) Get(ctx context.Context, leaseID uuid.UUID) (model.BudgetLease, error) {
	l, err := m.Store.GetLease(ctx, leaseID)
	if err != nil {
		return model.BudgetLease{}, fmt.Errorf("lease: get: %w", err)
	}
	if !l.PastExpiry(m.clock()) {
		return l, nil
	}
	if err := m.expire(ctx, l); err != nil {
		return model.BudgetLease{}, fmt.Errorf("lease: get: %w", err)
	}
	l, err = m.Store.GetLease(ctx, leaseID)
	if err != nil {
		return model.BudgetLease{}, fmt.Errorf("lease: get: %w", err)
	}
	return l, nil
}

// UsageCost prices a usage report for the lease's provider.
func (m *Manager) UsageCost(l model.BudgetLease, modelName string, inputTokens, outputTokens int) (int64, error) {
	cost, err := m.Costs.ActualCost(l.Provider, modelName, inputTokens, outputTokens)
	if err != nil {
		return 0, fmt.Errorf("lease: price usage: %w", err)
	}
	return cost, nil
}

// SweepExpired reconciles up to limit leases past their expiry and returns
// how many it closed.
func (m *Manager) SweepExpired(ctx context.Context, limit int) (int, error) {
	leases, err := m.Store.ListExpiredLeases(ctx, m.clock(), limit)
	if err != nil {
		return 0, fmt.Errorf("lease: sweep: %w", err)
	}
	closed := 0
	for _, l := range leases {
		if err := ctx.Err(); err != nil {
			return closed, err
		}
		if err := m.expire(ctx, l); err != nil {
			m.logger.Warn("lease: sweep failed", "lease_id", l.ID, "error", err)
			continue
		}
		closed++
	}
	if closed > 0 {
		m.logger.Info("lease: swept expired leases", "count", closed)
	}
	return closed, nil
}

// active returns the lease if it is ACTIVE and unexpired. Expired leases
// are reconciled before the rejection.
func (m *Manager) active(ctx context.Context, leaseID uuid.UUID) (model.BudgetLease, error) {
	l, err := m.Store.GetLease(ctx, leaseID)
	if err != nil {
		return model.BudgetLease{}, err
	}
	switch l.State {
	case model.LeaseSettled:
		return model.BudgetLease{}, fmt.Errorf("lease %s: %w", leaseID, model.ErrLeaseAlreadySettled)
	case model.LeaseExpired:
		return model.BudgetLease{}, fmt.Errorf("lease %s: %w", leaseID, model.ErrLeaseExpired)
	}
	if l.PastExpiry(m.clock()) {
		if err := m.expire(ctx, l); err != nil {
			return model.BudgetLease{}, err
		}
		return model.BudgetLease{}, fmt.Errorf("lease %s: %w", leaseID, model.ErrLeaseExpired)
	}
	return l, nil
}

// expire closes l as EXPIRED. Losing the race to another closer is fine.
func (m *Manager) expire(ctx context.Context, l model.BudgetLease) error {
	_, err := m.Ledger.Expire(ctx, l.ID)
	switch {
	case err == nil:
		m.logger.Info("lease: expired", "lease_id", l.ID, "agent_id", l.AgentID, "released", l.ReservedAmount-l.SpentAmount)
		return nil
	case errors.Is(err, model.ErrLeaseExpired), errors.Is(err, model.ErrLeaseAlreadySettled):
		return nil
	}
	return err
}

func (m *Manager) authorize(token, op string) (*model.ICTokenClaims, error) {
	claims, err := m.Tokens.Verify(token)
	if err != nil {
		return nil, err
	}
	if !claims.Allows(op) {
		return nil, fmt.Errorf("token lacks %q: %w", op, model.ErrPermissionDenied)
	}
	return claims, nil
}

// admit applies the rate limit for the agent's owner and project. Limiter
// failures let the request through.
func (m *Manager) admit(ctx context.Context, agent model.Agent) error {
	key := RateKey(agent)
	ok, err := m.Limiter.Allow(ctx, key)
	if err != nil {
		m.logger.Warn("lease: rate limiter error, allowing request", "key", key.String(), "error", err)
		return nil
	}
	if !ok {
		return ratelimit.Denied(m.Limiter, key)
	}
	return nil
}

// RateKey is the rate limit bucket for lease creation by agent.
func RateKey(agent model.Agent) ratelimit.Key {
	k := ratelimit.Key{UserID: agent.OwnerID}
	if agent.ProjectID != nil {
		k.ProjectID = *agent.ProjectID
	}
	return k
}

func (m *Manager) expiry(now time.Time) *time.Time {
	if m.cfg.TTL <= 0 {
		return nil
	}
	exp := now.Add(m.cfg.TTL)
	return &exp
}

// seal decrypts the agent's provider key and re-encrypts it into an IP
// token for l. Crypto failures are logged here and returned as
// model.ErrCrypto without detail.
func (m *Manager) seal(ctx context.Context, l model.BudgetLease, keyID *uuid.UUID) (string, uuid.UUID, error) {
	key, err := m.Keys.GetAssignedKey(ctx, l.AgentID, l.Provider, keyID)
	if err != nil {
		return "", uuid.Nil, err
	}
	plaintext, err := m.KeyBox.Decrypt(key.Ciphertext, key.Nonce)
	if err != nil {
		m.logger.Error("lease: decrypt provider key", "provider_key_id", key.ID, "agent_id", l.AgentID, "error", err)
		return "", uuid.Nil, model.ErrCrypto
	}
	tok, err := m.Codec.Encrypt(iptoken.Payload{
		ProviderKey: string(plaintext),
		Provider:    l.Provider,
		LeaseID:     l.ID,
		AgentID:     l.AgentID,
		IssuedAt:    l.CreatedAt.Unix(),
	})
	if err != nil {
		m.logger.Error("lease: encrypt ip token", "lease_id", l.ID, "agent_id", l.AgentID, "error", err)
		return "", uuid.Nil, model.ErrCrypto
	}
	return tok, key.ID, nil
}
