// Package keys manages provider API keys. Plaintext keys are sealed with the
// at-rest box before they reach storage and are only ever decrypted by the
// lease manager during a handshake.
package keys

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/ironpanel/internal/model"
	"github.com/ashita-ai/ironpanel/internal/secretbox"
)

// Store is the persistence the key service needs.
type Store interface {
	GetAgent(ctx context.Context, id uuid.UUID) (model.Agent, error)
	CreateProviderKey(ctx context.Context, key model.ProviderKey) error
	GetProviderKey(ctx context.Context, id uuid.UUID) (model.ProviderKey, error)
	SetProviderKeyEnabled(ctx context.Context, id uuid.UUID, enabled bool) error
	AssignProviderKey(ctx context.Context, a model.ProviderKeyAssignment) error
}

// Service creates, assigns, and toggles provider keys.
type Service struct {
	store  Store
	box    *secretbox.Box
	logger *slog.Logger
}

// New creates a Service. box must be the provider-key box.
func New(store Store, box *secretbox.Box, logger *slog.Logger) (*Service, error) {
	if box == nil || box.Purpose() != secretbox.PurposeProviderKey {
		return nil, fmt.Errorf("keys: %w: box is not for provider keys", model.ErrCrypto)
	}
	return &Service{store: store, box: box, logger: logger}, nil
}

// CreateInput describes a new provider key.
type CreateInput struct {
	Provider  string
	Key       string
	ProjectID *string
	Label     string
}

// Create encrypts and stores a provider key. The returned record carries
// only ciphertext.
func (s *Service) Create(ctx context.Context, in CreateInput) (model.ProviderKey, error) {
	provider := strings.ToLower(strings.TrimSpace(in.Provider))
	if provider == "" {
		return model.ProviderKey{}, fmt.Errorf("keys: create: %w", model.NewValidationError("provider", "is required"))
	}
	if strings.TrimSpace(in.Key) == "" {
		return model.ProviderKey{}, fmt.Errorf("keys: create: %w", model.NewValidationError("key", "is required"))
	}

	ct, nonce, err := s.box.Encrypt([]byte(in.Key))
	if err != nil {
		return model.ProviderKey{}, fmt.Errorf("keys: create: %w", err)
	}
	k := model.ProviderKey{
		ID:         uuid.New(),
		Provider:   provider,
		Ciphertext: ct,
		Nonce:      nonce,
		Enabled:    true,
		ProjectID:  in.ProjectID,
		Label:      in.Label,
		CreatedAt:  time.Now().UTC().Truncate(time.Microsecond),
	}
	if err := s.store.CreateProviderKey(ctx, k); err != nil {
		return model.ProviderKey{}, fmt.Errorf("keys: create: %w", err)
	}
	s.logger.Info("keys: created provider key", "provider_key_id", k.ID, "provider", k.Provider)
	return k, nil
}

// Get returns a key record (ciphertext only).
func (s *Service) Get(ctx context.Context, id uuid.UUID) (model.ProviderKey, error) {
	k, err := s.store.GetProviderKey(ctx, id)
	if err != nil {
		return model.ProviderKey{}, fmt.Errorf("keys: get: %w", err)
	}
	return k, nil
}

// Assign makes keyID available to agentID for the key's provider. A key
// scoped to a project can only go to agents in that project.
func (s *Service) Assign(ctx context.Context, agentID, keyID uuid.UUID) (model.ProviderKeyAssignment, error) {
	agent, err := s.store.GetAgent(ctx, agentID)
	if err != nil {
		return model.ProviderKeyAssignment{}, fmt.Errorf("keys: assign: %w", err)
	}
	k, err := s.store.GetProviderKey(ctx, keyID)
	if err != nil {
		return model.ProviderKeyAssignment{}, fmt.Errorf("keys: assign: %w", err)
	}
	if k.ProjectID != nil && (agent.ProjectID == nil || *agent.ProjectID != *k.ProjectID) {
		return model.ProviderKeyAssignment{}, fmt.Errorf("keys: assign: %w",
			model.NewValidationError("provider_key_id", "belongs to project %s", *k.ProjectID))
	}
	if !agent.AllowsProvider(k.Provider) {
		return model.ProviderKeyAssignment{}, fmt.Errorf("keys: assign: %w",
			model.NewValidationError("provider_key_id", "agent may not use provider %s", k.Provider))
	}

	a := model.ProviderKeyAssignment{
		AgentID:       agentID,
		Provider:      k.Provider,
		ProviderKeyID: keyID,
		CreatedAt:     time.Now().UTC().Truncate(time.Microsecond),
	}
	if err := s.store.AssignProviderKey(ctx, a); err != nil {
		return model.ProviderKeyAssignment{}, fmt.Errorf("keys: assign: %w", err)
	}
	s.logger.Info("keys: assigned provider key", "agent_id", agentID, "provider_key_id", keyID)
	return a, nil
}

// SetEnabled toggles whether handshakes may use the key.
func (s *Service) SetEnabled(ctx context.Context, keyID uuid.UUID, enabled bool) error {
	if err := s.store.SetProviderKeyEnabled(ctx, keyID, enabled); err != nil {
		return fmt.Errorf("keys: set enabled: %w", err)
	}
	s.logger.Info("keys: provider key toggled", "provider_key_id", keyID, "enabled", enabled)
	return nil
}
