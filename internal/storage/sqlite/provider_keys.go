package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/ashita-ai/ironpanel/internal/model"
	"github.com/ashita-ai/ironpanel/internal/storage"
)

const providerKeyColumns = `id, provider, ciphertext, nonce, enabled, project_id, label, created_at`

func scanProviderKey(row scanner) (model.ProviderKey, error) {
	var (
		k       model.ProviderKey
		created int64
	)
	err := row.Scan(&k.ID, &k.Provider, &k.Ciphertext, &k.Nonce, &k.Enabled, &k.ProjectID, &k.Label, &created)
	k.CreatedAt = fromMicros(created)
	return k, err
}

// CreateProviderKey stores an encrypted provider key.
func (s *Store) CreateProviderKey(ctx context.Context, k model.ProviderKey) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO provider_keys (`+providerKeyColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		k.ID, k.Provider, k.Ciphertext, k.Nonce, k.Enabled, k.ProjectID, k.Label, micros(k.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("sqlite: create provider key: %w", err)
	}
	return nil
}

// GetProviderKey returns a provider key by id regardless of enabled state.
func (s *Store) GetProviderKey(ctx context.Context, id uuid.UUID) (model.ProviderKey, error) {
	k, err := scanProviderKey(s.db.QueryRowContext(ctx,
		`SELECT `+providerKeyColumns+` FROM provider_keys WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.ProviderKey{}, fmt.Errorf("provider key %s: %w", id, storage.ErrNotFound)
		}
		return model.ProviderKey{}, fmt.Errorf("sqlite: get provider key: %w", err)
	}
	return k, nil
}

// SetProviderKeyEnabled toggles a key.
func (s *Store) SetProviderKeyEnabled(ctx context.Context, id uuid.UUID, enabled bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE provider_keys SET enabled = ? WHERE id = ?`, enabled, id)
	if err != nil {
		return fmt.Errorf("sqlite: set provider key enabled: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("provider key %s: %w", id, storage.ErrNotFound)
	}
	return nil
}

// AssignProviderKey links a key to an agent. Re-assigning is a no-op.
func (s *Store) AssignProviderKey(ctx context.Context, a model.ProviderKeyAssignment) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agent_provider_keys (agent_id, provider, provider_key_id, created_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT DO NOTHING`,
		a.AgentID, a.Provider, a.ProviderKeyID, micros(a.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("sqlite: assign provider key: %w", err)
	}
	return nil
}

// GetAssignedKey returns an enabled key assigned to the agent for provider.
func (s *Store) GetAssignedKey(ctx context.Context, agentID uuid.UUID, provider string, keyID *uuid.UUID) (model.ProviderKey, error) {
	q := `SELECT k.id, k.provider, k.ciphertext, k.nonce, k.enabled, k.project_id, k.label, k.created_at
		 FROM agent_provider_keys a
		 JOIN provider_keys k ON k.id = a.provider_key_id
		 WHERE a.agent_id = ? AND a.provider = ? AND k.enabled = 1`
	args := []any{agentID, provider}
	if keyID != nil {
		q += ` AND k.id = ?`
		args = append(args, *keyID)
	}
	q += ` ORDER BY a.created_at DESC LIMIT 1`

	k, err := scanProviderKey(s.db.QueryRowContext(ctx, q, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.ProviderKey{}, fmt.Errorf("enabled %s key for agent %s: %w", provider, agentID, storage.ErrNotFound)
		}
		return model.ProviderKey{}, fmt.Errorf("sqlite: get assigned key: %w", err)
	}
	return k, nil
}
