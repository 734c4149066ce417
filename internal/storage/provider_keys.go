package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/ironpanel/internal/model"
)

const providerKeyColumns = `id, provider, ciphertext, nonce, enabled, project_id, label, created_at`

func scanProviderKey(row pgx.Row) (model.ProviderKey, error) {
	var k model.ProviderKey
	err := row.Scan(&k.ID, &k.Provider, &k.Ciphertext, &k.Nonce, &k.Enabled, &k.ProjectID, &k.Label, &k.CreatedAt)
	return k, err
}

// CreateProviderKey stores an encrypted provider key.
func (db *DB) CreateProviderKey(ctx context.Context, k model.ProviderKey) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO provider_keys (`+providerKeyColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		k.ID, k.Provider, k.Ciphertext, k.Nonce, k.Enabled, k.ProjectID, k.Label, k.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: create provider key: %w", err)
	}
	return nil
}

// GetProviderKey returns a provider key by id regardless of enabled state.
func (db *DB) GetProviderKey(ctx context.Context, id uuid.UUID) (model.ProviderKey, error) {
	k, err := scanProviderKey(db.pool.QueryRow(ctx,
		`SELECT `+providerKeyColumns+` FROM provider_keys WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.ProviderKey{}, fmt.Errorf("provider key %s: %w", id, ErrNotFound)
		}
		return model.ProviderKey{}, fmt.Errorf("storage: get provider key: %w", err)
	}
	return k, nil
}

// SetProviderKeyEnabled toggles a key. Disabled keys are never handed out.
func (db *DB) SetProviderKeyEnabled(ctx context.Context, id uuid.UUID, enabled bool) error {
	tag, err := db.pool.Exec(ctx, `UPDATE provider_keys SET enabled = $2 WHERE id = $1`, id, enabled)
	if err != nil {
		return fmt.Errorf("storage: set provider key enabled: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("provider key %s: %w", id, ErrNotFound)
	}
	return nil
}

// AssignProviderKey links a key to an agent. Re-assigning is a no-op.
func (db *DB) AssignProviderKey(ctx context.Context, a model.ProviderKeyAssignment) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO agent_provider_keys (agent_id, provider, provider_key_id, created_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT DO NOTHING`,
		a.AgentID, a.Provider, a.ProviderKeyID, a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: assign provider key: %w", err)
	}
	return nil
}

// GetAssignedKey returns an enabled key assigned to the agent for provider.
func (db *DB) GetAssignedKey(ctx context.Context, agentID uuid.UUID, provider string, keyID *uuid.UUID) (model.ProviderKey, error) {
	k, err := scanProviderKey(db.pool.QueryRow(ctx,
		`SELECT k.id, k.provider, k.ciphertext, k.nonce, k.enabled, k.project_id, k.label, k.created_at
		 FROM agent_provider_keys a
		 JOIN provider_keys k ON k.id = a.provider_key_id
		 WHERE a.agent_id = $1 AND a.provider = $2 AND k.enabled
		   AND ($3::uuid IS NULL OR k.id = $3)
		 ORDER BY a.created_at DESC
		 LIMIT 1`, agentID, provider, keyID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.ProviderKey{}, fmt.Errorf("enabled %s key for agent %s: %w", provider, agentID, ErrNotFound)
		}
		return model.ProviderKey{}, fmt.Errorf("storage: get assigned key: %w", err)
	}
	return k, nil
}
