package keys_test

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/ironpanel/internal/keys"
	"github.com/ashita-ai/ironpanel/internal/model"
	"github.com/ashita-ai/ironpanel/internal/secretbox"
	"github.com/ashita-ai/ironpanel/internal/storage/sqlite"
	"github.com/ashita-ai/ironpanel/internal/storage/storagetest"
)

func newService(t *testing.T) (*keys.Service, *sqlite.Store, *secretbox.Box) {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)
	s, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "keys.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	secret, err := secretbox.GenerateSecret()
	require.NoError(t, err)
	box, err := secretbox.New(secret, secretbox.PurposeProviderKey)
	require.NoError(t, err)
	svc, err := keys.New(s, box, logger)
	require.NoError(t, err)
	return svc, s, box
}

func TestCreateStoresCiphertextOnly(t *testing.T) {
	ctx := context.Background()
	svc, s, box := newService(t)

	k, err := svc.Create(ctx, keys.CreateInput{Provider: " Anthropic ", Key: "sk-ant-secret", Label: "prod"})
	require.NoError(t, err)
	assert.Equal(t, "anthropic", k.Provider)
	assert.True(t, k.Enabled)
	assert.NotContains(t, string(k.Ciphertext), "sk-ant-secret")

	stored, err := s.GetProviderKey(ctx, k.ID)
	require.NoError(t, err)
	plain, err := box.Decrypt(stored.Ciphertext, stored.Nonce)
	require.NoError(t, err)
	assert.Equal(t, "sk-ant-secret", string(plain))

	_, err = svc.Create(ctx, keys.CreateInput{Provider: "openai"})
	assert.True(t, model.IsValidation(err))
}

func TestNewRejectsWrongBox(t *testing.T) {
	secret, err := secretbox.GenerateSecret()
	require.NoError(t, err)
	box, err := secretbox.New(secret, secretbox.PurposeIPToken)
	require.NoError(t, err)
	_, err = keys.New(nil, box, slog.New(slog.DiscardHandler))
	assert.ErrorIs(t, err, model.ErrCrypto)
}

func TestAssignAndToggle(t *testing.T) {
	ctx := context.Background()
	svc, s, _ := newService(t)
	a, _ := storagetest.SeedAgent(t, s, 100)

	k, err := svc.Create(ctx, keys.CreateInput{Provider: "openai", Key: "sk-openai", ProjectID: a.ProjectID})
	require.NoError(t, err)
	_, err = svc.Assign(ctx, a.ID, k.ID)
	require.NoError(t, err)

	got, err := s.GetAssignedKey(ctx, a.ID, "openai", nil)
	require.NoError(t, err)
	assert.Equal(t, k.ID, got.ID)

	require.NoError(t, svc.SetEnabled(ctx, k.ID, false))
	_, err = s.GetAssignedKey(ctx, a.ID, "openai", nil)
	assert.ErrorIs(t, err, model.ErrNotFound)

	assert.ErrorIs(t, svc.SetEnabled(ctx, uuid.New(), true), model.ErrNotFound)
	_, err = svc.Assign(ctx, uuid.New(), k.ID)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestAssignRespectsProjectAndProviders(t *testing.T) {
	ctx := context.Background()
	svc, s, _ := newService(t)
	a, _ := storagetest.SeedAgent(t, s, 100)

	other := "someone-elses-project"
	k, err := svc.Create(ctx, keys.CreateInput{Provider: "openai", Key: "sk-openai", ProjectID: &other})
	require.NoError(t, err)
	_, err = svc.Assign(ctx, a.ID, k.ID)
	assert.True(t, model.IsValidation(err))

	// SeedAgent allows anthropic and openai only.
	g, err := svc.Create(ctx, keys.CreateInput{Provider: "google", Key: "g-key"})
	require.NoError(t, err)
	_, err = svc.Assign(ctx, a.ID, g.ID)
	assert.True(t, model.IsValidation(err))
}
