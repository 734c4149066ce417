package ictoken_test

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/ironpanel/internal/ictoken"
	"github.com/ashita-ai/ironpanel/internal/model"
)

func newKey(t *testing.T) ed25519.PrivateKey {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return priv
}

func TestIssueAndVerify_NonExpiring(t *testing.T) {
	mgr := ictoken.NewManagerFromKey(newKey(t))
	agentID, budgetID := uuid.New(), uuid.New()

	tok, err := mgr.Issue(agentID, budgetID, []string{model.PermHandshake}, nil)
	require.NoError(t, err)

	claims, err := mgr.Verify(tok)
	require.NoError(t, err)
	assert.Equal(t, agentID, claims.AgentID)
	assert.Equal(t, budgetID, claims.BudgetID)
	assert.Equal(t, model.ICTokenIssuer, claims.Issuer)
	assert.Nil(t, claims.ExpiresAt)
	assert.Equal(t, []string{model.PermHandshake}, claims.Permissions)
	assert.WithinDuration(t, time.Now(), claims.IssuedAt, 2*time.Second)
}

func TestVerify_Expired(t *testing.T) {
	mgr := ictoken.NewManagerFromKey(newKey(t))
	past := time.Now().Add(-time.Hour)

	tok, err := mgr.Issue(uuid.New(), uuid.New(), nil, &past)
	require.NoError(t, err)

	_, err = mgr.Verify(tok)
	assert.ErrorIs(t, err, model.ErrTokenExpired)
	assert.ErrorIs(t, err, model.ErrAuthentication)
}

func TestVerify_ExpiryUsesClock(t *testing.T) {
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	exp := base.Add(time.Minute)
	mgr := ictoken.NewManagerFromKey(newKey(t)).WithClock(func() time.Time { return base })

	tok, err := mgr.Issue(uuid.New(), uuid.New(), nil, &exp)
	require.NoError(t, err)

	_, err = mgr.Verify(tok)
	require.NoError(t, err)

	atExpiry := mgr.WithClock(func() time.Time { return exp })
	_, err = atExpiry.Verify(tok)
	require.NoError(t, err, "now == expires_at is still valid")

	later := mgr.WithClock(func() time.Time { return exp.Add(time.Second) })
	_, err = later.Verify(tok)
	assert.ErrorIs(t, err, model.ErrTokenExpired)
}

func TestVerify_WrongIssuerWithValidSignature(t *testing.T) {
	priv := newKey(t)
	mgr := ictoken.NewManagerFromKey(priv)

	forged := jwt.NewWithClaims(jwt.SigningMethodEdDSA, jwt.MapClaims{
		"agent_id":    uuid.New().String(),
		"budget_id":   uuid.New().String(),
		"issued_at":   time.Now().Unix(),
		"issuer":      "someone-else",
		"permissions": []string{},
	})
	tok, err := forged.SignedString(priv)
	require.NoError(t, err)

	_, err = mgr.Verify(tok)
	assert.ErrorIs(t, err, model.ErrInvalidIssuer)
	assert.ErrorIs(t, err, model.ErrAuthentication)
}

func TestVerify_StrictClaimShape(t *testing.T) {
	priv := newKey(t)
	mgr := ictoken.NewManagerFromKey(priv)

	tests := []struct {
		name   string
		claims jwt.MapClaims
	}{
		{"unknown field", jwt.MapClaims{
			"agent_id": uuid.New().String(), "budget_id": uuid.New().String(),
			"issued_at": time.Now().Unix(), "issuer": model.ICTokenIssuer, "role": "admin",
		}},
		{"missing agent_id", jwt.MapClaims{
			"budget_id": uuid.New().String(), "issued_at": time.Now().Unix(), "issuer": model.ICTokenIssuer,
		}},
		{"missing issuer", jwt.MapClaims{
			"agent_id": uuid.New().String(), "budget_id": uuid.New().String(), "issued_at": time.Now().Unix(),
		}},
		{"registered claims only", jwt.MapClaims{
			"sub": "agent", "iss": model.ICTokenIssuer, "exp": time.Now().Add(time.Hour).Unix(),
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tok, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, tt.claims).SignedString(priv)
			require.NoError(t, err)
			_, err = mgr.Verify(tok)
			assert.ErrorIs(t, err, model.ErrTokenMalformed)
		})
	}
}

func TestVerify_SignatureInvalid(t *testing.T) {
	issuer := ictoken.NewManagerFromKey(newKey(t))
	verifier := ictoken.NewManagerFromKey(newKey(t))

	tok, err := issuer.Issue(uuid.New(), uuid.New(), nil, nil)
	require.NoError(t, err)

	_, err = verifier.Verify(tok)
	assert.ErrorIs(t, err, model.ErrSignatureInvalid)

	// Flip a character in the signature segment.
	parts := strings.Split(tok, ".")
	require.Len(t, parts, 3)
	sig := []byte(parts[2])
	if sig[0] == 'A' {
		sig[0] = 'B'
	} else {
		sig[0] = 'A'
	}
	tampered := parts[0] + "." + parts[1] + "." + string(sig)
	_, err = issuer.Verify(tampered)
	assert.ErrorIs(t, err, model.ErrAuthentication)
}

func TestVerify_RejectsOtherAlgorithms(t *testing.T) {
	mgr := ictoken.NewManagerFromKey(newKey(t))
	hs := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"agent_id": uuid.New().String(), "budget_id": uuid.New().String(),
		"issued_at": time.Now().Unix(), "issuer": model.ICTokenIssuer,
	})
	tok, err := hs.SignedString([]byte("shared-secret"))
	require.NoError(t, err)

	_, err = mgr.Verify(tok)
	assert.ErrorIs(t, err, model.ErrSignatureInvalid)
}

func TestVerify_Garbage(t *testing.T) {
	mgr := ictoken.NewManagerFromKey(newKey(t))
	for _, tok := range []string{"", "not-a-jwt", "a.b.c"} {
		_, err := mgr.Verify(tok)
		assert.ErrorIs(t, err, model.ErrTokenMalformed, "token %q", tok)
	}
}

func TestNewManager_PEMFiles(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	dir := t.TempDir()

	privBytes, err := x509.MarshalPKCS8PrivateKey(priv)
	require.NoError(t, err)
	privPath := filepath.Join(dir, "priv.pem")
	require.NoError(t, os.WriteFile(privPath, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privBytes}), 0600))

	pubBytes, err := x509.MarshalPKIXPublicKey(pub)
	require.NoError(t, err)
	pubPath := filepath.Join(dir, "pub.pem")
	require.NoError(t, os.WriteFile(pubPath, pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubBytes}), 0600))

	mgr, err := ictoken.NewManager(privPath, pubPath)
	require.NoError(t, err)

	tok, err := mgr.Issue(uuid.New(), uuid.New(), nil, nil)
	require.NoError(t, err)
	_, err = ictoken.NewManagerFromKey(priv).Verify(tok)
	assert.NoError(t, err, "token from PEM-loaded manager verifies under the same key")

	otherPub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	otherBytes, err := x509.MarshalPKIXPublicKey(otherPub)
	require.NoError(t, err)
	otherPath := filepath.Join(dir, "other.pem")
	require.NoError(t, os.WriteFile(otherPath, pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: otherBytes}), 0600))

	_, err = ictoken.NewManager(privPath, otherPath)
	assert.ErrorContains(t, err, "does not match")
}

func TestNewManager_Ephemeral(t *testing.T) {
	mgr, err := ictoken.NewManager("", "")
	require.NoError(t, err)
	tok, err := mgr.Issue(uuid.New(), uuid.New(), nil, nil)
	require.NoError(t, err)
	_, err = mgr.Verify(tok)
	assert.NoError(t, err)
}
