// Package ictoken issues and verifies IC tokens, the signed credentials an
// agent presents to obtain budget leases.
//
// Tokens are Ed25519 (EdDSA) JWTs. Keys can be loaded from PEM files or
// auto-generated for development. The claim set is fixed and expiry is
// optional, so verification skips the JWT library's registered-claim
// validation and checks issuer and expiry explicitly.
package ictoken

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/ashita-ai/ironpanel/internal/model"
)

// Manager handles IC token creation and verification.
type Manager struct {
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
	now        func() time.Time
}

// NewManager creates a Manager from PEM key files.
// If paths are empty, generates an ephemeral key pair (for development).
func NewManager(privateKeyPath, publicKeyPath string) (*Manager, error) {
	if privateKeyPath == "" || publicKeyPath == "" {
		slog.Warn("ictoken: no key files configured, generating ephemeral key pair (not for production)")
		_, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("ictoken: generate key pair: %w", err)
		}
		return NewManagerFromKey(priv), nil
	}

	privPEM, err := os.ReadFile(privateKeyPath) //nolint:gosec // paths come from validated config, not user input
	if err != nil {
		return nil, fmt.Errorf("ictoken: read private key: %w", err)
	}
	block, _ := pem.Decode(privPEM)
	if block == nil {
		return nil, fmt.Errorf("ictoken: decode private key PEM")
	}
	privKey, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("ictoken: parse private key: %w", err)
	}
	edPriv, ok := privKey.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("ictoken: private key is not Ed25519")
	}

	pubPEM, err := os.ReadFile(publicKeyPath) //nolint:gosec // paths come from validated config, not user input
	if err != nil {
		return nil, fmt.Errorf("ictoken: read public key: %w", err)
	}
	pubBlock, _ := pem.Decode(pubPEM)
	if pubBlock == nil {
		return nil, fmt.Errorf("ictoken: decode public key PEM")
	}
	pubKey, err := x509.ParsePKIXPublicKey(pubBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("ictoken: parse public key: %w", err)
	}
	edPub, ok := pubKey.(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("ictoken: public key is not Ed25519")
	}

	// A key pair from two different environments would sign tokens nobody can verify.
	if !bytes.Equal(edPriv.Public().(ed25519.PublicKey), edPub) {
		return nil, fmt.Errorf("ictoken: public key does not match private key")
	}

	return NewManagerFromKey(edPriv), nil
}

// NewManagerFromKey creates a Manager around an in-memory private key.
func NewManagerFromKey(priv ed25519.PrivateKey) *Manager {
	return &Manager{
		privateKey: priv,
		publicKey:  priv.Public().(ed25519.PublicKey),
		now:        time.Now,
	}
}

// WithClock returns a copy of m that reads the current time from now.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	cp := *m
	cp.now = now
	return &cp
}

// Issue signs a token for agentID. A nil expiresAt produces a token that
// never expires.
func (m *Manager) Issue(agentID, budgetID uuid.UUID, permissions []string, expiresAt *time.Time) (string, error) {
	c := wireClaims{
		AgentID:     agentID,
		BudgetID:    budgetID,
		IssuedAt:    m.now().UTC().Unix(),
		Issuer:      model.ICTokenIssuer,
		Permissions: permissions,
	}
	if c.Permissions == nil {
		c.Permissions = []string{}
	}
	if expiresAt != nil {
		exp := expiresAt.UTC().Unix()
		c.ExpiresAt = &exp
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, &c).SignedString(m.privateKey)
	if err != nil {
		return "", fmt.Errorf("ictoken: sign token: %w", err)
	}
	return signed, nil
}

// Verify checks the signature and claim shape of tokenStr, then rejects a
// foreign issuer or a passed expiry.
func (m *Manager) Verify(tokenStr string) (*model.ICTokenClaims, error) {
	var c wireClaims
	_, err := jwt.ParseWithClaims(
		tokenStr,
		&c,
		func(*jwt.Token) (any, error) { return m.publicKey, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenMalformed):
			return nil, fmt.Errorf("ictoken: verify: %w: %v", model.ErrTokenMalformed, err)
		case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
			return nil, fmt.Errorf("ictoken: verify: %w", model.ErrSignatureInvalid)
		default:
			return nil, fmt.Errorf("ictoken: verify: %w: %v", model.ErrTokenMalformed, err)
		}
	}

	if c.Issuer != model.ICTokenIssuer {
		return nil, fmt.Errorf("ictoken: verify: issuer %q: %w", c.Issuer, model.ErrInvalidIssuer)
	}
	claims := c.toModel()
	if claims.ExpiresAt != nil && m.now().After(*claims.ExpiresAt) {
		return nil, fmt.Errorf("ictoken: verify: %w", model.ErrTokenExpired)
	}
	return claims, nil
}
