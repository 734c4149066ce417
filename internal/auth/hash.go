// Package auth verifies the administrative bearer token. The configured
// token is hashed with Argon2id at startup so the plaintext does not stay
// resident, and presented tokens are compared in constant time.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

const (
	argonTime    = 1
	argonMemory  = 64 * 1024 // 64 MB
	argonThreads = 4
	argonKeyLen  = 32
	saltLen      = 16
)

// HashToken hashes a token using Argon2id. The result is "salt$hash", both
// base64.
func HashToken(token string) (string, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("auth: generate salt: %w", err)
	}

	hash := argon2.IDKey([]byte(token), salt, argonTime, argonMemory, argonThreads, argonKeyLen)

	encoded := fmt.Sprintf("%s$%s",
		base64.StdEncoding.EncodeToString(salt),
		base64.StdEncoding.EncodeToString(hash),
	)
	return encoded, nil
}

// VerifyToken checks a token against an Argon2id hash from HashToken.
func VerifyToken(token, encoded string) (bool, error) {
	parts := strings.SplitN(encoded, "$", 2)
	if len(parts) != 2 {
		return false, fmt.Errorf("auth: invalid hash format")
	}

	salt, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil {
		return false, fmt.Errorf("auth: decode salt: %w", err)
	}

	expectedHash, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return false, fmt.Errorf("auth: decode hash: %w", err)
	}

	computedHash := argon2.IDKey([]byte(token), salt, argonTime, argonMemory, argonThreads, argonKeyLen)

	return subtle.ConstantTimeCompare(expectedHash, computedHash) == 1, nil
}

// ErrNoAdminToken is returned when no administrative token is configured.
var ErrNoAdminToken = errors.New("auth: admin token not configured")

// AdminVerifier holds the hashed administrative token.
type AdminVerifier struct {
	encoded string
}

// NewAdminVerifier hashes token once. An empty token is an error: the admin
// API has no anonymous mode.
func NewAdminVerifier(token string) (*AdminVerifier, error) {
	if token == "" {
		return nil, ErrNoAdminToken
	}
	encoded, err := HashToken(token)
	if err != nil {
		return nil, err
	}
	return &AdminVerifier{encoded: encoded}, nil
}

// Verify reports whether presented matches the configured token. Every call
// pays the full Argon2id cost, including for empty input.
func (v *AdminVerifier) Verify(presented string) bool {
	ok, err := VerifyToken(presented, v.encoded)
	return err == nil && ok
}
