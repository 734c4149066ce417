// Package secretbox provides the authenticated encryption used for provider
// keys at rest and for IP token payloads.
//
// Each Box derives its working key from a 32-byte root secret with
// HKDF-SHA256 and a purpose-specific info string, then seals with
// XChaCha20-Poly1305 under a random 24-byte nonce. The purpose string is
// also bound as additional authenticated data, so ciphertext produced for
// one purpose never opens under another.
package secretbox

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/ashita-ai/ironpanel/internal/model"
)

// KeySize is the size in bytes of root secrets and derived keys.
const KeySize = 32

// NonceSize is the size of the random nonce returned by Encrypt.
const NonceSize = chacha20poly1305.NonceSizeX

// Purpose selects the HKDF info string. Changing one invalidates every
// ciphertext sealed under it.
type Purpose string

const (
	PurposeProviderKey Purpose = "ironpanel.provider-key.v1"
	PurposeIPToken     Purpose = "ironpanel.ip-token.v1"
)

// Box seals and opens data for a single purpose. Safe for concurrent use.
type Box struct {
	purpose Purpose
	key     [KeySize]byte
}

// New derives a Box from rootSecret for purpose. rootSecret must be exactly
// KeySize bytes.
func New(rootSecret []byte, purpose Purpose) (*Box, error) {
	if len(rootSecret) != KeySize {
		return nil, fmt.Errorf("secretbox: root secret must be %d bytes, got %d", KeySize, len(rootSecret))
	}
	if purpose == "" {
		return nil, fmt.Errorf("secretbox: purpose is required")
	}
	b := &Box{purpose: purpose}
	r := hkdf.New(sha256.New, rootSecret, nil, []byte(purpose))
	if _, err := io.ReadFull(r, b.key[:]); err != nil {
		return nil, fmt.Errorf("secretbox: derive key: %w", err)
	}
	return b, nil
}

// NewFromBase64 decodes a standard base64 root secret and calls New.
func NewFromBase64(encoded string, purpose Purpose) (*Box, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("secretbox: decode root secret: %w", err)
	}
	return New(raw, purpose)
}

// Purpose returns the purpose this Box was derived for.
func (b *Box) Purpose() Purpose { return b.purpose }

// Encrypt seals plaintext and returns the ciphertext (with tag) and the
// nonce used.
func (b *Box) Encrypt(plaintext []byte) (ciphertext, nonce []byte, err error) {
	aead, err := chacha20poly1305.NewX(b.key[:])
	if err != nil {
		return nil, nil, fmt.Errorf("secretbox: new cipher: %w: %w", model.ErrCrypto, err)
	}
	nonce = make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, fmt.Errorf("secretbox: generate nonce: %w: %w", model.ErrCrypto, err)
	}
	return aead.Seal(nil, nonce, plaintext, []byte(b.purpose)), nonce, nil
}

// Decrypt opens ciphertext sealed by a Box with the same root secret and
// purpose. Any mismatch returns model.ErrDecryptionFailed.
func (b *Box) Decrypt(ciphertext, nonce []byte) ([]byte, error) {
	if len(nonce) != NonceSize {
		return nil, fmt.Errorf("secretbox: nonce must be %d bytes: %w", NonceSize, model.ErrDecryptionFailed)
	}
	aead, err := chacha20poly1305.NewX(b.key[:])
	if err != nil {
		return nil, fmt.Errorf("secretbox: new cipher: %w: %w", model.ErrCrypto, err)
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, []byte(b.purpose))
	if err != nil {
		return nil, fmt.Errorf("secretbox: open: %w", model.ErrDecryptionFailed)
	}
	return plaintext, nil
}

// GenerateSecret returns a fresh random root secret.
func GenerateSecret() ([]byte, error) {
	s := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, s); err != nil {
		return nil, fmt.Errorf("secretbox: generate secret: %w", err)
	}
	return s, nil
}
