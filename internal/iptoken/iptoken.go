// Package iptoken seals the provider key and lease metadata handed to an
// agent after a successful handshake. Only the request proxy, holding the
// IP token secret, can open it.
//
// Wire form: "ipt_v1." + base64url(nonce || ciphertext). The payload is
// CBOR with Core Deterministic Encoding.
package iptoken

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"

	"github.com/ashita-ai/ironpanel/internal/model"
	"github.com/ashita-ai/ironpanel/internal/secretbox"
)

// Prefix marks the token format version.
const Prefix = "ipt_v1."

// Payload is the sealed content of an IP token.
type Payload struct {
	ProviderKey string    `cbor:"1,keyasint"`
	Provider    string    `cbor:"2,keyasint"`
	LeaseID     uuid.UUID `cbor:"3,keyasint"`
	AgentID     uuid.UUID `cbor:"4,keyasint"`
	IssuedAt    int64     `cbor:"5,keyasint"` // Unix seconds
}

// IssuedTime returns IssuedAt as a time.
func (p Payload) IssuedTime() time.Time { return time.Unix(p.IssuedAt, 0).UTC() }

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("iptoken: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		ExtraReturnErrors: cbor.ExtraDecErrorUnknownField,
		DupMapKey:         cbor.DupMapKeyEnforcedAPF,
	}.DecMode()
	if err != nil {
		panic("iptoken: CBOR decoder initialization failed: " + err.Error())
	}
}

// Codec encrypts and decrypts IP tokens with a Box derived for
// secretbox.PurposeIPToken.
type Codec struct {
	box *secretbox.Box
}

// NewCodec wraps box. It refuses a Box derived for any other purpose so
// provider-key material can never seal an IP token.
func NewCodec(box *secretbox.Box) (*Codec, error) {
	if box == nil {
		return nil, fmt.Errorf("iptoken: box is required")
	}
	if box.Purpose() != secretbox.PurposeIPToken {
		return nil, fmt.Errorf("iptoken: box purpose %q, want %q", box.Purpose(), secretbox.PurposeIPToken)
	}
	return &Codec{box: box}, nil
}

// Encrypt seals p into a token string.
func (c *Codec) Encrypt(p Payload) (string, error) {
	if p.ProviderKey == "" {
		return "", fmt.Errorf("iptoken: encrypt: empty provider key: %w", model.ErrCrypto)
	}
	plain, err := encMode.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("iptoken: encode payload: %w: %w", model.ErrCrypto, err)
	}
	ct, nonce, err := c.box.Encrypt(plain)
	if err != nil {
		return "", fmt.Errorf("iptoken: encrypt: %w", err)
	}
	blob := make([]byte, 0, len(nonce)+len(ct))
	blob = append(blob, nonce...)
	blob = append(blob, ct...)
	return Prefix + base64.RawURLEncoding.EncodeToString(blob), nil
}

// Decrypt opens a token produced by Encrypt. Every failure, including a
// wrong prefix or a malformed payload, is model.ErrDecryptionFailed.
func (c *Codec) Decrypt(token string) (Payload, error) {
	body, ok := strings.CutPrefix(token, Prefix)
	if !ok {
		return Payload{}, fmt.Errorf("iptoken: unknown token format: %w", model.ErrDecryptionFailed)
	}
	blob, err := base64.RawURLEncoding.DecodeString(body)
	if err != nil {
		return Payload{}, fmt.Errorf("iptoken: decode token: %w", model.ErrDecryptionFailed)
	}
	if len(blob) <= secretbox.NonceSize {
		return Payload{}, fmt.Errorf("iptoken: token too short: %w", model.ErrDecryptionFailed)
	}
	plain, err := c.box.Decrypt(blob[secretbox.NonceSize:], blob[:secretbox.NonceSize])
	if err != nil {
		return Payload{}, fmt.Errorf("iptoken: %w", err)
	}
	var p Payload
	if err := decMode.Unmarshal(plain, &p); err != nil {
		return Payload{}, fmt.Errorf("iptoken: decode payload: %w", model.ErrDecryptionFailed)
	}
	if p.ProviderKey == "" {
		return Payload{}, fmt.Errorf("iptoken: empty provider key: %w", model.ErrDecryptionFailed)
	}
	return p, nil
}
