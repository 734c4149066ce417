// genkey generates the signing keys and secrets an ironpanel deployment needs.
//
// Usage (run from the repo root):
//
//	go run scripts/genkey/main.go
//
// Writes:
//
//	data/ic_token_private.pem  (mode 0600, keep this secret)
//	data/ic_token_public.pem   (mode 0600)
//
// and prints IRON_PROVIDER_KEY_SECRET and IRON_IP_TOKEN_SECRET lines ready
// to paste into .env. The two secrets must differ; losing the provider key
// secret makes every stored provider key unreadable.
package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ashita-ai/ironpanel/internal/secretbox"
)

func main() {
	if err := run("data"); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(dir string) error {
	privPath := filepath.Join(dir, "ic_token_private.pem")
	pubPath := filepath.Join(dir, "ic_token_public.pem")

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("cannot create %s: %w", dir, err)
	}

	// Refuse to overwrite existing keys; rotating them invalidates every
	// outstanding IC token.
	for _, path := range []string{privPath, pubPath} {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists, delete it first if you want to rotate keys", path)
		}
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("generate key: %w", err)
	}
	privDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return fmt.Errorf("marshal private key: %w", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return fmt.Errorf("marshal public key: %w", err)
	}
	if err := writePEM(privPath, "PRIVATE KEY", privDER); err != nil {
		return err
	}
	if err := writePEM(pubPath, "PUBLIC KEY", pubDER); err != nil {
		return err
	}

	keySecret, err := secretbox.GenerateSecret()
	if err != nil {
		return fmt.Errorf("generate provider key secret: %w", err)
	}
	tokenSecret, err := secretbox.GenerateSecret()
	if err != nil {
		return fmt.Errorf("generate ip token secret: %w", err)
	}

	fmt.Printf("wrote %s\n", privPath)
	fmt.Printf("wrote %s\n", pubPath)
	fmt.Println()
	fmt.Printf("IRON_IC_TOKEN_PRIVATE_KEY=%s\n", privPath)
	fmt.Printf("IRON_IC_TOKEN_PUBLIC_KEY=%s\n", pubPath)
	fmt.Printf("IRON_PROVIDER_KEY_SECRET=%s\n", base64.StdEncoding.EncodeToString(keySecret))
	fmt.Printf("IRON_IP_TOKEN_SECRET=%s\n", base64.StdEncoding.EncodeToString(tokenSecret))
	return nil
}

func writePEM(path, blockType string, der []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600) //nolint:gosec // fixed path under the data dir
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if err := pem.Encode(f, &pem.Block{Type: blockType, Bytes: der}); err != nil {
		_ = f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}
