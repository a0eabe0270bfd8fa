// Package secrets seals bot credentials at rest.
package secrets

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

const sealedPrefix = "v1:"

var ErrMalformed = errors.New("sealed value is malformed")

type Sealer interface {
	Seal(plaintext string) (string, error)
	Open(sealed string) (string, error)
}

// New returns an XChaCha20-Poly1305 sealer keyed by sha256(key), or a
// pass-through sealer when key is empty.
func New(key string) (Sealer, error) {
	if strings.TrimSpace(key) == "" {
		return plain{}, nil
	}
	sum := sha256.Sum256([]byte(key))
	aead, err := chacha20poly1305.NewX(sum[:])
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	return &xchacha{aead: aead}, nil
}

// Fingerprint is the stable, non-reversible identity of a credential.
func Fingerprint(token string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(token)))
	return hex.EncodeToString(sum[:])
}

type plain struct{}

func (plain) Seal(s string) (string, error) { return s, nil }

func (plain) Open(s string) (string, error) {
	if strings.HasPrefix(s, sealedPrefix) {
		return "", errors.New("value is sealed but no storage.secret_key is configured")
	}
	return s, nil
}

type xchacha struct {
	aead cipher.AEAD
}

func (x *xchacha) Seal(s string) (string, error) {
	nonce := make([]byte, x.aead.NonceSize(), x.aead.NonceSize()+len(s)+x.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}
	out := x.aead.Seal(nonce, nonce, []byte(s), nil)
	return sealedPrefix + base64.RawURLEncoding.EncodeToString(out), nil
}

// Open accepts unsealed legacy values unchanged.
func (x *xchacha) Open(s string) (string, error) {
	if !strings.HasPrefix(s, sealedPrefix) {
		return s, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(s, sealedPrefix))
	if err != nil {
		return "", ErrMalformed
	}
	ns := x.aead.NonceSize()
	if len(raw) < ns+x.aead.Overhead() {
		return "", ErrMalformed
	}
	pt, err := x.aead.Open(nil, raw[:ns], raw[ns:], nil)
	if err != nil {
		return "", fmt.Errorf("open sealed value: %w", err)
	}
	return string(pt), nil
}
