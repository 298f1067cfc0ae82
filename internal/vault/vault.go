// Package vault encrypts message summaries at rest with AES-256-GCM.
//
// A sealed value is base64(nonce || ciphertext || tag) using the standard
// padded alphabet, with a fresh 12-byte random nonce per call.
package vault

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

// NonceSize is the GCM nonce length prepended to every sealed value.
const NonceSize = 12

// ErrMalformed is returned by Decrypt when the input is not a sealed value.
var ErrMalformed = errors.New("malformed ciphertext")

// Vault seals and opens summaries. It is safe for concurrent use.
type Vault struct {
	keys *KeyCache
	rand io.Reader
}

// New returns a Vault backed by keys.
func New(keys *KeyCache) *Vault {
	return &Vault{keys: keys, rand: rand.Reader}
}

// Encrypt seals plaintext under the key derived from secret.
func (v *Vault) Encrypt(plaintext, secret string) (string, error) {
	aead, err := v.keys.Get(secret)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, NonceSize, NonceSize+len(plaintext)+aead.Overhead())
	if _, err := io.ReadFull(v.rand, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	sealed := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a value produced by Encrypt with the same secret.
func (v *Vault) Decrypt(ciphertext, secret string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	aead, err := v.keys.Get(secret)
	if err != nil {
		return "", err
	}
	if len(raw) < NonceSize+aead.Overhead() {
		return "", fmt.Errorf("%w: %d bytes", ErrMalformed, len(raw))
	}

	plain, err := aead.Open(nil, raw[:NonceSize], raw[NonceSize:], nil)
	if err != nil {
		return "", fmt.Errorf("open: %w", err)
	}
	return string(plain), nil
}
