package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"fmt"
	"io"
	"sync"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/hkdf"
)

// KDF names how a secret string becomes an AES-256 key.
type KDF string

const (
	// KDFPad right-pads the secret bytes with '0' and keeps the first 32.
	// It is weak and kept as the default so existing archives stay readable.
	KDFPad KDF = "pad"
	// KDFHKDF expands the secret with HKDF-SHA256.
	KDFHKDF KDF = "hkdf"
)

// KeySize is the derived key length in bytes.
const KeySize = 32

var hkdfInfo = []byte("mailvault message key")

// ParseKDF maps a configuration value to a KDF. Empty means KDFPad.
func ParseKDF(s string) (KDF, error) {
	switch KDF(s) {
	case "", KDFPad:
		return KDFPad, nil
	case KDFHKDF:
		return KDFHKDF, nil
	default:
		return "", fmt.Errorf("unknown key derivation %q", s)
	}
}

// DeriveKey returns the raw key bytes for secret. Callers own the slice and
// should wipe it once the cipher is built.
func DeriveKey(kdf KDF, secret string) ([]byte, error) {
	switch kdf {
	case "", KDFPad:
		key := make([]byte, KeySize)
		n := copy(key, secret)
		for i := n; i < KeySize; i++ {
			key[i] = '0'
		}
		return key, nil
	case KDFHKDF:
		key := make([]byte, KeySize)
		if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), nil, hkdfInfo), key); err != nil {
			return nil, fmt.Errorf("hkdf expand: %w", err)
		}
		return key, nil
	default:
		return nil, fmt.Errorf("unknown key derivation %q", kdf)
	}
}

// KeyCache holds the AEAD for the most recently used secret. A request for
// a different secret rebuilds the cipher and replaces the slot.
type KeyCache struct {
	kdf KDF

	mu     sync.Mutex
	secret string
	aead   cipher.AEAD
}

// NewKeyCache creates an empty cache deriving keys with kdf.
func NewKeyCache(kdf KDF) *KeyCache {
	return &KeyCache{kdf: kdf}
}

// Get returns the AEAD for secret, deriving it on a miss.
func (c *KeyCache) Get(secret string) (cipher.AEAD, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.aead != nil && c.secret == secret {
		return c.aead, nil
	}

	aead, err := c.build(secret)
	if err != nil {
		return nil, err
	}
	c.secret = secret
	c.aead = aead
	return aead, nil
}

// Invalidate empties the slot.
func (c *KeyCache) Invalidate() {
	c.mu.Lock()
	c.secret = ""
	c.aead = nil
	c.mu.Unlock()
}

func (c *KeyCache) build(secret string) (cipher.AEAD, error) {
	raw, err := DeriveKey(c.kdf, secret)
	if err != nil {
		return nil, err
	}

	// NewBufferFromBytes wipes raw; the locked copy is destroyed as soon as
	// the block cipher has expanded its own schedule.
	key := memguard.NewBufferFromBytes(raw)
	defer key.Destroy()

	block, err := aes.NewCipher(key.Bytes())
	if err != nil {
		return nil, fmt.Errorf("import key: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}
	return aead, nil
}
