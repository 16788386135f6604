// Package keyvault encrypts private key material at rest under the node's
// master key.
package keyvault

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// ErrDecrypt is returned when a sealed value cannot be opened.
var ErrDecrypt = errors.New("keyvault: unable to decrypt value")

// Sealer derives one XChaCha20-Poly1305 key per purpose from the master key.
type Sealer struct {
	master []byte
}

// New returns a Sealer over the given master key (16, 24 or 32 bytes).
func New(master []byte) (*Sealer, error) {
	switch len(master) {
	case 16, 24, 32:
	default:
		return nil, fmt.Errorf("master key must be 16, 24 or 32 bytes, got %d", len(master))
	}
	key := make([]byte, len(master))
	copy(key, master)
	return &Sealer{master: key}, nil
}

// NewEphemeral returns a Sealer with a random master key. Values sealed by it
// do not survive a restart.
func NewEphemeral() *Sealer {
	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		panic(fmt.Sprintf("keyvault: read random: %v", err))
	}
	return &Sealer{master: key}
}

// Seal encrypts plaintext for purpose and returns base64(nonce || ciphertext).
func (s *Sealer) Seal(purpose string, plaintext []byte) (string, error) {
	aead, err := s.aead(purpose)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, plaintext, []byte(purpose))
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open reverses Seal. The purpose must match the one used to seal.
func (s *Sealer) Open(purpose, sealed string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return nil, ErrDecrypt
	}
	aead, err := s.aead(purpose)
	if err != nil {
		return nil, err
	}
	if len(raw) < aead.NonceSize()+aead.Overhead() {
		return nil, ErrDecrypt
	}
	nonce, ciphertext := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ciphertext, []byte(purpose))
	if err != nil {
		return nil, ErrDecrypt
	}
	return plain, nil
}

func (s *Sealer) aead(purpose string) (cipher.AEAD, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	kdf := hkdf.New(sha256.New, s.master, nil, []byte("quantumshield/"+purpose))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return chacha20poly1305.NewX(key)
}

// ParseMasterKey accepts a raw 16/24/32 byte string or its base64/hex encoding.
func ParseMasterKey(value string) ([]byte, error) {
	if value == "" {
		return nil, errors.New("missing master key")
	}

	if l := len(value); l == 16 || l == 24 || l == 32 {
		return []byte(value), nil
	}

	if decoded, err := base64.StdEncoding.DecodeString(value); err == nil {
		if l := len(decoded); l == 16 || l == 24 || l == 32 {
			return decoded, nil
		}
	}

	if decoded, err := hex.DecodeString(value); err == nil {
		if l := len(decoded); l == 16 || l == 24 || l == 32 {
			return decoded, nil
		}
	}

	return nil, errors.New("must be raw 16/24/32 byte string or base64/hex encoding of that length")
}
