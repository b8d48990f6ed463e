package storage

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
)

// columnCipherPrefix tags ciphertext produced by columnCipher so legacy
// plaintext rows (written before encryption was introduced) can still be
// read back without a migration.
const columnCipherPrefix = "enc:v1:"

// columnCipher encrypts sensitive store columns (channel connection secrets,
// MCP server credentials) with ChaCha20-Poly1305. Values already in the
// store from before encryption was enabled are plain text and decrypt as a
// pass-through.
type columnCipher struct {
	aead interface {
		Seal(dst, nonce, plaintext, additionalData []byte) []byte
		Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
		NonceSize() int
	}
}

// newColumnCipher derives an AEAD from a 32-byte key. Returns an error if
// the key is not exactly chacha20poly1305.KeySize bytes.
func newColumnCipher(key []byte) (*columnCipher, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("storage: encryption key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("storage: init cipher: %w", err)
	}
	return &columnCipher{aead: aead}, nil
}

// Encrypt seals plaintext and returns a base64 string tagged with the
// cipher prefix.
func (c *columnCipher) Encrypt(plaintext string) (string, error) {
	if c == nil {
		return plaintext, nil
	}
	if plaintext == "" {
		return "", nil
	}
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("storage: generate nonce: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return columnCipherPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a value previously produced by Encrypt. Values without the
// cipher prefix are assumed to be legacy plaintext and returned unchanged,
// so enabling encryption never breaks rows written before it was turned on.
func (c *columnCipher) Decrypt(stored string) (string, error) {
	if stored == "" {
		return "", nil
	}
	if len(stored) < len(columnCipherPrefix) || stored[:len(columnCipherPrefix)] != columnCipherPrefix {
		return stored, nil
	}
	if c == nil {
		return "", errors.New("storage: value is encrypted but no cipher is configured")
	}
	raw, err := base64.StdEncoding.DecodeString(stored[len(columnCipherPrefix):])
	if err != nil {
		return "", fmt.Errorf("storage: decode ciphertext: %w", err)
	}
	nonceSize := c.aead.NonceSize()
	if len(raw) < nonceSize {
		return "", errors.New("storage: ciphertext too short")
	}
	nonce, ciphertext := raw[:nonceSize], raw[nonceSize:]
	plaintext, err := c.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("storage: decrypt: %w", err)
	}
	return string(plaintext), nil
}
