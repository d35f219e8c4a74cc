// Package encryption seals cold-tier objects with AES-GCM.
package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// ErrOpen is returned when a ciphertext fails authentication, which covers
// a wrong key, tampering, and an object stored under a different record key.
var ErrOpen = errors.New("ciphertext failed authentication")

// Cipher provides authenticated encryption with a random nonce per message.
// It is safe for concurrent use.
type Cipher struct {
	gcm cipher.AEAD
}

// NewCipher creates a Cipher. The key must be 16, 24, or 32 bytes long to
// select AES-128, AES-192, or AES-256 respectively.
func NewCipher(key []byte) (*Cipher, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &Cipher{gcm: gcm}, nil
}

// LoadKeyFile reads a hex encoded AES key from path.
func LoadKeyFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}
	key, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("key file %s: want hex: %w", path, err)
	}
	switch len(key) {
	case 16, 24, 32:
		return key, nil
	}
	return nil, fmt.Errorf("key file %s: key is %d bytes, want 16, 24 or 32", path, len(key))
}

// Overhead is how many bytes Seal adds to a plaintext.
func (c *Cipher) Overhead() int { return c.gcm.NonceSize() + c.gcm.Overhead() }

// Seal encrypts plaintext and binds it to aad. The nonce is prepended.
func (c *Cipher) Seal(plaintext, aad []byte) ([]byte, error) {
	nonce := make([]byte, c.gcm.NonceSize(), c.gcm.NonceSize()+len(plaintext)+c.gcm.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return c.gcm.Seal(nonce, nonce, plaintext, aad), nil
}

// Open reverses Seal. aad must match what Seal was given.
func (c *Cipher) Open(ciphertext, aad []byte) ([]byte, error) {
	nonceSize := c.gcm.NonceSize()
	if len(ciphertext) < nonceSize+c.gcm.Overhead() {
		return nil, fmt.Errorf("%w: ciphertext is too short", ErrOpen)
	}
	plaintext, err := c.gcm.Open(nil, ciphertext[:nonceSize], ciphertext[nonceSize:], aad)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOpen, err)
	}
	return plaintext, nil
}
