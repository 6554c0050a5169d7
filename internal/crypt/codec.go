// Package crypt seals and opens memory content with AES-256-GCM.
package crypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
)

// KeySize is the AES-256 key length in bytes.
const KeySize = 32

// ErrDecrypt is returned when ciphertext is malformed, truncated, or was
// produced under a different key. Callers must treat it as "content
// unavailable", never as a fatal condition.
var ErrDecrypt = errors.New("crypt: decryption failed")

// Codec encrypts and decrypts record content under a single
// process-lifetime key. Safe for concurrent use.
type Codec struct {
	aead cipher.AEAD
}

// New creates a Codec from a 32-byte key.
func New(key []byte) (*Codec, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("crypt: key must be %d bytes, got %d", KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypt: init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypt: init gcm: %w", err)
	}
	return &Codec{aead: aead}, nil
}

// NewFromHex creates a Codec from a 64-character hex-encoded key.
func NewFromHex(s string) (*Codec, error) {
	key, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("crypt: decode hex key: %w", err)
	}
	return New(key)
}

// NewEphemeral creates a Codec with a fresh random key. Content sealed
// under an ephemeral key is unreadable once the process exits.
func NewEphemeral() (*Codec, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("crypt: generate key: %w", err)
	}
	return New(key)
}

// Encrypt seals plaintext and returns nonce||ciphertext.
func (c *Codec) Encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("crypt: generate nonce: %w", err)
	}
	return c.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens data produced by Encrypt.
func (c *Codec) Decrypt(data []byte) ([]byte, error) {
	ns := c.aead.NonceSize()
	if len(data) < ns {
		return nil, ErrDecrypt
	}
	plaintext, err := c.aead.Open(nil, data[:ns], data[ns:], nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}
