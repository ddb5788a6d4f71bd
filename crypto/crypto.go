// Package crypto seals cached credential artifacts at rest. It implements
// AES-256-GCM authenticated encryption where every ciphertext is bound to a
// label (the artifact it belongs to) through the GCM additional data, so a
// sealed access token cannot be swapped into another slot unnoticed.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

// ErrOpen is returned when a ciphertext fails authentication.
var ErrOpen = errors.New("decryption failed: authentication or integrity check failed")

// Sealer encrypts and decrypts artifacts with authenticated encryption.
type Sealer interface {
	// Seal returns nonce || ciphertext || tag for plaintext bound to label.
	Seal(plaintext []byte, label string) ([]byte, error)
	// Open reverses Seal. The label must match the one used to seal.
	Open(sealed []byte, label string) ([]byte, error)
}

// AESSealer implements Sealer using AES-256-GCM.
type AESSealer struct {
	aead cipher.AEAD
}

// NewAESSealer creates a sealer from a base64-encoded 32-byte key.
// Generate one with:
//
//	openssl rand -base64 32
func NewAESSealer(base64Key string) (*AESSealer, error) {
	if base64Key == "" {
		return nil, fmt.Errorf("encryption key is empty")
	}
	key, err := base64.StdEncoding.DecodeString(base64Key)
	if err != nil {
		return nil, fmt.Errorf("invalid encryption key: base64 decode failed: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("invalid encryption key: must be 32 bytes (256 bits), got %d bytes", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return &AESSealer{aead: aead}, nil
}

// FromKey returns a Sealer for key, or nil when key is empty (sealing disabled).
func FromKey(base64Key string) (Sealer, error) {
	if base64Key == "" {
		return nil, nil
	}
	s, err := NewAESSealer(base64Key)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (s *AESSealer) Seal(plaintext []byte, label string) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, fmt.Errorf("plaintext is empty")
	}
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return s.aead.Seal(nonce, nonce, plaintext, []byte(label)), nil
}

func (s *AESSealer) Open(sealed []byte, label string) ([]byte, error) {
	n := s.aead.NonceSize()
	if len(sealed) < n+s.aead.Overhead() {
		return nil, fmt.Errorf("ciphertext too short: got %d bytes", len(sealed))
	}
	plaintext, err := s.aead.Open(nil, sealed[:n], sealed[n:], []byte(label))
	if err != nil {
		// don't leak cipher internals
		return nil, ErrOpen
	}
	return plaintext, nil
}

// SealString seals plaintext and returns base64 suitable for JSON fields and text columns.
// An empty plaintext stays empty.
func SealString(s Sealer, plaintext, label string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	b, err := s.Seal([]byte(plaintext), label)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

// OpenString reverses SealString.
func OpenString(s Sealer, sealed, label string) (string, error) {
	if sealed == "" {
		return "", nil
	}
	b, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", fmt.Errorf("base64 decode failed: %w", err)
	}
	plaintext, err := s.Open(b, label)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}
