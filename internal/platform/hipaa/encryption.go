// Package hipaa protects PHI stored at rest. Free-text fields such as visit
// transcripts and summaries are sealed with AES-256-GCM before they reach the
// database.
package hipaa

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// sealedPrefix marks a stored value as ciphertext, so rows written before a
// key was configured still read back as plaintext. The key version follows:
// "enc:v1:<base64>".
const sealedPrefix = "enc:v"

var (
	ErrKeyRequired       = errors.New("phi decrypt: value is encrypted but no key is configured")
	ErrUnknownKeyVersion = errors.New("phi decrypt: no key for this version")
)

// FieldCipher seals and opens individual column values. bind ties a value to
// its row (for example the owning user id) so ciphertext cannot be moved
// between rows.
type FieldCipher interface {
	Seal(plaintext, bind string) (string, error)
	Open(stored, bind string) (string, error)
}

// NewFieldCipher builds a cipher from a hex-encoded 32-byte key. An empty key
// yields Plaintext.
func NewFieldCipher(hexKey string) (FieldCipher, error) {
	if hexKey == "" {
		return Plaintext{}, nil
	}
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("phi encryptor: key is not valid hex: %w", err)
	}
	return NewPHIEncryptor(key)
}

// IsSealed reports whether a stored value is ciphertext.
func IsSealed(stored string) bool {
	return strings.HasPrefix(stored, sealedPrefix)
}

// PHIEncryptor provides AES-256-GCM field-level encryption for PHI data.
type PHIEncryptor struct {
	aead    cipher.AEAD
	version int
}

// NewPHIEncryptor creates a version 1 encryptor with the given 32-byte
// AES-256 key.
func NewPHIEncryptor(key []byte) (*PHIEncryptor, error) {
	return newVersionedEncryptor(key, 1)
}

func newVersionedEncryptor(key []byte, version int) (*PHIEncryptor, error) {
	if version < 1 {
		return nil, fmt.Errorf("phi encryptor: key version must be positive, got %d", version)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("phi encryptor: key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("phi encryptor: create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("phi encryptor: create GCM: %w", err)
	}
	return &PHIEncryptor{aead: aead, version: version}, nil
}

// Seal encrypts plaintext. Empty strings stay empty so optional columns keep
// their meaning.
func (e *PHIEncryptor) Seal(plaintext, bind string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("phi encrypt: generate nonce: %w", err)
	}
	// Seal appends the ciphertext to nonce.
	sealed := e.aead.Seal(nonce, nonce, []byte(plaintext), []byte(bind))
	return fmt.Sprintf("%s%d:%s", sealedPrefix, e.version, base64.StdEncoding.EncodeToString(sealed)), nil
}

// Version is the key version written into sealed values.
func (e *PHIEncryptor) Version() int { return e.version }

// Open decrypts a value written by Seal. Values without the sealed prefix are
// returned unchanged.
func (e *PHIEncryptor) Open(stored, bind string) (string, error) {
	if !IsSealed(stored) {
		return stored, nil
	}
	version, body, err := splitSealed(stored)
	if err != nil {
		return "", err
	}
	if version != e.version {
		return "", fmt.Errorf("%w: v%d", ErrUnknownKeyVersion, version)
	}
	return e.open(body, bind)
}

func (e *PHIEncryptor) open(body, bind string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(body)
	if err != nil {
		return "", fmt.Errorf("phi decrypt: base64 decode: %w", err)
	}
	nonceSize := e.aead.NonceSize()
	if len(data) < nonceSize {
		return "", fmt.Errorf("phi decrypt: ciphertext too short")
	}
	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := e.aead.Open(nil, nonce, ciphertext, []byte(bind))
	if err != nil {
		return "", fmt.Errorf("phi decrypt: %w", err)
	}
	return string(plaintext), nil
}

// splitSealed separates "enc:v<version>:<body>".
func splitSealed(stored string) (int, string, error) {
	rest := strings.TrimPrefix(stored, sealedPrefix)
	idx := strings.Index(rest, ":")
	if idx <= 0 {
		return 0, "", fmt.Errorf("phi decrypt: malformed sealed value")
	}
	version, err := strconv.Atoi(rest[:idx])
	if err != nil {
		return 0, "", fmt.Errorf("phi decrypt: invalid key version: %w", err)
	}
	return version, rest[idx+1:], nil
}

// Plaintext stores values as-is. Used in development when no key is set.
type Plaintext struct{}

func (Plaintext) Seal(plaintext, _ string) (string, error) { return plaintext, nil }

func (Plaintext) Open(stored, _ string) (string, error) {
	if IsSealed(stored) {
		return "", ErrKeyRequired
	}
	return stored, nil
}
