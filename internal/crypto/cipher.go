// Package crypto provides AES-256-GCM authenticated encryption for values stored at rest,
// specifically the handwritten signature images captured when a contract is signed.
// Sealed values carry a version prefix so rows written before encryption was enabled are
// still readable.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/pbkdf2"

	"github.com/membershiphub/esign/internal/config"
)

// sealedPrefix marks a value produced by Seal
const sealedPrefix = "enc:v1:"

const pbkdf2Iterations = 210000

var (
	// ErrKeyLengthInvalid is returned when a key is not exactly 32 bytes
	ErrKeyLengthInvalid = errors.New("crypto: key must be exactly 32 bytes for AES-256")
	// ErrCiphertextCorrupted is returned when a sealed value cannot be decoded
	ErrCiphertextCorrupted = errors.New("crypto: ciphertext is corrupted or tampered")
	// ErrDecryptionFailed is returned when authentication fails, meaning tampering or a wrong key
	ErrDecryptionFailed = errors.New("crypto: decryption operation failed")
	// ErrSaltTooShort is returned when a PBKDF2 salt is shorter than 16 bytes
	ErrSaltTooShort = errors.New("crypto: salt must be at least 16 bytes")
)

// FieldCipher seals and opens individual column values
type FieldCipher struct {
	aead cipher.AEAD
}

// NewFieldCipher creates a cipher from a 32-byte key
func NewFieldCipher(key []byte) (*FieldCipher, error) {
	if len(key) != 32 {
		return nil, ErrKeyLengthInvalid
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &FieldCipher{aead: aead}, nil
}

// DeriveFieldCipher stretches passphrase with PBKDF2-SHA256
func DeriveFieldCipher(passphrase string, salt []byte) (*FieldCipher, error) {
	if len(salt) < 16 {
		return nil, ErrSaltTooShort
	}
	return NewFieldCipher(pbkdf2.Key([]byte(passphrase), salt, pbkdf2Iterations, 32, sha256.New))
}

// FromConfig builds the cipher described by cfg. It returns nil and no error when no key
// material is configured.
func FromConfig(cfg config.EncryptionConfig) (*FieldCipher, error) {
	switch {
	case cfg.Key != "":
		key, err := hex.DecodeString(strings.TrimSpace(cfg.Key))
		if err != nil {
			return nil, fmt.Errorf("crypto: encryption key must be hex encoded: %w", err)
		}
		return NewFieldCipher(key)
	case cfg.Passphrase != "":
		return DeriveFieldCipher(cfg.Passphrase, []byte(cfg.Salt))
	default:
		return nil, nil
	}
}

// Seal encrypts plaintext. The empty string is returned unchanged.
func (c *FieldCipher) Seal(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return sealedPrefix + base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Open decrypts a value produced by Seal. Values without the sealed prefix are returned
// as-is.
func (c *FieldCipher) Open(value string) (string, error) {
	if !IsSealed(value) {
		return value, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(value, sealedPrefix))
	if err != nil {
		return "", ErrCiphertextCorrupted
	}
	n := c.aead.NonceSize()
	if len(raw) < n {
		return "", ErrCiphertextCorrupted
	}
	plaintext, err := c.aead.Open(nil, raw[:n], raw[n:], nil)
	if err != nil {
		return "", ErrDecryptionFailed
	}
	return string(plaintext), nil
}

// IsSealed reports whether value was produced by Seal
func IsSealed(value string) bool {
	return strings.HasPrefix(value, sealedPrefix)
}

// GenerateKey returns a random hex-encoded 32-byte key suitable for security.encryption.key
func GenerateKey() (string, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", err
	}
	return hex.EncodeToString(key), nil
}
