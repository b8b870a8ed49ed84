// Package auth provides authentication primitives for the signing service: bearer JWT
// verification with permission scopes, and single-contract signing-link tokens.
// Signing-link tokens are emailed to the first signer and stored only as bcrypt hashes.
// See internal/middleware/auth.go for the request-time logic that uses these primitives.
package auth

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

const (
	// SigningTokenPrefix marks tokens issued for signing links
	SigningTokenPrefix = "sgn"

	// SigningTokenLength is the length of the random part of the token in bytes
	SigningTokenLength = 32

	// BcryptCost is the cost factor for bcrypt hashing
	BcryptCost = 12
)

// GenerateSigningToken creates a new random signing-link token.
// Returns the token (sent once, in the invitation email) and its bcrypt hash (stored).
func GenerateSigningToken() (token string, hash string, err error) {
	randomBytes := make([]byte, SigningTokenLength)
	if _, err = rand.Read(randomBytes); err != nil {
		return "", "", fmt.Errorf("failed to generate random bytes: %w", err)
	}

	token = SigningTokenPrefix + "_" + base64.RawURLEncoding.EncodeToString(randomBytes)

	hashBytes, err := bcrypt.GenerateFromPassword([]byte(token), BcryptCost)
	if err != nil {
		return "", "", fmt.Errorf("failed to hash signing token: %w", err)
	}

	return token, string(hashBytes), nil
}

// ValidateSigningToken checks if a provided token matches the stored hash
func ValidateSigningToken(providedToken, storedHash string) bool {
	if providedToken == "" || storedHash == "" {
		return false
	}
	err := bcrypt.CompareHashAndPassword([]byte(storedHash), []byte(providedToken))
	return err == nil
}

// ExtractBearerToken extracts the token from an Authorization header
// Expected format: "Bearer eyJhbGciOi..."
func ExtractBearerToken(header string) (string, error) {
	if header == "" {
		return "", errors.New("authorization header is empty")
	}

	if !strings.HasPrefix(header, "Bearer ") {
		return "", errors.New("authorization header must start with 'Bearer '")
	}

	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		return "", errors.New("token is empty after Bearer prefix")
	}

	return token, nil
}
