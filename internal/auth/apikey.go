// Package auth provides the credential primitives of the provisioner: bcrypt hashing of
// administrator passwords and generation/verification of the API bearer token that guards
// the provisioning endpoint.
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
	// APITokenLength is the length of the random part of the API token in bytes
	APITokenLength = 32

	// APITokenPrefix marks tokens issued by cmd/hash
	APITokenPrefix = "spv"

	// BcryptCost is the cost factor for bcrypt hashing of API tokens
	BcryptCost = 12
)

// GenerateAPIToken creates a new random bearer token.
// Returns: full token (to show once) and its bcrypt hash (to store in security.api_token_hash).
func GenerateAPIToken(prefix string) (token string, hash string, err error) {
	randomBytes := make([]byte, APITokenLength)
	if _, err = rand.Read(randomBytes); err != nil {
		return "", "", fmt.Errorf("failed to generate random bytes: %w", err)
	}

	token = fmt.Sprintf("%s_%s", prefix, base64.RawURLEncoding.EncodeToString(randomBytes))

	hashBytes, err := bcrypt.GenerateFromPassword([]byte(token), BcryptCost)
	if err != nil {
		return "", "", fmt.Errorf("failed to hash API token: %w", err)
	}

	return token, string(hashBytes), nil
}

// ValidateAPIToken checks if a provided token matches the stored hash
func ValidateAPIToken(providedToken, storedHash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(storedHash), []byte(providedToken)) == nil
}

// ExtractBearerToken extracts the token from an Authorization header
// Expected format: "Bearer spv_abc123xyz..."
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
