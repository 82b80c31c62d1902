// Package checksum provides SHA-256 helpers. The seed loader records the checksum of every
// script it loads so each tenant record shows which seed it was built from, and an operator
// can pin the expected checksum in configuration.
package checksum

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
)

// CalculateSHA256 calculates the SHA256 checksum of data from a reader
func CalculateSHA256(reader io.Reader) (string, error) {
	hasher := sha256.New()

	if _, err := io.Copy(hasher, reader); err != nil {
		return "", fmt.Errorf("failed to calculate checksum: %w", err)
	}

	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// Matches reports whether sum equals a pinned checksum. The pin is compared without
// surrounding whitespace and case-insensitively, as operators paste it from sha256sum.
func Matches(sum, pinned string) bool {
	return sum == strings.ToLower(strings.TrimSpace(pinned))
}
