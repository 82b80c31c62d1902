// Package tenant holds the request and namespace types of a tenant together with the pure
// rules that validate an incoming request and derive every resource name from it. Nothing
// in this package performs I/O.
package tenant

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Field length limits. Identifiers stay usable as a single DNS label; passwords stay
// within the 72 bytes bcrypt hashes.
const (
	MaxIdentifierLength = 63
	MaxUsernameLength   = 60
	MaxPasswordLength   = 72
)

// Validation failure reasons
const (
	ReasonMissing = "missing"
	ReasonInvalid = "invalid"
)

// Request field names, as they appear on the wire
const (
	FieldIdentifier    = "subdomain"
	FieldAdminEmail    = "email"
	FieldAdminUsername = "admin_user"
	FieldAdminPassword = "admin_pass"
)

var validate = validator.New()

// RawRequest is an unvalidated provisioning request as received from the caller.
type RawRequest struct {
	Identifier    string `json:"subdomain" form:"subdomain"`
	AdminEmail    string `json:"email" form:"email"`
	AdminUsername string `json:"admin_user" form:"admin_user"`
	AdminPassword string `json:"admin_pass" form:"admin_pass"`
}

// Request is a validated provisioning request. Identifier is normalized to lowercase.
type Request struct {
	Identifier    string
	AdminEmail    string
	AdminUsername string
	AdminPassword string
}

// ValidationError names the first request field that failed validation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s is %s", e.Field, e.Reason)
}

// ValidateIdentifier normalizes raw and checks it against the identifier alphabet
// [a-z0-9-]. Only ASCII letters are case-folded, so no other character can fold into
// the alphabet. Leading and trailing hyphens are rejected.
func ValidateIdentifier(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", &ValidationError{Field: FieldIdentifier, Reason: ReasonMissing}
	}
	if len(trimmed) > MaxIdentifierLength || trimmed[0] == '-' || trimmed[len(trimmed)-1] == '-' {
		return "", &ValidationError{Field: FieldIdentifier, Reason: ReasonInvalid}
	}

	id := make([]byte, len(trimmed))
	for i := 0; i < len(trimmed); i++ {
		c := trimmed[i]
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		if (c < 'a' || c > 'z') && (c < '0' || c > '9') && c != '-' {
			return "", &ValidationError{Field: FieldIdentifier, Reason: ReasonInvalid}
		}
		id[i] = c
	}
	return string(id), nil
}

// ValidateRequest checks every field of raw and returns the normalized request.
func ValidateRequest(raw RawRequest) (Request, error) {
	id, err := ValidateIdentifier(raw.Identifier)
	if err != nil {
		return Request{}, err
	}

	email := strings.TrimSpace(raw.AdminEmail)
	if email == "" {
		return Request{}, &ValidationError{Field: FieldAdminEmail, Reason: ReasonMissing}
	}
	if err := validate.Var(email, "email"); err != nil {
		return Request{}, &ValidationError{Field: FieldAdminEmail, Reason: ReasonInvalid}
	}

	username := strings.TrimSpace(raw.AdminUsername)
	if username == "" {
		return Request{}, &ValidationError{Field: FieldAdminUsername, Reason: ReasonMissing}
	}
	if len(username) > MaxUsernameLength {
		return Request{}, &ValidationError{Field: FieldAdminUsername, Reason: ReasonInvalid}
	}

	if raw.AdminPassword == "" {
		return Request{}, &ValidationError{Field: FieldAdminPassword, Reason: ReasonMissing}
	}
	if len(raw.AdminPassword) > MaxPasswordLength {
		return Request{}, &ValidationError{Field: FieldAdminPassword, Reason: ReasonInvalid}
	}

	return Request{
		Identifier:    id,
		AdminEmail:    email,
		AdminUsername: username,
		AdminPassword: raw.AdminPassword,
	}, nil
}
