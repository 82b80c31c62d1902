// Package storage defines the Storage interface implemented by every backend that can hold
// a tenant's uploads namespace.
//
// A namespace is a directory on the local backend and a key prefix carrying a zero-byte
// marker object on the object-store backends. Backends register with the factory from an
// init() function in their own package:
//
//	func init() {
//	    storage.Register("mybackend", func(cfg *config.Config) (storage.Storage, error) {
//	        return NewMyBackend(cfg)
//	    })
//	}
//
// cmd/server imports each backend with a blank import to trigger init().
package storage

import (
	"context"
	"errors"
	"fmt"
	"regexp"
)

// MarkerName is the object written under a namespace prefix by the object-store backends.
const MarkerName = ".keep"

var (
	// ErrNotDirectory is returned when the namespace path is taken by something other
	// than a namespace.
	ErrNotDirectory = errors.New("storage path exists and is not a directory")
	// ErrInvalidKey is returned for keys that are not a single safe path segment.
	ErrInvalidKey = errors.New("invalid storage key")
)

var keyPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// Storage defines the interface for all storage backends
type Storage interface {
	// EnsureDir creates the namespace for key. created is false when it already existed,
	// which is not an error.
	EnsureDir(ctx context.Context, key string) (created bool, err error)

	// RemoveDir deletes the namespace for key and everything under it. Removing a
	// namespace that does not exist succeeds.
	RemoveDir(ctx context.Context, key string) error

	// Exists reports whether the namespace for key exists
	Exists(ctx context.Context, key string) (bool, error)

	// Location returns the backend-qualified location of the namespace, for logs and the
	// tenant record
	Location(key string) string
}

// ValidateKey checks that key is a single lowercase path segment
func ValidateKey(key string) error {
	if !keyPattern.MatchString(key) {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return nil
}

// ObjectPrefix returns the object name prefix for key under an optional backend prefix,
// always ending in "/"
func ObjectPrefix(prefix, key string) string {
	for len(prefix) > 0 && prefix[len(prefix)-1] == '/' {
		prefix = prefix[:len(prefix)-1]
	}
	for len(prefix) > 0 && prefix[0] == '/' {
		prefix = prefix[1:]
	}
	if prefix == "" {
		return key + "/"
	}
	return prefix + "/" + key + "/"
}

// MarkerKey returns the marker object name for key
func MarkerKey(prefix, key string) string {
	return ObjectPrefix(prefix, key) + MarkerName
}
