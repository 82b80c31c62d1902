// factory.go maps backend names (local, s3, azure, gcs) to constructor functions and
// dispatches NewStorage calls.
package storage

import (
	"fmt"
	"sort"

	"github.com/site-provisioner/site-provisioner/internal/config"
)

// FactoryFunc creates a storage backend from the application configuration
type FactoryFunc func(*config.Config) (Storage, error)

var factories = make(map[string]FactoryFunc)

// Register registers a storage backend factory
func Register(name string, factory FactoryFunc) {
	factories[name] = factory
}

// Backends returns the registered backend names in sorted order
func Backends() []string {
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NewStorage creates the storage backend selected by storage.default_backend
func NewStorage(cfg *config.Config) (Storage, error) {
	factory, ok := factories[cfg.Storage.DefaultBackend]
	if !ok {
		return nil, fmt.Errorf("unsupported storage backend: %s (registered: %v)", cfg.Storage.DefaultBackend, Backends())
	}

	return factory(cfg)
}
