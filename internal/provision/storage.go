package provision

import (
	"context"

	"github.com/site-provisioner/site-provisioner/internal/storage"
	"github.com/site-provisioner/site-provisioner/internal/tenant"
)

// StorageAllocator creates a tenant's uploads namespace on the configured backend
type StorageAllocator struct {
	backend storage.Storage
}

// NewStorageAllocator creates a storage allocator
func NewStorageAllocator(backend storage.Storage) *StorageAllocator {
	return &StorageAllocator{backend: backend}
}

// Allocate ensures the namespace exists and returns the uploads path recorded in the
// tenant's options. An existing namespace is success with created false.
func (a *StorageAllocator) Allocate(ctx context.Context, ns tenant.Namespace) (path string, created bool, err error) {
	created, err = a.backend.EnsureDir(ctx, ns.StorageKey)
	if err != nil {
		return ns.StoragePath, false, &StorageError{Path: a.backend.Location(ns.StorageKey), Err: err}
	}
	return ns.StoragePath, created, nil
}

// Release removes the namespace
func (a *StorageAllocator) Release(ctx context.Context, ns tenant.Namespace) error {
	return a.backend.RemoveDir(ctx, ns.StorageKey)
}
