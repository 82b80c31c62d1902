package provision

import (
	"context"

	"github.com/site-provisioner/site-provisioner/internal/dbhost"
	"github.com/site-provisioner/site-provisioner/internal/tenant"
)

// NamespaceAllocator derives a tenant's resource names and checks that its database name
// is free on the tenant host.
type NamespaceAllocator struct {
	naming tenant.Naming
	host   dbhost.Host
}

// NewNamespaceAllocator creates an allocator for the given naming convention
func NewNamespaceAllocator(naming tenant.Naming, host dbhost.Host) *NamespaceAllocator {
	return &NamespaceAllocator{naming: naming, host: host}
}

// Derive returns the namespace for identifier, rejecting identifiers whose database name
// would exceed the host's limit.
func (a *NamespaceAllocator) Derive(identifier string) (tenant.Namespace, error) {
	ns := a.naming.Derive(identifier)
	if len(ns.DatabaseName) > a.host.MaxNameLength() {
		return ns, &tenant.ValidationError{Field: tenant.FieldIdentifier, Reason: tenant.ReasonInvalid}
	}
	return ns, nil
}

// Allocate derives the namespace and returns a *CollisionError when its database already
// exists. The check is advisory; CREATE DATABASE reporting the name as taken is the
// authoritative signal.
func (a *NamespaceAllocator) Allocate(ctx context.Context, identifier string) (tenant.Namespace, error) {
	ns, err := a.Derive(identifier)
	if err != nil {
		return ns, err
	}

	exists, err := a.host.DatabaseExists(ctx, ns.DatabaseName)
	if err != nil {
		return ns, provisioningError(msgCheckDatabase, err)
	}
	if exists {
		return ns, &CollisionError{Identifier: identifier, Reason: MsgDatabaseExists}
	}
	return ns, nil
}
