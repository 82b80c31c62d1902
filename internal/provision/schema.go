package provision

import (
	"context"
	"errors"

	"github.com/site-provisioner/site-provisioner/internal/dbhost"
	"github.com/site-provisioner/site-provisioner/internal/seed"
	"github.com/site-provisioner/site-provisioner/internal/tenant"
)

// ScriptLoader supplies the current seed script
type ScriptLoader interface {
	Load(ctx context.Context) (*seed.Script, error)
}

// SchemaResult describes what a schema run did. Created is true as soon as the database
// exists, even when seeding it failed afterwards.
type SchemaResult struct {
	Created    bool
	Checksum   string
	Statements int
}

// SchemaProvisioner creates a tenant database and loads the seed script into it
type SchemaProvisioner struct {
	host  dbhost.Host
	seeds ScriptLoader
}

// NewSchemaProvisioner creates a schema provisioner
func NewSchemaProvisioner(host dbhost.Host, seeds ScriptLoader) *SchemaProvisioner {
	return &SchemaProvisioner{host: host, seeds: seeds}
}

// Provision loads the seed script, creates ns.DatabaseName and executes the script in it.
// The script is loaded first so that a missing or empty seed never leaves an empty
// database behind.
func (p *SchemaProvisioner) Provision(ctx context.Context, ns tenant.Namespace) (*SchemaResult, error) {
	script, err := p.seeds.Load(ctx)
	switch {
	case errors.Is(err, seed.ErrNotFound):
		return &SchemaResult{}, &ProvisioningError{Message: MsgSeedNotFound, Err: err}
	case errors.Is(err, seed.ErrEmpty):
		return &SchemaResult{}, &ProvisioningError{Message: MsgSeedEmpty, Err: err}
	case err != nil:
		return &SchemaResult{}, provisioningError(msgLoadSeed, err)
	}

	result := &SchemaResult{Checksum: script.Checksum, Statements: len(script.Statements)}

	if err := p.host.CreateDatabase(ctx, ns.DatabaseName); err != nil {
		if errors.Is(err, dbhost.ErrDatabaseExists) {
			return result, &CollisionError{Identifier: ns.Identifier, Reason: MsgDatabaseExists, Err: err}
		}
		return result, provisioningError(msgCreateDatabase, err)
	}
	result.Created = true

	if err := p.host.ExecScript(ctx, ns.DatabaseName, script.Statements); err != nil {
		return result, provisioningError(MsgSeedImport, err)
	}
	return result, nil
}

// Drop removes the tenant database
func (p *SchemaProvisioner) Drop(ctx context.Context, ns tenant.Namespace) error {
	return p.host.DropDatabase(ctx, ns.DatabaseName)
}
