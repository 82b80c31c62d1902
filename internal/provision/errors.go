package provision

import (
	"errors"
	"fmt"
)

// Messages reported to the caller
const (
	MsgInvalidRequest  = "Missing or invalid required fields"
	MsgDatabaseExists  = "Database already exists"
	MsgInProgress      = "Site provisioning already in progress"
	MsgSeedNotFound    = "SQL file not found"
	MsgSeedEmpty       = "SQL file is empty"
	MsgSeedImport      = "Error importing SQL file"
	MsgIdentity        = "Error creating admin user"
	MsgStorage         = "Failed to create uploads folder"
	MsgSiteCreated     = "Site created successfully"
	msgCreateDatabase  = "Failed to create database"
	msgCheckDatabase   = "Failed to check database"
	msgLoadSeed        = "Failed to load SQL file"
	msgRewriteOptions  = "Error updating site options"
	msgRegistry        = "Failed to record site"
	msgLockUnavailable = "Failed to acquire provisioning lock"
)

// Stage names one step of the provisioning pipeline
type Stage string

// Pipeline stages, in execution order
const (
	StageValidating           Stage = "validating"
	StageAllocating           Stage = "allocating"
	StageSchemaLoading        Stage = "schema_loading"
	StageConfigRewriting      Stage = "config_rewriting"
	StageIdentityProvisioning Stage = "identity_provisioning"
	StageStorageAllocating    Stage = "storage_allocating"
	StageRecording            Stage = "recording"
)

// CollisionError is returned when the identifier is already taken or being provisioned.
type CollisionError struct {
	Identifier string
	Reason     string
	Err        error
}

func (e *CollisionError) Error() string { return e.Reason }

func (e *CollisionError) Unwrap() error { return e.Err }

// ProvisioningError is returned when the tenant database could not be created, seeded or
// configured. Message is the caller-facing text.
type ProvisioningError struct {
	Message string
	Err     error
}

func (e *ProvisioningError) Error() string { return e.Message }

func (e *ProvisioningError) Unwrap() error { return e.Err }

func provisioningError(msg string, err error) *ProvisioningError {
	if err == nil {
		return &ProvisioningError{Message: msg}
	}
	return &ProvisioningError{Message: msg + ": " + err.Error(), Err: err}
}

// IdentityError is returned when the administrator account could not be created or updated.
type IdentityError struct {
	Username string
	Err      error
}

func (e *IdentityError) Error() string { return fmt.Sprintf("%s: %v", MsgIdentity, e.Err) }

func (e *IdentityError) Unwrap() error { return e.Err }

// StorageError is returned when the storage namespace could not be allocated.
type StorageError struct {
	Path string
	Err  error
}

func (e *StorageError) Error() string { return fmt.Sprintf("%s %s: %v", MsgStorage, e.Path, e.Err) }

func (e *StorageError) Unwrap() error { return e.Err }

// StageError records the stage at which a run stopped. Err is one of the error kinds of
// this package or a *tenant.ValidationError.
type StageError struct {
	Stage Stage
	Err   error
	// TimedOut is set when the stage's deadline expired.
	TimedOut bool
	// RollbackErr holds the compensation failures, if any. It is not part of the chain
	// returned by Unwrap.
	RollbackErr error
}

func (e *StageError) Error() string { return fmt.Sprintf("%s: %v", e.Stage, e.Err) }

func (e *StageError) Unwrap() error { return e.Err }

// RolledBack reports whether every completed step was undone.
func (e *StageError) RolledBack() bool { return e.RollbackErr == nil }

// FailedStage returns the stage recorded in err, or "" when err carries none.
func FailedStage(err error) Stage {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage
	}
	return ""
}
