// Package models - tenant.go defines the tenant registry record that tracks every
// provisioning attempt from claim to completion.
package models

import (
	"database/sql"
	"time"
)

// TenantStatus is the lifecycle state of a tenant record
type TenantStatus string

const (
	// TenantStatusProvisioning marks a claimed identifier whose pipeline is still running
	TenantStatusProvisioning TenantStatus = "provisioning"
	// TenantStatusActive marks a fully provisioned tenant
	TenantStatusActive TenantStatus = "active"
	// TenantStatusRollbackFailed marks a failed run whose cleanup left resources behind
	TenantStatusRollbackFailed TenantStatus = "rollback_failed"
	// TenantStatusAbandoned marks a claim whose process never finished
	TenantStatusAbandoned TenantStatus = "abandoned"
)

// Tenant represents one row of the tenant registry
type Tenant struct {
	ID             string         `db:"id" json:"id"`
	Identifier     string         `db:"identifier" json:"identifier"`
	DatabaseName   string         `db:"database_name" json:"database_name"`
	BaseURL        string         `db:"base_url" json:"url"`
	StoragePath    string         `db:"storage_path" json:"uploads_path"`
	StorageURL     string         `db:"storage_url" json:"uploads_url"`
	AdminAccountID sql.NullString `db:"admin_account_id" json:"-"`
	Status         TenantStatus   `db:"status" json:"status"`
	FailedStage    sql.NullString `db:"failed_stage" json:"-"`
	LastError      sql.NullString `db:"last_error" json:"-"`
	SeedChecksum   sql.NullString `db:"seed_checksum" json:"-"`
	CreatedAt      time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time      `db:"updated_at" json:"updated_at"`
}

// NeedsOperator reports whether the record describes resources that a person must
// inspect before the identifier can be reused.
func (t *Tenant) NeedsOperator() bool {
	return t.Status == TenantStatusRollbackFailed || t.Status == TenantStatusAbandoned
}

// IsStale reports whether a provisioning claim has outlived maxAge.
func (t *Tenant) IsStale(now time.Time, maxAge time.Duration) bool {
	return t.Status == TenantStatusProvisioning && now.Sub(t.UpdatedAt) > maxAge
}
