// Package models - account.go defines the shared administrator account and the metadata rows
// that link an account to the tenant databases it administers.
package models

import "time"

// RoleAdministrator is the role given to accounts created for a new tenant.
const RoleAdministrator = "administrator"

// MetaKeyTenantDatabase links an account to a tenant database; one row per tenant.
const MetaKeyTenantDatabase = "tenant_database"

// Account represents an administrator in the shared identity store
type Account struct {
	ID           string    `db:"id" json:"id"`
	Username     string    `db:"username" json:"username"`
	Email        string    `db:"email" json:"email"`
	PasswordHash string    `db:"password_hash" json:"-"`
	Role         string    `db:"role" json:"role"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time `db:"updated_at" json:"updated_at"`
}

// AccountMeta is a key/value pair attached to an account
type AccountMeta struct {
	AccountID string    `db:"account_id" json:"account_id"`
	Key       string    `db:"meta_key" json:"key"`
	Value     string    `db:"meta_value" json:"value"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}
