// tenant_repository.go implements TenantRepository, the tenant registry. Inserting a record
// claims an identifier; the unique index on identifier makes the claim exclusive across
// every process sharing the control-plane database.
package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/site-provisioner/site-provisioner/internal/db/models"
)

// ErrTenantExists is returned by Claim when the identifier is already registered.
var ErrTenantExists = errors.New("tenant identifier already claimed")

// TenantRepository handles database operations for the tenant registry
type TenantRepository struct {
	db *sqlx.DB
}

// NewTenantRepository creates a new tenant repository
func NewTenantRepository(db *sqlx.DB) *TenantRepository {
	return &TenantRepository{db: db}
}

// Claim inserts a record in the provisioning state
func (r *TenantRepository) Claim(ctx context.Context, tenant *models.Tenant) error {
	tenant.ID = uuid.New().String()
	tenant.Status = models.TenantStatusProvisioning
	tenant.CreatedAt = time.Now()
	tenant.UpdatedAt = tenant.CreatedAt

	query := `
		INSERT INTO tenants (
			id, identifier, database_name, base_url, storage_path, storage_url,
			status, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	_, err := r.db.ExecContext(ctx, query,
		tenant.ID,
		tenant.Identifier,
		tenant.DatabaseName,
		tenant.BaseURL,
		tenant.StoragePath,
		tenant.StorageURL,
		tenant.Status,
		tenant.CreatedAt,
		tenant.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return ErrTenantExists
	}
	if err != nil {
		return fmt.Errorf("failed to claim tenant: %w", err)
	}
	return nil
}

// GetByIdentifier retrieves a tenant record. Returns nil, nil when absent.
func (r *TenantRepository) GetByIdentifier(ctx context.Context, identifier string) (*models.Tenant, error) {
	query := `
		SELECT id, identifier, database_name, base_url, storage_path, storage_url,
		       admin_account_id, status, failed_stage, last_error, seed_checksum,
		       created_at, updated_at
		FROM tenants
		WHERE identifier = $1
	`

	var tenant models.Tenant
	err := r.db.GetContext(ctx, &tenant, query, identifier)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get tenant: %w", err)
	}
	return &tenant, nil
}

// MarkActive records a completed run
func (r *TenantRepository) MarkActive(ctx context.Context, identifier, adminAccountID, seedChecksum string) error {
	query := `
		UPDATE tenants
		SET status = $2, admin_account_id = $3, seed_checksum = $4,
		    failed_stage = NULL, last_error = NULL, updated_at = $5
		WHERE identifier = $1
	`

	_, err := r.db.ExecContext(ctx, query,
		identifier, models.TenantStatusActive, adminAccountID, nullString(seedChecksum), time.Now())
	if err != nil {
		return fmt.Errorf("failed to mark tenant active: %w", err)
	}
	return nil
}

// MarkRollbackFailed records a failed run whose cleanup did not complete
func (r *TenantRepository) MarkRollbackFailed(ctx context.Context, identifier, stage, lastError string) error {
	query := `
		UPDATE tenants
		SET status = $2, failed_stage = $3, last_error = $4, updated_at = $5
		WHERE identifier = $1
	`

	_, err := r.db.ExecContext(ctx, query,
		identifier, models.TenantStatusRollbackFailed, stage, lastError, time.Now())
	if err != nil {
		return fmt.Errorf("failed to mark tenant rollback_failed: %w", err)
	}
	return nil
}

// Release deletes a record that is still in the provisioning state
func (r *TenantRepository) Release(ctx context.Context, identifier string) error {
	query := `DELETE FROM tenants WHERE identifier = $1 AND status = $2`
	if _, err := r.db.ExecContext(ctx, query, identifier, models.TenantStatusProvisioning); err != nil {
		return fmt.Errorf("failed to release tenant claim: %w", err)
	}
	return nil
}

// AbandonStale moves provisioning records not updated since cutoff to abandoned and
// returns their identifiers
func (r *TenantRepository) AbandonStale(ctx context.Context, cutoff time.Time) ([]string, error) {
	query := `
		UPDATE tenants
		SET status = $1, last_error = $2, updated_at = $3
		WHERE status = $4 AND updated_at < $5
		RETURNING identifier
	`

	var identifiers []string
	err := r.db.SelectContext(ctx, &identifiers, query,
		models.TenantStatusAbandoned,
		"provisioning did not finish",
		time.Now(),
		models.TenantStatusProvisioning,
		cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to abandon stale tenants: %w", err)
	}
	return identifiers, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
