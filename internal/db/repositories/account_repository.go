// Package repositories implements the data access layer for the control-plane database.
// Each repository type encapsulates all queries for one entity; the provisioning pipeline
// reaches the database only through these types or through interfaces they satisfy.
package repositories

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/site-provisioner/site-provisioner/internal/db/models"
)

// ErrDuplicateUsername is returned by CreateAccount when the username is already taken.
var ErrDuplicateUsername = errors.New("username already exists")

// pqUniqueViolation is the PostgreSQL SQLSTATE for unique_violation.
const pqUniqueViolation = "23505"

// AccountRepository handles administrator account and account metadata operations
type AccountRepository struct {
	db *sql.DB
}

// NewAccountRepository creates a new AccountRepository
func NewAccountRepository(db *sql.DB) *AccountRepository {
	return &AccountRepository{db: db}
}

// CreateAccount inserts a new account and fills in its ID and timestamps
func (r *AccountRepository) CreateAccount(ctx context.Context, account *models.Account) error {
	account.ID = uuid.New().String()
	account.CreatedAt = time.Now()
	account.UpdatedAt = account.CreatedAt
	if account.Role == "" {
		account.Role = models.RoleAdministrator
	}

	query := `
		INSERT INTO accounts (id, username, email, password_hash, role, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err := r.db.ExecContext(ctx, query,
		account.ID,
		account.Username,
		account.Email,
		account.PasswordHash,
		account.Role,
		account.CreatedAt,
		account.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return ErrDuplicateUsername
	}
	return err
}

// GetAccountByUsername retrieves an account by username. Returns nil, nil when absent.
func (r *AccountRepository) GetAccountByUsername(ctx context.Context, username string) (*models.Account, error) {
	query := `
		SELECT id, username, email, password_hash, role, created_at, updated_at
		FROM accounts
		WHERE username = $1
	`
	return r.scanAccount(r.db.QueryRowContext(ctx, query, username))
}

// GetAccountByID retrieves an account by ID. Returns nil, nil when absent.
func (r *AccountRepository) GetAccountByID(ctx context.Context, id string) (*models.Account, error) {
	query := `
		SELECT id, username, email, password_hash, role, created_at, updated_at
		FROM accounts
		WHERE id = $1
	`
	return r.scanAccount(r.db.QueryRowContext(ctx, query, id))
}

func (r *AccountRepository) scanAccount(row *sql.Row) (*models.Account, error) {
	account := &models.Account{}
	err := row.Scan(
		&account.ID,
		&account.Username,
		&account.Email,
		&account.PasswordHash,
		&account.Role,
		&account.CreatedAt,
		&account.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return account, nil
}

// UpdateCredentials overwrites an account's email and password hash
func (r *AccountRepository) UpdateCredentials(ctx context.Context, id, email, passwordHash string) error {
	query := `
		UPDATE accounts
		SET email = $2, password_hash = $3, updated_at = $4
		WHERE id = $1
	`

	result, err := r.db.ExecContext(ctx, query, id, email, passwordHash, time.Now())
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// DeleteAccount removes an account; its metadata rows cascade
func (r *AccountRepository) DeleteAccount(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM accounts WHERE id = $1`, id)
	return err
}

// AttachMeta adds a metadata row. It reports false when the identical row already existed.
func (r *AccountRepository) AttachMeta(ctx context.Context, accountID, key, value string) (bool, error) {
	query := `
		INSERT INTO account_meta (account_id, meta_key, meta_value, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (account_id, meta_key, meta_value) DO NOTHING
	`

	result, err := r.db.ExecContext(ctx, query, accountID, key, value, time.Now())
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

// DetachMeta removes one metadata row
func (r *AccountRepository) DetachMeta(ctx context.Context, accountID, key, value string) error {
	query := `
		DELETE FROM account_meta
		WHERE account_id = $1 AND meta_key = $2 AND meta_value = $3
	`
	_, err := r.db.ExecContext(ctx, query, accountID, key, value)
	return err
}

// ListMeta returns every value stored under key for an account, oldest first
func (r *AccountRepository) ListMeta(ctx context.Context, accountID, key string) ([]string, error) {
	query := `
		SELECT meta_value
		FROM account_meta
		WHERE account_id = $1 AND meta_key = $2
		ORDER BY created_at, id
	`

	rows, err := r.db.QueryContext(ctx, query, accountID, key)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var values []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		values = append(values, v)
	}
	return values, rows.Err()
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && string(pqErr.Code) == pqUniqueViolation
}
