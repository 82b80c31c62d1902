package provision

import (
	"context"
	"errors"
	"fmt"

	"github.com/site-provisioner/site-provisioner/internal/auth"
	"github.com/site-provisioner/site-provisioner/internal/db/models"
	"github.com/site-provisioner/site-provisioner/internal/db/repositories"
	"github.com/site-provisioner/site-provisioner/internal/tenant"
)

// IdentityStore is the shared account store. *repositories.AccountRepository satisfies it.
type IdentityStore interface {
	GetAccountByUsername(ctx context.Context, username string) (*models.Account, error)
	CreateAccount(ctx context.Context, account *models.Account) error
	UpdateCredentials(ctx context.Context, id, email, passwordHash string) error
	DeleteAccount(ctx context.Context, id string) error
	AttachMeta(ctx context.Context, accountID, key, value string) (bool, error)
	DetachMeta(ctx context.Context, accountID, key, value string) error
}

// AccountResult describes the changes ProvisionAdmin made to the account store, enough
// to undo them.
type AccountResult struct {
	AccountID string
	Created   bool
	Updated   bool
	MetaAdded bool

	PreviousEmail        string
	PreviousPasswordHash string
}

func (r *AccountResult) changed() bool {
	return r != nil && (r.Created || r.Updated || r.MetaAdded)
}

// IdentityProvisioner ensures the tenant's administrator account exists and is linked to
// the tenant database
type IdentityProvisioner struct {
	store IdentityStore
	hash  func(string) (string, error)
}

// NewIdentityProvisioner creates an identity provisioner hashing passwords with bcrypt
func NewIdentityProvisioner(store IdentityStore) *IdentityProvisioner {
	return &IdentityProvisioner{store: store, hash: auth.HashPassword}
}

// ProvisionAdmin creates the administrator account, or refreshes the email and password of
// an existing one with the same username, and links it to ns.DatabaseName. The returned
// result is non-nil whenever the store was modified, including on error.
func (p *IdentityProvisioner) ProvisionAdmin(ctx context.Context, req tenant.Request, ns tenant.Namespace) (*AccountResult, error) {
	hash, err := p.hash(req.AdminPassword)
	if err != nil {
		return nil, &IdentityError{Username: req.AdminUsername, Err: err}
	}

	existing, err := p.store.GetAccountByUsername(ctx, req.AdminUsername)
	if err != nil {
		return nil, &IdentityError{Username: req.AdminUsername, Err: err}
	}

	result := &AccountResult{}
	if existing == nil {
		account := &models.Account{
			Username:     req.AdminUsername,
			Email:        req.AdminEmail,
			PasswordHash: hash,
			Role:         models.RoleAdministrator,
		}
		err = p.store.CreateAccount(ctx, account)
		switch {
		case err == nil:
			result.AccountID = account.ID
			result.Created = true
		case errors.Is(err, repositories.ErrDuplicateUsername):
			// Created concurrently by another run; fall through to the update path.
			existing, err = p.store.GetAccountByUsername(ctx, req.AdminUsername)
			if err != nil {
				return nil, &IdentityError{Username: req.AdminUsername, Err: err}
			}
			if existing == nil {
				return nil, &IdentityError{Username: req.AdminUsername, Err: repositories.ErrDuplicateUsername}
			}
		default:
			return nil, &IdentityError{Username: req.AdminUsername, Err: err}
		}
	}

	if existing != nil {
		result.AccountID = existing.ID
		result.PreviousEmail = existing.Email
		result.PreviousPasswordHash = existing.PasswordHash
		if err := p.store.UpdateCredentials(ctx, existing.ID, req.AdminEmail, hash); err != nil {
			return nil, &IdentityError{Username: req.AdminUsername, Err: err}
		}
		result.Updated = true
	}

	added, err := p.store.AttachMeta(ctx, result.AccountID, models.MetaKeyTenantDatabase, ns.DatabaseName)
	if err != nil {
		return result, &IdentityError{Username: req.AdminUsername, Err: fmt.Errorf("failed to link account to %s: %w", ns.DatabaseName, err)}
	}
	result.MetaAdded = added
	return result, nil
}

// Undo reverses the changes described by result
func (p *IdentityProvisioner) Undo(ctx context.Context, result *AccountResult, ns tenant.Namespace) error {
	if !result.changed() {
		return nil
	}
	if result.Created {
		return p.store.DeleteAccount(ctx, result.AccountID)
	}

	var errs []error
	if result.MetaAdded {
		if err := p.store.DetachMeta(ctx, result.AccountID, models.MetaKeyTenantDatabase, ns.DatabaseName); err != nil {
			errs = append(errs, fmt.Errorf("detach metadata: %w", err))
		}
	}
	if result.Updated {
		if err := p.store.UpdateCredentials(ctx, result.AccountID, result.PreviousEmail, result.PreviousPasswordHash); err != nil {
			errs = append(errs, fmt.Errorf("restore credentials: %w", err))
		}
	}
	return errors.Join(errs...)
}
