package provision

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/site-provisioner/site-provisioner/internal/audit"
	"github.com/site-provisioner/site-provisioner/internal/db/models"
	"github.com/site-provisioner/site-provisioner/internal/storage"
	"github.com/site-provisioner/site-provisioner/internal/tenant"
)

func requireStageError(t *testing.T, err error, stage Stage) *StageError {
	t.Helper()
	require.Error(t, err)
	var se *StageError
	require.True(t, errors.As(err, &se), "expected *StageError, got %T", err)
	assert.Equal(t, stage, se.Stage)
	return se
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// ---------------------------------------------------------------------------
// Success paths
// ---------------------------------------------------------------------------

func TestProvision_Acme(t *testing.T) {
	h := newHarness(t)

	result, err := h.orch.Provision(context.Background(), acmeRequest())
	require.NoError(t, err)

	uploads := filepath.Join(h.uploadDir, "acme")
	assert.Equal(t, MsgSiteCreated, result.Message)
	assert.Equal(t, "http://acme.wpsaas.com", result.URL)
	assert.Equal(t, "saaswpacme", result.Database)
	assert.Equal(t, uploads, result.UploadsPath)
	assert.True(t, result.Created)
	assert.True(t, result.StorageCreated)
	assert.Len(t, result.SeedChecksum, 64)

	assert.True(t, h.host.hasDatabase("saaswpacme"))
	assert.Len(t, h.host.databases["saaswpacme"], 3)
	assert.Equal(t, "http://acme.wpsaas.com", h.host.option("saaswpacme", OptionSiteURL))
	assert.Equal(t, "http://acme.wpsaas.com", h.host.option("saaswpacme", OptionHome))
	assert.Equal(t, uploads, h.host.option("saaswpacme", OptionUploadPath))
	assert.Equal(t, "http://acme.wpsaas.com/wp-content/uploads/acme", h.host.option("saaswpacme", OptionUploadURLPath))
	assert.Equal(t, "Template", h.host.option("saaswpacme", "blogname"))

	assert.True(t, dirExists(uploads))

	account := h.identity.account("alice")
	require.NotNil(t, account)
	assert.Equal(t, "a@x.io", account.Email)
	assert.Equal(t, "hash:pw1", account.PasswordHash)
	assert.Equal(t, models.RoleAdministrator, account.Role)
	assert.Equal(t, []string{"saaswpacme"}, h.identity.metaValues(account.ID, models.MetaKeyTenantDatabase))

	record := h.registry.get("acme")
	require.NotNil(t, record)
	assert.Equal(t, models.TenantStatusActive, record.Status)
	assert.Equal(t, account.ID, record.AdminAccountID.String)
	assert.Equal(t, result.SeedChecksum, record.SeedChecksum.String)
	assert.Equal(t, "saaswpacme", record.DatabaseName)
}

func TestProvision_NormalizesIdentifier(t *testing.T) {
	h := newHarness(t)
	req := acmeRequest()
	req.Identifier = "  ACME "

	result, err := h.orch.Provision(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "saaswpacme", result.Database)
	assert.Equal(t, "http://acme.wpsaas.com", result.URL)
}

func TestProvision_ExistingStorageDirectory(t *testing.T) {
	h := newHarness(t)
	uploads := filepath.Join(h.uploadDir, "acme")
	require.NoError(t, os.MkdirAll(uploads, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(uploads, "logo.png"), []byte("png"), 0o600))

	result, err := h.orch.Provision(context.Background(), acmeRequest())
	require.NoError(t, err)
	assert.False(t, result.StorageCreated)
	assert.FileExists(t, filepath.Join(uploads, "logo.png"))
}

func TestProvision_ReusesAdminAccount(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.orch.Provision(ctx, acmeRequest())
	require.NoError(t, err)

	second := tenant.RawRequest{
		Identifier:    "beta",
		AdminEmail:    "b@x.io",
		AdminUsername: "alice",
		AdminPassword: "pw2",
	}
	result, err := h.orch.Provision(ctx, second)
	require.NoError(t, err)
	assert.False(t, result.Created)

	require.Len(t, h.identity.accounts, 1)
	account := h.identity.account("alice")
	assert.Equal(t, "b@x.io", account.Email)
	assert.Equal(t, "hash:pw2", account.PasswordHash)
	assert.ElementsMatch(t, []string{"saaswpacme", "saaswpbeta"},
		h.identity.metaValues(account.ID, models.MetaKeyTenantDatabase))
	assert.Equal(t, account.ID, result.AccountID)
}

// ---------------------------------------------------------------------------
// Rejections before any side effect
// ---------------------------------------------------------------------------

func TestProvision_InvalidRequestHasNoSideEffects(t *testing.T) {
	tests := []struct {
		name  string
		mod   func(r *tenant.RawRequest)
		field string
	}{
		{"bad identifier", func(r *tenant.RawRequest) { r.Identifier = "acme_corp!" }, tenant.FieldIdentifier},
		{"missing identifier", func(r *tenant.RawRequest) { r.Identifier = "" }, tenant.FieldIdentifier},
		{"missing email", func(r *tenant.RawRequest) { r.AdminEmail = "" }, tenant.FieldAdminEmail},
		{"missing username", func(r *tenant.RawRequest) { r.AdminUsername = " " }, tenant.FieldAdminUsername},
		{"missing password", func(r *tenant.RawRequest) { r.AdminPassword = "" }, tenant.FieldAdminPassword},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			req := acmeRequest()
			tt.mod(&req)

			_, err := h.orch.Provision(context.Background(), req)
			requireStageError(t, err, StageValidating)

			var verr *tenant.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)

			assert.Zero(t, h.host.callCount())
			assert.Empty(t, h.identity.accounts)
			assert.Nil(t, h.registry.get("acme"))
			assert.False(t, dirExists(filepath.Join(h.uploadDir, "acme")))
		})
	}
}

func TestProvision_IdentifierTooLongForHost(t *testing.T) {
	h := newHarness(t)
	req := acmeRequest()
	req.Identifier = strings.Repeat("a", 60)

	_, err := h.orch.Provision(context.Background(), req)
	requireStageError(t, err, StageAllocating)

	var verr *tenant.ValidationError
	assert.ErrorAs(t, err, &verr)
	assert.Zero(t, h.host.callCount())
}

func TestProvision_SecondRequestCollides(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.orch.Provision(ctx, acmeRequest())
	require.NoError(t, err)

	_, err = h.orch.Provision(ctx, acmeRequest())
	se := requireStageError(t, err, StageAllocating)

	var cerr *CollisionError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, MsgDatabaseExists, cerr.Error())
	assert.True(t, se.RolledBack())

	// the first tenant is untouched
	assert.True(t, h.host.hasDatabase("saaswpacme"))
	assert.True(t, dirExists(filepath.Join(h.uploadDir, "acme")))
	assert.Equal(t, models.TenantStatusActive, h.registry.get("acme").Status)
}

func TestProvision_RegistryClaimCollides(t *testing.T) {
	h := newHarness(t)
	h.registry.tenants["acme"] = &models.Tenant{Identifier: "acme", Status: models.TenantStatusRollbackFailed}

	_, err := h.orch.Provision(context.Background(), acmeRequest())
	requireStageError(t, err, StageAllocating)

	var cerr *CollisionError
	require.ErrorAs(t, err, &cerr)
	assert.False(t, h.host.hasDatabase("saaswpacme"))
	assert.Equal(t, models.TenantStatusRollbackFailed, h.registry.get("acme").Status)
}

func TestProvision_InProgress(t *testing.T) {
	h := newHarness(t)
	unlock, err := h.orch.locker.TryLock(context.Background(), "acme")
	require.NoError(t, err)
	defer unlock()

	_, err = h.orch.Provision(context.Background(), acmeRequest())
	requireStageError(t, err, StageAllocating)

	var cerr *CollisionError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, MsgInProgress, cerr.Reason)
	assert.Zero(t, h.host.callCount())
}

// ---------------------------------------------------------------------------
// Schema failures
// ---------------------------------------------------------------------------

func TestProvision_SeedMissing(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, os.Remove(h.seedPath))

	_, err := h.orch.Provision(context.Background(), acmeRequest())
	requireStageError(t, err, StageSchemaLoading)

	var perr *ProvisioningError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, MsgSeedNotFound, perr.Message)

	assert.False(t, h.host.hasDatabase("saaswpacme"))
	assert.Nil(t, h.registry.get("acme"), "claim should be released")
	assert.Empty(t, h.identity.accounts)
}

func TestProvision_SeedEmpty(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, os.WriteFile(h.seedPath, []byte("  \n-- nothing here\n"), 0o600))

	_, err := h.orch.Provision(context.Background(), acmeRequest())
	requireStageError(t, err, StageSchemaLoading)

	var perr *ProvisioningError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, MsgSeedEmpty, perr.Message)
	assert.False(t, h.host.hasDatabase("saaswpacme"))
}

func TestProvision_SeedImportFailureDropsDatabase(t *testing.T) {
	h := newHarness(t)
	h.host.execErr = errors.New("syntax error near 'CREAT'")

	_, err := h.orch.Provision(context.Background(), acmeRequest())
	se := requireStageError(t, err, StageSchemaLoading)

	var perr *ProvisioningError
	require.ErrorAs(t, err, &perr)
	assert.True(t, strings.HasPrefix(perr.Message, MsgSeedImport))
	assert.Contains(t, perr.Message, "statement 1")

	assert.True(t, se.RolledBack())
	assert.False(t, h.host.hasDatabase("saaswpacme"))
	assert.Nil(t, h.registry.get("acme"))
}

func TestProvision_CreateRaceIsCollision(t *testing.T) {
	h := newHarness(t)
	h.host.databases["saaswpacme"] = []string{"existing"}
	h.host.existsLies = true

	_, err := h.orch.Provision(context.Background(), acmeRequest())
	requireStageError(t, err, StageSchemaLoading)

	var cerr *CollisionError
	require.ErrorAs(t, err, &cerr)
	// the other run's database must survive the rollback
	assert.True(t, h.host.hasDatabase("saaswpacme"))
	assert.Nil(t, h.registry.get("acme"))
}

func TestProvision_ConfigRewriteFailure(t *testing.T) {
	h := newHarness(t)
	h.host.optsErr = errBoom

	_, err := h.orch.Provision(context.Background(), acmeRequest())
	requireStageError(t, err, StageConfigRewriting)

	var perr *ProvisioningError
	require.ErrorAs(t, err, &perr)
	assert.ErrorIs(t, err, errBoom)
	assert.False(t, h.host.hasDatabase("saaswpacme"))
}

// ---------------------------------------------------------------------------
// Identity and storage failures
// ---------------------------------------------------------------------------

func TestProvision_IdentityFailure(t *testing.T) {
	h := newHarness(t)
	h.identity.createErr = errBoom

	_, err := h.orch.Provision(context.Background(), acmeRequest())
	requireStageError(t, err, StageIdentityProvisioning)

	var ierr *IdentityError
	require.ErrorAs(t, err, &ierr)
	assert.Equal(t, "alice", ierr.Username)
	assert.False(t, h.host.hasDatabase("saaswpacme"))
	assert.Empty(t, h.identity.accounts)
	assert.False(t, dirExists(filepath.Join(h.uploadDir, "acme")))
}

func TestProvision_StorageFailureUndoesNewAccount(t *testing.T) {
	h := newHarness(t)
	// a regular file where the directory should go
	require.NoError(t, os.WriteFile(filepath.Join(h.uploadDir, "acme"), []byte("x"), 0o600))

	_, err := h.orch.Provision(context.Background(), acmeRequest())
	se := requireStageError(t, err, StageStorageAllocating)

	var serr *StorageError
	require.ErrorAs(t, err, &serr)
	assert.ErrorIs(t, err, storage.ErrNotDirectory)
	assert.Equal(t, filepath.Join(h.uploadDir, "acme"), serr.Path)

	assert.True(t, se.RolledBack())
	assert.False(t, h.host.hasDatabase("saaswpacme"))
	assert.Nil(t, h.identity.account("alice"))
	assert.Nil(t, h.registry.get("acme"))
}

func TestProvision_StorageFailureRestoresExistingAccount(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.orch.Provision(ctx, acmeRequest())
	require.NoError(t, err)
	before := h.identity.account("alice")

	require.NoError(t, os.WriteFile(filepath.Join(h.uploadDir, "beta"), []byte("x"), 0o600))
	_, err = h.orch.Provision(ctx, tenant.RawRequest{
		Identifier:    "beta",
		AdminEmail:    "new@x.io",
		AdminUsername: "alice",
		AdminPassword: "pw2",
	})
	requireStageError(t, err, StageStorageAllocating)

	after := h.identity.account("alice")
	require.NotNil(t, after)
	assert.Equal(t, before.ID, after.ID)
	assert.Equal(t, before.Email, after.Email)
	assert.Equal(t, before.PasswordHash, after.PasswordHash)
	assert.Equal(t, []string{"saaswpacme"}, h.identity.metaValues(after.ID, models.MetaKeyTenantDatabase))
	assert.False(t, h.host.hasDatabase("saaswpbeta"))
	assert.True(t, h.host.hasDatabase("saaswpacme"))
}

func TestProvision_RecordingFailureRemovesStorage(t *testing.T) {
	h := newHarness(t)
	h.registry.activeErr = errBoom

	_, err := h.orch.Provision(context.Background(), acmeRequest())
	se := requireStageError(t, err, StageRecording)

	assert.True(t, se.RolledBack())
	assert.False(t, dirExists(filepath.Join(h.uploadDir, "acme")))
	assert.False(t, h.host.hasDatabase("saaswpacme"))
	assert.Nil(t, h.identity.account("alice"))
	assert.Nil(t, h.registry.get("acme"))
}

func TestProvision_RollbackFailureMarksTenant(t *testing.T) {
	h := newHarness(t)
	h.host.dropErr = errors.New("access denied")
	require.NoError(t, os.WriteFile(filepath.Join(h.uploadDir, "acme"), []byte("x"), 0o600))

	_, err := h.orch.Provision(context.Background(), acmeRequest())
	se := requireStageError(t, err, StageStorageAllocating)

	// the caller sees the stage failure, not the rollback failure
	var serr *StorageError
	require.ErrorAs(t, err, &serr)
	assert.False(t, se.RolledBack())
	assert.Contains(t, se.RollbackErr.Error(), StepDropDatabase)

	// the remaining steps still ran
	assert.Nil(t, h.identity.account("alice"))

	record := h.registry.get("acme")
	require.NotNil(t, record)
	assert.Equal(t, models.TenantStatusRollbackFailed, record.Status)
	assert.Equal(t, string(StageStorageAllocating), record.FailedStage.String)
	assert.Contains(t, record.LastError.String, "rollback: ")
	assert.Contains(t, record.LastError.String, "access denied")
}

// ---------------------------------------------------------------------------
// Deadlines
// ---------------------------------------------------------------------------

func TestProvision_StageTimeout(t *testing.T) {
	h := newHarness(t)
	h.orch.opts.StageTimeout = 50 * time.Millisecond
	h.host.block = make(chan struct{})

	start := time.Now()
	_, err := h.orch.Provision(context.Background(), acmeRequest())
	se := requireStageError(t, err, StageAllocating)

	assert.True(t, se.TimedOut)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Nil(t, h.registry.get("acme"))
}

func TestProvision_CallerCancellationIsNotTimeout(t *testing.T) {
	h := newHarness(t)
	h.host.block = make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := h.orch.Provision(ctx, acmeRequest())
	se := requireStageError(t, err, StageAllocating)
	assert.False(t, se.TimedOut)
	assert.ErrorIs(t, err, context.Canceled)
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// ---------------------------------------------------------------------------
// Audit trail
// ---------------------------------------------------------------------------

func TestProvision_AuditsSuccess(t *testing.T) {
	h := newHarness(t)

	_, err := h.orch.Provision(context.Background(), acmeRequest())
	require.NoError(t, err)

	require.Len(t, h.audit.events, 1)
	ev := h.audit.last()
	assert.Equal(t, audit.ActionProvision, ev.Action)
	assert.Equal(t, "acme", ev.Identifier)
	assert.Equal(t, OutcomeSucceeded, ev.Outcome)
	assert.Equal(t, "saaswpacme", ev.Database)
	assert.Equal(t, "alice", ev.AdminUsername)
	assert.True(t, ev.AccountCreated)
	assert.Empty(t, ev.Stage)
	assert.Empty(t, ev.Error)
}

func TestProvision_AuditsFailures(t *testing.T) {
	t.Run("invalid request", func(t *testing.T) {
		h := newHarness(t)
		req := acmeRequest()
		req.Identifier = "bad name"

		_, err := h.orch.Provision(context.Background(), req)
		require.Error(t, err)

		ev := h.audit.last()
		assert.Equal(t, OutcomeInvalid, ev.Outcome)
		assert.Equal(t, string(StageValidating), ev.Stage)
		assert.Empty(t, ev.Identifier)
	})

	t.Run("collision", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.orch.Provision(context.Background(), acmeRequest())
		require.NoError(t, err)
		_, err = h.orch.Provision(context.Background(), acmeRequest())
		require.Error(t, err)

		ev := h.audit.last()
		assert.Equal(t, OutcomeCollision, ev.Outcome)
		assert.Equal(t, "acme", ev.Identifier)
		assert.True(t, ev.RolledBack)
	})

	t.Run("stage failure", func(t *testing.T) {
		h := newHarness(t)
		h.identity.createErr = errBoom

		_, err := h.orch.Provision(context.Background(), acmeRequest())
		require.Error(t, err)

		ev := h.audit.last()
		assert.Equal(t, OutcomeFailed, ev.Outcome)
		assert.Equal(t, string(StageIdentityProvisioning), ev.Stage)
		assert.Contains(t, ev.Error, MsgIdentity)
		assert.NotContains(t, ev.Error, "pw1")
	})
}

func TestProvision_AuditShipFailureDoesNotFailRequest(t *testing.T) {
	h := newHarness(t)
	h.audit.shipErr = errBoom

	result, err := h.orch.Provision(context.Background(), acmeRequest())
	require.NoError(t, err)
	assert.Equal(t, MsgSiteCreated, result.Message)
}

func TestOutcomeOf(t *testing.T) {
	assert.Equal(t, OutcomeInvalid, outcomeOf(&tenant.ValidationError{Field: "x", Reason: "missing"}))
	assert.Equal(t, OutcomeCollision, outcomeOf(&CollisionError{Reason: MsgDatabaseExists}))
	assert.Equal(t, OutcomeFailed, outcomeOf(&StorageError{Err: errBoom}))
}

func TestOptionsWithDefaults(t *testing.T) {
	o := Options{StageTimeout: time.Second}.withDefaults()
	assert.Equal(t, time.Second, o.StageTimeout)
	assert.Equal(t, DefaultSchemaTimeout, o.SchemaTimeout)
	assert.Equal(t, DefaultCompensationTimeout, o.CompensationTimeout)
}

func TestFailedStage(t *testing.T) {
	assert.Equal(t, StageRecording, FailedStage(&StageError{Stage: StageRecording, Err: errBoom}))
	assert.Equal(t, Stage(""), FailedStage(errBoom))
}
