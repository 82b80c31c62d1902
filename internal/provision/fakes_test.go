package provision

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/site-provisioner/site-provisioner/internal/audit"
	"github.com/site-provisioner/site-provisioner/internal/config"
	"github.com/site-provisioner/site-provisioner/internal/db/models"
	"github.com/site-provisioner/site-provisioner/internal/db/repositories"
	"github.com/site-provisioner/site-provisioner/internal/dbhost"
	"github.com/site-provisioner/site-provisioner/internal/seed"
	"github.com/site-provisioner/site-provisioner/internal/storage/local"
	"github.com/site-provisioner/site-provisioner/internal/tenant"
)

var errBoom = errors.New("boom")

// ---------------------------------------------------------------------------
// Tenant database host
// ---------------------------------------------------------------------------

type fakeHost struct {
	mu        sync.Mutex
	databases map[string][]string          // database -> executed statements
	options   map[string]map[string]string // database -> option name -> value
	calls     int

	existsErr error
	createErr error
	execErr   error
	optsErr   error
	dropErr   error
	// existsLies makes DatabaseExists report false even for existing databases
	existsLies bool
	block      chan struct{}
}

func newFakeHost() *fakeHost {
	return &fakeHost{
		databases: map[string][]string{},
		options:   map[string]map[string]string{},
	}
}

func (h *fakeHost) hasDatabase(name string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.databases[name]
	return ok
}

func (h *fakeHost) option(db, name string) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.options[db][name]
}

func (h *fakeHost) callCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls
}

func (h *fakeHost) DatabaseExists(ctx context.Context, name string) (bool, error) {
	if h.block != nil {
		select {
		case <-h.block:
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls++
	if h.existsErr != nil {
		return false, h.existsErr
	}
	_, ok := h.databases[name]
	return ok && !h.existsLies, nil
}

func (h *fakeHost) CreateDatabase(_ context.Context, name string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls++
	if h.createErr != nil {
		return h.createErr
	}
	if _, ok := h.databases[name]; ok {
		return dbhost.ErrDatabaseExists
	}
	h.databases[name] = nil
	return nil
}

func (h *fakeHost) DropDatabase(_ context.Context, name string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls++
	if h.dropErr != nil {
		return h.dropErr
	}
	delete(h.databases, name)
	delete(h.options, name)
	return nil
}

func (h *fakeHost) ExecScript(_ context.Context, database string, statements []string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls++
	if h.execErr != nil {
		return &dbhost.ScriptError{Index: 1, Err: h.execErr}
	}
	h.databases[database] = append(h.databases[database], statements...)
	h.options[database] = map[string]string{
		OptionSiteURL:       "http://template.local",
		OptionHome:          "http://template.local",
		OptionUploadPath:    "",
		OptionUploadURLPath: "",
		"blogname":          "Template",
	}
	return nil
}

func (h *fakeHost) SetOptions(_ context.Context, database string, _ dbhost.OptionsTable, options []dbhost.Option) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls++
	if h.optsErr != nil {
		return h.optsErr
	}
	if h.options[database] == nil {
		h.options[database] = map[string]string{}
	}
	for _, o := range options {
		h.options[database][o.Name] = o.Value
	}
	return nil
}

func (h *fakeHost) Ping(context.Context) error { return nil }

func (h *fakeHost) MaxNameLength() int { return 64 }

func (h *fakeHost) SplitOptions() seed.SplitOptions { return seed.MySQLSplit }

// ---------------------------------------------------------------------------
// Seed script
// ---------------------------------------------------------------------------

type fakeSeeds struct {
	script *seed.Script
	err    error
}

func (f *fakeSeeds) Load(context.Context) (*seed.Script, error) {
	return f.script, f.err
}

const testSeed = `
CREATE TABLE wp_options (option_id BIGINT, option_name VARCHAR(191), option_value LONGTEXT);
INSERT INTO wp_options (option_name, option_value) VALUES ('siteurl', 'http://template.local');
INSERT INTO wp_options (option_name, option_value) VALUES ('home', 'http://template.local');
`

func writeSeedFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "saaswp.sql")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

// ---------------------------------------------------------------------------
// Identity store
// ---------------------------------------------------------------------------

type metaRow struct {
	accountID, key, value string
}

type fakeIdentity struct {
	mu       sync.Mutex
	accounts map[string]*models.Account // username -> account
	meta     []metaRow

	getErr    error
	createErr error
	updateErr error
	attachErr error
	deleteErr error
}

func newFakeIdentity() *fakeIdentity {
	return &fakeIdentity{accounts: map[string]*models.Account{}}
}

func (f *fakeIdentity) account(username string) *models.Account {
	f.mu.Lock()
	defer f.mu.Unlock()
	if a, ok := f.accounts[username]; ok {
		copied := *a
		return &copied
	}
	return nil
}

func (f *fakeIdentity) metaValues(accountID, key string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var values []string
	for _, m := range f.meta {
		if m.accountID == accountID && m.key == key {
			values = append(values, m.value)
		}
	}
	return values
}

func (f *fakeIdentity) GetAccountByUsername(_ context.Context, username string) (*models.Account, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	return f.account(username), nil
}

func (f *fakeIdentity) CreateAccount(_ context.Context, account *models.Account) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return f.createErr
	}
	if _, ok := f.accounts[account.Username]; ok {
		return repositories.ErrDuplicateUsername
	}
	account.ID = uuid.NewString()
	account.CreatedAt = time.Now()
	account.UpdatedAt = account.CreatedAt
	copied := *account
	f.accounts[account.Username] = &copied
	return nil
}

func (f *fakeIdentity) UpdateCredentials(_ context.Context, id, email, passwordHash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateErr != nil {
		return f.updateErr
	}
	for _, a := range f.accounts {
		if a.ID == id {
			a.Email = email
			a.PasswordHash = passwordHash
			return nil
		}
	}
	return errors.New("account not found")
}

func (f *fakeIdentity) DeleteAccount(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return f.deleteErr
	}
	for name, a := range f.accounts {
		if a.ID == id {
			delete(f.accounts, name)
		}
	}
	kept := f.meta[:0]
	for _, m := range f.meta {
		if m.accountID != id {
			kept = append(kept, m)
		}
	}
	f.meta = kept
	return nil
}

func (f *fakeIdentity) AttachMeta(_ context.Context, accountID, key, value string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.attachErr != nil {
		return false, f.attachErr
	}
	for _, m := range f.meta {
		if m == (metaRow{accountID, key, value}) {
			return false, nil
		}
	}
	f.meta = append(f.meta, metaRow{accountID, key, value})
	return true, nil
}

func (f *fakeIdentity) DetachMeta(_ context.Context, accountID, key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	kept := f.meta[:0]
	for _, m := range f.meta {
		if m != (metaRow{accountID, key, value}) {
			kept = append(kept, m)
		}
	}
	f.meta = kept
	return nil
}

// ---------------------------------------------------------------------------
// Tenant registry
// ---------------------------------------------------------------------------

type fakeRegistry struct {
	mu      sync.Mutex
	tenants map[string]*models.Tenant

	claimErr  error
	activeErr error
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{tenants: map[string]*models.Tenant{}}
}

func (f *fakeRegistry) get(identifier string) *models.Tenant {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.tenants[identifier]; ok {
		copied := *t
		return &copied
	}
	return nil
}

func (f *fakeRegistry) Claim(_ context.Context, t *models.Tenant) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.claimErr != nil {
		return f.claimErr
	}
	if _, ok := f.tenants[t.Identifier]; ok {
		return repositories.ErrTenantExists
	}
	t.ID = uuid.NewString()
	t.Status = models.TenantStatusProvisioning
	copied := *t
	f.tenants[t.Identifier] = &copied
	return nil
}

func (f *fakeRegistry) MarkActive(_ context.Context, identifier, adminAccountID, seedChecksum string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.activeErr != nil {
		return f.activeErr
	}
	t := f.tenants[identifier]
	t.Status = models.TenantStatusActive
	t.AdminAccountID.String, t.AdminAccountID.Valid = adminAccountID, true
	t.SeedChecksum.String, t.SeedChecksum.Valid = seedChecksum, seedChecksum != ""
	return nil
}

func (f *fakeRegistry) MarkRollbackFailed(_ context.Context, identifier, stage, lastError string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := f.tenants[identifier]
	t.Status = models.TenantStatusRollbackFailed
	t.FailedStage.String, t.FailedStage.Valid = stage, true
	t.LastError.String, t.LastError.Valid = lastError, true
	return nil
}

func (f *fakeRegistry) Release(_ context.Context, identifier string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.tenants[identifier]; ok && t.Status == models.TenantStatusProvisioning {
		delete(f.tenants, identifier)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Assembled orchestrator
// ---------------------------------------------------------------------------

// ---------------------------------------------------------------------------
// Audit
// ---------------------------------------------------------------------------

type fakeAudit struct {
	mu      sync.Mutex
	events  []audit.Event
	shipErr error
}

func (f *fakeAudit) Ship(_ context.Context, event *audit.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, *event)
	return f.shipErr
}

func (f *fakeAudit) Close() error { return nil }

func (f *fakeAudit) last() audit.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.events) == 0 {
		return audit.Event{}
	}
	return f.events[len(f.events)-1]
}

type harness struct {
	orch      *Orchestrator
	host      *fakeHost
	identity  *fakeIdentity
	registry  *fakeRegistry
	audit     *fakeAudit
	storage   *local.LocalStorage
	seedPath  string
	uploadDir string
}

func testNaming(storageRoot string) tenant.Naming {
	return tenant.Naming{
		DatabasePrefix: "saaswp",
		Scheme:         "http",
		DomainSuffix:   "wpsaas.com",
		StorageRoot:    storageRoot,
		StorageURLPath: "/wp-content/uploads",
	}
}

var testOptionsTable = dbhost.OptionsTable{Table: "wp_options", NameColumn: "option_name", ValueColumn: "option_value"}

// newHarness wires an orchestrator to in-memory collaborators, a real seed file and
// local storage under a temporary directory.
func newHarness(t *testing.T) *harness {
	t.Helper()

	uploadDir := filepath.Join(t.TempDir(), "wp-content", "uploads")
	store, err := local.New(&config.LocalStorageConfig{BasePath: uploadDir})
	require.NoError(t, err)

	h := &harness{
		host:      newFakeHost(),
		identity:  newFakeIdentity(),
		registry:  newFakeRegistry(),
		audit:     &fakeAudit{},
		storage:   store,
		seedPath:  writeSeedFile(t, testSeed),
		uploadDir: store.BasePath(),
	}
	h.orch = New(Deps{
		Naming:       testNaming(h.uploadDir),
		OptionsTable: testOptionsTable,
		Host:         h.host,
		Seeds:        seed.NewSource(h.seedPath, seed.MySQLSplit, ""),
		Identity:     h.identity,
		Storage:      store,
		Registry:     h.registry,
		Audit:        h.audit,
		Options:      Options{StageTimeout: 5 * time.Second, SchemaTimeout: 5 * time.Second, CompensationTimeout: 5 * time.Second},
	})
	h.orch.identity.hash = cheapHash
	return h
}

func cheapHash(password string) (string, error) {
	return "hash:" + password, nil
}

func acmeRequest() tenant.RawRequest {
	return tenant.RawRequest{
		Identifier:    "acme",
		AdminEmail:    "a@x.io",
		AdminUsername: "alice",
		AdminPassword: "pw1",
	}
}
