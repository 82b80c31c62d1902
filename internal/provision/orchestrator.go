// Package provision runs the tenant provisioning pipeline: validate the request, allocate
// the namespace, create and seed the tenant database, rewrite its site options, provision
// the administrator account and allocate the uploads namespace.
//
// The pipeline is a linear state machine. Each stage runs under its own deadline and,
// once it has changed something, registers an undo step. When a later stage fails the
// undo steps run newest first and the tenant record is either released or marked
// rollback_failed for an operator. The caller always receives the original stage error.
package provision

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/site-provisioner/site-provisioner/internal/audit"
	"github.com/site-provisioner/site-provisioner/internal/db/models"
	"github.com/site-provisioner/site-provisioner/internal/db/repositories"
	"github.com/site-provisioner/site-provisioner/internal/dbhost"
	"github.com/site-provisioner/site-provisioner/internal/storage"
	"github.com/site-provisioner/site-provisioner/internal/telemetry"
	"github.com/site-provisioner/site-provisioner/internal/tenant"
)

// Default deadlines, used when Options leaves a field zero
const (
	DefaultStageTimeout        = 30 * time.Second
	DefaultSchemaTimeout       = 5 * time.Minute
	DefaultCompensationTimeout = 2 * time.Minute
)

// Outcome labels of the provisioning metric
const (
	OutcomeSucceeded      = "succeeded"
	OutcomeInvalid        = "invalid"
	OutcomeCollision      = "collision"
	OutcomeFailed         = "failed"
	OutcomeRollbackFailed = "rollback_failed"
)

// TenantRegistry records tenants in the control-plane database.
// *repositories.TenantRepository satisfies it.
type TenantRegistry interface {
	Claim(ctx context.Context, tenant *models.Tenant) error
	MarkActive(ctx context.Context, identifier, adminAccountID, seedChecksum string) error
	MarkRollbackFailed(ctx context.Context, identifier, stage, lastError string) error
	Release(ctx context.Context, identifier string) error
}

// Options bounds the duration of each stage
type Options struct {
	StageTimeout        time.Duration
	SchemaTimeout       time.Duration
	CompensationTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.StageTimeout <= 0 {
		o.StageTimeout = DefaultStageTimeout
	}
	if o.SchemaTimeout <= 0 {
		o.SchemaTimeout = DefaultSchemaTimeout
	}
	if o.CompensationTimeout <= 0 {
		o.CompensationTimeout = DefaultCompensationTimeout
	}
	return o
}

// Deps are the collaborators of an Orchestrator
type Deps struct {
	Naming       tenant.Naming
	OptionsTable dbhost.OptionsTable
	Host         dbhost.Host
	Seeds        ScriptLoader
	Identity     IdentityStore
	Storage      storage.Storage
	Registry     TenantRegistry
	// Locker defaults to an in-process locker
	Locker  Locker
	// Audit receives one record per request; nil disables auditing
	Audit   audit.Shipper
	Options Options
}

// Result is returned by a successful run
type Result struct {
	Message     string `json:"message"`
	URL         string `json:"url"`
	UploadsPath string `json:"uploads_path"`
	Database    string `json:"database"`
	AccountID   string `json:"-"`
	// Created reports whether the administrator account was new
	Created        bool   `json:"-"`
	StorageCreated bool   `json:"-"`
	SeedChecksum   string `json:"-"`
}

// Orchestrator runs provisioning requests. It is safe for concurrent use; runs for the
// same identifier are serialized by the Locker.
type Orchestrator struct {
	allocator *NamespaceAllocator
	schema    *SchemaProvisioner
	rewriter  *ConfigRewriter
	identity  *IdentityProvisioner
	storage   *StorageAllocator
	registry  TenantRegistry
	locker    Locker
	audit     audit.Shipper
	opts      Options
}

// New creates an orchestrator
func New(deps Deps) *Orchestrator {
	locker := deps.Locker
	if locker == nil {
		locker = NewLocalLocker()
	}
	return &Orchestrator{
		allocator: NewNamespaceAllocator(deps.Naming, deps.Host),
		schema:    NewSchemaProvisioner(deps.Host, deps.Seeds),
		rewriter:  NewConfigRewriter(deps.Host, deps.OptionsTable),
		identity:  NewIdentityProvisioner(deps.Identity),
		storage:   NewStorageAllocator(deps.Storage),
		registry:  deps.Registry,
		locker:    locker,
		audit:     deps.Audit,
		opts:      deps.Options.withDefaults(),
	}
}

// run is the state of one provisioning request
type run struct {
	o       *Orchestrator
	req     tenant.Request
	ns      tenant.Namespace
	log     *slog.Logger
	saga    *saga
	claimed bool
}

// Provision validates raw and provisions the tenant it describes. Failures are returned as
// a *StageError wrapping a *tenant.ValidationError, *CollisionError, *ProvisioningError,
// *IdentityError or *StorageError.
func (o *Orchestrator) Provision(ctx context.Context, raw tenant.RawRequest) (*Result, error) {
	start := time.Now()

	req, err := tenant.ValidateRequest(raw)
	if err != nil {
		telemetry.ProvisioningStageFailuresTotal.WithLabelValues(string(StageValidating)).Inc()
		telemetry.SitesProvisionedTotal.WithLabelValues(OutcomeInvalid).Inc()
		slog.Info("provisioning request rejected", "stage", StageValidating, "error", err)
		se := &StageError{Stage: StageValidating, Err: err}
		o.record(ctx, start, tenant.Request{}, nil, se)
		return nil, se
	}

	log := slog.With("identifier", req.Identifier)

	unlock, err := o.locker.TryLock(ctx, req.Identifier)
	if err != nil {
		var cause error
		if errors.Is(err, ErrLocked) {
			cause = &CollisionError{Identifier: req.Identifier, Reason: MsgInProgress, Err: err}
		} else {
			cause = provisioningError(msgLockUnavailable, err)
		}
		telemetry.ProvisioningStageFailuresTotal.WithLabelValues(string(StageAllocating)).Inc()
		telemetry.SitesProvisionedTotal.WithLabelValues(outcomeOf(cause)).Inc()
		log.Warn("provisioning lock not acquired", "error", err)
		se := &StageError{Stage: StageAllocating, Err: cause}
		o.record(ctx, start, req, nil, se)
		return nil, se
	}
	defer unlock()

	r := &run{
		o:    o,
		req:  req,
		log:  log,
		saga: newSaga(o.opts.CompensationTimeout, log),
	}

	result, err := r.execute(ctx)
	if err != nil {
		var se *StageError
		errors.As(err, &se)
		outcome := outcomeOf(se.Err)
		if !se.RolledBack() {
			outcome = OutcomeRollbackFailed
		}
		telemetry.SitesProvisionedTotal.WithLabelValues(outcome).Inc()
		log.Error("provisioning failed",
			"stage", se.Stage,
			"error", se.Err,
			"rolled_back", se.RolledBack(),
			"duration", time.Since(start),
		)
		o.record(ctx, start, req, nil, se)
		return nil, se
	}

	telemetry.SitesProvisionedTotal.WithLabelValues(OutcomeSucceeded).Inc()
	log.Info("site provisioned",
		"database", result.Database,
		"url", result.URL,
		"account_created", result.Created,
		"duration", time.Since(start),
	)
	o.record(ctx, start, req, result, nil)
	return result, nil
}

// record ships the audit event for one request. Shipping failures are logged and never
// change the request's outcome.
func (o *Orchestrator) record(ctx context.Context, start time.Time, req tenant.Request, result *Result, se *StageError) {
	if o.audit == nil {
		return
	}

	event := &audit.Event{
		Timestamp:     start.UTC(),
		Action:        audit.ActionProvision,
		Identifier:    req.Identifier,
		Outcome:       OutcomeSucceeded,
		AdminUsername: req.AdminUsername,
		DurationMS:    time.Since(start).Milliseconds(),
	}
	if result != nil {
		event.Database = result.Database
		event.AccountCreated = result.Created
	}
	if se != nil {
		event.Outcome = outcomeOf(se.Err)
		if !se.RolledBack() {
			event.Outcome = OutcomeRollbackFailed
		}
		event.Stage = string(se.Stage)
		event.RolledBack = se.RolledBack()
		event.Error = se.Err.Error()
	}

	shipCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.opts.StageTimeout)
	defer cancel()
	if err := o.audit.Ship(shipCtx, event); err != nil {
		slog.Warn("failed to ship audit event", "identifier", req.Identifier, "error", err)
	}
}

func (r *run) execute(ctx context.Context) (*Result, error) {
	o := r.o
	result := &Result{Message: MsgSiteCreated}

	err := r.stage(ctx, StageAllocating, o.opts.StageTimeout, func(ctx context.Context) error {
		ns, err := o.allocator.Allocate(ctx, r.req.Identifier)
		if err != nil {
			return err
		}
		r.ns = ns

		err = o.registry.Claim(ctx, &models.Tenant{
			Identifier:   ns.Identifier,
			DatabaseName: ns.DatabaseName,
			BaseURL:      ns.BaseURL,
			StoragePath:  ns.StoragePath,
			StorageURL:   ns.StorageURL,
		})
		if errors.Is(err, repositories.ErrTenantExists) {
			return &CollisionError{Identifier: ns.Identifier, Reason: MsgDatabaseExists, Err: err}
		}
		if err != nil {
			return provisioningError(msgRegistry, err)
		}
		r.claimed = true
		return nil
	})
	if err != nil {
		return nil, err
	}

	err = r.stage(ctx, StageSchemaLoading, o.opts.SchemaTimeout, func(ctx context.Context) error {
		res, err := o.schema.Provision(ctx, r.ns)
		if res.Created {
			r.saga.add(StepDropDatabase, func(ctx context.Context) error {
				return o.schema.Drop(ctx, r.ns)
			})
		}
		result.SeedChecksum = res.Checksum
		return err
	})
	if err != nil {
		return nil, err
	}

	err = r.stage(ctx, StageConfigRewriting, o.opts.StageTimeout, func(ctx context.Context) error {
		return o.rewriter.Rewrite(ctx, r.ns)
	})
	if err != nil {
		return nil, err
	}

	err = r.stage(ctx, StageIdentityProvisioning, o.opts.StageTimeout, func(ctx context.Context) error {
		account, err := o.identity.ProvisionAdmin(ctx, r.req, r.ns)
		if account.changed() {
			r.saga.add(StepRestoreAdmin, func(ctx context.Context) error {
				return o.identity.Undo(ctx, account, r.ns)
			})
		}
		if account != nil {
			result.AccountID = account.AccountID
			result.Created = account.Created
		}
		return err
	})
	if err != nil {
		return nil, err
	}

	err = r.stage(ctx, StageStorageAllocating, o.opts.StageTimeout, func(ctx context.Context) error {
		path, created, err := o.storage.Allocate(ctx, r.ns)
		if err != nil {
			return err
		}
		if created {
			r.saga.add(StepRemoveStorage, func(ctx context.Context) error {
				return o.storage.Release(ctx, r.ns)
			})
		}
		result.UploadsPath = path
		result.StorageCreated = created
		return nil
	})
	if err != nil {
		return nil, err
	}

	err = r.stage(ctx, StageRecording, o.opts.StageTimeout, func(ctx context.Context) error {
		if err := o.registry.MarkActive(ctx, r.ns.Identifier, result.AccountID, result.SeedChecksum); err != nil {
			return provisioningError(msgRegistry, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	result.URL = r.ns.BaseURL
	result.Database = r.ns.DatabaseName
	return result, nil
}

// stage runs fn under its own deadline. On failure it rolls back every completed stage
// and returns a *StageError.
func (r *run) stage(ctx context.Context, stage Stage, timeout time.Duration, fn func(ctx context.Context) error) error {
	stageCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	r.log.Debug("provisioning stage started", "stage", stage)
	err := fn(stageCtx)
	elapsed := time.Since(start)
	telemetry.ProvisioningStageDuration.WithLabelValues(string(stage)).Observe(elapsed.Seconds())

	if err == nil {
		r.log.Debug("provisioning stage finished", "stage", stage, "duration", elapsed)
		return nil
	}

	telemetry.ProvisioningStageFailuresTotal.WithLabelValues(string(stage)).Inc()
	se := &StageError{
		Stage:    stage,
		Err:      err,
		TimedOut: errors.Is(stageCtx.Err(), context.DeadlineExceeded),
	}
	r.log.Warn("provisioning stage failed", "stage", stage, "duration", elapsed, "error", err)
	se.RollbackErr = r.abort(se)
	return se
}

// abort undoes the completed stages and settles the tenant record
func (r *run) abort(se *StageError) error {
	rollbackErr := r.saga.rollback()
	if !r.claimed {
		return rollbackErr
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.o.opts.CompensationTimeout)
	defer cancel()

	if rollbackErr == nil {
		if err := r.o.registry.Release(ctx, r.ns.Identifier); err != nil {
			r.log.Error("failed to release tenant claim", "error", err)
			return err
		}
		return nil
	}

	lastError := se.Err.Error() + "; rollback: " + rollbackErr.Error()
	if err := r.o.registry.MarkRollbackFailed(ctx, r.ns.Identifier, string(se.Stage), lastError); err != nil {
		r.log.Error("failed to record rollback failure", "error", err)
		return errors.Join(rollbackErr, err)
	}
	return rollbackErr
}

func outcomeOf(err error) string {
	var verr *tenant.ValidationError
	var cerr *CollisionError
	switch {
	case errors.As(err, &verr):
		return OutcomeInvalid
	case errors.As(err, &cerr):
		return OutcomeCollision
	default:
		return OutcomeFailed
	}
}
