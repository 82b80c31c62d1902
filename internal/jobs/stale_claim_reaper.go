// Package jobs holds the provisioner's background jobs.
//
// stale_claim_reaper.go implements the StaleClaimReaper, which periodically moves tenant
// records stuck in provisioning to abandoned. A record stays in provisioning only while a
// run is in flight, so one that outlives maxAge belongs to a process that died mid-run and
// may have left resources behind.
package jobs

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/site-provisioner/site-provisioner/internal/telemetry"
)

// Defaults used when the constructor is given a non-positive value
const (
	DefaultStaleClaimAfter = 30 * time.Minute
	DefaultReapInterval    = 5 * time.Minute
)

// StaleClaimStore abandons provisioning records last updated before cutoff.
// *repositories.TenantRepository satisfies it.
type StaleClaimStore interface {
	AbandonStale(ctx context.Context, cutoff time.Time) ([]string, error)
}

// StaleClaimReaper periodically abandons stale provisioning claims
type StaleClaimReaper struct {
	store    StaleClaimStore
	maxAge   time.Duration
	interval time.Duration
	now      func() time.Time

	stopOnce sync.Once
	stopChan chan struct{}
}

// NewStaleClaimReaper creates a reaper abandoning claims older than maxAge every interval
func NewStaleClaimReaper(store StaleClaimStore, maxAge, interval time.Duration) *StaleClaimReaper {
	if maxAge <= 0 {
		maxAge = DefaultStaleClaimAfter
	}
	if interval <= 0 {
		interval = DefaultReapInterval
	}
	return &StaleClaimReaper{
		store:    store,
		maxAge:   maxAge,
		interval: interval,
		now:      time.Now,
		stopChan: make(chan struct{}),
	}
}

// Start runs the reaper until ctx is cancelled or Stop is called. It blocks; run it in
// its own goroutine.
func (r *StaleClaimReaper) Start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	slog.Info("stale claim reaper started", "interval", r.interval, "max_age", r.maxAge)

	// Run immediately on start
	r.RunOnce(ctx)

	for {
		select {
		case <-ticker.C:
			r.RunOnce(ctx)
		case <-r.stopChan:
			slog.Info("stale claim reaper stopped")
			return
		case <-ctx.Done():
			slog.Info("stale claim reaper context cancelled")
			return
		}
	}
}

// Stop stops the reaper. It is safe to call more than once.
func (r *StaleClaimReaper) Stop() {
	r.stopOnce.Do(func() { close(r.stopChan) })
}

// RunOnce performs a single pass and returns the identifiers it abandoned
func (r *StaleClaimReaper) RunOnce(ctx context.Context) []string {
	if r.store == nil {
		slog.Debug("stale claim reaper: store not configured, skipping")
		return nil
	}

	cutoff := r.now().Add(-r.maxAge)
	identifiers, err := r.store.AbandonStale(ctx, cutoff)
	if err != nil {
		slog.Error("stale claim reaper: failed to abandon stale claims", "error", err)
		return nil
	}
	if len(identifiers) == 0 {
		return nil
	}

	telemetry.StaleClaimsReapedTotal.Add(float64(len(identifiers)))
	for _, id := range identifiers {
		slog.Warn("abandoned stale provisioning claim; resources may need manual cleanup",
			"identifier", id, "cutoff", cutoff)
	}
	return identifiers
}
