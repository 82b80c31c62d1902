package provision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/site-provisioner/site-provisioner/internal/telemetry"
)

// Compensation step names, used in logs and the compensations metric
const (
	StepDropDatabase  = "drop_database"
	StepRestoreAdmin  = "restore_admin"
	StepRemoveStorage = "remove_storage"
)

type compensation struct {
	step string
	undo func(ctx context.Context) error
}

// saga collects the undo steps of completed stages and runs them in reverse order.
type saga struct {
	steps   []compensation
	timeout time.Duration
	log     *slog.Logger
}

func newSaga(timeout time.Duration, log *slog.Logger) *saga {
	return &saga{timeout: timeout, log: log}
}

func (s *saga) add(step string, undo func(ctx context.Context) error) {
	s.steps = append(s.steps, compensation{step: step, undo: undo})
}

// rollback runs every registered step, newest first, under a fresh context so that a
// cancelled or expired request still gets cleaned up. A failing step does not stop the
// remaining ones.
func (s *saga) rollback() error {
	if len(s.steps) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	var errs []error
	for i := len(s.steps) - 1; i >= 0; i-- {
		c := s.steps[i]
		if err := c.undo(ctx); err != nil {
			s.log.Error("rollback step failed", "step", c.step, "error", err)
			telemetry.CompensationsTotal.WithLabelValues(c.step, "error").Inc()
			errs = append(errs, fmt.Errorf("%s: %w", c.step, err))
			continue
		}
		s.log.Info("rollback step completed", "step", c.step)
		telemetry.CompensationsTotal.WithLabelValues(c.step, "ok").Inc()
	}
	s.steps = nil
	return errors.Join(errs...)
}
