// Package versioner implements the Workflow Versioner (§4.11): semver-tagged
// workflow definitions and mid-run upgrades with migration and rollback.
package versioner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/orchestrator-core/orchestrator/internal/logging"
	"github.com/orchestrator-core/orchestrator/pkg/domain"
)

// Backend is the persistence surface the versioner needs.
type Backend interface {
	InsertWorkflowVersion(domain.WorkflowVersion) error
	GetWorkflowVersion(workflowID, version string) (domain.WorkflowVersion, error)
	ListWorkflowVersions(workflowID string) ([]domain.WorkflowVersion, error)
	GetRun(runID string) (domain.Run, error)
	UpsertRun(domain.Run) error
}

// MigrationStep is an opaque action with a paired rollback and a safe flag
// (§4.11: "the versioner is agnostic to step content").
type MigrationStep struct {
	Name     string
	Safe     bool
	Apply    func(ctx context.Context, run domain.Run) error
	Rollback func(ctx context.Context, run domain.Run) error
}

// ErrBreakingChange is returned when an upgrade target cannot be applied
// mid-run.
var ErrBreakingChange = errors.New("versioner: target version is not mid-run upgradeable")

// ErrMigrationFailed wraps the original failure plus whether rollback of the
// already-applied steps succeeded.
type ErrMigrationFailed struct {
	Step        string
	Cause       error
	RolledBack  bool
	RollbackErr error
}

func (e *ErrMigrationFailed) Error() string {
	if e.RolledBack {
		return fmt.Sprintf("versioner: migration step %q failed (rolled back): %v", e.Step, e.Cause)
	}
	return fmt.Sprintf("versioner: migration step %q failed, rollback also failed: %v (rollback: %v)", e.Step, e.Cause, e.RollbackErr)
}

func (e *ErrMigrationFailed) Unwrap() error { return e.Cause }

// Versioner manages workflow version registration and mid-run upgrades.
type Versioner struct {
	backend Backend
	log     *zap.Logger
}

// New builds a Versioner.
func New(backend Backend) *Versioner {
	return &Versioner{backend: backend, log: logging.Component("versioner")}
}

// RegisterVersion registers a semver-tagged workflow version.
func (v *Versioner) RegisterVersion(wv domain.WorkflowVersion) error {
	now := time.Now()
	if wv.CreatedAt.IsZero() {
		wv.CreatedAt = now
	}
	wv.UpdatedAt = now
	if err := v.backend.InsertWorkflowVersion(wv); err != nil {
		return fmt.Errorf("register version %s/%s: %w", wv.WorkflowID, wv.Version, err)
	}
	return nil
}

// GetVersion fetches one registered version.
func (v *Versioner) GetVersion(workflowID, version string) (domain.WorkflowVersion, error) {
	wv, err := v.backend.GetWorkflowVersion(workflowID, version)
	if err != nil {
		return domain.WorkflowVersion{}, fmt.Errorf("get version %s/%s: %w", workflowID, version, err)
	}
	return wv, nil
}

// ListVersions returns every version registered for a workflow, oldest first.
func (v *Versioner) ListVersions(workflowID string) ([]domain.WorkflowVersion, error) {
	return v.backend.ListWorkflowVersions(workflowID)
}

// CanUpgradeMidRun implements §4.11 step 2's compatibility check: a breaking
// flag on the target, any phase the target removed, or the run's current
// phase missing from the target's phase list all forbid a mid-run upgrade.
func CanUpgradeMidRun(current domain.WorkflowVersion, target domain.WorkflowVersion, run domain.Run) (bool, string) {
	if target.BreakingChanges {
		return false, "target version is marked breaking"
	}
	for _, p := range current.Phases {
		if !target.HasPhase(p) {
			return false, fmt.Sprintf("target version removed phase %s", p)
		}
	}
	if !target.HasPhase(run.CurrentPhase) {
		return false, fmt.Sprintf("run's current phase %s is missing from target version", run.CurrentPhase)
	}
	return true, ""
}

// UpgradeMidRun implements §4.11 in full: fetch current version, compatibility
// check, run migration steps in order (rolling back in reverse on any
// failure), and on success pin the run to the new version.
func (v *Versioner) UpgradeMidRun(ctx context.Context, runID, targetVersion string, steps []MigrationStep) (domain.Run, error) {
	run, err := v.backend.GetRun(runID)
	if err != nil {
		return domain.Run{}, fmt.Errorf("upgrade mid-run: get run %s: %w", runID, err)
	}

	current, err := v.backend.GetWorkflowVersion(run.WorkflowID, run.WorkflowVersion)
	if err != nil {
		return domain.Run{}, fmt.Errorf("upgrade mid-run: get current version: %w", err)
	}
	target, err := v.backend.GetWorkflowVersion(run.WorkflowID, targetVersion)
	if err != nil {
		return domain.Run{}, fmt.Errorf("upgrade mid-run: get target version: %w", err)
	}

	if ok, reason := CanUpgradeMidRun(current, target, run); !ok {
		return domain.Run{}, fmt.Errorf("%w: %s", ErrBreakingChange, reason)
	}

	applied := make([]MigrationStep, 0, len(steps))
	for _, step := range steps {
		if err := step.Apply(ctx, run); err != nil {
			rollbackErr := v.rollback(ctx, run, applied)
			return domain.Run{}, &ErrMigrationFailed{Step: step.Name, Cause: err, RolledBack: rollbackErr == nil, RollbackErr: rollbackErr}
		}
		applied = append(applied, step)
	}

	run.WorkflowVersion = target.Version
	run.UpdatedAt = time.Now()
	if err := v.backend.UpsertRun(run); err != nil {
		rollbackErr := v.rollback(ctx, run, applied)
		return domain.Run{}, &ErrMigrationFailed{Step: "pin run version", Cause: err, RolledBack: rollbackErr == nil, RollbackErr: rollbackErr}
	}

	v.log.Info("versioner: upgraded run mid-run",
		zap.String("run_id", runID), zap.String("from", current.Version), zap.String("to", target.Version))
	return run, nil
}

// rollback replays applied steps' rollback functions in reverse order,
// stopping at (and reporting) the first failure.
func (v *Versioner) rollback(ctx context.Context, run domain.Run, applied []MigrationStep) error {
	for i := len(applied) - 1; i >= 0; i-- {
		step := applied[i]
		if step.Rollback == nil {
			continue
		}
		if err := step.Rollback(ctx, run); err != nil {
			v.log.Warn("versioner: rollback step failed", zap.String("step", step.Name), zap.Error(err))
			return fmt.Errorf("rollback step %q: %w", step.Name, err)
		}
	}
	return nil
}
