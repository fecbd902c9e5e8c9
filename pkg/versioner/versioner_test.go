package versioner

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orchestrator-core/orchestrator/pkg/domain"
)

type fakeBackend struct {
	mu       sync.Mutex
	versions map[string]domain.WorkflowVersion
	runs     map[string]domain.Run
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{versions: map[string]domain.WorkflowVersion{}, runs: map[string]domain.Run{}}
}

func key(workflowID, version string) string { return workflowID + "/" + version }

func (f *fakeBackend) InsertWorkflowVersion(v domain.WorkflowVersion) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.versions[key(v.WorkflowID, v.Version)] = v
	return nil
}

func (f *fakeBackend) GetWorkflowVersion(workflowID, version string) (domain.WorkflowVersion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.versions[key(workflowID, version)]
	if !ok {
		return domain.WorkflowVersion{}, errors.New("not found")
	}
	return v, nil
}

func (f *fakeBackend) ListWorkflowVersions(workflowID string) ([]domain.WorkflowVersion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.WorkflowVersion
	for _, v := range f.versions {
		if v.WorkflowID == workflowID {
			out = append(out, v)
		}
	}
	return out, nil
}

func (f *fakeBackend) GetRun(runID string) (domain.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.runs[runID]
	if !ok {
		return domain.Run{}, errors.New("not found")
	}
	return r, nil
}

func (f *fakeBackend) UpsertRun(r domain.Run) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs[r.ID] = r
	return nil
}

func TestUpgradeMidRunAppliesStepsAndPinsVersion(t *testing.T) {
	backend := newFakeBackend()
	v1 := domain.WorkflowVersion{WorkflowID: "wf", Version: "1.0.0", Phases: []domain.Phase{domain.PhaseIntake, domain.PhaseBuild}}
	v2 := domain.WorkflowVersion{WorkflowID: "wf", Version: "1.1.0", Phases: []domain.Phase{domain.PhaseIntake, domain.PhaseBuild, domain.PhaseQA}}
	require.NoError(t, backend.InsertWorkflowVersion(v1))
	require.NoError(t, backend.InsertWorkflowVersion(v2))
	require.NoError(t, backend.UpsertRun(domain.Run{ID: "r1", WorkflowID: "wf", WorkflowVersion: "1.0.0", CurrentPhase: domain.PhaseBuild}))

	ver := New(backend)
	var applied []string
	steps := []MigrationStep{
		{Name: "step1", Apply: func(ctx context.Context, run domain.Run) error { applied = append(applied, "step1"); return nil }},
	}
	run, err := ver.UpgradeMidRun(context.Background(), "r1", "1.1.0", steps)
	require.NoError(t, err)
	assert.Equal(t, "1.1.0", run.WorkflowVersion)
	assert.Equal(t, []string{"step1"}, applied)
}

func TestUpgradeMidRunRejectsBreakingTarget(t *testing.T) {
	backend := newFakeBackend()
	v1 := domain.WorkflowVersion{WorkflowID: "wf", Version: "1.0.0", Phases: []domain.Phase{domain.PhaseIntake}}
	v2 := domain.WorkflowVersion{WorkflowID: "wf", Version: "2.0.0", Phases: []domain.Phase{domain.PhaseIntake}, BreakingChanges: true}
	require.NoError(t, backend.InsertWorkflowVersion(v1))
	require.NoError(t, backend.InsertWorkflowVersion(v2))
	require.NoError(t, backend.UpsertRun(domain.Run{ID: "r1", WorkflowID: "wf", WorkflowVersion: "1.0.0", CurrentPhase: domain.PhaseIntake}))

	ver := New(backend)
	_, err := ver.UpgradeMidRun(context.Background(), "r1", "2.0.0", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBreakingChange)
}

func TestUpgradeMidRunRejectsWhenCurrentPhaseMissingFromTarget(t *testing.T) {
	backend := newFakeBackend()
	v1 := domain.WorkflowVersion{WorkflowID: "wf", Version: "1.0.0", Phases: []domain.Phase{domain.PhaseIntake, domain.PhaseQA}}
	v2 := domain.WorkflowVersion{WorkflowID: "wf", Version: "1.1.0", Phases: []domain.Phase{domain.PhaseIntake}}
	require.NoError(t, backend.InsertWorkflowVersion(v1))
	require.NoError(t, backend.InsertWorkflowVersion(v2))
	require.NoError(t, backend.UpsertRun(domain.Run{ID: "r1", WorkflowID: "wf", WorkflowVersion: "1.0.0", CurrentPhase: domain.PhaseQA}))

	ver := New(backend)
	_, err := ver.UpgradeMidRun(context.Background(), "r1", "1.1.0", nil)
	require.Error(t, err)
}

func TestUpgradeMidRunRollsBackOnFailure(t *testing.T) {
	backend := newFakeBackend()
	v1 := domain.WorkflowVersion{WorkflowID: "wf", Version: "1.0.0", Phases: []domain.Phase{domain.PhaseIntake}}
	v2 := domain.WorkflowVersion{WorkflowID: "wf", Version: "1.1.0", Phases: []domain.Phase{domain.PhaseIntake}}
	require.NoError(t, backend.InsertWorkflowVersion(v1))
	require.NoError(t, backend.InsertWorkflowVersion(v2))
	require.NoError(t, backend.UpsertRun(domain.Run{ID: "r1", WorkflowID: "wf", WorkflowVersion: "1.0.0", CurrentPhase: domain.PhaseIntake}))

	ver := New(backend)
	var rolledBack bool
	steps := []MigrationStep{
		{Name: "good", Apply: func(ctx context.Context, run domain.Run) error { return nil },
			Rollback: func(ctx context.Context, run domain.Run) error { rolledBack = true; return nil }},
		{Name: "bad", Apply: func(ctx context.Context, run domain.Run) error { return errors.New("boom") }},
	}
	_, err := ver.UpgradeMidRun(context.Background(), "r1", "1.1.0", steps)
	require.Error(t, err)
	assert.True(t, rolledBack)

	run, getErr := backend.GetRun("r1")
	require.NoError(t, getErr)
	assert.Equal(t, "1.0.0", run.WorkflowVersion, "version must not be pinned on failed upgrade")
}
