package phasecoord

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orchestrator-core/orchestrator/pkg/domain"
	"github.com/orchestrator-core/orchestrator/pkg/eventbus"
	"github.com/orchestrator-core/orchestrator/pkg/gatekeeper"
	"github.com/orchestrator-core/orchestrator/pkg/loopdriver"
	"github.com/orchestrator-core/orchestrator/pkg/recorder"
	"github.com/orchestrator-core/orchestrator/pkg/retrypolicy"
	"github.com/orchestrator-core/orchestrator/pkg/supervisor"
)

type fakeRunBackend struct {
	mu  sync.Mutex
	run domain.Run
}

func (f *fakeRunBackend) GetRun(runID string) (domain.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.run, nil
}

func (f *fakeRunBackend) UpsertRun(r domain.Run) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.run = r
	return nil
}

type fakeRecorderBackend struct{ mu sync.Mutex }

func (f *fakeRecorderBackend) InsertLogEntry(domain.LogEntry) (int64, error)     { return 1, nil }
func (f *fakeRecorderBackend) InsertArtifact(domain.ArtifactRecord) error        { return nil }
func (f *fakeRecorderBackend) InsertDecision(domain.DecisionRecord) error        { return nil }
func (f *fakeRecorderBackend) InsertScore(domain.ScoreRecord) error              { return nil }
func (f *fakeRecorderBackend) InsertCost(domain.CostRecord) error                { return nil }
func (f *fakeRecorderBackend) QueryLogs(domain.LogFilter) ([]domain.LogEntry, error) {
	return nil, nil
}
func (f *fakeRecorderBackend) RunSummary(runID string) (domain.RunSummary, error) {
	return domain.RunSummary{}, nil
}

func fastRetryTable() retrypolicy.Table {
	table := retrypolicy.DefaultTable()
	for class, p := range table {
		p.MaxRetries = 1
		p.BaseDelay = time.Millisecond
		p.MaxDelay = 2 * time.Millisecond
		table[class] = p
	}
	return table
}

func newCoordinator(t *testing.T, runBackend *fakeRunBackend, rubrics map[string]domain.GateRubric, cfgs map[domain.Phase]domain.PhaseConfig) (*Coordinator, *eventbus.Bus) {
	t.Helper()
	rec := recorder.New(&fakeRecorderBackend{})
	sup := supervisor.New(supervisor.Config{FailureThreshold: 3, SuccessThreshold: 2, EscalateAfterRetries: 2}, fastRetryTable(), rec)
	loop := loopdriver.New(nil)
	gate := gatekeeper.New(nil)
	bus := eventbus.New(1, 0)
	return New(runBackend, sup, loop, rec, gate, bus, rubrics, cfgs, nil), bus
}

func TestRunPhaseWithoutGateAdvancesCursor(t *testing.T) {
	runBackend := &fakeRunBackend{run: domain.Run{ID: "r1", CurrentPhase: domain.PhaseIntake, Status: domain.RunRunning}}
	cfgs := map[domain.Phase]domain.PhaseConfig{
		domain.PhaseIntake: {Phase: domain.PhaseIntake, MaxConcurrency: 2},
	}
	coord, _ := newCoordinator(t, runBackend, nil, cfgs)

	body := func(ctx context.Context, attempt int) ([]Task, error) {
		return []Task{{ID: "t1", Do: func(ctx context.Context) (any, error) { return PhaseResult{}, nil }}}, nil
	}
	err := coord.RunPhase(context.Background(), runBackend.run, domain.PhaseIntake, body)
	require.NoError(t, err)
	assert.Equal(t, domain.PhaseIdeation, runBackend.run.CurrentPhase)
}

func TestRunPhaseWithGatePassesAndPublishesCompletion(t *testing.T) {
	runBackend := &fakeRunBackend{run: domain.Run{ID: "r1", CurrentPhase: domain.PhaseQA, Status: domain.RunRunning}}
	rubrics := map[string]domain.GateRubric{
		"qa-basic": {Name: "qa-basic", MinimumScore: 0, Metrics: []domain.GateMetric{
			{ID: "pass_rate", Operator: domain.OpGE, Threshold: 0.5, Weight: 1},
		}},
	}
	cfgs := map[domain.Phase]domain.PhaseConfig{
		domain.PhaseQA: {Phase: domain.PhaseQA, MaxConcurrency: 1, GateClass: "qa-basic", MaxGateRetries: 2, CompletionTopic: "phase.qa.completed"},
	}
	coord, bus := newCoordinator(t, runBackend, rubrics, cfgs)

	var gotEvent bool
	bus.Subscribe(eventbus.Topic("phase.qa.completed"), func(eventbus.Envelope) error { gotEvent = true; return nil })

	body := func(ctx context.Context, attempt int) ([]Task, error) {
		return []Task{{ID: "t1", Do: func(ctx context.Context) (any, error) {
			return PhaseResult{Observations: []domain.MetricObservation{{MetricID: "pass_rate", Value: 0.9}}}, nil
		}}}, nil
	}
	err := coord.RunPhase(context.Background(), runBackend.run, domain.PhaseQA, body)
	require.NoError(t, err)
	assert.True(t, gotEvent)
	assert.Equal(t, domain.PhaseAesthetic, runBackend.run.CurrentPhase)
}

func TestRunPhaseEscalatesOnExhaustedRetries(t *testing.T) {
	runBackend := &fakeRunBackend{run: domain.Run{ID: "r1", CurrentPhase: domain.PhaseBuild, Status: domain.RunRunning}}
	cfgs := map[domain.Phase]domain.PhaseConfig{
		domain.PhaseBuild: {Phase: domain.PhaseBuild, MaxConcurrency: 1},
	}
	coord, _ := newCoordinator(t, runBackend, nil, cfgs)

	body := func(ctx context.Context, attempt int) ([]Task, error) {
		return []Task{{ID: "t1", Do: func(ctx context.Context) (any, error) {
			return nil, errors.New("tool infra failure")
		}}}, nil
	}
	err := coord.RunPhase(context.Background(), runBackend.run, domain.PhaseBuild, body)
	require.Error(t, err)
	var nonRecoverable *ErrNonRecoverable
	assert.ErrorAs(t, err, &nonRecoverable)
}

func TestRunPhaseSignalsReplanOnFailedTaskRatio(t *testing.T) {
	runBackend := &fakeRunBackend{run: domain.Run{ID: "r1", CurrentPhase: domain.PhaseBuild, Status: domain.RunRunning}}
	rec := recorder.New(&fakeRecorderBackend{})
	// EscalateAfterRetries is set far above what this test's tasks reach, so
	// their failures come back as ordinary exhausted-retries errors rather
	// than supervisor.ErrEscalated, and the phase tolerates them instead of
	// aborting outright.
	sup := supervisor.New(supervisor.Config{FailureThreshold: 100, SuccessThreshold: 2, EscalateAfterRetries: 100}, fastRetryTable(), rec)
	loop := loopdriver.New(nil)
	gate := gatekeeper.New(nil)
	bus := eventbus.New(1, 0)
	cfgs := map[domain.Phase]domain.PhaseConfig{
		domain.PhaseBuild: {Phase: domain.PhaseBuild, MaxConcurrency: 4, ReplanThreshold: 0.5},
	}
	coord := New(runBackend, sup, loop, rec, gate, bus, nil, cfgs, nil)

	var gotSignal bool
	var gotRatio float64
	bus.Subscribe(eventbus.TopicPhaseReplanSuggested, func(env eventbus.Envelope) error {
		gotSignal = true
		if evt, ok := env.Payload.(PhaseReplanSuggestedEvent); ok {
			gotRatio = evt.FailedRatio
		}
		return nil
	})

	body := func(ctx context.Context, attempt int) ([]Task, error) {
		return []Task{
			{ID: "t1", Do: func(ctx context.Context) (any, error) { return PhaseResult{}, nil }},
			{ID: "t2", Do: func(ctx context.Context) (any, error) { return nil, errors.New("transient failure") }},
			{ID: "t3", Do: func(ctx context.Context) (any, error) { return nil, errors.New("transient failure") }},
		}, nil
	}
	err := coord.RunPhase(context.Background(), runBackend.run, domain.PhaseBuild, body)
	require.NoError(t, err)
	require.True(t, gotSignal)
	assert.InDelta(t, 2.0/3.0, gotRatio, 0.001)
	assert.Equal(t, domain.PhaseStoryLoop, runBackend.run.CurrentPhase)
}
