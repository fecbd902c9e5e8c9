package recorder

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orchestrator-core/orchestrator/pkg/domain"
)

type fakeBackend struct {
	logs       []domain.LogEntry
	failNext   bool
	summary    domain.RunSummary
}

func (f *fakeBackend) InsertLogEntry(e domain.LogEntry) (int64, error) {
	if f.failNext {
		f.failNext = false
		return 0, errors.New("boom")
	}
	e.ID = int64(len(f.logs) + 1)
	f.logs = append(f.logs, e)
	return e.ID, nil
}
func (f *fakeBackend) InsertArtifact(domain.ArtifactRecord) error { return nil }
func (f *fakeBackend) InsertDecision(domain.DecisionRecord) error { return nil }
func (f *fakeBackend) InsertScore(domain.ScoreRecord) error       { return nil }
func (f *fakeBackend) InsertCost(domain.CostRecord) error         { return nil }
func (f *fakeBackend) QueryLogs(domain.LogFilter) ([]domain.LogEntry, error) {
	return f.logs, nil
}
func (f *fakeBackend) RunSummary(string) (domain.RunSummary, error) { return f.summary, nil }

func TestRecordStepAppendsOnSuccess(t *testing.T) {
	fb := &fakeBackend{}
	r := New(fb)
	run := domain.Run{ID: "run-1"}

	r.RecordStep(context.Background(), run, domain.PhaseIntake, "normalize", "agent-1", nil, nil, nil, 0.1, 10, domain.StepSucceeded, "", "", nil)

	require.Len(t, fb.logs, 1)
	want := domain.LogEntry{
		ID: 1, RunID: "run-1", Phase: domain.PhaseIntake, Step: "normalize",
		Actor: "agent-1", CostUSD: 0.1, LatencyMS: 10, Status: domain.StepSucceeded,
	}
	if diff := cmp.Diff(want, fb.logs[0], cmpopts.IgnoreFields(domain.LogEntry{}, "Timestamp", "Sequence")); diff != "" {
		t.Errorf("recorded log entry mismatch (-want +got):\n%s", diff)
	}
	assert.Zero(t, r.PendingCount())
}

func TestRecordStepQueuesOnFailureAndFlushRetries(t *testing.T) {
	fb := &fakeBackend{failNext: true}
	r := New(fb)
	run := domain.Run{ID: "run-1"}

	r.RecordStep(context.Background(), run, domain.PhaseIntake, "normalize", "agent-1", nil, nil, nil, 0.1, 10, domain.StepFailed, "", "", nil)

	assert.Equal(t, 1, r.PendingCount())
	assert.Empty(t, fb.logs)

	flushed := r.Flush()
	assert.Equal(t, 1, flushed)
	assert.Zero(t, r.PendingCount())
	require.Len(t, fb.logs, 1)
}
