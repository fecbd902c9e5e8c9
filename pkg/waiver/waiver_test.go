package waiver

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
)

var errNotFound = errors.New("waiver not found")

type fakeBackend struct {
	mu      sync.Mutex
	waivers map[string]domain.Waiver
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{waivers: map[string]domain.Waiver{}}
}

func (f *fakeBackend) InsertWaiver(w domain.Waiver) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.waivers[w.ID] = w
	return nil
}

func (f *fakeBackend) UpdateWaiverStatus(w domain.Waiver) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	existing := f.waivers[w.ID]
	existing.Status = w.Status
	existing.ApprovedBy = w.ApprovedBy
	existing.ApprovedAt = w.ApprovedAt
	existing.RevokedAt = w.RevokedAt
	f.waivers[w.ID] = existing
	return nil
}

func (f *fakeBackend) GetWaiver(id string) (domain.Waiver, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w, ok := f.waivers[id]
	if !ok {
		return domain.Waiver{}, errNotFound
	}
	return w, nil
}

func (f *fakeBackend) FindActiveWaiver(runID string, phase domain.Phase, violationType string) (domain.Waiver, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, w := range f.waivers {
		if w.RunID == runID && w.Phase == phase && w.ViolationType == violationType && w.Status == domain.WaiverActive {
			return w, true, nil
		}
	}
	return domain.Waiver{}, false, nil
}

func (f *fakeBackend) ListWaivers() ([]domain.Waiver, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.Waiver, 0, len(f.waivers))
	for _, w := range f.waivers {
		out = append(out, w)
	}
	return out, nil
}

func TestRequestWaiverWithoutApprovalStartsActive(t *testing.T) {
	backend := newFakeBackend()
	m := New(backend, nil, 0)

	w, err := m.RequestWaiver(Request{RunID: "r1", Phase: domain.PhaseQA, ViolationType: "coverage_gap"})
	require.NoError(t, err)
	assert.Equal(t, domain.WaiverActive, w.Status)

	got, ok, err := m.CheckWaiver("r1", domain.PhaseQA, "coverage_gap")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, w.ID, got.ID)
}

func TestRequestWaiverRequiringApprovalStartsPending(t *testing.T) {
	backend := newFakeBackend()
	m := New(backend, nil, 0)

	w, err := m.RequestWaiver(Request{RunID: "r1", Phase: domain.PhaseQA, ViolationType: "sec_risk", RequiresApproval: true})
	require.NoError(t, err)
	assert.Equal(t, domain.WaiverPending, w.Status)

	_, ok, err := m.CheckWaiver("r1", domain.PhaseQA, "sec_risk")
	require.NoError(t, err)
	assert.False(t, ok, "pending waiver must not be usable as an active waiver")

	require.NoError(t, m.ApproveWaiver(w.ID, "approver@example.com"))
	_, ok, err = m.CheckWaiver("r1", domain.PhaseQA, "sec_risk")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestApproveWaiverTwiceErrors(t *testing.T) {
	backend := newFakeBackend()
	m := New(backend, nil, 0)
	w, err := m.RequestWaiver(Request{RunID: "r1", Phase: domain.PhaseQA, ViolationType: "x", RequiresApproval: true})
	require.NoError(t, err)

	require.NoError(t, m.ApproveWaiver(w.ID, "a"))
	err = m.ApproveWaiver(w.ID, "a")
	assert.ErrorIs(t, err, ErrAlreadyTransitioned)
}

func TestRevokeWaiverTransitionsToRevokedAndIsNoLongerActive(t *testing.T) {
	backend := newFakeBackend()
	m := New(backend, nil, 0)
	w, err := m.RequestWaiver(Request{RunID: "r1", Phase: domain.PhaseQA, ViolationType: "x"})
	require.NoError(t, err)

	require.NoError(t, m.RevokeWaiver(w.ID, "no longer needed"))
	_, ok, err := m.CheckWaiver("r1", domain.PhaseQA, "x")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSweepExpiresStaleActiveWaivers(t *testing.T) {
	backend := newFakeBackend()
	bus := eventbus.New(1, 0)
	var expired int
	bus.Subscribe(eventbus.TopicWaiverExpired, func(eventbus.Envelope) error { expired++; return nil })

	m := New(backend, bus, time.Millisecond)
	w, err := m.RequestWaiver(Request{RunID: "r1", Phase: domain.PhaseQA, ViolationType: "x"})
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	n, err := m.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, expired)

	got, err := backend.GetWaiver(w.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.WaiverExpired, got.Status)
}

func TestGetStatsCountsByStatus(t *testing.T) {
	backend := newFakeBackend()
	m := New(backend, nil, time.Hour)
	_, err := m.RequestWaiver(Request{RunID: "r1", Phase: domain.PhaseQA, ViolationType: "a"})
	require.NoError(t, err)
	_, err = m.RequestWaiver(Request{RunID: "r1", Phase: domain.PhaseQA, ViolationType: "b", RequiresApproval: true})
	require.NoError(t, err)

	stats, err := m.GetStats()
	require.NoError(t, err)
	assert.Equal(t, 1, stats.ByStatus[domain.WaiverActive])
	assert.Equal(t, 1, stats.ByStatus[domain.WaiverPending])
	assert.Equal(t, 1, stats.ExpiringWithin7Days)
}
