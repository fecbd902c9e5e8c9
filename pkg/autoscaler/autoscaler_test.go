package autoscaler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orchestrator-core/orchestrator/pkg/domain"
)

type fakeBackend struct {
	mu        sync.Mutex
	policies  map[string]domain.ScalingPolicy
	workers   map[string]domain.Worker
	decisions []domain.ScalingDecision
}

func newFakeBackend(policies ...domain.ScalingPolicy) *fakeBackend {
	b := &fakeBackend{policies: map[string]domain.ScalingPolicy{}, workers: map[string]domain.Worker{}}
	for _, p := range policies {
		b.policies[p.PolicyID] = p
	}
	return b
}

func (b *fakeBackend) ListPolicies() ([]domain.ScalingPolicy, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []domain.ScalingPolicy
	for _, p := range b.policies {
		out = append(out, p)
	}
	return out, nil
}

func (b *fakeBackend) GetPolicy(id string) (domain.ScalingPolicy, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.policies[id], nil
}

func (b *fakeBackend) UpsertWorker(w domain.Worker) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.workers[w.ID] = w
	return nil
}

func (b *fakeBackend) ListWorkers(shardID string, phase domain.Phase, resourceType domain.ResourceClass) ([]domain.Worker, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []domain.Worker
	for _, w := range b.workers {
		if w.ShardID == shardID && w.Phase == phase && w.ResourceType == resourceType && w.Status != domain.WorkerTerminated {
			out = append(out, w)
		}
	}
	return out, nil
}

func (b *fakeBackend) InsertScalingDecision(d domain.ScalingDecision) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.decisions = append(b.decisions, d)
	return nil
}

func (b *fakeBackend) UpdateScalingDecisionStatus(decisionID string, status domain.DecisionStatus, executedAt *time.Time, errMsg string) error {
	return nil
}

func (b *fakeBackend) LastDecisionFor(policyID string) (domain.ScalingDecision, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var last domain.ScalingDecision
	found := false
	for _, d := range b.decisions {
		if d.PolicyID == policyID && (!found || d.CreatedAt.After(last.CreatedAt)) {
			last = d
			found = true
		}
	}
	return last, found, nil
}

func basicPolicy() domain.ScalingPolicy {
	return domain.ScalingPolicy{
		PolicyID: "p1", ShardID: "s1", Phase: domain.PhaseBuild, ResourceType: domain.ResourceCPU,
		MinWorkers: 1, MaxWorkers: 5,
		TargetQueueDepth: 10, TargetCPUUtilization: 0.7, TargetMemoryUtilization: 0.7, TargetTaskLatency: time.Second,
		ScaleUpIncrement: 2, ScaleDownDecrement: 1,
		ScaleUpCooldown: 0, ScaleDownCooldown: 0,
	}
}

func TestEvaluatePolicyScalesUpOnQueueDepth(t *testing.T) {
	backend := newFakeBackend(basicPolicy())
	metrics := func(ctx context.Context, p domain.ScalingPolicy) (domain.PoolMetrics, error) {
		return domain.PoolMetrics{CurrentWorkers: 2, Idle: 0, QueueDepth: 25, CPUUtil: 0.5, MemUtil: 0.5}, nil
	}
	a := New(backend, metrics, nil, time.Minute)

	d, err := a.EvaluatePolicy(context.Background(), basicPolicy())
	require.NoError(t, err)
	assert.Equal(t, domain.ScaleUp, d.Action)
	assert.Equal(t, 4, d.TargetWorkers)
}

func TestEvaluatePolicyRespectsMaxWorkers(t *testing.T) {
	p := basicPolicy()
	p.MaxWorkers = 3
	backend := newFakeBackend(p)
	metrics := func(ctx context.Context, p domain.ScalingPolicy) (domain.PoolMetrics, error) {
		return domain.PoolMetrics{CurrentWorkers: 2, QueueDepth: 25, CPUUtil: 0.5, MemUtil: 0.5}, nil
	}
	a := New(backend, metrics, nil, time.Minute)
	d, err := a.EvaluatePolicy(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, domain.ScaleUp, d.Action)
	assert.Equal(t, 3, d.TargetWorkers)
}

func TestEvaluatePolicyScalesDownOnMultipleReasons(t *testing.T) {
	p := basicPolicy()
	backend := newFakeBackend(p)
	metrics := func(ctx context.Context, p domain.ScalingPolicy) (domain.PoolMetrics, error) {
		return domain.PoolMetrics{CurrentWorkers: 4, Idle: 3, QueueDepth: 0, CPUUtil: 0.1, MemUtil: 0.1}, nil
	}
	a := New(backend, metrics, nil, time.Minute)
	d, err := a.EvaluatePolicy(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, domain.ScaleDown, d.Action)
	assert.Equal(t, 3, d.TargetWorkers)
}

func TestEvaluatePolicyConflictYieldsNoChange(t *testing.T) {
	p := basicPolicy()
	backend := newFakeBackend(p)
	metrics := func(ctx context.Context, p domain.ScalingPolicy) (domain.PoolMetrics, error) {
		return domain.PoolMetrics{CurrentWorkers: 4, Idle: 0, QueueDepth: 25, CPUUtil: 0.1, MemUtil: 0.1}, nil
	}
	a := New(backend, metrics, nil, time.Minute)
	d, err := a.EvaluatePolicy(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, domain.NoChange, d.Action)
	assert.Contains(t, d.Reason, "conflict")
}

func TestEvaluatePolicyNoActionWhenUnderCooldown(t *testing.T) {
	p := basicPolicy()
	p.ScaleUpCooldown = time.Hour
	backend := newFakeBackend(p)
	backend.decisions = append(backend.decisions, domain.ScalingDecision{
		PolicyID: p.PolicyID, Action: domain.ScaleUp, CreatedAt: time.Now(),
	})
	metrics := func(ctx context.Context, p domain.ScalingPolicy) (domain.PoolMetrics, error) {
		return domain.PoolMetrics{CurrentWorkers: 2, QueueDepth: 25, CPUUtil: 0.5, MemUtil: 0.5}, nil
	}
	a := New(backend, metrics, nil, time.Minute)
	d, err := a.EvaluatePolicy(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, domain.NoChange, d.Action)
	assert.Contains(t, d.Reason, "cooldown")
}

func TestEvaluatePolicyScaleUpCreatesInitializingWorkersThenIdle(t *testing.T) {
	oldGrace := GracePeriod
	GracePeriod = 10 * time.Millisecond
	defer func() { GracePeriod = oldGrace }()

	p := basicPolicy()
	backend := newFakeBackend(p)
	metrics := func(ctx context.Context, p domain.ScalingPolicy) (domain.PoolMetrics, error) {
		return domain.PoolMetrics{CurrentWorkers: 2, QueueDepth: 25, CPUUtil: 0.5, MemUtil: 0.5}, nil
	}
	a := New(backend, metrics, nil, time.Minute)
	d, err := a.EvaluatePolicy(context.Background(), p)
	require.NoError(t, err)
	require.Equal(t, domain.ScaleUp, d.Action)

	workers, _ := backend.ListWorkers(p.ShardID, p.Phase, p.ResourceType)
	require.Len(t, workers, 2)
	for _, w := range workers {
		assert.Equal(t, domain.WorkerInitializing, w.Status)
	}

	time.Sleep(50 * time.Millisecond)
	workers, _ = backend.ListWorkers(p.ShardID, p.Phase, p.ResourceType)
	for _, w := range workers {
		assert.Equal(t, domain.WorkerIdle, w.Status)
	}
}
