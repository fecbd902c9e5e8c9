// Package autoscaler implements per-ScalingPolicy worker-count decisions
// (§4.10). Autoscaler is the exclusive owner of Worker and ScalingPolicy
// state (§3); every other component observes workers read-only.
package autoscaler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/orchestrator-core/orchestrator/internal/logging"
	"github.com/orchestrator-core/orchestrator/pkg/domain"
	"github.com/orchestrator-core/orchestrator/pkg/recorder"
)

// MetricsProvider reads the live pool state behind a policy. Implementations
// typically aggregate from the worker list plus a queue/latency source.
type MetricsProvider func(ctx context.Context, policy domain.ScalingPolicy) (domain.PoolMetrics, error)

// Backend is the persistence surface the autoscaler needs.
type Backend interface {
	ListPolicies() ([]domain.ScalingPolicy, error)
	GetPolicy(id string) (domain.ScalingPolicy, error)
	UpsertWorker(domain.Worker) error
	ListWorkers(shardID string, phase domain.Phase, resourceType domain.ResourceClass) ([]domain.Worker, error)
	InsertScalingDecision(domain.ScalingDecision) error
	UpdateScalingDecisionStatus(decisionID string, status domain.DecisionStatus, executedAt *time.Time, errMsg string) error
	LastDecisionFor(policyID string) (domain.ScalingDecision, bool, error)
}

// history is a bounded ring buffer of recent PoolMetrics, used for the
// predictive-scaling moving-average trend (§4.10 step 2, 7).
type history struct {
	mu      sync.Mutex
	samples []domain.PoolMetrics
}

const maxHistory = 1000

func (h *history) append(m domain.PoolMetrics) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.samples = append(h.samples, m)
	if len(h.samples) > maxHistory {
		h.samples = h.samples[len(h.samples)-maxHistory:]
	}
}

// trendRising reports whether the moving average of queue depth over the
// last ten samples rose more than factor times versus the ten before that.
func (h *history) trendRising(factor float64) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	const window = 10
	if len(h.samples) < 2*window {
		return false
	}
	recent := h.samples[len(h.samples)-window:]
	prior := h.samples[len(h.samples)-2*window : len(h.samples)-window]
	recentAvg := avgQueueDepth(recent)
	priorAvg := avgQueueDepth(prior)
	if priorAvg <= 0 {
		return recentAvg > 0
	}
	return recentAvg > priorAvg*factor
}

func avgQueueDepth(samples []domain.PoolMetrics) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s.QueueDepth)
	}
	return sum / float64(len(samples))
}

// GracePeriod is how long an initializing worker takes to become ready.
// Overridable in tests; production default mirrors the ~1s simulation
// grace called out in §4.10.
var GracePeriod = time.Second

// Autoscaler evaluates every registered policy on a periodic cadence.
type Autoscaler struct {
	backend  Backend
	metrics  MetricsProvider
	rec      *recorder.Recorder
	log      *zap.Logger
	cadence  time.Duration
	histories sync.Map // policyID -> *history
}

// New builds an Autoscaler. cadence <= 0 defaults to 30s (§4.10).
func New(backend Backend, metrics MetricsProvider, rec *recorder.Recorder, cadence time.Duration) *Autoscaler {
	if cadence <= 0 {
		cadence = 30 * time.Second
	}
	return &Autoscaler{backend: backend, metrics: metrics, rec: rec, log: logging.Component("autoscaler"), cadence: cadence}
}

func (a *Autoscaler) historyFor(policyID string) *history {
	v, _ := a.histories.LoadOrStore(policyID, &history{})
	return v.(*history)
}

// Run evaluates every policy on the configured cadence until ctx is
// cancelled. Different policies evaluate concurrently; decisions for the
// same policy are never concurrent because each policy gets one ticker tick
// handled to completion before the next.
func (a *Autoscaler) Run(ctx context.Context) {
	ticker := time.NewTicker(a.cadence)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.EvaluateAll(ctx); err != nil {
				a.log.Warn("autoscaler: evaluation sweep failed", zap.Error(err))
			}
		}
	}
}

// EvaluateAll evaluates every registered policy concurrently (bounded by
// errgroup's natural fan-out, one goroutine per policy).
func (a *Autoscaler) EvaluateAll(ctx context.Context) error {
	policies, err := a.backend.ListPolicies()
	if err != nil {
		return fmt.Errorf("autoscaler: list policies: %w", err)
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, p := range policies {
		p := p
		g.Go(func() error {
			if _, err := a.EvaluatePolicy(gctx, p); err != nil {
				a.log.Warn("autoscaler: policy evaluation failed", zap.String("policy_id", p.PolicyID), zap.Error(err))
			}
			return nil
		})
	}
	return g.Wait()
}

// EvaluatePolicy runs one full §4.10 evaluation cycle for a single policy.
func (a *Autoscaler) EvaluatePolicy(ctx context.Context, policy domain.ScalingPolicy) (domain.ScalingDecision, error) {
	metrics, err := a.metrics(ctx, policy)
	if err != nil {
		return domain.ScalingDecision{}, fmt.Errorf("read metrics for %s: %w", policy.PolicyID, err)
	}
	if metrics.ObservedAt.IsZero() {
		metrics.ObservedAt = time.Now()
	}
	hist := a.historyFor(policy.PolicyID)
	hist.append(metrics)

	upReasons := scaleUpReasons(policy, metrics)
	downReasons := scaleDownReasons(policy, metrics)

	last, hasLast, err := a.backend.LastDecisionFor(policy.PolicyID)
	if err != nil {
		return domain.ScalingDecision{}, fmt.Errorf("last decision for %s: %w", policy.PolicyID, err)
	}

	decision := domain.ScalingDecision{
		DecisionID:     uuid.NewString(),
		PolicyID:       policy.PolicyID,
		ShardID:        policy.ShardID,
		Phase:          policy.Phase,
		CurrentWorkers: metrics.CurrentWorkers,
		Metrics:        metrics,
		Status:         domain.DecisionCompleted,
		CreatedAt:      time.Now(),
	}

	switch {
	case len(upReasons) > 0 && len(downReasons) > 0:
		decision.Action = domain.NoChange
		decision.TargetWorkers = metrics.CurrentWorkers
		decision.Reason = "conflict: both scale-up and scale-down conditions present: " + joinReasons(upReasons, downReasons)

	case len(upReasons) > 0 && metrics.CurrentWorkers < policy.MaxWorkers:
		if hasLast && time.Since(last.CreatedAt) < policy.ScaleUpCooldown {
			decision.Action = domain.NoChange
			decision.TargetWorkers = metrics.CurrentWorkers
			decision.Reason = "scale-up cooldown active"
			break
		}
		step := policy.ScaleUpIncrement
		if policy.PredictiveScaling && hist.trendRising(1.5) {
			step *= 2
		}
		target := metrics.CurrentWorkers + step
		if target > policy.MaxWorkers {
			target = policy.MaxWorkers
		}
		decision.Action = domain.ScaleUp
		decision.TargetWorkers = target
		decision.Reason = joinReasonList(upReasons)

	case len(downReasons) >= 2 && metrics.CurrentWorkers > policy.MinWorkers:
		if hasLast && time.Since(last.CreatedAt) < policy.ScaleDownCooldown {
			decision.Action = domain.NoChange
			decision.TargetWorkers = metrics.CurrentWorkers
			decision.Reason = "scale-down cooldown active"
			break
		}
		target := metrics.CurrentWorkers - policy.ScaleDownDecrement
		if target < policy.MinWorkers {
			target = policy.MinWorkers
		}
		decision.Action = domain.ScaleDown
		decision.TargetWorkers = target
		decision.Reason = joinReasonList(downReasons)

	default:
		decision.Action = domain.NoChange
		decision.TargetWorkers = metrics.CurrentWorkers
		decision.Reason = "no scaling condition met"
	}

	if err := a.backend.InsertScalingDecision(decision); err != nil {
		a.log.Warn("autoscaler: failed to persist decision", zap.String("policy_id", policy.PolicyID), zap.Error(err))
	}
	if a.rec != nil {
		pseudoRun := domain.Run{ID: policy.PolicyID}
		a.rec.RecordDecision(pseudoRun, policy.Phase, "autoscaler", string(decision.Action), []string{decision.Reason}, nil)
	}

	if decision.Action != domain.NoChange {
		if err := a.execute(ctx, policy, &decision); err != nil {
			decision.Status = domain.DecisionFailed
			decision.ErrorMessage = err.Error()
			_ = a.backend.UpdateScalingDecisionStatus(decision.DecisionID, domain.DecisionFailed, nil, err.Error())
			return decision, err
		}
		now := time.Now()
		decision.ExecutedAt = &now
		decision.Status = domain.DecisionCompleted
		_ = a.backend.UpdateScalingDecisionStatus(decision.DecisionID, domain.DecisionCompleted, &now, "")
	}

	return decision, nil
}

func scaleUpReasons(p domain.ScalingPolicy, m domain.PoolMetrics) []string {
	var reasons []string
	if m.QueueDepth > p.TargetQueueDepth {
		reasons = append(reasons, "queue depth exceeds target")
	}
	if m.CPUUtil > p.TargetCPUUtilization {
		reasons = append(reasons, "cpu exceeds target")
	}
	if m.MemUtil > p.TargetMemoryUtilization {
		reasons = append(reasons, "memory exceeds target")
	}
	if m.AvgTaskLatency > p.TargetTaskLatency {
		reasons = append(reasons, "latency exceeds target")
	}
	if m.Idle == 0 && m.QueueDepth > 0 {
		reasons = append(reasons, "no idle workers with pending queue")
	}
	return reasons
}

func scaleDownReasons(p domain.ScalingPolicy, m domain.PoolMetrics) []string {
	var reasons []string
	if m.QueueDepth == 0 {
		reasons = append(reasons, "queue empty")
	}
	if m.CPUUtil < p.TargetCPUUtilization*0.5 {
		reasons = append(reasons, "cpu below half target")
	}
	if m.MemUtil < p.TargetMemoryUtilization*0.5 {
		reasons = append(reasons, "memory below half target")
	}
	if m.CurrentWorkers > 0 && float64(m.Idle)/float64(m.CurrentWorkers) > 0.5 {
		reasons = append(reasons, "idle fraction above half")
	}
	return reasons
}

func joinReasonList(reasons []string) string {
	out := reasons[0]
	for _, r := range reasons[1:] {
		out += "; " + r
	}
	return out
}

func joinReasons(up, down []string) string {
	return joinReasonList(up) + " | " + joinReasonList(down)
}

// execute realizes a scale decision against the worker pool: scale-up
// creates workers in initializing (transitioning to idle after GracePeriod);
// scale-down marks the longest-idle workers draining, terminating them
// immediately if GracefulShutdown is off (§4.10 step 8).
func (a *Autoscaler) execute(ctx context.Context, policy domain.ScalingPolicy, d *domain.ScalingDecision) error {
	workers, err := a.backend.ListWorkers(policy.ShardID, policy.Phase, policy.ResourceType)
	if err != nil {
		return fmt.Errorf("list workers: %w", err)
	}

	switch d.Action {
	case domain.ScaleUp:
		n := d.TargetWorkers - d.CurrentWorkers
		for i := 0; i < n; i++ {
			w := domain.Worker{
				ID: uuid.NewString(), ShardID: policy.ShardID, Phase: policy.Phase,
				Status: domain.WorkerInitializing, ResourceType: policy.ResourceType, StartedAt: time.Now(),
			}
			if err := a.backend.UpsertWorker(w); err != nil {
				return fmt.Errorf("create worker: %w", err)
			}
			go a.promoteToIdle(ctx, w)
		}

	case domain.ScaleDown:
		n := d.CurrentWorkers - d.TargetWorkers
		candidates := selectableForDrain(workers)
		sort.Slice(candidates, func(i, j int) bool {
			return candidates[i].IdleSince(time.Now()) > candidates[j].IdleSince(time.Now())
		})
		for i := 0; i < n && i < len(candidates); i++ {
			w := candidates[i]
			if policy.GracefulShutdown {
				w.Status = domain.WorkerDraining
				if err := a.backend.UpsertWorker(w); err != nil {
					return fmt.Errorf("mark worker draining: %w", err)
				}
				go a.terminateAfterDrain(w)
			} else {
				now := time.Now()
				w.Status = domain.WorkerTerminated
				w.TerminatedAt = &now
				if err := a.backend.UpsertWorker(w); err != nil {
					return fmt.Errorf("terminate worker: %w", err)
				}
			}
		}
	}
	return nil
}

func selectableForDrain(workers []domain.Worker) []domain.Worker {
	out := make([]domain.Worker, 0, len(workers))
	for _, w := range workers {
		if w.Status == domain.WorkerIdle || w.Status == domain.WorkerBusy {
			out = append(out, w)
		}
	}
	return out
}

func (a *Autoscaler) promoteToIdle(ctx context.Context, w domain.Worker) {
	select {
	case <-time.After(GracePeriod):
	case <-ctx.Done():
		return
	}
	w.Status = domain.WorkerIdle
	if err := a.backend.UpsertWorker(w); err != nil {
		a.log.Warn("autoscaler: failed to promote worker to idle", zap.String("worker_id", w.ID), zap.Error(err))
	}
}

// terminateAfterDrain marks a draining worker terminated as soon as it runs.
// It does not wait for a busy worker's in-flight task to finish and does not
// look at LastTaskAt.
func (a *Autoscaler) terminateAfterDrain(w domain.Worker) {
	now := time.Now()
	w.Status = domain.WorkerTerminated
	w.TerminatedAt = &now
	if err := a.backend.UpsertWorker(w); err != nil {
		a.log.Warn("autoscaler: failed to terminate drained worker", zap.String("worker_id", w.ID), zap.Error(err))
	}
}
