// Package phasecoord implements the Phase Coordinator (§4.12): it composes
// the Supervisor, Loop-Until-Pass Driver, Recorder, Gatekeeper, and event bus
// into a single phase execution, and advances a run's cursor through the
// fixed phase order. Task scheduling is bounded-parallelism: a fixed-arity
// task list gated by a semaphore sized to the phase's configured
// concurrency, rather than a free-running task queue.
package phasecoord

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/orchestrator-core/orchestrator/internal/logging"
	"github.com/orchestrator-core/orchestrator/pkg/domain"
	"github.com/orchestrator-core/orchestrator/pkg/eventbus"
	"github.com/orchestrator-core/orchestrator/pkg/gatekeeper"
	"github.com/orchestrator-core/orchestrator/pkg/loopdriver"
	"github.com/orchestrator-core/orchestrator/pkg/recorder"
	"github.com/orchestrator-core/orchestrator/pkg/supervisor"
)

// Backend is the persistence surface the coordinator needs for cursor
// advancement.
type Backend interface {
	GetRun(runID string) (domain.Run, error)
	UpsertRun(domain.Run) error
}

// Task is one unit of phase work, executed under the Supervisor.
type Task struct {
	ID string
	Do func(ctx context.Context) (any, error)
}

// PhaseResult is what a phase body produces for gate evaluation.
type PhaseResult struct {
	Artifacts    []domain.Artifact
	Observations []domain.MetricObservation
}

// taskStats summarizes one runTasks call, feeding the replan-on-threshold
// check (§4.12).
type taskStats struct {
	Total  int
	Failed int
}

// PhaseReplanSuggestedEvent is published on TopicPhaseReplanSuggested when a
// phase's failed-task ratio crosses its configured threshold. The
// coordinator only detects and records this; acting on it is out of scope.
type PhaseReplanSuggestedEvent struct {
	RunID       string
	Phase       domain.Phase
	FailedRatio float64
}

// PhaseBody produces the tasks to run for one execution attempt of a phase.
// Re-invoked on every Loop-Until-Pass retry, so it may narrow scope on
// later attempts (e.g. via pkg/shrinker) by inspecting attempt.
type PhaseBody func(ctx context.Context, attempt int) ([]Task, error)

// ErrNonRecoverable marks a phase failure that must escalate to the caller
// rather than retry (§7: "Only escalated or fatal errors reach the Phase
// Coordinator").
type ErrNonRecoverable struct {
	Phase domain.Phase
	Cause error
}

func (e *ErrNonRecoverable) Error() string {
	return fmt.Sprintf("phasecoord: phase %s failed non-recoverably: %v", e.Phase, e.Cause)
}
func (e *ErrNonRecoverable) Unwrap() error { return e.Cause }

// Coordinator composes the other control-plane components into phase
// execution.
type Coordinator struct {
	backend   Backend
	sup       *supervisor.Supervisor
	loop      *loopdriver.Driver
	rec       *recorder.Recorder
	gate      *gatekeeper.Gatekeeper
	bus       *eventbus.Bus
	rubrics   map[string]domain.GateRubric
	phaseCfgs map[domain.Phase]domain.PhaseConfig
	autoFix   loopdriver.AutoFixer
	log       *zap.Logger
}

// New builds a Coordinator. autoFix may be nil, in which case a gate failure
// never attempts an automated fix before exhausting retries.
func New(backend Backend, sup *supervisor.Supervisor, loop *loopdriver.Driver, rec *recorder.Recorder, gate *gatekeeper.Gatekeeper, bus *eventbus.Bus, rubrics map[string]domain.GateRubric, phaseCfgs map[domain.Phase]domain.PhaseConfig, autoFix loopdriver.AutoFixer) *Coordinator {
	if rec != nil && loop != nil {
		loop.WithActionRecorder(func(run domain.Run, phase domain.Phase, action loopdriver.CorrectiveAction) {
			rec.RecordDecision(run, phase, "corrective_action", string(action.Strategy), []string{action.IssueType},
				map[string]any{"attempt": action.Attempt, "applied": action.Applied, "error": action.Error})
		})
		loop.WithCheckpointRecorder(func(run domain.Run, phase domain.Phase, attempt int, eval domain.GateEvaluation) {
			rec.RecordDecision(run, phase, "gate_checkpoint", string(eval.Status), eval.Reasons,
				map[string]any{"attempt": attempt, "score": eval.Score})
		})
	}
	return &Coordinator{
		backend: backend, sup: sup, loop: loop, rec: rec, gate: gate, bus: bus,
		rubrics: rubrics, phaseCfgs: phaseCfgs, autoFix: autoFix, log: logging.Component("phasecoord"),
	}
}

// checkReplanThreshold emits phase.replan_suggested when the phase's
// failed-task ratio crosses cfg.ReplanThreshold (§4.12). Detection and
// recording only — acting on the signal is out of scope.
func (c *Coordinator) checkReplanThreshold(run domain.Run, phase domain.Phase, cfg domain.PhaseConfig, stats taskStats) {
	if cfg.ReplanThreshold <= 0 || stats.Total == 0 {
		return
	}
	ratio := float64(stats.Failed) / float64(stats.Total)
	if ratio < cfg.ReplanThreshold {
		return
	}
	c.log.Warn("phasecoord: failed-task ratio crossed replan threshold",
		zap.String("phase", string(phase)), zap.Float64("ratio", ratio), zap.Float64("threshold", cfg.ReplanThreshold))
	if c.rec != nil {
		c.rec.RecordDecision(run, phase, "replan_suggested", "suggested",
			[]string{fmt.Sprintf("failed-task ratio %.2f crossed threshold %.2f", ratio, cfg.ReplanThreshold)}, nil)
	}
	if c.bus != nil {
		c.bus.Publish(eventbus.TopicPhaseReplanSuggested, PhaseReplanSuggestedEvent{RunID: run.ID, Phase: phase, FailedRatio: ratio})
	}
}

// RunPhase executes one phase of a run end-to-end per §4.12.
func (c *Coordinator) RunPhase(ctx context.Context, run domain.Run, phase domain.Phase, body PhaseBody) error {
	cfg, ok := c.phaseCfgs[phase]
	if !ok {
		return fmt.Errorf("phasecoord: no config registered for phase %s", phase)
	}

	var lastStats taskStats
	executor := func(ctx context.Context, attempt int) ([]domain.Artifact, []domain.MetricObservation, error) {
		tasks, err := body(ctx, attempt)
		if err != nil {
			return nil, nil, err
		}
		result, stats, err := c.runTasks(ctx, run, phase, cfg, tasks)
		lastStats = stats
		if err != nil {
			return nil, nil, err
		}
		return result.Artifacts, result.Observations, nil
	}

	var finalEval domain.GateEvaluation
	var err error

	if cfg.HasGate() {
		rubric, ok := c.rubrics[cfg.GateClass]
		if !ok {
			return fmt.Errorf("phasecoord: no gate rubric registered for class %s", cfg.GateClass)
		}
		evaluator := func(ctx context.Context, artifacts []domain.Artifact, obs []domain.MetricObservation) domain.GateEvaluation {
			return c.gate.Evaluate(ctx, rubric, artifacts, obs)
		}
		finalEval, err = c.loop.ExecuteWithGate(ctx, run, phase, executor, evaluator, c.autoFix, loopdriver.Options{
			MaxAttempts: cfg.MaxGateRetries, EnableAutoFix: cfg.AutoRetryOnGateFail, CheckpointOnFail: cfg.CheckpointOnFail,
		})
	} else {
		_, _, execErr := executor(ctx, 1)
		err = execErr
	}

	if err != nil {
		if supervisor.IsEscalated(err) || loopdriver.IsGateCapExceeded(err) {
			return &ErrNonRecoverable{Phase: phase, Cause: err}
		}
		return fmt.Errorf("phasecoord: phase %s failed: %w", phase, err)
	}

	if c.rec != nil {
		c.rec.RecordDecision(run, phase, "phase_completion", string(finalEval.Status), finalEval.Reasons, nil)
	}
	if c.bus != nil && cfg.CompletionTopic != "" {
		c.bus.Publish(eventbus.Topic(cfg.CompletionTopic), PhaseCompletionEvent{RunID: run.ID, Phase: phase, Evaluation: finalEval})
	}
	c.checkReplanThreshold(run, phase, cfg, lastStats)

	return c.advanceCursor(run, phase)
}

// PhaseCompletionEvent is published on a phase's configured completion topic.
type PhaseCompletionEvent struct {
	RunID      string
	Phase      domain.Phase
	Evaluation domain.GateEvaluation
}

// runTasks executes tasks with bounded parallelism up to cfg.MaxConcurrency,
// each wrapped by the Supervisor. Uses a fixed task list with a semaphore
// since phase tasks here are known up front rather than dynamically
// discovered.
func (c *Coordinator) runTasks(ctx context.Context, run domain.Run, phase domain.Phase, cfg domain.PhaseConfig, tasks []Task) (PhaseResult, taskStats, error) {
	limit := cfg.MaxConcurrency
	if limit < 1 {
		limit = 1
	}
	sem := make(chan struct{}, limit)

	var (
		mu       sync.Mutex
		result   PhaseResult
		stats    taskStats
		firstErr error
	)
	stats.Total = len(tasks)
	var wg sync.WaitGroup

	for _, task := range tasks {
		task := task
		select {
		case <-ctx.Done():
			mu.Lock()
			if firstErr == nil {
				firstErr = ctx.Err()
			}
			mu.Unlock()
		case sem <- struct{}{}:
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			out, err := c.sup.Execute(ctx, run, phase, task.ID, fmt.Sprintf("%s:%s", run.ID, phase), func(ctx context.Context) (any, error) {
				return task.Do(ctx)
			})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				stats.Failed++
				// Escalated/quarantined/circuit-open failures abort the
				// whole phase immediately (§7: only escalated or fatal
				// errors reach the coordinator); an ordinary retry-exhausted
				// task failure is tolerated and only counted, so the
				// failed-task ratio below has something to measure.
				if isFatalTaskErr(err) && firstErr == nil {
					firstErr = err
				}
				return
			}
			if pr, ok := out.(PhaseResult); ok {
				result.Artifacts = append(result.Artifacts, pr.Artifacts...)
				result.Observations = append(result.Observations, pr.Observations...)
			}
		}()
	}
	wg.Wait()

	if firstErr != nil {
		return PhaseResult{}, stats, firstErr
	}
	return result, stats, nil
}

// isFatalTaskErr reports whether a task failure must abort the whole phase
// rather than just count toward the failed-task ratio: context
// cancellation, or the Supervisor giving up on the actor entirely
// (escalated, quarantined, circuit open).
func isFatalTaskErr(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if supervisor.IsEscalated(err) {
		return true
	}
	var quarantined supervisor.ErrQuarantined
	if errors.As(err, &quarantined) {
		return true
	}
	var circuitOpen supervisor.ErrCircuitOpen
	if errors.As(err, &circuitOpen) {
		return true
	}
	return false
}

// advanceCursor moves the run's cursor to the next phase in the canonical
// order, or marks it completed once the last phase finishes.
func (c *Coordinator) advanceCursor(run domain.Run, phase domain.Phase) error {
	fresh, err := c.backend.GetRun(run.ID)
	if err != nil {
		return fmt.Errorf("phasecoord: advance cursor: get run: %w", err)
	}

	idx := domain.IndexOf(phase)
	if idx < 0 {
		return fmt.Errorf("phasecoord: unknown phase %s", phase)
	}
	fresh.UpdatedAt = time.Now()
	if idx == len(domain.PhaseOrder)-1 {
		fresh.Status = domain.RunCompleted
	} else {
		fresh.CurrentPhase = domain.PhaseOrder[idx+1]
		fresh.Status = domain.RunRunning
	}
	if err := c.backend.UpsertRun(fresh); err != nil {
		return fmt.Errorf("phasecoord: advance cursor: upsert run: %w", err)
	}
	return nil
}
