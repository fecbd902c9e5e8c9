// Package loopdriver implements the Loop-Until-Pass Driver (§4.9):
// execute phase -> evaluate gate -> auto-fix by issue type -> retry, up to
// a hard attempt cap unless an active waiver covers the violation.
package loopdriver

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/orchestrator-core/orchestrator/internal/logging"
	"github.com/orchestrator-core/orchestrator/pkg/domain"
)

// Strategy is the closed set of auto-fix strategies an issue type maps to.
type Strategy string

const (
	StrategyRerunQAV            Strategy = "rerun-qav"
	StrategyAddMissingAgents    Strategy = "add-missing-agents"
	StrategyRerunSecurity       Strategy = "rerun-security"
	StrategyStricterValidation  Strategy = "stricter-validation"
	StrategyReduceScope         Strategy = "reduce-scope"
	StrategyManualIntervention  Strategy = "manual-intervention"
)

// StrategyFor maps an issue type string to its auto-fix strategy by
// substring match (§4.9's issue-type -> strategy map, extensible).
func StrategyFor(issueType string) Strategy {
	t := strings.ToLower(issueType)
	switch {
	case strings.Contains(t, "grounding") || strings.Contains(t, "low-grounding"):
		return StrategyRerunQAV
	case strings.Contains(t, "coverage") || strings.Contains(t, "missing-agents"):
		return StrategyAddMissingAgents
	case strings.Contains(t, "security") || strings.Contains(t, "cve") || strings.Contains(t, "vulnerability"):
		return StrategyRerunSecurity
	case strings.Contains(t, "contradiction") || strings.Contains(t, "ambiguity"):
		return StrategyStricterValidation
	case strings.Contains(t, "scope-too-large"):
		return StrategyReduceScope
	default:
		return StrategyManualIntervention
	}
}

// IssueTypesFrom extracts issue types to drive auto-fix from a failed gate
// evaluation: the metric id of every failed (required or not) result, plus
// the rubric's missing artifact types.
func IssueTypesFrom(eval domain.GateEvaluation) []string {
	seen := map[string]bool{}
	var out []string
	add := func(s string) {
		if s != "" && !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	for _, r := range eval.Evidence.MetricResults {
		if !r.Passed {
			add(r.MetricID)
		}
	}
	for _, m := range eval.Evidence.MissingArtifacts {
		add(m)
	}
	return out
}

// AutoFixer applies a strategy for one issue type against the phase's
// working context, e.g. reruns a quality-assurance pass, widens an agent
// roster, or narrows scope. Errors are reported but never abort sibling
// strategies (§4.9: "errors in one do not abort others").
type AutoFixer func(ctx context.Context, strategy Strategy, issueType string) error

// CorrectiveAction is the structured record of one auto-fix strategy
// applied for one failed issue type, recorded via an ActionRecorder instead
// of kept as a bare string.
type CorrectiveAction struct {
	Strategy  Strategy
	IssueType string
	Attempt   int
	Applied   bool
	Error     string
}

// ActionRecorder persists a CorrectiveAction, satisfied by an adapter over
// recorder.Recorder.RecordDecision.
type ActionRecorder func(run domain.Run, phase domain.Phase, action CorrectiveAction)

// CheckpointRecorder persists an interim gate-evaluation checkpoint taken
// right after an attempt's auto-fix pass, before the next retry attempt
// re-executes the phase body — early visibility into a long-running loop
// instead of only learning the outcome once attempts are exhausted.
type CheckpointRecorder func(run domain.Run, phase domain.Phase, attempt int, eval domain.GateEvaluation)

// WaiverChecker reports whether an active waiver covers a violation,
// satisfied by pkg/waiver's Manager.CheckWaiver.
type WaiverChecker func(run domain.Run, phase domain.Phase, violationType string) (bool, error)

// ErrGateCapExceeded is returned when maxAttempts is exhausted without a
// passing gate and no waiver covers any of the outstanding issue types.
type ErrGateCapExceeded struct {
	Phase      domain.Phase
	Attempts   int
	IssueTypes []string
	LastEval   domain.GateEvaluation
}

func (e *ErrGateCapExceeded) Error() string {
	return fmt.Sprintf("loopdriver: phase %s exhausted %d attempts, outstanding issues: %v", e.Phase, e.Attempts, e.IssueTypes)
}

// Options configures one executeWithGate invocation.
type Options struct {
	MaxAttempts   int
	EnableAutoFix bool

	// CheckpointOnFail forces a checkpoint record of the gate evaluation
	// right after each attempt's auto-fix pass, rather than only learning
	// the final outcome once attempts are exhausted.
	CheckpointOnFail bool
}

// Driver runs the execute -> evaluate -> auto-fix -> retry loop.
type Driver struct {
	waiverCheck WaiverChecker
	record      ActionRecorder
	checkpoint  CheckpointRecorder
	log         *zap.Logger
}

// New builds a Driver. waiverCheck may be nil if waivers are not wired.
func New(waiverCheck WaiverChecker) *Driver {
	return &Driver{waiverCheck: waiverCheck, log: logging.Component("loopdriver")}
}

// WithActionRecorder sets the driver's corrective-action recorder and
// returns the driver for chaining at construction time.
func (d *Driver) WithActionRecorder(r ActionRecorder) *Driver {
	d.record = r
	return d
}

// WithCheckpointRecorder sets the driver's checkpoint recorder and returns
// the driver for chaining at construction time.
func (d *Driver) WithCheckpointRecorder(r CheckpointRecorder) *Driver {
	d.checkpoint = r
	return d
}

// PhaseExecutor runs one attempt of the phase body, producing artifacts and
// metric observations for gate evaluation.
type PhaseExecutor func(ctx context.Context, attempt int) ([]domain.Artifact, []domain.MetricObservation, error)

// GateEvaluator evaluates a rubric given the phase executor's output.
type GateEvaluator func(ctx context.Context, artifacts []domain.Artifact, observations []domain.MetricObservation) domain.GateEvaluation

// ExecuteWithGate implements §4.9 exactly.
func (d *Driver) ExecuteWithGate(ctx context.Context, run domain.Run, phase domain.Phase, executor PhaseExecutor, evaluator GateEvaluator, autoFix AutoFixer, opts Options) (domain.GateEvaluation, error) {
	maxAttempts := opts.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastEval domain.GateEvaluation
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		artifacts, observations, err := executor(ctx, attempt)
		if err != nil {
			return domain.GateEvaluation{}, fmt.Errorf("loopdriver: phase %s attempt %d execution failed: %w", phase, attempt, err)
		}

		lastEval = evaluator(ctx, artifacts, observations)
		if lastEval.Status != domain.GateFail {
			return lastEval, nil
		}

		issueTypes := IssueTypesFrom(lastEval)
		attemptsRemain := attempt < maxAttempts

		if !opts.EnableAutoFix || !attemptsRemain {
			if waived, werr := d.anyWaived(run, phase, issueTypes); werr == nil && waived {
				d.log.Info("loopdriver: gate cap exceeded but covered by active waiver",
					zap.String("phase", string(phase)), zap.Int("attempts", attempt))
				return lastEval, nil
			}
			return lastEval, &ErrGateCapExceeded{Phase: phase, Attempts: attempt, IssueTypes: issueTypes, LastEval: lastEval}
		}

		d.applyAutoFixes(ctx, run, phase, attempt, issueTypes, autoFix)

		if opts.CheckpointOnFail && d.checkpoint != nil {
			d.checkpoint(run, phase, attempt, lastEval)
		}
	}

	if waived, werr := d.anyWaived(run, phase, IssueTypesFrom(lastEval)); werr == nil && waived {
		return lastEval, nil
	}
	return lastEval, &ErrGateCapExceeded{Phase: phase, Attempts: maxAttempts, IssueTypes: IssueTypesFrom(lastEval), LastEval: lastEval}
}

// applyAutoFixes runs one strategy per issue type concurrently; a failure
// in one never aborts the others (§4.9). Each attempt is recorded as a
// CorrectiveAction via the driver's ActionRecorder, if set.
func (d *Driver) applyAutoFixes(ctx context.Context, run domain.Run, phase domain.Phase, attempt int, issueTypes []string, autoFix AutoFixer) {
	if autoFix == nil || len(issueTypes) == 0 {
		return
	}
	var wg sync.WaitGroup
	for _, issueType := range issueTypes {
		issueType := issueType
		strategy := StrategyFor(issueType)
		wg.Add(1)
		go func() {
			defer wg.Done()
			action := CorrectiveAction{Strategy: strategy, IssueType: issueType, Attempt: attempt, Applied: true}
			if err := autoFix(ctx, strategy, issueType); err != nil {
				action.Applied = false
				action.Error = err.Error()
				d.log.Warn("loopdriver: auto-fix strategy failed",
					zap.String("issue_type", issueType), zap.String("strategy", string(strategy)), zap.Error(err))
			}
			if d.record != nil {
				d.record(run, phase, action)
			}
		}()
	}
	wg.Wait()
}

func (d *Driver) anyWaived(run domain.Run, phase domain.Phase, issueTypes []string) (bool, error) {
	if d.waiverCheck == nil || len(issueTypes) == 0 {
		return false, nil
	}
	for _, issueType := range issueTypes {
		ok, err := d.waiverCheck(run, phase, issueType)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// IsGateCapExceeded reports whether err is an *ErrGateCapExceeded.
func IsGateCapExceeded(err error) bool {
	var target *ErrGateCapExceeded
	return errors.As(err, &target)
}
