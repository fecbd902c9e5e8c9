// Package domain holds the core entities of the orchestrator: the data
// model shared across every control-plane component. Nothing in this
// package talks to a database or a network; it is pure value types plus the
// small amount of validation logic that belongs to the type itself.
package domain

import "time"

// RunStatus is the public lifecycle projection of a Run.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunAborted   RunStatus = "aborted"
)

// Phase is the fixed-name ordinal member of the pipeline. The order below is
// canonical and is what the Phase Coordinator advances through.
type Phase string

const (
	PhaseIntake     Phase = "INTAKE"
	PhaseIdeation   Phase = "IDEATION"
	PhaseCritique   Phase = "CRITIQUE"
	PhasePRD        Phase = "PRD"
	PhaseBizDev     Phase = "BIZDEV"
	PhaseArch       Phase = "ARCH"
	PhaseBuild      Phase = "BUILD"
	PhaseStoryLoop  Phase = "STORY_LOOP"
	PhaseQA         Phase = "QA"
	PhaseAesthetic  Phase = "AESTHETIC"
	PhaseRelease    Phase = "RELEASE"
	PhaseBeta       Phase = "BETA"
)

// PhaseOrder is the coordinator's canonical advancement list (§6).
var PhaseOrder = []Phase{
	PhaseIntake, PhaseIdeation, PhaseCritique, PhasePRD, PhaseBizDev,
	PhaseArch, PhaseBuild, PhaseStoryLoop, PhaseQA, PhaseAesthetic,
	PhaseRelease, PhaseBeta,
}

// IndexOf returns the position of a phase in the canonical order, or -1.
func IndexOf(p Phase) int {
	for i, q := range PhaseOrder {
		if q == p {
			return i
		}
	}
	return -1
}

// Budget bounds the cost of a phase or a run.
type Budget struct {
	USD    float64 `json:"usd" yaml:"usd"`
	Tokens int64   `json:"tokens" yaml:"tokens"`
}

// Exceeds reports whether the given spend exceeds this budget.
func (b Budget) Exceeds(spent Budget) bool {
	if b.USD > 0 && spent.USD > b.USD {
		return true
	}
	if b.Tokens > 0 && spent.Tokens > b.Tokens {
		return true
	}
	return false
}

// PhaseConfig describes a phase's execution contract (§3, §6).
type PhaseConfig struct {
	Phase               Phase   `json:"phase" yaml:"phase"`
	Budget              Budget  `json:"budget" yaml:"budget"`
	MinRequiredAgents   int     `json:"min_required_agents" yaml:"min_required_agents"`
	MaxConcurrency      int     `json:"max_concurrency" yaml:"max_concurrency"`
	GateClass           string  `json:"gate_class,omitempty" yaml:"gate_class,omitempty"`
	MaxGateRetries      int     `json:"max_gate_retries" yaml:"max_gate_retries"`
	AutoRetryOnGateFail bool    `json:"auto_retry_on_gate_fail" yaml:"auto_retry_on_gate_fail"`
	CompletionTopic     string  `json:"completion_topic" yaml:"completion_topic"`

	// CheckpointOnFail forces an interim checkpoint record of the gate
	// evaluation after each failed attempt's auto-fix pass, instead of only
	// learning the outcome once MaxGateRetries is exhausted.
	CheckpointOnFail bool `json:"checkpoint_on_fail" yaml:"checkpoint_on_fail"`

	// ReplanThreshold is the failed-task ratio, in (0,1], at or above which
	// RunPhase emits a phase.replan_suggested signal after the phase
	// finishes its tasks. Zero disables the check.
	ReplanThreshold float64 `json:"replan_threshold,omitempty" yaml:"replan_threshold,omitempty"`
}

// HasGate reports whether this phase has a quality gate attached.
func (c PhaseConfig) HasGate() bool { return c.GateClass != "" }

// Run is the top-level unit of orchestration.
type Run struct {
	ID              string            `json:"id"`
	WorkflowID      string            `json:"workflow_id"`
	WorkflowVersion string            `json:"workflow_version"`
	CurrentPhase    Phase             `json:"current_phase"`
	Status          RunStatus         `json:"status"`
	Tenant          string            `json:"tenant,omitempty"`
	Shard           string            `json:"shard,omitempty"`
	Context         map[string]any    `json:"context,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// TaskStatus is the lifecycle of a unit of work within a phase.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskSucceeded TaskStatus = "succeeded"
	TaskFailed    TaskStatus = "failed"
	TaskBlocked   TaskStatus = "blocked"
)

// Task is a unit of work assigned to a worker.
type Task struct {
	ID          string     `json:"id"`
	RunID       string     `json:"run_id"`
	Phase       Phase      `json:"phase"`
	Status      TaskStatus `json:"status"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}
