package domain

import "time"

// StepStatus is the closed outcome of a recorded step.
type StepStatus string

const (
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// LogEntry is one append-only record of a single executed step (§4.1, §6).
type LogEntry struct {
	ID         int64          `json:"id"`
	RunID      string         `json:"run_id"`
	Phase      Phase          `json:"phase"`
	Step       string         `json:"step"`
	Actor      string         `json:"actor"`
	Inputs     map[string]any `json:"inputs,omitempty"`
	Outputs    map[string]any `json:"outputs,omitempty"`
	Score      *float64       `json:"score,omitempty"`
	CostUSD    float64        `json:"cost_usd"`
	LatencyMS  int64          `json:"latency_ms"`
	Status     StepStatus     `json:"status"`
	Decision   string         `json:"decision,omitempty"`
	Gate       string         `json:"gate,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
	Sequence   int64          `json:"sequence"`
}

// ArtifactRecord is an append-only record of a produced artifact.
type ArtifactRecord struct {
	ID        int64     `json:"id"`
	RunID     string    `json:"run_id"`
	Phase     Phase     `json:"phase"`
	ArtifactID string   `json:"artifact_id"`
	Type      string    `json:"type"`
	Location  string    `json:"location,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// DecisionRecord is an append-only record of a decision made by a
// control-plane component (VoI analyzer, gate, waiver approval, ...).
type DecisionRecord struct {
	ID        int64          `json:"id"`
	RunID     string         `json:"run_id"`
	Phase     Phase          `json:"phase"`
	Kind      string         `json:"kind"`
	Outcome   string         `json:"outcome"`
	Reasons   []string       `json:"reasons,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// ScoreRecord is an append-only record of a score (gate score, VoI score, ...).
type ScoreRecord struct {
	ID        int64     `json:"id"`
	RunID     string    `json:"run_id"`
	Phase     Phase     `json:"phase"`
	Kind      string    `json:"kind"`
	Value     float64   `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

// CostRecord is an append-only record of incurred cost.
type CostRecord struct {
	ID        int64     `json:"id"`
	RunID     string    `json:"run_id"`
	Phase     Phase     `json:"phase"`
	USD       float64   `json:"usd"`
	Tokens    int64     `json:"tokens"`
	Timestamp time.Time `json:"timestamp"`
}

// LogFilter selects a subset of LogEntry records from queryLogs.
type LogFilter struct {
	RunID  string
	Phase  Phase
	Actor  string
	Status StepStatus
	Since  time.Time
	Until  time.Time
	Limit  int
}

// PhaseMetrics is a per-phase rollup within a RunSummary.
type PhaseMetrics struct {
	Phase       Phase   `json:"phase"`
	Steps       int     `json:"steps"`
	SuccessRate float64 `json:"success_rate"`
	TotalCost   float64 `json:"total_cost"`
	AvgLatency  float64 `json:"avg_latency_ms"`
}

// RunSummary is derivable purely from the log (§4.1 guarantee).
type RunSummary struct {
	RunID        string                  `json:"run_id"`
	TotalCost    float64                 `json:"total_cost"`
	TotalSteps   int                     `json:"total_steps"`
	SuccessRate  float64                 `json:"success_rate"`
	AvgLatency   float64                 `json:"avg_latency_ms"`
	PhaseMetrics map[Phase]PhaseMetrics  `json:"phase_metrics"`
}

// VoIScore is the value-of-information score for a single tool candidate.
type VoIScore struct {
	ToolID         string  `json:"tool_id"`
	ErrorReduction float64 `json:"error_reduction"`
	Utility        float64 `json:"utility"`
	Cost           float64 `json:"cost"`
	LatencyPenalty float64 `json:"latency_penalty"`
	RiskPenalty    float64 `json:"risk_penalty"`
	Final          float64 `json:"final"`
}

// CircuitStateKind is the closed set of circuit breaker states (§4.3).
type CircuitStateKind string

const (
	CircuitClosed   CircuitStateKind = "closed"
	CircuitOpen     CircuitStateKind = "open"
	CircuitHalfOpen CircuitStateKind = "half_open"
)

// CircuitState is the per-actor circuit breaker state.
type CircuitState struct {
	ActorID            string
	State              CircuitStateKind
	ConsecutiveFailures int
	ConsecutiveSuccesses int
	LastStateChange    time.Time
	LastFailureTime    time.Time
}

// HeartbeatState is the per-execution stall-detection state (§4.3).
type HeartbeatState struct {
	ExecutionID string
	LastBeat    time.Time
	Missed      int
	Stuck       bool
}

// ProgressSample is one (timestamp, percent) observation for slope
// monitoring (§4.4).
type ProgressSample struct {
	Timestamp time.Time
	Percent   float64
}
