package domain

import "time"

// MetricType is the closed set of value kinds a GateRubric metric observes.
type MetricType string

const (
	MetricNumeric    MetricType = "numeric"
	MetricBoolean    MetricType = "boolean"
	MetricPercentage MetricType = "percentage"
	MetricCount      MetricType = "count"
)

// CompareOp is the closed set of comparison operators a metric may use.
type CompareOp string

const (
	OpEQ CompareOp = "="
	OpNE CompareOp = "!="
	OpLT CompareOp = "<"
	OpLE CompareOp = "<="
	OpGT CompareOp = ">"
	OpGE CompareOp = ">="
)

// Compare applies the operator to (actual, threshold).
func (op CompareOp) Compare(actual, threshold float64) bool {
	switch op {
	case OpEQ:
		return actual == threshold
	case OpNE:
		return actual != threshold
	case OpLT:
		return actual < threshold
	case OpLE:
		return actual <= threshold
	case OpGT:
		return actual > threshold
	case OpGE:
		return actual >= threshold
	default:
		return false
	}
}

// GateMetric is one scored dimension of a GateRubric.
type GateMetric struct {
	ID        string     `json:"id" yaml:"id"`
	Type      MetricType `json:"type" yaml:"type"`
	Operator  CompareOp  `json:"operator" yaml:"operator"`
	Threshold float64    `json:"threshold" yaml:"threshold"`
	Weight    float64    `json:"weight" yaml:"weight"` // in [0,1]
	Required  bool       `json:"required" yaml:"required"`

	// Formula is an optional sandboxed Go expression (stdlib-only,
	// interpreted via pkg/gatekeeper's yaegi-backed evaluator) computing a
	// derived observation from raw inputs instead of taking one verbatim.
	// Empty means "take the raw observation for this metric id directly".
	Formula string `json:"formula,omitempty" yaml:"formula,omitempty"`
}

// GateRubric is data, not logic (§4.7, §9): every domain gate is an
// instance of this struct plus a list of required artifact types.
type GateRubric struct {
	Name                  string       `json:"name" yaml:"name"`
	Metrics               []GateMetric `json:"metrics" yaml:"metrics"`
	MinimumScore          float64      `json:"minimum_score" yaml:"minimum_score"`
	RequiredArtifactTypes []string     `json:"required_artifact_types" yaml:"required_artifact_types"`
}

// GateStatus is the closed outcome of a gate evaluation.
type GateStatus string

const (
	GatePass     GateStatus = "pass"
	GateWarn     GateStatus = "warn"
	GateFail     GateStatus = "fail"
)

// GateDecision is the closed decision space a gate evaluation reaches.
type GateDecision string

const (
	DecisionGatePass     GateDecision = "pass"
	DecisionGateFail     GateDecision = "fail"
	DecisionGateEscalate GateDecision = "escalate"
)

// Artifact is a single named piece of evidence a phase produced.
type Artifact struct {
	ID   string `json:"id"`
	Type string `json:"type"`
}

// MetricObservation is one raw observed value for a rubric metric id.
type MetricObservation struct {
	MetricID string  `json:"metric_id"`
	Value    float64 `json:"value"`
}

// MetricResult is the per-metric pass/fail outcome of an evaluation.
type MetricResult struct {
	MetricID string  `json:"metric_id"`
	Actual   float64 `json:"actual"`
	Passed   bool    `json:"passed"`
	Required bool    `json:"required"`
	Weight   float64 `json:"weight"`
}

// EvidencePack is the bundled artifacts, scores, tool provenance, and
// approvals that justify a gate decision (glossary).
type EvidencePack struct {
	RequiredArtifacts []string       `json:"required_artifacts"`
	PresentArtifacts  []string       `json:"present_artifacts"`
	MissingArtifacts  []string       `json:"missing_artifacts"`
	MetricResults     []MetricResult `json:"metric_results"`
	ToolProvenance    []string       `json:"tool_provenance,omitempty"`
	TestReports       []string       `json:"test_reports,omitempty"`
	Approvals         []string       `json:"approvals,omitempty"`
	Timestamp         time.Time      `json:"timestamp"`
}

// GateEvaluation is the full, structured output of evaluating a rubric
// against a set of artifacts and metric observations. Gate failures are
// never exceptions (§7) — callers inspect Status/Decision.
type GateEvaluation struct {
	Status           GateStatus     `json:"status"`
	Score            int            `json:"score"`
	Decision         GateDecision   `json:"decision"`
	Reasons          []string       `json:"reasons"`
	RequiredActions  []string       `json:"required_actions"`
	NextSteps        []string       `json:"next_steps"`
	Recommendations  []string       `json:"recommendations"`
	Evidence         EvidencePack   `json:"evidence"`
}
