// Package analyzer implements the value-of-information decision procedure
// that decides whether a phase step should consult a tool at all, and if
// so, which one (§4.6).
package analyzer

import (
	"context"
	"sort"

	"github.com/orchestrator-core/orchestrator/pkg/domain"
	"github.com/orchestrator-core/orchestrator/pkg/recorder"
	"github.com/orchestrator-core/orchestrator/pkg/toolregistry"
)

// BudgetRemaining is the budget left for the analyzer to reason about.
type BudgetRemaining struct {
	USD    float64
	Tokens int64
}

// PIIPolicy controls whether PII-handling tools are eligible.
type PIIPolicy struct {
	AllowPIIEgress   bool
	RequiresApproval bool
}

// Config is the analyzer's configuration surface (§4.6).
type Config struct {
	MinConfidenceNoTool float64
	MinScoreToInvoke    float64
	Allowlist           []domain.CapabilityClass
	Denylist            []domain.CapabilityClass
	Budget              *BudgetRemaining
	PII                 *PIIPolicy
}

// Request is the analyzer's input for a single capability request.
type Request struct {
	Run              domain.Run
	Phase            domain.Phase
	Capability       domain.CapabilityClass
	NoToolConfidence float64
	Utility          float64
	AgentInput       any
}

// Decision is the analyzer's structured output.
type Decision struct {
	UseTools   bool
	Reason     string
	Selected   *domain.Tool
	Scores     []domain.VoIScore
}

// Analyzer performs the VoI decision procedure against a tool registry.
type Analyzer struct {
	registry *toolregistry.Registry
	rec      *recorder.Recorder
}

// New builds an Analyzer.
func New(registry *toolregistry.Registry, rec *recorder.Recorder) *Analyzer {
	return &Analyzer{registry: registry, rec: rec}
}

func contains(list []domain.CapabilityClass, c domain.CapabilityClass) bool {
	for _, x := range list {
		if x == c {
			return true
		}
	}
	return false
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Analyze runs the decision procedure from §4.6 and records exactly one
// DecisionRecord regardless of outcome.
func (a *Analyzer) Analyze(ctx context.Context, cfg Config, req Request) Decision {
	if req.NoToolConfidence >= cfg.MinConfidenceNoTool {
		d := Decision{UseTools: false, Reason: "no-tool confidence meets threshold"}
		a.record(req, d, nil)
		return d
	}

	candidates := a.registry.GetByCapability(req.Capability)
	var eligible []domain.Tool
	for _, t := range candidates {
		if contains(cfg.Denylist, t.Capability) {
			continue
		}
		if len(cfg.Allowlist) > 0 && !contains(cfg.Allowlist, t.Capability) {
			continue
		}
		eligible = append(eligible, t)
	}
	if len(eligible) == 0 {
		d := Decision{UseTools: false, Reason: "no eligible tools for capability"}
		a.record(req, d, nil)
		return d
	}

	errorReduction := 0.95 - req.NoToolConfidence
	if errorReduction < 0 {
		errorReduction = 0
	}

	scores := make([]domain.VoIScore, 0, len(eligible))
	for _, t := range eligible {
		costPenalty := clamp01(t.EstimatedCost.USD)
		latencyPenalty := clamp01(float64(t.EstimatedLatencyMS) / 10_000)

		var piiViolation, requiresApproval, budgetOverrun float64
		if t.PII.HandlesPII && cfg.PII != nil && !cfg.PII.AllowPIIEgress {
			piiViolation = 1
		}
		if t.PII.RequiresApproval {
			requiresApproval = 1
		}
		if cfg.Budget != nil && t.EstimatedCost.USD > cfg.Budget.USD {
			budgetOverrun = 1
		}
		riskPenalty := clamp01(0.3*piiViolation + 0.2*requiresApproval + 0.5*budgetOverrun)

		final := req.Utility*errorReduction - (costPenalty + latencyPenalty + riskPenalty)

		scores = append(scores, domain.VoIScore{
			ToolID:         t.ID,
			ErrorReduction: errorReduction,
			Utility:        req.Utility,
			Cost:           costPenalty,
			LatencyPenalty: latencyPenalty,
			RiskPenalty:    riskPenalty,
			Final:          final,
		})
	}

	sort.Slice(scores, func(i, j int) bool { return scores[i].Final > scores[j].Final })

	top := scores[0]
	if top.Final >= cfg.MinScoreToInvoke {
		var selected domain.Tool
		for _, t := range eligible {
			if t.ID == top.ToolID {
				selected = t
				break
			}
		}
		d := Decision{UseTools: true, Reason: "top score meets minScoreToInvoke", Selected: &selected, Scores: scores}
		a.record(req, d, scores)
		return d
	}

	d := Decision{UseTools: false, Reason: "top score below minScoreToInvoke", Scores: scores}
	a.record(req, d, scores)
	return d
}

func (a *Analyzer) record(req Request, d Decision, scores []domain.VoIScore) {
	if a.rec == nil {
		return
	}
	outcome := "no-tool"
	if d.UseTools {
		outcome = "use-tool:" + d.Selected.ID
	}
	meta := map[string]any{}
	if len(scores) > 0 {
		meta["top_scores"] = scores
	}
	a.rec.RecordDecision(req.Run, req.Phase, "voi_analysis", outcome, []string{d.Reason}, meta)
}
