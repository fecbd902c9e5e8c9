// Package gatekeeper is the reusable quality-gate evaluation framework:
// specific gates are rubric values fed into this engine, never subclasses
// (§4.7, §9).
package gatekeeper

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/orchestrator-core/orchestrator/pkg/domain"
)

// Gatekeeper evaluates a GateRubric against a set of artifacts and metric
// observations.
type Gatekeeper struct {
	formulas *FormulaEvaluator
}

// New builds a Gatekeeper. A nil FormulaEvaluator is replaced with one from
// NewFormulaEvaluator.
func New(formulas *FormulaEvaluator) *Gatekeeper {
	if formulas == nil {
		formulas = NewFormulaEvaluator()
	}
	return &Gatekeeper{formulas: formulas}
}

func setOfTypes(artifacts []domain.Artifact) map[string]bool {
	m := map[string]bool{}
	for _, a := range artifacts {
		m[a.Type] = true
	}
	return m
}

// Evaluate runs the full §4.7 procedure.
func (g *Gatekeeper) Evaluate(ctx context.Context, rubric domain.GateRubric, artifacts []domain.Artifact, observations []domain.MetricObservation) domain.GateEvaluation {
	present := setOfTypes(artifacts)

	var presentIDs, missingIDs []string
	for _, a := range artifacts {
		presentIDs = append(presentIDs, a.ID)
	}
	artifactsOK := true
	for _, req := range rubric.RequiredArtifactTypes {
		if !present[req] {
			missingIDs = append(missingIDs, req)
			artifactsOK = false
		}
	}

	obsByID := map[string]float64{}
	for _, o := range observations {
		obsByID[o.MetricID] = o.Value
	}

	results := make([]domain.MetricResult, 0, len(rubric.Metrics))
	requiredFailed := false
	var weightSum, weightedPass float64

	for _, m := range rubric.Metrics {
		actual, ok := obsByID[m.ID]
		if !ok && m.Formula != "" {
			if v, err := g.formulas.Eval(ctx, m.Formula, obsByID); err == nil {
				actual = v
				ok = true
			}
		}

		passed := ok && m.Operator.Compare(actual, m.Threshold)
		results = append(results, domain.MetricResult{MetricID: m.ID, Actual: actual, Passed: passed, Required: m.Required, Weight: m.Weight})

		weightSum += m.Weight
		if passed {
			weightedPass += m.Weight
		}
		if m.Required && !passed {
			requiredFailed = true
		}
	}

	var score int
	if weightSum > 0 {
		score = int(round(100 * weightedPass / weightSum))
	}

	status := domain.GatePass
	switch {
	case requiredFailed || !artifactsOK || float64(score) < rubric.MinimumScore:
		status = domain.GateFail
	case float64(score) < rubric.MinimumScore+10:
		status = domain.GateWarn
	}

	decision, reasons, requiredActions, nextSteps := decide(status, results, missingIDs)
	recommendations := recommend(rubric, results, missingIDs)

	return domain.GateEvaluation{
		Status:          status,
		Score:           score,
		Decision:        decision,
		Reasons:         reasons,
		RequiredActions: requiredActions,
		NextSteps:       nextSteps,
		Recommendations: recommendations,
		Evidence: domain.EvidencePack{
			RequiredArtifacts: rubric.RequiredArtifactTypes,
			PresentArtifacts:  presentIDs,
			MissingArtifacts:  missingIDs,
			MetricResults:     results,
			Timestamp:         time.Now(),
		},
	}
}

func round(v float64) float64 {
	if v < 0 {
		return -round(-v)
	}
	return float64(int64(v + 0.5))
}

func decide(status domain.GateStatus, results []domain.MetricResult, missing []string) (domain.GateDecision, []string, []string, []string) {
	var reasons, requiredActions, nextSteps []string

	for _, r := range results {
		if r.Required && !r.Passed {
			reasons = append(reasons, fmt.Sprintf("required metric %s failed (actual=%.3f)", r.MetricID, r.Actual))
			requiredActions = append(requiredActions, fmt.Sprintf("fix %s to meet threshold", r.MetricID))
		}
	}
	for _, m := range missing {
		reasons = append(reasons, fmt.Sprintf("missing required artifact type %s", m))
		requiredActions = append(requiredActions, fmt.Sprintf("generate %s", m))
	}

	switch status {
	case domain.GatePass:
		reasons = append(reasons, "all required checks satisfied")
		return domain.DecisionGatePass, reasons, requiredActions, nextSteps
	case domain.GateWarn:
		nextSteps = append(nextSteps, "proceed, monitor marginal metrics")
		return domain.DecisionGatePass, reasons, requiredActions, nextSteps
	default:
		if len(missing) > 0 {
			nextSteps = append(nextSteps, "escalate: required artifact missing, no auto-fix can generate it")
			return domain.DecisionGateEscalate, reasons, requiredActions, nextSteps
		}
		nextSteps = append(nextSteps, "apply auto-fix or request a waiver")
		return domain.DecisionGateFail, reasons, requiredActions, nextSteps
	}
}

func recommend(rubric domain.GateRubric, results []domain.MetricResult, missing []string) []string {
	var out []string
	byID := map[string]domain.GateMetric{}
	for _, m := range rubric.Metrics {
		byID[m.ID] = m
	}

	for _, r := range results {
		m := byID[r.MetricID]
		if !r.Passed {
			gap := percentGap(r.Actual, m.Threshold)
			out = append(out, fmt.Sprintf("%s: %.1f%% gap to threshold", r.MetricID, gap))
		} else if withinMargin(r.Actual, m.Threshold) {
			out = append(out, fmt.Sprintf("%s: marginal pass, consider improving for robustness", r.MetricID))
		}
	}
	for _, id := range missing {
		out = append(out, fmt.Sprintf("generate %s", id))
	}
	sort.Strings(out)
	return out
}

func percentGap(actual, threshold float64) float64 {
	if threshold == 0 {
		return 0
	}
	gap := (threshold - actual) / threshold * 100
	if gap < 0 {
		gap = -gap
	}
	return gap
}

func withinMargin(actual, threshold float64) bool {
	return percentGap(actual, threshold) <= 10
}
