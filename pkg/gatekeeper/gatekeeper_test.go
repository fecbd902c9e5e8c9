package gatekeeper

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orchestrator-core/orchestrator/pkg/domain"
)

func TestRequiredMetricFailureForcesFailRegardlessOfScore(t *testing.T) {
	g := New(nil)
	rubric := domain.GateRubric{
		Name:                  "build",
		MinimumScore:          50,
		RequiredArtifactTypes: []string{"build_log"},
		Metrics: []domain.GateMetric{
			{ID: "coverage", Type: domain.MetricPercentage, Operator: domain.OpGE, Threshold: 0.9, Weight: 1, Required: false},
			{ID: "lint_clean", Type: domain.MetricBoolean, Operator: domain.OpEQ, Threshold: 1, Weight: 0.01, Required: true},
		},
	}
	eval := g.Evaluate(context.Background(), rubric,
		[]domain.Artifact{{ID: "a1", Type: "build_log"}},
		[]domain.MetricObservation{{MetricID: "coverage", Value: 0.99}, {MetricID: "lint_clean", Value: 0}},
	)
	require.Equal(t, domain.GateFail, eval.Status)
	assert.Equal(t, domain.DecisionGateFail, eval.Decision)
}

func TestWeightedScoreRounding(t *testing.T) {
	g := New(nil)
	rubric := domain.GateRubric{
		Name:         "qa",
		MinimumScore: 0,
		Metrics: []domain.GateMetric{
			{ID: "m1", Operator: domain.OpGE, Threshold: 1, Weight: 1, Required: false},
			{ID: "m2", Operator: domain.OpGE, Threshold: 1, Weight: 1, Required: false},
			{ID: "m3", Operator: domain.OpGE, Threshold: 1, Weight: 1, Required: false},
		},
	}
	eval := g.Evaluate(context.Background(), rubric, nil, []domain.MetricObservation{
		{MetricID: "m1", Value: 1}, {MetricID: "m2", Value: 1}, {MetricID: "m3", Value: 0},
	})
	assert.Equal(t, 67, eval.Score)
}

func TestGateFailThenPassScenario(t *testing.T) {
	g := New(nil)
	rubric := domain.GateRubric{
		Name:         "story",
		MinimumScore: 80,
		Metrics: []domain.GateMetric{
			{ID: "grounding", Operator: domain.OpGE, Threshold: 0.9, Weight: 1, Required: true},
		},
	}
	first := g.Evaluate(context.Background(), rubric, nil, []domain.MetricObservation{{MetricID: "grounding", Value: 0.7}})
	assert.Equal(t, domain.GateFail, first.Status)

	second := g.Evaluate(context.Background(), rubric, nil, []domain.MetricObservation{{MetricID: "grounding", Value: 0.92}})
	assert.Equal(t, domain.GatePass, second.Status)
}

func TestMissingRequiredArtifactFails(t *testing.T) {
	g := New(nil)
	rubric := domain.GateRubric{Name: "release", MinimumScore: 0, RequiredArtifactTypes: []string{"changelog"}}
	eval := g.Evaluate(context.Background(), rubric, nil, nil)
	assert.Equal(t, domain.GateFail, eval.Status)
	assert.Contains(t, eval.Evidence.MissingArtifacts, "changelog")
}

func TestMissingRequiredArtifactEscalatesRatherThanFails(t *testing.T) {
	g := New(nil)
	rubric := domain.GateRubric{Name: "release", MinimumScore: 0, RequiredArtifactTypes: []string{"changelog"}}
	eval := g.Evaluate(context.Background(), rubric, nil, nil)
	assert.Equal(t, domain.DecisionGateEscalate, eval.Decision)
}

func TestRequiredMetricFailureDecidesFailNotEscalate(t *testing.T) {
	g := New(nil)
	rubric := domain.GateRubric{
		Name:         "qa",
		MinimumScore: 0,
		Metrics: []domain.GateMetric{
			{ID: "grounding", Operator: domain.OpGE, Threshold: 0.9, Weight: 1, Required: true},
		},
	}
	eval := g.Evaluate(context.Background(), rubric, nil, []domain.MetricObservation{{MetricID: "grounding", Value: 0.1}})
	assert.Equal(t, domain.DecisionGateFail, eval.Decision)
}
