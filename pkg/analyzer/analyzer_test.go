package analyzer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orchestrator-core/orchestrator/pkg/domain"
	"github.com/orchestrator-core/orchestrator/pkg/toolregistry"
)

func TestAnalyzeConfidentAgentSkipsTools(t *testing.T) {
	reg := toolregistry.New()
	a := New(reg, nil)

	cfg := Config{MinConfidenceNoTool: 0.78, MinScoreToInvoke: 0.22}
	d := a.Analyze(context.Background(), cfg, Request{
		Run: domain.Run{ID: "r1"}, Phase: domain.PhaseIntake, Capability: domain.CapIntakeNormalizer,
		NoToolConfidence: 0.80,
	})
	assert.False(t, d.UseTools)
	assert.Contains(t, d.Reason, "meets threshold")
}

func TestAnalyzeScoreJustShortOfThreshold(t *testing.T) {
	reg := toolregistry.New()
	require.NoError(t, reg.Register(domain.Tool{
		ID: "tool-1", Capability: domain.CapIntakeNormalizer,
		EstimatedCost: domain.CostEstimate{USD: 0.1}, EstimatedLatencyMS: 500,
	}))
	a := New(reg, nil)

	cfg := Config{MinConfidenceNoTool: 0.78, MinScoreToInvoke: 0.22}
	d := a.Analyze(context.Background(), cfg, Request{
		Run: domain.Run{ID: "r1"}, Phase: domain.PhaseIntake, Capability: domain.CapIntakeNormalizer,
		NoToolConfidence: 0.5, Utility: 0.4,
	})
	require.Len(t, d.Scores, 1)
	assert.InDelta(t, 0.45, d.Scores[0].ErrorReduction, 1e-9)
	assert.InDelta(t, 0.03, d.Scores[0].Final, 1e-9)
	assert.False(t, d.UseTools)
}

func TestAnalyzeNoEligibleToolsReturnsFalse(t *testing.T) {
	reg := toolregistry.New()
	a := New(reg, nil)
	cfg := Config{MinConfidenceNoTool: 0.78, MinScoreToInvoke: 0.22}
	d := a.Analyze(context.Background(), cfg, Request{
		Run: domain.Run{ID: "r1"}, Phase: domain.PhaseIntake, Capability: domain.CapIntakeNormalizer,
		NoToolConfidence: 0.1, Utility: 0.9,
	})
	assert.False(t, d.UseTools)
	assert.Contains(t, d.Reason, "no eligible")
}

func TestAnalyzeSelectsHighestScoringTool(t *testing.T) {
	reg := toolregistry.New()
	require.NoError(t, reg.Register(domain.Tool{ID: "cheap", Capability: domain.CapQAE2E, EstimatedCost: domain.CostEstimate{USD: 0.01}, EstimatedLatencyMS: 100}))
	require.NoError(t, reg.Register(domain.Tool{ID: "expensive", Capability: domain.CapQAE2E, EstimatedCost: domain.CostEstimate{USD: 0.9}, EstimatedLatencyMS: 9000}))
	a := New(reg, nil)

	cfg := Config{MinConfidenceNoTool: 0.78, MinScoreToInvoke: 0.1}
	d := a.Analyze(context.Background(), cfg, Request{
		Run: domain.Run{ID: "r1"}, Phase: domain.PhaseQA, Capability: domain.CapQAE2E,
		NoToolConfidence: 0.1, Utility: 0.9,
	})
	require.True(t, d.UseTools)
	assert.Equal(t, "cheap", d.Selected.ID)
}
