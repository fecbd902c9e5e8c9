package qae2e

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orchestrator-core/orchestrator/pkg/domain"
)

func TestRunStepUnknownKindErrors(t *testing.T) {
	err := runStep(nil, Step{Kind: "bogus"})
	require.Error(t, err)
}

func TestAsToolRejectsWrongInputType(t *testing.T) {
	r := New(true)
	tool := r.AsTool("qae2e-v1", "1.0.0")
	assert.Equal(t, domain.CapQAE2E, tool.Capability)
	_, err := tool.Invoke(domain.Context{}, "not an Input")
	require.Error(t, err)
}
