package agentclient

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orchestrator-core/orchestrator/pkg/loopdriver"
)

func TestNewRequiresAPIKey(t *testing.T) {
	_, err := New(context.Background(), "", "")
	require.Error(t, err)
}

func TestGenerateFixRejectsManualInterventionBeforeCallingModel(t *testing.T) {
	// manual-intervention has no registered prompt; GenerateFix must fail
	// fast without requiring a live client, so a Client with a nil
	// underlying genai client is enough to exercise the lookup path.
	c := &Client{model: "gemini-2.0-flash"}
	_, err := c.GenerateFix(context.Background(), loopdriver.StrategyManualIntervention, "unclassified issue")
	assert.Error(t, err)
}
