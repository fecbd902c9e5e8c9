// Package agentclient is the one concrete Agent binding behind the
// orchestrator's external-collaborator boundary (§4.13-adjacent): agents are
// treated as pluggable external actors, and this package supplies a real,
// wireable implementation using Google's GenAI API so the Loop-Until-Pass
// Driver's auto-fix strategies (§4.9) have something to actually call.
package agentclient

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"google.golang.org/genai"

	"github.com/orchestrator-core/orchestrator/internal/logging"
	"github.com/orchestrator-core/orchestrator/pkg/loopdriver"
)

// Client wraps a GenAI client scoped to fix-synthesis calls.
type Client struct {
	client *genai.Client
	model  string
	log    *zap.Logger
}

// New builds a Client. model defaults to "gemini-2.0-flash" when empty —
// fix synthesis favors low latency over a larger general-purpose model.
func New(ctx context.Context, apiKey, model string) (*Client, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("agentclient: API key is required")
	}
	if model == "" {
		model = "gemini-2.0-flash"
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, fmt.Errorf("agentclient: create GenAI client: %w", err)
	}

	return &Client{client: client, model: model, log: logging.Component("agentclient")}, nil
}

// fixPrompts maps each loop-driver strategy to the instruction given to the
// model; strategies with no prompt here (manual-intervention) are not
// something an agent can resolve and should never reach this client.
var fixPrompts = map[loopdriver.Strategy]string{
	loopdriver.StrategyRerunQAV:           "The quality assessment validation failed due to %s. Propose a concrete remediation.",
	loopdriver.StrategyAddMissingAgents:   "Coverage gap detected: %s. Identify which missing agent role should be added and why.",
	loopdriver.StrategyRerunSecurity:      "A security finding was raised: %s. Propose a fix or mitigation.",
	loopdriver.StrategyStricterValidation: "Validation flagged an issue: %s. Propose a stricter validation rule that would have caught it.",
	loopdriver.StrategyReduceScope:        "The scope is too large given: %s. Propose a reduced scope that still satisfies the goal.",
}

// GenerateFix asks the model to synthesize a fix description for the given
// strategy and issue type. It returns the model's free-text proposal; the
// caller (a loopdriver.AutoFixer closure) decides how to apply it.
func (c *Client) GenerateFix(ctx context.Context, strategy loopdriver.Strategy, issueType string) (string, error) {
	prompt, ok := fixPrompts[strategy]
	if !ok {
		return "", fmt.Errorf("agentclient: no fix prompt registered for strategy %q", strategy)
	}

	contents := []*genai.Content{
		genai.NewContentFromText(fmt.Sprintf(prompt, issueType), genai.RoleUser),
	}

	start := time.Now()
	result, err := c.client.Models.GenerateContent(ctx, c.model, contents, nil)
	latency := time.Since(start)
	if err != nil {
		c.log.Warn("agentclient: fix synthesis call failed", zap.String("strategy", string(strategy)), zap.Error(err))
		return "", fmt.Errorf("agentclient: generate fix: %w", err)
	}

	c.log.Debug("agentclient: fix synthesized", zap.String("strategy", string(strategy)), zap.Duration("latency", latency))

	if len(result.Candidates) == 0 || result.Candidates[0].Content == nil || len(result.Candidates[0].Content.Parts) == 0 {
		return "", fmt.Errorf("agentclient: no content returned for strategy %q", strategy)
	}
	return result.Candidates[0].Content.Parts[0].Text, nil
}

// AsAutoFixer adapts Client into a loopdriver.AutoFixer: the generated fix
// text is logged as the applied remediation. Real application of the fix
// (e.g. editing a spec, re-queuing an agent) is the phase body's concern;
// this adapter's job ends at synthesis, matching the Loop-Until-Pass
// Driver's own description of strategies as "opaque" to the driver.
func (c *Client) AsAutoFixer() loopdriver.AutoFixer {
	return func(ctx context.Context, strategy loopdriver.Strategy, issueType string) error {
		fix, err := c.GenerateFix(ctx, strategy, issueType)
		if err != nil {
			return err
		}
		c.log.Info("agentclient: applying synthesized fix",
			zap.String("strategy", string(strategy)), zap.String("issue_type", issueType), zap.String("fix", fix))
		return nil
	}
}
