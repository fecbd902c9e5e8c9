// Package refinery is the Refinery external-collaborator contract (§4.13):
// a question/answer fission-fusion refinement service the core calls out to
// and gates against fixed thresholds.
package refinery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Thresholds are the fixed gate levels a refine result is checked against
// (§4.13).
const (
	MinFissionCoverage  = 0.85
	MinFusionConsensus  = 0.75
	MinAcceptanceScore  = 0.60
)

// Request is the input to Refine.
type Request struct {
	Questions []string
	Answers   []string
}

// Metrics is the quality evidence a refine call returns alongside the
// refined content.
type Metrics struct {
	FissionCoverage float64
	FusionConsensus float64
	Acceptance      float64
}

// GatePassed reports whether every metric meets its fixed threshold.
func (m Metrics) GatePassed() bool {
	return m.FissionCoverage >= MinFissionCoverage && m.FusionConsensus >= MinFusionConsensus && m.Acceptance >= MinAcceptanceScore
}

// Result is the full response from a refine call.
type Result struct {
	Refined    string
	Metrics    Metrics
	GatePassed bool
	DurationMS int64
}

// Client is satisfied by whatever transport backs the Refinery (HTTP, gRPC,
// in-process). The orchestrator core depends only on this interface.
type Client interface {
	Refine(ctx context.Context, req Request) (Result, error)
}

// HTTPClient is the default Client: a plain JSON POST to a configured
// Refinery endpoint.
type HTTPClient struct {
	URL    string
	Client *http.Client
}

// Refine posts req as JSON to URL and decodes a Result from the response
// body.
func (h *HTTPClient) Refine(ctx context.Context, req Request) (Result, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return Result{}, fmt.Errorf("refinery: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.URL, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("refinery: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return Result{}, fmt.Errorf("refinery: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return Result{}, fmt.Errorf("refinery: server returned status %d", resp.StatusCode)
	}

	var result Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return Result{}, fmt.Errorf("refinery: decode response: %w", err)
	}
	return result, nil
}

// Caller wraps a Client with the gate-evaluation step so callers get a
// single Refine call back with GatePassed already computed, even if the
// underlying Client forgot to set it.
type Caller struct {
	client Client
}

// New wraps a Client.
func New(client Client) *Caller {
	return &Caller{client: client}
}

// Refine calls the underlying client and stamps GatePassed from the fixed
// thresholds, overriding whatever the client itself reported (the gate
// thresholds are a core invariant, not a collaborator's opinion).
func (c *Caller) Refine(ctx context.Context, req Request) (Result, error) {
	start := time.Now()
	result, err := c.client.Refine(ctx, req)
	if err != nil {
		return Result{}, fmt.Errorf("refinery: refine failed: %w", err)
	}
	result.GatePassed = result.Metrics.GatePassed()
	if result.DurationMS == 0 {
		result.DurationMS = time.Since(start).Milliseconds()
	}
	return result, nil
}
