// Package qae2e provides the qa.e2e capability tool (§4.4/§4.5): it drives a
// headless Chrome instance through a scripted sequence of steps and reports
// pass/fail plus a screenshot as evidence.
package qae2e

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"

	"github.com/orchestrator-core/orchestrator/pkg/domain"
)

// StepKind is the closed set of e2e script actions this runner supports.
type StepKind string

const (
	StepNavigate      StepKind = "navigate"
	StepClick         StepKind = "click"
	StepType          StepKind = "type"
	StepAssertVisible StepKind = "assert_visible"
)

// Step is one scripted action.
type Step struct {
	Kind     StepKind
	Selector string
	Value    string // URL for navigate, text for type
}

// Input is the Invoke payload for the qa.e2e tool.
type Input struct {
	Steps []Step
}

// Result reports the outcome of running a Script.
type Result struct {
	Passed       bool
	FailedStep   int
	FailureError string
	Screenshot   []byte
}

// Runner owns a single headless browser connection, launched lazily and
// reconnected if stale; reused across invocations since this tool runs one
// script at a time rather than managing named sessions.
type Runner struct {
	mu      sync.Mutex
	browser *rod.Browser
	headless bool
}

// New builds a Runner. headless controls whether the launched Chrome
// instance runs without a visible window (true in CI/automated runs).
func New(headless bool) *Runner {
	return &Runner{headless: headless}
}

func (r *Runner) ensureBrowser() (*rod.Browser, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.browser != nil {
		if _, err := r.browser.Version(); err == nil {
			return r.browser, nil
		}
		_ = r.browser.Close()
		r.browser = nil
	}

	controlURL, err := launcher.New().Headless(r.headless).Launch()
	if err != nil {
		return nil, fmt.Errorf("qae2e: launch chrome: %w", err)
	}
	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		return nil, fmt.Errorf("qae2e: connect to chrome: %w", err)
	}
	r.browser = browser
	return browser, nil
}

// Close shuts down the underlying browser, if any.
func (r *Runner) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.browser == nil {
		return nil
	}
	err := r.browser.Close()
	r.browser = nil
	return err
}

// Run executes steps in order against a fresh page, stopping at the first
// failing step.
func (r *Runner) Run(ctx context.Context, steps []Step) (Result, error) {
	browser, err := r.ensureBrowser()
	if err != nil {
		return Result{}, err
	}

	page, err := browser.Context(ctx).Page(nil)
	if err != nil {
		return Result{}, fmt.Errorf("qae2e: open page: %w", err)
	}
	defer page.Close()

	for i, step := range steps {
		if err := runStep(page, step); err != nil {
			shot, _ := page.Screenshot(false, nil)
			return Result{Passed: false, FailedStep: i, FailureError: err.Error(), Screenshot: shot}, nil
		}
	}

	shot, _ := page.Screenshot(false, nil)
	return Result{Passed: true, Screenshot: shot}, nil
}

func runStep(page *rod.Page, step Step) error {
	switch step.Kind {
	case StepNavigate:
		return page.Navigate(step.Value)
	case StepClick:
		el, err := page.Element(step.Selector)
		if err != nil {
			return fmt.Errorf("element %q not found: %w", step.Selector, err)
		}
		return el.Click(proto.InputMouseButtonLeft, 1)
	case StepType:
		el, err := page.Element(step.Selector)
		if err != nil {
			return fmt.Errorf("element %q not found: %w", step.Selector, err)
		}
		return el.Input(step.Value)
	case StepAssertVisible:
		el, err := page.Element(step.Selector)
		if err != nil {
			return fmt.Errorf("element %q not found: %w", step.Selector, err)
		}
		visible, err := el.Visible()
		if err != nil {
			return fmt.Errorf("element %q visibility check failed: %w", step.Selector, err)
		}
		if !visible {
			return fmt.Errorf("element %q is not visible", step.Selector)
		}
		return nil
	default:
		return fmt.Errorf("unknown step kind %q", step.Kind)
	}
}

// AsTool adapts Runner into a domain.Tool registrable under CapQAE2E.
func (r *Runner) AsTool(id, version string) domain.Tool {
	return domain.Tool{
		ID:         id,
		Capability: domain.CapQAE2E,
		Version:    version,
		Invoke: func(dctx domain.Context, input any) (any, error) {
			in, ok := input.(Input)
			if !ok {
				return nil, fmt.Errorf("qae2e: expected Input, got %T", input)
			}
			return r.Run(context.Background(), in.Steps)
		},
	}
}
