// Package retrypolicy classifies errors into the orchestrator's closed
// error taxonomy and computes the retry/backoff schedule for each class,
// deciding whether a failed task step is worth retrying.
package retrypolicy

import (
	"errors"
	"math"
	"math/rand"
	"strings"
	"time"
)

// ErrorClass is the closed error taxonomy (§4.2).
type ErrorClass string

const (
	ClassTransient     ErrorClass = "transient"
	ClassSchema        ErrorClass = "schema"
	ClassToolInfra     ErrorClass = "tool_infra"
	ClassHallucination ErrorClass = "hallucination"
	ClassRateLimit     ErrorClass = "rate_limit"
	ClassUnknown       ErrorClass = "unknown"
)

// Classifiable lets a caller override the heuristic text classification by
// implementing this on a sentinel/wrapped error.
type Classifiable interface {
	RetryClass() ErrorClass
}

// Classify assigns an ErrorClass to err. A caller-supplied Classifiable in
// the error chain always wins; otherwise classification is heuristic on the
// error text (§4.2).
func Classify(err error) ErrorClass {
	if err == nil {
		return ClassUnknown
	}
	var c Classifiable
	if errors.As(err, &c) {
		return c.RetryClass()
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "rate limit"), strings.Contains(msg, "429"), strings.Contains(msg, "too many requests"):
		return ClassRateLimit
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "connection reset"), strings.Contains(msg, "deadline exceeded"), strings.Contains(msg, "eof"):
		return ClassTransient
	case strings.Contains(msg, "schema"), strings.Contains(msg, "validation"), strings.Contains(msg, "invalid field"), strings.Contains(msg, "unmarshal"):
		return ClassSchema
	case strings.Contains(msg, "hallucinat"), strings.Contains(msg, "guard violation"), strings.Contains(msg, "fabricated"):
		return ClassHallucination
	case strings.Contains(msg, "tool"), strings.Contains(msg, "executor"), strings.Contains(msg, "process exited"):
		return ClassToolInfra
	default:
		return ClassUnknown
	}
}

// Backoff is the shape of the delay curve for a class.
type Backoff string

const (
	BackoffExponential Backoff = "exponential"
	BackoffLinear      Backoff = "linear"
	BackoffConstant    Backoff = "constant"
)

// Escalation is what happens once an error class exhausts its retries.
type Escalation string

const (
	EscalateFixSynth     Escalation = "fix-synth"
	EscalateAlternateTool Escalation = "alternate-tool"
	EscalateFail         Escalation = "fail"
)

// Policy is the per-error-class retry contract.
type Policy struct {
	MaxRetries int
	Backoff    Backoff
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Jitter     float64
	Escalation Escalation
}

// Table maps every error class to its policy. Callers build this from
// config (internal/config.Config.RetryPolicies); DefaultTable exists for
// tests and standalone use.
type Table map[ErrorClass]Policy

// DefaultTable mirrors internal/config.Default()'s retry_policies section.
func DefaultTable() Table {
	return Table{
		ClassTransient:     {MaxRetries: 5, Backoff: BackoffExponential, BaseDelay: 500 * time.Millisecond, MaxDelay: 30 * time.Second, Jitter: 0.25, Escalation: EscalateFail},
		ClassSchema:        {MaxRetries: 1, Backoff: BackoffConstant, Escalation: EscalateFixSynth},
		ClassToolInfra:     {MaxRetries: 3, Backoff: BackoffExponential, BaseDelay: 1 * time.Second, MaxDelay: 20 * time.Second, Jitter: 0.2, Escalation: EscalateAlternateTool},
		ClassHallucination: {MaxRetries: 0, Backoff: BackoffConstant, Escalation: EscalateFixSynth},
		ClassRateLimit:     {MaxRetries: 8, Backoff: BackoffExponential, BaseDelay: 2 * time.Second, MaxDelay: 5 * time.Minute, Jitter: 0.5, Escalation: EscalateFail},
		ClassUnknown:       {MaxRetries: 2, Backoff: BackoffLinear, BaseDelay: 1 * time.Second, MaxDelay: 10 * time.Second, Jitter: 0.1, Escalation: EscalateFail},
	}
}

// Delay computes the sleep for 0-indexed attempt k under p, including
// uniform jitter of magnitude jitter*delay/2 (§4.2). rng defaults to
// math/rand's package-level source when nil.
func (p Policy) Delay(k int, rng *rand.Rand) time.Duration {
	var f float64
	switch p.Backoff {
	case BackoffExponential:
		f = math.Pow(2, float64(k))
	case BackoffLinear:
		f = float64(k + 1)
	default:
		f = 1
	}

	delay := float64(p.BaseDelay) * f
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}

	if p.Jitter > 0 {
		magnitude := p.Jitter * delay / 2
		var r float64
		if rng != nil {
			r = rng.Float64()
		} else {
			r = rand.Float64()
		}
		delay += (r*2 - 1) * magnitude
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

// PolicyFor looks up a class's policy, falling back to ClassUnknown's.
func (t Table) PolicyFor(c ErrorClass) Policy {
	if p, ok := t[c]; ok {
		return p
	}
	return t[ClassUnknown]
}
