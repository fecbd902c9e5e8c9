// Package config loads the orchestrator's YAML configuration and watches it
// for external changes so the soft, in-memory caches built on top of it
// (policy map, waiver defaults, version defaults) can refresh themselves
// rather than going stale (§9 design note on database-coupled caches).
package config

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/orchestrator-core/orchestrator/pkg/domain"
)

// RetryPolicyConfig is the per-error-class retry contract (§4.2).
type RetryPolicyConfig struct {
	MaxRetries  int           `yaml:"max_retries"`
	Backoff     string        `yaml:"backoff"` // exponential | linear | constant
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	Jitter      float64       `yaml:"jitter"`
	Escalation  string        `yaml:"escalation"` // fix-synth | alternate-tool | fail
}

// AnalyzerConfig mirrors §4.6's configuration inputs.
type AnalyzerConfig struct {
	MinConfidenceNoTool float64  `yaml:"min_confidence_no_tool"`
	MinScoreToInvoke    float64  `yaml:"min_score_to_invoke"`
	Allowlist           []string `yaml:"allowlist,omitempty"`
	Denylist            []string `yaml:"denylist,omitempty"`
	AllowPiiEgress      bool     `yaml:"allow_pii_egress"`
}

// SupervisorConfig mirrors §4.3's circuit breaker thresholds.
type SupervisorConfig struct {
	FailureThreshold          int           `yaml:"failure_threshold"`
	SuccessThreshold          int           `yaml:"success_threshold"`
	OpenTimeout               time.Duration `yaml:"open_timeout"`
	QuarantineAfterFailures   int           `yaml:"quarantine_after_failures"`
	EscalateAfterRetries      int           `yaml:"escalate_after_retries"`
	HeartbeatTimeout          time.Duration `yaml:"heartbeat_timeout"`
	HeartbeatMaxMissed        int           `yaml:"heartbeat_max_missed"`
}

// WaiverConfig mirrors §4.8 defaults.
type WaiverConfig struct {
	DefaultExpiry time.Duration `yaml:"default_expiry"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// AutoscalerConfig is the evaluation cadence and history window (§4.10).
type AutoscalerConfig struct {
	EvaluationInterval time.Duration `yaml:"evaluation_interval"`
	HistoryWindow      int           `yaml:"history_window"`
}

// StorageConfig points at the relational persistence backend.
type StorageConfig struct {
	Driver string `yaml:"driver"` // sqlite3
	DSN    string `yaml:"dsn"`
}

// Config is the orchestrator's full configuration surface.
type Config struct {
	Logging struct {
		Debug bool `yaml:"debug"`
		JSON  bool `yaml:"json"`
	} `yaml:"logging"`

	Storage StorageConfig `yaml:"storage"`

	Phases map[domain.Phase]domain.PhaseConfig `yaml:"phases"`

	RetryPolicies map[string]RetryPolicyConfig `yaml:"retry_policies"`

	Analyzer AnalyzerConfig `yaml:"analyzer"`

	Supervisor SupervisorConfig `yaml:"supervisor"`

	Waiver WaiverConfig `yaml:"waiver"`

	Autoscaler AutoscalerConfig `yaml:"autoscaler"`
}

// Default returns the built-in configuration: a safe, complete zero-config
// starting point that callers can load without a YAML file on disk.
func Default() *Config {
	c := &Config{}
	c.Logging.Debug = false
	c.Logging.JSON = true

	c.Storage = StorageConfig{Driver: "sqlite3", DSN: "orchestrator.db"}

	c.Phases = map[domain.Phase]domain.PhaseConfig{
		domain.PhaseIntake:    {Phase: domain.PhaseIntake, Budget: domain.Budget{USD: 5, Tokens: 200_000}, MinRequiredAgents: 1, MaxConcurrency: 4, CompletionTopic: "intake.ready"},
		domain.PhaseIdeation:  {Phase: domain.PhaseIdeation, Budget: domain.Budget{USD: 10, Tokens: 400_000}, MinRequiredAgents: 1, MaxConcurrency: 4, CompletionTopic: "ideation.ready"},
		domain.PhaseCritique:  {Phase: domain.PhaseCritique, Budget: domain.Budget{USD: 8, Tokens: 300_000}, MinRequiredAgents: 1, MaxConcurrency: 4, GateClass: "critique", MaxGateRetries: 3, AutoRetryOnGateFail: true, CompletionTopic: "critique.ready"},
		domain.PhasePRD:       {Phase: domain.PhasePRD, Budget: domain.Budget{USD: 12, Tokens: 400_000}, MinRequiredAgents: 1, MaxConcurrency: 2, GateClass: "prd", MaxGateRetries: 3, AutoRetryOnGateFail: true, CompletionTopic: "prd.ready"},
		domain.PhaseBizDev:    {Phase: domain.PhaseBizDev, Budget: domain.Budget{USD: 8, Tokens: 250_000}, MinRequiredAgents: 1, MaxConcurrency: 2, GateClass: "bizdev", MaxGateRetries: 2, AutoRetryOnGateFail: true, CompletionTopic: "bizdev.ready"},
		domain.PhaseArch:      {Phase: domain.PhaseArch, Budget: domain.Budget{USD: 15, Tokens: 500_000}, MinRequiredAgents: 1, MaxConcurrency: 2, GateClass: "arch", MaxGateRetries: 3, AutoRetryOnGateFail: true, CompletionTopic: "arch.ready"},
		domain.PhaseBuild:     {Phase: domain.PhaseBuild, Budget: domain.Budget{USD: 25, Tokens: 800_000}, MinRequiredAgents: 2, MaxConcurrency: 8, GateClass: "build", MaxGateRetries: 3, AutoRetryOnGateFail: true, CompletionTopic: "build.ready"},
		domain.PhaseStoryLoop: {Phase: domain.PhaseStoryLoop, Budget: domain.Budget{USD: 60, Tokens: 2_000_000}, MinRequiredAgents: 2, MaxConcurrency: 16, GateClass: "story", MaxGateRetries: 5, AutoRetryOnGateFail: true, CompletionTopic: "story.done"},
		domain.PhaseQA:        {Phase: domain.PhaseQA, Budget: domain.Budget{USD: 20, Tokens: 600_000}, MinRequiredAgents: 1, MaxConcurrency: 8, GateClass: "qa", MaxGateRetries: 4, AutoRetryOnGateFail: true, CompletionTopic: "qa.ready"},
		domain.PhaseAesthetic: {Phase: domain.PhaseAesthetic, Budget: domain.Budget{USD: 10, Tokens: 300_000}, MinRequiredAgents: 1, MaxConcurrency: 4, GateClass: "aesthetic", MaxGateRetries: 2, AutoRetryOnGateFail: true, CompletionTopic: "aesthetic.ready"},
		domain.PhaseRelease:   {Phase: domain.PhaseRelease, Budget: domain.Budget{USD: 6, Tokens: 150_000}, MinRequiredAgents: 1, MaxConcurrency: 2, GateClass: "release", MaxGateRetries: 2, AutoRetryOnGateFail: true, CompletionTopic: "release.ready"},
		domain.PhaseBeta:      {Phase: domain.PhaseBeta, Budget: domain.Budget{USD: 8, Tokens: 200_000}, MinRequiredAgents: 1, MaxConcurrency: 4, CompletionTopic: "beta.ready"},
	}

	c.RetryPolicies = map[string]RetryPolicyConfig{
		"transient":    {MaxRetries: 5, Backoff: "exponential", BaseDelay: 500 * time.Millisecond, MaxDelay: 30 * time.Second, Jitter: 0.25, Escalation: "fail"},
		"schema":       {MaxRetries: 1, Backoff: "constant", BaseDelay: 0, MaxDelay: 0, Jitter: 0, Escalation: "fix-synth"},
		"tool_infra":   {MaxRetries: 3, Backoff: "exponential", BaseDelay: 1 * time.Second, MaxDelay: 20 * time.Second, Jitter: 0.2, Escalation: "alternate-tool"},
		"hallucination": {MaxRetries: 0, Backoff: "constant", BaseDelay: 0, MaxDelay: 0, Jitter: 0, Escalation: "fix-synth"},
		"rate_limit":   {MaxRetries: 8, Backoff: "exponential", BaseDelay: 2 * time.Second, MaxDelay: 5 * time.Minute, Jitter: 0.5, Escalation: "fail"},
		"unknown":      {MaxRetries: 2, Backoff: "linear", BaseDelay: 1 * time.Second, MaxDelay: 10 * time.Second, Jitter: 0.1, Escalation: "fail"},
	}

	c.Analyzer = AnalyzerConfig{
		MinConfidenceNoTool: 0.78,
		MinScoreToInvoke:    0.22,
	}

	c.Supervisor = SupervisorConfig{
		FailureThreshold:        3,
		SuccessThreshold:        2,
		OpenTimeout:             10 * time.Second,
		QuarantineAfterFailures: 10,
		EscalateAfterRetries:    5,
		HeartbeatTimeout:        30 * time.Second,
		HeartbeatMaxMissed:      3,
	}

	c.Waiver = WaiverConfig{
		DefaultExpiry: domain.DefaultWaiverDuration,
		SweepInterval: time.Hour,
	}

	c.Autoscaler = AutoscalerConfig{
		EvaluationInterval: 30 * time.Second,
		HistoryWindow:      1000,
	}

	return c
}

// Load reads a YAML config file over the defaults. A missing file is not an
// error: Default() alone is a valid configuration.
func Load(path string) (*Config, error) {
	c := Default()
	if path == "" {
		return c, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return c, nil
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return c, nil
}

// Watcher refreshes a Config in place when its backing file changes on
// disk, for components that keep a soft in-memory cache derived from it.
type Watcher struct {
	mu     sync.RWMutex
	path   string
	cur    *Config
	watch  *fsnotify.Watcher
	onLoad func(*Config)
}

// NewWatcher loads path once and begins watching it for writes. onLoad, if
// non-nil, is invoked (from the watcher's own goroutine) every time the file
// is successfully reloaded.
func NewWatcher(path string, onLoad func(*Config)) (*Watcher, error) {
	c, err := Load(path)
	if err != nil {
		return nil, err
	}
	w := &Watcher{path: path, cur: c, onLoad: onLoad}
	if path == "" {
		return w, nil
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create config watcher: %w", err)
	}
	if err := fw.Add(path); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("watch config %s: %w", path, err)
	}
	w.watch = fw

	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	for {
		select {
		case ev, ok := <-w.watch.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			c, err := Load(w.path)
			if err != nil {
				continue
			}
			w.mu.Lock()
			w.cur = c
			w.mu.Unlock()
			if w.onLoad != nil {
				w.onLoad(c)
			}
		case _, ok := <-w.watch.Errors:
			if !ok {
				return
			}
		}
	}
}

// Current returns the most recently loaded configuration.
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.cur
}

// Close stops watching.
func (w *Watcher) Close() error {
	if w.watch == nil {
		return nil
	}
	return w.watch.Close()
}
