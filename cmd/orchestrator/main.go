// Package main is the orchestrator CLI entry point: run lifecycle control,
// scaling-policy CRUD, waiver CRUD, and workflow-version register/upgrade,
// all wired against a single SQLite-backed control plane.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/orchestrator-core/orchestrator/internal/config"
	"github.com/orchestrator-core/orchestrator/internal/logging"
	"github.com/orchestrator-core/orchestrator/internal/storage/sqlitestore"
	"github.com/orchestrator-core/orchestrator/pkg/agentclient"
	"github.com/orchestrator-core/orchestrator/pkg/autoscaler"
	"github.com/orchestrator-core/orchestrator/pkg/deltapublisher"
	"github.com/orchestrator-core/orchestrator/pkg/domain"
	"github.com/orchestrator-core/orchestrator/pkg/eventbus"
	"github.com/orchestrator-core/orchestrator/pkg/gatekeeper"
	"github.com/orchestrator-core/orchestrator/pkg/loopdriver"
	"github.com/orchestrator-core/orchestrator/pkg/phasecoord"
	"github.com/orchestrator-core/orchestrator/pkg/recorder"
	"github.com/orchestrator-core/orchestrator/pkg/refinery"
	"github.com/orchestrator-core/orchestrator/pkg/retrypolicy"
	"github.com/orchestrator-core/orchestrator/pkg/supervisor"
	"github.com/orchestrator-core/orchestrator/pkg/toolregistry"
	"github.com/orchestrator-core/orchestrator/pkg/toolset/qae2e"
	"github.com/orchestrator-core/orchestrator/pkg/toolset/syntaxcheck"
	"github.com/orchestrator-core/orchestrator/pkg/versioner"
	"github.com/orchestrator-core/orchestrator/pkg/waiver"
)

var (
	verbose     bool
	configPath  string
	dbPath      string
	refineryURL string
	webhookURL  string
	genaiAPIKey string

	cfg   *config.Config
	store *sqlitestore.Store
	log   *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "orchestrator",
	Short: "Orchestrator control-plane CLI: runs, scaling policies, waivers, workflow versions",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		log, err = logging.Init(logging.Options{Debug: verbose || cfg.Logging.Debug, JSON: cfg.Logging.JSON})
		if err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		dsn := cfg.Storage.DSN
		if dbPath != "" {
			dsn = dbPath
		}
		store, err = sqlitestore.Open(dsn)
		if err != nil {
			return fmt.Errorf("open store %s: %w", dsn, err)
		}
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if store != nil {
			if err := store.Close(); err != nil {
				return err
			}
		}
		logging.Sync()
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to YAML config file")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "SQLite DSN override (default: config's storage.dsn)")
	rootCmd.PersistentFlags().StringVar(&refineryURL, "refinery-url", "", "Refinery collaborator endpoint (§4.13)")
	rootCmd.PersistentFlags().StringVar(&webhookURL, "delta-webhook-url", "", "Delta publisher webhook endpoint, if any")
	rootCmd.PersistentFlags().StringVar(&genaiAPIKey, "genai-api-key", "", "API key for the fix-synthesis model (escalation auto-fix); leave empty to disable auto-fix")

	runCmd.AddCommand(runStartCmd, runStatusCmd, runResumeCmd)
	policyCmd.AddCommand(policyListCmd, policySetCmd)
	waiverCmd.AddCommand(waiverRequestCmd, waiverApproveCmd, waiverRevokeCmd, waiverListCmd)
	versionCmd.AddCommand(versionRegisterCmd, versionUpgradeCmd)
	toolsCmd.AddCommand(toolsListCmd, toolsCheckSyntaxCmd)
	deltaCmd.AddCommand(deltaPublishCmd)

	rootCmd.AddCommand(runCmd, policyCmd, waiverCmd, versionCmd, serveCmd, refineCmd, toolsCmd, deltaCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// --- run ---

var runCmd = &cobra.Command{Use: "run", Short: "Run lifecycle: start, status, resume"}

var runStartCmd = &cobra.Command{
	Use:   "start <workflow-id> <workflow-version> <tenant> <shard>",
	Short: "Create a new run pinned to a workflow version, parked at the first phase",
	Args:  cobra.ExactArgs(4),
	RunE: func(cmd *cobra.Command, args []string) error {
		run := domain.Run{
			ID:              uuid.NewString(),
			WorkflowID:      args[0],
			WorkflowVersion: args[1],
			CurrentPhase:    domain.PhaseOrder[0],
			Status:          domain.RunRunning,
			Tenant:          args[2],
			Shard:           args[3],
			CreatedAt:       time.Now(),
			UpdatedAt:       time.Now(),
		}
		if err := store.UpsertRun(run); err != nil {
			return fmt.Errorf("create run: %w", err)
		}
		return printJSON(run)
	},
}

var runStatusCmd = &cobra.Command{
	Use:   "status <run-id>",
	Short: "Show a run's current phase, status, and summary",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		run, err := store.GetRun(args[0])
		if err != nil {
			return fmt.Errorf("get run: %w", err)
		}
		rec := recorder.New(store)
		summary, err := rec.GetRunSummary(args[0])
		if err != nil {
			return fmt.Errorf("get run summary: %w", err)
		}
		return printJSON(struct {
			Run     domain.Run        `json:"run"`
			Summary domain.RunSummary `json:"summary"`
		}{run, summary})
	},
}

var runResumeCmd = &cobra.Command{
	Use:   "resume <run-id>",
	Short: "Mark a paused/failed run runnable again from its current phase",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		run, err := store.GetRun(args[0])
		if err != nil {
			return fmt.Errorf("get run: %w", err)
		}
		run.Status = domain.RunRunning
		run.UpdatedAt = time.Now()
		if err := store.UpsertRun(run); err != nil {
			return fmt.Errorf("resume run: %w", err)
		}
		return printJSON(run)
	},
}

// --- policy ---

var policyCmd = &cobra.Command{Use: "policy", Short: "Autoscaler scaling-policy CRUD"}

var policyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List every registered scaling policy",
	RunE: func(cmd *cobra.Command, args []string) error {
		policies, err := store.ListPolicies()
		if err != nil {
			return fmt.Errorf("list policies: %w", err)
		}
		return printJSON(policies)
	},
}

var policySetCmd = &cobra.Command{
	Use:   "set <policy.json>",
	Short: "Create or replace a scaling policy from a JSON file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var policy domain.ScalingPolicy
		if err := readJSONFile(args[0], &policy); err != nil {
			return err
		}
		if err := policy.Validate(); err != nil {
			return fmt.Errorf("invalid policy: %w", err)
		}
		if policy.PolicyID == "" {
			policy.PolicyID = uuid.NewString()
		}
		now := time.Now()
		if policy.CreatedAt.IsZero() {
			policy.CreatedAt = now
		}
		policy.UpdatedAt = now
		if err := store.UpsertPolicy(policy); err != nil {
			return fmt.Errorf("upsert policy: %w", err)
		}
		return printJSON(policy)
	},
}

// --- waiver ---

var waiverCmd = &cobra.Command{Use: "waiver", Short: "Gate-violation waiver CRUD"}

var waiverRequestCmd = &cobra.Command{
	Use:   "request <request.json>",
	Short: "Request a waiver for a (run, phase, violation-type) from a JSON file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var req waiver.Request
		if err := readJSONFile(args[0], &req); err != nil {
			return err
		}
		mgr := waiverManager()
		w, err := mgr.RequestWaiver(req)
		if err != nil {
			return fmt.Errorf("request waiver: %w", err)
		}
		return printJSON(w)
	},
}

var waiverApproveCmd = &cobra.Command{
	Use:   "approve <waiver-id> <approver>",
	Short: "Approve a pending waiver",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr := waiverManager()
		if err := mgr.ApproveWaiver(args[0], args[1]); err != nil {
			return fmt.Errorf("approve waiver: %w", err)
		}
		w, err := store.GetWaiver(args[0])
		if err != nil {
			return fmt.Errorf("get waiver: %w", err)
		}
		return printJSON(w)
	},
}

var waiverRevokeCmd = &cobra.Command{
	Use:   "revoke <waiver-id> [reason]",
	Short: "Revoke an active waiver",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		reason := ""
		if len(args) == 2 {
			reason = args[1]
		}
		mgr := waiverManager()
		if err := mgr.RevokeWaiver(args[0], reason); err != nil {
			return fmt.Errorf("revoke waiver: %w", err)
		}
		w, err := store.GetWaiver(args[0])
		if err != nil {
			return fmt.Errorf("get waiver: %w", err)
		}
		return printJSON(w)
	},
}

var waiverListCmd = &cobra.Command{
	Use:   "list",
	Short: "List every waiver and summary stats by status",
	RunE: func(cmd *cobra.Command, args []string) error {
		waivers, err := store.ListWaivers()
		if err != nil {
			return fmt.Errorf("list waivers: %w", err)
		}
		stats, err := waiverManager().GetStats()
		if err != nil {
			return fmt.Errorf("get waiver stats: %w", err)
		}
		return printJSON(struct {
			Waivers []domain.Waiver `json:"waivers"`
			Stats   waiver.Stats    `json:"stats"`
		}{waivers, stats})
	},
}

// --- version ---

var versionCmd = &cobra.Command{Use: "version", Short: "Workflow version registry and mid-run upgrade"}

var versionRegisterCmd = &cobra.Command{
	Use:   "register <version.json>",
	Short: "Register a semver-tagged workflow version from a JSON file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var wv domain.WorkflowVersion
		if err := readJSONFile(args[0], &wv); err != nil {
			return err
		}
		now := time.Now()
		if wv.CreatedAt.IsZero() {
			wv.CreatedAt = now
		}
		wv.UpdatedAt = now
		v := versioner.New(store)
		if err := v.RegisterVersion(wv); err != nil {
			return fmt.Errorf("register version: %w", err)
		}
		return printJSON(wv)
	},
}

var versionUpgradeCmd = &cobra.Command{
	Use:   "upgrade <run-id> <target-version>",
	Short: "Upgrade a run in place to a new workflow version (no migration steps from the CLI)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		v := versioner.New(store)
		run, err := v.UpgradeMidRun(context.Background(), args[0], args[1], nil)
		if err != nil {
			return fmt.Errorf("upgrade run: %w", err)
		}
		return printJSON(run)
	},
}

// --- serve ---

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the background control loops: autoscaler evaluation and waiver expiry sweep",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		// Constructing the coordinator here, even though serve does not yet
		// drive any phase bodies, proves the full control-plane wiring
		// (supervisor, loop driver, gatekeeper, recorder, event bus)
		// assembles against the live store and config.
		_ = buildCoordinator(defaultRubrics())

		rec := recorder.New(store)
		scaler := autoscaler.New(store, workerPoolMetrics, rec, cfg.Autoscaler.EvaluationInterval)
		mgr := waiverManager()

		log.Info("orchestrator: serve starting",
			zap.Duration("autoscaler_interval", cfg.Autoscaler.EvaluationInterval),
			zap.Duration("waiver_sweep_interval", cfg.Waiver.SweepInterval))

		go scaler.Run(ctx)
		go mgr.RunSweeper(ctx, cfg.Waiver.SweepInterval)

		<-ctx.Done()
		log.Info("orchestrator: serve shutting down")
		return nil
	},
}

// workerPoolMetrics is the CLI's MetricsProvider: it derives PoolMetrics from
// the currently persisted Worker rows for the policy's (shard, phase,
// resource-type). It has no queue/latency source wired in yet, so
// QueueDepth and AvgTaskLatency read zero — a real deployment replaces this
// with a provider backed by the task queue and tracing.
func workerPoolMetrics(ctx context.Context, policy domain.ScalingPolicy) (domain.PoolMetrics, error) {
	workers, err := store.ListWorkers(policy.ShardID, policy.Phase, policy.ResourceType)
	if err != nil {
		return domain.PoolMetrics{}, fmt.Errorf("list workers for policy %s: %w", policy.PolicyID, err)
	}
	var idle, busy int
	for _, w := range workers {
		switch w.Status {
		case domain.WorkerIdle:
			idle++
		case domain.WorkerBusy:
			busy++
		}
	}
	return domain.PoolMetrics{
		CurrentWorkers: len(workers),
		Idle:           idle,
		Busy:           busy,
		ObservedAt:     time.Now(),
	}, nil
}

// --- refine ---

var refineCmd = &cobra.Command{
	Use:   "refine <request.json>",
	Short: "Call the Refinery external collaborator and report its fission/fusion/acceptance gate (§4.13)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if refineryURL == "" {
			return fmt.Errorf("refine: --refinery-url is required")
		}
		var req refinery.Request
		if err := readJSONFile(args[0], &req); err != nil {
			return err
		}
		caller := refinery.New(&refinery.HTTPClient{URL: refineryURL})
		result, err := caller.Refine(context.Background(), req)
		if err != nil {
			return fmt.Errorf("refine: %w", err)
		}
		return printJSON(result)
	},
}

// --- tools ---

var toolsCmd = &cobra.Command{Use: "tools", Short: "Capability-class tool registry (§4.5)"}

var toolsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List every tool registered for this process's default registry",
	RunE: func(cmd *cobra.Command, args []string) error {
		return printJSON(buildToolRegistry().GetStats())
	},
}

var toolsCheckSyntaxCmd = &cobra.Command{
	Use:   "check-syntax <language> <file>",
	Short: "Run the build.syntax_validator tool against a source file",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		reg := buildToolRegistry()
		tools := reg.GetByCapability(domain.CapBuildSyntaxValidator)
		if len(tools) == 0 {
			return fmt.Errorf("check-syntax: no tool registered for %s", domain.CapBuildSyntaxValidator)
		}
		content, err := os.ReadFile(args[1])
		if err != nil {
			return fmt.Errorf("check-syntax: read %s: %w", args[1], err)
		}
		out, err := tools[0].Invoke(domain.Context{}, syntaxcheck.Input{
			Language: syntaxcheck.Language(args[0]),
			Path:     args[1],
			Content:  content,
		})
		if err != nil {
			return fmt.Errorf("check-syntax: %w", err)
		}
		return printJSON(out)
	},
}

// buildToolRegistry assembles the process's tool registry from the concrete
// capability implementations this repo ships (syntaxcheck, qae2e). A real
// deployment would also register whatever per-tenant tools the capability
// marketplace (§4.5) surfaces; those are outside this CLI's scope.
func buildToolRegistry() *toolregistry.Registry {
	reg := toolregistry.New()
	sv := syntaxcheck.New()
	qe := qae2e.New(true)
	_ = reg.RegisterMany([]domain.Tool{
		sv.AsTool("syntaxcheck-v1", "1.0.0"),
		qe.AsTool("qae2e-v1", "1.0.0"),
	})
	return reg
}

// --- delta ---

var deltaCmd = &cobra.Command{Use: "delta", Short: "Knowledge-map delta publication (§4.13)"}

var deltaPublishCmd = &cobra.Command{
	Use:   "publish <delta.json>",
	Short: "Publish a knowledge-map delta to storage, the event bus, and (if configured) a webhook",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var d deltapublisher.Delta
		if err := readJSONFile(args[0], &d); err != nil {
			return err
		}
		if d.ID == "" {
			d.ID = uuid.NewString()
		}
		if d.Timestamp.IsZero() {
			d.Timestamp = time.Now()
		}

		bus := eventbus.New(3, 100*time.Millisecond)
		var webhook deltapublisher.WebhookTransport
		if webhookURL != "" {
			webhook = &deltapublisher.HTTPWebhook{URL: webhookURL, Client: http.DefaultClient}
		}
		pub := deltapublisher.New(store, bus, webhook)
		if err := pub.Publish(context.Background(), d); err != nil {
			return fmt.Errorf("delta publish: %w", err)
		}
		return printJSON(d)
	},
}

// --- wiring helpers ---

func waiverManager() *waiver.Manager {
	bus := eventbus.New(3, 100*time.Millisecond)
	return waiver.New(store, bus, cfg.Waiver.DefaultExpiry)
}

// defaultRubrics builds the stock "code_quality" gate rubric out of the
// shared QualityViolation vocabulary (§4.7, §9): one required metric per
// recognized violation id, each passing only when its observed count is
// zero. The config file has no rubric section, so this map is the whole
// rubric set that `serve` hands to buildCoordinator.
func defaultRubrics() map[string]domain.GateRubric {
	metrics := make([]domain.GateMetric, 0, len(domain.QualityViolations))
	for _, v := range domain.QualityViolations {
		metrics = append(metrics, domain.GateMetric{
			ID:        string(v),
			Type:      domain.MetricCount,
			Operator:  domain.OpEQ,
			Threshold: 0,
			Weight:    1,
			Required:  true,
		})
	}
	return map[string]domain.GateRubric{
		"code_quality": {
			Name:         "code_quality",
			Metrics:      metrics,
			MinimumScore: 100,
		},
	}
}

// buildCoordinator assembles a phasecoord.Coordinator from the loaded
// config and open store; called by `orchestrator serve`, and kept here so
// the wiring lives in one place.
func buildCoordinator(rubrics map[string]domain.GateRubric) *phasecoord.Coordinator {
	rec := recorder.New(store)
	table := retryTableFromConfig(cfg.RetryPolicies)
	sup := supervisor.New(supervisor.Config{
		FailureThreshold:        cfg.Supervisor.FailureThreshold,
		SuccessThreshold:        cfg.Supervisor.SuccessThreshold,
		OpenTimeout:             cfg.Supervisor.OpenTimeout,
		QuarantineAfterFailures: cfg.Supervisor.QuarantineAfterFailures,
		EscalateAfterRetries:    cfg.Supervisor.EscalateAfterRetries,
		HeartbeatTimeout:        cfg.Supervisor.HeartbeatTimeout,
		HeartbeatMaxMissed:      cfg.Supervisor.HeartbeatMaxMissed,
	}, table, rec)
	mgr := waiverManager()
	loop := loopdriver.New(func(run domain.Run, phase domain.Phase, violationType string) (bool, error) {
		_, active, err := mgr.CheckWaiver(run.ID, phase, violationType)
		return active, err
	})
	gate := gatekeeper.New(nil)
	bus := eventbus.New(3, 100*time.Millisecond)
	return phasecoord.New(store, sup, loop, rec, gate, bus, rubrics, cfg.Phases, buildAutoFixer())
}

// buildAutoFixer wires the fix-synthesis escalation path (§4.13) to a live
// genai client when an API key is configured; otherwise gate failures run
// out their retries with no automated fix attempt.
func buildAutoFixer() loopdriver.AutoFixer {
	if genaiAPIKey == "" {
		return nil
	}
	client, err := agentclient.New(context.Background(), genaiAPIKey, "")
	if err != nil {
		log.Warn("orchestrator: fix-synthesis client unavailable, auto-fix disabled", zap.Error(err))
		return nil
	}
	return client.AsAutoFixer()
}

// retryTableFromConfig builds a retrypolicy.Table from the YAML-loaded
// per-class config, falling back to retrypolicy.DefaultTable's entry for any
// class the config file omits.
func retryTableFromConfig(classes map[string]config.RetryPolicyConfig) retrypolicy.Table {
	table := retrypolicy.DefaultTable()
	for name, rp := range classes {
		class := retrypolicy.ErrorClass(name)
		if _, known := table[class]; !known {
			continue
		}
		table[class] = retrypolicy.Policy{
			MaxRetries: rp.MaxRetries,
			Backoff:    retrypolicy.Backoff(rp.Backoff),
			BaseDelay:  rp.BaseDelay,
			MaxDelay:   rp.MaxDelay,
			Jitter:     rp.Jitter,
			Escalation: retrypolicy.Escalation(rp.Escalation),
		}
	}
	return table
}

func readJSONFile(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
