// Package sqlitestore is the concrete persistence adapter for the
// orchestrator's relational state layout: runs, tasks, scaling policies and
// decisions, workers, waivers, workflow versions, and the recorder's
// append-only tables. It speaks raw SQL over database/sql + go-sqlite3, with
// no ORM in between.
package sqlitestore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/orchestrator-core/orchestrator/internal/logging"
)

// Store wraps a single SQLite connection. SQLite only tolerates one writer
// at a time, so it pins the pool to one connection and relies on WAL mode
// plus a busy timeout instead of application-level connection pooling.
type Store struct {
	db  *sql.DB
	mu  sync.RWMutex
	log *zap.Logger
}

// Open creates (or reuses) the SQLite database at path, sets pragmas for a
// single-writer WAL workload, and applies the schema.
func Open(path string) (*Store, error) {
	log := logging.Component("storage")

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create storage dir %s: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			log.Warn("pragma failed", zap.String("pragma", pragma), zap.Error(err))
		}
	}

	s := &Store{db: db, log: log}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return s, nil
}

// Close closes the underlying connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			workflow_version TEXT NOT NULL,
			current_phase TEXT NOT NULL,
			status TEXT NOT NULL,
			tenant TEXT,
			shard TEXT,
			context TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			phase TEXT NOT NULL,
			status TEXT NOT NULL,
			started_at TEXT,
			completed_at TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_run ON tasks(run_id, phase)`,
		`CREATE TABLE IF NOT EXISTS shard_assignments (
			run_id TEXT NOT NULL,
			shard_id TEXT NOT NULL,
			PRIMARY KEY (run_id, shard_id)
		)`,
		`CREATE TABLE IF NOT EXISTS scaling_policies (
			policy_id TEXT PRIMARY KEY,
			shard_id TEXT NOT NULL,
			phase TEXT NOT NULL,
			resource_type TEXT NOT NULL,
			min_workers INTEGER NOT NULL,
			max_workers INTEGER NOT NULL,
			target_queue_depth INTEGER NOT NULL,
			target_cpu_utilization REAL NOT NULL,
			target_memory_utilization REAL NOT NULL,
			target_task_latency_ms INTEGER NOT NULL,
			scale_up_increment INTEGER NOT NULL,
			scale_down_decrement INTEGER NOT NULL,
			scale_up_cooldown_ms INTEGER NOT NULL,
			scale_down_cooldown_ms INTEGER NOT NULL,
			predictive_scaling INTEGER NOT NULL,
			graceful_shutdown INTEGER NOT NULL,
			metadata TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS scaling_decisions (
			decision_id TEXT PRIMARY KEY,
			policy_id TEXT NOT NULL,
			shard_id TEXT NOT NULL,
			phase TEXT NOT NULL,
			action TEXT NOT NULL,
			current_workers INTEGER NOT NULL,
			target_workers INTEGER NOT NULL,
			reason TEXT,
			metrics TEXT,
			status TEXT NOT NULL,
			created_at TEXT NOT NULL,
			executed_at TEXT,
			error_message TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_scaling_decisions_policy ON scaling_decisions(policy_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS workers (
			worker_id TEXT PRIMARY KEY,
			shard_id TEXT NOT NULL,
			phase TEXT NOT NULL,
			status TEXT NOT NULL,
			resource_type TEXT NOT NULL,
			started_at TEXT NOT NULL,
			last_task_at TEXT,
			terminated_at TEXT,
			metadata TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_workers_pool ON workers(shard_id, phase, resource_type)`,
		`CREATE TABLE IF NOT EXISTS waivers (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			phase TEXT NOT NULL,
			violation_type TEXT NOT NULL,
			violation_details TEXT,
			owner TEXT NOT NULL,
			justification TEXT NOT NULL,
			compensating_control TEXT,
			requires_approval INTEGER NOT NULL,
			approved_by TEXT,
			approved_at TEXT,
			created_at TEXT NOT NULL,
			expires_at TEXT NOT NULL,
			revoked_at TEXT,
			status TEXT NOT NULL,
			metadata TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_waivers_lookup ON waivers(run_id, phase, violation_type, status)`,
		`CREATE TABLE IF NOT EXISTS workflow_versions (
			workflow_id TEXT NOT NULL,
			version TEXT NOT NULL,
			description TEXT,
			phases TEXT NOT NULL,
			phase_configs TEXT NOT NULL,
			breaking_changes INTEGER NOT NULL,
			migration_notes TEXT,
			deprecated INTEGER NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			created_by TEXT,
			metadata TEXT,
			PRIMARY KEY (workflow_id, version)
		)`,
		`CREATE TABLE IF NOT EXISTS spawned_agents (
			id TEXT PRIMARY KEY, run_id TEXT, status TEXT NOT NULL,
			spawned_at TEXT NOT NULL, destroyed_at TEXT, metadata TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS spawned_tools (
			id TEXT PRIMARY KEY, run_id TEXT, status TEXT NOT NULL,
			spawned_at TEXT NOT NULL, destroyed_at TEXT, metadata TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS spawned_executors (
			id TEXT PRIMARY KEY, run_id TEXT, status TEXT NOT NULL,
			spawned_at TEXT NOT NULL, destroyed_at TEXT, metadata TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS run_logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			phase TEXT NOT NULL,
			step TEXT NOT NULL,
			actor TEXT NOT NULL,
			inputs TEXT,
			outputs TEXT,
			score REAL,
			cost_usd REAL NOT NULL,
			latency_ms INTEGER NOT NULL,
			status TEXT NOT NULL,
			decision TEXT,
			gate TEXT,
			metadata TEXT,
			timestamp TEXT NOT NULL,
			sequence INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_run_logs_run_phase ON run_logs(run_id, phase)`,
		`CREATE TABLE IF NOT EXISTS artifacts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL, phase TEXT NOT NULL, artifact_id TEXT NOT NULL,
			type TEXT NOT NULL, location TEXT, timestamp TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_artifacts_run_phase ON artifacts(run_id, phase)`,
		`CREATE TABLE IF NOT EXISTS decisions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL, phase TEXT NOT NULL, kind TEXT NOT NULL,
			outcome TEXT NOT NULL, reasons TEXT, metadata TEXT, timestamp TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_decisions_run_phase ON decisions(run_id, phase)`,
		`CREATE TABLE IF NOT EXISTS scores (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL, phase TEXT NOT NULL, kind TEXT NOT NULL,
			value REAL NOT NULL, timestamp TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_scores_run_phase ON scores(run_id, phase)`,
		`CREATE TABLE IF NOT EXISTS costs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL, phase TEXT NOT NULL,
			usd REAL NOT NULL, tokens INTEGER NOT NULL, timestamp TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_costs_run_phase ON costs(run_id, phase)`,
		`CREATE TABLE IF NOT EXISTS deltas (
			id TEXT PRIMARY KEY, node_id TEXT NOT NULL, kind TEXT NOT NULL,
			summary TEXT, payload TEXT, timestamp TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_deltas_node ON deltas(node_id, timestamp)`,
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt); err != nil {
			tx.Rollback()
			return fmt.Errorf("exec %q: %w", stmt, err)
		}
	}
	return tx.Commit()
}

// DB exposes the underlying *sql.DB for packages that need a transaction
// spanning more than one of this store's helper methods.
func (s *Store) DB() *sql.DB { return s.db }

func toJSON(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal json: %w", err)
	}
	return string(b), nil
}

func fromJSON[T any](s string, out *T) error {
	if s == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(s), out); err != nil {
		return fmt.Errorf("unmarshal json: %w", err)
	}
	return nil
}

func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
