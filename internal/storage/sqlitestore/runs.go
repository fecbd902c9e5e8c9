package sqlitestore

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/orchestrator-core/orchestrator/pkg/domain"
)

// ErrNotFound is returned by single-row lookups that find nothing.
var ErrNotFound = errors.New("sqlitestore: not found")

// UpsertRun inserts or replaces a run row.
func (s *Store) UpsertRun(r domain.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctxJSON, err := toJSON(r.Context)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		INSERT INTO runs (id, workflow_id, workflow_version, current_phase, status, tenant, shard, context, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			workflow_version=excluded.workflow_version,
			current_phase=excluded.current_phase,
			status=excluded.status,
			context=excluded.context,
			updated_at=excluded.updated_at
	`, r.ID, r.WorkflowID, r.WorkflowVersion, string(r.CurrentPhase), string(r.Status), r.Tenant, r.Shard, ctxJSON, r.CreatedAt.Format(time.RFC3339Nano), r.UpdatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("upsert run %s: %w", r.ID, err)
	}
	return nil
}

// GetRun fetches a run by id.
func (s *Store) GetRun(id string) (domain.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`SELECT id, workflow_id, workflow_version, current_phase, status, tenant, shard, context, created_at, updated_at FROM runs WHERE id = ?`, id)
	var r domain.Run
	var tenant, shard, ctxJSON, created, updated sql.NullString
	var phase, status string
	if err := row.Scan(&r.ID, &r.WorkflowID, &r.WorkflowVersion, &phase, &status, &tenant, &shard, &ctxJSON, &created, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Run{}, ErrNotFound
		}
		return domain.Run{}, fmt.Errorf("get run %s: %w", id, err)
	}
	r.CurrentPhase = domain.Phase(phase)
	r.Status = domain.RunStatus(status)
	r.Tenant = tenant.String
	r.Shard = shard.String
	if err := fromJSON(ctxJSON.String, &r.Context); err != nil {
		return domain.Run{}, err
	}
	r.CreatedAt, _ = time.Parse(time.RFC3339Nano, created.String)
	r.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated.String)
	return r, nil
}

// UpsertTask inserts or replaces a task row.
func (s *Store) UpsertTask(t domain.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var started, completed sql.NullString
	if t.StartedAt != nil {
		started = nullStr(t.StartedAt.Format(time.RFC3339Nano))
	}
	if t.CompletedAt != nil {
		completed = nullStr(t.CompletedAt.Format(time.RFC3339Nano))
	}
	_, err := s.db.Exec(`
		INSERT INTO tasks (id, run_id, phase, status, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET status=excluded.status, started_at=excluded.started_at, completed_at=excluded.completed_at
	`, t.ID, t.RunID, string(t.Phase), string(t.Status), started, completed)
	if err != nil {
		return fmt.Errorf("upsert task %s: %w", t.ID, err)
	}
	return nil
}

// ListTasks returns every task for (runID, phase).
func (s *Store) ListTasks(runID string, phase domain.Phase) ([]domain.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT id, run_id, phase, status, started_at, completed_at FROM tasks WHERE run_id = ? AND phase = ?`, runID, string(phase))
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []domain.Task
	for rows.Next() {
		var t domain.Task
		var ph, status string
		var started, completed sql.NullString
		if err := rows.Scan(&t.ID, &t.RunID, &ph, &status, &started, &completed); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		t.Phase = domain.Phase(ph)
		t.Status = domain.TaskStatus(status)
		if started.Valid {
			v, _ := time.Parse(time.RFC3339Nano, started.String)
			t.StartedAt = &v
		}
		if completed.Valid {
			v, _ := time.Parse(time.RFC3339Nano, completed.String)
			t.CompletedAt = &v
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// AssignShard records a run's shard binding.
func (s *Store) AssignShard(runID, shardID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`INSERT OR IGNORE INTO shard_assignments (run_id, shard_id) VALUES (?, ?)`, runID, shardID)
	if err != nil {
		return fmt.Errorf("assign shard: %w", err)
	}
	return nil
}
