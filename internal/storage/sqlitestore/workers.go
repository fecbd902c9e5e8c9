package sqlitestore

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/orchestrator-core/orchestrator/pkg/domain"
)

// UpsertWorker inserts or replaces a worker row. Workers are owned
// exclusively by the autoscaler; this method has no opinion about who calls it.
func (s *Store) UpsertWorker(w domain.Worker) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	metaJSON, err := toJSON(w.Metadata)
	if err != nil {
		return err
	}
	var lastTask, terminated sql.NullString
	if w.LastTaskAt != nil {
		lastTask = nullStr(w.LastTaskAt.Format(time.RFC3339Nano))
	}
	if w.TerminatedAt != nil {
		terminated = nullStr(w.TerminatedAt.Format(time.RFC3339Nano))
	}
	_, err = s.db.Exec(`
		INSERT INTO workers (worker_id, shard_id, phase, status, resource_type, started_at, last_task_at, terminated_at, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(worker_id) DO UPDATE SET status=excluded.status, last_task_at=excluded.last_task_at, terminated_at=excluded.terminated_at, metadata=excluded.metadata
	`, w.ID, w.ShardID, string(w.Phase), string(w.Status), string(w.ResourceType), w.StartedAt.Format(time.RFC3339Nano), lastTask, terminated, metaJSON)
	if err != nil {
		return fmt.Errorf("upsert worker %s: %w", w.ID, err)
	}
	return nil
}

// ListWorkers returns every worker bound to (shardID, phase, resourceType).
func (s *Store) ListWorkers(shardID string, phase domain.Phase, resourceType domain.ResourceClass) ([]domain.Worker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT worker_id, shard_id, phase, status, resource_type, started_at, last_task_at, terminated_at, metadata
		FROM workers WHERE shard_id = ? AND phase = ? AND resource_type = ?`, shardID, string(phase), string(resourceType))
	if err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}
	defer rows.Close()

	var out []domain.Worker
	for rows.Next() {
		var w domain.Worker
		var phaseStr, status, resType, started string
		var lastTask, terminated, metaJSON sql.NullString
		if err := rows.Scan(&w.ID, &w.ShardID, &phaseStr, &status, &resType, &started, &lastTask, &terminated, &metaJSON); err != nil {
			return nil, fmt.Errorf("scan worker: %w", err)
		}
		w.Phase = domain.Phase(phaseStr)
		w.Status = domain.WorkerStatus(status)
		w.ResourceType = domain.ResourceClass(resType)
		w.StartedAt, _ = time.Parse(time.RFC3339Nano, started)
		if lastTask.Valid {
			v, _ := time.Parse(time.RFC3339Nano, lastTask.String)
			w.LastTaskAt = &v
		}
		if terminated.Valid {
			v, _ := time.Parse(time.RFC3339Nano, terminated.String)
			w.TerminatedAt = &v
		}
		if err := fromJSON(metaJSON.String, &w.Metadata); err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// InsertWorkflowVersion registers a new (workflow_id, version) pair.
func (s *Store) InsertWorkflowVersion(v domain.WorkflowVersion) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	phasesJSON, err := toJSON(v.Phases)
	if err != nil {
		return err
	}
	configsJSON, err := toJSON(v.PhaseConfigs)
	if err != nil {
		return err
	}
	metaJSON, err := toJSON(v.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		INSERT INTO workflow_versions (workflow_id, version, description, phases, phase_configs, breaking_changes, migration_notes, deprecated, created_at, updated_at, created_by, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, v.WorkflowID, v.Version, v.Description, phasesJSON, configsJSON, v.BreakingChanges, v.MigrationNotes, v.Deprecated,
		v.CreatedAt.Format(time.RFC3339Nano), v.UpdatedAt.Format(time.RFC3339Nano), v.CreatedBy, metaJSON)
	if err != nil {
		return fmt.Errorf("insert workflow version %s/%s: %w", v.WorkflowID, v.Version, err)
	}
	return nil
}

// GetWorkflowVersion fetches one (workflow_id, version).
func (s *Store) GetWorkflowVersion(workflowID, version string) (domain.WorkflowVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row := s.db.QueryRow(`SELECT workflow_id, version, description, phases, phase_configs, breaking_changes, migration_notes, deprecated, created_at, updated_at, created_by, metadata
		FROM workflow_versions WHERE workflow_id = ? AND version = ?`, workflowID, version)
	return scanWorkflowVersion(row)
}

// ListWorkflowVersions returns every version registered for a workflow id.
func (s *Store) ListWorkflowVersions(workflowID string) ([]domain.WorkflowVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.Query(`SELECT workflow_id, version, description, phases, phase_configs, breaking_changes, migration_notes, deprecated, created_at, updated_at, created_by, metadata
		FROM workflow_versions WHERE workflow_id = ? ORDER BY created_at ASC`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("list workflow versions: %w", err)
	}
	defer rows.Close()
	var out []domain.WorkflowVersion
	for rows.Next() {
		v, err := scanWorkflowVersion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func scanWorkflowVersion(row interface{ Scan(dest ...any) error }) (domain.WorkflowVersion, error) {
	var v domain.WorkflowVersion
	var phasesJSON, configsJSON, metaJSON sql.NullString
	var created, updated string
	if err := row.Scan(&v.WorkflowID, &v.Version, &v.Description, &phasesJSON, &configsJSON, &v.BreakingChanges,
		&v.MigrationNotes, &v.Deprecated, &created, &updated, &v.CreatedBy, &metaJSON); err != nil {
		if err == sql.ErrNoRows {
			return domain.WorkflowVersion{}, ErrNotFound
		}
		return domain.WorkflowVersion{}, fmt.Errorf("scan workflow version: %w", err)
	}
	v.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	v.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	if err := fromJSON(phasesJSON.String, &v.Phases); err != nil {
		return domain.WorkflowVersion{}, err
	}
	if err := fromJSON(configsJSON.String, &v.PhaseConfigs); err != nil {
		return domain.WorkflowVersion{}, err
	}
	if err := fromJSON(metaJSON.String, &v.Metadata); err != nil {
		return domain.WorkflowVersion{}, err
	}
	return v, nil
}
