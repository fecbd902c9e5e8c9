package sqlitestore

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/orchestrator-core/orchestrator/pkg/domain"
)

// UpsertPolicy inserts or replaces a scaling policy.
func (s *Store) UpsertPolicy(p domain.ScalingPolicy) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	metaJSON, err := toJSON(p.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		INSERT INTO scaling_policies (policy_id, shard_id, phase, resource_type, min_workers, max_workers,
			target_queue_depth, target_cpu_utilization, target_memory_utilization, target_task_latency_ms,
			scale_up_increment, scale_down_decrement, scale_up_cooldown_ms, scale_down_cooldown_ms,
			predictive_scaling, graceful_shutdown, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(policy_id) DO UPDATE SET
			min_workers=excluded.min_workers, max_workers=excluded.max_workers,
			target_queue_depth=excluded.target_queue_depth, target_cpu_utilization=excluded.target_cpu_utilization,
			target_memory_utilization=excluded.target_memory_utilization, target_task_latency_ms=excluded.target_task_latency_ms,
			scale_up_increment=excluded.scale_up_increment, scale_down_decrement=excluded.scale_down_decrement,
			scale_up_cooldown_ms=excluded.scale_up_cooldown_ms, scale_down_cooldown_ms=excluded.scale_down_cooldown_ms,
			predictive_scaling=excluded.predictive_scaling, graceful_shutdown=excluded.graceful_shutdown,
			metadata=excluded.metadata, updated_at=excluded.updated_at
	`, p.PolicyID, p.ShardID, string(p.Phase), string(p.ResourceType), p.MinWorkers, p.MaxWorkers,
		p.TargetQueueDepth, p.TargetCPUUtilization, p.TargetMemoryUtilization, p.TargetTaskLatency.Milliseconds(),
		p.ScaleUpIncrement, p.ScaleDownDecrement, p.ScaleUpCooldown.Milliseconds(), p.ScaleDownCooldown.Milliseconds(),
		p.PredictiveScaling, p.GracefulShutdown, metaJSON, p.CreatedAt.Format(time.RFC3339Nano), p.UpdatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("upsert policy %s: %w", p.PolicyID, err)
	}
	return nil
}

func scanPolicy(row interface{ Scan(dest ...any) error }) (domain.ScalingPolicy, error) {
	var p domain.ScalingPolicy
	var phase, resourceType, metaJSON sql.NullString
	var targetLatencyMS, scaleUpCooldownMS, scaleDownCooldownMS int64
	var created, updated string
	if err := row.Scan(&p.PolicyID, &p.ShardID, &phase, &resourceType, &p.MinWorkers, &p.MaxWorkers,
		&p.TargetQueueDepth, &p.TargetCPUUtilization, &p.TargetMemoryUtilization, &targetLatencyMS,
		&p.ScaleUpIncrement, &p.ScaleDownDecrement, &scaleUpCooldownMS, &scaleDownCooldownMS,
		&p.PredictiveScaling, &p.GracefulShutdown, &metaJSON, &created, &updated); err != nil {
		return domain.ScalingPolicy{}, err
	}
	p.Phase = domain.Phase(phase.String)
	p.ResourceType = domain.ResourceClass(resourceType.String)
	p.TargetTaskLatency = time.Duration(targetLatencyMS) * time.Millisecond
	p.ScaleUpCooldown = time.Duration(scaleUpCooldownMS) * time.Millisecond
	p.ScaleDownCooldown = time.Duration(scaleDownCooldownMS) * time.Millisecond
	p.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	p.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	if err := fromJSON(metaJSON.String, &p.Metadata); err != nil {
		return domain.ScalingPolicy{}, err
	}
	return p, nil
}

const policyColumns = `policy_id, shard_id, phase, resource_type, min_workers, max_workers,
	target_queue_depth, target_cpu_utilization, target_memory_utilization, target_task_latency_ms,
	scale_up_increment, scale_down_decrement, scale_up_cooldown_ms, scale_down_cooldown_ms,
	predictive_scaling, graceful_shutdown, metadata, created_at, updated_at`

// GetPolicy fetches a policy by id.
func (s *Store) GetPolicy(id string) (domain.ScalingPolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row := s.db.QueryRow(`SELECT `+policyColumns+` FROM scaling_policies WHERE policy_id = ?`, id)
	p, err := scanPolicy(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ScalingPolicy{}, ErrNotFound
	}
	if err != nil {
		return domain.ScalingPolicy{}, fmt.Errorf("get policy %s: %w", id, err)
	}
	return p, nil
}

// ListPolicies returns every registered policy.
func (s *Store) ListPolicies() ([]domain.ScalingPolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.Query(`SELECT ` + policyColumns + ` FROM scaling_policies`)
	if err != nil {
		return nil, fmt.Errorf("list policies: %w", err)
	}
	defer rows.Close()
	var out []domain.ScalingPolicy
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, fmt.Errorf("scan policy: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// InsertScalingDecision records a new autoscaler decision.
func (s *Store) InsertScalingDecision(d domain.ScalingDecision) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	metricsJSON, err := toJSON(d.Metrics)
	if err != nil {
		return err
	}
	var executedAt sql.NullString
	if d.ExecutedAt != nil {
		executedAt = nullStr(d.ExecutedAt.Format(time.RFC3339Nano))
	}
	_, err = s.db.Exec(`
		INSERT INTO scaling_decisions (decision_id, policy_id, shard_id, phase, action, current_workers, target_workers, reason, metrics, status, created_at, executed_at, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, d.DecisionID, d.PolicyID, d.ShardID, string(d.Phase), string(d.Action), d.CurrentWorkers, d.TargetWorkers,
		d.Reason, metricsJSON, string(d.Status), d.CreatedAt.Format(time.RFC3339Nano), executedAt, d.ErrorMessage)
	if err != nil {
		return fmt.Errorf("insert scaling decision %s: %w", d.DecisionID, err)
	}
	return nil
}

// UpdateScalingDecisionStatus transitions a decision's status in place.
func (s *Store) UpdateScalingDecisionStatus(decisionID string, status domain.DecisionStatus, executedAt *time.Time, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ea sql.NullString
	if executedAt != nil {
		ea = nullStr(executedAt.Format(time.RFC3339Nano))
	}
	_, err := s.db.Exec(`UPDATE scaling_decisions SET status=?, executed_at=?, error_message=? WHERE decision_id=?`,
		string(status), ea, errMsg, decisionID)
	if err != nil {
		return fmt.Errorf("update scaling decision %s: %w", decisionID, err)
	}
	return nil
}

// LastDecisionFor returns the most recent decision for a policy, if any.
func (s *Store) LastDecisionFor(policyID string) (domain.ScalingDecision, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row := s.db.QueryRow(`SELECT decision_id, policy_id, shard_id, phase, action, current_workers, target_workers, reason, metrics, status, created_at, executed_at, error_message
		FROM scaling_decisions WHERE policy_id = ? ORDER BY created_at DESC LIMIT 1`, policyID)
	var d domain.ScalingDecision
	var phase, action, status, metricsJSON, created string
	var executedAt sql.NullString
	if err := row.Scan(&d.DecisionID, &d.PolicyID, &d.ShardID, &phase, &action, &d.CurrentWorkers, &d.TargetWorkers,
		&d.Reason, &metricsJSON, &status, &created, &executedAt, &d.ErrorMessage); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ScalingDecision{}, false, nil
		}
		return domain.ScalingDecision{}, false, fmt.Errorf("last decision for %s: %w", policyID, err)
	}
	d.Phase = domain.Phase(phase)
	d.Action = domain.ScalingAction(action)
	d.Status = domain.DecisionStatus(status)
	d.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	if executedAt.Valid {
		v, _ := time.Parse(time.RFC3339Nano, executedAt.String)
		d.ExecutedAt = &v
	}
	if err := fromJSON(metricsJSON, &d.Metrics); err != nil {
		return domain.ScalingDecision{}, false, err
	}
	return d, true, nil
}
