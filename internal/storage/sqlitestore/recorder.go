package sqlitestore

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/orchestrator-core/orchestrator/pkg/domain"
)

// InsertLogEntry appends one step record. The INSERT itself sets the
// sequence column to one more than the run's current maximum (1 for a run's
// first entry), so the caller never assigns it; this gives the per-run
// monotonic ordering the Recorder promises.
func (s *Store) InsertLogEntry(e domain.LogEntry) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inputsJSON, err := toJSON(e.Inputs)
	if err != nil {
		return 0, err
	}
	outputsJSON, err := toJSON(e.Outputs)
	if err != nil {
		return 0, err
	}
	metaJSON, err := toJSON(e.Metadata)
	if err != nil {
		return 0, err
	}

	var score sql.NullFloat64
	if e.Score != nil {
		score = sql.NullFloat64{Float64: *e.Score, Valid: true}
	}

	res, err := s.db.Exec(`
		INSERT INTO run_logs (run_id, phase, step, actor, inputs, outputs, score, cost_usd, latency_ms, status, decision, gate, metadata, timestamp, sequence)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, (SELECT COALESCE(MAX(sequence), 0) + 1 FROM run_logs WHERE run_id = ?))
	`, e.RunID, string(e.Phase), e.Step, e.Actor, inputsJSON, outputsJSON, score, e.CostUSD, e.LatencyMS, string(e.Status), e.Decision, e.Gate, metaJSON, e.Timestamp.Format(time.RFC3339Nano), e.RunID)
	if err != nil {
		return 0, fmt.Errorf("insert log entry: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("last insert id: %w", err)
	}
	return id, nil
}

// InsertArtifact appends an artifact record.
func (s *Store) InsertArtifact(a domain.ArtifactRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`INSERT INTO artifacts (run_id, phase, artifact_id, type, location, timestamp) VALUES (?, ?, ?, ?, ?, ?)`,
		a.RunID, string(a.Phase), a.ArtifactID, a.Type, a.Location, a.Timestamp.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert artifact: %w", err)
	}
	return nil
}

// InsertDecision appends a decision record.
func (s *Store) InsertDecision(d domain.DecisionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	reasonsJSON, err := toJSON(d.Reasons)
	if err != nil {
		return err
	}
	metaJSON, err := toJSON(d.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT INTO decisions (run_id, phase, kind, outcome, reasons, metadata, timestamp) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		d.RunID, string(d.Phase), d.Kind, d.Outcome, reasonsJSON, metaJSON, d.Timestamp.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert decision: %w", err)
	}
	return nil
}

// InsertScore appends a score record.
func (s *Store) InsertScore(sc domain.ScoreRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`INSERT INTO scores (run_id, phase, kind, value, timestamp) VALUES (?, ?, ?, ?, ?)`,
		sc.RunID, string(sc.Phase), sc.Kind, sc.Value, sc.Timestamp.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert score: %w", err)
	}
	return nil
}

// InsertCost appends a cost record.
func (s *Store) InsertCost(c domain.CostRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`INSERT INTO costs (run_id, phase, usd, tokens, timestamp) VALUES (?, ?, ?, ?, ?)`,
		c.RunID, string(c.Phase), c.USD, c.Tokens, c.Timestamp.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert cost: %w", err)
	}
	return nil
}

// QueryLogs filters run_logs, ordered by timestamp then sequence — the
// monotonicity invariant holds even when two entries share a timestamp.
func (s *Store) QueryLogs(f domain.LogFilter) ([]domain.LogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	q := `SELECT id, run_id, phase, step, actor, inputs, outputs, score, cost_usd, latency_ms, status, decision, gate, metadata, timestamp, sequence FROM run_logs WHERE run_id = ?`
	args := []any{f.RunID}
	if f.Phase != "" {
		q += " AND phase = ?"
		args = append(args, string(f.Phase))
	}
	if f.Actor != "" {
		q += " AND actor = ?"
		args = append(args, f.Actor)
	}
	if f.Status != "" {
		q += " AND status = ?"
		args = append(args, string(f.Status))
	}
	if !f.Since.IsZero() {
		q += " AND timestamp >= ?"
		args = append(args, f.Since.Format(time.RFC3339Nano))
	}
	if !f.Until.IsZero() {
		q += " AND timestamp <= ?"
		args = append(args, f.Until.Format(time.RFC3339Nano))
	}
	q += " ORDER BY timestamp ASC, sequence ASC"
	if f.Limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("query logs: %w", err)
	}
	defer rows.Close()

	var out []domain.LogEntry
	for rows.Next() {
		var e domain.LogEntry
		var phase, status, ts string
		var inputsJSON, outputsJSON, metaJSON sql.NullString
		var score sql.NullFloat64
		if err := rows.Scan(&e.ID, &e.RunID, &phase, &e.Step, &e.Actor, &inputsJSON, &outputsJSON, &score, &e.CostUSD, &e.LatencyMS, &status, &e.Decision, &e.Gate, &metaJSON, &ts, &e.Sequence); err != nil {
			return nil, fmt.Errorf("scan log entry: %w", err)
		}
		e.Phase = domain.Phase(phase)
		e.Status = domain.StepStatus(status)
		e.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		if score.Valid {
			v := score.Float64
			e.Score = &v
		}
		if err := fromJSON(inputsJSON.String, &e.Inputs); err != nil {
			return nil, err
		}
		if err := fromJSON(outputsJSON.String, &e.Outputs); err != nil {
			return nil, err
		}
		if err := fromJSON(metaJSON.String, &e.Metadata); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// RunSummary derives the run summary purely from the log tables, per the
// Recorder's guarantee that the summary is never stored separately.
func (s *Store) RunSummary(runID string) (domain.RunSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	summary := domain.RunSummary{RunID: runID, PhaseMetrics: map[domain.Phase]domain.PhaseMetrics{}}

	rows, err := s.db.Query(`SELECT phase, status, cost_usd, latency_ms FROM run_logs WHERE run_id = ?`, runID)
	if err != nil {
		return summary, fmt.Errorf("summary query: %w", err)
	}
	defer rows.Close()

	type accum struct {
		steps, succeeded int
		totalCost        float64
		totalLatency     float64
	}
	perPhase := map[domain.Phase]*accum{}
	var totalSteps, totalSucceeded int
	var totalCost, totalLatency float64

	for rows.Next() {
		var phase, status string
		var cost, latency float64
		if err := rows.Scan(&phase, &status, &cost, &latency); err != nil {
			return summary, fmt.Errorf("scan summary row: %w", err)
		}
		p := domain.Phase(phase)
		a, ok := perPhase[p]
		if !ok {
			a = &accum{}
			perPhase[p] = a
		}
		a.steps++
		a.totalCost += cost
		a.totalLatency += latency
		totalSteps++
		totalCost += cost
		totalLatency += latency
		if domain.StepStatus(status) == domain.StepSucceeded {
			a.succeeded++
			totalSucceeded++
		}
	}
	if err := rows.Err(); err != nil {
		return summary, err
	}

	summary.TotalSteps = totalSteps
	summary.TotalCost = totalCost
	if totalSteps > 0 {
		summary.SuccessRate = float64(totalSucceeded) / float64(totalSteps)
		summary.AvgLatency = totalLatency / float64(totalSteps)
	}
	for p, a := range perPhase {
		pm := domain.PhaseMetrics{Phase: p, Steps: a.steps, TotalCost: a.totalCost}
		if a.steps > 0 {
			pm.SuccessRate = float64(a.succeeded) / float64(a.steps)
			pm.AvgLatency = a.totalLatency / float64(a.steps)
		}
		summary.PhaseMetrics[p] = pm
	}
	return summary, nil
}
