package sqlitestore

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/orchestrator-core/orchestrator/pkg/domain"
)

// InsertWaiver creates a new waiver row.
func (s *Store) InsertWaiver(w domain.Waiver) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	metaJSON, err := toJSON(w.Metadata)
	if err != nil {
		return err
	}
	var approvedBy, approvedAt, revokedAt sql.NullString
	approvedBy = nullStr(w.ApprovedBy)
	if w.ApprovedAt != nil {
		approvedAt = nullStr(w.ApprovedAt.Format(time.RFC3339Nano))
	}
	if w.RevokedAt != nil {
		revokedAt = nullStr(w.RevokedAt.Format(time.RFC3339Nano))
	}

	_, err = s.db.Exec(`
		INSERT INTO waivers (id, run_id, phase, violation_type, violation_details, owner, justification, compensating_control, requires_approval, approved_by, approved_at, created_at, expires_at, revoked_at, status, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, w.ID, w.RunID, string(w.Phase), w.ViolationType, w.ViolationDetails, w.Owner, w.Justification, w.CompensatingControl,
		w.RequiresApproval, approvedBy, approvedAt, w.CreatedAt.Format(time.RFC3339Nano), w.ExpiresAt.Format(time.RFC3339Nano), revokedAt, string(w.Status), metaJSON)
	if err != nil {
		return fmt.Errorf("insert waiver %s: %w", w.ID, err)
	}
	return nil
}

// UpdateWaiverStatus transitions a waiver's status and the associated
// approval/revocation fields in one statement, keeping the per-waiver-id
// transition serialized through the store's write lock.
func (s *Store) UpdateWaiverStatus(w domain.Waiver) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var approvedBy, approvedAt, revokedAt sql.NullString
	approvedBy = nullStr(w.ApprovedBy)
	if w.ApprovedAt != nil {
		approvedAt = nullStr(w.ApprovedAt.Format(time.RFC3339Nano))
	}
	if w.RevokedAt != nil {
		revokedAt = nullStr(w.RevokedAt.Format(time.RFC3339Nano))
	}
	_, err := s.db.Exec(`UPDATE waivers SET status=?, approved_by=?, approved_at=?, revoked_at=? WHERE id=?`,
		string(w.Status), approvedBy, approvedAt, revokedAt, w.ID)
	if err != nil {
		return fmt.Errorf("update waiver %s: %w", w.ID, err)
	}
	return nil
}

func scanWaiver(row interface {
	Scan(dest ...any) error
}) (domain.Waiver, error) {
	var w domain.Waiver
	var phase, status string
	var approvedBy, approvedAt, revokedAt, metaJSON sql.NullString
	var createdAt, expiresAt string
	if err := row.Scan(&w.ID, &w.RunID, &phase, &w.ViolationType, &w.ViolationDetails, &w.Owner, &w.Justification,
		&w.CompensatingControl, &w.RequiresApproval, &approvedBy, &approvedAt, &createdAt, &expiresAt, &revokedAt, &status, &metaJSON); err != nil {
		return domain.Waiver{}, err
	}
	w.Phase = domain.Phase(phase)
	w.Status = domain.WaiverStatus(status)
	w.ApprovedBy = approvedBy.String
	w.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	w.ExpiresAt, _ = time.Parse(time.RFC3339Nano, expiresAt)
	if approvedAt.Valid {
		v, _ := time.Parse(time.RFC3339Nano, approvedAt.String)
		w.ApprovedAt = &v
	}
	if revokedAt.Valid {
		v, _ := time.Parse(time.RFC3339Nano, revokedAt.String)
		w.RevokedAt = &v
	}
	if err := fromJSON(metaJSON.String, &w.Metadata); err != nil {
		return domain.Waiver{}, err
	}
	return w, nil
}

const waiverColumns = `id, run_id, phase, violation_type, violation_details, owner, justification, compensating_control, requires_approval, approved_by, approved_at, created_at, expires_at, revoked_at, status, metadata`

// GetWaiver fetches a waiver by id.
func (s *Store) GetWaiver(id string) (domain.Waiver, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row := s.db.QueryRow(`SELECT `+waiverColumns+` FROM waivers WHERE id = ?`, id)
	w, err := scanWaiver(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Waiver{}, ErrNotFound
	}
	if err != nil {
		return domain.Waiver{}, fmt.Errorf("get waiver %s: %w", id, err)
	}
	return w, nil
}

// FindActiveWaiver returns the active, matching waiver for (run, phase,
// violationType), if any.
func (s *Store) FindActiveWaiver(runID string, phase domain.Phase, violationType string) (domain.Waiver, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row := s.db.QueryRow(`SELECT `+waiverColumns+` FROM waivers WHERE run_id = ? AND phase = ? AND violation_type = ? AND status = 'active' ORDER BY created_at DESC LIMIT 1`,
		runID, string(phase), violationType)
	w, err := scanWaiver(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Waiver{}, false, nil
	}
	if err != nil {
		return domain.Waiver{}, false, fmt.Errorf("find active waiver: %w", err)
	}
	return w, true, nil
}

// ListWaivers returns every waiver, for sweeping and stats.
func (s *Store) ListWaivers() ([]domain.Waiver, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.Query(`SELECT ` + waiverColumns + ` FROM waivers`)
	if err != nil {
		return nil, fmt.Errorf("list waivers: %w", err)
	}
	defer rows.Close()

	var out []domain.Waiver
	for rows.Next() {
		w, err := scanWaiver(rows)
		if err != nil {
			return nil, fmt.Errorf("scan waiver: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}
