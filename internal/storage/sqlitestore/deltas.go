package sqlitestore

import (
	"context"
	"fmt"
	"time"

	"github.com/orchestrator-core/orchestrator/pkg/deltapublisher"
)

// InsertDelta persists a knowledge-map delta event, satisfying
// deltapublisher.Store.
func (s *Store) InsertDelta(ctx context.Context, d deltapublisher.Delta) error {
	payloadJSON, err := toJSON(d.Payload)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO deltas (id, node_id, kind, summary, payload, timestamp) VALUES (?, ?, ?, ?, ?, ?)`,
		d.ID, d.NodeID, string(d.Kind), d.Summary, payloadJSON, d.Timestamp.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert delta: %w", err)
	}
	return nil
}
