package store

import (
	"fmt"
	"time"
)

// AppendEvent writes one row to the append-only pipeline event log
// (spec §4.1, §4.7 supplement). Events are never updated or deleted.
func (s *Store) AppendEvent(runID, kind, message, dataJSON string) error {
	if dataJSON == "" {
		dataJSON = "{}"
	}
	_, err := s.db.Exec(`
		INSERT INTO pipeline_events (pipeline_run_id, occurred_at, kind, message, data)
		VALUES (?, ?, ?, ?, ?)`, runID, time.Now().UTC(), kind, message, dataJSON)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// ListEvents returns a run's event log in chronological order, powering
// the activity control verb (spec §6) and the websocket activity feed.
func (s *Store) ListEvents(runID string, since int64, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.Query(`
		SELECT id, pipeline_run_id, occurred_at, kind, message, data
		FROM pipeline_events
		WHERE pipeline_run_id = ? AND id > ?
		ORDER BY id ASC LIMIT ?`, runID, since, limit)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.PipelineRunID, &e.OccurredAt, &e.Kind, &e.Message, &e.Data); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
