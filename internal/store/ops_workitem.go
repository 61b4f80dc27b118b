package store

import (
	"database/sql"
	"fmt"
	"time"
)

// EnqueueWorkItems bulk-inserts work items for a phase in status=queued,
// ignoring items that already exist (idempotent re-enqueue).
func (s *Store) EnqueueWorkItems(runID, phase string, items []WorkItem) error {
	if len(items) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("enqueue work items: begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT OR IGNORE INTO work_items
			(pipeline_run_id, phase, item_kind, item_id, status, attempt_count, last_error, updated_at)
		VALUES (?, ?, ?, ?, ?, 0, '', ?)`)
	if err != nil {
		return fmt.Errorf("enqueue work items: prepare: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, item := range items {
		if _, err := stmt.Exec(runID, phase, item.ItemKind, item.ItemID, ItemQueued, now); err != nil {
			return fmt.Errorf("enqueue work item %s/%s: %w", item.ItemKind, item.ItemID, err)
		}
	}
	return tx.Commit()
}

// DequeueWorkItems atomically claims up to n queued items for a phase,
// transitioning them to processing and returning the claimed rows. Used
// by bounded-concurrency fan-out workers (spec §5, internal/concurrency).
func (s *Store) DequeueWorkItems(runID, phase string, n int) ([]WorkItem, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("dequeue work items: begin: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.Query(`
		SELECT item_kind, item_id, attempt_count
		FROM work_items
		WHERE pipeline_run_id = ? AND phase = ? AND status = ?
		LIMIT ?`, runID, phase, ItemQueued, n)
	if err != nil {
		return nil, fmt.Errorf("dequeue work items: select: %w", err)
	}

	var claimed []WorkItem
	for rows.Next() {
		var w WorkItem
		if err := rows.Scan(&w.ItemKind, &w.ItemID, &w.AttemptCount); err != nil {
			rows.Close()
			return nil, err
		}
		w.PipelineRunID = runID
		w.Phase = phase
		claimed = append(claimed, w)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	upd, err := tx.Prepare(`
		UPDATE work_items SET status = ?, attempt_count = attempt_count + 1, updated_at = ?
		WHERE pipeline_run_id = ? AND phase = ? AND item_kind = ? AND item_id = ? AND status = ?`)
	if err != nil {
		return nil, fmt.Errorf("dequeue work items: prepare update: %w", err)
	}
	defer upd.Close()

	for i := range claimed {
		if _, err := upd.Exec(ItemProcessing, now, runID, phase, claimed[i].ItemKind, claimed[i].ItemID, ItemQueued); err != nil {
			return nil, fmt.Errorf("dequeue work item %s/%s: %w", claimed[i].ItemKind, claimed[i].ItemID, err)
		}
		claimed[i].Status = ItemProcessing
		claimed[i].AttemptCount++
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return claimed, nil
}

// CompleteWorkItem transitions processing→completed.
func (s *Store) CompleteWorkItem(runID, phase, itemKind, itemID string) error {
	res, err := s.db.Exec(`
		UPDATE work_items SET status = ?, updated_at = ?
		WHERE pipeline_run_id = ? AND phase = ? AND item_kind = ? AND item_id = ? AND status = ?`,
		ItemCompleted, time.Now().UTC(), runID, phase, itemKind, itemID, ItemProcessing)
	if err != nil {
		return fmt.Errorf("complete work item: %w", err)
	}
	return requireRowsAffected(res, "work item %s/%s/%s is not processing", phase, itemKind, itemID)
}

// FailWorkItem transitions processing→queued (to retry) or →failed if
// attempts are exhausted, recording the error either way.
func (s *Store) FailWorkItem(runID, phase, itemKind, itemID, lastErr string, maxAttempts int) error {
	row := s.db.QueryRow(`
		SELECT attempt_count FROM work_items
		WHERE pipeline_run_id = ? AND phase = ? AND item_kind = ? AND item_id = ?`,
		runID, phase, itemKind, itemID)
	var attempts int
	if err := row.Scan(&attempts); err != nil {
		return fmt.Errorf("fail work item: lookup: %w", err)
	}

	next := ItemQueued
	if attempts >= maxAttempts {
		next = ItemFailed
	}
	res, err := s.db.Exec(`
		UPDATE work_items SET status = ?, last_error = ?, updated_at = ?
		WHERE pipeline_run_id = ? AND phase = ? AND item_kind = ? AND item_id = ? AND status = ?`,
		next, lastErr, time.Now().UTC(), runID, phase, itemKind, itemID, ItemProcessing)
	if err != nil {
		return fmt.Errorf("fail work item: %w", err)
	}
	return requireRowsAffected(res, "work item %s/%s/%s is not processing", phase, itemKind, itemID)
}

// WorkItemCounts returns the count of work items per status for a
// phase, used to decide whether a phase's fan-out is complete.
func (s *Store) WorkItemCounts(runID, phase string) (map[WorkItemStatus]int, error) {
	rows, err := s.db.Query(`
		SELECT status, COUNT(*) FROM work_items
		WHERE pipeline_run_id = ? AND phase = ? GROUP BY status`, runID, phase)
	if err != nil {
		return nil, fmt.Errorf("work item counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[WorkItemStatus]int)
	for rows.Next() {
		var status WorkItemStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// LastWorkItemActivity returns the most recent updated_at among a
// phase's completed or failed items, used by flexible-completion
// predicates that require a quiet period before declaring "done
// enough". Returns the zero time if nothing has finished yet.
func (s *Store) LastWorkItemActivity(runID, phase string) (time.Time, error) {
	row := s.db.QueryRow(`
		SELECT MAX(updated_at) FROM work_items
		WHERE pipeline_run_id = ? AND phase = ? AND status IN (?, ?)`,
		runID, phase, ItemCompleted, ItemFailed)
	var t sql.NullTime
	if err := row.Scan(&t); err != nil {
		return time.Time{}, fmt.Errorf("last work item activity: %w", err)
	}
	if !t.Valid {
		return time.Time{}, nil
	}
	return t.Time, nil
}

// RecoverStaleWorkItems demotes processing items older than grace back
// to queued (spec §5 restart recovery).
func (s *Store) RecoverStaleWorkItems(grace time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-grace)
	res, err := s.db.Exec(`
		UPDATE work_items SET status = ?, updated_at = ?
		WHERE status = ? AND updated_at < ?`,
		ItemQueued, time.Now().UTC(), ItemProcessing, cutoff)
	if err != nil {
		return 0, fmt.Errorf("recover stale work items: %w", err)
	}
	return res.RowsAffected()
}
