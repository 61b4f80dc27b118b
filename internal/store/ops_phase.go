package store

import (
	"database/sql"
	"fmt"
	"time"
)

// EnsurePhasePending inserts a phase_status row in pending state if one
// does not already exist, used when a pipeline run is created with its
// full phase set (spec §3, §4.1).
func (s *Store) EnsurePhasePending(runID, phase string) error {
	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO phase_status (pipeline_run_id, phase, status)
		VALUES (?, ?, ?)`, runID, phase, PhasePending)
	if err != nil {
		return fmt.Errorf("ensure phase pending: %w", err)
	}
	return nil
}

// GetPhaseStatus fetches one (run, phase) row.
func (s *Store) GetPhaseStatus(runID, phase string) (*PhaseStatus, error) {
	row := s.db.QueryRow(`
		SELECT pipeline_run_id, phase, status, started_at, completed_at, attempt_count, result, last_error
		FROM phase_status WHERE pipeline_run_id = ? AND phase = ?`, runID, phase)

	var ps PhaseStatus
	var started, completed sql.NullTime
	err := row.Scan(&ps.PipelineRunID, &ps.Phase, &ps.Status, &started, &completed, &ps.AttemptCount, &ps.Result, &ps.LastError)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get phase status: %w", err)
	}
	if started.Valid {
		ps.StartedAt = &started.Time
	}
	if completed.Valid {
		ps.CompletedAt = &completed.Time
	}
	return &ps, nil
}

// ListPhaseStatuses returns every phase row for a run, used by the
// orchestrator to evaluate DAG gating (spec §4.8).
func (s *Store) ListPhaseStatuses(runID string) ([]PhaseStatus, error) {
	rows, err := s.db.Query(`
		SELECT pipeline_run_id, phase, status, started_at, completed_at, attempt_count, result, last_error
		FROM phase_status WHERE pipeline_run_id = ?`, runID)
	if err != nil {
		return nil, fmt.Errorf("list phase statuses: %w", err)
	}
	defer rows.Close()

	var out []PhaseStatus
	for rows.Next() {
		var ps PhaseStatus
		var started, completed sql.NullTime
		if err := rows.Scan(&ps.PipelineRunID, &ps.Phase, &ps.Status, &started, &completed, &ps.AttemptCount, &ps.Result, &ps.LastError); err != nil {
			return nil, err
		}
		if started.Valid {
			ps.StartedAt = &started.Time
		}
		if completed.Valid {
			ps.CompletedAt = &completed.Time
		}
		out = append(out, ps)
	}
	return out, rows.Err()
}

// StartPhase transitions pending|blocked→running, bumping attempt_count.
// Optimistic precondition: fails if the phase is already running or terminal.
func (s *Store) StartPhase(runID, phase string) error {
	res, err := s.db.Exec(`
		UPDATE phase_status
		SET status = ?, started_at = ?, attempt_count = attempt_count + 1
		WHERE pipeline_run_id = ? AND phase = ? AND status IN (?, ?)`,
		PhaseRunning, time.Now().UTC(), runID, phase, PhasePending, PhaseBlocked)
	if err != nil {
		return fmt.Errorf("start phase: %w", err)
	}
	return requireRowsAffected(res, "phase %s/%s is not pending or blocked", runID, phase)
}

// CompletePhase transitions running→completed, per the spec example
// precondition "running→completed only if currently running" (spec §4.1).
func (s *Store) CompletePhase(runID, phase, resultJSON string) error {
	res, err := s.db.Exec(`
		UPDATE phase_status
		SET status = ?, completed_at = ?, result = ?
		WHERE pipeline_run_id = ? AND phase = ? AND status = ?`,
		PhaseCompleted, time.Now().UTC(), resultJSON, runID, phase, PhaseRunning)
	if err != nil {
		return fmt.Errorf("complete phase: %w", err)
	}
	return requireRowsAffected(res, "phase %s/%s is not running", runID, phase)
}

// FailPhase transitions running→failed, recording the last error.
func (s *Store) FailPhase(runID, phase, lastErr string) error {
	res, err := s.db.Exec(`
		UPDATE phase_status
		SET status = ?, completed_at = ?, last_error = ?
		WHERE pipeline_run_id = ? AND phase = ? AND status = ?`,
		PhaseFailed, time.Now().UTC(), lastErr, runID, phase, PhaseRunning)
	if err != nil {
		return fmt.Errorf("fail phase: %w", err)
	}
	return requireRowsAffected(res, "phase %s/%s is not running", runID, phase)
}

// SkipRunningPhase transitions running→skipped, used when a
// non-critical phase (video_enrichment) fails: spec §4.8 "if the phase
// is marked non-critical it is auto-skipped" rather than failing the
// pipeline. The failure reason is preserved in last_error for
// diagnostics even though the phase counts as satisfied for DAG gating.
func (s *Store) SkipRunningPhase(runID, phase, reason string) error {
	res, err := s.db.Exec(`
		UPDATE phase_status
		SET status = ?, completed_at = ?, last_error = ?
		WHERE pipeline_run_id = ? AND phase = ? AND status = ?`,
		PhaseSkipped, time.Now().UTC(), reason, runID, phase, PhaseRunning)
	if err != nil {
		return fmt.Errorf("skip running phase: %w", err)
	}
	return requireRowsAffected(res, "phase %s/%s is not running", runID, phase)
}

// YieldPhase transitions running→pending without marking completion,
// used when a phase yields on quota exhaustion (spec §4.6.4, §7): the
// phase is neither complete nor failed, it simply needs to be retried
// once the provider's quota resets. The partial-progress result is
// preserved so status() reflects it until the next attempt completes.
func (s *Store) YieldPhase(runID, phase, resultJSON string) error {
	res, err := s.db.Exec(`
		UPDATE phase_status
		SET status = ?, started_at = NULL, result = ?
		WHERE pipeline_run_id = ? AND phase = ? AND status = ?`,
		PhasePending, resultJSON, runID, phase, PhaseRunning)
	if err != nil {
		return fmt.Errorf("yield phase: %w", err)
	}
	return requireRowsAffected(res, "phase %s/%s is not running", runID, phase)
}

// SkipPhase marks a phase skipped (e.g. keyword_metrics disabled for this
// run per Open Question #3 resolution). A skipped phase satisfies DAG
// gating the same as completed.
func (s *Store) SkipPhase(runID, phase string) error {
	res, err := s.db.Exec(`
		UPDATE phase_status SET status = ?, completed_at = ?
		WHERE pipeline_run_id = ? AND phase = ? AND status = ?`,
		PhaseSkipped, time.Now().UTC(), runID, phase, PhasePending)
	if err != nil {
		return fmt.Errorf("skip phase: %w", err)
	}
	return requireRowsAffected(res, "phase %s/%s is not pending", runID, phase)
}

// BlockPhase marks a phase blocked, meaning one of its predecessors
// failed and it can never run (spec §4.8 DAG gating).
func (s *Store) BlockPhase(runID, phase string) error {
	res, err := s.db.Exec(`
		UPDATE phase_status SET status = ?
		WHERE pipeline_run_id = ? AND phase = ? AND status = ?`,
		PhaseBlocked, runID, phase, PhasePending)
	if err != nil {
		return fmt.Errorf("block phase: %w", err)
	}
	return requireRowsAffected(res, "phase %s/%s is not pending", runID, phase)
}

// ResetPhaseToPending transitions failed|blocked→pending, used by the
// `resume` control verb to re-open the first non-terminal phase (and
// any phase blocked behind it) without disturbing phases that already
// reached completed/skipped (spec §4.8).
func (s *Store) ResetPhaseToPending(runID, phase string) error {
	res, err := s.db.Exec(`
		UPDATE phase_status
		SET status = ?, started_at = NULL, completed_at = NULL
		WHERE pipeline_run_id = ? AND phase = ? AND status IN (?, ?)`,
		PhasePending, runID, phase, PhaseFailed, PhaseBlocked)
	if err != nil {
		return fmt.Errorf("reset phase to pending: %w", err)
	}
	return requireRowsAffected(res, "phase %s/%s is not failed or blocked", runID, phase)
}

// RecoverStalePhases demotes running phases older than grace back to
// pending, for restart recovery (spec §5), grounded on the teacher's
// internal/jobs/queue.go loadPersistedJobs pattern.
func (s *Store) RecoverStalePhases(grace time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-grace)
	res, err := s.db.Exec(`
		UPDATE phase_status SET status = ?, started_at = NULL
		WHERE status = ? AND started_at < ?`,
		PhasePending, PhaseRunning, cutoff)
	if err != nil {
		return 0, fmt.Errorf("recover stale phases: %w", err)
	}
	return res.RowsAffected()
}
