package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrLockHeld is returned by AcquireCoordinatorLock when a lock for the
// (project, period) already exists — the signal that this webhook
// delivery is a duplicate and must not start a second pipeline run
// (spec §4.7, §8: "Replaying the same webhook twice yields exactly one
// pipeline start").
var ErrLockHeld = errors.New("coordinator lock already held")

// AcquireCoordinatorLock attempts to atomically claim the (project,
// period_date) lock by inserting its row. SQLite's primary-key
// constraint makes this exactly-once: a second concurrent insert for
// the same key fails with a constraint violation, which is mapped to
// ErrLockHeld.
func (s *Store) AcquireCoordinatorLock(project, periodDate string) error {
	_, err := s.db.Exec(`
		INSERT INTO coordinator_locks (project, period_date, pipeline_run_id)
		VALUES (?, ?, '')`, project, periodDate)
	if err != nil {
		if isUniqueConstraintErr(err) {
			return ErrLockHeld
		}
		return fmt.Errorf("acquire coordinator lock: %w", err)
	}
	return nil
}

// AttachPipelineRunToLock records which pipeline run a coordinator lock
// produced, once the run has been created.
func (s *Store) AttachPipelineRunToLock(project, periodDate, runID string) error {
	_, err := s.db.Exec(`
		UPDATE coordinator_locks SET pipeline_run_id = ?
		WHERE project = ? AND period_date = ?`, runID, project, periodDate)
	if err != nil {
		return fmt.Errorf("attach pipeline run to lock: %w", err)
	}
	return nil
}

// GetCoordinatorLock fetches the lock row, if any, for a (project, period).
func (s *Store) GetCoordinatorLock(project, periodDate string) (*CoordinatorLock, error) {
	row := s.db.QueryRow(`
		SELECT project, period_date, pipeline_run_id FROM coordinator_locks
		WHERE project = ? AND period_date = ?`, project, periodDate)
	var l CoordinatorLock
	err := row.Scan(&l.Project, &l.PeriodDate, &l.PipelineRunID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get coordinator lock: %w", err)
	}
	return &l, nil
}

// UpsertBatchExpectation records that a content type is expected for a
// (project, period), or updates it if already present.
func (s *Store) UpsertBatchExpectation(be BatchExpectation) error {
	_, err := s.db.Exec(`
		INSERT INTO serp_batch_expectations (project, period_date, content_type, expected, received, external_batch_id, download_links)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(project, period_date, content_type) DO UPDATE SET
			expected = excluded.expected,
			external_batch_id = excluded.external_batch_id`,
		be.Project, be.PeriodDate, be.ContentType, be.Expected, be.Received, be.ExternalBatchID, orDefault(be.DownloadLinks, "{}"))
	if err != nil {
		return fmt.Errorf("upsert batch expectation: %w", err)
	}
	return nil
}

// RecordBatchReceived marks a content type's batch as received, per the
// webhook payload's result set and download links (spec §6).
func (s *Store) RecordBatchReceived(project, periodDate, contentType, externalBatchID, resultSetID, downloadLinksJSON string) error {
	res, err := s.db.Exec(`
		UPDATE serp_batch_expectations
		SET received = 1, received_at = ?, external_batch_id = ?, result_set_id = ?, download_links = ?
		WHERE project = ? AND period_date = ? AND content_type = ?`,
		time.Now().UTC(), externalBatchID, resultSetID, downloadLinksJSON, project, periodDate, contentType)
	if err != nil {
		return fmt.Errorf("record batch received: %w", err)
	}
	return requireRowsAffected(res, "no batch expectation for %s/%s/%s", project, periodDate, contentType)
}

// ListBatchExpectations returns every expected/received row for a
// (project, period), used to decide whether the cutoff-based partial-
// completion policy (spec §4.7) applies.
func (s *Store) ListBatchExpectations(project, periodDate string) ([]BatchExpectation, error) {
	rows, err := s.db.Query(`
		SELECT project, period_date, content_type, expected, received, received_at, external_batch_id, result_set_id, download_links
		FROM serp_batch_expectations WHERE project = ? AND period_date = ?`, project, periodDate)
	if err != nil {
		return nil, fmt.Errorf("list batch expectations: %w", err)
	}
	defer rows.Close()

	var out []BatchExpectation
	for rows.Next() {
		var be BatchExpectation
		var receivedAt sql.NullTime
		if err := rows.Scan(&be.Project, &be.PeriodDate, &be.ContentType, &be.Expected, &be.Received,
			&receivedAt, &be.ExternalBatchID, &be.ResultSetID, &be.DownloadLinks); err != nil {
			return nil, err
		}
		if receivedAt.Valid {
			be.ReceivedAt = &receivedAt.Time
		}
		out = append(out, be)
	}
	return out, rows.Err()
}

// ProjectPeriod identifies one (project, period-date) pair.
type ProjectPeriod struct {
	Project    string
	PeriodDate string
}

// ListPendingCoordinatorWindows returns every (project, period-date)
// that has at least one received batch expectation but no coordinator
// lock yet — the candidates a background cutoff sweep must re-evaluate
// so a pipeline still starts at cutoff even if no further webhook ever
// arrives to trigger re-evaluation itself (spec §4.7 cutoff policy,
// §8 scenario 3).
func (s *Store) ListPendingCoordinatorWindows() ([]ProjectPeriod, error) {
	rows, err := s.db.Query(`
		SELECT DISTINCT e.project, e.period_date
		FROM serp_batch_expectations e
		WHERE e.received = 1
		AND NOT EXISTS (
			SELECT 1 FROM coordinator_locks l
			WHERE l.project = e.project AND l.period_date = e.period_date
		)`)
	if err != nil {
		return nil, fmt.Errorf("list pending coordinator windows: %w", err)
	}
	defer rows.Close()

	var out []ProjectPeriod
	for rows.Next() {
		var pp ProjectPeriod
		if err := rows.Scan(&pp.Project, &pp.PeriodDate); err != nil {
			return nil, err
		}
		out = append(out, pp)
	}
	return out, rows.Err()
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func isUniqueConstraintErr(err error) bool {
	// mattn/go-sqlite3 reports constraint violations in the error text
	// rather than a typed sentinel in all build configurations; match
	// on the SQLite message, same approach as the teacher's internal/database package.
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") || strings.Contains(err.Error(), "PRIMARY KEY"))
}
