package store

import (
	"database/sql"
	"fmt"
	"time"
)

// CreatePipelineRun inserts a new run in status=pending.
func (s *Store) CreatePipelineRun(run PipelineRun) error {
	run.Status = RunPending
	_, err := s.db.Exec(`
		INSERT INTO pipeline_runs
			(id, project, period_date, created_at, status, mode, config_snapshot, phase_results, errors)
		VALUES (?, ?, ?, ?, ?, ?, ?, '{}', '[]')`,
		run.ID, run.Project, run.PeriodDate, run.CreatedAt, run.Status, run.Mode, run.ConfigSnapshot)
	if err != nil {
		return fmt.Errorf("create pipeline run: %w", err)
	}
	return nil
}

// GetPipelineRun fetches a run by id.
func (s *Store) GetPipelineRun(id string) (*PipelineRun, error) {
	row := s.db.QueryRow(`
		SELECT id, project, period_date, created_at, started_at, completed_at, status, mode,
		       config_snapshot, keywords_processed, serp_rows, pages_scraped, pages_analyzed,
		       companies_enriched, phase_results, errors
		FROM pipeline_runs WHERE id = ?`, id)

	var run PipelineRun
	var started, completed sql.NullTime
	err := row.Scan(&run.ID, &run.Project, &run.PeriodDate, &run.CreatedAt, &started, &completed,
		&run.Status, &run.Mode, &run.ConfigSnapshot, &run.KeywordsProcessed, &run.SERPRows,
		&run.PagesScraped, &run.PagesAnalyzed, &run.CompaniesEnriched, &run.PhaseResults, &run.Errors)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get pipeline run: %w", err)
	}
	if started.Valid {
		run.StartedAt = &started.Time
	}
	if completed.Valid {
		run.CompletedAt = &completed.Time
	}
	return &run, nil
}

// StartPipelineRun transitions pending→running, setting started_at.
// Optimistic precondition: only succeeds if the run is currently pending.
func (s *Store) StartPipelineRun(id string) error {
	res, err := s.db.Exec(`
		UPDATE pipeline_runs SET status = ?, started_at = ?
		WHERE id = ? AND status = ?`,
		RunRunning, time.Now().UTC(), id, RunPending)
	if err != nil {
		return fmt.Errorf("start pipeline run: %w", err)
	}
	return requireRowsAffected(res, "pipeline run %s is not pending", id)
}

// CompletePipelineRun transitions running→completed. Terminal states
// are immutable (spec §3), enforced by the WHERE clause.
func (s *Store) CompletePipelineRun(id string) error {
	res, err := s.db.Exec(`
		UPDATE pipeline_runs SET status = ?, completed_at = ?
		WHERE id = ? AND status = ?`,
		RunCompleted, time.Now().UTC(), id, RunRunning)
	if err != nil {
		return fmt.Errorf("complete pipeline run: %w", err)
	}
	return requireRowsAffected(res, "pipeline run %s is not running", id)
}

// FailPipelineRun transitions running→failed, recording the reason.
func (s *Store) FailPipelineRun(id, reason string) error {
	res, err := s.db.Exec(`
		UPDATE pipeline_runs
		SET status = ?, completed_at = ?, errors = json_insert(errors, '$[#]', ?)
		WHERE id = ? AND status = ?`,
		RunFailed, time.Now().UTC(), reason, id, RunRunning)
	if err != nil {
		return fmt.Errorf("fail pipeline run: %w", err)
	}
	return requireRowsAffected(res, "pipeline run %s is not running", id)
}

// ResumePipelineRun transitions failed→running, clearing completed_at,
// for the explicit `resume` control verb (spec §4.8: "A resume verb
// re-runs the first non-terminal phase").
func (s *Store) ResumePipelineRun(id string) error {
	res, err := s.db.Exec(`
		UPDATE pipeline_runs SET status = ?, completed_at = NULL
		WHERE id = ? AND status = ?`,
		RunRunning, id, RunFailed)
	if err != nil {
		return fmt.Errorf("resume pipeline run: %w", err)
	}
	return requireRowsAffected(res, "pipeline run %s is not failed", id)
}

// CancelPipelineRun transitions any non-terminal run to cancelled.
func (s *Store) CancelPipelineRun(id string) error {
	res, err := s.db.Exec(`
		UPDATE pipeline_runs SET status = ?, completed_at = ?
		WHERE id = ? AND status IN (?, ?)`,
		RunCancelled, time.Now().UTC(), id, RunPending, RunRunning)
	if err != nil {
		return fmt.Errorf("cancel pipeline run: %w", err)
	}
	return requireRowsAffected(res, "pipeline run %s is already terminal", id)
}

// ListRunningPipelines returns every run currently in status=running,
// used by the orchestrator on startup for restart recovery (spec §5).
func (s *Store) ListRunningPipelines() ([]PipelineRun, error) {
	rows, err := s.db.Query(`SELECT id, project, period_date, started_at, status, mode, config_snapshot FROM pipeline_runs WHERE status = ?`, RunRunning)
	if err != nil {
		return nil, fmt.Errorf("list running pipelines: %w", err)
	}
	defer rows.Close()

	var out []PipelineRun
	for rows.Next() {
		var r PipelineRun
		var started sql.NullTime
		if err := rows.Scan(&r.ID, &r.Project, &r.PeriodDate, &started, &r.Status, &r.Mode, &r.ConfigSnapshot); err != nil {
			return nil, err
		}
		if started.Valid {
			r.StartedAt = &started.Time
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// IncrementCounters bumps the aggregate counters on a run (spec §3).
func (s *Store) IncrementCounters(id string, keywords, serpRows, scraped, analyzed, companies int) error {
	_, err := s.db.Exec(`
		UPDATE pipeline_runs SET
			keywords_processed = keywords_processed + ?,
			serp_rows = serp_rows + ?,
			pages_scraped = pages_scraped + ?,
			pages_analyzed = pages_analyzed + ?,
			companies_enriched = companies_enriched + ?
		WHERE id = ?`,
		keywords, serpRows, scraped, analyzed, companies, id)
	if err != nil {
		return fmt.Errorf("increment counters: %w", err)
	}
	return nil
}

func requireRowsAffected(res sql.Result, format string, args ...interface{}) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf(format, args...)
	}
	return nil
}
