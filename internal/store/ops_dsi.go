package store

import "fmt"

// ReplaceDSICompanyScores atomically replaces every DSI company row for
// (runID, contentType) with scores, so a rerun of the phase doesn't
// leave stale ranks from a prior attempt.
func (s *Store) ReplaceDSICompanyScores(runID, contentType string, scores []DSICompanyScore) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("replace dsi company scores: begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM dsi_company_scores WHERE pipeline_run_id = ? AND content_type = ?`, runID, contentType); err != nil {
		return fmt.Errorf("replace dsi company scores: delete: %w", err)
	}

	stmt, err := tx.Prepare(`
		INSERT INTO dsi_company_scores
			(pipeline_run_id, content_type, company_domain, keyword_coverage, traffic_share,
			 content_relevance, market_presence, position_score, dsi, rank, market_position)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("replace dsi company scores: prepare: %w", err)
	}
	defer stmt.Close()

	for _, sc := range scores {
		if _, err := stmt.Exec(sc.PipelineRunID, sc.ContentType, sc.CompanyDomain, sc.KeywordCoverage,
			sc.TrafficShare, sc.ContentRelevance, sc.MarketPresence, sc.PositionScore, sc.DSI, sc.Rank, sc.MarketPosition); err != nil {
			return fmt.Errorf("replace dsi company scores: insert %s: %w", sc.CompanyDomain, err)
		}
	}
	return tx.Commit()
}

// ListDSICompanyScores returns every company score for a run, optionally
// filtered to one content type ("" for all), ordered by rank.
func (s *Store) ListDSICompanyScores(runID, contentType string) ([]DSICompanyScore, error) {
	query := `
		SELECT pipeline_run_id, content_type, company_domain, keyword_coverage, traffic_share,
		       content_relevance, market_presence, position_score, dsi, rank, market_position
		FROM dsi_company_scores WHERE pipeline_run_id = ?`
	args := []interface{}{runID}
	if contentType != "" {
		query += " AND content_type = ?"
		args = append(args, contentType)
	}
	query += " ORDER BY content_type, rank"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list dsi company scores: %w", err)
	}
	defer rows.Close()

	var out []DSICompanyScore
	for rows.Next() {
		var sc DSICompanyScore
		if err := rows.Scan(&sc.PipelineRunID, &sc.ContentType, &sc.CompanyDomain, &sc.KeywordCoverage,
			&sc.TrafficShare, &sc.ContentRelevance, &sc.MarketPresence, &sc.PositionScore, &sc.DSI, &sc.Rank, &sc.MarketPosition); err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

// ReplaceDSIPageScores atomically replaces every DSI page row for runID.
func (s *Store) ReplaceDSIPageScores(runID string, scores []DSIPageScore) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("replace dsi page scores: begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM dsi_page_scores WHERE pipeline_run_id = ?`, runID); err != nil {
		return fmt.Errorf("replace dsi page scores: delete: %w", err)
	}

	stmt, err := tx.Prepare(`
		INSERT INTO dsi_page_scores (pipeline_run_id, url, company_domain, content_type, relevance_contribution)
		VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("replace dsi page scores: prepare: %w", err)
	}
	defer stmt.Close()

	for _, sc := range scores {
		if _, err := stmt.Exec(sc.PipelineRunID, sc.URL, sc.CompanyDomain, sc.ContentType, sc.RelevanceContribution); err != nil {
			return fmt.Errorf("replace dsi page scores: insert %s: %w", sc.URL, err)
		}
	}
	return tx.Commit()
}

// ListDSIPageScores returns every page score recorded for a run.
func (s *Store) ListDSIPageScores(runID string) ([]DSIPageScore, error) {
	rows, err := s.db.Query(`
		SELECT pipeline_run_id, url, company_domain, content_type, relevance_contribution
		FROM dsi_page_scores WHERE pipeline_run_id = ?`, runID)
	if err != nil {
		return nil, fmt.Errorf("list dsi page scores: %w", err)
	}
	defer rows.Close()

	var out []DSIPageScore
	for rows.Next() {
		var sc DSIPageScore
		if err := rows.Scan(&sc.PipelineRunID, &sc.URL, &sc.CompanyDomain, &sc.ContentType, &sc.RelevanceContribution); err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}
