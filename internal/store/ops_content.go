package store

import (
	"database/sql"
	"fmt"
)

// InsertSERPResults bulk-inserts SERP rows for a pipeline run, replacing
// any prior row at the same (run, keyword, serp_type, position) — a
// rerun of the phase overwrites stale results rather than duplicating.
func (s *Store) InsertSERPResults(results []SERPResult) error {
	if len(results) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("insert serp results: begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT OR REPLACE INTO serp_results
			(pipeline_run_id, keyword_id, serp_type, position, url, normalized_domain, title, snippet, estimated_traffic)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("insert serp results: prepare: %w", err)
	}
	defer stmt.Close()

	for _, r := range results {
		if _, err := stmt.Exec(r.PipelineRunID, r.KeywordID, r.SERPType, r.Position, r.URL,
			r.NormalizedDomain, r.Title, r.Snippet, r.EstimatedTraffic); err != nil {
			return fmt.Errorf("insert serp result %s/%s/%d: %w", r.KeywordID, r.SERPType, r.Position, err)
		}
	}
	return tx.Commit()
}

// ListSERPResultsByKeyword returns every SERP row for a keyword within a
// run, used by company enrichment, video enrichment, content scraping
// and dsi_calculation.
func (s *Store) ListSERPResultsByKeyword(runID, keywordID string) ([]SERPResult, error) {
	rows, err := s.db.Query(`
		SELECT pipeline_run_id, keyword_id, serp_type, position, url, normalized_domain, title, snippet, estimated_traffic
		FROM serp_results WHERE pipeline_run_id = ? AND keyword_id = ? ORDER BY serp_type, position`, runID, keywordID)
	if err != nil {
		return nil, fmt.Errorf("list serp results: %w", err)
	}
	defer rows.Close()

	var out []SERPResult
	for rows.Next() {
		var r SERPResult
		if err := rows.Scan(&r.PipelineRunID, &r.KeywordID, &r.SERPType, &r.Position, &r.URL,
			&r.NormalizedDomain, &r.Title, &r.Snippet, &r.EstimatedTraffic); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// URLAlreadyScraped reports whether url has a completed scrape from any
// prior run (spec §4.6.5: "dedup across prior runs").
func (s *Store) URLAlreadyScraped(url string) (bool, error) {
	var exists int
	err := s.db.QueryRow(`SELECT 1 FROM scraped_content WHERE url = ? AND status = ? LIMIT 1`, url, "completed").Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("url already scraped: %w", err)
	}
	return true, nil
}

// ListScrapedContentForRun returns every scraped row for a run, used by
// content_analysis to find documents eligible for analysis.
func (s *Store) ListScrapedContentForRun(runID string) ([]ScrapedContent, error) {
	rows, err := s.db.Query(`
		SELECT pipeline_run_id, url, status, final_url, content_type, title, body, word_count, engine, metadata
		FROM scraped_content WHERE pipeline_run_id = ?`, runID)
	if err != nil {
		return nil, fmt.Errorf("list scraped content: %w", err)
	}
	defer rows.Close()

	var out []ScrapedContent
	for rows.Next() {
		var c ScrapedContent
		if err := rows.Scan(&c.PipelineRunID, &c.URL, &c.Status, &c.FinalURL, &c.ContentType,
			&c.Title, &c.Body, &c.WordCount, &c.Engine, &c.Metadata); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// UpsertScrapedContent records (or overwrites) one scraped page.
func (s *Store) UpsertScrapedContent(c ScrapedContent) error {
	_, err := s.db.Exec(`
		INSERT INTO scraped_content
			(pipeline_run_id, url, status, final_url, content_type, title, body, word_count, engine, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(pipeline_run_id, url) DO UPDATE SET
			status = excluded.status, final_url = excluded.final_url, content_type = excluded.content_type,
			title = excluded.title, body = excluded.body, word_count = excluded.word_count,
			engine = excluded.engine, metadata = excluded.metadata`,
		c.PipelineRunID, c.URL, c.Status, c.FinalURL, c.ContentType, c.Title, c.Body, c.WordCount, c.Engine, c.Metadata)
	if err != nil {
		return fmt.Errorf("upsert scraped content: %w", err)
	}
	return nil
}

// UpsertContentAnalysis records (or overwrites) one page's analysis.
func (s *Store) UpsertContentAnalysis(a ContentAnalysis) error {
	_, err := s.db.Exec(`
		INSERT INTO content_analysis
			(pipeline_run_id, url, summary, primary_persona, persona_scores, primary_journey_phase,
			 journey_score, classification, source_type, entity_mentions, sentiment)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(pipeline_run_id, url) DO UPDATE SET
			summary = excluded.summary, primary_persona = excluded.primary_persona,
			persona_scores = excluded.persona_scores, primary_journey_phase = excluded.primary_journey_phase,
			journey_score = excluded.journey_score, classification = excluded.classification,
			source_type = excluded.source_type, entity_mentions = excluded.entity_mentions, sentiment = excluded.sentiment`,
		a.PipelineRunID, a.URL, a.Summary, a.PrimaryPersona, a.PersonaScores, a.PrimaryJourneyPhase,
		a.JourneyScore, a.Classification, a.SourceType, a.EntityMentions, a.Sentiment)
	if err != nil {
		return fmt.Errorf("upsert content analysis: %w", err)
	}
	return nil
}

// ListContentAnalysisForRun returns every analyzed page for a run, used
// by dsi_calculation's content-relevance aggregation.
func (s *Store) ListContentAnalysisForRun(runID string) ([]ContentAnalysis, error) {
	rows, err := s.db.Query(`
		SELECT pipeline_run_id, url, summary, primary_persona, persona_scores, primary_journey_phase,
		       journey_score, classification, source_type, entity_mentions, sentiment
		FROM content_analysis WHERE pipeline_run_id = ?`, runID)
	if err != nil {
		return nil, fmt.Errorf("list content analysis: %w", err)
	}
	defer rows.Close()

	var out []ContentAnalysis
	for rows.Next() {
		var a ContentAnalysis
		if err := rows.Scan(&a.PipelineRunID, &a.URL, &a.Summary, &a.PrimaryPersona, &a.PersonaScores,
			&a.PrimaryJourneyPhase, &a.JourneyScore, &a.Classification, &a.SourceType, &a.EntityMentions, &a.Sentiment); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
