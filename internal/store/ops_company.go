package store

import (
	"database/sql"
	"fmt"
	"time"
)

// UpsertCompanyProfile records (or refreshes) a company keyed by its
// normalized root domain (internal/domainnorm.Normalize output).
func (s *Store) UpsertCompanyProfile(c CompanyProfile) error {
	c.UpdatedAt = time.Now().UTC()
	_, err := s.db.Exec(`
		INSERT INTO company_profiles
			(root_domain, company_name, industry, size, technologies, parent_domain, source_type, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(root_domain) DO UPDATE SET
			company_name = excluded.company_name, industry = excluded.industry, size = excluded.size,
			technologies = excluded.technologies, parent_domain = excluded.parent_domain,
			source_type = excluded.source_type, updated_at = excluded.updated_at`,
		c.RootDomain, c.CompanyName, c.Industry, c.Size, c.Technologies, c.ParentDomain, c.SourceType, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert company profile: %w", err)
	}
	return nil
}

// GetCompanyProfile fetches a company by its normalized root domain.
func (s *Store) GetCompanyProfile(rootDomain string) (*CompanyProfile, error) {
	row := s.db.QueryRow(`
		SELECT root_domain, company_name, industry, size, technologies, parent_domain, source_type, updated_at
		FROM company_profiles WHERE root_domain = ?`, rootDomain)
	var c CompanyProfile
	err := row.Scan(&c.RootDomain, &c.CompanyName, &c.Industry, &c.Size, &c.Technologies, &c.ParentDomain, &c.SourceType, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get company profile: %w", err)
	}
	return &c, nil
}

// CompanyProfilesOlderThan returns root domains whose profile is stale,
// used to decide which company rows need re-enrichment this run.
func (s *Store) CompanyProfilesOlderThan(domains []string, age time.Duration) ([]string, error) {
	if len(domains) == 0 {
		return nil, nil
	}
	cutoff := time.Now().UTC().Add(-age)
	placeholders := make([]interface{}, 0, len(domains)+1)
	placeholders = append(placeholders, cutoff)

	query := `SELECT root_domain FROM company_profiles WHERE updated_at < ? AND root_domain IN (`
	for i, d := range domains {
		if i > 0 {
			query += ","
		}
		query += "?"
		placeholders = append(placeholders, d)
	}
	query += ")"

	rows, err := s.db.Query(query, placeholders...)
	if err != nil {
		return nil, fmt.Errorf("company profiles older than: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var domain string
		if err := rows.Scan(&domain); err != nil {
			return nil, err
		}
		out = append(out, domain)
	}
	return out, rows.Err()
}

// AppendHistoricalKeywordMetric records a point-in-time snapshot; the
// primary key makes repeated snapshots for the same day a no-op upsert.
func (s *Store) AppendHistoricalKeywordMetric(m HistoricalKeywordMetric) error {
	_, err := s.db.Exec(`
		INSERT INTO historical_keyword_metrics
			(snapshot_date, keyword_id, country, source, avg_monthly_search, competition, bid_low, bid_high)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(snapshot_date, keyword_id, country, source) DO UPDATE SET
			avg_monthly_search = excluded.avg_monthly_search, competition = excluded.competition,
			bid_low = excluded.bid_low, bid_high = excluded.bid_high`,
		m.SnapshotDate, m.KeywordID, m.Country, m.Source, m.AvgMonthlySearch, m.Competition, m.BidLow, m.BidHigh)
	if err != nil {
		return fmt.Errorf("append historical keyword metric: %w", err)
	}
	return nil
}

// LatestHistoricalKeywordMetric returns the most recent snapshot at or
// before asOf for a keyword. Nothing in the pipeline calls it: a run that
// skips keyword_metrics does not fall back to historical values.
func (s *Store) LatestHistoricalKeywordMetric(keywordID, country, asOf string) (*HistoricalKeywordMetric, error) {
	row := s.db.QueryRow(`
		SELECT snapshot_date, keyword_id, country, source, avg_monthly_search, competition, bid_low, bid_high
		FROM historical_keyword_metrics
		WHERE keyword_id = ? AND country = ? AND snapshot_date <= ?
		ORDER BY snapshot_date DESC LIMIT 1`, keywordID, country, asOf)
	var m HistoricalKeywordMetric
	err := row.Scan(&m.SnapshotDate, &m.KeywordID, &m.Country, &m.Source, &m.AvgMonthlySearch, &m.Competition, &m.BidLow, &m.BidHigh)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest historical keyword metric: %w", err)
	}
	return &m, nil
}
