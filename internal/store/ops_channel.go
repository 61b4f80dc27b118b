package store

import (
	"database/sql"
	"fmt"
	"time"
)

// UpsertChannelCompanyMapping records (or refreshes) a channel's
// resolved company domain. NO_DOMAIN_FOUND and EXTRACTION_ERROR are
// valid terminal source types per spec §4.10 — writing one stops the
// channel from being picked up again by ChannelsNeedingResolution.
func (s *Store) UpsertChannelCompanyMapping(m ChannelCompanyMapping) error {
	m.UpdatedAt = time.Now().UTC()
	_, err := s.db.Exec(`
		INSERT INTO channel_company_map (channel_id, domain, source_type, attempt_count, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(channel_id) DO UPDATE SET
			domain = excluded.domain, source_type = excluded.source_type,
			attempt_count = excluded.attempt_count, updated_at = excluded.updated_at`,
		m.ChannelID, m.Domain, m.SourceType, m.AttemptCount, m.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert channel company mapping: %w", err)
	}
	return nil
}

// GetChannelCompanyMapping returns the mapping for channelID, or nil if
// it has never been resolved or attempted.
func (s *Store) GetChannelCompanyMapping(channelID string) (*ChannelCompanyMapping, error) {
	row := s.db.QueryRow(`
		SELECT channel_id, domain, source_type, attempt_count, updated_at
		FROM channel_company_map WHERE channel_id = ?`, channelID)
	var m ChannelCompanyMapping
	err := row.Scan(&m.ChannelID, &m.Domain, &m.SourceType, &m.AttemptCount, &m.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get channel company mapping: %w", err)
	}
	return &m, nil
}

// PendingChannel is one channel awaiting resolution, carrying the
// title context the LLM collaborator needs to guess a company domain
// and the attempt count accumulated across prior PENDING passes.
type PendingChannel struct {
	ChannelID          string
	ChannelTitle       string
	ChannelDescription string
	AttemptCount       int
}

// SourceTypePending marks a channel_company_map row that has been
// attempted (possibly more than once) but not yet resolved to a
// terminal state; unlike NO_DOMAIN_FOUND/EXTRACTION_ERROR it is not
// terminal and ChannelsNeedingResolution keeps surfacing it.
const SourceTypePending = "PENDING"

// ChannelsNeedingResolution returns distinct channels referenced by
// video snapshots that either have no row in channel_company_map yet,
// or are still PENDING from a prior attempt, capped at limit (spec
// §4.10: "batches up to 20 per pass").
func (s *Store) ChannelsNeedingResolution(limit int) ([]PendingChannel, error) {
	rows, err := s.db.Query(`
		SELECT v.channel_id, MAX(v.channel_title), MAX(v.channel_description), COALESCE(MAX(m.attempt_count), 0)
		FROM video_snapshots v
		LEFT JOIN channel_company_map m ON m.channel_id = v.channel_id
		WHERE v.channel_id != '' AND (m.channel_id IS NULL OR m.source_type = ?)
		GROUP BY v.channel_id
		LIMIT ?`, SourceTypePending, limit)
	if err != nil {
		return nil, fmt.Errorf("channels needing resolution: %w", err)
	}
	defer rows.Close()

	var out []PendingChannel
	for rows.Next() {
		var c PendingChannel
		if err := rows.Scan(&c.ChannelID, &c.ChannelTitle, &c.ChannelDescription, &c.AttemptCount); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ResolvedChannelDomains returns every channel_company_map domain that
// resolved to a real company (i.e. not NO_DOMAIN_FOUND/EXTRACTION_ERROR
// and not empty), used by company_enrichment_youtube to find the set of
// domains discovered via video channels rather than SERP rows.
func (s *Store) ResolvedChannelDomains() ([]string, error) {
	rows, err := s.db.Query(`
		SELECT DISTINCT domain FROM channel_company_map
		WHERE domain != '' AND source_type NOT IN ('NO_DOMAIN_FOUND', 'EXTRACTION_ERROR')`)
	if err != nil {
		return nil, fmt.Errorf("resolved channel domains: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
