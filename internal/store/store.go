// Package store is the State Store (spec §4.1): the sole owner of
// every durable entity in spec §3. All mutations go through its typed
// methods; no other package touches *sql.DB directly. Grounded on the
// teacher's internal/database/db.go (WAL-mode SQLite, raw DDL string
// executed once, mutex-guarded connection, JSON-blob columns for
// free-form payloads).
package store

import (
	"database/sql"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"github.com/cylvy/landscape-pipeline/internal/logger"
)

// Store wraps a SQLite connection. Every exported method is safe for
// concurrent use; multi-row mutations run inside a transaction.
type Store struct {
	db  *sql.DB
	mu  sync.Mutex // guards schema-affecting operations only; sql.DB itself is safe for concurrent queries
	log logger.Logger
}

// Config controls how the store opens its underlying connection.
type Config struct {
	Path        string // ":memory:" for tests
	MaxOpenConn int
}

// DefaultConfig returns sane defaults for a single-process deployment.
func DefaultConfig(path string) Config {
	return Config{Path: path, MaxOpenConn: 10}
}

// Open creates (or attaches to) the SQLite database at cfg.Path,
// enabling WAL mode and a busy timeout so concurrent phase workers
// don't trip over SQLITE_BUSY, then runs the schema migration.
func Open(cfg Config) (*Store, error) {
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", cfg.Path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if cfg.MaxOpenConn > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConn)
	}

	s := &Store{db: db, log: logger.New("store")}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return s, nil
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	return s.db.Close()
}

const schema = `
CREATE TABLE IF NOT EXISTS pipeline_runs (
	id TEXT PRIMARY KEY,
	project TEXT NOT NULL,
	period_date TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	started_at DATETIME,
	completed_at DATETIME,
	status TEXT NOT NULL,
	mode TEXT NOT NULL,
	config_snapshot TEXT NOT NULL DEFAULT '{}',
	keywords_processed INTEGER NOT NULL DEFAULT 0,
	serp_rows INTEGER NOT NULL DEFAULT 0,
	pages_scraped INTEGER NOT NULL DEFAULT 0,
	pages_analyzed INTEGER NOT NULL DEFAULT 0,
	companies_enriched INTEGER NOT NULL DEFAULT 0,
	phase_results TEXT NOT NULL DEFAULT '{}',
	errors TEXT NOT NULL DEFAULT '[]'
);

CREATE TABLE IF NOT EXISTS phase_status (
	pipeline_run_id TEXT NOT NULL,
	phase TEXT NOT NULL,
	status TEXT NOT NULL,
	started_at DATETIME,
	completed_at DATETIME,
	attempt_count INTEGER NOT NULL DEFAULT 0,
	result TEXT NOT NULL DEFAULT '{}',
	last_error TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (pipeline_run_id, phase)
);

CREATE TABLE IF NOT EXISTS work_items (
	pipeline_run_id TEXT NOT NULL,
	phase TEXT NOT NULL,
	item_kind TEXT NOT NULL,
	item_id TEXT NOT NULL,
	status TEXT NOT NULL,
	attempt_count INTEGER NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT '',
	updated_at DATETIME NOT NULL,
	PRIMARY KEY (pipeline_run_id, phase, item_kind, item_id)
);
CREATE INDEX IF NOT EXISTS idx_work_items_status ON work_items(pipeline_run_id, phase, status);

CREATE TABLE IF NOT EXISTS serp_batch_expectations (
	project TEXT NOT NULL,
	period_date TEXT NOT NULL,
	content_type TEXT NOT NULL,
	expected INTEGER NOT NULL DEFAULT 1,
	received INTEGER NOT NULL DEFAULT 0,
	received_at DATETIME,
	external_batch_id TEXT NOT NULL DEFAULT '',
	result_set_id TEXT NOT NULL DEFAULT '',
	download_links TEXT NOT NULL DEFAULT '{}',
	PRIMARY KEY (project, period_date, content_type)
);

CREATE TABLE IF NOT EXISTS coordinator_locks (
	project TEXT NOT NULL,
	period_date TEXT NOT NULL,
	pipeline_run_id TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (project, period_date)
);

CREATE TABLE IF NOT EXISTS serp_results (
	pipeline_run_id TEXT NOT NULL,
	keyword_id TEXT NOT NULL,
	serp_type TEXT NOT NULL,
	position INTEGER NOT NULL,
	url TEXT NOT NULL,
	normalized_domain TEXT NOT NULL,
	title TEXT NOT NULL DEFAULT '',
	snippet TEXT NOT NULL DEFAULT '',
	estimated_traffic REAL,
	PRIMARY KEY (pipeline_run_id, keyword_id, serp_type, position)
);

CREATE TABLE IF NOT EXISTS scraped_content (
	pipeline_run_id TEXT NOT NULL,
	url TEXT NOT NULL,
	status TEXT NOT NULL,
	final_url TEXT NOT NULL DEFAULT '',
	content_type TEXT NOT NULL DEFAULT '',
	title TEXT NOT NULL DEFAULT '',
	body TEXT NOT NULL DEFAULT '',
	word_count INTEGER NOT NULL DEFAULT 0,
	engine TEXT NOT NULL DEFAULT '',
	metadata TEXT NOT NULL DEFAULT '{}',
	PRIMARY KEY (pipeline_run_id, url)
);
CREATE INDEX IF NOT EXISTS idx_scraped_content_url ON scraped_content(url, status);

CREATE TABLE IF NOT EXISTS content_analysis (
	pipeline_run_id TEXT NOT NULL,
	url TEXT NOT NULL,
	summary TEXT NOT NULL DEFAULT '',
	primary_persona TEXT NOT NULL DEFAULT '',
	persona_scores TEXT NOT NULL DEFAULT '{}',
	primary_journey_phase TEXT NOT NULL DEFAULT '',
	journey_score REAL NOT NULL DEFAULT 0,
	classification TEXT NOT NULL DEFAULT '',
	source_type TEXT NOT NULL DEFAULT '',
	entity_mentions TEXT NOT NULL DEFAULT '[]',
	sentiment TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (pipeline_run_id, url)
);

CREATE TABLE IF NOT EXISTS company_profiles (
	root_domain TEXT PRIMARY KEY,
	company_name TEXT NOT NULL DEFAULT '',
	industry TEXT NOT NULL DEFAULT '',
	size TEXT NOT NULL DEFAULT '',
	technologies TEXT NOT NULL DEFAULT '[]',
	parent_domain TEXT NOT NULL DEFAULT '',
	source_type TEXT NOT NULL DEFAULT '',
	updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS video_snapshots (
	pipeline_run_id TEXT NOT NULL,
	video_id TEXT NOT NULL,
	channel_id TEXT NOT NULL DEFAULT '',
	channel_title TEXT NOT NULL DEFAULT '',
	channel_description TEXT NOT NULL DEFAULT '',
	view_count INTEGER NOT NULL DEFAULT 0,
	like_count INTEGER NOT NULL DEFAULT 0,
	comment_count INTEGER NOT NULL DEFAULT 0,
	duration_secs INTEGER NOT NULL DEFAULT 0,
	fetched_at DATETIME NOT NULL,
	PRIMARY KEY (pipeline_run_id, video_id)
);
CREATE INDEX IF NOT EXISTS idx_video_snapshots_channel ON video_snapshots(channel_id);

CREATE TABLE IF NOT EXISTS historical_keyword_metrics (
	snapshot_date TEXT NOT NULL,
	keyword_id TEXT NOT NULL,
	country TEXT NOT NULL,
	source TEXT NOT NULL,
	avg_monthly_search REAL NOT NULL DEFAULT 0,
	competition TEXT NOT NULL DEFAULT '',
	bid_low REAL NOT NULL DEFAULT 0,
	bid_high REAL NOT NULL DEFAULT 0,
	PRIMARY KEY (snapshot_date, keyword_id, country, source)
);

CREATE TABLE IF NOT EXISTS dsi_company_scores (
	pipeline_run_id TEXT NOT NULL,
	content_type TEXT NOT NULL,
	company_domain TEXT NOT NULL,
	keyword_coverage REAL NOT NULL DEFAULT 0,
	traffic_share REAL NOT NULL DEFAULT 0,
	content_relevance REAL NOT NULL DEFAULT 0,
	market_presence REAL NOT NULL DEFAULT 0,
	position_score REAL NOT NULL DEFAULT 0,
	dsi REAL NOT NULL DEFAULT 0,
	rank INTEGER NOT NULL DEFAULT 0,
	market_position TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (pipeline_run_id, content_type, company_domain)
);
CREATE INDEX IF NOT EXISTS idx_dsi_company_scores_rank ON dsi_company_scores(pipeline_run_id, content_type, rank);

CREATE TABLE IF NOT EXISTS dsi_page_scores (
	pipeline_run_id TEXT NOT NULL,
	url TEXT NOT NULL,
	company_domain TEXT NOT NULL,
	content_type TEXT NOT NULL,
	relevance_contribution REAL NOT NULL DEFAULT 0,
	PRIMARY KEY (pipeline_run_id, url)
);

CREATE TABLE IF NOT EXISTS channel_company_map (
	channel_id TEXT PRIMARY KEY,
	domain TEXT NOT NULL DEFAULT '',
	source_type TEXT NOT NULL DEFAULT '',
	attempt_count INTEGER NOT NULL DEFAULT 0,
	updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS circuit_breaker_state (
	service TEXT PRIMARY KEY,
	state TEXT NOT NULL,
	consecutive_failures INTEGER NOT NULL DEFAULT 0,
	last_failure_at DATETIME,
	open_until DATETIME
);

CREATE TABLE IF NOT EXISTS quota_counters (
	service TEXT NOT NULL,
	date TEXT NOT NULL,
	units_used INTEGER NOT NULL DEFAULT 0,
	breakdown TEXT NOT NULL DEFAULT '{}',
	PRIMARY KEY (service, date)
);

CREATE TABLE IF NOT EXISTS pipeline_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	pipeline_run_id TEXT NOT NULL,
	occurred_at DATETIME NOT NULL,
	kind TEXT NOT NULL,
	message TEXT NOT NULL,
	data TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_pipeline_events_run ON pipeline_events(pipeline_run_id, occurred_at);
`

func (s *Store) initSchema() error {
	_, err := s.db.Exec(schema)
	return err
}
