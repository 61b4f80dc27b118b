package store

import (
	"database/sql"
	"fmt"
)

// SaveBreakerState checkpoints a circuit breaker's state so it survives
// process restarts (spec §5); cmd/pipelined calls this on every
// transition from the breaker registry's StateChangeFunc.
func (s *Store) SaveBreakerState(b BreakerState) error {
	_, err := s.db.Exec(`
		INSERT INTO circuit_breaker_state (service, state, consecutive_failures, last_failure_at, open_until)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(service) DO UPDATE SET
			state = excluded.state, consecutive_failures = excluded.consecutive_failures,
			last_failure_at = excluded.last_failure_at, open_until = excluded.open_until`,
		b.Service, b.State, b.ConsecutiveFailures, b.LastFailureAt, b.OpenUntil)
	if err != nil {
		return fmt.Errorf("save breaker state: %w", err)
	}
	return nil
}

// LoadBreakerState fetches a checkpointed breaker state, if any, used
// to rehydrate internal/breaker.Registry on startup.
func (s *Store) LoadBreakerState(service string) (*BreakerState, error) {
	row := s.db.QueryRow(`
		SELECT service, state, consecutive_failures, last_failure_at, open_until
		FROM circuit_breaker_state WHERE service = ?`, service)
	var b BreakerState
	var lastFailure, openUntil sql.NullTime
	err := row.Scan(&b.Service, &b.State, &b.ConsecutiveFailures, &lastFailure, &openUntil)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load breaker state: %w", err)
	}
	if lastFailure.Valid {
		b.LastFailureAt = &lastFailure.Time
	}
	if openUntil.Valid {
		b.OpenUntil = &openUntil.Time
	}
	return &b, nil
}

// IncrementQuota atomically adds units to a service's counter for a
// date, creating the row if absent, and returns the new total. Used by
// internal/quota as the durable mirror behind its in-memory cache.
func (s *Store) IncrementQuota(service, date string, units int) (int, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("increment quota: begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO quota_counters (service, date, units_used, breakdown)
		VALUES (?, ?, 0, '{}')
		ON CONFLICT(service, date) DO NOTHING`, service, date)
	if err != nil {
		return 0, fmt.Errorf("increment quota: seed: %w", err)
	}

	_, err = tx.Exec(`UPDATE quota_counters SET units_used = units_used + ? WHERE service = ? AND date = ?`, units, service, date)
	if err != nil {
		return 0, fmt.Errorf("increment quota: update: %w", err)
	}

	var total int
	row := tx.QueryRow(`SELECT units_used FROM quota_counters WHERE service = ? AND date = ?`, service, date)
	if err := row.Scan(&total); err != nil {
		return 0, fmt.Errorf("increment quota: read back: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return total, nil
}

// GetQuotaCounter fetches the current counter row for a service/date.
func (s *Store) GetQuotaCounter(service, date string) (*QuotaCounter, error) {
	row := s.db.QueryRow(`
		SELECT service, date, units_used, breakdown FROM quota_counters WHERE service = ? AND date = ?`, service, date)
	var q QuotaCounter
	err := row.Scan(&q.Service, &q.Date, &q.UnitsUsed, &q.Breakdown)
	if err == sql.ErrNoRows {
		return &QuotaCounter{Service: service, Date: date, UnitsUsed: 0, Breakdown: "{}"}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get quota counter: %w", err)
	}
	return &q, nil
}
