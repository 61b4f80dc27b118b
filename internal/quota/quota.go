// Package quota is the Quota Manager (spec §4.5): a daily, per-external-
// service budget guard. Grounded on the teacher's
// internal/shared/resilience/ratelimiter.go ProviderRateLimits — a
// named-service registry of independent limiters — generalized from
// per-second token buckets to day-scoped unit counters, since each
// external provider here bills and resets on its own daily cadence
// rather than per request.
package quota

import (
	"fmt"
	"sync"
	"time"

	"github.com/cylvy/landscape-pipeline/internal/cache"
	"github.com/cylvy/landscape-pipeline/internal/logger"
	"github.com/cylvy/landscape-pipeline/internal/store"
)

// Limit configures one service's daily budget and reset anchor.
type Limit struct {
	DailyUnits int
	// ResetLocation is the timezone whose midnight marks the daily
	// reset boundary (e.g. video-metadata provider resets at US
	// Pacific midnight, company-data provider at UTC midnight).
	ResetLocation *time.Location
}

// Manager enforces daily unit budgets per named external service. Reads
// are served from cache.PipelineCache.Quota; every successful TryConsume
// is also written through to the State Store's counter for that day, so
// a restart doesn't lose the day's usage.
type Manager struct {
	mu     sync.Mutex
	limits map[string]Limit
	cache  cache.Cache
	store  *store.Store
	log    logger.Logger
}

// NewManager builds a Quota Manager with one Limit per named service.
func NewManager(limits map[string]Limit, c cache.Cache, s *store.Store) *Manager {
	return &Manager{
		limits: limits,
		cache:  c,
		store:  s,
		log:    logger.New("quota"),
	}
}

// dateKey returns the service's current day boundary as YYYY-MM-DD in
// its configured reset location.
func (m *Manager) dateKey(service string, now time.Time) string {
	loc := m.locationFor(service)
	return now.In(loc).Format("2006-01-02")
}

func (m *Manager) locationFor(service string) *time.Location {
	if l, ok := m.limits[service]; ok && l.ResetLocation != nil {
		return l.ResetLocation
	}
	return time.UTC
}

// limitFor returns the configured daily budget, or -1 (unbounded) for an
// unconfigured service.
func (m *Manager) limitFor(service string) int {
	if l, ok := m.limits[service]; ok {
		return l.DailyUnits
	}
	return -1
}

// usage returns units already consumed today for service, preferring
// the cache and falling back to the store on a miss.
func (m *Manager) usage(service string, now time.Time) (int, error) {
	date := m.dateKey(service, now)
	key := cache.QuotaKey(service, date)

	if v, ok := m.cache.Get(key); ok {
		if n, ok := v.(int); ok {
			return n, nil
		}
	}

	counter, err := m.store.GetQuotaCounter(service, date)
	if err != nil {
		return 0, fmt.Errorf("quota usage: %w", err)
	}
	m.cache.Set(key, counter.UnitsUsed, untilNextReset(now, m.locationFor(service)))
	return counter.UnitsUsed, nil
}

// TryConsume attempts to atomically reserve units against service's
// daily budget. It returns false without consuming anything if doing so
// would exceed the limit (spec §4.5: "a phase that cannot fit its
// estimated work inside the remaining budget does not partially
// consume it").
func (m *Manager) TryConsume(service string, units int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	limit := m.limitFor(service)
	used, err := m.usage(service, now)
	if err != nil {
		return false, err
	}
	if limit >= 0 && used+units > limit {
		return false, nil
	}

	date := m.dateKey(service, now)
	total, err := m.store.IncrementQuota(service, date, units)
	if err != nil {
		return false, fmt.Errorf("try consume: %w", err)
	}
	m.cache.Set(cache.QuotaKey(service, date), total, untilNextReset(now, m.locationFor(service)))
	return true, nil
}

// Services lists every service with a configured daily budget, for
// periodic metrics collection.
func (m *Manager) Services() []string {
	out := make([]string, 0, len(m.limits))
	for name := range m.limits {
		out = append(out, name)
	}
	return out
}

// Used returns units already consumed today for service.
func (m *Manager) Used(service string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.usage(service, time.Now())
}

// Remaining returns the unused portion of today's budget. A service
// with no configured limit reports -1 (unbounded).
func (m *Manager) Remaining(service string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	limit := m.limitFor(service)
	if limit < 0 {
		return -1, nil
	}
	used, err := m.usage(service, time.Now())
	if err != nil {
		return 0, err
	}
	remaining := limit - used
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

// EstimatedBatchSize returns how many unitCost-sized operations fit in
// the remaining daily budget, used by phase workers to size a fan-out
// before it starts rather than discovering quota exhaustion mid-phase.
func (m *Manager) EstimatedBatchSize(service string, unitCost int) (int, error) {
	if unitCost <= 0 {
		return 0, fmt.Errorf("estimated batch size: unit cost must be positive, got %d", unitCost)
	}
	remaining, err := m.Remaining(service)
	if err != nil {
		return 0, err
	}
	if remaining < 0 {
		return -1, nil
	}
	return remaining / unitCost, nil
}

// NextReset returns when service's daily budget next resets.
func (m *Manager) NextReset(service string) time.Time {
	return nextMidnight(time.Now(), m.locationFor(service))
}

func nextMidnight(now time.Time, loc *time.Location) time.Time {
	local := now.In(loc)
	year, month, day := local.Date()
	return time.Date(year, month, day+1, 0, 0, 0, 0, loc)
}

func untilNextReset(now time.Time, loc *time.Location) time.Duration {
	return nextMidnight(now, loc).Sub(now)
}
