package quota

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cylvy/landscape-pipeline/internal/cache"
	"github.com/cylvy/landscape-pipeline/internal/store"
)

func newTestManager(t *testing.T, limits map[string]Limit) *Manager {
	t.Helper()
	s, err := store.Open(store.DefaultConfig(":memory:"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return NewManager(limits, cache.NewTTLCache(25*time.Hour, 100), s)
}

func TestTryConsumeWithinBudget(t *testing.T) {
	m := newTestManager(t, map[string]Limit{"video-metadata": {DailyUnits: 100}})

	ok, err := m.TryConsume("video-metadata", 60)
	require.NoError(t, err)
	require.True(t, ok)

	remaining, err := m.Remaining("video-metadata")
	require.NoError(t, err)
	require.Equal(t, 40, remaining)
}

func TestTryConsumeRejectsWhenOverBudget(t *testing.T) {
	m := newTestManager(t, map[string]Limit{"video-metadata": {DailyUnits: 100}})

	ok, err := m.TryConsume("video-metadata", 60)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = m.TryConsume("video-metadata", 60)
	require.NoError(t, err)
	require.False(t, ok, "second reservation should not partially consume the remaining 40 units")

	remaining, err := m.Remaining("video-metadata")
	require.NoError(t, err)
	require.Equal(t, 40, remaining, "a rejected reservation must not consume any units")
}

func TestUnconfiguredServiceIsUnbounded(t *testing.T) {
	m := newTestManager(t, map[string]Limit{})

	ok, err := m.TryConsume("company-data", 1_000_000)
	require.NoError(t, err)
	require.True(t, ok)

	remaining, err := m.Remaining("company-data")
	require.NoError(t, err)
	require.Equal(t, -1, remaining)
}

func TestEstimatedBatchSize(t *testing.T) {
	m := newTestManager(t, map[string]Limit{"video-metadata": {DailyUnits: 100}})

	size, err := m.EstimatedBatchSize("video-metadata", 10)
	require.NoError(t, err)
	require.Equal(t, 10, size)

	_, err = m.TryConsume("video-metadata", 70)
	require.NoError(t, err)

	size, err = m.EstimatedBatchSize("video-metadata", 10)
	require.NoError(t, err)
	require.Equal(t, 3, size)
}

func TestNextResetIsNextMidnightInConfiguredLocation(t *testing.T) {
	loc, err := time.LoadLocation("UTC")
	require.NoError(t, err)
	m := newTestManager(t, map[string]Limit{"video-metadata": {DailyUnits: 100, ResetLocation: loc}})

	next := m.NextReset("video-metadata")
	require.True(t, next.After(time.Now()))
	require.Equal(t, 0, next.Hour())
	require.Equal(t, 0, next.Minute())
}
