package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cylvy/landscape-pipeline/internal/config"
	"github.com/cylvy/landscape-pipeline/internal/logger"
	"github.com/cylvy/landscape-pipeline/internal/orchestrator"
	"github.com/cylvy/landscape-pipeline/internal/phase"
	"github.com/cylvy/landscape-pipeline/internal/store"
)

func newTestScheduler(t *testing.T) (*Scheduler, *store.Store) {
	t.Helper()
	s, err := store.Open(store.DefaultConfig(":memory:"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	log := logger.New("scheduler-test")
	orch := orchestrator.New(phase.Deps{Store: s, Log: log}, 4)
	configBase := func() config.PipelineConfig { return config.PipelineConfig{} }

	return New(s, orch, configBase, log), s
}

func TestIsDueRespectsTimeOfDay(t *testing.T) {
	sch, _ := newTestScheduler(t)
	now := time.Date(2026, 7, 29, 10, 0, 0, 0, time.UTC)

	notYetDue := ScheduledProject{Project: "p1", RunAt: "11:00", Enabled: true}
	if sch.isDue(notYetDue, now, "2026-07-29") {
		t.Fatal("expected a project scheduled for 11:00 to not be due at 10:00")
	}

	alreadyDue := ScheduledProject{Project: "p1", RunAt: "09:00", Enabled: true}
	if !sch.isDue(alreadyDue, now, "2026-07-29") {
		t.Fatal("expected a project scheduled for 09:00 to be due at 10:00")
	}
}

func TestIsDueSkipsAlreadyAttemptedPeriod(t *testing.T) {
	sch, _ := newTestScheduler(t)
	now := time.Date(2026, 7, 29, 10, 0, 0, 0, time.UTC)
	p := ScheduledProject{Project: "p1", RunAt: "09:00", Enabled: true}

	require.True(t, sch.isDue(p, now, "2026-07-29"))

	sch.mu.Lock()
	sch.lastRunDate["p1"] = "2026-07-29"
	sch.mu.Unlock()

	require.False(t, sch.isDue(p, now, "2026-07-29"))
}

func TestUpsertAndRemove(t *testing.T) {
	sch, _ := newTestScheduler(t)
	sch.Upsert(ScheduledProject{Project: "acme", RunAt: "06:00", Enabled: true})

	sch.mu.RLock()
	_, ok := sch.projects["acme"]
	sch.mu.RUnlock()
	require.True(t, ok)

	sch.Remove("acme")

	sch.mu.RLock()
	_, ok = sch.projects["acme"]
	sch.mu.RUnlock()
	require.False(t, ok)
}

func TestStartIfNotLockedSkipsWhenLockAlreadyHeld(t *testing.T) {
	sch, s := newTestScheduler(t)
	require.NoError(t, s.AcquireCoordinatorLock("acme", "2026-07-29"))

	p := ScheduledProject{Project: "acme", RunAt: "00:00", Mode: store.ModeInitial, Enabled: true}
	sch.startIfNotLocked(context.Background(), p, "2026-07-29")

	runs, err := s.ListRunningPipelines()
	require.NoError(t, err)
	require.Empty(t, runs, "scheduler must not start a second run once the coordinator lock is held")
}

func TestStartIfNotLockedStartsRunAndAttachesLock(t *testing.T) {
	sch, s := newTestScheduler(t)
	p := ScheduledProject{Project: "acme", RunAt: "00:00", Mode: store.ModeInitial, Enabled: true}

	sch.startIfNotLocked(context.Background(), p, "2026-07-29")

	lock, err := s.GetCoordinatorLock("acme", "2026-07-29")
	require.NoError(t, err)
	require.NotNil(t, lock)
	require.NotEmpty(t, lock.PipelineRunID)

	// A second attempt at the same (project, period) must find the lock
	// already held and do nothing further.
	require.Error(t, s.AcquireCoordinatorLock("acme", "2026-07-29"))
}
