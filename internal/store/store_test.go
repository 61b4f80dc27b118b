package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(DefaultConfig(":memory:"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPipelineRunLifecycle(t *testing.T) {
	s := newTestStore(t)

	run := PipelineRun{ID: "run-1", Project: "acme", PeriodDate: "2026-07-01", CreatedAt: time.Now().UTC(), Mode: ModeInitial, ConfigSnapshot: "{}"}
	require.NoError(t, s.CreatePipelineRun(run))

	got, err := s.GetPipelineRun("run-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, RunPending, got.Status)

	require.NoError(t, s.StartPipelineRun("run-1"))
	// Starting an already-running run must fail (optimistic precondition).
	require.Error(t, s.StartPipelineRun("run-1"))

	require.NoError(t, s.CompletePipelineRun("run-1"))
	got, err = s.GetPipelineRun("run-1")
	require.NoError(t, err)
	require.Equal(t, RunCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)

	// Terminal states are immutable.
	require.Error(t, s.CancelPipelineRun("run-1"))
}

func TestPhaseStatusOptimisticPrecondition(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.CreatePipelineRun(PipelineRun{ID: "run-1", Project: "acme", PeriodDate: "2026-07-01", CreatedAt: time.Now().UTC(), ConfigSnapshot: "{}"}))
	require.NoError(t, s.EnsurePhasePending("run-1", "serp_collection"))

	// completed→ only valid from running, per spec example precondition.
	require.Error(t, s.CompletePhase("run-1", "serp_collection", "{}"))

	require.NoError(t, s.StartPhase("run-1", "serp_collection"))
	require.NoError(t, s.CompletePhase("run-1", "serp_collection", `{"rows":10}`))

	ps, err := s.GetPhaseStatus("run-1", "serp_collection")
	require.NoError(t, err)
	require.Equal(t, PhaseCompleted, ps.Status)
	require.Equal(t, 1, ps.AttemptCount)

	// Already-completed phase cannot be started again.
	require.Error(t, s.StartPhase("run-1", "serp_collection"))
}

func TestCoordinatorLockExactlyOnce(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.AcquireCoordinatorLock("acme", "2026-07-01"))
	err := s.AcquireCoordinatorLock("acme", "2026-07-01")
	require.ErrorIs(t, err, ErrLockHeld)

	// A distinct period is a distinct lock.
	require.NoError(t, s.AcquireCoordinatorLock("acme", "2026-07-02"))
}

func TestWorkItemDequeueIsAtomicAndNonOverlapping(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.EnqueueWorkItems("run-1", "content_scraping", []WorkItem{
		{ItemKind: "url", ItemID: "https://a.example/"},
		{ItemKind: "url", ItemID: "https://b.example/"},
		{ItemKind: "url", ItemID: "https://c.example/"},
	}))

	first, err := s.DequeueWorkItems("run-1", "content_scraping", 2)
	require.NoError(t, err)
	require.Len(t, first, 2)

	second, err := s.DequeueWorkItems("run-1", "content_scraping", 2)
	require.NoError(t, err)
	require.Len(t, second, 1, "only the remaining queued item should be claimed")

	require.NoError(t, s.CompleteWorkItem("run-1", "content_scraping", "url", first[0].ItemID))
	counts, err := s.WorkItemCounts("run-1", "content_scraping")
	require.NoError(t, err)
	require.Equal(t, 1, counts[ItemCompleted])
	require.Equal(t, 2, counts[ItemProcessing])
}

func TestWorkItemRetryThenExhaustion(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.EnqueueWorkItems("run-1", "video_enrichment", []WorkItem{{ItemKind: "channel", ItemID: "c1"}}))

	claimed, err := s.DequeueWorkItems("run-1", "video_enrichment", 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	require.NoError(t, s.FailWorkItem("run-1", "video_enrichment", "channel", "c1", "timeout", 3))
	counts, err := s.WorkItemCounts("run-1", "video_enrichment")
	require.NoError(t, err)
	require.Equal(t, 1, counts[ItemQueued], "first failure should requeue, not fail outright")

	claimed, err = s.DequeueWorkItems("run-1", "video_enrichment", 1)
	require.NoError(t, err)
	require.NoError(t, s.FailWorkItem("run-1", "video_enrichment", "channel", "c1", "timeout", 2))
	counts, err = s.WorkItemCounts("run-1", "video_enrichment")
	require.NoError(t, err)
	require.Equal(t, 1, counts[ItemFailed], "attempts exhausted at maxAttempts=2 should mark failed")
}

func TestQuotaCounterIncrementsAcrossCalls(t *testing.T) {
	s := newTestStore(t)
	total, err := s.IncrementQuota("video-metadata", "2026-07-29", 100)
	require.NoError(t, err)
	require.Equal(t, 100, total)

	total, err = s.IncrementQuota("video-metadata", "2026-07-29", 50)
	require.NoError(t, err)
	require.Equal(t, 150, total)

	counter, err := s.GetQuotaCounter("video-metadata", "2026-07-29")
	require.NoError(t, err)
	require.Equal(t, 150, counter.UnitsUsed)
}

func TestEventLogIsAppendOnlyAndOrdered(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.AppendEvent("run-1", "phase_started", "serp_collection started", ""))
	require.NoError(t, s.AppendEvent("run-1", "phase_completed", "serp_collection completed", ""))

	events, err := s.ListEvents("run-1", 0, 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, "phase_started", events[0].Kind)
	require.Equal(t, "phase_completed", events[1].Kind)

	more, err := s.ListEvents("run-1", events[0].ID, 10)
	require.NoError(t, err)
	require.Len(t, more, 1)
}

func TestCompanyProfileUpsert(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.UpsertCompanyProfile(CompanyProfile{RootDomain: "example.com", CompanyName: "Example Inc", Technologies: "[]"}))

	got, err := s.GetCompanyProfile("example.com")
	require.NoError(t, err)
	require.Equal(t, "Example Inc", got.CompanyName)

	require.NoError(t, s.UpsertCompanyProfile(CompanyProfile{RootDomain: "example.com", CompanyName: "Example Incorporated", Technologies: "[]"}))
	got, err = s.GetCompanyProfile("example.com")
	require.NoError(t, err)
	require.Equal(t, "Example Incorporated", got.CompanyName)
}
