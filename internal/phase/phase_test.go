package phase

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cylvy/landscape-pipeline/internal/breaker"
	"github.com/cylvy/landscape-pipeline/internal/cache"
	"github.com/cylvy/landscape-pipeline/internal/collaborators"
	"github.com/cylvy/landscape-pipeline/internal/config"
	"github.com/cylvy/landscape-pipeline/internal/logger"
	"github.com/cylvy/landscape-pipeline/internal/pipelineerr"
	"github.com/cylvy/landscape-pipeline/internal/quota"
	"github.com/cylvy/landscape-pipeline/internal/store"
)

func newTestRun(t *testing.T, s *store.Store, phases ...config.PhaseName) *store.PipelineRun {
	t.Helper()
	run := store.PipelineRun{
		ID: "run-phase-1", Project: "acme", PeriodDate: "2026-07-29",
		CreatedAt: time.Now().UTC(), Mode: store.ModeInitial, ConfigSnapshot: "{}",
	}
	require.NoError(t, s.CreatePipelineRun(run))
	for _, ph := range phases {
		require.NoError(t, s.EnsurePhasePending(run.ID, string(ph)))
	}
	require.NoError(t, s.StartPipelineRun(run.ID))
	return &run
}

// TestVideoEnrichmentYieldsOnQuotaExhaustion is spec §8 scenario 4: once
// the video-metadata daily budget is spent, the worker must yield
// (not fail) and leave its work items requeueable rather than lost.
func TestVideoEnrichmentYieldsOnQuotaExhaustion(t *testing.T) {
	s, err := store.Open(store.DefaultConfig(":memory:"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	run := newTestRun(t, s, config.PhaseVideoEnrichment)
	require.NoError(t, s.StartPhase(run.ID, string(config.PhaseVideoEnrichment)))

	require.NoError(t, s.InsertSERPResults([]store.SERPResult{
		{PipelineRunID: run.ID, KeywordID: "core banking", SERPType: "video", Position: 1,
			URL: "https://www.youtube.com/watch?v=aaaaaaaaaaa", NormalizedDomain: "youtube.com"},
		{PipelineRunID: run.ID, KeywordID: "core banking", SERPType: "video", Position: 2,
			URL: "https://www.youtube.com/watch?v=bbbbbbbbbbb", NormalizedDomain: "youtube.com"},
	}))

	quotaMgr := quota.NewManager(map[string]quota.Limit{"video-metadata": {DailyUnits: 0}}, cache.NewPipelineCache().Quota, s)
	deps := Deps{
		Store:    s,
		Cache:    cache.NewPipelineCache(),
		Breakers: breaker.NewRegistry(nil, nil),
		Quota:    quotaMgr,
		Collab:   Collaborators{VideoData: collaborators.NewFakeVideoData()},
		Log:      logger.New("test"),
	}

	cfg := config.Defaults()
	cfg.Keywords = []string{"core banking"}

	w := NewVideoEnrichmentWorker(deps)
	out := w.Run(context.Background(), run, cfg)

	require.Equal(t, StatusYielded, out.Status)
	require.ErrorIs(t, out.Err, pipelineerr.ErrQuotaExhausted)
	require.NotNil(t, out.NextResetAt)

	counts, err := s.WorkItemCounts(run.ID, string(config.PhaseVideoEnrichment))
	require.NoError(t, err)
	require.Equal(t, 0, counts[store.ItemCompleted], "no item should have been enriched once quota is exhausted")
	require.Equal(t, 2, counts[store.ItemQueued], "items must be requeued, not dropped, when quota is exhausted")

	// Once budget frees up, a resumed Run must pick the queued items back up.
	quotaMgr2 := quota.NewManager(map[string]quota.Limit{"video-metadata": {DailyUnits: 100}}, cache.NewPipelineCache().Quota, s)
	deps.Quota = quotaMgr2
	w2 := NewVideoEnrichmentWorker(deps)
	out2 := w2.Run(context.Background(), run, cfg)
	require.Equal(t, StatusCompleted, out2.Status)

	countsAfter, err := s.WorkItemCounts(run.ID, string(config.PhaseVideoEnrichment))
	require.NoError(t, err)
	require.Equal(t, 2, countsAfter[store.ItemCompleted])
}

// TestCompanyEnrichmentOpensBreakerAndMarkersUnreachableDomains is spec
// §8 scenario 5: a company-data provider that fails past the breaker's
// failure threshold must trip the breaker open, and every domain that
// could not be looked up gets an UNREACHABLE marker row rather than
// failing the phase (best-effort per spec §4.6.3).
func TestCompanyEnrichmentOpensBreakerAndMarkersUnreachableDomains(t *testing.T) {
	s, err := store.Open(store.DefaultConfig(":memory:"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	run := newTestRun(t, s, config.PhaseCompanyEnrichmentSERP)
	require.NoError(t, s.StartPhase(run.ID, string(config.PhaseCompanyEnrichmentSERP)))

	domains := []string{"acme1.example", "acme2.example", "acme3.example", "acme4.example", "acme5.example", "acme6.example"}
	var rows []store.SERPResult
	for i, d := range domains {
		rows = append(rows, store.SERPResult{
			PipelineRunID: run.ID, KeywordID: "core banking", SERPType: "organic", Position: i + 1,
			URL: "https://www." + d + "/", NormalizedDomain: d,
		})
	}
	require.NoError(t, s.InsertSERPResults(rows))

	company := collaborators.NewFakeCompanyData()
	for _, d := range domains {
		company.Unreachable[d] = true
	}

	breakers := breaker.NewRegistry(map[string]breaker.Config{
		"company-data": {FailureThreshold: 3, Window: time.Minute, InitialCooldown: time.Minute, MaxCooldown: time.Minute},
	}, nil)

	deps := Deps{
		Store:    s,
		Cache:    cache.NewPipelineCache(),
		Breakers: breakers,
		Quota:    quota.NewManager(nil, cache.NewPipelineCache().Quota, s),
		Collab:   Collaborators{CompanyData: company},
		Log:      logger.New("test"),
	}

	cfg := config.Defaults()
	cfg.Keywords = []string{"core banking"}
	cfg.Retries = map[string]config.RetryConfig{"company-data": {MaxAttempts: 1}}
	cfg.Concurrency = map[config.PhaseName]int{config.PhaseCompanyEnrichmentSERP: 1}

	w := NewCompanyEnrichmentWorker(deps)
	out := w.Run(context.Background(), run, cfg)

	// Best-effort: the phase completes even though every lookup failed.
	require.Equal(t, StatusCompleted, out.Status)
	require.Equal(t, breaker.Open, breakers.Get("company-data").State())

	for _, d := range domains {
		profile, err := s.GetCompanyProfile(d)
		require.NoError(t, err)
		require.NotNil(t, profile)
		require.Equal(t, "UNREACHABLE", profile.SourceType)
	}
}
