package phase

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cylvy/landscape-pipeline/internal/breaker"
	"github.com/cylvy/landscape-pipeline/internal/cache"
	"github.com/cylvy/landscape-pipeline/internal/config"
	"github.com/cylvy/landscape-pipeline/internal/pipelineerr"
	"github.com/cylvy/landscape-pipeline/internal/quota"
	"github.com/cylvy/landscape-pipeline/internal/store"
)

func newDSIDeps(t *testing.T, s *store.Store) Deps {
	t.Helper()
	return Deps{
		Store:    s,
		Cache:    cache.NewPipelineCache(),
		Breakers: breaker.NewRegistry(nil, nil),
		Quota:    quota.NewManager(nil, cache.NewPipelineCache().Quota, s),
	}
}

// TestDSICalculationRanksOrganicCompaniesByShare exercises spec §4.6.7's
// organic formula (sqrt of keyword coverage * traffic share * content
// relevance) end to end, including dense ranking and market-position
// labeling once the terminal phase has run.
func TestDSICalculationRanksOrganicCompaniesByShare(t *testing.T) {
	s, err := store.Open(store.DefaultConfig(":memory:"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	run := newTestRun(t, s, config.PhaseDSICalculation)
	require.NoError(t, s.StartPhase(run.ID, string(config.PhaseDSICalculation)))

	require.NoError(t, s.InsertSERPResults([]store.SERPResult{
		{PipelineRunID: run.ID, KeywordID: "core banking", SERPType: "organic", Position: 1,
			URL: "https://leader.example/a", NormalizedDomain: "leader.example"},
		{PipelineRunID: run.ID, KeywordID: "digital wallet", SERPType: "organic", Position: 1,
			URL: "https://leader.example/b", NormalizedDomain: "leader.example"},
		{PipelineRunID: run.ID, KeywordID: "core banking", SERPType: "organic", Position: 8,
			URL: "https://niche.example/a", NormalizedDomain: "niche.example"},
	}))

	require.NoError(t, s.UpsertContentAnalysis(store.ContentAnalysis{
		PipelineRunID: run.ID, URL: "https://leader.example/a", PersonaScores: `{"it-buyer":0.9}`,
	}))
	require.NoError(t, s.UpsertContentAnalysis(store.ContentAnalysis{
		PipelineRunID: run.ID, URL: "https://leader.example/b", PersonaScores: `{"it-buyer":0.9}`,
	}))
	require.NoError(t, s.UpsertContentAnalysis(store.ContentAnalysis{
		PipelineRunID: run.ID, URL: "https://niche.example/a", PersonaScores: `{"it-buyer":0.1}`,
	}))

	cfg := config.Defaults()
	cfg.Keywords = []string{"core banking", "digital wallet"}
	cfg.ContentTypes = []string{"organic"}

	w := NewDSIWorker(newDSIDeps(t, s))
	out := w.Run(context.Background(), run, cfg)
	require.Equal(t, StatusCompleted, out.Status)

	scores, err := s.ListDSICompanyScores(run.ID, "organic")
	require.NoError(t, err)
	require.Len(t, scores, 2)

	// leader.example covers both keywords at position 1 with strong
	// relevance, so it must outrank niche.example and land rank 1.
	require.Equal(t, "leader.example", scores[0].CompanyDomain)
	require.Equal(t, 1, scores[0].Rank)
	require.Equal(t, 1.0, scores[0].KeywordCoverage)
	require.Greater(t, scores[0].DSI, scores[1].DSI)

	require.Equal(t, "niche.example", scores[1].CompanyDomain)
	require.Equal(t, 2, scores[1].Rank)
	require.Equal(t, 0.5, scores[1].KeywordCoverage)
}

// TestDSICalculationDenseRanksTies verifies equal DSI scores share a
// rank and the next distinct score picks up immediately after (dense
// ranking, spec §4.6.7), using news content so every tie-break input
// (keyword coverage, avg position) is identical by construction.
func TestDSICalculationDenseRanksTies(t *testing.T) {
	s, err := store.Open(store.DefaultConfig(":memory:"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	run := newTestRun(t, s, config.PhaseDSICalculation)
	require.NoError(t, s.StartPhase(run.ID, string(config.PhaseDSICalculation)))

	require.NoError(t, s.InsertSERPResults([]store.SERPResult{
		{PipelineRunID: run.ID, KeywordID: "core banking", SERPType: "news", Position: 3,
			URL: "https://a.example/1", NormalizedDomain: "a.example"},
		{PipelineRunID: run.ID, KeywordID: "core banking", SERPType: "news", Position: 3,
			URL: "https://b.example/1", NormalizedDomain: "b.example"},
		{PipelineRunID: run.ID, KeywordID: "core banking", SERPType: "news", Position: 1,
			URL: "https://c.example/1", NormalizedDomain: "c.example"},
	}))

	cfg := config.Defaults()
	cfg.Keywords = []string{"core banking"}
	cfg.ContentTypes = []string{"news"}

	w := NewDSIWorker(newDSIDeps(t, s))
	out := w.Run(context.Background(), run, cfg)
	require.Equal(t, StatusCompleted, out.Status)

	scores, err := s.ListDSICompanyScores(run.ID, "news")
	require.NoError(t, err)
	require.Len(t, scores, 3)

	// a.example and b.example are identical in every input (same single
	// keyword, same position, no analysis) so they must share a rank;
	// c.example's stronger position score gives it a strictly higher DSI
	// and thus the sole rank 1 seat, pushing the tied pair to rank 2.
	require.Equal(t, "c.example", scores[0].CompanyDomain)
	require.Equal(t, 1, scores[0].Rank)
	require.Equal(t, 2, scores[1].Rank)
	require.Equal(t, 2, scores[2].Rank)
	require.ElementsMatch(t, []string{"a.example", "b.example"}, []string{scores[1].CompanyDomain, scores[2].CompanyDomain})
}

// TestDSICalculationFailsFastOnEmptyConfig is spec §4.6.7's invariant
// that scoring against an empty keyword or content-type set is a
// misconfiguration, not a vacuous zero-result.
func TestDSICalculationFailsFastOnEmptyConfig(t *testing.T) {
	s, err := store.Open(store.DefaultConfig(":memory:"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	run := newTestRun(t, s, config.PhaseDSICalculation)
	require.NoError(t, s.StartPhase(run.ID, string(config.PhaseDSICalculation)))

	cfg := config.Defaults()
	cfg.ContentTypes = []string{"organic"}

	w := NewDSIWorker(newDSIDeps(t, s))
	out := w.Run(context.Background(), run, cfg)
	require.Equal(t, StatusFailed, out.Status)
	require.ErrorIs(t, out.Err, pipelineerr.ErrInvariantViolation)
}

func TestMarketPositionLabelThresholds(t *testing.T) {
	require.Equal(t, "leader", marketPositionLabel(50))
	require.Equal(t, "challenger", marketPositionLabel(25))
	require.Equal(t, "competitor", marketPositionLabel(10))
	require.Equal(t, "niche", marketPositionLabel(9.9))
}
