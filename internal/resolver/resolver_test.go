package resolver

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cylvy/landscape-pipeline/internal/breaker"
	"github.com/cylvy/landscape-pipeline/internal/collaborators"
	"github.com/cylvy/landscape-pipeline/internal/logger"
	"github.com/cylvy/landscape-pipeline/internal/phase"
	"github.com/cylvy/landscape-pipeline/internal/store"
)

func newTestResolver(t *testing.T, llm collaborators.LLMProvider) (*Resolver, *store.Store) {
	t.Helper()
	s, err := store.Open(store.DefaultConfig(":memory:"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	deps := phase.Deps{
		Store:    s,
		Breakers: breaker.NewRegistry(nil, nil),
		Collab:   phase.Collaborators{LLM: llm},
		Log:      logger.New("resolver-test"),
	}
	return New(deps), s
}

func seedVideo(t *testing.T, s *store.Store, channelID, channelTitle string) {
	t.Helper()
	require.NoError(t, s.UpsertVideoSnapshot(store.VideoSnapshot{
		PipelineRunID: "run-1", VideoID: "v-" + channelID, ChannelID: channelID, ChannelTitle: channelTitle,
	}))
}

func TestResolveOneWritesResolvedDomain(t *testing.T) {
	llm := collaborators.NewFakeLLM()
	r, s := newTestResolver(t, llm)
	seedVideo(t, s, "chan-1", "Acme Corp")

	require.NoError(t, r.runPass(context.Background()))

	m, err := s.GetChannelCompanyMapping("chan-1")
	require.NoError(t, err)
	require.NotNil(t, m)
	require.Equal(t, "Acme Corp.com", m.Domain)
	require.Equal(t, "VENDOR", m.SourceType)
	require.Equal(t, 1, llm.Calls)
}

func TestResolveOneWritesNoDomainFoundWhenTitleEmpty(t *testing.T) {
	llm := collaborators.NewFakeLLM()
	r, s := newTestResolver(t, llm)
	seedVideo(t, s, "chan-2", "")

	require.NoError(t, r.runPass(context.Background()))

	m, err := s.GetChannelCompanyMapping("chan-2")
	require.NoError(t, err)
	require.NotNil(t, m)
	require.Equal(t, "NO_DOMAIN_FOUND", m.SourceType)
}

// failingLLM always errors, to exercise the PENDING -> EXTRACTION_ERROR
// attempt-budget escalation.
type failingLLM struct{}

func (failingLLM) Analyze(ctx context.Context, req collaborators.AnalysisRequest) (collaborators.AnalysisResult, error) {
	return collaborators.AnalysisResult{}, context.DeadlineExceeded
}

func (failingLLM) ResolveChannel(ctx context.Context, channelTitle, descriptionExcerpt string) (collaborators.ChannelExtraction, error) {
	return collaborators.ChannelExtraction{}, context.DeadlineExceeded
}

func TestResolveOneEscalatesToExtractionErrorAfterMaxAttempts(t *testing.T) {
	r, s := newTestResolver(t, failingLLM{})
	seedVideo(t, s, "chan-3", "Some Channel")

	for i := 0; i < maxAttempts; i++ {
		require.NoError(t, r.runPass(context.Background()))
	}

	m, err := s.GetChannelCompanyMapping("chan-3")
	require.NoError(t, err)
	require.NotNil(t, m)
	require.Equal(t, "EXTRACTION_ERROR", m.SourceType)
	require.Equal(t, maxAttempts, m.AttemptCount)
}
