package phase

import (
	"context"

	"github.com/cylvy/landscape-pipeline/internal/config"
	"github.com/cylvy/landscape-pipeline/internal/store"
)

// CompanyEnrichmentYoutubeWorker is the DAG's synthetic secondary
// enrichment step: company profiles for domains discovered via resolved
// video-channel mappings rather than SERP rows (spec §4.8's DAG lists it
// depending on {video_enrichment, company_enrichment_serp} and feeding
// dsi_calculation alongside content_analysis). It shares company_enrichment's
// lookup/upsert/marker logic verbatim, only the domain source differs.
type CompanyEnrichmentYoutubeWorker struct{ Deps Deps }

func NewCompanyEnrichmentYoutubeWorker(d Deps) *CompanyEnrichmentYoutubeWorker {
	return &CompanyEnrichmentYoutubeWorker{Deps: d}
}

func (w *CompanyEnrichmentYoutubeWorker) Name() config.PhaseName { return config.PhaseCompanyEnrichmentYT }

func (w *CompanyEnrichmentYoutubeWorker) Run(ctx context.Context, run *store.PipelineRun, cfg config.PipelineConfig) Outcome {
	domains, err := w.Deps.Store.ResolvedChannelDomains()
	if err != nil {
		return Outcome{Status: StatusFailed, Err: err}
	}
	return enrichDomains(ctx, w.Deps, cfg, run.ID, config.PhaseCompanyEnrichmentYT, domains)
}
