package phase

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cylvy/landscape-pipeline/internal/config"
	"github.com/cylvy/landscape-pipeline/internal/domainnorm"
	"github.com/cylvy/landscape-pipeline/internal/retry"
	"github.com/cylvy/landscape-pipeline/internal/store"
)

// CompanyEnrichmentWorker is spec §4.6.3: for every distinct
// normalized root domain discovered in phase 2's SERP rows, upsert a
// company profile via the company-data collaborator, skipping domains
// whose profile is fresher than the configured TTL. Best-effort: never
// fatal at the pipeline level (unreachable domains get a marker row).
type CompanyEnrichmentWorker struct{ Deps Deps }

func NewCompanyEnrichmentWorker(d Deps) *CompanyEnrichmentWorker { return &CompanyEnrichmentWorker{Deps: d} }

func (w *CompanyEnrichmentWorker) Name() config.PhaseName { return config.PhaseCompanyEnrichmentSERP }

type companyEnrichmentResult struct {
	DistinctDomains int     `json:"distinct_domains"`
	Enriched        int     `json:"enriched"`
	Skipped         int     `json:"skipped_fresh"`
	Markered        int     `json:"markered_unreachable"`
	EnrichedRatio   float64 `json:"enriched_ratio"`
}

func (w *CompanyEnrichmentWorker) Run(ctx context.Context, run *store.PipelineRun, cfg config.PipelineConfig) Outcome {
	domains, err := distinctDomainsForRun(w.Deps.Store, run.ID, cfg.Keywords)
	if err != nil {
		return Outcome{Status: StatusFailed, Err: err}
	}
	return enrichDomains(ctx, w.Deps, cfg, run.ID, config.PhaseCompanyEnrichmentSERP, domains)
}

// enrichDomains is the common body shared by company_enrichment_serp
// and company_enrichment_youtube (spec §4.6.3 and the synthetic
// secondary step off the DAG): upsert a company profile per domain via
// the company-data collaborator, skipping domains whose profile is
// fresher than the configured TTL. Best-effort: unreachable domains get
// a marker row rather than failing the work item.
func enrichDomains(ctx context.Context, deps Deps, cfg config.PipelineConfig, runID string, phaseName config.PhaseName, domains []string) Outcome {
	s := deps.Store

	ttlHours := cfg.CompanyProfileTTLHours
	if ttlHours <= 0 {
		ttlHours = 24 * 30
	}
	stale, err := s.CompanyProfilesOlderThan(domains, time.Duration(ttlHours)*time.Hour)
	if err != nil {
		return Outcome{Status: StatusFailed, Err: err}
	}
	staleSet := make(map[string]bool, len(stale))
	for _, d := range stale {
		staleSet[d] = true
	}

	// A domain needs enrichment if it has no profile at all, or its
	// profile is in the stale set.
	var toEnrich []string
	skippedFresh := 0
	for _, d := range domains {
		existing, err := s.GetCompanyProfile(d)
		if err != nil {
			return Outcome{Status: StatusFailed, Err: err}
		}
		if existing == nil || staleSet[d] {
			toEnrich = append(toEnrich, d)
		} else {
			skippedFresh++
		}
	}

	items := make([]store.WorkItem, 0, len(toEnrich))
	for _, d := range toEnrich {
		items = append(items, store.WorkItem{ItemKind: "domain", ItemID: d})
	}
	if err := s.EnqueueWorkItems(runID, string(phaseName), items); err != nil {
		return Outcome{Status: StatusFailed, Err: err}
	}

	width := concurrencyFor(cfg, phaseName, 20)
	markered := 0

	_, err = drainWorkItems(ctx, s, runID, phaseName, width, 2, func(ctx context.Context, item store.WorkItem) error {
		domain := item.ItemID
		rc := retryConfigFor(cfg, "company-data")
		var info companyLookup
		result := retry.Do(ctx, rc, "company.lookup", func(ctx context.Context) error {
			if err := deps.waitRateLimit(ctx, "company-data"); err != nil {
				return err
			}
			return deps.Breakers.Call(ctx, "company-data", func(ctx context.Context) error {
				v, err := deps.Collab.CompanyData.Lookup(ctx, domain)
				if err != nil {
					return err
				}
				info = companyLookup{v.CompanyName, v.Industry, v.Size, v.Technologies, v.ParentDomain, v.SourceType, v.Found}
				return nil
			})
		})
		if result.Err != nil {
			// Domain unreachable: best-effort, write a marker row instead
			// of failing the work item outright (spec §4.6.3).
			_ = s.UpsertCompanyProfile(store.CompanyProfile{RootDomain: domain, SourceType: "UNREACHABLE"})
			markered++
			return nil
		}
		techJSON, _ := json.Marshal(info.technologies)
		return s.UpsertCompanyProfile(store.CompanyProfile{
			RootDomain: domain, CompanyName: info.name, Industry: info.industry, Size: info.size,
			Technologies: string(techJSON), ParentDomain: info.parent, SourceType: info.sourceType,
		})
	})
	if err != nil {
		return Outcome{Status: StatusFailed, Err: err}
	}

	total := len(domains)
	enriched := total - skippedFresh - markered
	enrichedRatio := 1.0
	if total > 0 {
		enrichedRatio = float64(total-markered) / float64(total)
	}
	payload, _ := json.Marshal(companyEnrichmentResult{
		DistinctDomains: total, Enriched: enriched, Skipped: skippedFresh, Markered: markered, EnrichedRatio: enrichedRatio,
	})

	// Completion: best-effort, never fatal (spec §4.6.3).
	return Outcome{Status: StatusCompleted, ResultJSON: string(payload)}
}

type companyLookup struct {
	name, industry, size string
	technologies         []string
	parent, sourceType   string
	found                bool
}

// distinctDomainsForRun collects every normalized root domain across
// this run's SERP rows for the configured keyword set.
func distinctDomainsForRun(s *store.Store, runID string, keywords []string) ([]string, error) {
	seen := make(map[string]bool)
	var out []string
	for _, kw := range keywords {
		rows, err := s.ListSERPResultsByKeyword(runID, kw)
		if err != nil {
			return nil, fmt.Errorf("distinct domains: %w", err)
		}
		for _, r := range rows {
			d := r.NormalizedDomain
			if d == "" {
				continue
			}
			d = domainnorm.Normalize(d)
			if !seen[d] {
				seen[d] = true
				out = append(out, d)
			}
		}
	}
	return out, nil
}
