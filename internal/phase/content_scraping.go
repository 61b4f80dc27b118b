package phase

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cylvy/landscape-pipeline/internal/concurrency"
	"github.com/cylvy/landscape-pipeline/internal/config"
	"github.com/cylvy/landscape-pipeline/internal/retry"
	"github.com/cylvy/landscape-pipeline/internal/store"
)

// ContentScrapingWorker is spec §4.6.5: scrape every organic/news URL
// from phase 2 not already completed in a prior run, bounded
// concurrency, flexible completion.
type ContentScrapingWorker struct{ Deps Deps }

func NewContentScrapingWorker(d Deps) *ContentScrapingWorker { return &ContentScrapingWorker{Deps: d} }

func (w *ContentScrapingWorker) Name() config.PhaseName { return config.PhaseContentScraping }

type contentScrapingResult struct {
	Total     int     `json:"total"`
	Completed int     `json:"completed"`
	Failed    int     `json:"failed"`
	Ratio     float64 `json:"attempted_ratio"`
}

func (w *ContentScrapingWorker) Run(ctx context.Context, run *store.PipelineRun, cfg config.PipelineConfig) Outcome {
	s := w.Deps.Store

	urls, err := organicAndNewsURLsForRun(s, run.ID, cfg.Keywords)
	if err != nil {
		return Outcome{Status: StatusFailed, Err: err}
	}

	var toScrape []string
	for _, u := range urls {
		done, err := s.URLAlreadyScraped(u)
		if err != nil {
			return Outcome{Status: StatusFailed, Err: err}
		}
		if !done {
			toScrape = append(toScrape, u)
		}
	}

	items := make([]store.WorkItem, 0, len(toScrape))
	for _, u := range toScrape {
		items = append(items, store.WorkItem{ItemKind: "url", ItemID: u})
	}
	if err := s.EnqueueWorkItems(run.ID, string(config.PhaseContentScraping), items); err != nil {
		return Outcome{Status: StatusFailed, Err: err}
	}

	phaseStatus, err := s.GetPhaseStatus(run.ID, string(config.PhaseContentScraping))
	if err != nil {
		return Outcome{Status: StatusFailed, Err: err}
	}
	startedAt := time.Now()
	if phaseStatus != nil && phaseStatus.StartedAt != nil {
		startedAt = *phaseStatus.StartedAt
	}

	width := concurrencyFor(cfg, config.PhaseContentScraping, 50)

	for {
		if ctx.Err() != nil {
			return Outcome{Status: StatusFailed, Err: ctx.Err()}
		}

		counts, err := s.WorkItemCounts(run.ID, string(config.PhaseContentScraping))
		if err != nil {
			return Outcome{Status: StatusFailed, Err: err}
		}
		total := counts[store.ItemQueued] + counts[store.ItemProcessing] + counts[store.ItemCompleted] + counts[store.ItemFailed]
		lastActivity, err := s.LastWorkItemActivity(run.ID, string(config.PhaseContentScraping))
		if err != nil {
			return Outcome{Status: StatusFailed, Err: err}
		}
		if flexibleCompletionMet(flexibleCompletionInput{
			Total: total, Completed: counts[store.ItemCompleted], Failed: counts[store.ItemFailed],
			StartedAt: startedAt, LastActivity: lastActivity,
		}) {
			payload, _ := json.Marshal(contentScrapingResult{
				Total: total, Completed: counts[store.ItemCompleted], Failed: counts[store.ItemFailed],
				Ratio: ratio(counts[store.ItemCompleted]+counts[store.ItemFailed], total),
			})
			return Outcome{Status: StatusCompleted, ResultJSON: string(payload)}
		}

		items, err := s.DequeueWorkItems(run.ID, string(config.PhaseContentScraping), width)
		if err != nil {
			return Outcome{Status: StatusFailed, Err: err}
		}
		if len(items) == 0 {
			// Nothing left to claim but completion predicate not yet met
			// (e.g. ratio stuck below 90% with no queued items left): stop
			// here rather than spin.
			payload, _ := json.Marshal(contentScrapingResult{
				Total: total, Completed: counts[store.ItemCompleted], Failed: counts[store.ItemFailed],
				Ratio: ratio(counts[store.ItemCompleted]+counts[store.ItemFailed], total),
			})
			return Outcome{Status: StatusCompleted, ResultJSON: string(payload)}
		}

		concurrency.BoundedEach(ctx, width, items, func(ctx context.Context, item store.WorkItem) {
			w.scrapeOne(ctx, cfg, run.ID, item)
		})
	}
}

func (w *ContentScrapingWorker) scrapeOne(ctx context.Context, cfg config.PipelineConfig, runID string, item store.WorkItem) {
	s := w.Deps.Store
	url := item.ItemID

	rc := retryConfigFor(cfg, "scraper")
	var result store.ScrapedContent
	res := retry.Do(ctx, rc, "scrape", func(ctx context.Context) error {
		return w.Deps.Breakers.Call(ctx, "scraper-provider", func(ctx context.Context) error {
			r, err := w.Deps.Collab.Scraper.Scrape(ctx, url)
			if err != nil {
				return err
			}
			metaJSON, _ := json.Marshal(map[string]int{"page_count": r.PageCount, "table_count": r.TableCount})
			result = store.ScrapedContent{
				PipelineRunID: runID, URL: url, Status: r.Status, FinalURL: r.FinalURL,
				ContentType: r.ContentType, Title: r.Title, Body: r.Body, WordCount: r.WordCount,
				Engine: r.Engine, Metadata: string(metaJSON),
			}
			return nil
		})
	})

	if res.Err != nil {
		result = store.ScrapedContent{PipelineRunID: runID, URL: url, Status: "failed", Metadata: "{}"}
		_ = s.UpsertScrapedContent(result)
		_ = s.FailWorkItem(runID, string(config.PhaseContentScraping), item.ItemKind, item.ItemID, res.Err.Error(), 3)
		return
	}
	if err := s.UpsertScrapedContent(result); err != nil {
		_ = s.FailWorkItem(runID, string(config.PhaseContentScraping), item.ItemKind, item.ItemID, err.Error(), 3)
		return
	}
	_ = s.CompleteWorkItem(runID, string(config.PhaseContentScraping), item.ItemKind, item.ItemID)
}

// organicAndNewsURLsForRun collects every organic/news SERP URL for the
// configured keyword set, deduplicated.
func organicAndNewsURLsForRun(s *store.Store, runID string, keywords []string) ([]string, error) {
	seen := make(map[string]bool)
	var out []string
	for _, kw := range keywords {
		rows, err := s.ListSERPResultsByKeyword(runID, kw)
		if err != nil {
			return nil, fmt.Errorf("organic/news urls: %w", err)
		}
		for _, r := range rows {
			if r.SERPType != "organic" && r.SERPType != "news" {
				continue
			}
			if seen[r.URL] {
				continue
			}
			seen[r.URL] = true
			out = append(out, r.URL)
		}
	}
	return out, nil
}
