package phase

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/cylvy/landscape-pipeline/internal/cache"
	"github.com/cylvy/landscape-pipeline/internal/collaborators"
	"github.com/cylvy/landscape-pipeline/internal/config"
	"github.com/cylvy/landscape-pipeline/internal/retry"
	"github.com/cylvy/landscape-pipeline/internal/store"
)

// KeywordMetricsWorker is spec §4.6.1: for every (keyword, region) pair,
// reuse a cached metric fresher than 24h or fetch live, then persist one
// historical-metric row per snapshot date.
type KeywordMetricsWorker struct{ Deps Deps }

func NewKeywordMetricsWorker(d Deps) *KeywordMetricsWorker { return &KeywordMetricsWorker{Deps: d} }

func (w *KeywordMetricsWorker) Name() config.PhaseName { return config.PhaseKeywordMetrics }

type keywordMetricsResult struct {
	Pairs     int `json:"pairs"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	CacheHits int `json:"cache_hits"`
}

func (w *KeywordMetricsWorker) Run(ctx context.Context, run *store.PipelineRun, cfg config.PipelineConfig) Outcome {
	s := w.Deps.Store
	snapshotDate := time.Now().UTC().Format("2006-01-02")

	var items []store.WorkItem
	for _, kw := range cfg.Keywords {
		for _, region := range cfg.Regions {
			items = append(items, store.WorkItem{ItemKind: "keyword_region", ItemID: kw + "|" + region})
		}
	}
	if err := s.EnqueueWorkItems(run.ID, string(config.PhaseKeywordMetrics), items); err != nil {
		return Outcome{Status: StatusFailed, Err: err}
	}

	width := concurrencyFor(cfg, config.PhaseKeywordMetrics, 10)
	var cacheHits int64

	res, err := drainWorkItems(ctx, s, run.ID, config.PhaseKeywordMetrics, width, 3, func(ctx context.Context, item store.WorkItem) error {
		kw, region, ok := splitPair(item.ItemID)
		if !ok {
			return fmt.Errorf("malformed keyword/region item id %q", item.ItemID)
		}

		key := cache.KeywordMetricKey(kw, region)
		var metric cacheKeywordMetric
		if v, ok := w.Deps.Cache.KeywordMetrics.Get(key); ok {
			if m, ok := v.(cacheKeywordMetric); ok {
				metric = m
				cacheHits++
			}
		}
		if metric.fetchedAt.IsZero() {
			rc := retryConfigFor(cfg, "keyword-data")
			result := retry.Do(ctx, rc, "keyword-metrics.fetch", func(ctx context.Context) error {
				return w.Deps.Breakers.Call(ctx, "keyword-data", func(ctx context.Context) error {
					m, err := w.Deps.Collab.KeywordData.FetchMetric(ctx, kw, region)
					if err != nil {
						return err
					}
					metric = cacheKeywordMetric{value: m, fetchedAt: time.Now()}
					return nil
				})
			})
			if result.Err != nil {
				return result.Err
			}
			w.Deps.Cache.KeywordMetrics.Set(key, metric, 24*time.Hour)
		}

		hkm := store.HistoricalKeywordMetric{
			SnapshotDate: snapshotDate,
			KeywordID:    kw,
			Country:      region,
			Source:       "keyword-data-provider",
		}
		if !metric.value.NoData {
			hkm.AvgMonthlySearch = metric.value.AvgMonthlySearches
			hkm.Competition = metric.value.Competition
			hkm.BidLow = metric.value.BidLow
			hkm.BidHigh = metric.value.BidHigh
		} else {
			hkm.Competition = "no-data"
		}
		return s.AppendHistoricalKeywordMetric(hkm)
	})
	if err != nil {
		return Outcome{Status: StatusFailed, Err: err}
	}

	payload, _ := json.Marshal(keywordMetricsResult{
		Pairs: res.Total, Completed: res.Completed, Failed: res.Failed, CacheHits: int(cacheHits),
	})

	// Fatal if >= 50% fail after retries (spec §4.6.1).
	if res.Total > 0 && float64(res.Failed)/float64(res.Total) >= 0.5 {
		return Outcome{Status: StatusFailed, ResultJSON: string(payload), Err: fmt.Errorf("keyword_metrics: %d/%d pairs failed", res.Failed, res.Total)}
	}
	return Outcome{Status: StatusCompleted, ResultJSON: string(payload)}
}

// cacheKeywordMetric wraps the provider's metric with the time it was
// fetched, so a 24h-TTL cache entry can still be recognized as fresh.
type cacheKeywordMetric struct {
	value     collaborators.KeywordMetric
	fetchedAt time.Time
}

func splitPair(id string) (string, string, bool) {
	parts := strings.SplitN(id, "|", 2)
	if len(parts) != 2 {
		return "", "", false
	}
	return parts[0], parts[1], true
}
