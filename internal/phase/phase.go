// Package phase implements the seven fixed Phase Workers plus the
// synthetic company_enrichment_youtube step (spec §4.6), one file per
// kind, grounded on the teacher's internal/jobs/queue.go (per-item
// attempt tracking, restart-safe reload) and internal/pool/pool.go
// (bounded concurrency) idioms, generalized here via
// internal/concurrency.BoundedEach.
package phase

import (
	"context"
	"time"

	"github.com/cylvy/landscape-pipeline/internal/breaker"
	"github.com/cylvy/landscape-pipeline/internal/cache"
	"github.com/cylvy/landscape-pipeline/internal/collaborators"
	"github.com/cylvy/landscape-pipeline/internal/concurrency"
	"github.com/cylvy/landscape-pipeline/internal/config"
	"github.com/cylvy/landscape-pipeline/internal/logger"
	"github.com/cylvy/landscape-pipeline/internal/quota"
	"github.com/cylvy/landscape-pipeline/internal/ratelimit"
	"github.com/cylvy/landscape-pipeline/internal/retry"
	"github.com/cylvy/landscape-pipeline/internal/store"
)

// Collaborators bundles every external capability a phase worker might
// need; a given worker only uses the subset relevant to it (spec §1:
// the collaborators themselves are out of scope, only the contract is).
type Collaborators struct {
	KeywordData collaborators.KeywordDataProvider
	Search      collaborators.SearchProvider
	Scraper     collaborators.ScraperProvider
	CompanyData collaborators.CompanyDataProvider
	VideoData   collaborators.VideoDataProvider
	LLM         collaborators.LLMProvider
}

// Deps is the explicit configuration record assembled at process start
// and handed to every worker (spec §9: "global singletons → explicit
// collaborators").
type Deps struct {
	Store    *store.Store
	Cache    *cache.PipelineCache
	Breakers *breaker.Registry
	Quota    *quota.Manager
	Limiter  *ratelimit.Registry // optional: nil means unlimited for every service
	Collab   Collaborators
	Log      logger.Logger
}

// waitRateLimit blocks on d.Limiter for service if one is configured;
// a nil Limiter (e.g. in tests) is a no-op.
func (d Deps) waitRateLimit(ctx context.Context, service string) error {
	if d.Limiter == nil {
		return nil
	}
	return d.Limiter.Wait(ctx, service)
}

// Status is the terminal outcome a phase worker reports back to the
// orchestrator; it maps directly onto store.PhaseStatusValue.
type Status string

const (
	StatusCompleted Status = Status(store.PhaseCompleted)
	StatusFailed    Status = Status(store.PhaseFailed)
	StatusYielded   Status = "yielded" // non-terminal: quota exhausted, watchdog will resume
)

// Outcome is what Run returns.
type Outcome struct {
	Status     Status
	ResultJSON string // typed per-phase payload, marshaled by the caller
	Err        error
	NextResetAt *time.Time // set when Status == StatusYielded
}

// Worker is the common shape every phase kind implements.
type Worker interface {
	Name() config.PhaseName
	// Run executes the phase's unit of work against run, returning once
	// the phase's completion predicate is satisfied (spec §4.6) or the
	// context is cancelled. Run must be safe to call again after a
	// failure (idempotent re-entry), since the orchestrator resumes a
	// failed/yielded phase by calling Run again.
	Run(ctx context.Context, run *store.PipelineRun, cfg config.PipelineConfig) Outcome
}

// retryConfigFor builds a retry.Config from the per-service override in
// cfg, falling back to retry.DefaultConfig().
func retryConfigFor(cfg config.PipelineConfig, service string) retry.Config {
	rc, ok := cfg.Retries[service]
	if !ok {
		rc, ok = cfg.Retries["default"]
	}
	if !ok {
		return retry.DefaultConfig()
	}
	return retry.Config{MaxAttempts: rc.MaxAttempts, BaseDelay: rc.BaseDelay, MaxDelay: rc.MaxDelay, Jitter: 0.3}
}

func concurrencyFor(cfg config.PipelineConfig, ph config.PhaseName, def int) int {
	if n, ok := cfg.Concurrency[ph]; ok && n > 0 {
		return n
	}
	return def
}

func batchSizeFor(cfg config.PipelineConfig, ph config.PhaseName, def int) int {
	if n, ok := cfg.BatchSize[ph]; ok && n > 0 {
		return n
	}
	return def
}

// flexibleCompletionInput is what a "done enough" phase (content
// scraping, content analysis) checks against its three-way completion
// predicate (spec §4.6.5 / §4.6.6).
type flexibleCompletionInput struct {
	Total, Completed, Failed int
	StartedAt, LastActivity  time.Time
}

// flexibleCompletionMet evaluates the shared predicate: 100% attempted;
// or >=95% attempted with a 5 minute quiet period; or >=90% attempted
// past a 2 hour runtime.
func flexibleCompletionMet(in flexibleCompletionInput) bool {
	if in.Total == 0 {
		return true
	}
	attempted := in.Completed + in.Failed
	ratio := float64(attempted) / float64(in.Total)
	idle := time.Since(in.LastActivity)
	runtime := time.Since(in.StartedAt)
	return ratio >= 1.0 ||
		(ratio >= 0.95 && !in.LastActivity.IsZero() && idle >= 5*time.Minute) ||
		(ratio >= 0.90 && runtime > 2*time.Hour)
}

// FlexibleCompletionMet exports the shared completion predicate for the
// orchestrator's force-complete operational verb (spec §4.8): an
// operator may mark a phase complete once the same thresholds content
// scraping/analysis use internally are satisfied, even with items still
// queued.
func FlexibleCompletionMet(total, completed, failed int, startedAt, lastActivity time.Time) bool {
	return flexibleCompletionMet(flexibleCompletionInput{
		Total: total, Completed: completed, Failed: failed,
		StartedAt: startedAt, LastActivity: lastActivity,
	})
}

// fanOutResult summarizes one drain-the-queue pass over a phase's work items.
type fanOutResult struct {
	Completed int
	Failed    int
	Total     int
}

// drainWorkItems repeatedly claims up to concurrency queued items for
// (runID, phaseName) and runs process on each with bounded parallelism,
// until the queue is empty or ctx is cancelled. maxAttempts bounds
// per-item retries before an item is marked permanently failed (spec
// §3 Work Item invariant: queued+processing+completed+failed ==
// initial enqueue count).
func drainWorkItems(ctx context.Context, s *store.Store, runID string, phaseName config.PhaseName, width, maxAttempts int, process func(ctx context.Context, item store.WorkItem) error) (fanOutResult, error) {
	phaseStr := string(phaseName)
	var res fanOutResult

	for {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		items, err := s.DequeueWorkItems(runID, phaseStr, width)
		if err != nil {
			return res, err
		}
		if len(items) == 0 {
			break
		}

		concurrency.BoundedEach(ctx, width, items, func(ctx context.Context, item store.WorkItem) {
			err := process(ctx, item)
			if err != nil {
				_ = s.FailWorkItem(runID, phaseStr, item.ItemKind, item.ItemID, err.Error(), maxAttempts)
				return
			}
			_ = s.CompleteWorkItem(runID, phaseStr, item.ItemKind, item.ItemID)
		})
	}

	counts, err := s.WorkItemCounts(runID, phaseStr)
	if err != nil {
		return res, err
	}
	res.Completed = counts[store.ItemCompleted]
	res.Failed = counts[store.ItemFailed]
	res.Total = counts[store.ItemQueued] + counts[store.ItemProcessing] + counts[store.ItemCompleted] + counts[store.ItemFailed]
	return res, nil
}
