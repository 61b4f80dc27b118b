// Package resolver implements the Background Channel→Company Resolver
// (spec §4.10): a supervised loop, independent of any pipeline run's
// lifecycle, that fills in missing channel→company-domain mappings for
// YouTube-style channels discovered by video enrichment. Grounded on
// original_source/backend/app/services/enrichment/channel_company_resolver.py
// for the scan-then-batch-resolve shape and the NO_DOMAIN_FOUND /
// EXTRACTION_ERROR terminal-state semantics, adapted onto
// internal/supervisor's named-task loop instead of a bespoke asyncio task.
package resolver

import (
	"context"
	"time"

	"github.com/cylvy/landscape-pipeline/internal/breaker"
	"github.com/cylvy/landscape-pipeline/internal/collaborators"
	"github.com/cylvy/landscape-pipeline/internal/logger"
	"github.com/cylvy/landscape-pipeline/internal/phase"
	"github.com/cylvy/landscape-pipeline/internal/ratelimit"
	"github.com/cylvy/landscape-pipeline/internal/retry"
	"github.com/cylvy/landscape-pipeline/internal/store"
	"github.com/cylvy/landscape-pipeline/internal/supervisor"
)

// TaskName is the supervisor task name this package registers under.
const TaskName = "channel_company_resolver"

// maxAttempts bounds retries before a channel is marked EXTRACTION_ERROR
// (spec §4.10: "failures retry up to a bounded attempt count").
const maxAttempts = 3

// batchSize is the per-pass scan limit (spec §4.10: "batches up to 20 per pass").
const batchSize = 20

// Resolver owns the background resolution loop's dependencies.
type Resolver struct {
	Store    *store.Store
	LLM      collaborators.LLMProvider
	Breakers *breaker.Registry
	Limiter  *ratelimit.Registry
	Log      logger.Logger
}

// New builds a Resolver wired against the same collaborator, breaker
// registry, and rate limiter the phase workers use.
func New(deps phase.Deps) *Resolver {
	return &Resolver{Store: deps.Store, LLM: deps.Collab.LLM, Breakers: deps.Breakers, Limiter: deps.Limiter, Log: deps.Log}
}

func (r *Resolver) waitRateLimit(ctx context.Context, service string) error {
	if r.Limiter == nil {
		return nil
	}
	return r.Limiter.Wait(ctx, service)
}

// Register starts the resolver as a supervised task ticking every
// interval (spec §4.10: "every N seconds scans for video-channel ids").
func Register(ctx context.Context, sup *supervisor.Supervisor, r *Resolver, interval time.Duration) error {
	if interval <= 0 {
		interval = 20 * time.Second
	}
	return sup.Start(ctx, supervisor.Task{
		Name:     TaskName,
		Interval: interval,
		Tick:     r.runPass,
	})
}

func (r *Resolver) runPass(ctx context.Context) error {
	pending, err := r.Store.ChannelsNeedingResolution(batchSize)
	if err != nil {
		return err
	}
	for _, c := range pending {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		r.resolveOne(ctx, c)
	}
	return nil
}

// resolveOne calls the LLM collaborator for a single channel and always
// writes a mapping row: a resolved domain, NO_DOMAIN_FOUND when the
// collaborator found nothing plausible, PENDING (retryable) while under
// maxAttempts, or EXTRACTION_ERROR once the attempt budget is spent.
func (r *Resolver) resolveOne(ctx context.Context, c store.PendingChannel) {
	rc := retry.Config{MaxAttempts: 1, BaseDelay: 200 * time.Millisecond, MaxDelay: time.Second, Jitter: 0.2}

	var result collaborators.ChannelExtraction
	res := retry.Do(ctx, rc, "resolver.resolve-channel", func(ctx context.Context) error {
		if err := r.waitRateLimit(ctx, "llm-provider"); err != nil {
			return err
		}
		return r.Breakers.Call(ctx, "llm-provider", func(ctx context.Context) error {
			v, err := r.LLM.ResolveChannel(ctx, c.ChannelTitle, c.ChannelDescription)
			if err != nil {
				return err
			}
			result = v
			return nil
		})
	})

	attempt := c.AttemptCount + 1

	if res.Err != nil {
		sourceType := store.SourceTypePending
		if attempt >= maxAttempts {
			sourceType = "EXTRACTION_ERROR"
		}
		_ = r.Store.UpsertChannelCompanyMapping(store.ChannelCompanyMapping{
			ChannelID: c.ChannelID, SourceType: sourceType, AttemptCount: attempt,
		})
		if r.Log != nil {
			r.Log.Warn("channel resolution failed", logger.String("channel_id", c.ChannelID), logger.Err(res.Err))
		}
		return
	}

	sourceType := result.SourceType
	if result.Domain == "" {
		sourceType = "NO_DOMAIN_FOUND"
	}
	_ = r.Store.UpsertChannelCompanyMapping(store.ChannelCompanyMapping{
		ChannelID: c.ChannelID, Domain: result.Domain, SourceType: sourceType, AttemptCount: attempt,
	})
}
