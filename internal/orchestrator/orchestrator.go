// Package orchestrator drives one Pipeline Run across the eight-phase
// dependency DAG described in spec §4.8. It owns no business logic of
// its own — each phase.Worker knows how to do its job — the
// orchestrator only decides, for a run, which phases are runnable,
// starts/stops them, and reacts to their Outcome. Grounded on the
// teacher's internal/jobs queue scheduling loop (ticker-driven poll,
// per-job cancel tracking) generalized from one flat queue into a DAG
// of named phases.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/cylvy/landscape-pipeline/internal/config"
	"github.com/cylvy/landscape-pipeline/internal/logger"
	"github.com/cylvy/landscape-pipeline/internal/obsmetrics"
	"github.com/cylvy/landscape-pipeline/internal/phase"
	"github.com/cylvy/landscape-pipeline/internal/store"
)

// tracer names every span the orchestrator starts around phase
// execution (spec's tracing ambient stack: otel SDK with the global
// provider configured process-wide).
var tracer = otel.Tracer("landscape-pipeline/orchestrator")

// pollInterval is how often driveRun re-evaluates DAG gating for a run.
const pollInterval = 500 * time.Millisecond

// nonCritical is the set of phases whose failure auto-skips rather
// than fails the pipeline (spec §4.8: video_enrichment only).
var nonCritical = map[config.PhaseName]bool{
	config.PhaseVideoEnrichment: true,
}

// predecessors is the phase dependency DAG exactly as drawn in spec
// §4.8: a phase may start once every predecessor listed here has
// reached completed or skipped.
var predecessors = map[config.PhaseName][]config.PhaseName{
	config.PhaseKeywordMetrics:        nil,
	config.PhaseSERPCollection:        {config.PhaseKeywordMetrics},
	config.PhaseCompanyEnrichmentSERP: {config.PhaseSERPCollection},
	config.PhaseVideoEnrichment:       {config.PhaseSERPCollection},
	config.PhaseContentScraping:       {config.PhaseSERPCollection},
	config.PhaseContentAnalysis:       {config.PhaseCompanyEnrichmentSERP},
	config.PhaseCompanyEnrichmentYT:   {config.PhaseVideoEnrichment, config.PhaseCompanyEnrichmentSERP},
	config.PhaseDSICalculation:        {config.PhaseContentAnalysis, config.PhaseCompanyEnrichmentYT},
}

// Orchestrator drives pipeline runs against a fixed set of phase
// workers. One Orchestrator is shared process-wide; it tracks the
// goroutine driving each active run so Cancel can tear it down.
type Orchestrator struct {
	store   *store.Store
	workers map[config.PhaseName]phase.Worker
	log     logger.Logger
	metrics *obsmetrics.Metrics // nil-safe: no-op when not configured

	fanOut chan struct{} // global cap on concurrently-running phases across all runs

	mu     sync.Mutex
	active map[string]context.CancelFunc // runID -> cancel for its driveRun goroutine
}

// WithMetrics attaches a prometheus collector set; phase durations are
// observed against it from then on. Safe to call once before any run starts.
func (o *Orchestrator) WithMetrics(m *obsmetrics.Metrics) *Orchestrator {
	o.metrics = m
	return o
}

// New builds an Orchestrator with one worker per phase, wired against
// a shared Deps bundle (spec §9 explicit collaborators). maxConcurrentPhases
// bounds how many phases, across every active run, execute at once.
func New(d phase.Deps, maxConcurrentPhases int) *Orchestrator {
	if maxConcurrentPhases <= 0 {
		maxConcurrentPhases = 8
	}
	return &Orchestrator{
		store: d.Store,
		log:   d.Log,
		workers: map[config.PhaseName]phase.Worker{
			config.PhaseKeywordMetrics:        phase.NewKeywordMetricsWorker(d),
			config.PhaseSERPCollection:        phase.NewSERPCollectionWorker(d),
			config.PhaseCompanyEnrichmentSERP: phase.NewCompanyEnrichmentWorker(d),
			config.PhaseVideoEnrichment:       phase.NewVideoEnrichmentWorker(d),
			config.PhaseContentScraping:       phase.NewContentScrapingWorker(d),
			config.PhaseContentAnalysis:       phase.NewContentAnalysisWorker(d),
			config.PhaseCompanyEnrichmentYT:   phase.NewCompanyEnrichmentYoutubeWorker(d),
			config.PhaseDSICalculation:        phase.NewDSIWorker(d),
		},
		fanOut: make(chan struct{}, maxConcurrentPhases),
		active: make(map[string]context.CancelFunc),
	}
}

// Start creates a new pending Pipeline Run for (project, periodDate)
// with the given effective config and begins driving it in the
// background. It returns immediately with the run id (spec §4.1).
func (o *Orchestrator) Start(ctx context.Context, project, periodDate string, mode store.RunMode, cfg config.PipelineConfig) (string, error) {
	snapshot, err := json.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("orchestrator: marshal config snapshot: %w", err)
	}

	run := store.PipelineRun{
		ID:             uuid.NewString(),
		Project:        project,
		PeriodDate:     periodDate,
		CreatedAt:      time.Now().UTC(),
		Mode:           mode,
		ConfigSnapshot: string(snapshot),
	}
	if err := o.store.CreatePipelineRun(run); err != nil {
		return "", err
	}
	for _, ph := range config.AllPhases {
		if !cfg.EnabledPhases[ph] {
			if err := o.store.EnsurePhasePending(run.ID, string(ph)); err != nil {
				return "", err
			}
			if err := o.store.SkipPhase(run.ID, string(ph)); err != nil {
				return "", err
			}
			continue
		}
		if err := o.store.EnsurePhasePending(run.ID, string(ph)); err != nil {
			return "", err
		}
	}
	if err := o.store.StartPipelineRun(run.ID); err != nil {
		return "", err
	}
	_ = o.store.AppendEvent(run.ID, "run_started", fmt.Sprintf("pipeline run started for %s/%s", project, periodDate), "")

	o.launch(run.ID, cfg)
	return run.ID, nil
}

// Resume re-opens the run's first non-terminal phase and any phase
// blocked behind it, transitions the run back to running, and resumes
// driving it (spec §4.8: "a resume verb re-runs the first non-terminal
// phase").
func (o *Orchestrator) Resume(ctx context.Context, runID string, cfg config.PipelineConfig) error {
	statuses, err := o.store.ListPhaseStatuses(runID)
	if err != nil {
		return err
	}
	for _, ps := range statuses {
		if ps.Status == store.PhaseFailed || ps.Status == store.PhaseBlocked {
			if err := o.store.ResetPhaseToPending(runID, ps.Phase); err != nil {
				return err
			}
		}
	}
	if err := o.store.ResumePipelineRun(runID); err != nil {
		return err
	}
	_ = o.store.AppendEvent(runID, "run_resumed", "pipeline run resumed", "")

	o.launch(runID, cfg)
	return nil
}

// Cancel stops the goroutine driving runID, if any, and marks the run
// cancelled.
func (o *Orchestrator) Cancel(runID string) error {
	o.mu.Lock()
	cancel, ok := o.active[runID]
	if ok {
		delete(o.active, runID)
	}
	o.mu.Unlock()
	if ok {
		cancel()
	}
	if err := o.store.CancelPipelineRun(runID); err != nil {
		return err
	}
	_ = o.store.AppendEvent(runID, "run_cancelled", "pipeline run cancelled by operator", "")
	return nil
}

// ForceComplete marks a single phase completed outright if its
// flexible-completion predicate is already satisfied, or unconditionally
// when force is true — the maintenance verb operators use to unstick a
// run whose long tail of work items will never fully drain (spec §4.8).
func (o *Orchestrator) ForceComplete(runID string, ph config.PhaseName, force bool) error {
	phaseStr := string(ph)
	if !force {
		counts, err := o.store.WorkItemCounts(runID, phaseStr)
		if err != nil {
			return err
		}
		total := counts[store.ItemQueued] + counts[store.ItemProcessing] + counts[store.ItemCompleted] + counts[store.ItemFailed]
		ps, err := o.store.GetPhaseStatus(runID, phaseStr)
		if err != nil {
			return err
		}
		var started time.Time
		if ps != nil && ps.StartedAt != nil {
			started = *ps.StartedAt
		}
		last, err := o.store.LastWorkItemActivity(runID, phaseStr)
		if err != nil {
			return err
		}
		if !phase.FlexibleCompletionMet(total, counts[store.ItemCompleted], counts[store.ItemFailed], started, last) {
			return fmt.Errorf("orchestrator: %s/%s does not yet satisfy the completion predicate", runID, phaseStr)
		}
	}
	if err := o.store.CompletePhase(runID, phaseStr, "{}"); err != nil {
		return err
	}
	_ = o.store.AppendEvent(runID, "phase_force_completed", fmt.Sprintf("phase %s force-completed by operator", phaseStr), "")
	return nil
}

// ForceRestart cancels runID if still active and starts a fresh run
// for the same project/period-date/mode. cfg is the configuration the
// new run should use, resolved by the caller the same way Resume's
// caller does (config-base merged with the old run's snapshot, or an
// operator-supplied override). The maintenance verb operators use when
// a run is wedged badly enough that resuming it in place won't help
// (spec §6 supplemented maintenance commands).
func (o *Orchestrator) ForceRestart(ctx context.Context, runID string, cfg config.PipelineConfig) (string, error) {
	run, err := o.store.GetPipelineRun(runID)
	if err != nil {
		return "", err
	}
	if run == nil {
		return "", fmt.Errorf("orchestrator: no such pipeline run %s", runID)
	}
	if err := o.Cancel(runID); err != nil {
		return "", err
	}
	cfg.Project = run.Project
	return o.Start(ctx, run.Project, run.PeriodDate, run.Mode, cfg)
}

// RecoverOnStartup reverts stale running phases and work items left
// behind by an unclean shutdown, then resumes driving every run still
// marked running (spec §5).
func (o *Orchestrator) RecoverOnStartup(ctx context.Context, grace time.Duration, cfg config.PipelineConfig) error {
	if _, err := o.store.RecoverStalePhases(grace); err != nil {
		return err
	}
	if _, err := o.store.RecoverStaleWorkItems(grace); err != nil {
		return err
	}
	runs, err := o.store.ListRunningPipelines()
	if err != nil {
		return err
	}
	for _, r := range runs {
		runCfg := cfg
		if r.ConfigSnapshot != "" {
			var snap config.PipelineConfig
			if json.Unmarshal([]byte(r.ConfigSnapshot), &snap) == nil {
				runCfg = snap
			}
		}
		o.launch(r.ID, runCfg)
	}
	return nil
}

// launch starts driveRun in the background for runID, tracking its
// cancel func so Cancel can stop it. A run already being driven is
// left alone.
func (o *Orchestrator) launch(runID string, cfg config.PipelineConfig) {
	o.mu.Lock()
	if _, exists := o.active[runID]; exists {
		o.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	o.active[runID] = cancel
	o.mu.Unlock()

	go o.driveRun(ctx, runID, cfg)
}

// driveRun polls DAG gating for runID until every phase is terminal
// (completed/failed/skipped/blocked) or the run is cancelled, starting
// each newly-runnable phase as its own goroutine bounded by o.fanOut.
func (o *Orchestrator) driveRun(ctx context.Context, runID string, cfg config.PipelineConfig) {
	defer func() {
		o.mu.Lock()
		delete(o.active, runID)
		o.mu.Unlock()
	}()

	inFlight := make(map[config.PhaseName]bool)
	var inFlightMu sync.Mutex
	var wg sync.WaitGroup

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return
		case <-ticker.C:
		}

		statuses, err := o.store.ListPhaseStatuses(runID)
		if err != nil {
			o.log.Error("orchestrator: list phase statuses", logger.String("run_id", runID), logger.Err(err))
			continue
		}
		byPhase := make(map[config.PhaseName]store.PhaseStatus, len(statuses))
		for _, ps := range statuses {
			byPhase[config.PhaseName(ps.Phase)] = ps
		}

		if allTerminal(byPhase) {
			wg.Wait()
			o.finalizeRun(runID, byPhase)
			return
		}

		o.blockDownstream(runID, byPhase)

		for _, ph := range config.AllPhases {
			ps, ok := byPhase[ph]
			if !ok || ps.Status != store.PhasePending {
				continue
			}
			inFlightMu.Lock()
			if inFlight[ph] {
				inFlightMu.Unlock()
				continue
			}
			inFlightMu.Unlock()
			if !predecessorsSatisfied(ph, byPhase) {
				continue
			}
			worker, ok := o.workers[ph]
			if !ok {
				continue
			}

			inFlightMu.Lock()
			inFlight[ph] = true
			inFlightMu.Unlock()
			wg.Add(1)
			go func(ph config.PhaseName, worker phase.Worker) {
				defer wg.Done()
				defer func() {
					inFlightMu.Lock()
					delete(inFlight, ph)
					inFlightMu.Unlock()
				}()
				o.runPhase(ctx, runID, ph, worker, cfg)
			}(ph, worker)
		}
	}
}

// runPhase starts the phase, runs the worker under a per-phase timeout
// derived from cfg, and applies the resulting store transition.
func (o *Orchestrator) runPhase(ctx context.Context, runID string, ph config.PhaseName, worker phase.Worker, cfg config.PipelineConfig) {
	select {
	case o.fanOut <- struct{}{}:
		defer func() { <-o.fanOut }()
	case <-ctx.Done():
		return
	}

	spanCtx, span := tracer.Start(ctx, "phase.run", trace.WithAttributes(
		attribute.String("run_id", runID),
		attribute.String("phase", string(ph)),
	))
	defer span.End()

	if err := o.store.StartPhase(runID, string(ph)); err != nil {
		// Another goroutine (e.g. a concurrent resume) already moved
		// this phase; nothing to do.
		return
	}
	_ = o.store.AppendEvent(runID, "phase_started", string(ph), "")
	started := time.Now()

	timeout := time.Duration(cfg.TimeoutMinutes[ph]) * time.Minute
	if timeout <= 0 {
		timeout = 60 * time.Minute
	}
	phaseCtx, cancel := context.WithTimeout(spanCtx, timeout)
	defer cancel()

	run, err := o.store.GetPipelineRun(runID)
	if err != nil || run == nil {
		_ = o.store.FailPhase(runID, string(ph), "orchestrator: could not reload pipeline run")
		span.SetStatus(codes.Error, "could not reload pipeline run")
		return
	}

	outcome := worker.Run(phaseCtx, run, cfg)
	if outcome.Err != nil {
		span.RecordError(outcome.Err)
	}
	if outcome.Status == phase.StatusFailed {
		span.SetStatus(codes.Error, string(outcome.Status))
	} else {
		span.SetStatus(codes.Ok, string(outcome.Status))
	}
	if o.metrics != nil {
		o.metrics.ObservePhaseDuration(string(ph), string(outcome.Status), time.Since(started).Seconds())
	}
	o.applyOutcome(runID, ph, outcome)
}

// applyOutcome maps a worker's Outcome onto the matching store
// transition (spec §4.6, §4.8).
func (o *Orchestrator) applyOutcome(runID string, ph config.PhaseName, outcome phase.Outcome) {
	switch outcome.Status {
	case phase.StatusCompleted:
		if err := o.store.CompletePhase(runID, string(ph), outcome.ResultJSON); err != nil {
			o.log.Error("orchestrator: complete phase", logger.String("phase", string(ph)), logger.Err(err))
			return
		}
		_ = o.store.AppendEvent(runID, "phase_completed", string(ph), outcome.ResultJSON)

	case phase.StatusYielded:
		if err := o.store.YieldPhase(runID, string(ph), outcome.ResultJSON); err != nil {
			o.log.Error("orchestrator: yield phase", logger.String("phase", string(ph)), logger.Err(err))
			return
		}
		msg := string(ph)
		if outcome.NextResetAt != nil {
			msg = fmt.Sprintf("%s yielded, quota resets at %s", ph, outcome.NextResetAt.Format(time.RFC3339))
		}
		_ = o.store.AppendEvent(runID, "phase_yielded", msg, outcome.ResultJSON)

	default: // StatusFailed or anything else
		reason := "unknown error"
		if outcome.Err != nil {
			reason = outcome.Err.Error()
		}
		if nonCritical[ph] {
			if err := o.store.SkipRunningPhase(runID, string(ph), reason); err != nil {
				o.log.Error("orchestrator: skip running phase", logger.String("phase", string(ph)), logger.Err(err))
				return
			}
			_ = o.store.AppendEvent(runID, "phase_skipped", fmt.Sprintf("%s auto-skipped after failure: %s", ph, reason), "")
			return
		}
		if err := o.store.FailPhase(runID, string(ph), reason); err != nil {
			o.log.Error("orchestrator: fail phase", logger.String("phase", string(ph)), logger.Err(err))
			return
		}
		_ = o.store.AppendEvent(runID, "phase_failed", fmt.Sprintf("%s failed: %s", ph, reason), "")
	}
}

// blockDownstream marks every pending phase blocked once any of its
// predecessors has failed, since it can now never become runnable
// (spec §4.8).
func (o *Orchestrator) blockDownstream(runID string, byPhase map[config.PhaseName]store.PhaseStatus) {
	for _, ph := range config.AllPhases {
		ps, ok := byPhase[ph]
		if !ok || ps.Status != store.PhasePending {
			continue
		}
		for _, pred := range predecessors[ph] {
			predStatus, ok := byPhase[pred]
			if ok && (predStatus.Status == store.PhaseFailed || predStatus.Status == store.PhaseBlocked) {
				if err := o.store.BlockPhase(runID, string(ph)); err == nil {
					byPhase[ph] = store.PhaseStatus{Phase: string(ph), Status: store.PhaseBlocked}
					_ = o.store.AppendEvent(runID, "phase_blocked", string(ph), "")
				}
				break
			}
		}
	}
}

// predecessorsSatisfied reports whether every predecessor of ph has
// reached completed or skipped.
func predecessorsSatisfied(ph config.PhaseName, byPhase map[config.PhaseName]store.PhaseStatus) bool {
	for _, pred := range predecessors[ph] {
		ps, ok := byPhase[pred]
		if !ok || (ps.Status != store.PhaseCompleted && ps.Status != store.PhaseSkipped) {
			return false
		}
	}
	return true
}

// allTerminal reports whether every known phase has reached a status
// the DAG never revisits.
func allTerminal(byPhase map[config.PhaseName]store.PhaseStatus) bool {
	for _, ph := range config.AllPhases {
		ps, ok := byPhase[ph]
		if !ok {
			return false
		}
		switch ps.Status {
		case store.PhaseCompleted, store.PhaseSkipped, store.PhaseFailed, store.PhaseBlocked:
		default:
			return false
		}
	}
	return true
}

// finalizeRun marks the pipeline run completed if every phase reached
// completed/skipped, or failed if any phase is failed/blocked.
func (o *Orchestrator) finalizeRun(runID string, byPhase map[config.PhaseName]store.PhaseStatus) {
	allGood := true
	for _, ph := range config.AllPhases {
		ps := byPhase[ph]
		if ps.Status != store.PhaseCompleted && ps.Status != store.PhaseSkipped {
			allGood = false
			break
		}
	}
	if allGood {
		if err := o.store.CompletePipelineRun(runID); err != nil {
			o.log.Error("orchestrator: complete pipeline run", logger.String("run_id", runID), logger.Err(err))
			return
		}
		_ = o.store.AppendEvent(runID, "run_completed", "pipeline run completed", "")
		return
	}
	if err := o.store.FailPipelineRun(runID, "one or more critical phases failed or were blocked"); err != nil {
		o.log.Error("orchestrator: fail pipeline run", logger.String("run_id", runID), logger.Err(err))
		return
	}
	_ = o.store.AppendEvent(runID, "run_failed", "pipeline run failed: one or more critical phases did not complete", "")
}
