// Package watchdog implements spec §4.9: a continuously-running
// supervisor that watches every running pipeline, applies phase
// timeout handling, nudges recovered circuit breakers out of their
// open state, runs the flexible-completion checks, and raises runtime
// alerts. It is a named task registered with internal/supervisor
// rather than its own ad-hoc goroutine (spec §9's "every long-running
// loop is a supervised task").
package watchdog

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cylvy/landscape-pipeline/internal/breaker"
	"github.com/cylvy/landscape-pipeline/internal/config"
	"github.com/cylvy/landscape-pipeline/internal/logger"
	"github.com/cylvy/landscape-pipeline/internal/obsmetrics"
	"github.com/cylvy/landscape-pipeline/internal/phase"
	"github.com/cylvy/landscape-pipeline/internal/pipelineerr"
	"github.com/cylvy/landscape-pipeline/internal/quota"
	"github.com/cylvy/landscape-pipeline/internal/store"
	"github.com/cylvy/landscape-pipeline/internal/supervisor"
)

// TaskName is the supervisor task name this package registers under.
const TaskName = "watchdog"

// maxPhaseRestarts bounds how many times the watchdog will restart a
// timed-out phase before escalating to the operator (spec §4.9: the
// timeout handler chooses among restart-phase, complete-with-progress,
// or escalate).
const maxPhaseRestarts = 3

var flexiblePhases = map[config.PhaseName]bool{
	config.PhaseContentAnalysis:  true,
	config.PhaseVideoEnrichment:  true,
}

// Watchdog owns the supervision loop's dependencies.
type Watchdog struct {
	Store    *store.Store
	Breakers *breaker.Registry
	Log      logger.Logger
	Alert    Alerter
	Quota    *quota.Manager      // optional: nil skips quota gauge refresh
	Metrics  *obsmetrics.Metrics // optional: nil skips metrics emission

	mu      sync.Mutex
	alerted map[string]AlertLevel // runID -> highest level already raised
}

// New builds a Watchdog. alert may be nil, in which case alerts are
// only logged. Quota and Metrics are left nil and may be set directly
// on the returned value before Register; both are optional.
func New(s *store.Store, breakers *breaker.Registry, log logger.Logger, alert Alerter) *Watchdog {
	if alert == nil {
		alert = LogAlerter{Log: log}
	}
	return &Watchdog{Store: s, Breakers: breakers, Log: log, Alert: alert, alerted: make(map[string]AlertLevel)}
}

// Register starts the watchdog as a supervised task ticking every interval.
func Register(ctx context.Context, sup *supervisor.Supervisor, w *Watchdog, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	return sup.Start(ctx, supervisor.Task{Name: TaskName, Interval: interval, Tick: w.tick})
}

func (w *Watchdog) tick(ctx context.Context) error {
	w.probeBreakers()
	w.reportQuota()

	runs, err := w.Store.ListRunningPipelines()
	if err != nil {
		return fmt.Errorf("watchdog: %w: %w", pipelineerr.ErrStoreUnavailable, err)
	}

	for _, run := range runs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		w.checkRuntimeAlerts(run)
		if err := w.checkPhaseTimeouts(run); err != nil {
			w.Log.Error("watchdog: phase timeout check failed", logger.String("run_id", run.ID), logger.Err(err))
		}
		w.reportQueueDepth(run.ID)
	}
	return nil
}

// reportQuota refreshes the quota usage/remaining gauges for every
// configured service, so /metrics reflects today's consumption even
// between TryConsume calls.
func (w *Watchdog) reportQuota() {
	if w.Quota == nil || w.Metrics == nil {
		return
	}
	for _, service := range w.Quota.Services() {
		used, err := w.Quota.Used(service)
		if err != nil {
			continue
		}
		remaining, err := w.Quota.Remaining(service)
		if err != nil {
			continue
		}
		w.Metrics.SetQuota(service, float64(used), float64(remaining))
	}
}

// reportQueueDepth refreshes per-phase work item counts for run.
func (w *Watchdog) reportQueueDepth(runID string) {
	if w.Metrics == nil {
		return
	}
	for _, ph := range config.AllPhases {
		counts, err := w.Store.WorkItemCounts(runID, string(ph))
		if err != nil {
			continue
		}
		w.Metrics.SetQueueDepth(runID, string(ph), "queued", float64(counts[store.ItemQueued]))
		w.Metrics.SetQueueDepth(runID, string(ph), "processing", float64(counts[store.ItemProcessing]))
	}
}

// probeBreakers calls Allow() on every known breaker, which lazily
// transitions open→half-open once its cooldown has elapsed — the
// "resets circuit breakers for services that have recovered" duty
// from spec §4.9.
func (w *Watchdog) probeBreakers() {
	for service, state := range w.Breakers.Snapshot() {
		if state == breaker.Open {
			w.Breakers.Get(service).Allow()
		}
	}
}

// checkRuntimeAlerts raises (at most once per level, per run) the
// warning/critical/stuck alerts from spec §4.9.
func (w *Watchdog) checkRuntimeAlerts(run store.PipelineRun) {
	if run.StartedAt == nil {
		return
	}
	runtime := time.Since(*run.StartedAt)

	var level AlertLevel
	switch {
	case runtime > 24*time.Hour:
		level = AlertStuck
	case runtime > 12*time.Hour:
		level = AlertCritical
	case runtime > 6*time.Hour:
		level = AlertWarning
	default:
		return
	}

	w.mu.Lock()
	already := w.alerted[run.ID]
	if already == level {
		w.mu.Unlock()
		return
	}
	w.alerted[run.ID] = level
	w.mu.Unlock()

	w.Alert.Alert(level, run.ID, run.Project, runtime, "pipeline run exceeded the "+string(level)+" runtime threshold")
}

// checkPhaseTimeouts applies spec §4.9's per-phase timeout handler to
// every phase of run currently running past its configured timeout.
func (w *Watchdog) checkPhaseTimeouts(run store.PipelineRun) error {
	cfg := config.Defaults()
	if run.ConfigSnapshot != "" {
		var snap config.PipelineConfig
		if json.Unmarshal([]byte(run.ConfigSnapshot), &snap) == nil {
			cfg = snap
		}
	}

	statuses, err := w.Store.ListPhaseStatuses(run.ID)
	if err != nil {
		return err
	}

	for _, ps := range statuses {
		if ps.Status != store.PhaseRunning || ps.StartedAt == nil {
			continue
		}
		ph := config.PhaseName(ps.Phase)
		timeout := time.Duration(cfg.TimeoutMinutes[ph]) * time.Minute
		if timeout <= 0 {
			timeout = 60 * time.Minute
		}
		if time.Since(*ps.StartedAt) <= timeout {
			continue
		}
		w.handleTimeout(run.ID, ph, ps)
	}
	return nil
}

// handleTimeout picks one of the three actions spec §4.9 describes for
// a phase that has exceeded its timeout.
func (w *Watchdog) handleTimeout(runID string, ph config.PhaseName, ps store.PhaseStatus) {
	if flexiblePhases[ph] {
		counts, err := w.Store.WorkItemCounts(runID, ps.Phase)
		if err == nil {
			total := counts[store.ItemQueued] + counts[store.ItemProcessing] + counts[store.ItemCompleted] + counts[store.ItemFailed]
			last, _ := w.Store.LastWorkItemActivity(runID, ps.Phase)
			if phase.FlexibleCompletionMet(total, counts[store.ItemCompleted], counts[store.ItemFailed], *ps.StartedAt, last) {
				if err := w.Store.CompletePhase(runID, ps.Phase, ps.Result); err == nil {
					_ = w.Store.AppendEvent(runID, "phase_completed_by_watchdog", fmt.Sprintf("%s completed with partial progress after timeout", ph), "")
					return
				}
			}
		}
	}

	if ps.AttemptCount < maxPhaseRestarts {
		if err := w.Store.YieldPhase(runID, ps.Phase, ps.Result); err == nil {
			_ = w.Store.AppendEvent(runID, "phase_restarted_by_watchdog", fmt.Sprintf("%s restarted after exceeding its timeout (attempt %d)", ph, ps.AttemptCount), "")
			return
		}
	}

	reason := fmt.Sprintf("%s exceeded its timeout after %d restarts; escalated to operator", ph, ps.AttemptCount)
	if err := w.Store.FailPhase(runID, ps.Phase, reason); err == nil {
		_ = w.Store.AppendEvent(runID, "phase_escalated", reason, "")
		w.Alert.Alert(AlertCritical, runID, "", 0, reason)
	}
}
