// Package scheduler implements the non-webhook half of spec §2's
// "Scheduler/Watchdog" row: the data-flow sentence "Scheduler (or
// webhook trigger) creates a pipeline run" names a second run-creation
// path alongside internal/coordinator's webhook-driven one. Grounded
// on the teacher's internal/automation/scheduler.go (a named-job map,
// cron-style schedule string, periodic CheckInterval tick), trimmed
// from arbitrary workflow/script/command jobs down to the one job kind
// this pipeline needs: "start project P for today's period date if due
// and not already started."
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/cylvy/landscape-pipeline/internal/config"
	"github.com/cylvy/landscape-pipeline/internal/logger"
	"github.com/cylvy/landscape-pipeline/internal/orchestrator"
	"github.com/cylvy/landscape-pipeline/internal/store"
	"github.com/cylvy/landscape-pipeline/internal/supervisor"
)

// TaskName is the supervisor task name this package registers under.
const TaskName = "scheduler"

// ScheduledProject is one project's recurring run configuration. Unlike
// the teacher's cron-expression job, this pipeline only ever needs
// "once per day" scheduling (spec §3's SERP Coordinator Lock is keyed
// on (project, period-date)), so Schedule is reduced to a daily
// time-of-day instead of a full cron string.
type ScheduledProject struct {
	Project  string
	Landscape string
	Keywords []string
	RunAt    string // "HH:MM" in UTC
	Mode     store.RunMode
	Overrides config.PipelineConfig
	Enabled  bool
}

// Scheduler owns the set of recurring project schedules and, once per
// tick, starts any that are due for today and have not yet acquired
// today's coordinator lock.
type Scheduler struct {
	store      *store.Store
	orch       *orchestrator.Orchestrator
	log        logger.Logger
	configBase func() config.PipelineConfig

	mu       sync.RWMutex
	projects map[string]ScheduledProject
	lastRunDate map[string]string // project -> last period-date attempted, avoids redundant lock attempts for the same period date
}

// New builds a Scheduler with no projects registered; call Upsert to add one.
func New(s *store.Store, orch *orchestrator.Orchestrator, configBase func() config.PipelineConfig, log logger.Logger) *Scheduler {
	return &Scheduler{
		store:       s,
		orch:        orch,
		configBase:  configBase,
		log:         log,
		projects:    make(map[string]ScheduledProject),
		lastRunDate: make(map[string]string),
	}
}

// Upsert registers or replaces a project's schedule.
func (sch *Scheduler) Upsert(p ScheduledProject) {
	sch.mu.Lock()
	defer sch.mu.Unlock()
	sch.projects[p.Project] = p
}

// Remove drops a project's schedule.
func (sch *Scheduler) Remove(project string) {
	sch.mu.Lock()
	defer sch.mu.Unlock()
	delete(sch.projects, project)
}

// Register starts the scheduler as a supervised task, ticking every interval.
func Register(ctx context.Context, sup *supervisor.Supervisor, sch *Scheduler, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	return sup.Start(ctx, supervisor.Task{Name: TaskName, Interval: interval, Tick: sch.tick})
}

func (sch *Scheduler) tick(ctx context.Context) error {
	now := time.Now().UTC()
	periodDate := now.Format("2006-01-02")

	sch.mu.RLock()
	due := make([]ScheduledProject, 0, len(sch.projects))
	for _, p := range sch.projects {
		if p.Enabled && sch.isDue(p, now, periodDate) {
			due = append(due, p)
		}
	}
	sch.mu.RUnlock()

	for _, p := range due {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		sch.startIfNotLocked(ctx, p, periodDate)
	}
	return nil
}

// isDue reports whether p's configured time-of-day has passed for
// periodDate and it has not already been attempted for periodDate.
func (sch *Scheduler) isDue(p ScheduledProject, now time.Time, periodDate string) bool {
	sch.mu.RLock()
	last := sch.lastRunDate[p.Project]
	sch.mu.RUnlock()
	if last == periodDate {
		return false
	}
	runAt, err := time.Parse("15:04", p.RunAt)
	if err != nil {
		return false
	}
	dueTime := time.Date(now.Year(), now.Month(), now.Day(), runAt.Hour(), runAt.Minute(), 0, 0, time.UTC)
	return !now.Before(dueTime)
}

// startIfNotLocked attempts to acquire the coordinator lock for
// (project, periodDate); success means no webhook path has already
// claimed today for this project, so the scheduler starts the run
// itself (spec §3: "insertion is the atomic lock").
func (sch *Scheduler) startIfNotLocked(ctx context.Context, p ScheduledProject, periodDate string) {
	sch.mu.Lock()
	sch.lastRunDate[p.Project] = periodDate
	sch.mu.Unlock()

	if err := sch.store.AcquireCoordinatorLock(p.Project, periodDate); err != nil {
		sch.log.Debug("scheduler: lock already held, skipping",
			logger.String("project", p.Project), logger.String("period_date", periodDate))
		return
	}

	cfg := config.Merge(sch.configBase(), p.Overrides)
	cfg.Project = p.Project
	cfg.Landscape = p.Landscape
	if len(p.Keywords) > 0 {
		cfg.Keywords = p.Keywords
	}

	runID, err := sch.orch.Start(ctx, p.Project, periodDate, p.Mode, cfg)
	if err != nil {
		sch.log.Error("scheduler: failed to start scheduled run",
			logger.String("project", p.Project), logger.Err(err))
		return
	}
	if err := sch.store.AttachPipelineRunToLock(p.Project, periodDate, runID); err != nil {
		sch.log.Error("scheduler: failed to attach run to lock",
			logger.String("project", p.Project), logger.String("run_id", runID), logger.Err(err))
	}
	sch.log.Info("scheduler: started scheduled run",
		logger.String("project", p.Project), logger.String("run_id", runID))
}
