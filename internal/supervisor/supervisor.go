// Package supervisor gives every long-running background loop in the
// pipeline (watchdog, channel resolver, coordinator scheduler) a
// uniform named-task shape with explicit start/stop and a health
// endpoint, per spec §9's redesign flag that ad-hoc goroutines must
// become supervised tasks. Grounded on the teacher's internal/jobs
// queue's ctx/cancel-plus-ticker loop idiom, generalized from one
// fixed job queue into any named periodic task.
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cylvy/landscape-pipeline/internal/logger"
)

// Task is one named unit of supervised background work. Tick runs once
// per Interval until the supervisor is stopped or the process context
// is cancelled; a returned error is logged and counted but never stops
// the loop — only Stop() or context cancellation does.
type Task struct {
	Name     string
	Interval time.Duration
	Tick     func(ctx context.Context) error
}

// Health is a snapshot of one task's run history.
type Health struct {
	Name        string
	Running     bool
	TickCount   int64
	ErrorCount  int64
	LastTickAt  time.Time
	LastErr     string
}

type runningTask struct {
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	running bool
	ticks   int64
	errs    int64
	lastAt  time.Time
	lastErr string
}

// Supervisor owns a set of named background tasks.
type Supervisor struct {
	log logger.Logger

	mu    sync.Mutex
	tasks map[string]*runningTask
}

func New(log logger.Logger) *Supervisor {
	return &Supervisor{log: log, tasks: make(map[string]*runningTask)}
}

// Start launches t as a background goroutine. Starting a task with a
// name already running is a no-op; call Stop first to restart it.
func (s *Supervisor) Start(ctx context.Context, t Task) error {
	if t.Name == "" {
		return fmt.Errorf("supervisor: task name required")
	}
	if t.Interval <= 0 {
		return fmt.Errorf("supervisor: %s: interval must be positive", t.Name)
	}

	s.mu.Lock()
	if _, exists := s.tasks[t.Name]; exists {
		s.mu.Unlock()
		return nil
	}
	taskCtx, cancel := context.WithCancel(ctx)
	rt := &runningTask{cancel: cancel, done: make(chan struct{}), running: true}
	s.tasks[t.Name] = rt
	s.mu.Unlock()

	go s.runLoop(taskCtx, t, rt)
	return nil
}

func (s *Supervisor) runLoop(ctx context.Context, t Task, rt *runningTask) {
	defer close(rt.done)
	ticker := time.NewTicker(t.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			rt.mu.Lock()
			rt.running = false
			rt.mu.Unlock()
			return
		case <-ticker.C:
			err := t.Tick(ctx)
			rt.mu.Lock()
			rt.ticks++
			rt.lastAt = time.Now()
			if err != nil {
				rt.errs++
				rt.lastErr = err.Error()
			} else {
				rt.lastErr = ""
			}
			rt.mu.Unlock()
			if err != nil {
				s.log.Warn("supervised task tick failed", logger.String("task", t.Name), logger.Err(err))
			}
		}
	}
}

// Stop cancels the named task and waits for its goroutine to exit.
func (s *Supervisor) Stop(name string) {
	s.mu.Lock()
	rt, ok := s.tasks[name]
	if ok {
		delete(s.tasks, name)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	rt.cancel()
	<-rt.done
}

// StopAll stops every running task. Used on process shutdown.
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	names := make([]string, 0, len(s.tasks))
	for name := range s.tasks {
		names = append(names, name)
	}
	s.mu.Unlock()
	for _, name := range names {
		s.Stop(name)
	}
}

// Health reports every task's current run statistics.
func (s *Supervisor) Health() []Health {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Health, 0, len(s.tasks))
	for name, rt := range s.tasks {
		rt.mu.Lock()
		out = append(out, Health{
			Name: name, Running: rt.running, TickCount: rt.ticks,
			ErrorCount: rt.errs, LastTickAt: rt.lastAt, LastErr: rt.lastErr,
		})
		rt.mu.Unlock()
	}
	return out
}
