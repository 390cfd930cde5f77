// Package scheduler provides the task scheduler driven by the project clock.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/tremor/tremor/internal/models"
	"github.com/tremor/tremor/internal/tracing"
)

// TaskFunc is the work a task performs when it fires at clock time t.
type TaskFunc func(ctx context.Context, t time.Time)

// Task describes a periodic or one-shot task.
type Task struct {
	Name string
	// Interval is the fixed cadence of a periodic task. Zero makes the task one-shot.
	Interval time.Duration
	// At is the run time of a one-shot task.
	At time.Time
	Fn TaskFunc
}

// Periodic reports whether the task repeats.
func (t Task) Periodic() bool {
	return t.Interval > 0
}

// Validate validates the task definition.
func (t Task) Validate() error {
	if t.Name == "" {
		return models.ErrTaskNameRequired
	}
	if t.Fn == nil {
		return models.ErrTaskFuncRequired
	}
	if t.Interval < 0 {
		return fmt.Errorf("task %s: %w", t.Name, models.ErrInvalidInterval)
	}
	if !t.Periodic() && t.At.IsZero() {
		return fmt.Errorf("task %s: %w", t.Name, models.ErrTaskTimeRequired)
	}
	return nil
}

// ScheduledTask is a point-in-time view of a registered task.
type ScheduledTask struct {
	Name     string        `json:"name"`
	Interval time.Duration `json:"interval"`
	NextRun  time.Time     `json:"next_run,omitempty"`
	LastRun  time.Time     `json:"last_run,omitempty"`
	Runs     int64         `json:"runs"`
}

type entry struct {
	task    Task
	nextRun time.Time
	lastRun time.Time
	runs    int64
}

func (e *entry) snapshot() ScheduledTask {
	return ScheduledTask{
		Name:     e.task.Name,
		Interval: e.task.Interval,
		NextRun:  e.nextRun,
		LastRun:  e.lastRun,
		Runs:     e.runs,
	}
}

// Metrics tracks scheduler metrics using atomic counters for thread safety.
type Metrics struct {
	TasksTotal    atomic.Int64
	ScheduledRuns atomic.Int64
	MissedRuns    atomic.Int64 // firings that left the task still due
	FiredTotal    atomic.Int64
	PanicsTotal   atomic.Int64
}

// Scheduler holds periodic and one-shot tasks and fires those due at a given
// clock time. Periodic tasks advance by exactly one interval per firing, so a
// late pass never shifts the cadence and never fires a task twice.
type Scheduler struct {
	logger zerolog.Logger

	mu    sync.Mutex
	tasks []*entry

	metrics *Metrics
}

// New creates a new Scheduler.
func New(logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		logger:  logger.With().Str("component", "scheduler").Logger(),
		metrics: &Metrics{},
	}
}

// AddTask registers a task. A periodic task has no next run time until
// ResetSchedule is called; a one-shot task is due at its At time.
func (s *Scheduler) AddTask(task Task) error {
	if err := task.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.indexLocked(task.Name) >= 0 {
		return fmt.Errorf("%w: %s", models.ErrTaskExists, task.Name)
	}

	e := &entry{task: task}
	if !task.Periodic() {
		e.nextRun = task.At
	}
	s.tasks = append(s.tasks, e)
	s.metrics.TasksTotal.Add(1)

	s.logger.Debug().
		Str("task", task.Name).
		Dur("interval", task.Interval).
		Bool("periodic", task.Periodic()).
		Msg("Task added")
	return nil
}

// RemoveTask unregisters a task by name.
func (s *Scheduler) RemoveTask(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.indexLocked(name)
	if idx < 0 {
		return fmt.Errorf("%w: %s", models.ErrTaskNotFound, name)
	}
	s.removeLocked(idx)
	return nil
}

// ResetSchedule anchors every periodic task at t0 (next run = t0 + interval) and
// discards all one-shot tasks.
func (s *Scheduler) ResetSchedule(t0 time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.tasks[:0]
	dropped := 0
	for _, e := range s.tasks {
		if !e.task.Periodic() {
			dropped++
			continue
		}
		e.nextRun = t0.Add(e.task.Interval)
		e.lastRun = time.Time{}
		e.runs = 0
		kept = append(kept, e)
		s.metrics.ScheduledRuns.Add(1)
	}
	for i := len(kept); i < len(s.tasks); i++ {
		s.tasks[i] = nil
	}
	s.tasks = kept
	s.metrics.TasksTotal.Add(int64(-dropped))

	s.logger.Info().
		Time("t0", t0).
		Int("tasks", len(s.tasks)).
		Int("dropped_one_shot", dropped).
		Msg("Schedule reset")
}

// DueTasks returns, in registration order, every task due at t.
func (s *Scheduler) DueTasks(t time.Time) []ScheduledTask {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []ScheduledTask
	for _, e := range s.tasks {
		if e.dueAt(t) {
			due = append(due, e.snapshot())
		}
	}
	return due
}

// RunDueTasks fires every task due at t in registration order and returns the
// number fired. Each task fires at most once per call.
func (s *Scheduler) RunDueTasks(ctx context.Context, t time.Time) int {
	ctx, span := tracing.StartSchedulerSpan(ctx, t)
	defer span.End()

	// Reschedule under the lock, run outside it so task functions may call back
	// into the scheduler.
	s.mu.Lock()
	var fire []Task
	kept := s.tasks[:0]
	for _, e := range s.tasks {
		if !e.dueAt(t) {
			kept = append(kept, e)
			continue
		}
		fire = append(fire, e.task)
		e.lastRun = t
		e.runs++

		if !e.task.Periodic() {
			s.metrics.TasksTotal.Add(-1)
			continue
		}
		e.nextRun = e.nextRun.Add(e.task.Interval)
		s.metrics.ScheduledRuns.Add(1)
		if !e.nextRun.After(t) {
			s.metrics.MissedRuns.Add(1)
			s.logger.Warn().
				Str("task", e.task.Name).
				Time("clock_time", t).
				Time("next_run", e.nextRun).
				Msg("Task is behind schedule")
		}
		kept = append(kept, e)
	}
	for i := len(kept); i < len(s.tasks); i++ {
		s.tasks[i] = nil
	}
	s.tasks = kept
	s.mu.Unlock()

	for _, task := range fire {
		s.runTask(ctx, task, t)
	}
	s.metrics.FiredTotal.Add(int64(len(fire)))
	tracing.SetSpanOK(span)
	return len(fire)
}

func (s *Scheduler) runTask(ctx context.Context, task Task, t time.Time) {
	defer func() {
		if r := recover(); r != nil {
			s.metrics.PanicsTotal.Add(1)
			s.logger.Error().
				Interface("panic", r).
				Str("task", task.Name).
				Time("clock_time", t).
				Msg("Task panicked")
		}
	}()

	s.logger.Debug().Str("task", task.Name).Time("clock_time", t).Msg("Running task")
	task.Fn(ctx, t)
}

// Tasks returns all registered tasks in registration order.
func (s *Scheduler) Tasks() []ScheduledTask {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]ScheduledTask, 0, len(s.tasks))
	for _, e := range s.tasks {
		out = append(out, e.snapshot())
	}
	return out
}

// GetNextRuns returns up to limit scheduled tasks ordered by next run time.
// Periodic tasks that have not been anchored by ResetSchedule are omitted.
func (s *Scheduler) GetNextRuns(limit int) []ScheduledTask {
	s.mu.Lock()
	runs := make([]ScheduledTask, 0, len(s.tasks))
	for _, e := range s.tasks {
		if !e.nextRun.IsZero() {
			runs = append(runs, e.snapshot())
		}
	}
	s.mu.Unlock()

	sort.SliceStable(runs, func(i, j int) bool {
		return runs[i].NextRun.Before(runs[j].NextRun)
	})
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs
}

// MetricsSnapshot is a point-in-time snapshot of scheduler metrics.
type MetricsSnapshot struct {
	TasksTotal    int64
	ScheduledRuns int64
	MissedRuns    int64
	FiredTotal    int64
	PanicsTotal   int64
}

// GetMetrics returns a snapshot of the current metrics.
func (s *Scheduler) GetMetrics() MetricsSnapshot {
	return MetricsSnapshot{
		TasksTotal:    s.metrics.TasksTotal.Load(),
		ScheduledRuns: s.metrics.ScheduledRuns.Load(),
		MissedRuns:    s.metrics.MissedRuns.Load(),
		FiredTotal:    s.metrics.FiredTotal.Load(),
		PanicsTotal:   s.metrics.PanicsTotal.Load(),
	}
}

func (e *entry) dueAt(t time.Time) bool {
	return !e.nextRun.IsZero() && !e.nextRun.After(t)
}

// indexLocked returns the position of the named task or -1. Must be called with mu held.
func (s *Scheduler) indexLocked(name string) int {
	for i, e := range s.tasks {
		if e.task.Name == name {
			return i
		}
	}
	return -1
}

// removeLocked removes the task at idx preserving order. Must be called with mu held.
func (s *Scheduler) removeLocked(idx int) {
	copy(s.tasks[idx:], s.tasks[idx+1:])
	s.tasks[len(s.tasks)-1] = nil
	s.tasks = s.tasks[:len(s.tasks)-1]
	s.metrics.TasksTotal.Add(-1)
}
