// Package engine drives forecasts for an attached project: it follows the
// simulation clock, fires scheduled forecast tasks and runs at most one forecast
// job at a time.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tremor/tremor/internal/ensemble"
	"github.com/tremor/tremor/internal/events"
	"github.com/tremor/tremor/internal/models"
	"github.com/tremor/tremor/internal/pipeline"
	"github.com/tremor/tremor/internal/scheduler"
	"github.com/tremor/tremor/internal/simclock"
	"github.com/tremor/tremor/internal/stages"
	"github.com/tremor/tremor/pkg/clock"
)

// ForecastTaskName is the name of the periodic forecast task.
const ForecastTaskName = "forecast"

// ClockSettings selects how the simulation clock advances for an attached project.
type ClockSettings struct {
	Mode  models.ClockMode
	Speed float64
	Step  time.Duration
}

// Config holds engine configuration.
type Config struct {
	Clock ClockSettings
	// StageTimeout bounds each stage of a forecast job. Zero disables it.
	StageTimeout time.Duration
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		Clock: ClockSettings{Mode: models.ClockWallClock, Speed: 1},
	}
}

// ForecastSaver persists completed forecast jobs.
type ForecastSaver interface {
	SaveForecast(ctx context.Context, rec *models.ForecastRecord) error
}

// InputProvider builds the input snapshot of a forecast at t, typically by
// loading the observed catalog and injection history up to t.
type InputProvider func(ctx context.Context, project models.Project, t time.Time) (models.ForecastInput, error)

// Recorder receives engine measurements.
type Recorder interface {
	SetEngineState(state models.EngineState)
	SetClockTime(t time.Time)
	RecordForecast(status models.ForecastStatus, d time.Duration)
	RecordForecastSkipped()
	RecordStage(stageID string, success bool, d time.Duration)
}

// Options holds the engine's collaborators. Nil fields get working defaults.
type Options struct {
	Scheduler  *scheduler.Scheduler
	Dispatcher *ensemble.Dispatcher
	Store      ForecastSaver
	Hazard     stages.HazardCalculator
	Risk       stages.RiskCalculator
	Inputs     InputProvider
	Recorder   Recorder
	// WallClock drives stage deadlines and job timestamps.
	WallClock clock.Clock
}

// Metrics tracks engine metrics using atomic counters for thread safety.
type Metrics struct {
	ForecastsStarted   atomic.Int64
	ForecastsSucceeded atomic.Int64
	ForecastsFailed    atomic.Int64
	ForecastsSkipped   atomic.Int64
}

// Engine is the forecast state machine. All state changes happen on the
// goroutine running Run; other goroutines reach it through a mailbox.
type Engine struct {
	cfg        Config
	clock      *simclock.Clock
	scheduler  *scheduler.Scheduler
	dispatcher *ensemble.Dispatcher
	store      ForecastSaver
	hazard     stages.HazardCalculator
	risk       stages.RiskCalculator
	inputs     InputProvider
	recorder   Recorder
	wall       clock.Clock
	logger     zerolog.Logger

	mail    *mailbox
	running atomic.Bool
	stopped chan struct{}

	// Owned by the coordination goroutine.
	ctx        context.Context
	gen        uint64
	now        time.Time
	timeSub    events.Subscription
	clockSub   events.Subscription
	jobStarted time.Time

	// Written on the coordination goroutine, read anywhere.
	mu      sync.RWMutex
	state   models.EngineState
	project *models.Project
	job     *pipeline.Job

	metrics *Metrics

	// StateChanged is emitted on every engine state transition.
	StateChanged *events.Signal[models.EngineState]
	// ForecastComplete is emitted once per finished job, after the engine is READY again.
	ForecastComplete *events.Signal[*models.ForecastRecord]
	// JobStatusUpdate carries intermediate job progress. It is informational only.
	JobStatusUpdate *events.Signal[models.JobStatus]
}

// New creates an inactive engine driven by clk.
func New(cfg Config, clk *simclock.Clock, logger zerolog.Logger, opts Options) *Engine {
	logger = logger.With().Str("component", "engine").Logger()
	if opts.Scheduler == nil {
		opts.Scheduler = scheduler.New(logger)
	}
	if opts.WallClock == nil {
		opts.WallClock = clock.New()
	}
	if opts.Dispatcher == nil {
		opts.Dispatcher = ensemble.New(nil, nil, logger, ensemble.Options{Clock: opts.WallClock})
	}
	if opts.Inputs == nil {
		opts.Inputs = func(_ context.Context, p models.Project, t time.Time) (models.ForecastInput, error) {
			return p.ForecastInput(t), nil
		}
	}
	if cfg.Clock.Mode == "" {
		cfg.Clock = DefaultConfig().Clock
	}

	return &Engine{
		cfg:              cfg,
		clock:            clk,
		scheduler:        opts.Scheduler,
		dispatcher:       opts.Dispatcher,
		store:            opts.Store,
		hazard:           opts.Hazard,
		risk:             opts.Risk,
		inputs:           opts.Inputs,
		recorder:         opts.Recorder,
		wall:             opts.WallClock,
		logger:           logger,
		mail:             newMailbox(),
		stopped:          make(chan struct{}),
		ctx:              context.Background(),
		state:            models.EngineInactive,
		metrics:          &Metrics{},
		StateChanged:     events.NewSignal[models.EngineState]("engine.state_changed", logger),
		ForecastComplete: events.NewSignal[*models.ForecastRecord]("engine.forecast_complete", logger),
		JobStatusUpdate:  events.NewSignal[models.JobStatus]("engine.job_status", logger),
	}
}

// Run processes the mailbox until ctx is cancelled. It stops the simulation
// clock on return. Run may be called once.
func (e *Engine) Run(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return errors.New("engine is already running")
	}
	defer close(e.stopped)

	e.ctx = ctx
	e.logger.Info().Msg("Engine started")

	for {
		select {
		case <-ctx.Done():
			e.clock.Stop()
			e.logger.Info().Msg("Engine stopped")
			return nil
		case <-e.mail.notify:
			for _, f := range e.mail.drain() {
				e.exec(f)
			}
		}
	}
}

func (e *Engine) exec(f func()) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error().Interface("panic", r).Msg("Engine handler panicked")
		}
	}()
	f()
}

// post queues f for the coordination goroutine.
func (e *Engine) post(f func()) {
	e.mail.post(f)
}

// call runs f on the coordination goroutine and waits for its result. It must
// not be used from the coordination goroutine itself.
func (e *Engine) call(ctx context.Context, f func() error) error {
	errCh := make(chan error, 1)
	e.post(func() { errCh <- f() })

	select {
	case err := <-errCh:
		return err
	case <-e.stopped:
		return models.ErrEngineStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Attach attaches project: the clock is configured for the project's range and
// the forecast task is scheduled from the project start. The engine becomes READY.
func (e *Engine) Attach(ctx context.Context, project models.Project) error {
	return e.call(ctx, func() error { return e.attach(project) })
}

func (e *Engine) attach(p models.Project) error {
	if e.State() != models.EngineInactive {
		return models.ErrProjectAttached
	}
	if err := p.Validate(); err != nil {
		return err
	}

	err := e.clock.Configure(simclock.Config{
		Range: simclock.TimeRange{Start: p.Start, End: p.End},
		Mode:  e.cfg.Clock.Mode,
		Speed: e.cfg.Clock.Speed,
		Step:  e.cfg.Clock.Step,
	})
	if err != nil {
		return fmt.Errorf("configure clock: %w", err)
	}

	err = e.scheduler.AddTask(scheduler.Task{
		Name:     ForecastTaskName,
		Interval: p.ForecastInterval.Duration(),
		Fn:       e.runForecast,
	})
	if err != nil {
		return err
	}
	e.scheduler.ResetSchedule(p.Start)

	e.gen++
	gen := e.gen
	e.timeSub = e.clock.TimeChanged.Connect(func(t time.Time) {
		e.post(func() { e.onTimeChanged(gen, t) })
	})
	e.clockSub = e.clock.StateChanged.Connect(func(s models.ClockState) {
		if s == models.ClockStopped {
			e.post(func() { e.onClockStopped(gen) })
		}
	})
	e.now = p.Start

	project := p
	project.Models = append([]models.ModelConfig(nil), p.Models...)
	e.mu.Lock()
	e.project = &project
	e.mu.Unlock()

	e.logger.Info().
		Str("project_id", p.ID).
		Time("start", p.Start).
		Time("end", p.End).
		Dur("forecast_interval", p.ForecastInterval.Duration()).
		Int("models", len(p.Models)).
		Msg("Project attached")

	e.setState(models.EngineReady)
	return nil
}

// Detach detaches the current project and stops the clock. A running job
// cannot be detached from.
func (e *Engine) Detach(ctx context.Context) error {
	return e.call(ctx, e.detach)
}

func (e *Engine) detach() error {
	switch e.State() {
	case models.EngineInactive:
		return models.ErrNoProject
	case models.EngineBusy:
		return models.ErrEngineBusy
	}

	e.clock.TimeChanged.Disconnect(e.timeSub)
	e.clock.StateChanged.Disconnect(e.clockSub)
	e.gen++

	if err := e.scheduler.RemoveTask(ForecastTaskName); err != nil {
		e.logger.Warn().Err(err).Msg("Failed to remove forecast task")
	}
	// Drops pending manual forecasts.
	e.scheduler.ResetSchedule(e.now)
	e.clock.Stop()

	e.mu.Lock()
	id := e.project.ID
	e.project = nil
	e.mu.Unlock()

	e.logger.Info().Str("project_id", id).Msg("Project detached")
	e.setState(models.EngineInactive)
	return nil
}

// TriggerForecast schedules a one-shot forecast at simulated time at. A zero
// or past time runs it now. It returns the name of the scheduled task.
func (e *Engine) TriggerForecast(ctx context.Context, at time.Time) (string, error) {
	var name string
	err := e.call(ctx, func() error {
		var err error
		name, err = e.trigger(at)
		return err
	})
	return name, err
}

func (e *Engine) trigger(at time.Time) (string, error) {
	if e.State() == models.EngineInactive {
		return "", models.ErrNoProject
	}
	if at.IsZero() {
		at = e.now
	}

	name := "forecast-manual-" + uuid.New().String()[:8]
	if err := e.scheduler.AddTask(scheduler.Task{Name: name, At: at, Fn: e.runForecast}); err != nil {
		return "", err
	}
	e.logger.Info().Str("task", name).Time("at", at).Msg("Manual forecast scheduled")

	if !at.After(e.now) {
		e.scheduler.RunDueTasks(e.ctx, e.now)
	}
	return name, nil
}

func (e *Engine) onTimeChanged(gen uint64, t time.Time) {
	if gen != e.gen || e.State() == models.EngineInactive {
		return
	}
	e.now = t
	if e.recorder != nil {
		e.recorder.SetClockTime(t)
	}

	e.scheduler.RunDueTasks(e.ctx, t)

	if e.State() != models.EngineBusy {
		e.stepIfGated()
	}
}

// onClockStopped re-anchors the schedule so that a restarted run fires again
// from the project start.
func (e *Engine) onClockStopped(gen uint64) {
	if gen != e.gen || e.State() == models.EngineInactive {
		return
	}
	e.mu.RLock()
	start := e.project.Start
	e.mu.RUnlock()

	e.scheduler.ResetSchedule(start)
	e.logger.Debug().Msg("Clock stopped, schedule reset")
}

// stepIfGated asks an external-step clock for its next step.
func (e *Engine) stepIfGated() {
	cfg, ok := e.clock.Config()
	if !ok || cfg.Mode != models.ClockExternalStep || e.clock.State() != models.ClockRunning {
		return
	}
	e.clock.Step()
}

// runForecast is the forecast task. It runs on the coordination goroutine.
func (e *Engine) runForecast(ctx context.Context, t time.Time) {
	e.mu.RLock()
	state := e.state
	var project models.Project
	if e.project != nil {
		project = *e.project
	}
	var busyWith string
	if e.job != nil {
		busyWith = e.job.ID()
	}
	e.mu.RUnlock()

	switch state {
	case models.EngineInactive:
		return
	case models.EngineBusy:
		e.metrics.ForecastsSkipped.Add(1)
		if e.recorder != nil {
			e.recorder.RecordForecastSkipped()
		}
		e.logger.Warn().
			Str("job_id", busyWith).
			Time("forecast_time", t).
			Msg("Skipping forecast, engine busy")
		return
	}

	input, err := e.inputs(ctx, project, t)
	if err == nil {
		err = input.Validate()
	}
	if err != nil {
		e.metrics.ForecastsFailed.Add(1)
		e.logger.Error().Err(err).Time("forecast_time", t).Msg("Failed to build forecast input")
		return
	}

	id := uuid.New().String()
	ens := ensemble.NewStage(e.dispatcher, project.Models, func(r models.ModelRunResult) {
		e.post(func() { e.modelCompleted(id, r) })
	})
	job := pipeline.NewJob(id, stages.Build(ens, e.hazard, e.risk), pipeline.Options{
		StageTimeout: e.cfg.StageTimeout,
		Clock:        e.wall,
		Executor:     e.post,
		OnStatus:     e.JobStatusUpdate.Emit,
		Logger:       e.logger,
	})

	e.mu.Lock()
	e.job = job
	e.mu.Unlock()
	e.jobStarted = e.wall.Now()
	e.metrics.ForecastsStarted.Add(1)
	e.setState(models.EngineBusy)

	if err := job.Run(ctx, input, e.jobDone); err != nil {
		e.logger.Error().Err(err).Str("job_id", id).Msg("Failed to start forecast job")
		e.mu.Lock()
		e.job = nil
		e.mu.Unlock()
		e.setState(models.EngineReady)
	}
}

func (e *Engine) modelCompleted(jobID string, r models.ModelRunResult) {
	e.mu.RLock()
	current := e.job
	e.mu.RUnlock()
	if current == nil || current.ID() != jobID {
		return
	}
	e.JobStatusUpdate.Emit(models.JobStatus{
		JobID:   jobID,
		Kind:    models.StatusModelCompleted,
		StageID: ensemble.StageID,
		ModelID: r.ModelID,
		Success: r.Success,
		Error:   r.FailureReason,
		Time:    e.wall.Now(),
	})
}

// jobDone runs on the coordination goroutine once per job.
func (e *Engine) jobDone(job *pipeline.Job) {
	rec := job.Record()

	if rec.Status == models.ForecastSuccess {
		e.metrics.ForecastsSucceeded.Add(1)
	} else {
		e.metrics.ForecastsFailed.Add(1)
	}
	if e.recorder != nil {
		e.recorder.RecordForecast(rec.Status, e.wall.Now().Sub(e.jobStarted))
		for _, s := range rec.Stages {
			e.recorder.RecordStage(s.StageID, s.Success, s.CompletedAt.Sub(s.StartedAt))
		}
	}

	if e.store != nil {
		if err := e.store.SaveForecast(e.ctx, rec); err != nil {
			e.logger.Error().Err(err).Str("job_id", rec.ID).Msg("Failed to persist forecast")
		}
	}

	e.mu.Lock()
	e.job = nil
	e.mu.Unlock()
	e.setState(models.EngineReady)
	e.ForecastComplete.Emit(rec)

	e.stepIfGated()
}

func (e *Engine) setState(s models.EngineState) {
	e.mu.Lock()
	from := e.state
	if from == s {
		e.mu.Unlock()
		return
	}
	e.state = s
	e.mu.Unlock()

	e.logger.Debug().Str("from", string(from)).Str("to", string(s)).Msg("Engine state changed")
	if e.recorder != nil {
		e.recorder.SetEngineState(s)
	}
	e.StateChanged.Emit(s)
}

// State returns the current engine state.
func (e *Engine) State() models.EngineState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// Project returns the attached project.
func (e *Engine) Project() (models.Project, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.project == nil {
		return models.Project{}, false
	}
	return *e.project, true
}

// Clock returns the simulation clock.
func (e *Engine) Clock() *simclock.Clock {
	return e.clock
}

// Scheduler returns the task scheduler.
func (e *Engine) Scheduler() *scheduler.Scheduler {
	return e.scheduler
}

// Dispatcher returns the ensemble dispatcher.
func (e *Engine) Dispatcher() *ensemble.Dispatcher {
	return e.dispatcher
}

// MetricsSnapshot is a point-in-time snapshot of engine metrics.
type MetricsSnapshot struct {
	ForecastsStarted   int64 `json:"forecasts_started"`
	ForecastsSucceeded int64 `json:"forecasts_succeeded"`
	ForecastsFailed    int64 `json:"forecasts_failed"`
	ForecastsSkipped   int64 `json:"forecasts_skipped"`
	Pending            int   `json:"pending"`
}

// GetMetrics returns a snapshot of the current metrics.
func (e *Engine) GetMetrics() MetricsSnapshot {
	return MetricsSnapshot{
		ForecastsStarted:   e.metrics.ForecastsStarted.Load(),
		ForecastsSucceeded: e.metrics.ForecastsSucceeded.Load(),
		ForecastsFailed:    e.metrics.ForecastsFailed.Load(),
		ForecastsSkipped:   e.metrics.ForecastsSkipped.Load(),
		Pending:            e.mail.len(),
	}
}

// Status is a point-in-time view of the engine.
type Status struct {
	State      models.EngineState        `json:"state"`
	ProjectID  string                    `json:"project_id,omitempty"`
	JobID      string                    `json:"job_id,omitempty"`
	ClockState models.ClockState         `json:"clock_state"`
	ClockTime  time.Time                 `json:"clock_time"`
	NextRuns   []scheduler.ScheduledTask `json:"next_runs,omitempty"`
	Metrics    MetricsSnapshot           `json:"metrics"`
}

// Status returns the engine status.
func (e *Engine) Status() Status {
	e.mu.RLock()
	st := Status{State: e.state}
	if e.project != nil {
		st.ProjectID = e.project.ID
	}
	if e.job != nil {
		st.JobID = e.job.ID()
	}
	e.mu.RUnlock()

	st.ClockState = e.clock.State()
	st.ClockTime = e.clock.Now()
	st.NextRuns = e.scheduler.GetNextRuns(10)
	st.Metrics = e.GetMetrics()
	return st
}
