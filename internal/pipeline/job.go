package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"github.com/tremor/tremor/internal/models"
	"github.com/tremor/tremor/internal/tracing"
	"github.com/tremor/tremor/pkg/clock"
)

// Executor runs f on the job owner's coordination context.
type Executor func(f func())

// Options configures a Job.
type Options struct {
	// StageTimeout converts a stage that has not completed in time into a failed
	// result. Zero disables the deadline.
	StageTimeout time.Duration
	// Clock measures stage deadlines and timestamps. Defaults to the real clock.
	Clock clock.Clock
	// Executor serialises stage completions. Defaults to calling f directly.
	Executor Executor
	// OnStatus receives progress notifications.
	OnStatus func(models.JobStatus)
	Logger   zerolog.Logger
}

// Job runs its stages strictly one after another. Stage n+1 starts only after
// stage n reported its result; a failed stage fails the job and the remaining
// stages are skipped. The done callback is always called exactly once.
type Job struct {
	id     string
	stages []Stage
	opts   Options
	logger zerolog.Logger

	mu        sync.Mutex
	input     models.ForecastInput
	results   map[string]StageResult
	current   int
	started   bool
	completed bool
	failedErr string
	startedAt time.Time
	endedAt   time.Time

	span trace.Span
	done func(*Job)
}

// NewJob creates a job over stages in execution order.
func NewJob(id string, stages []Stage, opts Options) *Job {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Executor == nil {
		opts.Executor = func(f func()) { f() }
	}
	return &Job{
		id:      id,
		stages:  stages,
		opts:    opts,
		logger:  opts.Logger.With().Str("job_id", id).Logger(),
		results: make(map[string]StageResult, len(stages)),
		current: -1,
	}
}

// ID returns the job id.
func (j *Job) ID() string { return j.id }

// Run starts the first stage with input. done is called once the last stage
// completes or any stage fails. Run may be called only once.
func (j *Job) Run(ctx context.Context, input models.ForecastInput, done func(*Job)) error {
	j.mu.Lock()
	if j.started {
		j.mu.Unlock()
		return fmt.Errorf("job %s already started", j.id)
	}
	j.started = true
	j.input = input.Clone()
	j.done = done
	j.startedAt = j.opts.Clock.Now()
	j.mu.Unlock()

	ctx, span := tracing.StartForecastSpan(ctx, j.id, input.ProjectID, input.ForecastTime)
	j.span = span

	j.logger.Info().
		Str("project_id", input.ProjectID).
		Time("forecast_time", input.ForecastTime).
		Int("stages", len(j.stages)).
		Msg("Starting forecast job")
	j.status(models.JobStatus{Kind: models.StatusJobStarted, Success: true})

	if len(j.stages) == 0 {
		j.finish()
		return nil
	}
	j.startStage(ctx, 0)
	return nil
}

func (j *Job) startStage(ctx context.Context, idx int) {
	stage := j.stages[idx]

	j.mu.Lock()
	j.current = idx
	in := Input{Forecast: j.input, Results: j.resultsLocked()}
	j.mu.Unlock()

	stageCtx, cancel := context.WithCancel(ctx)
	stageCtx, span := tracing.StartStageSpan(stageCtx, stage.ID())
	startedAt := j.opts.Clock.Now()

	var (
		once  sync.Once
		timer clock.Timer
		tmu   sync.Mutex
	)
	complete := func(r StageResult) {
		once.Do(func() {
			tmu.Lock()
			if timer != nil {
				timer.Stop()
			}
			tmu.Unlock()
			cancel()

			r.StageID = stage.ID()
			r.StartedAt = startedAt
			r.CompletedAt = j.opts.Clock.Now()
			if r.Success {
				tracing.SetSpanOK(span)
			} else {
				tracing.RecordError(span, fmt.Errorf("%s", r.Error))
			}
			span.End()

			j.opts.Executor(func() { j.stageComplete(ctx, idx, r) })
		})
	}

	if j.opts.StageTimeout > 0 {
		tmu.Lock()
		timer = j.opts.Clock.AfterFunc(j.opts.StageTimeout, func() {
			j.logger.Warn().
				Str("stage_id", stage.ID()).
				Dur("timeout", j.opts.StageTimeout).
				Msg("Stage deadline exceeded")
			complete(Failed(models.ErrStageDeadline))
		})
		tmu.Unlock()
	}

	j.logger.Debug().Str("stage_id", stage.ID()).Msg("Starting stage")
	j.status(models.JobStatus{Kind: models.StatusStageStarted, StageID: stage.ID(), Success: true})

	func() {
		defer func() {
			if r := recover(); r != nil {
				j.logger.Error().
					Interface("panic", r).
					Str("stage_id", stage.ID()).
					Msg("Stage panicked")
				complete(Failed(fmt.Errorf("stage %s panicked: %v", stage.ID(), r)))
			}
		}()
		stage.Start(stageCtx, in, complete)
	}()
}

// stageComplete records the result of stage idx and advances the job.
func (j *Job) stageComplete(ctx context.Context, idx int, r StageResult) {
	j.mu.Lock()
	if j.completed || idx != j.current {
		j.mu.Unlock()
		return
	}
	j.results[r.StageID] = r
	if !r.Success {
		j.failedErr = fmt.Sprintf("stage %s failed: %s", r.StageID, r.Error)
	}
	next := idx + 1
	last := next >= len(j.stages) || !r.Success
	j.mu.Unlock()

	j.logger.Info().
		Str("stage_id", r.StageID).
		Bool("success", r.Success).
		Str("error", r.Error).
		Dur("duration", r.CompletedAt.Sub(r.StartedAt)).
		Msg("Stage completed")
	j.status(models.JobStatus{
		Kind:    models.StatusStageCompleted,
		StageID: r.StageID,
		Success: r.Success,
		Error:   r.Error,
	})

	if last {
		j.finish()
		return
	}
	j.startStage(ctx, next)
}

func (j *Job) finish() {
	j.mu.Lock()
	j.completed = true
	j.endedAt = j.opts.Clock.Now()
	failed := j.failedErr
	done := j.done
	j.mu.Unlock()

	if j.span != nil {
		if failed != "" {
			tracing.RecordError(j.span, fmt.Errorf("%s", failed))
		} else {
			tracing.SetSpanOK(j.span)
		}
		j.span.End()
	}

	if failed != "" {
		j.logger.Warn().Str("error", failed).Msg("Forecast job failed")
	} else {
		j.logger.Info().Dur("duration", j.endedAt.Sub(j.startedAt)).Msg("Forecast job completed")
	}
	j.status(models.JobStatus{Kind: models.StatusJobCompleted, Success: failed == "", Error: failed})

	if done != nil {
		done(j)
	}
}

func (j *Job) status(s models.JobStatus) {
	if j.opts.OnStatus == nil {
		return
	}
	s.JobID = j.id
	s.Time = j.opts.Clock.Now()
	j.opts.OnStatus(s)
}

// resultsLocked returns a copy of the accumulated results. Must be called with mu held.
func (j *Job) resultsLocked() map[string]StageResult {
	out := make(map[string]StageResult, len(j.results))
	for k, v := range j.results {
		out[k] = v
	}
	return out
}

// Results returns a copy of the accumulated results keyed by stage id.
func (j *Job) Results() map[string]StageResult {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.resultsLocked()
}

// Completed reports whether the job has finished.
func (j *Job) Completed() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.completed
}

// Err returns the failure of a finished job, or the empty string.
func (j *Job) Err() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.failedErr
}

// Record converts a finished job into its persisted form. Stages appear in
// execution order; skipped stages are omitted.
func (j *Job) Record() *models.ForecastRecord {
	j.mu.Lock()
	defer j.mu.Unlock()

	rec := &models.ForecastRecord{
		ID:           j.id,
		ProjectID:    j.input.ProjectID,
		ForecastTime: j.input.ForecastTime,
		Status:       models.ForecastSuccess,
		Error:        j.failedErr,
		StartedAt:    j.startedAt,
		CompletedAt:  j.endedAt,
	}
	if j.failedErr != "" {
		rec.Status = models.ForecastFailed
	}
	for _, st := range j.stages {
		r, ok := j.results[st.ID()]
		if !ok {
			continue
		}
		sr := models.StageRecord{
			StageID:     r.StageID,
			Success:     r.Success,
			Error:       r.Error,
			StartedAt:   r.StartedAt,
			CompletedAt: r.CompletedAt,
		}
		if r.Data != nil {
			data, err := json.Marshal(r.Data)
			if err != nil {
				sr.Error = fmt.Sprintf("encode stage data: %v", err)
			} else {
				sr.Data = data
			}
		}
		rec.Stages = append(rec.Stages, sr)
	}
	return rec
}
