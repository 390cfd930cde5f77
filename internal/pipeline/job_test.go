package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/tremor/tremor/internal/models"
	"github.com/tremor/tremor/pkg/clock"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// manualStage completes only when the test calls finish.
type manualStage struct {
	id string

	mu       sync.Mutex
	started  int
	input    Input
	complete CompleteFunc
}

func (s *manualStage) ID() string { return s.id }

func (s *manualStage) Start(_ context.Context, in Input, complete CompleteFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started++
	s.input = in
	s.complete = complete
}

func (s *manualStage) startCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

func (s *manualStage) finish(r StageResult) {
	s.mu.Lock()
	complete := s.complete
	s.mu.Unlock()
	complete(r)
}

func forecastInput() models.ForecastInput {
	return models.ForecastInput{
		ProjectID:    "basel",
		ForecastTime: t0.Add(6 * time.Hour),
		Horizon:      24 * time.Hour,
		Magnitudes:   models.MagnitudeRange{Min: 0.5, Max: 4},
		BinSize:      0.1,
	}
}

func TestJob_StageSequencing(t *testing.T) {
	s1 := &manualStage{id: "ensemble"}
	s2 := &manualStage{id: "hazard"}
	s3 := &manualStage{id: "risk"}

	var done *Job
	job := NewJob("fc-1", []Stage{s1, s2, s3}, Options{Logger: zerolog.Nop()})
	if err := job.Run(context.Background(), forecastInput(), func(j *Job) { done = j }); err != nil {
		t.Fatalf("Run() = %v", err)
	}

	if s1.startCount() != 1 || s2.startCount() != 0 {
		t.Fatal("stage 2 started before stage 1 completed")
	}
	s1.finish(Succeeded(map[string]float64{"rate": 0.44}))

	if s2.startCount() != 1 || s3.startCount() != 0 {
		t.Fatal("stage 3 started before stage 2 completed")
	}
	if _, ok := s2.input.Result("ensemble"); !ok {
		t.Error("stage 2 did not receive stage 1 result")
	}
	s2.finish(Succeeded("hazard-curves"))

	if len(s3.input.Results) != 2 {
		t.Errorf("stage 3 expected 2 prior results, got %d", len(s3.input.Results))
	}
	if done != nil {
		t.Fatal("job completed before the last stage")
	}
	s3.finish(Succeeded("risk"))

	if done == nil || !job.Completed() {
		t.Fatal("job did not complete")
	}
	results := job.Results()
	for _, id := range []string{"ensemble", "hazard", "risk"} {
		r, ok := results[id]
		if !ok {
			t.Errorf("missing result for stage %s", id)
			continue
		}
		if r.StageID != id || !r.Success {
			t.Errorf("unexpected result for %s: %+v", id, r)
		}
	}
	if job.Err() != "" {
		t.Errorf("expected no error, got %s", job.Err())
	}
}

func TestJob_CompleteIsIdempotent(t *testing.T) {
	s1 := &manualStage{id: "a"}
	s2 := &manualStage{id: "b"}
	job := NewJob("fc-1", []Stage{s1, s2}, Options{Logger: zerolog.Nop()})
	job.Run(context.Background(), forecastInput(), nil)

	s1.finish(Succeeded(1))
	s1.finish(Succeeded(2))

	if s2.startCount() != 1 {
		t.Errorf("stage b started %d times", s2.startCount())
	}
	if got := job.Results()["a"].Data; got != 1 {
		t.Errorf("result overwritten by second completion: %v", got)
	}
}

func TestJob_FailedStageSkipsRest(t *testing.T) {
	s1 := &manualStage{id: "ensemble"}
	s2 := &manualStage{id: "hazard"}
	s3 := &manualStage{id: "risk"}

	completions := 0
	job := NewJob("fc-1", []Stage{s1, s2, s3}, Options{Logger: zerolog.Nop()})
	job.Run(context.Background(), forecastInput(), func(*Job) { completions++ })

	s1.finish(Succeeded(nil))
	s2.finish(Failed(errors.New("hazard engine unavailable")))

	if s3.startCount() != 0 {
		t.Error("stage after a failed stage was started")
	}
	if completions != 1 {
		t.Fatalf("expected done once, got %d", completions)
	}
	if !strings.Contains(job.Err(), "hazard engine unavailable") {
		t.Errorf("unexpected job error: %q", job.Err())
	}

	rec := job.Record()
	if rec.Status != models.ForecastFailed {
		t.Errorf("expected failed record, got %s", rec.Status)
	}
	if len(rec.Stages) != 2 {
		t.Errorf("expected 2 stage records, got %d", len(rec.Stages))
	}
}

func TestJob_StageDeadline(t *testing.T) {
	mock := clock.NewMock(t0)
	s1 := &manualStage{id: "ensemble"}

	done := make(chan *Job, 1)
	job := NewJob("fc-1", []Stage{s1}, Options{
		StageTimeout: time.Minute,
		Clock:        mock,
		Logger:       zerolog.Nop(),
	})
	job.Run(context.Background(), forecastInput(), func(j *Job) { done <- j })

	mock.Add(30 * time.Second)
	select {
	case <-done:
		t.Fatal("job completed before the deadline")
	default:
	}

	mock.Add(30 * time.Second)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("deadline did not complete the job")
	}

	r := job.Results()["ensemble"]
	if r.Success || r.Error != models.ErrStageDeadline.Error() {
		t.Errorf("expected deadline failure, got %+v", r)
	}

	// A late completion is ignored.
	s1.finish(Succeeded("late"))
	if job.Results()["ensemble"].Success {
		t.Error("late completion overwrote the deadline result")
	}
}

func TestJob_DeadlineCancelledByCompletion(t *testing.T) {
	mock := clock.NewMock(t0)
	s1 := &manualStage{id: "ensemble"}
	job := NewJob("fc-1", []Stage{s1}, Options{StageTimeout: time.Minute, Clock: mock, Logger: zerolog.Nop()})
	job.Run(context.Background(), forecastInput(), nil)

	s1.finish(Succeeded(nil))
	if mock.PendingTimers() != 0 {
		t.Errorf("deadline timer still pending after completion")
	}
}

type panicStage struct{}

func (panicStage) ID() string { return "broken" }

func (panicStage) Start(context.Context, Input, CompleteFunc) { panic("boom") }

func TestJob_PanickingStageFails(t *testing.T) {
	var finished bool
	job := NewJob("fc-1", []Stage{panicStage{}}, Options{Logger: zerolog.Nop()})
	job.Run(context.Background(), forecastInput(), func(*Job) { finished = true })

	if !finished {
		t.Fatal("job did not complete after stage panic")
	}
	if job.Results()["broken"].Success {
		t.Error("panicking stage recorded as success")
	}
}

func TestJob_ExecutorSerialisesCompletions(t *testing.T) {
	var (
		mu    sync.Mutex
		calls int
	)
	exec := func(f func()) {
		mu.Lock()
		calls++
		mu.Unlock()
		f()
	}

	stages := []Stage{
		NewFuncStage("a", func(context.Context, Input) (any, error) { return 1, nil }),
		NewFuncStage("b", func(context.Context, Input) (any, error) { return 2, nil }),
	}
	done := make(chan struct{})
	job := NewJob("fc-1", stages, Options{Executor: exec, Logger: zerolog.Nop()})
	job.Run(context.Background(), forecastInput(), func(*Job) { close(done) })

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("job did not complete")
	}
	mu.Lock()
	defer mu.Unlock()
	if calls != 2 {
		t.Errorf("expected 2 executor calls, got %d", calls)
	}
}

func TestJob_RunTwice(t *testing.T) {
	job := NewJob("fc-1", nil, Options{Logger: zerolog.Nop()})
	if err := job.Run(context.Background(), forecastInput(), nil); err != nil {
		t.Fatalf("Run() = %v", err)
	}
	if !job.Completed() {
		t.Error("empty job should complete immediately")
	}
	if err := job.Run(context.Background(), forecastInput(), nil); err == nil {
		t.Error("expected error on second Run")
	}
}

func TestJob_StatusUpdates(t *testing.T) {
	var kinds []models.JobStatusKind
	stage := &manualStage{id: "ensemble"}
	job := NewJob("fc-1", []Stage{stage}, Options{
		Logger:   zerolog.Nop(),
		OnStatus: func(s models.JobStatus) { kinds = append(kinds, s.Kind) },
	})
	job.Run(context.Background(), forecastInput(), nil)
	stage.finish(Succeeded(nil))

	want := []models.JobStatusKind{
		models.StatusJobStarted,
		models.StatusStageStarted,
		models.StatusStageCompleted,
		models.StatusJobCompleted,
	}
	if len(kinds) != len(want) {
		t.Fatalf("expected %v, got %v", want, kinds)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Errorf("status %d: expected %s, got %s", i, want[i], kinds[i])
		}
	}
}

func TestFuncStage_Error(t *testing.T) {
	s := NewFuncStage("hazard", func(context.Context, Input) (any, error) {
		return nil, errors.New("no curves")
	})
	got := make(chan StageResult, 1)
	s.Start(context.Background(), Input{}, func(r StageResult) { got <- r })

	select {
	case r := <-got:
		if r.Success || r.Error != "no curves" {
			t.Errorf("unexpected result %+v", r)
		}
	case <-time.After(time.Second):
		t.Fatal("stage did not complete")
	}
}
