package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/tremor/tremor/internal/ensemble"
	"github.com/tremor/tremor/internal/models"
	"github.com/tremor/tremor/internal/simclock"
	"github.com/tremor/tremor/internal/stages"
	"github.com/tremor/tremor/pkg/clock"
	"github.com/tremor/tremor/pkg/duration"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type fakeStore struct {
	mu   sync.Mutex
	recs []*models.ForecastRecord
}

func (s *fakeStore) SaveForecast(_ context.Context, rec *models.ForecastRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs = append(s.recs, rec)
	return nil
}

func (s *fakeStore) records() []*models.ForecastRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*models.ForecastRecord(nil), s.recs...)
}

type harness struct {
	engine  *Engine
	clock   *simclock.Clock
	store   *fakeStore
	release chan struct{}

	mu     sync.Mutex
	states []models.EngineState
	status []models.JobStatus
	done   []*models.ForecastRecord
}

type harnessOptions struct {
	mode   models.ClockMode
	hazard stages.HazardCalculator
}

func newHarness(t *testing.T, o harnessOptions) *harness {
	t.Helper()
	wall := clock.NewMock(t0)
	h := &harness{store: &fakeStore{}, release: make(chan struct{})}

	reg := ensemble.NewRegistry()
	reg.Register("fast", func(context.Context, models.ModelRunRequest) (any, error) {
		return map[string]float64{"rate": 0.44}, nil
	})
	reg.Register("slow", func(ctx context.Context, _ models.ModelRunRequest) (any, error) {
		select {
		case <-h.release:
			return map[string]float64{"rate": 0.07}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	d := ensemble.New(ensemble.DefaultConfig(), reg, zerolog.Nop(), ensemble.Options{Clock: wall})

	cfg := Config{Clock: ClockSettings{Mode: models.ClockWallClock, Speed: float64(6 * time.Hour / simclock.DefaultTickInterval)}}
	if o.mode == models.ClockExternalStep {
		cfg.Clock = ClockSettings{Mode: models.ClockExternalStep, Step: 6 * time.Hour}
	}

	h.clock = simclock.New(wall, zerolog.Nop(), simclock.Options{})
	h.engine = New(cfg, h.clock, zerolog.Nop(), Options{
		Dispatcher: d,
		Store:      h.store,
		Hazard:     o.hazard,
		WallClock:  wall,
	})

	h.engine.StateChanged.Connect(func(s models.EngineState) {
		h.mu.Lock()
		h.states = append(h.states, s)
		h.mu.Unlock()
	})
	h.engine.JobStatusUpdate.Connect(func(s models.JobStatus) {
		h.mu.Lock()
		h.status = append(h.status, s)
		h.mu.Unlock()
	})
	h.engine.ForecastComplete.Connect(func(r *models.ForecastRecord) {
		h.mu.Lock()
		h.done = append(h.done, r)
		h.mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	go h.engine.Run(ctx)
	t.Cleanup(cancel)
	return h
}

func testProject(modelType string) models.Project {
	return models.Project{
		ID:               "basel",
		Start:            t0,
		End:              t0.Add(24 * time.Hour),
		ForecastInterval: duration.Duration(6 * time.Hour),
		Template: models.ForecastTemplate{
			Horizon:    duration.Duration(24 * time.Hour),
			Magnitudes: models.MagnitudeRange{Min: 1, Max: 4},
			BinSize:    0.1,
		},
		Models: []models.ModelConfig{{ID: "A", Type: modelType, Enabled: true}},
	}
}

func (h *harness) completed() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.done)
}

func (h *harness) stateLog() []models.EngineState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]models.EngineState(nil), h.states...)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestEngine_AttachDetach(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	ctx := context.Background()

	if err := h.engine.Detach(ctx); !errors.Is(err, models.ErrNoProject) {
		t.Errorf("Detach() without project = %v", err)
	}
	if err := h.engine.Attach(ctx, testProject("fast")); err != nil {
		t.Fatalf("Attach() = %v", err)
	}
	if h.engine.State() != models.EngineReady {
		t.Errorf("expected READY, got %s", h.engine.State())
	}
	if err := h.engine.Attach(ctx, testProject("fast")); !errors.Is(err, models.ErrProjectAttached) {
		t.Errorf("second Attach() = %v", err)
	}
	if p, ok := h.engine.Project(); !ok || p.ID != "basel" {
		t.Errorf("unexpected project %+v", p)
	}
	if cfg, ok := h.clock.Config(); !ok || !cfg.Range.End.Equal(t0.Add(24*time.Hour)) {
		t.Errorf("clock not configured for the project: %+v", cfg)
	}

	if err := h.engine.Detach(ctx); err != nil {
		t.Fatalf("Detach() = %v", err)
	}
	if h.engine.State() != models.EngineInactive {
		t.Errorf("expected INACTIVE, got %s", h.engine.State())
	}
	if tasks := h.engine.Scheduler().Tasks(); len(tasks) != 0 {
		t.Errorf("forecast task left behind: %+v", tasks)
	}

	want := []models.EngineState{models.EngineReady, models.EngineInactive}
	if got := h.stateLog(); !equalStates(got, want) {
		t.Errorf("state log = %v, want %v", got, want)
	}
}

func TestEngine_AttachInvalidProject(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	p := testProject("fast")
	p.End = p.Start

	if err := h.engine.Attach(context.Background(), p); !errors.Is(err, models.ErrInvalidRange) {
		t.Errorf("Attach() = %v, want ErrInvalidRange", err)
	}
	if h.engine.State() != models.EngineInactive {
		t.Errorf("expected INACTIVE, got %s", h.engine.State())
	}
}

// A forecast due while a job runs is dropped, not queued.
func TestEngine_DropsForecastWhileBusy(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	ctx := context.Background()
	if err := h.engine.Attach(ctx, testProject("slow")); err != nil {
		t.Fatalf("Attach() = %v", err)
	}
	if err := h.clock.Start(); err != nil {
		t.Fatalf("Start() = %v", err)
	}

	h.clock.Tick()
	waitFor(t, "engine to become busy", func() bool { return h.engine.State() == models.EngineBusy })

	h.clock.Tick()
	waitFor(t, "skipped forecast", func() bool { return h.engine.GetMetrics().ForecastsSkipped == 1 })
	if h.engine.State() != models.EngineBusy {
		t.Errorf("expected BUSY, got %s", h.engine.State())
	}

	close(h.release)
	waitFor(t, "forecast completion", func() bool { return h.completed() == 1 })
	waitFor(t, "engine to become ready", func() bool { return h.engine.State() == models.EngineReady })

	m := h.engine.GetMetrics()
	if m.ForecastsStarted != 1 || m.ForecastsSucceeded != 1 {
		t.Errorf("unexpected metrics %+v", m)
	}
	recs := h.store.records()
	if len(recs) != 1 {
		t.Fatalf("expected 1 persisted forecast, got %d", len(recs))
	}
	if !recs[0].ForecastTime.Equal(t0.Add(6*time.Hour)) || recs[0].Status != models.ForecastSuccess {
		t.Errorf("unexpected record %+v", recs[0])
	}

	want := []models.EngineState{models.EngineReady, models.EngineBusy, models.EngineReady}
	if got := h.stateLog(); !equalStates(got, want) {
		t.Errorf("state log = %v, want %v", got, want)
	}
}

func TestEngine_AtMostOneJob(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	ctx := context.Background()
	if err := h.engine.Attach(ctx, testProject("slow")); err != nil {
		t.Fatalf("Attach() = %v", err)
	}

	for i := 0; i < 5; i++ {
		if _, err := h.engine.TriggerForecast(ctx, time.Time{}); err != nil {
			t.Fatalf("TriggerForecast() = %v", err)
		}
	}
	m := h.engine.GetMetrics()
	if m.ForecastsStarted != 1 || m.ForecastsSkipped != 4 {
		t.Errorf("expected 1 started and 4 skipped, got %+v", m)
	}

	if err := h.engine.Detach(ctx); !errors.Is(err, models.ErrEngineBusy) {
		t.Errorf("Detach() while busy = %v", err)
	}

	close(h.release)
	waitFor(t, "forecast completion", func() bool { return h.completed() == 1 })
	if err := h.engine.Detach(ctx); err != nil {
		t.Errorf("Detach() after completion = %v", err)
	}
	if n := len(h.store.records()); n != 1 {
		t.Errorf("expected 1 persisted forecast, got %d", n)
	}
}

func TestEngine_ExternalStepRunsInLockStep(t *testing.T) {
	h := newHarness(t, harnessOptions{mode: models.ClockExternalStep})
	if err := h.engine.Attach(context.Background(), testProject("fast")); err != nil {
		t.Fatalf("Attach() = %v", err)
	}
	if err := h.clock.Start(); err != nil {
		t.Fatalf("Start() = %v", err)
	}

	waitFor(t, "four forecasts", func() bool { return h.completed() == 4 })
	waitFor(t, "clock to stop", func() bool { return h.clock.State() == models.ClockStopped })

	recs := h.store.records()
	if len(recs) != 4 {
		t.Fatalf("expected 4 persisted forecasts, got %d", len(recs))
	}
	for i, rec := range recs {
		want := t0.Add(time.Duration(i+1) * 6 * time.Hour)
		if !rec.ForecastTime.Equal(want) {
			t.Errorf("forecast %d at %v, want %v", i, rec.ForecastTime, want)
		}
	}
	if !h.clock.Now().Equal(t0.Add(24 * time.Hour)) {
		t.Errorf("clock stopped at %v", h.clock.Now())
	}
}

func TestEngine_FailedJobReturnsToReady(t *testing.T) {
	hazard := stages.HazardFunc(func(context.Context, models.ForecastInput, ensemble.Results) (any, error) {
		return nil, errors.New("hazard curve diverged")
	})
	h := newHarness(t, harnessOptions{hazard: hazard})
	ctx := context.Background()
	if err := h.engine.Attach(ctx, testProject("fast")); err != nil {
		t.Fatalf("Attach() = %v", err)
	}
	if _, err := h.engine.TriggerForecast(ctx, time.Time{}); err != nil {
		t.Fatalf("TriggerForecast() = %v", err)
	}

	waitFor(t, "forecast completion", func() bool { return h.completed() == 1 })
	if h.engine.State() != models.EngineReady {
		t.Errorf("expected READY after failed job, got %s", h.engine.State())
	}
	recs := h.store.records()
	if len(recs) != 1 || recs[0].Status != models.ForecastFailed {
		t.Fatalf("expected one failed record, got %+v", recs)
	}
	if _, ok := recs[0].Stage(stages.HazardStageID); !ok {
		t.Error("failed hazard stage missing from record")
	}
	if h.engine.GetMetrics().ForecastsFailed != 1 {
		t.Errorf("unexpected metrics %+v", h.engine.GetMetrics())
	}
}

func TestEngine_JobStatusUpdates(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	ctx := context.Background()
	if err := h.engine.Attach(ctx, testProject("fast")); err != nil {
		t.Fatalf("Attach() = %v", err)
	}
	if _, err := h.engine.TriggerForecast(ctx, time.Time{}); err != nil {
		t.Fatalf("TriggerForecast() = %v", err)
	}
	waitFor(t, "forecast completion", func() bool { return h.completed() == 1 })

	h.mu.Lock()
	defer h.mu.Unlock()
	var kinds []models.JobStatusKind
	for _, s := range h.status {
		kinds = append(kinds, s.Kind)
	}
	want := []models.JobStatusKind{
		models.StatusJobStarted,
		models.StatusStageStarted,
		models.StatusModelCompleted,
		models.StatusStageCompleted,
		models.StatusJobCompleted,
	}
	if len(kinds) != len(want) {
		t.Fatalf("status kinds = %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Errorf("status %d = %s, want %s", i, kinds[i], want[i])
		}
	}
}

func TestEngine_TriggerRequiresProject(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	if _, err := h.engine.TriggerForecast(context.Background(), time.Time{}); !errors.Is(err, models.ErrNoProject) {
		t.Errorf("TriggerForecast() = %v, want ErrNoProject", err)
	}
}

func TestEngine_StoppedEngineRejectsCalls(t *testing.T) {
	clk := simclock.New(clock.NewMock(t0), zerolog.Nop(), simclock.Options{})
	e := New(DefaultConfig(), clk, zerolog.Nop(), Options{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		e.Run(ctx)
		close(done)
	}()
	cancel()
	<-done

	if err := e.Attach(context.Background(), testProject("fast")); !errors.Is(err, models.ErrEngineStopped) {
		t.Errorf("Attach() on stopped engine = %v", err)
	}
	if err := e.Run(context.Background()); err == nil {
		t.Error("expected error running the engine twice")
	}
}

func equalStates(a, b []models.EngineState) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
