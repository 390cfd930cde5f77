package simclock

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/tremor/tremor/internal/models"
	"github.com/tremor/tremor/pkg/clock"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type recorder struct {
	mu     sync.Mutex
	times  []time.Time
	states []models.ClockState
	notify chan time.Time
}

func attach(c *Clock) *recorder {
	r := &recorder{notify: make(chan time.Time, 64)}
	c.TimeChanged.Connect(func(t time.Time) {
		r.mu.Lock()
		r.times = append(r.times, t)
		r.mu.Unlock()
		r.notify <- t
	})
	c.StateChanged.Connect(func(s models.ClockState) {
		r.mu.Lock()
		r.states = append(r.states, s)
		r.mu.Unlock()
	})
	return r
}

func (r *recorder) snapshot() []time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Time(nil), r.times...)
}

func newTestClock() (*Clock, *clock.MockClock) {
	mock := clock.NewMock(t0)
	return New(mock, zerolog.Nop(), Options{TickInterval: time.Second}), mock
}

func TestConfigure_Validation(t *testing.T) {
	c, _ := newTestClock()

	tests := []struct {
		name    string
		cfg     Config
		wantErr error
	}{
		{"inverted range", Config{Range: TimeRange{Start: t0, End: t0.Add(-time.Hour)}, Mode: models.ClockWallClock, Speed: 1}, models.ErrInvalidRange},
		{"empty range", Config{Range: TimeRange{Start: t0, End: t0}, Mode: models.ClockWallClock, Speed: 1}, models.ErrInvalidRange},
		{"zero speed", Config{Range: TimeRange{Start: t0, End: t0.Add(time.Hour)}, Mode: models.ClockWallClock}, models.ErrInvalidSpeed},
		{"zero step", Config{Range: TimeRange{Start: t0, End: t0.Add(time.Hour)}, Mode: models.ClockExternalStep}, models.ErrInvalidStep},
		{"bad mode", Config{Range: TimeRange{Start: t0, End: t0.Add(time.Hour)}, Mode: "lockstep", Step: time.Hour}, models.ErrInvalidMode},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := c.Configure(tt.cfg); !errors.Is(err, tt.wantErr) {
				t.Errorf("Configure() = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestStart_NotConfigured(t *testing.T) {
	c, _ := newTestClock()
	if err := c.Start(); !errors.Is(err, models.ErrClockNotConfigured) {
		t.Errorf("Start() = %v, want ErrClockNotConfigured", err)
	}
}

func TestExternalStep_AutoStopsAtEnd(t *testing.T) {
	c, _ := newTestClock()
	rec := attach(c)

	err := c.Configure(Config{
		Range: TimeRange{Start: t0, End: t0.Add(24 * time.Hour)},
		Mode:  models.ClockExternalStep,
		Step:  6 * time.Hour,
	})
	if err != nil {
		t.Fatalf("Configure() = %v", err)
	}

	if err := c.Start(); err != nil {
		t.Fatalf("Start() = %v", err)
	}
	if got := c.Now(); !got.Equal(t0.Add(6 * time.Hour)) {
		t.Fatalf("after Start expected t0+6h, got %v", got)
	}

	for i := 0; i < 3; i++ {
		if !c.Step() {
			t.Fatalf("step %d was ignored", i+2)
		}
	}

	if c.State() != models.ClockStopped {
		t.Errorf("expected clock to stop at end, got %s", c.State())
	}
	if c.Step() {
		t.Error("step after auto-stop should be ignored")
	}

	want := []time.Time{t0.Add(6 * time.Hour), t0.Add(12 * time.Hour), t0.Add(18 * time.Hour), t0.Add(24 * time.Hour)}
	got := rec.snapshot()
	if len(got) != len(want) {
		t.Fatalf("expected %d notifications, got %d: %v", len(want), len(got), got)
	}
	for i := range want {
		if !got[i].Equal(want[i]) {
			t.Errorf("notification %d: expected %v, got %v", i, want[i], got[i])
		}
	}
}

func TestPause_TicksIgnoredAndResumeContinues(t *testing.T) {
	c, _ := newTestClock()
	rec := attach(c)

	err := c.Configure(Config{
		Range: TimeRange{Start: t0, End: t0.Add(24 * time.Hour)},
		Mode:  models.ClockWallClock,
		Speed: 3600,
	})
	if err != nil {
		t.Fatalf("Configure() = %v", err)
	}
	if err := c.Start(); err != nil {
		t.Fatalf("Start() = %v", err)
	}

	c.Tick()
	c.Tick()
	paused := c.Now()
	if !paused.Equal(t0.Add(2 * time.Hour)) {
		t.Fatalf("expected t0+2h before pause, got %v", paused)
	}

	c.Pause()
	c.Pause()
	for i := 0; i < 5; i++ {
		if c.Tick() {
			t.Errorf("tick %d advanced a paused clock", i)
		}
	}
	if !c.Now().Equal(paused) {
		t.Errorf("paused clock moved to %v", c.Now())
	}
	if n := len(rec.snapshot()); n != 2 {
		t.Errorf("expected 2 notifications, got %d", n)
	}

	if err := c.Start(); err != nil {
		t.Fatalf("resume Start() = %v", err)
	}
	c.Tick()
	if got := c.Now(); !got.Equal(paused.Add(time.Hour)) {
		t.Errorf("expected resume from %v, got %v", paused, got)
	}
	c.Stop()
}

func TestWallClock_ClampsToEnd(t *testing.T) {
	c, _ := newTestClock()
	rec := attach(c)

	err := c.Configure(Config{
		Range: TimeRange{Start: t0, End: t0.Add(150 * time.Minute)},
		Mode:  models.ClockWallClock,
		Speed: 3600,
	})
	if err != nil {
		t.Fatalf("Configure() = %v", err)
	}
	if err := c.Start(); err != nil {
		t.Fatalf("Start() = %v", err)
	}

	for i := 0; i < 5; i++ {
		c.Tick()
	}

	// The overshooting tick is clamped and emits end exactly once; end is not
	// repeated after the last regular tick.
	end := t0.Add(150 * time.Minute)
	want := []time.Time{t0.Add(time.Hour), t0.Add(2 * time.Hour), end}
	got := rec.snapshot()
	if len(got) != len(want) {
		t.Fatalf("expected notifications %v, got %v", want, got)
	}
	for i := range want {
		if !got[i].Equal(want[i]) {
			t.Errorf("notification %d = %v, want %v", i, got[i], want[i])
		}
	}
	rec.mu.Lock()
	stops := 0
	for _, st := range rec.states {
		if st == models.ClockStopped {
			stops++
		}
	}
	rec.mu.Unlock()
	if stops != 1 {
		t.Errorf("expected one stopped notification, got %d", stops)
	}
	for _, ts := range got {
		if ts.After(end) {
			t.Errorf("notification %v is past end", ts)
		}
	}
	if c.State() != models.ClockStopped {
		t.Errorf("expected stopped, got %s", c.State())
	}
}

func TestWallClock_DriverTicks(t *testing.T) {
	c, mock := newTestClock()
	rec := attach(c)

	err := c.Configure(Config{
		Range: TimeRange{Start: t0, End: t0.Add(24 * time.Hour)},
		Mode:  models.ClockWallClock,
		Speed: 60,
	})
	if err != nil {
		t.Fatalf("Configure() = %v", err)
	}
	if err := c.Start(); err != nil {
		t.Fatalf("Start() = %v", err)
	}
	defer c.Stop()

	mock.Add(time.Second)
	select {
	case ts := <-rec.notify:
		if !ts.Equal(t0.Add(time.Minute)) {
			t.Errorf("expected t0+1m, got %v", ts)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("driver did not tick")
	}
}

func TestMonotonicAcrossModes(t *testing.T) {
	c, _ := newTestClock()
	rec := attach(c)

	err := c.Configure(Config{
		Range: TimeRange{Start: t0, End: t0.Add(10 * time.Hour)},
		Mode:  models.ClockExternalStep,
		Step:  time.Hour,
	})
	if err != nil {
		t.Fatalf("Configure() = %v", err)
	}
	if err := c.Start(); err != nil {
		t.Fatalf("Start() = %v", err)
	}

	// Ticks are a wall-clock mode event and must not move an external-step clock.
	if c.Tick() {
		t.Error("Tick advanced an external-step clock")
	}
	c.Step()
	c.Pause()
	c.Step()
	c.Start()
	c.Step()
	c.Stop()
	c.Step()

	got := rec.snapshot()
	for i := 1; i < len(got); i++ {
		if got[i].Before(got[i-1]) {
			t.Fatalf("time went backwards: %v then %v", got[i-1], got[i])
		}
	}
}

func TestStop_RestartsFromStart(t *testing.T) {
	c, _ := newTestClock()
	err := c.Configure(Config{
		Range: TimeRange{Start: t0, End: t0.Add(10 * time.Hour)},
		Mode:  models.ClockExternalStep,
		Step:  time.Hour,
	})
	if err != nil {
		t.Fatalf("Configure() = %v", err)
	}
	c.Start()
	c.Step()
	c.Stop()

	if err := c.Start(); err != nil {
		t.Fatalf("Start() = %v", err)
	}
	if got := c.Now(); !got.Equal(t0.Add(time.Hour)) {
		t.Errorf("expected restart at t0+1h, got %v", got)
	}
}
