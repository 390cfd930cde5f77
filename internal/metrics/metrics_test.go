package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/tremor/tremor/internal/engine"
	"github.com/tremor/tremor/internal/ensemble"
	"github.com/tremor/tremor/internal/models"
	"github.com/tremor/tremor/internal/scheduler"
)

// Compile-time checks that Metrics satisfies the recorder interfaces.
var (
	_ engine.Recorder      = (*Metrics)(nil)
	_ ensemble.RunRecorder = (*Metrics)(nil)
)

func newTestMetrics(t *testing.T) (*Metrics, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	return New(reg), reg
}

// value returns the value of the gauge or counter name whose label values are
// labels, in label name order.
func value(t *testing.T, reg *prometheus.Registry, name string, labels ...string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
	metrics:
		for _, m := range f.GetMetric() {
			pairs := m.GetLabel()
			if len(pairs) != len(labels) {
				continue
			}
			for i, p := range pairs {
				if p.GetValue() != labels[i] {
					continue metrics
				}
			}
			if m.GetGauge() != nil {
				return m.GetGauge().GetValue()
			}
			return m.GetCounter().GetValue()
		}
	}
	t.Fatalf("metric %s%v not found", name, labels)
	return 0
}

func TestNew(t *testing.T) {
	m, reg := newTestMetrics(t)

	if m.ForecastsTotal == nil || m.ModelRunsTotal == nil || m.EngineState == nil {
		t.Fatal("metrics not initialized")
	}
	if v := value(t, reg, "tremor_engine_state", "inactive"); v != 1 {
		t.Errorf("expected inactive state gauge 1, got %v", v)
	}
}

func TestMetrics_SetEngineState(t *testing.T) {
	m, reg := newTestMetrics(t)
	m.SetEngineState(models.EngineBusy)

	tests := map[string]float64{"inactive": 0, "ready": 0, "busy": 1}
	for state, want := range tests {
		if got := value(t, reg, "tremor_engine_state", state); got != want {
			t.Errorf("engine_state{state=%q} = %v, want %v", state, got, want)
		}
	}
}

func TestMetrics_RecordForecast(t *testing.T) {
	m, reg := newTestMetrics(t)

	m.RecordForecast(models.ForecastSuccess, 2*time.Second)
	m.RecordForecast(models.ForecastSuccess, time.Second)
	m.RecordForecast(models.ForecastFailed, time.Second)
	m.RecordForecastSkipped()

	if v := value(t, reg, "tremor_forecasts_total", "success"); v != 2 {
		t.Errorf("expected 2 successful forecasts, got %v", v)
	}
	if v := value(t, reg, "tremor_forecasts_total", "failed"); v != 1 {
		t.Errorf("expected 1 failed forecast, got %v", v)
	}
	if v := value(t, reg, "tremor_forecasts_skipped_total"); v != 1 {
		t.Errorf("expected 1 skipped forecast, got %v", v)
	}
}

func TestMetrics_RecordModelRun(t *testing.T) {
	m, reg := newTestMetrics(t)
	m.RecordModelRun("etas", "remote", "failed", 3*time.Second)

	if v := value(t, reg, "tremor_model_runs_total", "etas", "remote", "failed"); v != 1 {
		t.Errorf("expected 1 model run, got %v", v)
	}
}

func TestMetrics_SetClockTime(t *testing.T) {
	m, reg := newTestMetrics(t)
	ts := time.Date(2024, 1, 1, 6, 0, 0, 0, time.UTC)
	m.SetClockTime(ts)

	if v := value(t, reg, "tremor_simulated_time_seconds"); v != float64(ts.Unix()) {
		t.Errorf("simulated time = %v, want %v", v, ts.Unix())
	}
}

func TestMetrics_RegisterScheduler(t *testing.T) {
	m, reg := newTestMetrics(t)
	s := scheduler.New(zerolog.Nop())
	m.RegisterScheduler(s)

	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s.AddTask(scheduler.Task{Name: "forecast", Interval: time.Hour, Fn: func(context.Context, time.Time) {}})
	s.ResetSchedule(t0)
	s.RunDueTasks(context.Background(), t0.Add(time.Hour))

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	for _, f := range families {
		if f.GetName() == "tremor_task_firings_total" {
			if v := f.GetMetric()[0].GetCounter().GetValue(); v != 1 {
				t.Errorf("task firings = %v, want 1", v)
			}
			return
		}
	}
	t.Error("tremor_task_firings_total not exported")
}

func TestHandler(t *testing.T) {
	m, reg := newTestMetrics(t)
	m.RecordStage("ensemble", true, time.Second)
	m.RecordHTTPRequest("GET", "/health", "200", 0.01)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	body, _ := io.ReadAll(rec.Body)
	for _, name := range []string{"tremor_stage_duration_seconds", "tremor_http_requests_total", "tremor_engine_state"} {
		if !strings.Contains(string(body), name) {
			t.Errorf("metrics output missing %s", name)
		}
	}
}
