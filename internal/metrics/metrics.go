// Package metrics provides Prometheus metrics for Tremor.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tremor/tremor/internal/models"
	"github.com/tremor/tremor/internal/scheduler"
)

const namespace = "tremor"

var engineStates = []models.EngineState{models.EngineInactive, models.EngineReady, models.EngineBusy}

// Metrics holds all Prometheus metrics for Tremor.
type Metrics struct {
	// Engine metrics
	EngineState      *prometheus.GaugeVec
	SimulatedTime    prometheus.Gauge
	ForecastsTotal   *prometheus.CounterVec
	ForecastsSkipped prometheus.Counter
	ForecastDuration prometheus.Histogram
	StageDuration    *prometheus.HistogramVec

	// Ensemble metrics
	ModelRunsTotal   *prometheus.CounterVec
	ModelRunDuration *prometheus.HistogramVec

	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	registerer prometheus.Registerer
}

// New creates a new Metrics instance and registers it with reg.
// A nil reg registers with the default Prometheus registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		EngineState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "engine_state",
			Help:      "Current engine state (1 for the active state).",
		}, []string{"state"}),
		SimulatedTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "simulated_time_seconds",
			Help:      "Current simulated project time as a Unix timestamp.",
		}),
		ForecastsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "forecasts_total",
			Help:      "Total number of completed forecast jobs.",
		}, []string{"status"}),
		ForecastsSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "forecasts_skipped_total",
			Help:      "Forecasts dropped because a job was already running.",
		}),
		ForecastDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "forecast_duration_seconds",
			Help:      "Forecast job duration in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 15), // 0.1s to ~1h
		}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Forecast stage duration in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 15),
		}, []string{"stage", "status"}),
		ModelRunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "model_runs_total",
			Help:      "Total number of model runs.",
		}, []string{"model_id", "model_type", "status"}),
		ModelRunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "model_run_duration_seconds",
			Help:      "Model run duration in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 15),
		}, []string{"model_id", "model_type"}),
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"method", "path", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
		registerer: reg,
	}

	reg.MustRegister(
		m.EngineState,
		m.SimulatedTime,
		m.ForecastsTotal,
		m.ForecastsSkipped,
		m.ForecastDuration,
		m.StageDuration,
		m.ModelRunsTotal,
		m.ModelRunDuration,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
	)
	m.SetEngineState(models.EngineInactive)

	return m
}

// Handler returns the Prometheus HTTP handler for g.
// A nil g serves the default Prometheus registry.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// RegisterScheduler exports the scheduler's firing counters.
func (m *Metrics) RegisterScheduler(s *scheduler.Scheduler) {
	m.registerer.MustRegister(
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_firings_total",
			Help:      "Total number of scheduled task firings.",
		}, func() float64 { return float64(s.GetMetrics().FiredTotal) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "missed_runs_total",
			Help:      "Periodic firings after which the task was still behind schedule.",
		}, func() float64 { return float64(s.GetMetrics().MissedRuns) }),
	)
}

// SetEngineState sets the engine state gauge.
func (m *Metrics) SetEngineState(state models.EngineState) {
	for _, s := range engineStates {
		v := 0.0
		if s == state {
			v = 1
		}
		m.EngineState.WithLabelValues(string(s)).Set(v)
	}
}

// SetClockTime records the simulated time.
func (m *Metrics) SetClockTime(t time.Time) {
	m.SimulatedTime.Set(float64(t.Unix()))
}

// RecordForecast records a completed forecast job.
func (m *Metrics) RecordForecast(status models.ForecastStatus, d time.Duration) {
	m.ForecastsTotal.WithLabelValues(string(status)).Inc()
	m.ForecastDuration.Observe(d.Seconds())
}

// RecordForecastSkipped records a forecast dropped while busy.
func (m *Metrics) RecordForecastSkipped() {
	m.ForecastsSkipped.Inc()
}

// RecordStage records a completed stage.
func (m *Metrics) RecordStage(stageID string, success bool, d time.Duration) {
	m.StageDuration.WithLabelValues(stageID, statusLabel(success)).Observe(d.Seconds())
}

// RecordModelRun records a finished model run.
func (m *Metrics) RecordModelRun(modelID, modelType, status string, d time.Duration) {
	m.ModelRunsTotal.WithLabelValues(modelID, modelType, status).Inc()
	m.ModelRunDuration.WithLabelValues(modelID, modelType).Observe(d.Seconds())
}

// RecordHTTPRequest records an HTTP request metric.
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration float64) {
	m.HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration)
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "failed"
}
