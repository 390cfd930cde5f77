// Package ensemble fans a forecast out to every configured model and joins the results.
package ensemble

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tremor/tremor/internal/models"
	"github.com/tremor/tremor/internal/tracing"
	"github.com/tremor/tremor/pkg/clock"
)

// Config holds dispatcher configuration.
type Config struct {
	// MaxConcurrent bounds concurrent local model computations.
	MaxConcurrent int
	// RequestTimeout bounds a single HTTP exchange with a remote worker.
	RequestTimeout  time.Duration
	MaxIdleConns    int
	IdleConnTimeout time.Duration
	Remote          RemoteConfig
	Breaker         *BreakerConfig
}

// DefaultConfig returns the default dispatcher configuration.
func DefaultConfig() *Config {
	return &Config{
		MaxConcurrent:   4,
		RequestTimeout:  30 * time.Second,
		MaxIdleConns:    100,
		IdleConnTimeout: 90 * time.Second,
		Remote: RemoteConfig{
			PollInterval:    5 * time.Second,
			PollTimeout:     30 * time.Minute,
			MaxPollErrors:   3,
			MaxResponseSize: 10 * 1024 * 1024,
		},
		Breaker: DefaultBreakerConfig(),
	}
}

// RunRecorder observes every finished model run, e.g. to export metrics.
type RunRecorder interface {
	RecordModelRun(modelID, modelType, status string, duration time.Duration)
}

// Options holds the dispatcher's collaborators.
type Options struct {
	Clock      clock.Clock
	HTTPClient *http.Client
	Recorder   RunRecorder
}

// Results is the joined outcome of an ensemble, keyed by model id.
type Results map[string]models.ModelRunResult

// Succeeded returns the number of successful runs.
func (r Results) Succeeded() int {
	n := 0
	for _, res := range r {
		if res.Success {
			n++
		}
	}
	return n
}

// Failed returns the number of failed runs.
func (r Results) Failed() int {
	return len(r) - r.Succeeded()
}

// ModelIDs returns the model ids in sorted order.
func (r Results) ModelIDs() []string {
	ids := make([]string, 0, len(r))
	for id := range r {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Metrics tracks dispatcher metrics using atomic counters for thread safety.
type Metrics struct {
	EnsemblesTotal atomic.Int64
	RunsTotal      atomic.Int64
	RunsSuccess    atomic.Int64
	RunsFailed     atomic.Int64
}

// Dispatcher runs an ensemble of models for one forecast. Every dispatched
// request yields exactly one result and the join fires exactly once, after the
// last result, whatever the individual outcomes.
type Dispatcher struct {
	registry   *Registry
	pool       *Pool
	httpClient *http.Client
	breakers   *Breakers
	remote     RemoteConfig
	clock      clock.Clock
	recorder   RunRecorder
	logger     zerolog.Logger

	metrics *Metrics
}

// New creates a new Dispatcher.
func New(cfg *Config, registry *Registry, logger zerolog.Logger, opts Options) *Dispatcher {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if registry == nil {
		registry = NewRegistry()
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	remote := cfg.Remote
	defaults := DefaultConfig().Remote
	if remote.PollInterval <= 0 {
		remote.PollInterval = defaults.PollInterval
	}
	if remote.PollTimeout <= 0 {
		remote.PollTimeout = defaults.PollTimeout
	}
	if remote.MaxPollErrors <= 0 {
		remote.MaxPollErrors = defaults.MaxPollErrors
	}
	if remote.MaxResponseSize <= 0 {
		remote.MaxResponseSize = defaults.MaxResponseSize
	}

	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:    cfg.MaxIdleConns,
				IdleConnTimeout: cfg.IdleConnTimeout,
			},
			Timeout: cfg.RequestTimeout,
		}
	}

	logger = logger.With().Str("component", "ensemble").Logger()
	breakerCfg := cfg.Breaker
	if breakerCfg == nil {
		breakerCfg = DefaultBreakerConfig()
	}
	if breakerCfg.OnStateChange == nil {
		bc := *breakerCfg
		bc.OnStateChange = func(worker string, from, to BreakerState) {
			logger.Warn().
				Str("worker", worker).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Worker circuit breaker changed state")
		}
		breakerCfg = &bc
	}

	return &Dispatcher{
		registry:   registry,
		pool:       NewPool(cfg.MaxConcurrent),
		httpClient: client,
		breakers:   NewBreakers(breakerCfg, opts.Clock),
		remote:     remote,
		clock:      opts.Clock,
		recorder:   opts.Recorder,
		logger:     logger,
		metrics:    &Metrics{},
	}
}

// Prepare validates the model configurations and builds one adapter per enabled
// model. Nothing is started; a configuration error fails the whole ensemble.
func (d *Dispatcher) Prepare(input models.ForecastInput, cfgs []models.ModelConfig) ([]Adapter, error) {
	seen := make(map[string]bool, len(cfgs))
	adapters := make([]Adapter, 0, len(cfgs))

	for i := range cfgs {
		cfg := cfgs[i]
		if !cfg.Enabled {
			continue
		}
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		if seen[cfg.ID] {
			return nil, fmt.Errorf("%w: %s", models.ErrDuplicateModel, cfg.ID)
		}
		seen[cfg.ID] = true

		req := models.ModelRunRequest{
			RunID:      uuid.New().String(),
			ModelID:    cfg.ID,
			ModelType:  cfg.Type,
			Parameters: copyParameters(cfg.Parameters),
			Input:      input.Clone(),
		}

		if cfg.Type == models.ModelTypeRemote {
			breaker := d.breakers.Get(workerKey(cfg.URL))
			adapters = append(adapters, NewRemoteAdapter(req, cfg.URL, d.httpClient, breaker, d.remote, d.clock, d.logger))
			continue
		}
		fn, ok := d.registry.Lookup(cfg.Type)
		if !ok {
			return nil, fmt.Errorf("model %s: %w: %s", cfg.ID, models.ErrUnknownModel, cfg.Type)
		}
		adapters = append(adapters, NewLocalAdapter(req, fn, d.pool, d.clock))
	}
	return adapters, nil
}

// Run dispatches input to every enabled model in cfgs. onResult, if set, is
// called once per model as results arrive; done is called once with all results.
// Configuration errors are returned synchronously and nothing is started.
func (d *Dispatcher) Run(ctx context.Context, input models.ForecastInput, cfgs []models.ModelConfig, onResult func(models.ModelRunResult), done func(Results)) error {
	adapters, err := d.Prepare(input, cfgs)
	if err != nil {
		return err
	}
	d.Start(ctx, adapters, onResult, done)
	return nil
}

// Start starts every adapter concurrently and joins their results.
func (d *Dispatcher) Start(ctx context.Context, adapters []Adapter, onResult func(models.ModelRunResult), done func(Results)) {
	d.metrics.EnsemblesTotal.Add(1)
	d.logger.Info().Int("models", len(adapters)).Msg("Dispatching ensemble")

	j := &join{expected: len(adapters), results: make(Results, len(adapters)), done: done}
	if len(adapters) == 0 {
		j.fire()
		return
	}

	for _, a := range adapters {
		a := a
		req := a.Request()
		runCtx, span := tracing.StartModelRunSpan(ctx, req.RunID, req.ModelID, req.ModelType)

		var once sync.Once
		a.Start(runCtx, func(res models.ModelRunResult) {
			once.Do(func() {
				res.ModelID = req.ModelID
				res.RunID = req.RunID
				d.record(req, res)

				tracing.AddRunAttributes(span, res.Status(), res.Duration())
				if res.Success {
					tracing.SetSpanOK(span)
				} else {
					tracing.RecordError(span, fmt.Errorf("%s", res.FailureReason))
				}
				span.End()

				if onResult != nil {
					onResult(res)
				}
				j.add(res)
			})
		})
	}
}

func (d *Dispatcher) record(req models.ModelRunRequest, res models.ModelRunResult) {
	d.metrics.RunsTotal.Add(1)
	if res.Success {
		d.metrics.RunsSuccess.Add(1)
	} else {
		d.metrics.RunsFailed.Add(1)
	}
	if d.recorder != nil {
		d.recorder.RecordModelRun(req.ModelID, req.ModelType, res.Status(), res.Duration())
	}

	level := zerolog.InfoLevel
	if !res.Success {
		level = zerolog.WarnLevel
	}
	d.logger.WithLevel(level).
		Str("model_id", req.ModelID).
		Str("run_id", req.RunID).
		Bool("success", res.Success).
		Str("failure_reason", res.FailureReason).
		Dur("duration", res.Duration()).
		Msg("Model run finished")
}

// join collects one result per model and fires once when all have arrived.
type join struct {
	mu       sync.Mutex
	expected int
	results  Results
	fired    bool
	done     func(Results)
}

func (j *join) add(res models.ModelRunResult) {
	j.mu.Lock()
	if j.fired {
		j.mu.Unlock()
		return
	}
	j.results[res.ModelID] = res
	if len(j.results) < j.expected {
		j.mu.Unlock()
		return
	}
	j.mu.Unlock()
	j.fire()
}

func (j *join) fire() {
	j.mu.Lock()
	if j.fired {
		j.mu.Unlock()
		return
	}
	j.fired = true
	out := make(Results, len(j.results))
	for k, v := range j.results {
		out[k] = v
	}
	j.mu.Unlock()

	if j.done != nil {
		j.done(out)
	}
}

// Registry returns the local model registry.
func (d *Dispatcher) Registry() *Registry {
	return d.registry
}

// Wait blocks until every local computation has returned.
func (d *Dispatcher) Wait() {
	d.pool.Wait()
}

// MetricsSnapshot is a point-in-time snapshot of dispatcher metrics.
type MetricsSnapshot struct {
	EnsemblesTotal int64
	RunsTotal      int64
	RunsSuccess    int64
	RunsFailed     int64
	ActiveLocal    int
}

// GetMetrics returns a snapshot of the current metrics.
func (d *Dispatcher) GetMetrics() MetricsSnapshot {
	return MetricsSnapshot{
		EnsemblesTotal: d.metrics.EnsemblesTotal.Load(),
		RunsTotal:      d.metrics.RunsTotal.Load(),
		RunsSuccess:    d.metrics.RunsSuccess.Load(),
		RunsFailed:     d.metrics.RunsFailed.Load(),
		ActiveLocal:    d.pool.Active(),
	}
}

// GetBreakerStats returns the circuit breaker state of every remote worker.
func (d *Dispatcher) GetBreakerStats() map[string]BreakerStats {
	return d.breakers.Stats()
}

// ResetBreakers closes every worker circuit breaker.
func (d *Dispatcher) ResetBreakers() {
	d.breakers.ResetAll()
}

func copyParameters(in map[string]interface{}) map[string]interface{} {
	if in == nil {
		return nil
	}
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
