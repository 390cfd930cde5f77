// Package worker implements a remote model worker: an HTTP service that runs
// one forecast model run at a time and reports its progress when polled.
//
//	POST /run  submit a ModelRunRequest: 202 accepted, 400 malformed, 503 busy
//	GET  /run  poll: 202 running, 200 complete or error, 204 nothing to report
//	DELETE /run cancel the active run
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tremor/tremor/internal/models"
	"github.com/tremor/tremor/internal/tracing"
	"github.com/tremor/tremor/pkg/clock"
)

// Config configures a worker server.
type Config struct {
	// Timeout bounds a single model run. Zero means no limit.
	Timeout time.Duration
	// ResultTTL is how long a finished run stays available to GET /run.
	// Zero keeps it until the next submission.
	ResultTTL time.Duration
	// MaxRequestSize caps the POST /run body in bytes.
	MaxRequestSize int64
}

// DefaultConfig returns the default worker configuration.
func DefaultConfig() Config {
	return Config{
		Timeout:        time.Hour,
		ResultTTL:      10 * time.Minute,
		MaxRequestSize: 10 * 1024 * 1024,
	}
}

type run struct {
	id         string
	modelID    string
	cancel     context.CancelFunc
	done       bool
	result     json.RawMessage
	err        string
	startedAt  time.Time
	finishedAt time.Time
}

// Server runs at most one model run at a time.
type Server struct {
	cfg    Config
	model  Model
	clock  clock.Clock
	logger zerolog.Logger

	mu      sync.Mutex
	current *run
	wg      sync.WaitGroup
}

// NewServer creates a worker serving model. A nil clock uses the wall clock.
func NewServer(cfg Config, model Model, clk clock.Clock, logger zerolog.Logger) *Server {
	if clk == nil {
		clk = clock.New()
	}
	if cfg.MaxRequestSize <= 0 {
		cfg.MaxRequestSize = DefaultConfig().MaxRequestSize
	}
	return &Server{
		cfg:    cfg,
		model:  model,
		clock:  clk,
		logger: logger.With().Str("component", "worker").Logger(),
	}
}

// Handler returns the worker's HTTP handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.health)
	r.Post("/run", s.submit)
	r.Get("/run", s.poll)
	r.Delete("/run", s.cancel)
	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	busy := s.current != nil && !s.current.done
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "healthy", "busy": busy})
}

func (s *Server) submit(w http.ResponseWriter, r *http.Request) {
	var req models.ModelRunRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.cfg.MaxRequestSize)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body: " + err.Error()})
		return
	}
	if err := req.Input.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if req.RunID == "" {
		req.RunID = uuid.New().String()
	}

	ctx := tracing.ExtractHTTP(context.Background(), r.Header)
	var cancel context.CancelFunc
	if s.cfg.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}

	s.mu.Lock()
	if s.current != nil && !s.current.done {
		s.mu.Unlock()
		cancel()
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": models.ErrWorkerBusy.Error()})
		return
	}
	rn := &run{id: req.RunID, modelID: req.ModelID, cancel: cancel, startedAt: s.clock.Now()}
	s.current = rn
	s.wg.Add(1)
	s.mu.Unlock()

	s.logger.Info().Str("run_id", rn.id).Str("model_id", rn.modelID).Msg("Model run started")
	go s.execute(ctx, rn, req)

	writeJSON(w, http.StatusAccepted, models.RunStatusResponse{Status: models.RunStatusRunning, RunID: rn.id})
}

func (s *Server) execute(ctx context.Context, rn *run, req models.ModelRunRequest) {
	defer s.wg.Done()
	defer rn.cancel()

	ctx, span := tracing.StartModelRunSpan(ctx, req.RunID, req.ModelID, req.ModelType)
	defer span.End()

	result, err := s.runModel(ctx, req)

	s.mu.Lock()
	rn.done = true
	rn.finishedAt = s.clock.Now()
	if err != nil {
		rn.err = err.Error()
	} else {
		rn.result = result
	}
	elapsed := rn.finishedAt.Sub(rn.startedAt)
	s.mu.Unlock()

	if err != nil {
		tracing.RecordError(span, err)
		s.logger.Warn().Err(err).Str("run_id", rn.id).Dur("duration", elapsed).Msg("Model run failed")
		return
	}
	tracing.SetSpanOK(span)
	s.logger.Info().Str("run_id", rn.id).Dur("duration", elapsed).Msg("Model run completed")
}

func (s *Server) runModel(ctx context.Context, req models.ModelRunRequest) (result json.RawMessage, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = errors.New("model panicked")
			s.logger.Error().Interface("panic", p).Str("run_id", req.RunID).Msg("Model run panicked")
		}
	}()
	return s.model.Run(ctx, req)
}

func (s *Server) poll(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	rn := s.current
	if rn != nil && rn.done && s.cfg.ResultTTL > 0 && s.clock.Since(rn.finishedAt) >= s.cfg.ResultTTL {
		s.current = nil
		rn = nil
	}
	var status models.RunStatusResponse
	code := http.StatusNoContent
	if rn != nil {
		status.RunID = rn.id
		switch {
		case !rn.done:
			code, status.Status = http.StatusAccepted, models.RunStatusRunning
		case rn.err != "":
			code, status.Status, status.Error = http.StatusOK, models.RunStatusError, rn.err
		default:
			code, status.Status, status.Result = http.StatusOK, models.RunStatusComplete, rn.result
		}
	}
	s.mu.Unlock()

	if code == http.StatusNoContent {
		w.WriteHeader(code)
		return
	}
	writeJSON(w, code, status)
}

func (s *Server) cancel(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	rn := s.current
	active := rn != nil && !rn.done
	s.mu.Unlock()

	if !active {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	rn.cancel()
	s.logger.Info().Str("run_id", rn.id).Msg("Model run cancelled")
	writeJSON(w, http.StatusAccepted, models.RunStatusResponse{Status: models.RunStatusRunning, RunID: rn.id})
}

// Shutdown cancels the active run and waits for it to finish or for ctx to end.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.current != nil && !s.current.done {
		s.current.cancel()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
