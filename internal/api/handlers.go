// Package api provides the REST API handlers.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/tremor/tremor/internal/engine"
	"github.com/tremor/tremor/internal/ensemble"
	"github.com/tremor/tremor/internal/models"
	"github.com/tremor/tremor/internal/simclock"
	"github.com/tremor/tremor/internal/storage"
)

// Engine is the forecast engine surface the API drives.
type Engine interface {
	Status() engine.Status
	Project() (models.Project, bool)
	Attach(ctx context.Context, project models.Project) error
	Detach(ctx context.Context) error
	TriggerForecast(ctx context.Context, at time.Time) (string, error)
	Clock() *simclock.Clock
	Dispatcher() *ensemble.Dispatcher
}

// Handler handles API requests.
type Handler struct {
	engine Engine
	store  storage.ForecastStore
	logger zerolog.Logger
}

// NewHandler creates a new API handler. store may be nil, in which case the
// forecast history endpoints report the store as unavailable.
func NewHandler(eng Engine, store storage.ForecastStore, logger zerolog.Logger) *Handler {
	return &Handler{
		engine: eng,
		store:  store,
		logger: logger.With().Str("component", "api").Logger(),
	}
}

// Response is a generic API response.
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *ErrorInfo  `json:"error,omitempty"`
}

// ErrorInfo contains error details.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// TriggerRequest is the request body for a manual forecast.
type TriggerRequest struct {
	// At is the simulated time to run at. Zero means the current clock time.
	At time.Time `json:"at,omitempty"`
}

// TriggerResponse identifies the scheduled manual forecast.
type TriggerResponse struct {
	TaskName string    `json:"task_name"`
	At       time.Time `json:"at"`
}

// ClockResponse describes the simulation clock.
type ClockResponse struct {
	State    models.ClockState `json:"state"`
	Time     time.Time         `json:"time"`
	Mode     models.ClockMode  `json:"mode,omitempty"`
	Advanced *bool             `json:"advanced,omitempty"`
}

// ListForecastsResponse is the response for listing forecasts.
type ListForecastsResponse struct {
	ProjectID string                   `json:"project_id"`
	Forecasts []*models.ForecastRecord `json:"forecasts"`
	Total     int                      `json:"total"`
}

// HealthCheck handles GET /health.
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, Response{
		Success: true,
		Data: map[string]interface{}{
			"status":    "healthy",
			"engine":    h.engine.Status().State,
			"timestamp": time.Now().UTC(),
		},
	})
}

// EngineStatus handles GET /api/v1/engine.
func (h *Handler) EngineStatus(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, Response{Success: true, Data: h.engine.Status()})
}

// AttachProject handles POST /api/v1/engine/attach.
func (h *Handler) AttachProject(w http.ResponseWriter, r *http.Request) {
	var project models.Project
	if err := json.NewDecoder(r.Body).Decode(&project); err != nil {
		h.WriteAPIError(w, ErrInvalidJSON)
		return
	}
	if err := project.Validate(); err != nil {
		h.WriteAPIError(w, NewValidationError(err.Error()))
		return
	}
	if h.HandleError(w, h.engine.Attach(r.Context(), project)) {
		return
	}

	h.logger.Info().Str("project_id", project.ID).Msg("Project attached via API")
	h.writeJSON(w, http.StatusOK, Response{Success: true, Data: h.engine.Status()})
}

// DetachProject handles POST /api/v1/engine/detach.
func (h *Handler) DetachProject(w http.ResponseWriter, r *http.Request) {
	if h.HandleError(w, h.engine.Detach(r.Context())) {
		return
	}
	h.writeJSON(w, http.StatusOK, Response{Success: true, Data: h.engine.Status()})
}

// GetClock handles GET /api/v1/clock.
func (h *Handler) GetClock(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, Response{Success: true, Data: h.clockResponse(nil)})
}

// ClockAction handles POST /api/v1/clock/{action}.
func (h *Handler) ClockAction(w http.ResponseWriter, r *http.Request) {
	action := chi.URLParam(r, "action")
	clk := h.engine.Clock()
	if _, ok := h.engine.Project(); !ok {
		h.WriteAPIError(w, ErrNoProject)
		return
	}

	var advanced *bool
	switch action {
	case "start":
		if h.HandleError(w, clk.Start()) {
			return
		}
	case "pause":
		clk.Pause()
	case "stop":
		clk.Stop()
	case "step":
		if cfg, _ := clk.Config(); cfg.Mode != models.ClockExternalStep {
			h.WriteAPIError(w, NewValidationError("clock is not in external_step mode"))
			return
		}
		ok := clk.Step()
		advanced = &ok
	default:
		h.WriteAPIError(w, NewValidationError("unknown clock action "+strconv.Quote(action)))
		return
	}

	h.logger.Info().Str("action", action).Msg("Clock control")
	h.writeJSON(w, http.StatusOK, Response{Success: true, Data: h.clockResponse(advanced)})
}

func (h *Handler) clockResponse(advanced *bool) ClockResponse {
	clk := h.engine.Clock()
	resp := ClockResponse{State: clk.State(), Time: clk.Now(), Advanced: advanced}
	if cfg, ok := clk.Config(); ok {
		resp.Mode = cfg.Mode
	}
	return resp
}

// TriggerForecast handles POST /api/v1/forecasts/trigger.
func (h *Handler) TriggerForecast(w http.ResponseWriter, r *http.Request) {
	var req TriggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		h.WriteAPIError(w, ErrInvalidJSON)
		return
	}

	name, err := h.engine.TriggerForecast(r.Context(), req.At)
	if h.HandleError(w, err) {
		return
	}

	at := req.At
	if at.IsZero() {
		at = h.engine.Clock().Now()
	}
	h.logger.Info().Str("task", name).Time("at", at).Msg("Forecast triggered")
	h.writeJSON(w, http.StatusAccepted, Response{
		Success: true,
		Data:    TriggerResponse{TaskName: name, At: at},
	})
}

// ListForecasts handles GET /api/v1/forecasts.
// The project defaults to the attached one.
func (h *Handler) ListForecasts(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		h.WriteAPIError(w, ErrStoreUnavailable)
		return
	}
	projectID, ok := h.projectID(w, r)
	if !ok {
		return
	}

	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 0 {
			h.WriteAPIError(w, NewValidationError("limit must be a non-negative integer"))
			return
		}
		limit = n
	}

	recs, err := h.store.ListForecasts(r.Context(), projectID, limit)
	if h.HandleStoreError(w, err, "list forecasts") {
		return
	}
	if recs == nil {
		recs = []*models.ForecastRecord{}
	}

	h.writeJSON(w, http.StatusOK, Response{
		Success: true,
		Data: ListForecastsResponse{
			ProjectID: projectID,
			Forecasts: recs,
			Total:     len(recs),
		},
	})
}

// GetForecast handles GET /api/v1/forecasts/{id}.
func (h *Handler) GetForecast(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		h.WriteAPIError(w, ErrStoreUnavailable)
		return
	}
	rec, err := h.store.GetForecast(r.Context(), chi.URLParam(r, "id"))
	if h.HandleStoreError(w, err, "get forecast") {
		return
	}
	h.writeJSON(w, http.StatusOK, Response{Success: true, Data: rec})
}

// DeleteForecasts handles DELETE /api/v1/forecasts.
func (h *Handler) DeleteForecasts(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		h.WriteAPIError(w, ErrStoreUnavailable)
		return
	}
	projectID, ok := h.projectID(w, r)
	if !ok {
		return
	}

	n, err := h.store.DeleteForecasts(r.Context(), projectID)
	if h.HandleStoreError(w, err, "delete forecasts") {
		return
	}

	h.logger.Info().Str("project_id", projectID).Int("deleted", n).Msg("Forecasts deleted")
	h.writeJSON(w, http.StatusOK, Response{
		Success: true,
		Data:    map[string]interface{}{"project_id": projectID, "deleted": n},
	})
}

func (h *Handler) projectID(w http.ResponseWriter, r *http.Request) (string, bool) {
	if id := r.URL.Query().Get("project_id"); id != "" {
		return id, true
	}
	if p, ok := h.engine.Project(); ok {
		return p.ID, true
	}
	h.WriteAPIError(w, NewValidationError("project_id is required when no project is attached"))
	return "", false
}

// ListModels handles GET /api/v1/models.
func (h *Handler) ListModels(w http.ResponseWriter, r *http.Request) {
	types := append([]string{models.ModelTypeRemote}, h.engine.Dispatcher().Registry().Types()...)
	h.writeJSON(w, http.StatusOK, Response{Success: true, Data: map[string]interface{}{"types": types}})
}

// ListWorkers handles GET /api/v1/workers.
func (h *Handler) ListWorkers(w http.ResponseWriter, r *http.Request) {
	d := h.engine.Dispatcher()
	h.writeJSON(w, http.StatusOK, Response{
		Success: true,
		Data: map[string]interface{}{
			"breakers": d.GetBreakerStats(),
			"metrics":  d.GetMetrics(),
		},
	})
}

// ResetWorkers handles POST /api/v1/workers/reset.
func (h *Handler) ResetWorkers(w http.ResponseWriter, r *http.Request) {
	h.engine.Dispatcher().ResetBreakers()
	h.logger.Info().Msg("Worker circuit breakers reset")
	h.writeJSON(w, http.StatusOK, Response{Success: true})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error().Err(err).Msg("Failed to encode JSON response")
	}
}
