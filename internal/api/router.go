// Package api provides the REST API router.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// RouterConfig holds configuration for the API router.
type RouterConfig struct {
	// AllowedOrigins is the list of allowed CORS origins. Empty means all origins allowed.
	AllowedOrigins []string
	// AuthConfig holds authentication configuration.
	AuthConfig AuthConfig
	// RateLimiter limits control requests (optional).
	RateLimiter *RateLimiter
	// Recorder records request metrics (optional).
	Recorder HTTPRecorder
	// MetricsHandler is served without auth at MetricsPath (optional).
	MetricsHandler http.Handler
	MetricsPath    string
}

// NewRouter creates a new API router.
func NewRouter(handler *Handler, logger zerolog.Logger, config RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(NewLoggingMiddleware(logger))
	if config.Recorder != nil {
		r.Use(NewMetricsMiddleware(config.Recorder))
	}
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(NewCORSMiddleware(config.AllowedOrigins))

	r.Get("/health", handler.HealthCheck)

	if config.MetricsHandler != nil {
		path := config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		r.Handle(path, config.MetricsHandler)
	}

	control := NewRateLimitMiddleware(config.RateLimiter)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(NewAuthMiddleware(config.AuthConfig))

		r.Route("/engine", func(r chi.Router) {
			r.Get("/", handler.EngineStatus)
			r.With(control).Post("/attach", handler.AttachProject)
			r.With(control).Post("/detach", handler.DetachProject)
		})

		r.Route("/clock", func(r chi.Router) {
			r.Get("/", handler.GetClock)
			r.With(control).Post("/{action}", handler.ClockAction)
		})

		r.Route("/forecasts", func(r chi.Router) {
			r.Get("/", handler.ListForecasts)
			r.Delete("/", handler.DeleteForecasts)
			r.With(control).Post("/trigger", handler.TriggerForecast)
			r.Get("/{id}", handler.GetForecast)
		})

		r.Get("/models", handler.ListModels)

		r.Route("/workers", func(r chi.Router) {
			r.Get("/", handler.ListWorkers)
			r.Post("/reset", handler.ResetWorkers)
		})
	})

	return r
}

// NewCORSMiddleware creates a CORS middleware with configurable origins.
func NewCORSMiddleware(allowedOrigins []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			if len(allowedOrigins) == 0 {
				w.Header().Set("Access-Control-Allow-Origin", "*")
			} else {
				for _, allowed := range allowedOrigins {
					if origin == allowed || allowed == "*" {
						w.Header().Set("Access-Control-Allow-Origin", origin)
						break
					}
				}
			}

			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type, X-API-Key")
			w.Header().Set("Access-Control-Max-Age", "86400")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
