// Package api provides the REST API router.
package api

import (
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// RouterConfig holds configuration for the API router.
type RouterConfig struct {
	// MetricsEnabled exposes the Prometheus endpoint when true.
	MetricsEnabled bool
	// MetricsPath is the Prometheus endpoint path.
	MetricsPath string
}

// NewRouter creates a new API router.
func NewRouter(handler *Handler, logger zerolog.Logger) *chi.Mux {
	return NewRouterWithConfig(handler, logger, RouterConfig{MetricsEnabled: true, MetricsPath: "/metrics"})
}

// NewRouterWithConfig creates a new API router with configuration.
func NewRouterWithConfig(handler *Handler, logger zerolog.Logger, config RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(NewLoggingMiddleware(logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	// Health check
	r.Get("/health", handler.HealthCheck)

	// Prometheus metrics
	if config.MetricsEnabled {
		path := config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		r.Handle(path, promhttp.Handler())
	}

	// API v1
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/stats", handler.Stats)

		r.Post("/dispatch/{key}", handler.Dispatch)

		r.Route("/jobs", func(r chi.Router) {
			r.Get("/", handler.ListJobs)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", handler.GetJob)
				r.Post("/cancel", handler.CancelJob)
			})
		})

		r.Route("/runs", func(r chi.Router) {
			r.Get("/", handler.ListRuns)
			r.Get("/health", handler.ListRunHealth)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/health", handler.GetRunHealth)
				r.Get("/result", handler.GetRunResult)
				r.Post("/kill", handler.KillRun)
			})
		})
	})

	return r
}
