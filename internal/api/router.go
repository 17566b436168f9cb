package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter builds the chi router with the standard middleware stack.
func NewRouter(h *Handlers) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/", h.Index)
	r.Get("/health", h.Liveness)
	r.Method(http.MethodGet, "/metrics", h.met.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/telemetry", h.Telemetry)
		r.Get("/health/{serviceID}", h.Health)
		r.Post("/health/{serviceID}/reset", h.ResetHealth)
		r.Get("/baseline/{serviceID}", h.Baseline)
		r.Get("/events", h.Events)
		r.Get("/system/status", h.SystemStatus)
		r.Post("/simulate", h.Simulate)
	})
	return r
}
