package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/nexus-edge/device-link/internal/health"
)

// RouterDeps holds everything the router serves.
type RouterDeps struct {
	Handler    *APIHandler
	Middleware *Middleware
	Health     *health.HealthChecker
	Metrics    http.Handler
}

// NewRouter builds the HTTP routes.
func NewRouter(deps RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(deps.Middleware.RequestLogger)
	r.Use(middleware.Recoverer)

	if deps.Health != nil {
		r.Get("/health", deps.Health.HealthHandler)
		r.Get("/health/live", deps.Health.LivenessHandler)
		r.Get("/health/ready", deps.Health.ReadinessHandler)
	}
	if deps.Metrics != nil {
		r.Handle("/metrics", deps.Metrics)
	}

	r.Route("/api/devices", func(r chi.Router) {
		r.Get("/", deps.Handler.GetDevicesHandler)
		r.Get("/{id}", deps.Handler.GetDeviceHandler)

		r.Group(func(r chi.Router) {
			r.Use(deps.Middleware.RequireAuth)
			r.Use(deps.Middleware.LimitRequestBody)
			r.Post("/{id}/commands", deps.Handler.CommandHandler)
			r.Post("/{id}/reconnect", deps.Handler.ReconnectHandler)
		})
	})

	return r
}
