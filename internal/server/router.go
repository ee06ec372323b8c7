// Package server assembles the HTTP control plane.
package server

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/metropolis-io/metropolis/internal/api"
)

// NewRouter wires all routes and middleware to the given orchestrator.
func NewRouter(orch api.Orchestrator) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(api.RequestID)
	r.Use(api.RequestLogger)
	r.Use(api.LimitBody)
	r.Use(api.ValidateContentType)

	pipelineH := api.NewPipelineHandler(orch)
	runH := api.NewRunHandler(orch)
	systemH := api.NewSystemHandler(orch)

	r.Get("/healthz", systemH.Health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/pipelines", pipelineH.Create)
		r.Post("/pipelines/{id}/runs", pipelineH.Trigger)
		r.Get("/runs/{id}", runH.Get)
		r.Post("/runs/{id}/cancel", runH.Cancel)
		r.Get("/runs/{id}/dead-letters", runH.DeadLetters)
	})

	return r
}
