package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/openjobspec/schedmq/internal/api"
	"github.com/openjobspec/schedmq/internal/core"
)

// NewRouter assembles the admin API. store may be nil when the backend
// cannot report liveness.
func NewRouter(sched api.Scheduler, store core.Pinger, storeType string) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(api.Headers)
	r.Use(api.RequestLogger)
	r.Use(api.LimitBody)
	r.Use(api.ValidateContentType)

	taskH := api.NewTaskHandler(sched)
	systemH := api.NewSystemHandler(sched, store, storeType)

	r.Get("/v1/health", systemH.Health)
	r.Get("/v1/tasks", taskH.List)
	r.Post("/v1/tasks/{taskID}/executions", taskH.Push)
	r.Handle("/metrics", promhttp.Handler())

	return r
}
