package main

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/grabwire/grab-api/internal/api"
	"github.com/grabwire/grab-api/internal/api/middleware"
	"github.com/grabwire/grab-api/internal/task"
)

// newRouter wires the HTTP surface: the download queue API, health check,
// and prometheus metrics.
func newRouter(manager *task.Manager) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.TraceMiddleware)
	r.Use(chimiddleware.Recoverer)

	downloadHandler := api.NewDownloadHandler(manager)
	r.Route("/api", func(r chi.Router) {
		r.Post("/downloads", downloadHandler.SubmitDownload)
		r.Get("/downloads", downloadHandler.ListDownloads)
		r.Get("/downloads/{id}", downloadHandler.GetDownload)
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	return r
}
