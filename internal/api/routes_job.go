package api

import (
	"github.com/go-chi/chi/v5"
)

// MountJobRoutes wires the Operator Surface (start/pause/resume/stop/
// delete/status/config) onto r, matching the teacher's SetupRoutes
// sub-router-per-concern mounting style.
func MountJobRoutes(r chi.Router, h *JobHandlers) {
	r.Route("/jobs", func(r chi.Router) {
		r.Post("/", h.Start)
		r.Route("/{jobID}", func(r chi.Router) {
			r.Get("/", h.Status)
			r.Post("/pause", h.Pause)
			r.Post("/resume", h.Resume)
			r.Post("/stop", h.Stop)
			r.Delete("/", h.Delete)
		})
	})
	r.Route("/config/{key}", func(r chi.Router) {
		r.Get("/", h.GetConfig)
		r.Put("/", h.SetConfig)
	})
	r.Get("/bridge/files", h.BridgeFiles)
}
