package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/lildude/racesync/internal/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Public holds the unauthenticated handlers Strava talks to.
type Public struct {
	// Challenge answers the webhook subscription check.
	Challenge http.Handler
	// Events receives webhook events.
	Events http.Handler
}

// NewRouter mounts the public webhook and metrics routes and the
// token-guarded /api routes.
func NewRouter(h *Handler, pub Public, adminToken string) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		if _, err := w.Write([]byte("racesync")); err != nil {
			h.log.WithError(err).Error("failed to write index")
		}
	})
	r.Method(http.MethodGet, "/webhook", pub.Challenge)
	r.Method(http.MethodPost, "/webhook", pub.Events)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.RequireToken(adminToken))

		r.Post("/tick", h.Tick)
		r.Post("/sync", h.Sync)
		r.Post("/sync/scheduled", h.SyncScheduled)
		r.Get("/jobs/{id}", h.Job)

		r.Route("/sessions/{id}", func(r chi.Router) {
			r.Get("/", h.Session)
			r.Post("/cancel", h.CancelSession)
		})

		r.Route("/athletes/{athleteID}/races", func(r chi.Router) {
			r.Get("/", h.Races)
			r.Patch("/{raceID}", h.UpdateRace)
			r.Delete("/{raceID}", h.DeleteRace)
		})

		r.Post("/grouping", h.Group)
		r.Get("/suggestions", h.Suggestions)
		r.Post("/suggestions/{id}/approve", h.Approve)
		r.Post("/suggestions/{id}/reject", h.Reject)

		r.Post("/logs/purge", h.PurgeLogs)
	})

	return r
}
