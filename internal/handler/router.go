package handler

import (
	"log/slog"
	"net/http"

	"github.com/Shivanand-hulikatti/activity-signup/internal/service"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
)

// Router builds the HTTP API around engine. feed serves the websocket stream
// of new activities and may be nil.
func Router(engine *service.Engine, feed http.Handler, logger *slog.Logger) http.Handler {
	h := NewActivityHandler(engine)
	r := chi.NewRouter()

	// Global middleware stack
	r.Use(chimiddleware.Recoverer) // recover from panics, return 500
	r.Use(chimiddleware.RequestID) // attach request IDs
	r.Use(chimiddleware.RealIP)    // trust X-Forwarded-For
	r.Use(Logger(logger))          // structured access log
	r.Use(CORS)

	r.Get("/health", HealthCheck)
	if feed != nil {
		r.Handle("/ws/activities", feed)
	}

	r.Group(func(r chi.Router) {
		r.Use(RequireUser)

		r.Post("/profiles", h.CreateProfile)
		r.Put("/profiles", h.EditProfile)
		r.Get("/profiles/{userID}", h.GetProfile)

		r.Route("/activities", func(r chi.Router) {
			r.Post("/", h.CreateActivity)
			r.Get("/", h.ListActivities)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetActivity)
				r.Put("/", h.EditActivity)
				r.Get("/participants", h.Participants)
				r.Get("/status", h.Status)
				r.Post("/join", h.Join)
				r.Delete("/join", h.Leave)
				r.Put("/checkin", h.SetCheckIn)
				r.Get("/checkin", h.CheckInCode)
				r.Post("/checkin", h.CheckIn)
				r.Put("/hosts/{action}", h.EditHosts)
			})
		})

		r.Post("/admin/sweep", h.RunSweep)
	})

	return r
}
