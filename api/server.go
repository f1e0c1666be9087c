/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for the reconciliation UI

ROUTE GROUPS:
  /api/selection/*        Wizard validation
  /api/deposit-lines/*    Per-line candidates
  /api/allocations/*      Allocation preview
  /api/matches            Apply
  /api/match-groups/*     Read and reverse groups
  /api/deposits/*         Auto-match
  /api/revenue-schedules/* Schedule read model
  /healthz                Liveness

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/reconciler/serve.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, allowedOrigins []string) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Post("/selection/validate", h.ValidateSelection)

		r.Get("/deposit-lines/{id}/candidates", h.GetCandidates)

		r.Post("/allocations/preview", h.PreviewAllocation)
		r.Post("/matches", h.ApplyMatch)

		r.Route("/match-groups", func(r chi.Router) {
			r.Get("/{id}", h.GetMatchGroup)
			r.Post("/{id}/reverse", h.ReverseMatchGroup)
		})

		r.Route("/deposits/{id}/auto-match", func(r chi.Router) {
			r.Post("/preview", h.AutoMatchPreview)
			r.Post("/confirm", h.AutoMatchConfirm)
		})

		r.Get("/revenue-schedules/{id}", h.GetSchedule)
	})

	return r
}
