package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/Strob0t/costgate/internal/adapter/otel"
	"github.com/Strob0t/costgate/internal/config"
	"github.com/Strob0t/costgate/internal/middleware"
)

// NewRouter builds the full middleware chain and mounts every route.
func NewRouter(h *Handlers, cfg config.Server, serviceName string) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(chimw.RealIP)
	r.Use(Logger)
	r.Use(chimw.Recoverer)
	if cfg.RequestTimeout > 0 {
		r.Use(chimw.Timeout(cfg.RequestTimeout))
	}
	r.Use(SecurityHeaders)
	r.Use(CORS(cfg.CORSOrigin))
	r.Use(otel.HTTPMiddleware(serviceName))
	r.Use(middleware.Identity)

	MountRoutes(r, h, cfg.AdminRole)
	return r
}

// MountRoutes registers all API routes on the given chi router. Admin routes
// require adminRole; an empty adminRole leaves them open.
func MountRoutes(r chi.Router, h *Handlers, adminRole string) {
	r.Get("/health", h.Health)

	r.Route("/api/v1", func(r chi.Router) {
		// Hot path, called by the gateway for every request.
		r.Post("/check", h.Check)
		r.Post("/usage", h.RecordUsage)

		r.Group(func(r chi.Router) {
			if adminRole != "" {
				r.Use(middleware.RequireRole(adminRole))
			}

			// Tiers
			r.Get("/tiers", h.ListTiers)
			r.Post("/tiers", h.CreateTier)
			r.Get("/tiers/{id}", h.GetTier)
			r.Patch("/tiers/{id}", h.UpdateTier)
			r.Delete("/tiers/{id}", h.DeleteTier)
			r.Get("/tiers/{id}/events", h.ListTierEvents)

			// Assignments
			r.Get("/assignments", h.ListAssignments)
			r.Post("/assignments", h.CreateAssignment)
			r.Get("/assignments/{id}", h.GetAssignment)
			r.Patch("/assignments/{id}", h.UpdateAssignment)
			r.Delete("/assignments/{id}", h.DeleteAssignment)

			// Users
			r.Get("/users/{id}", h.InspectUser)
			r.Get("/users/{id}/events", h.ListUserEvents)

			// Costs
			r.Get("/costs/top", h.TopUsers)
			r.Get("/costs/users/{id}", h.GetUserCost)

			// Rollups
			r.Get("/rollups/{type}", h.ListRollups)
			r.Get("/rollups/{type}/{identifier}", h.GetRollup)
		})
	})
}
