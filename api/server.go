/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

ROUTER: chi
  Chi was chosen for:
  - Lightweight and fast
  - Context-based
  - Middleware support
  - RESTful route patterns

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for frontend

ROUTE GROUPS:
  /api/storefronts/*    Provisioning and storefront lookup
  /api/plans            Plan catalog
  /api/webhooks/*       Signed processor deliveries
  /api/admin/*          Operator views

SECURITY NOTE:
  Requester identity comes from the X-Account-ID header set by the fronting
  auth proxy. The webhook route authenticates by signature instead and must
  stay outside any session middleware.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Account-ID"},
		AllowCredentials: true,
	}))

	// API routes
	r.Route("/api", func(r chi.Router) {
		// Storefront routes
		r.Route("/storefronts", func(r chi.Router) {
			r.Post("/confirm", h.ConfirmProvisioning)
			r.Get("/{handle}", h.GetStorefront)
		})

		// Plan catalog
		r.Get("/plans", h.ListPlans)

		// Processor webhooks (signature-authenticated, no session)
		r.Post("/webhooks/stripe", h.HandleWebhook)

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Get("/attention", h.ListAttention)
		})
	})

	// Health check
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	return r
}
