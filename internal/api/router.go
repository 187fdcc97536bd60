package api

import (
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/meshlink-protocol/meshlink/internal/api/middleware"
)

// NewRouter creates and configures the HTTP router for a handler and its
// auth middleware.
func NewRouter(h *Handler, auth *middleware.AuthMiddleware, logger zerolog.Logger) *chi.Mux {
	r := chi.NewRouter()

	// Metrics middleware (first to capture all requests)
	r.Use(middleware.Metrics)

	// Security middleware (order matters!)
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.MaxBodySize(64 * 1024)) // 64KB max body, payloads ride inside messages
	r.Use(middleware.ValidateRequest)

	// Standard middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Logger(logger))
	r.Use(chimw.Recoverer)

	// CORS - allow all origins (entities connect from anywhere)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Mesh-Entity", "X-Mesh-Nonce", "X-Mesh-Timestamp", "X-Mesh-Signature"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Metrics endpoint (for Prometheus scraping)
	r.Handle("/metrics", promhttp.Handler())

	// Public routes (no auth required)
	r.Get("/health", h.Health)
	r.Post("/register", h.Register)
	r.Post("/cert/issue", h.IssueCert)
	r.Get("/entities", h.ListEntities)

	// Authenticated routes (require signature)
	r.Group(func(r chi.Router) {
		r.Use(auth.RequireAuth)

		r.Post("/send", h.Send)
		r.Delete("/register/{id}", h.Unregister)
		r.Get("/inbox/{id}", h.Inbox)
		r.Post("/context", h.CreateContext)
		r.Get("/context/{id}", h.GetContext)
		r.Post("/policy", h.PutPolicy)
		r.Get("/policy/{id}", h.GetPolicy)
		r.Post("/cert/revoke", h.RevokeCert)
	})

	return r
}
