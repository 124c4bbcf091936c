package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/deepdiagram/deepdiagram/sync-core/internal/api/handlers"
	"github.com/deepdiagram/deepdiagram/sync-core/internal/api/middleware"
)

// NewRouter creates the gateway's HTTP router.
//
// CORS sits outside the route handlers so browser preflights get a 200 with
// POST advertised and a 30-second max-age, and so error responses (including
// 500s from a failed provisioning step) still carry the CORS headers a
// browser client needs to read them.
func NewRouter(h *handlers.Handlers) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Compress(5))
	r.Use(middleware.Logger)
	r.Use(middleware.Telemetry)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         30,
	}))

	r.Get("/health", h.Health)
	r.Get("/version", h.VersionInfo)
	r.Post("/provision", h.Provision)

	return r
}
