package routes

import (
	"database/sql"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/upb/vc-policy-gateway/app"
	"github.com/upb/vc-policy-gateway/handlers"
	"github.com/upb/vc-policy-gateway/middleware"
	"github.com/upb/vc-policy-gateway/utils"
)

// SetupRoutes configures all application routes and middleware
func SetupRoutes(deps *app.Dependencies) http.Handler {
	cfg := deps.Config
	r := chi.NewRouter()

	// Core middleware
	r.Use(chimw.RequestID)
	r.Use(middleware.CapturePeerAddr)
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestLogger(deps.Logger))
	r.Use(chimw.Recoverer)
	if cfg.Server.RequestTimeout > 0 {
		r.Use(chimw.Timeout(cfg.Server.RequestTimeout))
	}

	// CORS middleware. The resource header is proxy-only and never allowed cross-origin.
	headers := []string{"Accept", "Authorization", "Content-Type", "X-Request-ID", cfg.Policy.CredentialHeader}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.Server.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   headers,
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check endpoints
	var db *sql.DB
	if deps.DB != nil {
		db = deps.DB.DB
	}
	health := handlers.NewHealthHandler(db, deps.Registry, deps.Logger)
	r.Get("/healthz", health.HandleHealth)
	r.Get("/readyz", health.HandleReadiness)

	if deps.Prometheus != nil {
		r.Handle(cfg.Observability.MetricsPath, deps.Prometheus.Handler())
	}

	// Decision point API
	var store handlers.DecisionStore
	if deps.DecisionLog != nil {
		store = deps.DecisionLog
	}
	pdp := handlers.NewPDPHandler(deps.Evaluator, deps.Registry, deps.Reloader, store, deps.Logger)

	r.Route("/api/v1/pdp", func(r chi.Router) {
		r.Post("/authenticate", pdp.HandleAuthenticate)
		r.Post("/authorize", pdp.HandleAuthorize)
		r.Get("/units", pdp.HandleListUnits)
		r.Post("/reload", pdp.HandleReload)
		r.Get("/decisions", pdp.HandleListDecisions)
		r.Get("/decisions/{id}", pdp.HandleGetDecision)
	})

	// Enforcement point: everything under the protected prefix
	if prefix := strings.TrimRight(cfg.Policy.ProtectedPrefix, "/"); prefix != "" {
		var upstream *url.URL
		if cfg.Policy.UpstreamURL != "" {
			// Validated by config
			upstream, _ = url.Parse(cfg.Policy.UpstreamURL)
		}
		protected := handlers.NewProtectedHandler(upstream, deps.Logger)

		r.Route(prefix, func(r chi.Router) {
			r.Use(deps.Enforcement.RequireCredential)
			r.Use(deps.Enforcement.EnforceAuthorize)
			r.Handle("/", protected)
			r.Handle("/*", protected)
		})
	}

	// 404 handler
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		_ = utils.WriteNotFound(w, "endpoint not found")
	})

	return r
}
