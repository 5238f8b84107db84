package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/ignite/capi-uploader/internal/config"
	"github.com/ignite/capi-uploader/internal/pkg/httputil"
)

// SetupRoutes configures all API routes.
func SetupRoutes(cfg config.ServerConfig, h *Handlers, health *HealthChecker) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.AllowedOrigins(),
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
		ExposedHeaders: []string{"Content-Disposition"},
		MaxAge:         300,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.HealthCheck)
		if health != nil {
			r.Get("/health/ready", health.HandleReady)
		}

		r.Post("/uploads", h.CreateUpload)

		r.Route("/jobs", func(r chi.Router) {
			// Static segment first so it is not read as a job id
			r.Post("/cancel-all", h.CancelAllJobs)
			r.Get("/{jobID}", h.GetJob)
			r.Post("/{jobID}/cancel", h.CancelJob)
			r.Get("/{jobID}/errors", h.DownloadErrors)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		httputil.NotFound(w, "not found")
	})

	return r
}
