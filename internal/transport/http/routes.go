package httptransport

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	httpSwagger "github.com/swaggo/http-swagger"
)

// Routes wires the full HTTP surface. submits may be nil to disable
// submission throttling.
func Routes(h *Handler, logger *slog.Logger, submits *SubmitLimiter) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(RequestLogger(logger))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"*"},
	}))

	r.Get("/healthz", h.Healthz)
	r.Get("/stats", h.GetStats)
	r.Get("/ws", h.Events)

	r.Group(func(r chi.Router) {
		if submits != nil {
			r.Use(submits.Middleware)
		}
		r.Post("/convert", h.SubmitConversion)
	})

	r.Route("/jobs", func(r chi.Router) {
		r.Get("/{id}", h.GetJob)
		r.Get("/{id}/download", h.DownloadArchive)
	})

	r.Get("/swagger/*", httpSwagger.Handler(
		httpSwagger.URL("/swagger/doc.json"),
	))

	return r
}
