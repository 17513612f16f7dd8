package http

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/yiimnta/Pseudonymization-for-Whole-Slide-Image/internal/middleware"
)

// RequestTimeout bounds a single API call. Pseudonymising a large slide
// copies the whole container, so it is generous.
const RequestTimeout = 10 * time.Minute

// NewRouter constructs and returns an HTTP handler that serves the
// pseudonymisation API.
//
// Routes:
//
//	GET  /api/whoami                 → slides.WhoAmI
//	POST /api/pseudonymise           → slides.Pseudonymise
//	POST /api/depseudonymise         → slides.DePseudonymise
//	POST /api/restore                → slides.Restore
//	GET  /api/mappings/{pseudonymID} → slides.Mapping
//
// Middleware chain (applied in order):
//  1. WithRequestLogging(logger) logs every request, rejected ones included
//  2. CertAuth enforces TLS client certificate auth
//  3. AllowContentType("application/json") on request bodies
func NewRouter(slides *SlideHandler, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.WithRequestLogging(logger))
	r.Use(middleware.CertAuth)
	r.Use(chiMiddleware.Timeout(RequestTimeout))

	r.Route("/api", func(r chi.Router) {
		r.Get("/whoami", slides.WhoAmI)
		r.Get("/mappings/{pseudonymID}", slides.Mapping)

		r.Group(func(r chi.Router) {
			r.Use(chiMiddleware.AllowContentType("application/json"))
			r.Post("/pseudonymise", slides.Pseudonymise)
			r.Post("/depseudonymise", slides.DePseudonymise)
			r.Post("/restore", slides.Restore)
		})
	})

	return r
}
