/**
 * @description
 * HTTP router setup for the scheme-service using go-chi/chi. Every product shares
 * one set of enrollment routes; the product is the first path segment.
 */
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new Chi router and registers the scheme routes.
func NewRouter(h *Handler, auth func(http.Handler) http.Handler, internalKey string) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token", "X-Internal-API-Key"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("Scheme service is healthy"))
	})

	r.Route("/internal/jobs", func(r chi.Router) {
		r.Use(InternalAuthMiddleware(internalKey))
		r.Post("/{job}/run", h.handleRunJob)
	})

	r.Group(func(r chi.Router) {
		r.Use(auth)
		r.Get("/rates/{metal}", h.handleGetRate)

		r.Route("/{product}/enrollments", func(r chi.Router) {
			r.Post("/", h.handleEnroll)
			r.Get("/", h.handleListEnrollments)
			r.Get("/{id}", h.handleGetEnrollment)
			r.Post("/{id}/payment-intents", h.handleCreatePaymentIntent)
			r.Post("/{id}/contributions", h.handleContribute)
			r.Post("/{id}/recall", h.handleRecall)
		})
	})

	return r
}
