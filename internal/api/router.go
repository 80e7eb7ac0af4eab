/**
 * @description
 * HTTP routers for the credit service and the ingestion service using go-chi/chi.
 */
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/ecs/credit-pipeline/internal/metrics"
)

func newBaseRouter(m *metrics.Metrics, service string) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID", "X-Internal-Key"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(m.Middleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(service + " is healthy"))
	})
	r.Method(http.MethodGet, "/metrics", m.Handler())

	return r
}

// NewOpsRouter serves only /health and /metrics. Workers use it.
func NewOpsRouter(m *metrics.Metrics, service string) *chi.Mux {
	return newBaseRouter(m, service)
}

// NewCreditRouter registers the credit decision routes. User routes require a
// bearer token when jwtSecret is set. Register and login are public and are
// mounted only when auth is non-nil.
func NewCreditRouter(h *CreditHandler, auth *AuthHandler, m *metrics.Metrics, jwtSecret string) *chi.Mux {
	r := newBaseRouter(m, "Credit service")

	r.Route("/v1", func(r chi.Router) {
		if auth != nil {
			r.Post("/register", auth.handleRegister)
			r.Post("/login", auth.handleLogin)
		}

		r.Group(func(r chi.Router) {
			r.Use(BearerAuthMiddleware(jwtSecret))
			r.Post("/users/{id}/credit-analysis", h.handleCreditAnalysis)
			r.Get("/users/{id}/offers", h.handleListOffers)
			r.Post("/credit-offers/{id}/accept", h.handleAcceptOffer)
		})
	})

	return r
}

// NewIngestRouter registers the event ingestion routes.
func NewIngestRouter(h *IngestHandler, m *metrics.Metrics, internalKey string) *chi.Mux {
	r := newBaseRouter(m, "Ingest service")

	r.Route("/v1", func(r chi.Router) {
		r.With(InternalKeyMiddleware(internalKey)).Post("/emotions/stream", h.handleEmotionStream)
		r.Post("/transactions", h.handleTransaction)
	})

	return r
}
