package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxrequest/internal/api/middleware"
	"github.com/drfirst/go-rxrequest/internal/api/response"
	"github.com/drfirst/go-rxrequest/internal/infrastructure/ratelimit"
)

// RouterConfig collects everything the API router mounts.
type RouterConfig struct {
	ServiceName   string
	CORSOrigins   []string
	Authenticator middleware.TokenAuthenticator
	// Limiter may be nil to disable rate limiting.
	Limiter       ratelimit.Limiter
	Prescriptions *PrescriptionHandler
	Subscriptions *SubscriptionHandler
	Auth          *AuthHandler
	Health        *HealthHandler
	Metrics       http.Handler
}

// NewRouter builds the HTTP handler for the API.
func NewRouter(cfg RouterConfig, logger *zap.Logger) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()

	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS(cfg.CORSOrigins))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Tracing(cfg.ServiceName))

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		response.Fail(w, http.StatusNotFound, "ROUTE_NOT_FOUND", "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		response.Fail(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
	})

	if cfg.Health != nil {
		r.Get("/health", cfg.Health.Health)
		r.Get("/ready", cfg.Health.Ready)
	}
	if cfg.Metrics != nil {
		r.Handle("/metrics", cfg.Metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Authenticate(cfg.Authenticator, logger))
		if cfg.Limiter != nil {
			r.Use(middleware.RateLimit(cfg.Limiter, logger))
		}

		if cfg.Prescriptions != nil {
			r.Mount("/prescriptions", cfg.Prescriptions.Routes())
		}
		if cfg.Subscriptions != nil {
			r.Mount("/notifications", cfg.Subscriptions.Routes())
		}
		if cfg.Auth != nil {
			r.Post("/auth/logout", cfg.Auth.Logout)
		}
	})

	return r
}
