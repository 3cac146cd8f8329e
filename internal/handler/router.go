package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MOPROGRAM/sahaplatform-sub001/internal/middleware"
	"github.com/MOPROGRAM/sahaplatform-sub001/pkg/logger"
)

// RouterConfig carries the handlers and HTTP policy for NewRouter.
type RouterConfig struct {
	JWTSecret         string
	AllowedOrigins    []string
	RateLimitRequests int
	RateLimitWindow   time.Duration

	Health        *HealthHandler
	Conversations *ConversationHandler
	Messages      *MessageHandler
	Stream        *StreamHandler
	Calls         *CallHandler
	WS            *WSHandler
}

// NewRouter mounts every API route.
func NewRouter(cfg RouterConfig, log *logger.Logger) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(log))
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.AllowedOrigins))

	// Health endpoints (no auth required)
	r.Get("/health", cfg.Health.Health)
	r.Get("/ready", cfg.Health.Ready)

	// Metrics endpoint
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// Unauthenticated traffic is capped per IP before tokens are checked.
		r.Use(middleware.RateLimit(4*cfg.RateLimitRequests, cfg.RateLimitWindow))
		r.Use(middleware.Auth(cfg.JWTSecret))
		limited := middleware.UserRateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow)

		// Long-lived connections are not rate limited per request.
		r.Get("/ws", cfg.WS.Connect)

		r.Route("/conversations", func(r chi.Router) {
			r.With(limited).Post("/", cfg.Conversations.FindOrCreate)
			r.With(limited).Get("/", cfg.Conversations.List)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/stream", cfg.Stream.Stream)

				r.Group(func(r chi.Router) {
					r.Use(limited)
					r.Get("/", cfg.Conversations.Get)
					r.Post("/repair", cfg.Conversations.Repair)
					r.Post("/read", cfg.Messages.MarkRead)

					r.Get("/messages", cfg.Messages.List)
					r.Post("/messages", cfg.Messages.Send)
					r.Patch("/messages/{messageID}", cfg.Messages.Edit)
					r.Delete("/messages/{messageID}", cfg.Messages.Delete)
				})
			})
		})

		r.Route("/calls", func(r chi.Router) {
			r.Use(limited)
			r.Post("/", cfg.Calls.Start)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", cfg.Calls.Get)
				r.Post("/accept", cfg.Calls.Accept)
				r.Post("/reject", cfg.Calls.Reject)
				r.Post("/end", cfg.Calls.End)
				r.Post("/signals", cfg.Calls.Signal)
			})
		})
	})

	return r
}
