package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/PortNumber53/partilha-pro/backend/internal/config"
	"github.com/PortNumber53/partilha-pro/backend/internal/handlers"
	"github.com/PortNumber53/partilha-pro/backend/internal/identity"
	appmw "github.com/PortNumber53/partilha-pro/backend/internal/middleware"
	"github.com/PortNumber53/partilha-pro/backend/internal/worker"
)

// Deps are the constructed collaborators the router dispatches to. Jobs and
// Worker are optional.
type Deps struct {
	DB       handlers.Pinger
	Resolver identity.Resolver
	Checkout *handlers.CheckoutHandler
	Webhook  *handlers.WebhookHandler
	Account  *handlers.AccountHandler
	Jobs     *handlers.JobHandler
	Worker   *worker.Worker
	Logger   zerolog.Logger
}

// Server wraps an http.Server with convenience helpers for startup/shutdown.
type Server struct {
	httpServer *http.Server
	worker     *worker.Worker
	limiter    *appmw.RateLimiter
	logger     zerolog.Logger
}

// New constructs an HTTP server using the provided configuration and dependencies.
func New(cfg config.Config, deps Deps) *Server {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	if cfg.TrustProxyHeaders {
		router.Use(middleware.RealIP)
	}
	router.Use(appmw.AccessLog(deps.Logger))
	router.Use(middleware.Recoverer)
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "X-Client-Info", "Apikey", "Content-Type"},
		MaxAge:         300,
	}))

	router.Get("/healthz", handlers.Health(deps.DB))

	// Stripe signs the raw body; nothing else may sit between it and the handler.
	if deps.Webhook != nil {
		deps.Webhook.RegisterRoutes(router)
	}

	var limiter *appmw.RateLimiter
	if deps.Checkout != nil {
		limiter = appmw.NewRateLimiter(cfg.Checkout.RateLimit, cfg.Checkout.RateBurst)
		router.Group(func(r chi.Router) {
			r.Use(limiter.Middleware())
			deps.Checkout.RegisterRoutes(r)
		})
	}

	if deps.Account != nil {
		router.Group(func(r chi.Router) {
			r.Use(appmw.RequireCaller(deps.Resolver, deps.Logger))
			deps.Account.RegisterRoutes(r)
		})
	}

	if deps.Jobs != nil {
		deps.Jobs.RegisterRoutes(router)
	}

	srv := &http.Server{
		Addr:         cfg.ServerAddress,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{httpServer: srv, worker: deps.Worker, limiter: limiter, logger: deps.Logger}
}

// Start begins serving HTTP traffic and starts the worker. The worker keeps
// ctx's values but not its cancellation: Shutdown stops it, so running jobs
// are handed back to the queue instead of abandoned.
func (s *Server) Start(ctx context.Context) error {
	if s.worker != nil {
		s.logger.Info().Msg("[server] starting job worker")
		s.worker.Start(context.WithoutCancel(ctx))
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the HTTP server and worker.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)
	if s.limiter != nil {
		s.limiter.Stop()
	}
	if s.worker != nil {
		s.logger.Info().Msg("[server] shutting down job worker")
		if werr := s.worker.Stop(ctx); werr != nil {
			s.logger.Error().Err(werr).Msg("[server] worker shutdown error")
		}
	}
	return err
}

// Handler exposes the underlying http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}
