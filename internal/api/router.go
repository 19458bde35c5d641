package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/savegress/xdsmediator/internal/audit"
	"github.com/savegress/xdsmediator/internal/config"
	"github.com/savegress/xdsmediator/internal/dsub"
	"github.com/savegress/xdsmediator/internal/orchestrator"
)

// Server represents the API server
type Server struct {
	config   *config.Config
	router   chi.Router
	handlers *Handlers
}

// NewServer creates a new API server
func NewServer(cfg *config.Config, orch *orchestrator.Orchestrator, dsubService *dsub.Service, auditor *audit.Logger, log *zap.Logger) *Server {
	s := &Server{
		config:   cfg,
		router:   chi.NewRouter(),
		handlers: NewHandlers(cfg, orch, dsubService, auditor, log),
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Recoverer)

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "SOAPAction"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
}

func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handlers.HealthCheck)

	s.router.Route("/xdsmediator", func(r chi.Router) {
		// XDS.b transactions
		r.Post("/xdsrepository", s.handlers.ProvideAndRegister)
		r.Post("/xdsregistry", s.handlers.StoredQuery)

		// DSUB broker
		r.Route("/dsub/subscriptions", func(r chi.Router) {
			r.Post("/", s.handlers.CreateSubscription)
			r.Delete("/", s.handlers.DeleteSubscription)
		})
	})
}

// Router returns the chi router
func (s *Server) Router() http.Handler {
	return s.router
}
