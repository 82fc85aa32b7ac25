package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/menza-app/menza/internal/domain"
	"github.com/menza-app/menza/internal/service"
)

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer creates a new API server.
func NewServer(cfg domain.ServerConfig, svc *service.Service, repo domain.Repository, cache domain.Cache, bus domain.EventBus, version string) *Server {
	handler := NewHandler(svc, repo, cache, bus, version)
	router := chi.NewRouter()

	// Global middleware stack
	router.Use(CORSMiddleware)         // CORS for browser clients
	router.Use(RecoverMiddleware)      // Recover from panics
	router.Use(TracingMiddleware)      // OpenTelemetry tracing
	router.Use(LoggingMiddleware)      // Request logging
	router.Use(middleware.RealIP)      // Extract real IP
	router.Use(middleware.Compress(5)) // Gzip compression
	router.Use(UserMiddleware)         // Optional X-User-ID

	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)

	// Crowd board
	router.Get("/restaurants", handler.ListRestaurants)
	router.Route("/restaurants/{id}", func(r chi.Router) {
		r.Get("/crowd", handler.GetCrowd)
		r.Get("/reports", handler.ListReports)
		r.With(RequireUserMiddleware).Post("/reports", handler.SubmitReport)
		r.Put("/verified", handler.SetVerified)
	})
	router.Get("/compare", handler.Compare)
	router.Get("/heatmap", handler.Heatmap)

	// Users
	router.Get("/users/{id}/profile", handler.GetProfile)
	router.Put("/users/{id}/profile", handler.PutProfile)
	router.Post("/users/{id}/reviews", handler.RecordReview)

	// Spike rule management
	router.Get("/spike-rules", handler.ListSpikeRules)
	router.Post("/spike-rules", handler.CreateSpikeRule)
	router.Post("/spike-rules/reload", handler.ReloadSpikeRules)
	router.Get("/spike-rules/{id}", handler.GetSpikeRule)

	return &Server{
		router:  router,
		handler: handler,
		config:  cfg,
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.config.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.config.WriteTimeout) * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the Chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Handler returns the handler for testing.
func (s *Server) Handler() *Handler {
	return s.handler
}
