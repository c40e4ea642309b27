package web

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/phanzl/storewatch/internal/config"
	"github.com/phanzl/storewatch/internal/session"
	"github.com/phanzl/storewatch/internal/store"
	"github.com/phanzl/storewatch/internal/web/handlers"
	"github.com/phanzl/storewatch/internal/web/middleware"
)

// Server represents the web server
type Server struct {
	config     *config.Config
	store      store.Store
	runner     *session.Runner
	intake     *session.Intake
	router     *chi.Mux
	httpServer *http.Server
	jobManager *handlers.JobManager
	sessions   *handlers.SessionsHandler
}

// NewServer creates a new web server
func NewServer(cfg *config.Config, st store.Store, runner *session.Runner, intake *session.Intake) *Server {
	r := chi.NewRouter()

	s := &Server{
		config:     cfg,
		store:      st,
		runner:     runner,
		intake:     intake,
		router:     r,
		jobManager: handlers.NewJobManager(),
	}

	// Set up middleware stack
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Timeout(5 * time.Minute))
	r.Use(middleware.CORS(cfg.Server.AllowedOrigins))

	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  10 * time.Minute, // video uploads
		WriteTimeout: 0,                // SSE streams stay open for the whole run
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Start starts the HTTP server
func (s *Server) Start() error {
	log.Printf("Starting web server on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	log.Println("Shutting down web server...")

	// A running analysis job is cancelled so its final state is persisted
	// before the process exits.
	if job := s.jobManager.GetActiveJob(); job != nil {
		job.Cancel()
	}

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down server: %w", err)
	}
	return nil
}

// Router returns the chi router for testing
func (s *Server) Router() *chi.Mux {
	return s.router
}

// ResumeSession relaunches an interrupted session as the active analysis job.
func (s *Server) ResumeSession(sess *store.Session) error {
	_, err := s.sessions.Resume(sess)
	return err
}
