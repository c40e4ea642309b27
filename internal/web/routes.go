package web

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/phanzl/storewatch/internal/web/handlers"
)

func (s *Server) setupRoutes() {
	videosHandler := handlers.NewVideosHandler(s.intake)
	sessionsHandler := handlers.NewSessionsHandler(s.store, s.runner, s.jobManager)
	s.sessions = sessionsHandler
	personsHandler := handlers.NewPersonsHandler(s.store)
	paymentsHandler := handlers.NewPaymentsHandler(s.store)
	dataHandler := handlers.NewDataHandler(s.store, s.jobManager)

	// Health check
	s.router.Get("/api/v1/health", handlers.HealthCheck)

	// API routes
	s.router.Route("/api/v1", func(r chi.Router) {
		// Upload
		r.Post("/videos", videosHandler.Upload)

		// Sessions (long-running analysis)
		r.Get("/sessions", sessionsHandler.List)
		r.Get("/sessions/{id}", sessionsHandler.Get)
		r.Delete("/sessions/{id}", sessionsHandler.Delete)
		r.Post("/sessions/{id}/start", sessionsHandler.Start)
		r.Post("/sessions/{id}/stop", sessionsHandler.Stop)
		r.Get("/sessions/{id}/events", sessionsHandler.Events)
		r.Get("/sessions/{id}/payments", paymentsHandler.Get)

		// Persons
		r.Get("/persons", personsHandler.List)
		r.Get("/persons/{token}", personsHandler.Get)

		// Data management
		r.Delete("/data", dataHandler.Clear)
	})

	s.router.Get("/", s.serveIndex)
}

// serveIndex serves a placeholder page pointing at the API.
func (s *Server) serveIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`<!DOCTYPE html>
<html>
<head>
    <title>Storewatch</title>
    <style>
        body { font-family: system-ui, sans-serif; display: flex; justify-content: center; align-items: center; height: 100vh; margin: 0; background: #1a1a2e; color: #eee; }
        .container { text-align: center; }
        h1 { color: #00d9ff; }
        p { color: #aaa; }
        a { color: #00d9ff; }
    </style>
</head>
<body>
    <div class="container">
        <h1>Storewatch</h1>
        <p>CCTV video analysis API.</p>
        <p>API is available at <a href="/api/v1/health">/api/v1/health</a></p>
    </div>
</body>
</html>`))
}
