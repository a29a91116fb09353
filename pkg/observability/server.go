package observability

import (
	"context"
	"errors"
	"net/http"
	"time"
)

// Server exposes health and metrics on a separate admin listener, so probes
// and scraping do not share a port with client traffic.
type Server struct {
	httpServer *http.Server
	health     *HealthChecker
	addr       string
}

// NewServer creates an admin server on addr.
func NewServer(addr string, health *HealthChecker) *Server {
	s := &Server{
		addr:   addr,
		health: health,
	}
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// Handler returns the admin routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.health.LivenessHandler())
	mux.HandleFunc("/ready", s.health.ReadinessHandler())
	mux.Handle("/metrics", MetricsHandler())
	return mux
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
