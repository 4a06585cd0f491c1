// Package server exposes a read-only HTTP status endpoint for a running
// harness.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/3leaps/roundtrip/internal/server/handlers"
	"github.com/3leaps/roundtrip/internal/server/middleware"
)

// DefaultShutdownTimeout bounds graceful shutdown.
const DefaultShutdownTimeout = 5 * time.Second

type Server struct {
	addr   string
	router chi.Router
	health *handlers.HealthManager
	log    *zap.Logger

	httpServer *http.Server
}

// New builds a server listening on addr. status supplies the /status body.
func New(addr, version string, status handlers.StatusSource, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		addr:   addr,
		health: handlers.NewHealthManager(version),
		log:    log,
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(middleware.RequestLogger(log))
	r.Use(middleware.Recovery)
	r.NotFound(handlers.NotFound)
	r.MethodNotAllowed(handlers.MethodNotAllowed)

	r.Get("/health", s.health.HealthHandler)
	r.Get("/status", handlers.StatusHandler(status))
	s.router = r

	return s
}

func (s *Server) Addr() string {
	return s.addr
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Health returns the manager behind /health so callers can register checks.
func (s *Server) Health() *handlers.HealthManager {
	return s.health
}

// Start listens on Addr and serves until ctx ends, then shuts down. It
// returns once the listener is bound; serve errors are logged.
func (s *Server) Start(ctx context.Context) (net.Addr, error) {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return nil, err
	}
	s.httpServer = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn("Status server stopped", zap.Error(err))
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), DefaultShutdownTimeout)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
	}()

	s.log.Info("Status endpoint listening", zap.String("addr", ln.Addr().String()))
	return ln.Addr(), nil
}
