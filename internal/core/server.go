// Package core provides the API chassis for the rhema backend. It builds a chi
// router and enforces cross-cutting concerns (panic recovery, request IDs,
// logging, CORS, metrics and error envelopes) before requests reach domain
// handlers.
package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"rhema/internal/config"
)

// MetricsCollector records API telemetry. The Prometheus implementation lives
// in the telemetry package.
type MetricsCollector interface {
	RecordRequest(method, route, status string, duration time.Duration)
}

// RouteRegistrar mounts a group of domain routes under /api. Registrars are
// supplied by cmd/api so core never imports handler packages.
type RouteRegistrar func(r chi.Router)

// ShutdownHook releases a resource during Server.Shutdown.
type ShutdownHook func(ctx context.Context) error

// Server encapsulates the API dependencies so tests can inject fakes.
type Server struct {
	Config    *config.Config
	Logger    *slog.Logger
	Validator *Validator
	Metrics   MetricsCollector

	// MetricsHandler serves GET /metrics when non-nil.
	MetricsHandler http.Handler

	APIRouteRegistrars []RouteRegistrar

	router        *chi.Mux
	shutdownHooks []ShutdownHook
}

// NewServer initializes the router and validator. Routes are mounted
// separately by MountRoutes so tests can customize registration.
func NewServer(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config must not be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger must not be nil")
	}

	return &Server{
		Config:    cfg,
		Logger:    logger,
		Validator: NewValidator(logger),
		router:    chi.NewRouter(),
	}, nil
}

// Handler returns the root http.Handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// OnShutdown registers a hook run by Shutdown in reverse registration order.
func (s *Server) OnShutdown(hook ShutdownHook) {
	s.shutdownHooks = append(s.shutdownHooks, hook)
}

// Shutdown runs every registered hook and joins their errors.
func (s *Server) Shutdown(ctx context.Context) error {
	s.Logger.Info("server shutdown initiated")

	var errs []error
	for i := len(s.shutdownHooks) - 1; i >= 0; i-- {
		if err := s.shutdownHooks[i](ctx); err != nil {
			s.Logger.Error("shutdown hook failed", "error", err)
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("releasing server resources: %w", err)
	}

	s.Logger.Info("server shutdown complete")
	return nil
}
