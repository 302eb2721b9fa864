// Package server provides the HTTP server for the session relay.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/workspace/session-relay/internal/activity"
	"github.com/workspace/session-relay/internal/audit"
	"github.com/workspace/session-relay/internal/auth"
	"github.com/workspace/session-relay/internal/config"
	"github.com/workspace/session-relay/internal/gateway"
	"github.com/workspace/session-relay/internal/persistence"
	"github.com/workspace/session-relay/internal/session"
)

// Deps are the components the server fronts. Activity, Audit and Store are
// optional.
type Deps struct {
	Manager  *session.Manager
	Gateway  *gateway.Gateway
	Auth     auth.Authenticator
	Activity *activity.Tracker
	Audit    *audit.Recorder
	Store    *persistence.Store
}

// Server is the HTTP server for the relay.
type Server struct {
	config     *config.Config
	deps       Deps
	httpServer *http.Server
	startedAt  time.Time
}

// New creates a new server instance.
func New(cfg *config.Config, deps Deps) *Server {
	s := &Server{
		config:    cfg,
		deps:      deps,
		startedAt: time.Now().UTC(),
	}

	mux := http.NewServeMux()
	s.setupRoutes(mux)

	s.httpServer = &http.Server{
		Addr:              cfg.Addr(),
		Handler:           corsMiddleware(mux, cfg.AllowedOrigins),
		ReadHeaderTimeout: cfg.HTTPReadTimeout,
		ReadTimeout:       cfg.HTTPReadTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
	}
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start listens on the configured address and serves until Stop.
func (s *Server) Start() error {
	slog.Info("Starting session relay", "addr", s.httpServer.Addr, "backend", s.deps.Manager.BackendName())
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop shuts down in dependency order: stop accepting requests, end or
// release every session, close relay connections once their sessionEnded
// frames are flushed, then flush bookkeeping and close the store.
func (s *Server) Stop(ctx context.Context) error {
	var errs []error

	if err := s.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := s.deps.Manager.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if s.deps.Gateway != nil {
		if err := s.deps.Gateway.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if s.deps.Activity != nil {
		s.deps.Activity.Stop()
	}
	s.deps.Audit.Shutdown(ctx)
	if closer, ok := s.deps.Auth.(interface{ Close() }); ok {
		closer.Close()
	}
	if s.deps.Store != nil {
		if err := s.deps.Store.Close(); err != nil {
			slog.Warn("Failed to close persistence store", "error", err)
		}
	}

	slog.Info("Session relay stopped")
	return errors.Join(errs...)
}
