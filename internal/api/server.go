// Package api serves the agent's own loopback diagnostic surface: the same
// endpoint names the transport speaks to the remote ingestion endpoint
// (spec.md §6), bound to 127.0.0.1 by default, used by operators and by the
// remote management console named as an external collaborator in spec.md
// §1. It is a read surface over the running Supervisor's status snapshot,
// not a second ingestion path.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	httpSwagger "github.com/swaggo/http-swagger"

	"github.com/securewatch/agent/internal/config"
	"github.com/securewatch/agent/internal/supervisor"
)

const defaultAddr = "127.0.0.1:8910"

// Server is the diagnostic HTTP+WS surface. Gated by
// SecurityConfig.DiagnosticAPIEnabled; cmd/agent only constructs and runs
// one when that flag is set.
type Server struct {
	sup    *supervisor.Supervisor
	cfg    config.SecurityConfig
	logger *slog.Logger
	hub    *wsHub
	http   *http.Server
}

// New builds a Server bound to cfg.DiagnosticAPIAddr (default
// 127.0.0.1:8910 when unset), reading status from sup.
func New(sup *supervisor.Supervisor, cfg config.SecurityConfig, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	addr := cfg.DiagnosticAPIAddr
	if addr == "" {
		addr = defaultAddr
	}

	s := &Server{
		sup:    sup,
		cfg:    cfg,
		logger: logger,
		hub:    newWSHub(logger),
	}
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Addr returns the address the server is bound to (after New, before Run).
func (s *Server) Addr() string { return s.http.Addr }

// Run serves until ctx is cancelled, then shuts the listener down
// gracefully. Shaped like the supervisor's own cooperative loops so
// cmd/agent can spawn it alongside the supervisor with the same pattern.
func (s *Server) Run(ctx context.Context) error {
	go s.hub.run(ctx)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("diagnostic API listening", "addr", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.http.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("diagnostic API shutdown error", "error", err)
		}
		<-errCh
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) router() *mux.Router {
	r := mux.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)

	// Public: operators probing liveness shouldn't need a token.
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	protected := r.NewRoute().Subrouter()
	protected.Use(s.authMiddleware)
	protected.HandleFunc("/events", s.handleEvents).Methods(http.MethodGet)
	protected.HandleFunc("/heartbeat", s.handleHeartbeat).Methods(http.MethodPost)
	protected.HandleFunc("/agents/{id}/config", s.handleAgentConfig).Methods(http.MethodGet)
	protected.HandleFunc("/ws", s.hub.handleWebSocket)

	r.HandleFunc("/docs/doc.json", handleOpenAPIDoc).Methods(http.MethodGet)
	r.PathPrefix("/docs").Handler(httpSwagger.Handler(httpSwagger.URL("/docs/doc.json")))

	return r
}
