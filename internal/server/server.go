// Package server is the single HTTP listener (C9): it dispatches every
// inbound connection to the forwarder, which itself routes reserved
// control-plane paths onward to the control API after admission.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Server wraps an http.Server with a bounded graceful-shutdown grace period.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// New builds a Server listening on host:port and dispatching to handler
// (the forwarder's http.Handler).
func New(host string, port int, handler http.Handler, logger *slog.Logger) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:    fmt.Sprintf("%s:%d", host, port),
			Handler: handler,
		},
		logger: logger,
	}
}

// ListenAndServe blocks until the listener fails or is shut down.
func (s *Server) ListenAndServe() error {
	s.logger.Info("listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops accepting new connections and waits up to grace for
// in-flight requests to drain before returning.
func (s *Server) Shutdown(grace time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}
