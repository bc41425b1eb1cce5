// Package api provides the HTTP surface of ChatterMill.
//
// It exposes the inbound webhook for messaging providers, operator endpoints
// for conversation reset and handover clearing, a state inspection endpoint,
// health, and Prometheus metrics.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/CedarLaneLabs/ChatterMill/internal/engine"
	"github.com/CedarLaneLabs/ChatterMill/internal/messaging"
	"github.com/CedarLaneLabs/ChatterMill/internal/store"
)

// DefaultAddr is the listen address when none is configured.
const DefaultAddr = ":8080"

// DefaultShutdownTimeout bounds graceful server shutdown.
const DefaultShutdownTimeout = 10 * time.Second

// Opts holds configuration options for the API server.
type Opts struct {
	Addr string
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// Server hosts the HTTP endpoints and delegates to the engine.
type Server struct {
	eng        *engine.Engine
	st         store.Store
	msgService messaging.Service
	httpServer *http.Server
}

// NewServer builds the API server around the engine and its collaborators.
func NewServer(eng *engine.Engine, st store.Store, msgService messaging.Service, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultAddr}
	for _, opt := range opts {
		opt(&cfg)
	}

	s := &Server{eng: eng, st: st, msgService: msgService}
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/webhook/inbound", s.inboundWebhookHandler)
	mux.HandleFunc("/v1/conversations/reset", s.resetHandler)
	mux.HandleFunc("/v1/conversations/state", s.stateHandler)
	mux.HandleFunc("/v1/handover/clear", s.clearHandoverHandler)
	mux.HandleFunc("/health", s.healthHandler)
	mux.Handle("/metrics", promhttp.Handler())

	s.httpServer = &http.Server{
		Addr:         cfg.Addr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	return s
}

// Start runs the HTTP server until ctx is canceled, then shuts down
// gracefully.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Start: listening", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("api server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("api server shutdown: %w", err)
		}
		slog.Info("Server.Start: shut down cleanly")
		return nil
	}
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, map[string]string{"status": "healthy"})
}
