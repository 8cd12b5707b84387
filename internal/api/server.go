// Package api serves the introspection and control HTTP API of a running
// pipeline: read the current graph, watch it change, request reloads and
// shutdown.
package api

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/loykin/tapline/internal/config"
	"github.com/loykin/tapline/internal/signal"
	taptls "github.com/loykin/tapline/internal/tls"
	"github.com/loykin/tapline/internal/topology"
)

// DefaultAddress is used when api.address is empty.
const DefaultAddress = "127.0.0.1:8686"

// Server is the standalone HTTP server around a Router. It implements
// topology.APIServer.
type Server struct {
	router *Router
	logger *slog.Logger
	abort  func(error)
	tx     *signal.Sender

	mu      sync.Mutex
	cfg     config.APIConfig
	srv     *http.Server
	addr    net.Addr
	stopped bool
}

var _ topology.APIServer = (*Server)(nil)

// New builds a server that owns shared and tx. abort receives listener
// failures after Start has returned.
func New(cfg config.APIConfig, shared *topology.Shared, tx *signal.Sender, abort func(error), logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		router: NewRouter(shared, tx, cfg.BasePath, logger),
		logger: logger,
		abort:  abort,
		tx:     tx,
		cfg:    cfg,
	}
}

// Start binds the listener and serves in the background. Bind and TLS errors
// are returned directly.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return errors.New("api server already stopped")
	}
	tlsCfg, err := taptls.ServerConfig(s.cfg.TLS)
	if err != nil {
		return fmt.Errorf("api tls: %w", err)
	}
	addr := s.cfg.Address
	if addr == "" {
		addr = DefaultAddress
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("api listen %s: %w", addr, err)
	}
	if tlsCfg != nil {
		ln = tls.NewListener(ln, tlsCfg)
	}
	srv := &http.Server{
		Handler:           s.router.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	s.srv, s.addr = srv, ln.Addr()
	s.logger.Info("API server listening", "addr", s.addr.String(), "tls", tlsCfg != nil)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server failed", "error", err)
			if s.abort != nil {
				s.abort(fmt.Errorf("api server: %w", err))
			}
		}
	}()
	return nil
}

// Addr returns the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router.Handler() }

// UpdateConfig follows a reloaded config. Disabling the API stops the listener;
// enabling it or moving it requires a restart.
func (s *Server) UpdateConfig(ctx context.Context, cfg *config.Config) error {
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg.API
	running := s.srv != nil
	s.mu.Unlock()

	switch {
	case running && !cfg.API.Enabled:
		s.logger.Info("API disabled by reload, stopping listener.")
		return s.shutdownHTTP(ctx)
	case !running && cfg.API.Enabled:
		s.logger.Warn("API enabled by reload; restart to start the listener.")
	case cfg.API.Address != prev.Address:
		s.logger.Warn("API address changed; restart to apply.", "address", cfg.API.Address)
	}
	return nil
}

// ReleaseController returns the controller handle. Requests that need the
// controller answer 503 afterwards.
func (s *Server) ReleaseController() { s.router.release() }

// Stop shuts the listener down, releases the controller handle and the
// signal sender. It is safe to call more than once.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	err := s.shutdownHTTP(ctx)
	s.router.release()
	s.tx.Close()
	return err
}

func (s *Server) shutdownHTTP(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.srv = nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	if err := srv.Shutdown(ctx); err != nil {
		_ = srv.Close()
		return fmt.Errorf("api shutdown: %w", err)
	}
	return nil
}
