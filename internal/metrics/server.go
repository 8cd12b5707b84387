package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
)

// Server exposes /metrics on a dedicated listener.
type Server struct {
	e      *echo.Echo
	addr   string
	logger *slog.Logger
	errCh  chan error
}

// NewServer builds an echo server serving Handler under /metrics.
func NewServer(addr string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.GET("/metrics", echo.WrapHandler(Handler()))
	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	return &Server{e: e, addr: addr, logger: logger, errCh: make(chan error, 1)}
}

// Start begins serving in the background. Listener errors arrive on Err.
func (s *Server) Start() {
	go func() {
		s.logger.Info("metrics endpoint listening", "addr", s.addr)
		if err := s.e.Start(s.addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.errCh <- err
		}
		close(s.errCh)
	}()
}

// Err reports a listener failure.
func (s *Server) Err() <-chan error { return s.errCh }

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler { return s.e }

func (s *Server) Shutdown(ctx context.Context) error { return s.e.Shutdown(ctx) }
