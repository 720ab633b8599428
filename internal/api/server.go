// Package api provides the HTTP boundary for transformation instances.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/roach88/transformflow/internal/engine"
	"github.com/roach88/transformflow/internal/ir"
	"github.com/roach88/transformflow/internal/metrics"
)

// Service is the engine surface the API exposes. Implemented by
// *engine.Engine.
type Service interface {
	Create(ctx context.Context, req ir.Request) (string, error)
	Status(ctx context.Context, id string) (ir.Instance, error)
	SubmitReview(ctx context.Context, id string, d ir.ReviewDecision) error
	Messages(ctx context.Context, id string) ([]ir.Message, error)
}

// HealthFunc reports whether the service can take requests.
type HealthFunc func(ctx context.Context) error

// Server provides HTTP endpoints for transformation instances.
type Server struct {
	echo    *echo.Echo
	svc     Service
	health  HealthFunc
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// Option configures a Server.
type Option func(*Server)

// WithHealth sets the readiness check behind GET /health.
func WithHealth(fn HealthFunc) Option {
	return func(s *Server) { s.health = fn }
}

// WithMetrics serves m on GET /metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// NewServer creates a new HTTP server.
func NewServer(svc Service, logger *zap.Logger, opts ...Option) (*Server, error) {
	if svc == nil {
		return nil, errors.New("service cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}
			logger.Debug("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)
			return nil
		}
	})

	s := &Server{echo: e, svc: svc, logger: logger}
	for _, opt := range opts {
		opt(s)
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	if s.metrics != nil {
		s.echo.GET("/metrics", echo.WrapHandler(s.metrics.Handler()))
	}

	v1 := s.echo.Group("/api/v1")
	v1.POST("/transforms", s.handleCreate)
	v1.GET("/transforms/:id", s.handleStatus)
	v1.POST("/transforms/:id/review", s.handleReview)
	v1.GET("/transforms/:id/messages", s.handleMessages)
}

// Handler returns the server's http.Handler.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start serves on addr until Shutdown. Returns nil after a clean shutdown.
func (s *Server) Start(addr string) error {
	s.logger.Info("starting http server", zap.String("addr", addr))
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}

// errorStatus maps engine errors to HTTP status codes.
func errorStatus(err error) int {
	switch {
	case engine.IsNotFound(err):
		return http.StatusNotFound
	case engine.IsInvalidRequest(err):
		return http.StatusBadRequest
	case engine.IsStaleReview(err):
		return http.StatusConflict
	case engine.IsMalformedDecision(err):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

// httpError converts err into an echo error. Unexpected errors are logged
// and reported without detail.
func (s *Server) httpError(c echo.Context, err error) error {
	status := errorStatus(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("uri", c.Request().RequestURI),
			zap.Error(err),
		)
		return echo.NewHTTPError(status, "internal error")
	}

	var rerr *engine.RuntimeError
	if errors.As(err, &rerr) {
		return c.JSON(status, ErrorResponse{Code: string(rerr.Code), Message: rerr.Message})
	}
	return echo.NewHTTPError(status, err.Error())
}
