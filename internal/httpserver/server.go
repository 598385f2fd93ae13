// Package httpserver exposes the pipeline state and the source selection
// over a small JSON API.
package httpserver

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/pulsetap/pulsetap/internal/audiocore/meter"
	"github.com/pulsetap/pulsetap/internal/audiosystem"
	"github.com/pulsetap/pulsetap/internal/errors"
	"github.com/pulsetap/pulsetap/internal/logger"
	"github.com/pulsetap/pulsetap/internal/source"
)

const (
	apiPrefix       = "/api/v1"
	shutdownTimeout = 5 * time.Second
)

// Pipeline is the part of *audiosystem.System the API serves.
type Pipeline interface {
	Snapshot() audiosystem.Snapshot
	Levels() meter.Levels
	Select(ctx context.Context, id *uuid.UUID) error
	SelectByName(ctx context.Context, name string) (source.Source, error)
	SetNormalize(ctx context.Context, enabled bool) error
}

// Server encapsulates the Echo instance and its dependencies.
type Server struct {
	Echo     *echo.Echo
	pipeline Pipeline
	listen   string
	log      logger.Logger

	levelInterval time.Duration
}

// New builds the server and registers its routes. metricsHandler may be nil.
func New(pipeline Pipeline, metricsHandler http.Handler, listen string) *Server {
	s := &Server{
		Echo:          echo.New(),
		pipeline:      pipeline,
		listen:        listen,
		log:           logger.Global().Module("http"),
		levelInterval: 50 * time.Millisecond,
	}

	s.Echo.HideBanner = true
	s.Echo.HidePort = true
	s.configureMiddleware()
	s.initRoutes(metricsHandler)
	return s
}

func (s *Server) configureMiddleware() {
	s.Echo.Use(middleware.Recover())
	s.Echo.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator: newRequestID,
	}))
	s.Echo.Use(traceRequests)
	s.Echo.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			log := s.log.WithContext(c.Request().Context())
			fields := []logger.Field{
				logger.String("method", v.Method),
				logger.String("uri", v.URI),
				logger.Int("status", v.Status),
				logger.Duration("latency", v.Latency),
			}
			if v.Error != nil {
				log.Warn("request failed", append(fields, logger.Error(v.Error))...)
				return nil
			}
			log.Debug("request", fields...)
			return nil
		},
	}))
}

func newRequestID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// traceRequests stores the request id in the request context, so lines
// logged while serving the request carry it as trace_id.
func traceRequests(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if id := c.Response().Header().Get(echo.HeaderXRequestID); id != "" {
			req := c.Request()
			c.SetRequest(req.WithContext(logger.WithTraceID(req.Context(), id)))
		}
		return next(c)
	}
}

func (s *Server) initRoutes(metricsHandler http.Handler) {
	s.Echo.GET("/healthz", s.handleHealth)

	api := s.Echo.Group(apiPrefix)
	api.GET("/status", s.handleStatus)
	api.GET("/sources", s.handleSources)
	api.POST("/select", s.handleSelect)
	api.POST("/normalize", s.handleNormalize)
	api.GET("/levels", s.handleLevels)
	api.GET("/levels/stream", s.handleLevelStream)

	if metricsHandler != nil {
		s.Echo.GET("/metrics", echo.WrapHandler(metricsHandler))
	}
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http server listening", logger.String("address", s.listen))
		if err := s.Echo.Start(s.listen); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- errors.New(err).
				Component("http").
				Category(errors.CategoryNetwork).
				Context("address", s.listen).
				Build()
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.Echo.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}
