package httpserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/pulsetap/pulsetap/internal/audiocore/meter"
	"github.com/pulsetap/pulsetap/internal/errors"
	"github.com/pulsetap/pulsetap/internal/logger"
	"github.com/pulsetap/pulsetap/internal/pulse"
)

// ErrorResponse is the body of every failed API call.
type ErrorResponse struct {
	Error         string `json:"error"`
	Message       string `json:"message"`
	Code          int    `json:"code"`
	CorrelationID string `json:"correlation_id"`
}

// SelectRequest selects a source by ID or by name. Both empty clears the selection.
type SelectRequest struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// NormalizeRequest switches volume compensation.
type NormalizeRequest struct {
	Enabled *bool `json:"enabled"`
}

type healthResponse struct {
	Status string             `json:"status"`
	Stream pulse.StreamStatus `json:"stream"`
}

func (s *Server) handleError(c echo.Context, err error, message string, code int) error {
	resp := ErrorResponse{
		Message:       message,
		Code:          code,
		CorrelationID: c.Response().Header().Get(echo.HeaderXRequestID),
	}
	if resp.CorrelationID == "" {
		resp.CorrelationID = newRequestID()
	}
	if err != nil {
		resp.Error = err.Error()
	} else {
		resp.Error = message
	}

	s.log.WithContext(c.Request().Context()).Warn("api error",
		logger.String("path", c.Path()),
		logger.String("message", message),
		logger.Int("code", code),
		logger.Error(err))
	return c.JSON(code, resp)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, healthResponse{
		Status: "ok",
		Stream: s.pipeline.Snapshot().Status,
	})
}

func (s *Server) handleStatus(c echo.Context) error {
	snap := s.pipeline.Snapshot()
	snap.Sources = nil
	return c.JSON(http.StatusOK, snap)
}

func (s *Server) handleSources(c echo.Context) error {
	return c.JSON(http.StatusOK, s.pipeline.Snapshot().Sources)
}

func (s *Server) handleLevels(c echo.Context) error {
	return c.JSON(http.StatusOK, s.pipeline.Levels())
}

func (s *Server) handleSelect(c echo.Context) error {
	var req SelectRequest
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&req); err != nil {
			return s.handleError(c, err, "invalid request body", http.StatusBadRequest)
		}
	}

	ctx := c.Request().Context()
	var err error
	switch {
	case req.ID != "":
		id, parseErr := uuid.Parse(req.ID)
		if parseErr != nil {
			return s.handleError(c, parseErr, "invalid source id", http.StatusBadRequest)
		}
		err = s.pipeline.Select(ctx, &id)
	case req.Name != "":
		_, err = s.pipeline.SelectByName(ctx, req.Name)
	default:
		err = s.pipeline.Select(ctx, nil)
	}

	if err != nil {
		if errors.IsNotFound(err) {
			return s.handleError(c, err, "source not found", http.StatusNotFound)
		}
		return s.handleError(c, err, "failed to select source", http.StatusInternalServerError)
	}

	snap := s.pipeline.Snapshot()
	snap.Sources = nil
	return c.JSON(http.StatusOK, snap)
}

func (s *Server) handleNormalize(c echo.Context) error {
	var req NormalizeRequest
	if err := c.Bind(&req); err != nil {
		return s.handleError(c, err, "invalid request body", http.StatusBadRequest)
	}
	if req.Enabled == nil {
		return s.handleError(c, nil, "enabled is required", http.StatusBadRequest)
	}

	if err := s.pipeline.SetNormalize(c.Request().Context(), *req.Enabled); err != nil {
		return s.handleError(c, err, "failed to change normalization", http.StatusInternalServerError)
	}

	snap := s.pipeline.Snapshot()
	snap.Sources = nil
	return c.JSON(http.StatusOK, snap)
}

// handleLevelStream pushes meter levels as server-sent events until the
// client goes away.
func (s *Server) handleLevelStream(c echo.Context) error {
	ctx := c.Request().Context()

	c.Response().Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	c.Response().Header().Set("Cache-Control", "no-cache")
	c.Response().Header().Set("Connection", "keep-alive")
	c.Response().WriteHeader(http.StatusOK)

	ticker := time.NewTicker(s.levelInterval)
	defer ticker.Stop()

	var last meter.Levels
	first := true
	for {
		levels := s.pipeline.Levels()
		if first || levels != last {
			data, err := json.Marshal(levels)
			if err != nil {
				return err
			}
			if _, err := fmt.Fprintf(c.Response(), "data: %s\n\n", data); err != nil {
				return err
			}
			c.Response().Flush()
			last, first = levels, false
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
