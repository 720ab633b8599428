package api

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/roach88/transformflow/internal/ir"
)

// CreateRequest is the request body for POST /api/v1/transforms.
type CreateRequest struct {
	ClientID        string   `json:"client_id"`
	MappingRef      string   `json:"mapping_ref"`
	DataRef         string   `json:"data_ref"`
	ExpectedColumns []string `json:"expected_columns,omitempty"`
}

// CreateResponse is the response body for POST /api/v1/transforms.
type CreateResponse struct {
	InstanceID string `json:"instance_id"`
	ClientID   string `json:"client_id"`
}

// ReviewRequest is the request body for POST /api/v1/transforms/:id/review.
// Approved is a pointer so a missing field can be told from false.
type ReviewRequest struct {
	Approved *bool  `json:"approved"`
	Feedback string `json:"feedback"`
}

// ReviewResponse is the response body for an accepted review.
type ReviewResponse struct {
	InstanceID string `json:"instance_id"`
	Approved   bool   `json:"approved"`
}

// MessagesResponse is the response body for GET /api/v1/transforms/:id/messages.
type MessagesResponse struct {
	InstanceID string       `json:"instance_id"`
	Messages   []ir.Message `json:"messages"`
}

// ErrorResponse is the body of a rejected request carrying an engine code.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

func (s *Server) handleHealth(c echo.Context) error {
	if s.health != nil {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
		defer cancel()
		if err := s.health(ctx); err != nil {
			s.logger.Warn("health check failed", zap.Error(err))
			return c.JSON(http.StatusServiceUnavailable, HealthResponse{Status: "unavailable", Error: err.Error()})
		}
	}
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

func (s *Server) handleCreate(c echo.Context) error {
	var req CreateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	id, err := s.svc.Create(c.Request().Context(), ir.Request{
		ClientID:        req.ClientID,
		MappingRef:      req.MappingRef,
		DataRef:         req.DataRef,
		ExpectedColumns: req.ExpectedColumns,
	})
	if err != nil {
		return s.httpError(c, err)
	}
	return c.JSON(http.StatusAccepted, CreateResponse{InstanceID: id, ClientID: req.ClientID})
}

func (s *Server) handleStatus(c echo.Context) error {
	inst, err := s.svc.Status(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.httpError(c, err)
	}
	return c.JSON(http.StatusOK, inst)
}

func (s *Server) handleReview(c echo.Context) error {
	var req ReviewRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Approved == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "approved field is required")
	}

	id := c.Param("id")
	d := ir.ReviewDecision{Approved: *req.Approved, Feedback: req.Feedback}
	if err := s.svc.SubmitReview(c.Request().Context(), id, d); err != nil {
		return s.httpError(c, err)
	}
	return c.JSON(http.StatusAccepted, ReviewResponse{InstanceID: id, Approved: d.Approved})
}

func (s *Server) handleMessages(c echo.Context) error {
	id := c.Param("id")
	msgs, err := s.svc.Messages(c.Request().Context(), id)
	if err != nil {
		return s.httpError(c, err)
	}
	if msgs == nil {
		msgs = []ir.Message{}
	}
	return c.JSON(http.StatusOK, MessagesResponse{InstanceID: id, Messages: msgs})
}
