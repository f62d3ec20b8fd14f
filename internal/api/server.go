// Package api exposes the engine to an already-authenticated UI layer over
// HTTP.
package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	clierr "github.com/ggonzalez94/defi-keeper/internal/errors"
	"github.com/ggonzalez94/defi-keeper/internal/execution"
	"github.com/ggonzalez94/defi-keeper/internal/store"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	RequestIDHeader = "X-Request-ID"

	defaultActivityLimit = 50
	maxActivityLimit     = 500
)

type Operations interface {
	Execute(ctx context.Context, req execution.OperationRequest) (execution.OperationResponse, error)
	Plan(ctx context.Context, req execution.OperationRequest) (execution.Plan, error)
}

type ActivityLog interface {
	ListActivity(ctx context.Context, accountID string, limit int) ([]store.Activity, error)
}

type Server struct {
	Operations Operations
	Activity   ActivityLog
	Gatherer   prometheus.Gatherer
	Logger     *zap.Logger
}

type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Type    string `json:"type"`
}

func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), s.requestLogger())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if s.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.Gatherer, promhttp.HandlerOpts{})))
	}

	v1 := router.Group("/v1")
	v1.POST("/operations", s.executeOperation)
	v1.POST("/operations/plan", s.planOperation)
	v1.GET("/accounts/:id/activity", s.listActivity)
	return router
}

func (s *Server) executeOperation(c *gin.Context) {
	var req execution.OperationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, clierr.Wrap(clierr.CodeUsage, "decode operation request", err))
		return
	}
	resp, err := s.Operations.Execute(c.Request.Context(), req)
	if err != nil {
		s.fail(c, err)
		return
	}
	// Settlement outcomes, including reverts and timeouts, are results.
	c.JSON(http.StatusOK, resp)
}

func (s *Server) planOperation(c *gin.Context) {
	var req execution.OperationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, clierr.Wrap(clierr.CodeUsage, "decode operation request", err))
		return
	}
	plan, err := s.Operations.Plan(c.Request.Context(), req)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, plan)
}

func (s *Server) listActivity(c *gin.Context) {
	limit := defaultActivityLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.fail(c, clierr.New(clierr.CodeUsage, "limit must be a positive integer"))
			return
		}
		limit = min(n, maxActivityLimit)
	}
	items, err := s.Activity.ListActivity(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		s.fail(c, err)
		return
	}
	if items == nil {
		items = []store.Activity{}
	}
	c.JSON(http.StatusOK, gin.H{"account_id": c.Param("id"), "activity": items})
}

func (s *Server) fail(c *gin.Context, err error) {
	code := clierr.CodeInternal
	if typed, ok := clierr.As(err); ok {
		code = typed.Code
	}
	status := statusFor(code)
	if status >= http.StatusInternalServerError {
		s.logger().Error("request failed", zap.String("request_id", c.GetString(RequestIDHeader)), zap.Error(err))
	}
	c.AbortWithStatusJSON(status, errorResponse{Error: err.Error(), Type: clierr.TypeName(code)})
}

func statusFor(code clierr.Code) int {
	switch code {
	case clierr.CodeUsage:
		return http.StatusBadRequest
	case clierr.CodeNotFound:
		return http.StatusNotFound
	case clierr.CodeScope, clierr.CodeBlocked:
		return http.StatusForbidden
	case clierr.CodeBatchLimit:
		return http.StatusUnprocessableEntity
	case clierr.CodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(RequestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Set(RequestIDHeader, requestID)
		c.Header(RequestIDHeader, requestID)

		start := time.Now()
		c.Next()
		s.logger().Info("http request",
			zap.String("request_id", requestID),
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("elapsed", time.Since(start)),
		)
	}
}

func (s *Server) logger() *zap.Logger {
	if s.Logger == nil {
		return zap.NewNop()
	}
	return s.Logger
}
