// Package api exposes run intake, queries, control and the event stream
// over HTTP.
package api

import (
	"errors"
	"net/http"
	"time"

	"behaviorbench/internal/apperrors"
	"behaviorbench/internal/logger"
	"behaviorbench/internal/monitoring"
	"behaviorbench/internal/orchestrator"
	"behaviorbench/internal/profiles"

	"github.com/gin-gonic/gin"
)

// Server is the HTTP front of the orchestrator
type Server struct {
	router    *gin.Engine
	orch      *orchestrator.Orchestrator
	catalog   *profiles.Catalog
	monitor   *monitoring.Monitor
	hub       *Hub
	startTime time.Time
}

// NewServer wires the routes. monitor may be nil, in which case /metrics is
// not served.
func NewServer(orch *orchestrator.Orchestrator, catalog *profiles.Catalog, monitor *monitoring.Monitor, hub *Hub) *Server {
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())

	s := &Server{
		router:    router,
		orch:      orch,
		catalog:   catalog,
		monitor:   monitor,
		hub:       hub,
		startTime: time.Now(),
	}
	s.setupRoutes()
	return s
}

// setupRoutes configures all API endpoints
func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/ws", s.hub.Serve)
	if s.monitor != nil {
		s.router.GET("/metrics", gin.WrapH(s.monitor.Handler()))
	}

	v1 := s.router.Group("/api/v1")
	{
		v1.GET("/profiles", s.handleListProfiles)
		if s.monitor != nil {
			v1.GET("/stats", s.handleStats)
		}

		// Runs
		v1.POST("/runs", s.handleCreateRun)
		v1.GET("/runs", s.handleListRuns)
		v1.GET("/runs/:id", s.handleGetRun)
		v1.POST("/runs/:id/start", s.handleStartRun)
		v1.POST("/runs/:id/stop", s.handleStopRun)
		v1.POST("/runs/:id/cancel", s.handleCancelRun)

		// Agents
		v1.GET("/runs/:id/agents", s.handleListAgents)
		v1.POST("/runs/:id/agents/:agentId/pause", s.handlePauseAgent)
		v1.POST("/runs/:id/agents/:agentId/resume", s.handleResumeAgent)
		v1.GET("/agents/:agentId/actions", s.handleListActions)
		v1.GET("/interactions/:id", s.handleGetInteraction)
	}
}

// Router returns the Gin router
func (s *Server) Router() *gin.Engine {
	return s.router
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case apperrors.IsValidation(err):
		return http.StatusBadRequest
	case errors.Is(err, apperrors.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, apperrors.ErrIllegalTransition), errors.Is(err, apperrors.ErrAlreadyExists):
		return http.StatusConflict
	case apperrors.IsUpstream(err):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func writeError(c *gin.Context, err error) {
	body := gin.H{"error": err.Error()}
	var verr *apperrors.ValidationError
	if errors.As(err, &verr) && verr.Field != "" {
		body["field"] = verr.Field
	}
	c.JSON(statusFor(err), body)
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Logger.Debug("http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}
