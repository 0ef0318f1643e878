package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"behaviorbench/internal/apperrors"
	"behaviorbench/internal/eventbus"
	"behaviorbench/internal/models"
	"behaviorbench/internal/orchestrator"

	"github.com/gin-gonic/gin"
)

// RunSnapshot is the body of GET /runs/:id. Observers re-fetch it after a
// stream reconnect.
type RunSnapshot struct {
	Run     *models.TestRun           `json:"run"`
	Agents  []models.AgentInstance    `json:"agents"`
	Summary eventbus.HeartbeatPayload `json:"summary"`
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"uptime":    time.Since(s.startTime).Seconds(),
		"observers": s.hub.Count(),
	})
}

func (s *Server) handleListProfiles(c *gin.Context) {
	c.JSON(http.StatusOK, s.catalog.All())
}

func (s *Server) handleStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.monitor.GetMetrics())
}

// Run handlers

// handleCreateRun validates and stores a run. The run starts right away
// unless start=false is given.
func (s *Server) handleCreateRun(c *gin.Context) {
	var req orchestrator.RunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apperrors.Invalid("", "malformed request body: %v", err))
		return
	}

	ctx := c.Request.Context()
	run, err := s.orch.Submit(ctx, req)
	if err != nil {
		writeError(c, err)
		return
	}
	if c.DefaultQuery("start", "true") != "false" {
		if err := s.orch.Start(ctx, run.ID); err != nil {
			writeError(c, err)
			return
		}
	}

	c.JSON(http.StatusCreated, run)
}

func (s *Server) handleListRuns(c *gin.Context) {
	runs, err := s.orch.List(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, runs)
}

func (s *Server) handleGetRun(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	run, err := s.orch.Get(ctx, id)
	if err != nil {
		writeError(c, err)
		return
	}
	agents, err := s.orch.Agents(ctx, id)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, RunSnapshot{
		Run:     run,
		Agents:  agents,
		Summary: orchestrator.Aggregate(run.Status, agents),
	})
}

func (s *Server) handleStartRun(c *gin.Context) {
	s.control(c, s.orch.Start)
}

func (s *Server) handleStopRun(c *gin.Context) {
	s.control(c, s.orch.Stop)
}

func (s *Server) handleCancelRun(c *gin.Context) {
	s.control(c, s.orch.Cancel)
}

// control applies a run command and answers with the run as it stands.
func (s *Server) control(c *gin.Context, apply func(ctx context.Context, id string) error) {
	ctx := c.Request.Context()
	id := c.Param("id")
	if err := apply(ctx, id); err != nil {
		writeError(c, err)
		return
	}
	run, err := s.orch.Get(ctx, id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, run)
}

// Agent handlers

func (s *Server) handleListAgents(c *gin.Context) {
	agents, err := s.orch.Agents(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, agents)
}

func (s *Server) handlePauseAgent(c *gin.Context) {
	if err := s.orch.PauseAgent(c.Request.Context(), c.Param("id"), c.Param("agentId")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleResumeAgent(c *gin.Context) {
	if err := s.orch.ResumeAgent(c.Request.Context(), c.Param("id"), c.Param("agentId")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleListActions(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(c, apperrors.Invalid("limit", "must be a non-negative integer"))
			return
		}
		limit = n
	}

	actions, err := s.orch.Actions(c.Request.Context(), c.Param("agentId"), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, actions)
}

func (s *Server) handleGetInteraction(c *gin.Context) {
	in, err := s.orch.Interaction(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, in)
}
