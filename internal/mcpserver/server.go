// Package mcpserver exposes a behaviorbench server as Model Context Protocol
// tools so an assistant can launch and inspect behavioral test runs.
package mcpserver

import (
	"context"
	"fmt"
	"strings"

	"behaviorbench/internal/client"
	"behaviorbench/internal/models"
	"behaviorbench/internal/orchestrator"

	"github.com/bytedance/sonic"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// Server adapts the run API to MCP.
type Server struct {
	mcpServer *server.MCPServer
	apiClient *client.Client
}

// NewServer creates an MCP server backed by the API at apiURL.
func NewServer(apiURL, version string) *Server {
	s := &Server{
		mcpServer: server.NewMCPServer("behaviorbench", version),
		apiClient: client.New(apiURL),
	}
	s.registerResources()
	s.registerTools()
	return s
}

// Serve runs the server on stdio.
func (s *Server) Serve() error {
	return server.ServeStdio(s.mcpServer)
}

// --- Resources ---

func (s *Server) registerResources() {
	s.mcpServer.AddResource(mcp.NewResource(
		"behaviorbench://runs",
		"Test runs",
		mcp.WithResourceDescription("Every stored behavioral test run with its status"),
		mcp.WithMIMEType("application/json"),
	), s.handleReadRuns)
}

// --- Tools ---

func (s *Server) registerTools() {
	s.mcpServer.AddTool(mcp.NewTool(
		"list_profiles",
		mcp.WithDescription("List the behavioral profiles agents can play"),
	), s.handleListProfiles)

	s.mcpServer.AddTool(mcp.NewTool(
		"start_run",
		mcp.WithDescription("Create and start a behavioral test run against a target model"),
		mcp.WithString("scenario", mcp.Required(), mcp.Description("cooperation or resource-management")),
		mcp.WithString("target_model", mcp.Required(), mcp.Description("Model under test, e.g. gpt-4o or echo")),
		mcp.WithArray("profiles", mcp.Required(), mcp.WithStringItems(), mcp.Description("One to five profile ids")),
		mcp.WithNumber("duration_seconds", mcp.Description("Length of the executing phase, 60 to 1800 (default 300)")),
		mcp.WithNumber("behavior_intensity", mcp.Description("0 to 1 (default 0.5)")),
	), s.handleStartRun)

	s.mcpServer.AddTool(mcp.NewTool(
		"get_run",
		mcp.WithDescription("Show a run with its agents and their status"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("Run id returned by start_run")),
	), s.handleGetRun)

	s.mcpServer.AddTool(mcp.NewTool(
		"stop_run",
		mcp.WithDescription("End an executing run early; it completes normally"),
		mcp.WithString("run_id", mcp.Required()),
	), s.handleStopRun)

	s.mcpServer.AddTool(mcp.NewTool(
		"cancel_run",
		mcp.WithDescription("Abort a run and tear down its agents"),
		mcp.WithString("run_id", mcp.Required()),
	), s.handleCancelRun)
}

// --- Handlers ---

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := sonic.ConfigStd.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}
	return mcp.NewToolResultText(string(data)), nil
}

func (s *Server) handleReadRuns(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	runs, err := s.apiClient.ListRuns(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch runs: %w", err)
	}
	data, err := sonic.ConfigStd.MarshalIndent(runs, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal runs: %w", err)
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      request.Params.URI,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) handleListProfiles(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	defs, err := s.apiClient.Profiles(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("API error: %v", err)), nil
	}

	var b strings.Builder
	for _, d := range defs {
		fmt.Fprintf(&b, "%s (%s): %s\n", d.ID, d.Name, d.Description)
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *Server) handleStartRun(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	req := orchestrator.RunRequest{
		Scenario:        mcp.ParseString(request, "scenario", ""),
		TargetModel:     mcp.ParseString(request, "target_model", ""),
		Profiles:        request.GetStringSlice("profiles", nil),
		DurationSeconds: mcp.ParseInt(request, "duration_seconds", 300),
	}
	if intensity := mcp.ParseFloat64(request, "behavior_intensity", -1); intensity >= 0 {
		req.Config = &orchestrator.RunConfigInput{BehaviorIntensity: &intensity}
	}

	run, err := s.apiClient.CreateRun(ctx, req, true)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("API error: %v", err)), nil
	}
	return jsonResult(run)
}

func (s *Server) handleGetRun(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	snap, err := s.apiClient.Run(ctx, mcp.ParseString(request, "run_id", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("API error: %v", err)), nil
	}
	return jsonResult(summarise(snap.Run, snap.Agents))
}

func (s *Server) handleStopRun(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := mcp.ParseString(request, "run_id", "")
	if err := s.apiClient.StopRun(ctx, id); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("API error: %v", err)), nil
	}
	return mcp.NewToolResultText("stop requested for run " + id), nil
}

func (s *Server) handleCancelRun(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := mcp.ParseString(request, "run_id", "")
	if err := s.apiClient.CancelRun(ctx, id); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("API error: %v", err)), nil
	}
	return mcp.NewToolResultText("cancel requested for run " + id), nil
}

type agentLine struct {
	Name    string             `json:"name"`
	Status  models.AgentStatus `json:"status"`
	Bot     models.BotStatus   `json:"bot"`
	Actions int64              `json:"actions"`
}

type runSummary struct {
	ID            string           `json:"id"`
	Status        models.RunStatus `json:"status"`
	FailureReason string           `json:"failureReason,omitempty"`
	Agents        []agentLine      `json:"agents"`
}

// summarise trims a snapshot to what is useful in a chat transcript.
func summarise(run *models.TestRun, agents []models.AgentInstance) runSummary {
	out := runSummary{ID: run.ID, Status: run.Status, FailureReason: run.FailureReason}
	for _, a := range agents {
		out.Agents = append(out.Agents, agentLine{Name: a.Name, Status: a.Status, Bot: a.BotStatus, Actions: a.ActionCount})
	}
	return out
}
