package main

import (
	"behaviorbench/internal/client"
	"behaviorbench/internal/logger"
	"behaviorbench/internal/mcpserver"

	"github.com/spf13/cobra"
)

var mcpFlags struct {
	endpoint string
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve MCP tools over stdio against a running API server",
	Long: `Starts a Model Context Protocol server over stdin/stdout. Tool calls are
forwarded to the HTTP API of a "behaviorbench serve" process, so an
assistant can start runs, follow their status and stop them.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		logger.Logger.Info("starting MCP server over stdio", "endpoint", mcpFlags.endpoint)
		return mcpserver.NewServer(mcpFlags.endpoint, version).Serve()
	},
}

func init() {
	mcpCmd.Flags().StringVar(&mcpFlags.endpoint, "endpoint", client.DefaultEndpoint, "Base URL of the behaviorbench API")
}
