package main

import (
	"context"
	"io"

	"behaviorbench/internal/client"
	"behaviorbench/internal/eventbus"
	"behaviorbench/internal/logger"
	"behaviorbench/internal/tui"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
)

var watchFlags struct {
	endpoint string
}

var watchCmd = &cobra.Command{
	Use:   "watch [run-id]",
	Short: "Follow runs live in a terminal dashboard",
	Long: `Opens a dashboard on a running "behaviorbench serve". Without a run id it
lists every run; with one it opens that run directly. Agent status and
actions update from the event stream, which reconnects on its own.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().StringVar(&watchFlags.endpoint, "endpoint", client.DefaultEndpoint, "Base URL of the behaviorbench API")
}

func runWatch(cmd *cobra.Command, args []string) error {
	var runID string
	if len(args) == 1 {
		runID = args[0]
	}
	// the terminal belongs to the dashboard
	logger.SetupLogger(io.Discard, false)

	c := client.New(watchFlags.endpoint)
	p := tea.NewProgram(tui.New(c, runID), tea.WithAltScreen())

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	reconnect := cfg.ReconnectConfig()
	reconnect.OnState = func(state eventbus.ConnState, _ int, err error) {
		go p.Send(tui.ConnMsg{State: state, Err: err})
	}
	reconnect.OnReconnect = func(context.Context) {
		go p.Send(tui.RefreshMsg{})
	}
	stream, err := c.Stream(ctx, client.StreamOptions{RunID: runID, Reconnect: reconnect}, func(f client.Frame) {
		p.Send(tui.FrameMsg(f))
	})
	if err != nil {
		return err
	}
	defer stream.Stop()

	_, err = p.Run()
	return err
}
