package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"behaviorbench/internal/api"
	"behaviorbench/internal/logger"
	"behaviorbench/internal/monitoring"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
)

// snapshotRetention bounds how long finished runs stay in the monitor.
const snapshotRetention = time.Hour

var serveFlags struct {
	addr string
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API and event stream",
	Long: `Serves run intake, queries and control under /api/v1, the live event
stream on /ws and Prometheus metrics on /metrics.

On SIGINT or SIGTERM observers are disconnected, in-flight requests drain
and every live run is cancelled before the process exits.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveFlags.addr, "addr", "", "Listen address (overrides server.addr)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	if serveFlags.addr != "" {
		cfg.Server.Addr = serveFlags.addr
	}
	if !cfg.Log.Verbose {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	a, err := newApp(ctx, cfg, nil)
	if err != nil {
		return err
	}
	defer a.Close()

	var monitor *monitoring.Monitor
	if cfg.Server.Metrics {
		monitor = a.monitor
	}
	hub := api.NewHub(a.bus)
	srv := api.NewServer(a.orch, a.catalog, monitor, hub)

	server := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: srv.Router(),
	}

	go pruneSnapshots(ctx, a.monitor)

	// Graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		select {
		case <-sigChan:
		case <-ctx.Done():
		}

		logger.Logger.Info("shutting down", "observers", hub.Count())
		hub.DropAll()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Logger.Error("API server shutdown error", "error", err)
		}
		cancel()
	}()

	logger.Logger.Info("starting API server", "addr", cfg.Server.Addr, "version", version)
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	<-ctx.Done()
	return nil
}

func pruneSnapshots(ctx context.Context, monitor *monitoring.Monitor) {
	ticker := time.NewTicker(snapshotRetention / 6)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := monitor.Forget(now.Add(-snapshotRetention)); n > 0 {
				logger.Logger.Debug("pruned run snapshots", "count", n)
			}
		}
	}
}
