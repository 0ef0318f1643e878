package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"behaviorbench/internal/behavior"
	"behaviorbench/internal/config"
	"behaviorbench/internal/logger"
	"behaviorbench/internal/models"
	"behaviorbench/internal/orchestrator"
	"behaviorbench/internal/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewApp_RunsOnSim(t *testing.T) {
	logger.Discard()
	a, err := newApp(context.Background(), config.Default(), behavior.NewScaledClock(600))
	require.NoError(t, err)
	defer a.Close()

	assert.Equal(t, "sim", a.drv.Name())
	assert.IsType(t, &repository.Memory{}, a.repo)

	ctx := context.Background()
	run, err := a.orch.Launch(ctx, orchestrator.RunRequest{
		Scenario:        "cooperation",
		TargetModel:     "echo",
		Profiles:        []string{"leader", "follower"},
		DurationSeconds: 60,
	})
	require.NoError(t, err)

	final, err := a.orch.Wait(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunCompleted, final.Status)

	// the monitor sees events on its own subscription
	require.Eventually(t, func() bool {
		snap, ok := a.monitor.Run(run.ID)
		return ok && snap.Status == models.RunCompleted
	}, 5*time.Second, time.Millisecond)

	agents, err := a.orch.Agents(ctx, run.ID)
	require.NoError(t, err)
	var out bytes.Buffer
	printOutcome(&out, final, agents)
	assert.Contains(t, out.String(), "Run "+run.ID+": completed")
	assert.Contains(t, out.String(), "leader")
}

func TestNewApp_SQLite(t *testing.T) {
	logger.Discard()
	cfg := config.Default()
	cfg.Database = config.DatabaseConfig{Driver: config.DatabaseSQLite, DSN: filepath.Join(t.TempDir(), "bench.db")}

	a, err := newApp(context.Background(), cfg, nil)
	require.NoError(t, err)
	defer a.Close()
	assert.IsType(t, &repository.Gorm{}, a.repo)
}

func TestNewApp_Errors(t *testing.T) {
	logger.Discard()

	cfg := config.Default()
	cfg.ProfilesPath = filepath.Join(t.TempDir(), "missing.yaml")
	_, err := newApp(context.Background(), cfg, nil)
	assert.ErrorContains(t, err, "failed to read profiles")

	cfg = config.Default()
	cfg.Events.RedisURL = "not a url"
	_, err = newApp(context.Background(), cfg, nil)
	assert.Error(t, err)
}

func TestBuildRequest_FileWithOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "request.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
scenario: resource-management
target_model: gpt-4o
profiles: [leader, confuser]
duration_seconds: 120
config:
  polling_interval_ms: 2000
`), 0o600))

	require.NoError(t, runCmd.Flags().Set("file", path))
	require.NoError(t, runCmd.Flags().Set("model", "echo"))
	require.NoError(t, runCmd.Flags().Set("intensity", "0.9"))
	t.Cleanup(func() {
		runFlags.file = ""
		runFlags.model = "echo"
		runCmd.Flags().Lookup("file").Changed = false
		runCmd.Flags().Lookup("model").Changed = false
		runCmd.Flags().Lookup("intensity").Changed = false
	})

	req, err := buildRequest(runCmd)
	require.NoError(t, err)
	assert.Equal(t, "resource-management", req.Scenario)
	assert.Equal(t, "echo", req.TargetModel)
	assert.Equal(t, []string{"leader", "confuser"}, req.Profiles)
	assert.Equal(t, 120, req.DurationSeconds)
	require.NotNil(t, req.Config)
	assert.Equal(t, 2000, *req.Config.PollingIntervalMs)
	assert.Equal(t, 0.9, *req.Config.BehaviorIntensity)
}
