package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"behaviorbench/internal/behavior"
	"behaviorbench/internal/eventbus"
	"behaviorbench/internal/logger"
	"behaviorbench/internal/models"
	"behaviorbench/internal/orchestrator"

	"github.com/bytedance/sonic"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var runFlags struct {
	file      string
	scenario  string
	model     string
	profiles  []string
	duration  int
	intensity float64
	speed     float64
	json      bool
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute a single test run and print its outcome",
	Long: `Runs one behavioral test in-process and waits for it to finish.

The request comes from flags or from a YAML file (--file); flags given
explicitly override the file. --speed compresses time so a run with a
300 second window and speed 60 takes about five seconds. Interrupting
the command cancels the run.`,
	Example: `  behaviorbench run --model gpt-4o --profiles leader,follower
  behaviorbench run --file request.yaml --speed 60 --json`,
	RunE: runOnce,
}

func init() {
	f := runCmd.Flags()
	f.StringVarP(&runFlags.file, "file", "f", "", "YAML run request")
	f.StringVar(&runFlags.scenario, "scenario", string(models.ScenarioCooperation), "cooperation or resource-management")
	f.StringVarP(&runFlags.model, "model", "m", "echo", "Target model id")
	f.StringSliceVarP(&runFlags.profiles, "profiles", "p", []string{"leader", "follower"}, "Profiles to spawn, one agent each")
	f.IntVarP(&runFlags.duration, "duration", "d", 60, "Executing window in seconds")
	f.Float64Var(&runFlags.intensity, "intensity", 0, "Behavior intensity between 0 and 1 (default from config)")
	f.Float64Var(&runFlags.speed, "speed", 1, "Time compression factor")
	f.BoolVar(&runFlags.json, "json", false, "Print the final run snapshot as JSON")
}

func buildRequest(cmd *cobra.Command) (orchestrator.RunRequest, error) {
	var req orchestrator.RunRequest
	if runFlags.file != "" {
		data, err := os.ReadFile(runFlags.file)
		if err != nil {
			return req, fmt.Errorf("failed to read request: %w", err)
		}
		if err := yaml.Unmarshal(data, &req); err != nil {
			return req, fmt.Errorf("failed to parse request %s: %w", runFlags.file, err)
		}
	}

	flags := cmd.Flags()
	pick := func(name string) bool { return runFlags.file == "" || flags.Changed(name) }
	if pick("scenario") {
		req.Scenario = runFlags.scenario
	}
	if pick("model") {
		req.TargetModel = runFlags.model
	}
	if pick("profiles") {
		req.Profiles = runFlags.profiles
	}
	if pick("duration") {
		req.DurationSeconds = runFlags.duration
	}
	if flags.Changed("intensity") {
		if req.Config == nil {
			req.Config = &orchestrator.RunConfigInput{}
		}
		intensity := runFlags.intensity
		req.Config.BehaviorIntensity = &intensity
	}
	return req, nil
}

func runOnce(cmd *cobra.Command, _ []string) error {
	req, err := buildRequest(cmd)
	if err != nil {
		return err
	}
	if runFlags.speed <= 0 {
		return fmt.Errorf("--speed must be positive")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var clock behavior.Clock
	if runFlags.speed != 1 {
		clock = behavior.NewScaledClock(runFlags.speed)
	}
	a, err := newApp(ctx, cfg, clock)
	if err != nil {
		return err
	}
	defer a.Close()

	run, err := a.orch.Submit(ctx, req)
	if err != nil {
		return err
	}
	sub := a.bus.Subscribe(eventbus.ForRun(run.ID), logProgress)
	defer sub.Unsubscribe()

	if err := a.orch.Start(ctx, run.ID); err != nil {
		return err
	}

	final, err := a.orch.Wait(ctx, run.ID)
	if err != nil {
		if ctx.Err() == nil {
			return err
		}
		logger.Logger.Warn("interrupted, cancelling run", "run", run.ID)
		cancelCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := a.orch.Cancel(cancelCtx, run.ID); err != nil {
			return err
		}
		if final, err = a.orch.Wait(cancelCtx, run.ID); err != nil {
			return err
		}
	}

	agents, err := a.orch.Agents(context.Background(), run.ID)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if runFlags.json {
		data, err := sonic.ConfigStd.MarshalIndent(map[string]any{"run": final, "agents": agents}, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(out, string(data))
	} else {
		printOutcome(out, final, agents)
	}

	if final.Status == models.RunFailed {
		return fmt.Errorf("run %s failed: %s", final.ID, final.FailureReason)
	}
	return nil
}

func logProgress(ev eventbus.Event) {
	switch p := ev.Payload.(type) {
	case eventbus.RunStatusPayload:
		logger.Logger.Info("run", "status", p.Status, "reason", p.Reason)
	case eventbus.AgentStatusPayload:
		logger.Logger.Info("agent", "id", ev.EntityID, "from", p.Previous, "to", p.Status)
	case eventbus.ActionPayload:
		logger.Logger.Debug("action", "agent", ev.EntityID, "type", p.Action.Type, "success", p.Action.Success, "latency_ms", p.LatencyMs)
	}
}

func printOutcome(out io.Writer, run *models.TestRun, agents []models.AgentInstance) {
	fmt.Fprintf(out, "Run %s: %s\n", run.ID, run.Status)
	if run.FailureReason != "" {
		fmt.Fprintf(out, "Reason: %s\n", run.FailureReason)
	}
	if run.StartedAt != nil && run.EndedAt != nil {
		fmt.Fprintf(out, "Elapsed: %s\n", run.EndedAt.Sub(*run.StartedAt).Round(time.Millisecond))
	}
	fmt.Fprintln(out)

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "AGENT\tPROFILE\tSTATUS\tBOT\tACTIONS")
	for _, ag := range agents {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\n", ag.Name, ag.Profile, ag.Status, ag.BotStatus, ag.ActionCount)
	}
	tw.Flush()
}
