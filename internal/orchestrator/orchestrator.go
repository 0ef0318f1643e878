// Package orchestrator owns the lifecycle of test runs: it allocates agents,
// coordinates their connection, supervises the executing window and tears
// everything down on completion, failure or cancellation.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"behaviorbench/internal/apperrors"
	"behaviorbench/internal/behavior"
	"behaviorbench/internal/driver"
	"behaviorbench/internal/eventbus"
	"behaviorbench/internal/llm"
	"behaviorbench/internal/logger"
	"behaviorbench/internal/models"
	"behaviorbench/internal/profiles"
	"behaviorbench/internal/prompt"
	"behaviorbench/internal/repository"
	"behaviorbench/internal/supervisor"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// ModelResolver returns the client for a target model id.
type ModelResolver interface {
	Client(ctx context.Context, id string) (llm.Client, error)
}

// Config tunes run orchestration.
type Config struct {
	// MinViableAgents is the connected-agent floor below which a run fails.
	// Runs with fewer agents use their agent count as the floor.
	MinViableAgents int               `yaml:"min_viable_agents"`
	ConnectTimeout  time.Duration     `yaml:"connect_timeout"`
	Supervisor      supervisor.Config `yaml:"-"`
}

// DefaultConfig returns the orchestration defaults.
func DefaultConfig() Config {
	return Config{
		MinViableAgents: 2,
		ConnectTimeout:  30 * time.Second,
		Supervisor:      supervisor.DefaultConfig(),
	}
}

// Deps are the collaborators of an Orchestrator.
type Deps struct {
	Repo    repository.Repository
	Bus     *eventbus.Bus
	Driver  driver.Driver
	Catalog *profiles.Catalog
	Models  ModelResolver
	Prompts *prompt.Renderer
	Clock   behavior.Clock
}

type escalation struct {
	agentID string
	err     error
}

// runState is the live part of a run. The run field has a single writer:
// the run's drive goroutine, or Cancel before the run has started.
type runState struct {
	mu      sync.Mutex
	run     models.TestRun
	started bool
	// cancelled is set once Cancel has been accepted for a started run.
	cancelled bool
	sups    []*supervisor.Supervisor
	client  llm.Client

	stopCh      chan struct{}
	stopOnce    sync.Once
	cancelCh    chan struct{}
	cancelOnce  sync.Once
	escalations chan escalation
	done        chan struct{}
}

func (rs *runState) snapshot() models.TestRun {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.run
}

func (rs *runState) cancelRequested() bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.cancelled
}

func (rs *runState) supervisors() []*supervisor.Supervisor {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return append([]*supervisor.Supervisor(nil), rs.sups...)
}

func (rs *runState) agents() []models.AgentInstance {
	sups := rs.supervisors()
	out := make([]models.AgentInstance, len(sups))
	for i, s := range sups {
		out[i] = s.Snapshot()
	}
	return out
}

// Orchestrator runs behavioral tests.
type Orchestrator struct {
	deps Deps
	cfg  Config

	mu     sync.Mutex
	runs   map[string]*runState
	agents map[string]*supervisor.Supervisor

	quit      chan struct{}
	routed    chan struct{}
	closeOnce sync.Once
}

// New creates an orchestrator and starts routing driver events to agents.
func New(deps Deps, cfg Config) *Orchestrator {
	if deps.Clock == nil {
		deps.Clock = behavior.RealClock{}
	}
	if deps.Prompts == nil {
		deps.Prompts = prompt.MustNew()
	}
	if deps.Catalog == nil {
		deps.Catalog = profiles.MustDefault()
	}
	def := DefaultConfig()
	if cfg.MinViableAgents <= 0 {
		cfg.MinViableAgents = def.MinViableAgents
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}

	o := &Orchestrator{
		deps:   deps,
		cfg:    cfg,
		runs:   make(map[string]*runState),
		agents: make(map[string]*supervisor.Supervisor),
		quit:   make(chan struct{}),
		routed: make(chan struct{}),
	}
	go o.routeBotEvents()
	return o
}

// Close cancels every live run, waits for them to end and stops event routing.
func (o *Orchestrator) Close() {
	o.closeOnce.Do(func() {
		o.mu.Lock()
		live := make([]*runState, 0, len(o.runs))
		for _, rs := range o.runs {
			live = append(live, rs)
		}
		o.mu.Unlock()

		for _, rs := range live {
			o.Cancel(context.Background(), rs.snapshot().ID)
			<-rs.done
		}
		close(o.quit)
		<-o.routed
	})
}

func (o *Orchestrator) routeBotEvents() {
	defer close(o.routed)
	events := o.deps.Driver.Events()
	for {
		select {
		case <-o.quit:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			o.mu.Lock()
			sup := o.agents[ev.AgentID]
			o.mu.Unlock()
			if sup == nil {
				logger.Logger.Debug("bot event for unknown agent", "agent_id", ev.AgentID, "connection_id", ev.ConnectionID, "status", ev.Status)
				continue
			}
			sup.HandleBotEvent(context.Background(), ev)
		}
	}
}

func (o *Orchestrator) live(id string) *runState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.runs[id]
}

// Submit validates a request and persists the run in created. Validation
// errors are returned before anything is stored.
func (o *Orchestrator) Submit(ctx context.Context, req RunRequest) (*models.TestRun, error) {
	run, err := req.Normalize(o.deps.Catalog)
	if err != nil {
		return nil, err
	}
	client, err := o.deps.Models.Client(ctx, run.TargetModel)
	if err != nil {
		return nil, err
	}

	run.ID = uuid.NewString()
	run.Status = models.RunCreated
	run.CreatedAt = o.deps.Clock.Now().UTC()
	if err := o.deps.Repo.CreateRun(ctx, &run); err != nil {
		return nil, fmt.Errorf("failed to store run: %w", err)
	}

	rs := &runState{
		run:         run,
		client:      client,
		stopCh:      make(chan struct{}),
		cancelCh:    make(chan struct{}),
		escalations: make(chan escalation, len(run.Profiles)),
		done:        make(chan struct{}),
	}
	o.mu.Lock()
	o.runs[run.ID] = rs
	o.mu.Unlock()

	o.publishRun(run, "", "")
	logger.Logger.Info("run created", "run_id", run.ID, "scenario", run.Scenario, "model", run.TargetModel, "profiles", run.Profiles)
	return &run, nil
}

// Start begins driving a created run in the background.
func (o *Orchestrator) Start(ctx context.Context, id string) error {
	rs := o.live(id)
	if rs == nil {
		if _, err := o.deps.Repo.FindRun(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("%w: run %s is not live", apperrors.ErrIllegalTransition, id)
	}

	rs.mu.Lock()
	if rs.started || rs.run.Status != models.RunCreated {
		status := rs.run.Status
		rs.mu.Unlock()
		return fmt.Errorf("%w: run %s is %s", apperrors.ErrIllegalTransition, id, status)
	}
	rs.started = true
	rs.mu.Unlock()

	go o.drive(rs)
	return nil
}

// Launch submits and starts a run.
func (o *Orchestrator) Launch(ctx context.Context, req RunRequest) (*models.TestRun, error) {
	run, err := o.Submit(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := o.Start(ctx, run.ID); err != nil {
		return nil, err
	}
	return run, nil
}

// Stop ends the executing window early; the run completes normally.
func (o *Orchestrator) Stop(ctx context.Context, id string) error {
	rs := o.live(id)
	if rs == nil {
		return o.notLive(ctx, id)
	}
	if status := rs.snapshot().Status; status != models.RunExecuting {
		return fmt.Errorf("%w: cannot stop run %s in %s", apperrors.ErrIllegalTransition, id, status)
	}
	rs.stopOnce.Do(func() { close(rs.stopCh) })
	return nil
}

// Cancel aborts a run that has not reached completing. Agents are torn down
// and the run ends cancelled.
func (o *Orchestrator) Cancel(ctx context.Context, id string) error {
	rs := o.live(id)
	if rs == nil {
		return o.notLive(ctx, id)
	}

	rs.mu.Lock()
	if !rs.run.Status.Cancellable() {
		status := rs.run.Status
		rs.mu.Unlock()
		return fmt.Errorf("%w: cannot cancel run %s in %s", apperrors.ErrIllegalTransition, id, status)
	}
	if !rs.started {
		rs.started = true
		err := o.transitionLocked(rs, models.RunCancelled, "")
		rs.mu.Unlock()
		close(rs.done)
		o.forget(rs)
		return err
	}
	rs.cancelled = true
	rs.mu.Unlock()

	rs.cancelOnce.Do(func() { close(rs.cancelCh) })
	return nil
}

func (o *Orchestrator) notLive(ctx context.Context, id string) error {
	run, err := o.deps.Repo.FindRun(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: run %s is %s", apperrors.ErrIllegalTransition, id, run.Status)
}

// Wait blocks until the run reaches a terminal state or ctx is done.
func (o *Orchestrator) Wait(ctx context.Context, id string) (*models.TestRun, error) {
	if rs := o.live(id); rs != nil {
		select {
		case <-rs.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return o.deps.Repo.FindRun(ctx, id)
}

// Get returns the current state of a run.
func (o *Orchestrator) Get(ctx context.Context, id string) (*models.TestRun, error) {
	if rs := o.live(id); rs != nil {
		run := rs.snapshot()
		return &run, nil
	}
	return o.deps.Repo.FindRun(ctx, id)
}

// List returns every stored run.
func (o *Orchestrator) List(ctx context.Context) ([]models.TestRun, error) {
	return o.deps.Repo.ListRuns(ctx)
}

// Agents returns the agents of a run.
func (o *Orchestrator) Agents(ctx context.Context, runID string) ([]models.AgentInstance, error) {
	if _, err := o.Get(ctx, runID); err != nil {
		return nil, err
	}
	if rs := o.live(runID); rs != nil {
		if agents := rs.agents(); len(agents) > 0 {
			return agents, nil
		}
	}
	return o.deps.Repo.FindAgents(ctx, repository.AgentFilter{RunID: runID})
}

// Actions returns the most recent actions of an agent, newest first.
func (o *Orchestrator) Actions(ctx context.Context, agentID string, limit int) ([]models.BehavioralAction, error) {
	if _, err := o.deps.Repo.FindAgent(ctx, agentID); err != nil {
		return nil, err
	}
	return o.deps.Repo.FindActions(ctx, agentID, limit)
}

// Interaction returns one logged exchange with the target model.
func (o *Orchestrator) Interaction(ctx context.Context, id string) (*models.LLMInteraction, error) {
	return o.deps.Repo.FindInteraction(ctx, id)
}

// Summary aggregates the agents of a run.
func (o *Orchestrator) Summary(ctx context.Context, runID string) (eventbus.HeartbeatPayload, error) {
	run, err := o.Get(ctx, runID)
	if err != nil {
		return eventbus.HeartbeatPayload{}, err
	}
	agents, err := o.Agents(ctx, runID)
	if err != nil {
		return eventbus.HeartbeatPayload{}, err
	}
	return Aggregate(run.Status, agents), nil
}

// PauseAgent pauses one agent of an executing run.
func (o *Orchestrator) PauseAgent(ctx context.Context, runID, agentID string) error {
	sup, err := o.executingAgent(ctx, runID, agentID)
	if err != nil {
		return err
	}
	return sup.Pause(ctx)
}

// ResumeAgent resumes a paused agent of an executing run.
func (o *Orchestrator) ResumeAgent(ctx context.Context, runID, agentID string) error {
	sup, err := o.executingAgent(ctx, runID, agentID)
	if err != nil {
		return err
	}
	return sup.Resume(ctx)
}

func (o *Orchestrator) executingAgent(ctx context.Context, runID, agentID string) (*supervisor.Supervisor, error) {
	rs := o.live(runID)
	if rs == nil {
		return nil, o.notLive(ctx, runID)
	}
	if status := rs.snapshot().Status; status != models.RunExecuting {
		return nil, fmt.Errorf("%w: run %s is %s", apperrors.ErrIllegalTransition, runID, status)
	}
	for _, s := range rs.supervisors() {
		if s.ID() == agentID {
			return s, nil
		}
	}
	return nil, fmt.Errorf("agent %s in run %s: %w", agentID, runID, apperrors.ErrNotFound)
}

// drive walks a run through its phases. It is the only writer of the run
// status once the run has started.
func (o *Orchestrator) drive(rs *runState) {
	defer close(rs.done)
	defer o.forget(rs)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-rs.cancelCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := o.initialize(ctx, rs); err != nil {
		o.abort(ctx, rs, err)
		return
	}
	if err := o.coordinate(ctx, rs); err != nil {
		o.abort(ctx, rs, err)
		return
	}
	if err := o.execute(ctx, rs); err != nil {
		o.abort(ctx, rs, err)
		return
	}
	o.complete(ctx, rs)
}

// runFailure carries a reason that fails the run rather than cancelling it.
type runFailure struct{ reason string }

func (f *runFailure) Error() string { return f.reason }

func fail(format string, args ...any) error {
	return &runFailure{reason: fmt.Sprintf(format, args...)}
}

// abort tears down the agents and ends the run cancelled or failed.
func (o *Orchestrator) abort(ctx context.Context, rs *runState, err error) {
	o.terminateAll(ctx, rs, false)

	var f *runFailure
	if (ctx.Err() != nil || rs.cancelRequested()) && !errors.As(err, &f) {
		o.transition(rs, models.RunCancelled, "")
		return
	}
	reason := err.Error()
	if errors.As(err, &f) {
		reason = f.reason
	}
	o.transition(rs, models.RunFailed, reason)
}

func (o *Orchestrator) initialize(ctx context.Context, rs *runState) error {
	if err := o.transition(rs, models.RunInitializing, ""); err != nil {
		return err
	}
	run := rs.snapshot()

	sups := make([]*supervisor.Supervisor, 0, len(run.Profiles))
	for i, pid := range run.Profiles {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		def, err := o.deps.Catalog.Get(pid)
		if err != nil {
			return fail("profile %s: %v", pid, err)
		}

		name := fmt.Sprintf("%s-%d", pid, i+1)
		system, err := o.deps.Prompts.System(prompt.SystemInput{
			AgentName: name,
			Scenario:  run.Scenario,
			Profile:   def,
			Override:  run.Config.SystemPromptOverride,
		})
		if err != nil {
			return fail("%v", err)
		}

		agent := models.AgentInstance{
			ID:           uuid.NewString(),
			RunID:        run.ID,
			Profile:      pid,
			Name:         name,
			Status:       models.AgentIdle,
			BotStatus:    models.BotDisconnected,
			SystemPrompt: system,
			Metadata:     map[string]string{"scenario": string(run.Scenario), "model": run.TargetModel},
		}
		if err := o.deps.Repo.CreateAgent(ctx, &agent); err != nil {
			return fail("failed to store agent: %v", err)
		}

		sup := supervisor.New(supervisor.Params{
			Agent:   agent,
			Profile: def,
			Run:     run,
			Seed:    seedFor(run.ID, i),
			Driver:  o.deps.Driver,
			Repo:    o.deps.Repo,
			Bus:     o.deps.Bus,
			LLM:     rs.client,
			Prompts: o.deps.Prompts,
			Clock:   o.deps.Clock,
			Config:  o.cfg.Supervisor,
			OnFailure: func(agentID string, err error) {
				select {
				case rs.escalations <- escalation{agentID: agentID, err: err}:
				default:
					logger.Logger.Error("escalation dropped", "run_id", run.ID, "agent_id", agentID, "error", err)
				}
			},
		})
		sups = append(sups, sup)

		o.mu.Lock()
		o.agents[agent.ID] = sup
		o.mu.Unlock()
	}

	rs.mu.Lock()
	rs.sups = sups
	rs.mu.Unlock()
	logger.Logger.Info("agents allocated", "run_id", run.ID, "agents", len(sups))
	return nil
}

func (o *Orchestrator) coordinate(ctx context.Context, rs *runState) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err := o.transition(rs, models.RunCoordination, ""); err != nil {
		return err
	}
	sups := rs.supervisors()

	var g errgroup.Group
	for _, s := range sups {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, o.cfg.ConnectTimeout)
			defer cancel()
			if err := s.Connect(cctx); err != nil {
				logger.Logger.Warn("agent not connected", "run_id", rs.snapshot().ID, "agent_id", s.ID(), "error", err)
			}
			return nil
		})
	}
	g.Wait()
	if ctx.Err() != nil {
		return ctx.Err()
	}

	if err := o.checkViable(rs); err != nil {
		return err
	}

	// profiles with an introductory action speak before anyone else acts
	for _, s := range sups {
		if !s.Status().Connected() {
			continue
		}
		if err := s.Handshake(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Logger.Warn("handshake failed", "run_id", rs.snapshot().ID, "agent_id", s.ID(), "error", err)
		}
	}
	return o.drainEscalations(rs)
}

func (o *Orchestrator) checkViable(rs *runState) error {
	agents := rs.agents()
	connected := Aggregate(models.RunCoordination, agents).Connected
	floor := viableFloor(o.cfg.MinViableAgents, len(agents))
	if connected < floor || connected == 0 {
		return fail("insufficient agents connected: %d of %d", connected, len(agents))
	}
	return nil
}

// drainEscalations handles failures reported outside the executing loop.
func (o *Orchestrator) drainEscalations(rs *runState) error {
	for {
		select {
		case esc := <-rs.escalations:
			if err := o.escalate(rs, esc); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

// escalate decides whether an agent failure ends the run.
func (o *Orchestrator) escalate(rs *runState, esc escalation) error {
	runID := rs.snapshot().ID
	if apperrors.IsUpstream(esc.err) {
		return fail("target model unavailable: %v", esc.err)
	}
	logger.Logger.Warn("agent escalated failure", "run_id", runID, "agent_id", esc.agentID, "error", esc.err)
	return o.checkViable(rs)
}

func (o *Orchestrator) execute(ctx context.Context, rs *runState) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err := o.transition(rs, models.RunExecuting, ""); err != nil {
		return err
	}
	run := rs.snapshot()

	for _, s := range rs.supervisors() {
		if !s.Status().Connected() {
			continue
		}
		if err := s.Start(ctx); err != nil {
			logger.Logger.Warn("agent not started", "run_id", run.ID, "agent_id", s.ID(), "error", err)
		}
	}

	deadline := o.deps.Clock.NewTimer(run.Duration())
	defer deadline.Stop()
	heartbeat := o.deps.Clock.NewTimer(run.Config.PollingInterval())
	defer func() { heartbeat.Stop() }()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C():
			logger.Logger.Info("run duration elapsed", "run_id", run.ID)
			return nil
		case <-rs.stopCh:
			logger.Logger.Info("run stop requested", "run_id", run.ID)
			return nil
		case esc := <-rs.escalations:
			if err := o.escalate(rs, esc); err != nil {
				return err
			}
		case <-heartbeat.C():
			o.publishHeartbeat(rs)
			heartbeat = o.deps.Clock.NewTimer(run.Config.PollingInterval())
		}
	}
}

func (o *Orchestrator) complete(ctx context.Context, rs *runState) {
	// an accepted cancel wins over a stop or deadline that fired first
	rs.mu.Lock()
	if rs.cancelled {
		rs.mu.Unlock()
		o.abort(ctx, rs, context.Canceled)
		return
	}
	err := o.transitionLocked(rs, models.RunCompleting, "")
	rs.mu.Unlock()
	if err != nil {
		logger.Logger.Error("cannot complete run", "run_id", rs.snapshot().ID, "error", err)
		return
	}
	o.terminateAll(ctx, rs, true)
	o.transition(rs, models.RunCompleted, "")
}

func (o *Orchestrator) terminateAll(ctx context.Context, rs *runState, graceful bool) {
	var g errgroup.Group
	for _, s := range rs.supervisors() {
		g.Go(func() error {
			return s.Terminate(context.WithoutCancel(ctx), graceful)
		})
	}
	if err := g.Wait(); err != nil {
		logger.Logger.Warn("agent teardown reported an error", "run_id", rs.snapshot().ID, "error", err)
	}
}

func (o *Orchestrator) forget(rs *runState) {
	run := rs.snapshot()
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.runs, run.ID)
	for _, s := range rs.supervisors() {
		delete(o.agents, s.ID())
	}
}

func (o *Orchestrator) transition(rs *runState, to models.RunStatus, reason string) error {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return o.transitionLocked(rs, to, reason)
}

// transitionLocked applies, persists and publishes a run status change.
func (o *Orchestrator) transitionLocked(rs *runState, to models.RunStatus, reason string) error {
	from := rs.run.Status
	if !from.CanTransitionTo(to) {
		return fmt.Errorf("%w: run %s %s -> %s", apperrors.ErrIllegalTransition, rs.run.ID, from, to)
	}

	now := o.deps.Clock.Now().UTC()
	rs.run.Status = to
	switch to {
	case models.RunExecuting:
		rs.run.StartedAt = &now
	case models.RunFailed:
		rs.run.FailureReason = reason
		rs.run.EndedAt = &now
	case models.RunCompleted, models.RunCancelled:
		rs.run.EndedAt = &now
	}

	run := rs.run
	if err := o.deps.Repo.UpdateRun(context.Background(), &run); err != nil {
		logger.Logger.Error("failed to persist run", "run_id", run.ID, "error", err)
	}
	o.publishRun(run, from, reason)

	if to == models.RunFailed {
		logger.Logger.Error("run failed", "run_id", run.ID, "reason", reason)
	} else {
		logger.Logger.Info("run status changed", "run_id", run.ID, "from", from, "to", to)
	}
	return nil
}

func (o *Orchestrator) publishRun(run models.TestRun, from models.RunStatus, reason string) {
	if o.deps.Bus == nil {
		return
	}
	o.deps.Bus.Publish(eventbus.Event{
		Type:      eventbus.TypeRunStatus,
		RunID:     run.ID,
		EntityID:  run.ID,
		Timestamp: o.deps.Clock.Now(),
		Payload:   eventbus.RunStatusPayload{Status: run.Status, Previous: from, Reason: reason},
	})
}

func (o *Orchestrator) publishHeartbeat(rs *runState) {
	if o.deps.Bus == nil {
		return
	}
	run := rs.snapshot()
	o.deps.Bus.Publish(eventbus.Event{
		Type:      eventbus.TypeHeartbeat,
		RunID:     run.ID,
		EntityID:  run.ID,
		Timestamp: o.deps.Clock.Now(),
		Payload:   Aggregate(run.Status, rs.agents()),
	})
}

func seedFor(runID string, index int) int64 {
	h := fnv.New64a()
	h.Write([]byte(runID))
	return int64(h.Sum64()>>1) + int64(index)
}
