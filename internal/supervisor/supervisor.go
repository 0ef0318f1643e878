// Package supervisor drives a single simulated agent: it connects the agent to
// its environment, runs the behavior schedule and reports every status change.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"behaviorbench/internal/apperrors"
	"behaviorbench/internal/backoff"
	"behaviorbench/internal/behavior"
	"behaviorbench/internal/driver"
	"behaviorbench/internal/eventbus"
	"behaviorbench/internal/llm"
	"behaviorbench/internal/logger"
	"behaviorbench/internal/models"
	"behaviorbench/internal/profiles"
	"behaviorbench/internal/prompt"
	"behaviorbench/internal/repository"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
)

// Config tunes how a supervisor dispatches actions and shuts down.
type Config struct {
	DispatchAttempts int
	DispatchBackoff  backoff.Exponential
	GracePeriod      time.Duration
	ChatShare        float64
}

// DefaultConfig returns the supervisor defaults.
func DefaultConfig() Config {
	return Config{
		DispatchAttempts: 3,
		DispatchBackoff:  backoff.Exponential{Base: 250 * time.Millisecond, Max: 2 * time.Second, Factor: 2},
		GracePeriod:      5 * time.Second,
		ChatShare:        behavior.DefaultChatShare,
	}
}

// FailureFunc is called at most once, when the agent hits an error it cannot
// absorb. It must not block.
type FailureFunc func(agentID string, err error)

// Params wires a supervisor to its agent and collaborators.
type Params struct {
	Agent   models.AgentInstance
	Profile profiles.Definition
	Run     models.TestRun
	Seed    int64

	Driver driver.Driver
	Repo   repository.Repository
	Bus    *eventbus.Bus
	// LLM is the target model. Chat actions skip the model when it is nil.
	LLM     llm.Client
	Prompts *prompt.Renderer
	Clock   behavior.Clock
	Config  Config

	OnFailure FailureFunc
}

// Supervisor owns one agent's lifecycle.
type Supervisor struct {
	profile   profiles.Definition
	run       models.TestRun
	driver    driver.Driver
	repo      repository.Repository
	bus       *eventbus.Bus
	llm       llm.Client
	prompts   *prompt.Renderer
	clock     behavior.Clock
	cfg       Config
	onFailure FailureFunc

	// sched is only touched by Handshake before Start and by the loop after.
	sched     *behavior.Scheduler
	schedOpts behavior.Options

	mu          sync.Mutex
	agent       models.AgentInstance
	terminating bool
	note        string
	lastOutcome string
	cancel      context.CancelFunc
	done        chan struct{}

	stopping chan struct{}
	stopOnce sync.Once
	wake     chan struct{}
}

// New creates a supervisor for an idle agent.
func New(p Params) *Supervisor {
	if p.Clock == nil {
		p.Clock = behavior.RealClock{}
	}
	if p.Prompts == nil {
		p.Prompts = prompt.MustNew()
	}
	def := DefaultConfig()
	if p.Config.DispatchAttempts <= 0 {
		p.Config.DispatchAttempts = def.DispatchAttempts
	}
	if p.Config.DispatchBackoff.Base <= 0 {
		p.Config.DispatchBackoff = def.DispatchBackoff
	}
	if p.Config.GracePeriod <= 0 {
		p.Config.GracePeriod = def.GracePeriod
	}
	if p.Config.ChatShare <= 0 {
		p.Config.ChatShare = def.ChatShare
	}
	if p.Agent.BotStatus == "" {
		p.Agent.BotStatus = models.BotDisconnected
	}

	opts := behavior.Options{
		Intensity:   p.Run.Config.BehaviorIntensity,
		ChatEnabled: p.Run.Config.ChatEnabled(),
		ChatShare:   p.Config.ChatShare,
		Seed:        p.Seed,
		Handshake:   true,
	}

	return &Supervisor{
		profile:   p.Profile,
		run:       p.Run,
		driver:    p.Driver,
		repo:      p.Repo,
		bus:       p.Bus,
		llm:       p.LLM,
		prompts:   p.Prompts,
		clock:     p.Clock,
		cfg:       p.Config,
		onFailure: p.OnFailure,
		sched:     behavior.New(p.Profile, opts, p.Clock.Now()),
		schedOpts: opts,
		agent:     p.Agent.Clone(),
		stopping:  make(chan struct{}),
		wake:      make(chan struct{}, 1),
	}
}

// ID returns the agent id.
func (s *Supervisor) ID() string { return s.agent.ID }

// Profile returns the agent's profile id.
func (s *Supervisor) Profile() profiles.ID { return s.profile.ID }

// Status returns the agent's current status.
func (s *Supervisor) Status() models.AgentStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.agent.Status
}

// Snapshot returns a copy of the agent record.
func (s *Supervisor) Snapshot() models.AgentInstance {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.agent.Clone()
}

// Done is closed when the behavior loop exits. It is nil before Start.
func (s *Supervisor) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// Connect binds the agent to its environment: idle → spawning → active. On
// failure the agent ends in error and a *apperrors.ConnectionError is returned.
func (s *Supervisor) Connect(ctx context.Context) error {
	if err := s.setStatus(ctx, models.AgentSpawning, nil); err != nil {
		return err
	}

	snap := s.Snapshot()
	connID, err := s.driver.Connect(ctx, driver.ConnectParams{
		RunID:       s.run.ID,
		AgentID:     snap.ID,
		Username:    snap.Name,
		Profile:     string(s.profile.ID),
		Environment: s.run.Config.Environment,
	})
	if err != nil {
		var ce *apperrors.ConnectionError
		if !errors.As(err, &ce) {
			err = &apperrors.ConnectionError{Op: "connect", Err: err}
		}
		logger.Logger.Warn("agent failed to connect", "run_id", s.run.ID, "agent_id", snap.ID, "error", err)
		s.mu.Lock()
		s.setStatusLocked(ctx, models.AgentError, err)
		s.mu.Unlock()
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.agent.ConnectionID = connID
	now := s.clock.Now()
	s.agent.SpawnedAt = &now
	if err := s.setStatusLocked(ctx, models.AgentActive, nil); err != nil {
		// terminated or failed while connecting
		go s.driver.Disconnect(context.WithoutCancel(ctx), connID)
		return err
	}
	logger.Logger.Info("agent connected", "run_id", s.run.ID, "agent_id", s.agent.ID, "profile", s.profile.ID, "connection_id", connID)
	return nil
}

// Handshake performs the profile's introductory action, if it has one and
// it has not fired yet. It must be called before Start.
func (s *Supervisor) Handshake(ctx context.Context) error {
	if !s.sched.HandshakePending() {
		return nil
	}
	if !s.Status().Connected() {
		return fmt.Errorf("%w: agent %s is %s", apperrors.ErrIllegalTransition, s.ID(), s.Status())
	}
	return s.perform(ctx, s.sched.Next())
}

// Start launches the behavior loop. The schedule begins at the current time.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != nil {
		return fmt.Errorf("agent %s already started", s.agent.ID)
	}
	if !s.agent.Status.Connected() {
		return fmt.Errorf("%w: agent %s is %s", apperrors.ErrIllegalTransition, s.agent.ID, s.agent.Status)
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.sched.Resume(s.clock.Now())
	go s.loop(ctx, s.done)
	return nil
}

// Pause suspends the behavior loop: active → paused.
func (s *Supervisor) Pause(ctx context.Context) error {
	if err := s.move(ctx, models.AgentActive, models.AgentPaused); err != nil {
		return err
	}
	s.signal()
	return nil
}

// Resume continues a paused agent: paused → active. Ticks missed while paused
// are not replayed.
func (s *Supervisor) Resume(ctx context.Context) error {
	if err := s.move(ctx, models.AgentPaused, models.AgentActive); err != nil {
		return err
	}
	s.signal()
	return nil
}

// move changes the status only when the agent is currently in from.
func (s *Supervisor) move(ctx context.Context, from, to models.AgentStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.agent.Status != from || s.terminating {
		return fmt.Errorf("%w: agent %s is %s", apperrors.ErrIllegalTransition, s.agent.ID, s.agent.Status)
	}
	return s.setStatusLocked(ctx, to, nil)
}

func (s *Supervisor) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Terminate stops the agent and releases its connection. A graceful stop
// lets the in-flight action finish within the grace period; otherwise the
// action is interrupted at once. Agents in error keep their status.
func (s *Supervisor) Terminate(ctx context.Context, graceful bool) error {
	s.mu.Lock()
	if s.terminating {
		done := s.done
		s.mu.Unlock()
		if done != nil {
			<-done
		}
		return nil
	}
	s.terminating = true
	if graceful {
		s.note = models.NoteInterruptedStop
	} else {
		s.note = models.NoteInterruptedCancel
	}
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	if done != nil {
		if graceful {
			s.stopOnce.Do(func() { close(s.stopping) })
			t := time.NewTimer(s.cfg.GracePeriod)
			select {
			case <-done:
			case <-t.C:
				logger.Logger.Warn("agent did not drain within grace period", "run_id", s.run.ID, "agent_id", s.ID())
			}
			t.Stop()
		}
		cancel()
		<-done
	}

	var err error
	connID := s.Snapshot().ConnectionID
	if connID != "" {
		if derr := s.driver.Disconnect(context.WithoutCancel(ctx), connID); derr != nil {
			logger.Logger.Warn("agent disconnect failed", "run_id", s.run.ID, "agent_id", s.ID(), "error", derr)
			err = derr
		}
	}

	s.mu.Lock()
	// the driver's own disconnect event may arrive after the agent is no
	// longer routed
	if connID != "" && err == nil {
		s.applyBotLocked(ctx, driver.BotEvent{ConnectionID: connID, Status: models.BotDisconnected})
	}
	if !s.agent.Status.Terminal() {
		s.setStatusLocked(ctx, models.AgentTerminated, nil)
	}
	s.mu.Unlock()
	return err
}

// HandleBotEvent applies a driver event for this agent's connection. Losing
// the connection while connected fails the agent.
func (s *Supervisor) HandleBotEvent(ctx context.Context, ev driver.BotEvent) {
	s.mu.Lock()
	s.applyBotLocked(ctx, ev)
	lost := (ev.Status == models.BotDisconnected || ev.Status == models.BotError) &&
		s.agent.Status.Connected() && !s.terminating &&
		(s.agent.ConnectionID == "" || s.agent.ConnectionID == ev.ConnectionID)
	s.mu.Unlock()

	if lost {
		cause := ev.Err
		if cause == nil {
			cause = fmt.Errorf("bot %s", ev.Status)
		}
		s.fail(ctx, &apperrors.ConnectionError{ConnectionID: ev.ConnectionID, Op: "session", Err: cause})
	}
}

func (s *Supervisor) applyBotLocked(ctx context.Context, ev driver.BotEvent) {
	if !s.agent.BotStatus.CanTransitionTo(ev.Status) {
		return
	}
	prev := s.agent.BotStatus
	s.agent.BotStatus = ev.Status
	if ev.UserID != "" {
		s.agent.ChatUserID = ev.UserID
	}
	s.persistLocked(ctx)
	payload := eventbus.BotStatusPayload{Status: ev.Status, ConnectionID: ev.ConnectionID}
	if ev.Err != nil {
		payload.Error = ev.Err.Error()
	}
	s.publishLocked(eventbus.TypeBotStatus, payload)
	logger.Logger.Debug("bot status changed", "agent_id", s.agent.ID, "from", prev, "to", ev.Status)
}

func (s *Supervisor) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	for {
		if s.Status() == models.AgentPaused {
			s.parkSchedule(ctx)
			select {
			case <-ctx.Done():
				return
			case <-s.stopping:
				return
			case <-s.wake:
				s.restoreSchedule(ctx)
				s.sched.Resume(s.clock.Now())
				continue
			}
		}

		tick := s.sched.Next()
		timer := s.clock.NewTimer(tick.DueAt.Sub(s.clock.Now()))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-s.stopping:
			timer.Stop()
			return
		case <-s.wake:
			timer.Stop()
			continue
		case <-timer.C():
		}

		if !tick.ShouldAct {
			continue
		}
		// paused after the timer fired; the tick is dropped, not replayed
		if s.Status() == models.AgentPaused {
			continue
		}
		if err := s.perform(ctx, tick); err != nil {
			return
		}
	}
}

// parkSchedule stores the scheduler state on the agent record while paused.
func (s *Supervisor) parkSchedule(ctx context.Context) {
	raw, err := sonic.MarshalString(s.sched.Snapshot())
	if err != nil {
		logger.Logger.Error("failed to serialise schedule", "run_id", s.run.ID, "agent_id", s.ID(), "error", err)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.agent.Schedule == raw {
		return
	}
	s.agent.Schedule = raw
	s.persistLocked(ctx)
}

// restoreSchedule rebuilds the scheduler from the parked state, if any.
func (s *Supervisor) restoreSchedule(ctx context.Context) {
	s.mu.Lock()
	raw := s.agent.Schedule
	if s.agent.Status == models.AgentPaused || raw == "" {
		s.mu.Unlock()
		return
	}
	s.agent.Schedule = ""
	s.persistLocked(ctx)
	s.mu.Unlock()

	var st behavior.State
	if err := sonic.UnmarshalString(raw, &st); err != nil {
		logger.Logger.Error("failed to restore schedule", "run_id", s.run.ID, "agent_id", s.ID(), "error", err)
		return
	}
	s.sched = behavior.Restore(s.profile, s.schedOpts, st)
}

// perform carries out one tick and records it. It returns an error when the
// loop must stop.
func (s *Supervisor) perform(ctx context.Context, tick behavior.Tick) error {
	started := time.Now()
	rec := models.BehavioralAction{
		ID:        uuid.NewString(),
		AgentID:   s.ID(),
		RunID:     s.run.ID,
		Seq:       tick.Seq,
		Type:      tick.Action,
		Channel:   string(tick.Channel),
		Handshake: tick.Handshake,
	}
	act := driver.Action{Seq: tick.Seq, Type: tick.Action, Channel: string(tick.Channel)}

	if tick.Channel == behavior.ChannelChat && s.llm != nil {
		text, interactionID, err := s.converse(ctx, tick)
		rec.InteractionID = interactionID
		if err != nil {
			if ctx.Err() != nil {
				rec.Notes = s.interruptNote()
				s.record(ctx, rec, started)
				return ctx.Err()
			}
			rec.Notes = err.Error()
			s.record(ctx, rec, started)
			s.fail(ctx, err)
			return err
		}
		act.Text = text
	}

	out, attempts, err := s.dispatch(ctx, act)
	rec.Attempts = attempts
	switch {
	case err == nil:
		rec.Success = true
		rec.EnvironmentAction = out.EnvironmentAction
		rec.ChatAction = out.ChatAction
	case ctx.Err() != nil:
		rec.Notes = s.interruptNote()
	default:
		rec.Notes = err.Error()
	}
	s.record(ctx, rec, started)

	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err != nil && apperrors.IsConnection(err) {
		s.fail(ctx, err)
		return err
	}
	return nil
}

// converse asks the target model to voice a chat action and logs the exchange.
func (s *Supervisor) converse(ctx context.Context, tick behavior.Tick) (string, string, error) {
	s.mu.Lock()
	system, last := s.agent.SystemPrompt, s.lastOutcome
	s.mu.Unlock()

	userPrompt, err := s.prompts.Action(prompt.ActionInput{
		Action:      tick.Action,
		Channel:     string(tick.Channel),
		Handshake:   tick.Handshake,
		LastOutcome: last,
	})
	if err != nil {
		return "", "", err
	}

	start := time.Now()
	resp, err := s.llm.Send(ctx, system, userPrompt)
	in := models.LLMInteraction{
		ID:        uuid.NewString(),
		AgentID:   s.ID(),
		RunID:     s.run.ID,
		Model:     s.run.TargetModel,
		Prompt:    userPrompt,
		Response:  resp,
		LatencyMs: time.Since(start).Milliseconds(),
		Timestamp: s.clock.Now(),
	}
	if err != nil {
		in.Error = err.Error()
	}
	if cerr := s.repo.CreateInteraction(context.WithoutCancel(ctx), &in); cerr != nil {
		logger.Logger.Error("failed to record interaction", "run_id", s.run.ID, "agent_id", in.AgentID, "error", cerr)
	}
	return strings.TrimSpace(resp), in.ID, err
}

// dispatch performs an action with bounded retries. Rejections are retried;
// connection errors and cancellation are returned at once.
func (s *Supervisor) dispatch(ctx context.Context, a driver.Action) (driver.Outcome, int, error) {
	connID := s.Snapshot().ConnectionID
	var lastErr error
	for attempt := 1; attempt <= s.cfg.DispatchAttempts; attempt++ {
		out, err := s.driver.PerformAction(ctx, connID, a)
		if err == nil {
			return out, attempt, nil
		}
		lastErr = err
		if ctx.Err() != nil || apperrors.IsConnection(err) {
			return driver.Outcome{}, attempt, err
		}
		logger.Logger.Debug("action rejected", "agent_id", s.ID(), "action", a.Type, "attempt", attempt, "error", err)
		if attempt < s.cfg.DispatchAttempts {
			if !behavior.Sleep(s.clock, s.cfg.DispatchBackoff.Next(attempt-1), ctx.Done()) {
				return driver.Outcome{}, attempt, ctx.Err()
			}
		}
	}
	return driver.Outcome{}, s.cfg.DispatchAttempts, lastErr
}

func (s *Supervisor) record(ctx context.Context, rec models.BehavioralAction, started time.Time) {
	ctx = context.WithoutCancel(ctx)
	rec.Timestamp = s.clock.Now()
	if err := s.repo.CreateAction(ctx, &rec); err != nil {
		logger.Logger.Error("failed to record action", "run_id", rec.RunID, "agent_id", rec.AgentID, "error", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.agent.ActionCount++
	ts := rec.Timestamp
	s.agent.LastActionAt = &ts
	switch {
	case rec.ChatAction != "":
		s.lastOutcome = rec.ChatAction
	case rec.EnvironmentAction != "":
		s.lastOutcome = rec.EnvironmentAction
	}
	s.persistLocked(ctx)
	s.publishLocked(eventbus.TypeAction, eventbus.ActionPayload{
		Action:    rec,
		Profile:   string(s.profile.ID),
		LatencyMs: time.Since(started).Milliseconds(),
	})
}

// fail moves the agent to error, stops its loop and notifies the owner. Only
// the first failure is reported.
func (s *Supervisor) fail(ctx context.Context, err error) {
	s.mu.Lock()
	if s.agent.Status.Terminal() {
		s.mu.Unlock()
		return
	}
	s.setStatusLocked(ctx, models.AgentError, err)
	s.note = "interrupted: " + err.Error()
	cancel := s.cancel
	s.mu.Unlock()

	logger.Logger.Error("agent failed", "run_id", s.run.ID, "agent_id", s.ID(), "error", err)
	if cancel != nil {
		cancel()
	}
	if s.onFailure != nil {
		s.onFailure(s.ID(), err)
	}
}

func (s *Supervisor) interruptNote() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.note == "" {
		return models.NoteInterruptedCancel
	}
	return s.note
}

func (s *Supervisor) setStatus(ctx context.Context, to models.AgentStatus, cause error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setStatusLocked(ctx, to, cause)
}

// setStatusLocked persists and publishes a status change. Holding mu across
// both keeps the published order equal to the applied order.
func (s *Supervisor) setStatusLocked(ctx context.Context, to models.AgentStatus, cause error) error {
	from := s.agent.Status
	if from == to {
		return nil
	}
	if !from.CanTransitionTo(to) {
		return fmt.Errorf("%w: agent %s %s -> %s", apperrors.ErrIllegalTransition, s.agent.ID, from, to)
	}
	s.agent.Status = to
	s.persistLocked(ctx)

	payload := eventbus.AgentStatusPayload{Status: to, Previous: from, Profile: string(s.profile.ID)}
	if cause != nil {
		payload.Error = cause.Error()
	}
	s.publishLocked(eventbus.TypeAgentStatus, payload)
	return nil
}

func (s *Supervisor) persistLocked(ctx context.Context) {
	a := s.agent.Clone()
	if err := s.repo.UpdateAgent(context.WithoutCancel(ctx), &a); err != nil {
		logger.Logger.Error("failed to persist agent", "run_id", s.run.ID, "agent_id", a.ID, "error", err)
	}
}

func (s *Supervisor) publishLocked(t eventbus.Type, payload any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{
		Type:      t,
		RunID:     s.run.ID,
		EntityID:  s.agent.ID,
		Timestamp: s.clock.Now(),
		Payload:   payload,
	})
}
