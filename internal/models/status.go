package models

// RunStatus is the lifecycle state of a test run.
type RunStatus string

const (
	RunCreated      RunStatus = "created"
	RunInitializing RunStatus = "initializing"
	RunCoordination RunStatus = "coordination"
	RunExecuting    RunStatus = "executing"
	RunCompleting   RunStatus = "completing"
	RunCompleted    RunStatus = "completed"
	RunFailed       RunStatus = "failed"
	RunCancelled    RunStatus = "cancelled"
)

// Valid reports whether s is a known run status.
func (s RunStatus) Valid() bool {
	switch s {
	case RunCreated, RunInitializing, RunCoordination, RunExecuting,
		RunCompleting, RunCompleted, RunFailed, RunCancelled:
		return true
	}
	return false
}

// Terminal reports whether no further transitions are possible.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunCancelled:
		return true
	case RunCreated, RunInitializing, RunCoordination, RunExecuting, RunCompleting:
		return false
	}
	return false
}

// next returns the successor on the nominal path.
func (s RunStatus) next() RunStatus {
	switch s {
	case RunCreated:
		return RunInitializing
	case RunInitializing:
		return RunCoordination
	case RunCoordination:
		return RunExecuting
	case RunExecuting:
		return RunCompleting
	case RunCompleting:
		return RunCompleted
	case RunCompleted, RunFailed, RunCancelled:
		return ""
	}
	return ""
}

// Cancellable reports whether an operator may still cancel the run.
func (s RunStatus) Cancellable() bool {
	switch s {
	case RunCreated, RunInitializing, RunCoordination, RunExecuting:
		return true
	case RunCompleting, RunCompleted, RunFailed, RunCancelled:
		return false
	}
	return false
}

// CanTransitionTo reports whether moving from s to next is allowed.
// Transitions are monotonic: a run never returns to an earlier state.
func (s RunStatus) CanTransitionTo(next RunStatus) bool {
	if s.Terminal() || !next.Valid() {
		return false
	}
	switch next {
	case RunFailed:
		return true
	case RunCancelled:
		return s.Cancellable()
	}
	return s.next() == next
}

// AgentStatus is the lifecycle state of an agent instance.
type AgentStatus string

const (
	AgentIdle       AgentStatus = "idle"
	AgentSpawning   AgentStatus = "spawning"
	AgentActive     AgentStatus = "active"
	AgentPaused     AgentStatus = "paused"
	AgentTerminated AgentStatus = "terminated"
	AgentError      AgentStatus = "error"
)

// Valid reports whether s is a known agent status.
func (s AgentStatus) Valid() bool {
	switch s {
	case AgentIdle, AgentSpawning, AgentActive, AgentPaused, AgentTerminated, AgentError:
		return true
	}
	return false
}

// Terminal reports whether the agent can no longer change state.
func (s AgentStatus) Terminal() bool {
	return s == AgentTerminated || s == AgentError
}

// Connected reports whether the agent counts toward the viable agent floor.
func (s AgentStatus) Connected() bool {
	switch s {
	case AgentActive, AgentPaused:
		return true
	case AgentIdle, AgentSpawning, AgentTerminated, AgentError:
		return false
	}
	return false
}

// CanTransitionTo reports whether moving from s to next is allowed.
func (s AgentStatus) CanTransitionTo(next AgentStatus) bool {
	if s.Terminal() {
		return false
	}
	switch next {
	case AgentError, AgentTerminated:
		return true
	case AgentSpawning:
		return s == AgentIdle
	case AgentActive:
		return s == AgentSpawning || s == AgentPaused
	case AgentPaused:
		return s == AgentActive
	case AgentIdle:
		return false
	}
	return false
}

// Severity orders agent statuses for run-level aggregation. Higher is worse.
func (s AgentStatus) Severity() int {
	switch s {
	case AgentError:
		return 5
	case AgentTerminated:
		return 4
	case AgentPaused:
		return 3
	case AgentActive:
		return 2
	case AgentSpawning:
		return 1
	case AgentIdle:
		return 0
	}
	return 0
}

// BotStatus is the state of an agent's environment connection.
type BotStatus string

const (
	BotDisconnected BotStatus = "disconnected"
	BotConnecting   BotStatus = "connecting"
	BotConnected    BotStatus = "connected"
	BotSpawned      BotStatus = "spawned"
	BotError        BotStatus = "error"
)

// Valid reports whether s is a known bot status.
func (s BotStatus) Valid() bool {
	switch s {
	case BotDisconnected, BotConnecting, BotConnected, BotSpawned, BotError:
		return true
	}
	return false
}

// CanTransitionTo reports whether moving from s to next is allowed.
func (s BotStatus) CanTransitionTo(next BotStatus) bool {
	switch next {
	case BotError, BotDisconnected:
		return s != next
	case BotConnecting:
		return s == BotDisconnected || s == BotError
	case BotConnected:
		return s == BotConnecting
	case BotSpawned:
		return s == BotConnected
	}
	return false
}

// Scenario is the kind of task the agents are put through.
type Scenario string

const (
	ScenarioCooperation        Scenario = "cooperation"
	ScenarioResourceManagement Scenario = "resource-management"
)

// Valid reports whether s is a known scenario.
func (s Scenario) Valid() bool {
	switch s {
	case ScenarioCooperation, ScenarioResourceManagement:
		return true
	}
	return false
}
