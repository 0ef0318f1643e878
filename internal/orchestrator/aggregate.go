package orchestrator

import (
	"behaviorbench/internal/eventbus"
	"behaviorbench/internal/models"

	"github.com/life4/genesis/slices"
)

// Aggregate summarises agent statuses for a run heartbeat. Worst is the
// status with the highest severity; an empty run reports idle.
func Aggregate(status models.RunStatus, agents []models.AgentInstance) eventbus.HeartbeatPayload {
	out := eventbus.HeartbeatPayload{
		Status:   status,
		Worst:    models.AgentIdle,
		ByStatus: make(map[models.AgentStatus]int),
		Total:    len(agents),
	}
	for _, a := range agents {
		out.ByStatus[a.Status]++
		if a.Status.Severity() > out.Worst.Severity() {
			out.Worst = a.Status
		}
	}
	out.Connected = len(slices.Filter(agents, func(a models.AgentInstance) bool {
		return a.Status.Connected()
	}))
	out.Actions = slices.Reduce(agents, int64(0), func(a models.AgentInstance, acc int64) int64 {
		return acc + a.ActionCount
	})
	return out
}

// viableFloor is the minimum number of connected agents a run needs.
func viableFloor(threshold, agents int) int {
	if threshold > agents {
		return agents
	}
	return threshold
}
