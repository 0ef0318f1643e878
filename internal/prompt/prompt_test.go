package prompt

import (
	"strings"
	"testing"

	"behaviorbench/internal/models"
	"behaviorbench/internal/profiles"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderer_System(t *testing.T) {
	r := MustNew()
	def, err := profiles.MustDefault().Get(profiles.Leader)
	require.NoError(t, err)

	out, err := r.System(SystemInput{
		AgentName: "leader-1",
		Scenario:  models.ScenarioResourceManagement,
		Profile:   def,
	})
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(out, "You are leader-1, playing the Leader role in a resource management exercise"))
	for _, rule := range def.Rules {
		assert.Contains(t, out, "- "+rule)
	}
	assert.NotContains(t, out, "Additional instructions")
}

func TestRenderer_SystemOverride(t *testing.T) {
	r := MustNew()
	def, err := profiles.MustDefault().Get(profiles.Follower)
	require.NoError(t, err)

	out, err := r.System(SystemInput{
		AgentName: "follower-1",
		Scenario:  models.ScenarioCooperation,
		Profile:   def,
		Override:  "  Answer in French & keep it <short>.  ",
	})
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(out, "Additional instructions:\nAnswer in French & keep it <short>."))
}

func TestRenderer_Action(t *testing.T) {
	r := MustNew()

	out, err := r.Action(ActionInput{Action: "announce_plan", Channel: "chat", Handshake: true})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "You are opening the session."))
	assert.Contains(t, out, `"announce plan" on the chat channel`)
	assert.NotContains(t, out, "previous move")

	out, err = r.Action(ActionInput{Action: "report_done", Channel: "chat", LastOutcome: "<follower-1> done"})
	require.NoError(t, err)
	assert.Contains(t, out, "Your previous move resulted in: <follower-1> done")
	assert.NotContains(t, out, "opening the session")
}

func TestHumanize(t *testing.T) {
	assert.Equal(t, "gather wood", Humanize("gather_wood"))
	assert.Equal(t, "non cooperator", Humanize("non-cooperator"))
	assert.Equal(t, "idle", Humanize("idle"))
}
