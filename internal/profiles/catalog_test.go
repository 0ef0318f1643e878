package profiles

import (
	"testing"

	"behaviorbench/internal/apperrors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultCatalog(t *testing.T) {
	c, err := Default()
	require.NoError(t, err)

	all := c.All()
	require.Len(t, all, len(IDs))
	for i, def := range all {
		assert.Equal(t, IDs[i], def.ID)
		assert.Greater(t, def.ActionFrequency.Min, 0.0, def.ID)
		assert.LessOrEqual(t, def.ActionFrequency.Min, def.ActionFrequency.Max, def.ID)
		assert.NotEmpty(t, def.Behaviors.Environment, def.ID)
		assert.NotEmpty(t, def.Behaviors.Chat, def.ID)
		assert.NotEmpty(t, def.Rules, def.ID)
	}

	leader, err := c.Get(Leader)
	require.NoError(t, err)
	assert.Equal(t, "announce_plan", leader.Handshake)
}

func TestCatalog_GetReturnsCopy(t *testing.T) {
	c := MustDefault()

	def, err := c.Get(Follower)
	require.NoError(t, err)
	def.Rules[0] = "changed"
	def.Behaviors.Environment = nil

	again, err := c.Get(Follower)
	require.NoError(t, err)
	assert.NotEqual(t, "changed", again.Rules[0])
	assert.NotEmpty(t, again.Behaviors.Environment)
}

func TestCatalog_Unknown(t *testing.T) {
	c := MustDefault()

	_, err := c.Get(ID("saboteur"))
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
	assert.False(t, c.Exists("saboteur"))
	assert.True(t, c.Exists("confuser"))

	_, err = c.Parse("saboteur")
	assert.True(t, apperrors.IsValidation(err))
}

func TestCatalog_ParseSet(t *testing.T) {
	c := MustDefault()

	tests := []struct {
		name    string
		input   []string
		want    []ID
		wantErr bool
	}{
		{name: "empty", input: nil, wantErr: true},
		{name: "single", input: []string{"leader"}, want: []ID{Leader}},
		{name: "duplicates collapse", input: []string{"follower", "leader", "follower"}, want: []ID{Leader, Follower}},
		{name: "five", input: []string{"leader", "follower", "confuser", "task-abandoner", "resource-hoarder"},
			want: []ID{Leader, Confuser, ResourceHoarder, TaskAbandoner, Follower}},
		{name: "six", input: []string{"leader", "follower", "confuser", "task-abandoner", "resource-hoarder", "non-cooperator"}, wantErr: true},
		{name: "unknown", input: []string{"leader", "ghost"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := c.ParseSet(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, apperrors.IsValidation(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLoad_RejectsBadDefinitions(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{name: "min above max", doc: `
profiles:
  - id: leader
    actionFrequency: {min: 5, max: 2}
    responsePatterns: {ignoreRate: 0.1, responseDelay: {minMs: 0, maxMs: 10}}
    behaviors: {environment: [a], chat: [b]}
`},
		{name: "zero frequency", doc: `
profiles:
  - id: leader
    actionFrequency: {min: 0, max: 2}
    responsePatterns: {ignoreRate: 0.1, responseDelay: {minMs: 0, maxMs: 10}}
    behaviors: {environment: [a], chat: [b]}
`},
		{name: "ignore rate", doc: `
profiles:
  - id: leader
    actionFrequency: {min: 1, max: 2}
    responsePatterns: {ignoreRate: 1.5, responseDelay: {minMs: 0, maxMs: 10}}
    behaviors: {environment: [a], chat: [b]}
`},
		{name: "empty vocabulary", doc: `
profiles:
  - id: leader
    actionFrequency: {min: 1, max: 2}
    responsePatterns: {ignoreRate: 0.5, responseDelay: {minMs: 0, maxMs: 10}}
    behaviors: {environment: [], chat: [b]}
`},
		{name: "unknown id", doc: `
profiles:
  - id: saboteur
    actionFrequency: {min: 1, max: 2}
    responsePatterns: {ignoreRate: 0.5, responseDelay: {minMs: 0, maxMs: 10}}
    behaviors: {environment: [a], chat: [b]}
`},
		{name: "missing profiles", doc: `
profiles:
  - id: leader
    actionFrequency: {min: 1, max: 2}
    responsePatterns: {ignoreRate: 0.5, responseDelay: {minMs: 0, maxMs: 10}}
    behaviors: {environment: [a], chat: [b]}
`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load([]byte(tt.doc))
			assert.Error(t, err)
		})
	}
}
