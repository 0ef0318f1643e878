package llm

import (
	"context"
	"testing"

	"behaviorbench/internal/apperrors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_Resolve(t *testing.T) {
	r := NewRegistry(Config{
		DefaultProvider: OpenAI,
		Models: map[string]ModelSpec{
			"house-model": {Provider: Anthropic, Model: "claude-3-5-sonnet"},
		},
	})

	tests := []struct {
		id       string
		provider Provider
		model    string
	}{
		{"house-model", Anthropic, "claude-3-5-sonnet"},
		{"gpt-4o", OpenAI, "gpt-4o"},
		{"claude-3-haiku", Anthropic, "claude-3-haiku"},
		{"gemini-1.5-pro", GoogleAI, "gemini-1.5-pro"},
		{"azure:prod-gpt4", Azure, "prod-gpt4"},
		{"echo", EchoOnly, "echo"},
		{"mistral-large", OpenAI, "mistral-large"},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			spec := r.Resolve(tt.id)
			assert.Equal(t, tt.provider, spec.Provider)
			assert.Equal(t, tt.model, spec.Model)
		})
	}
}

func TestRegistry_EchoClientIsCached(t *testing.T) {
	r := NewRegistry(Config{})
	ctx := context.Background()

	c1, err := r.Client(ctx, "echo-1")
	require.NoError(t, err)
	c2, err := r.Client(ctx, "echo-1")
	require.NoError(t, err)
	assert.Same(t, c1, c2)

	out, err := c1.Send(ctx, "system", "line one\nplease gather wood")
	require.NoError(t, err)
	assert.Contains(t, out, "ack: please gather wood")

	require.NoError(t, r.Ping(ctx, "echo-1"))
}

func TestRegistry_MissingCredentials(t *testing.T) {
	r := NewRegistry(Config{})
	ctx := context.Background()

	for _, id := range []string{"gpt-4o", "claude-3-haiku", "gemini-1.5-pro", "azure:prod"} {
		_, err := r.Client(ctx, id)
		assert.True(t, apperrors.IsValidation(err), id)
	}

	_, err := r.Client(ctx, "  ")
	assert.True(t, apperrors.IsValidation(err))
}

func TestRegistry_OpenAIWithKey(t *testing.T) {
	r := NewRegistry(Config{OpenAIKey: "sk-test", OpenAIBaseURL: "http://127.0.0.1:1/v1"})
	c, err := r.Client(context.Background(), "gpt-4o-mini")
	require.NoError(t, err)
	assert.NotNil(t, c)
}

func TestEcho_RespectsCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	e := &Echo{Model: "echo"}
	_, err := e.Send(ctx, "", "hi")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int64(0), e.Calls())
}
