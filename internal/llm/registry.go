package llm

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"behaviorbench/internal/apperrors"
	"behaviorbench/internal/logger"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/googleai"
	"github.com/tmc/langchaingo/llms/openai"
)

// Provider is an LLM backend.
type Provider string

const (
	OpenAI    Provider = "openai"
	Anthropic Provider = "anthropic"
	GoogleAI  Provider = "googleai"
	Azure     Provider = "azure"
	EchoOnly  Provider = "echo"
)

// ModelSpec maps a target model id to a provider model.
type ModelSpec struct {
	Provider Provider `yaml:"provider"`
	Model    string   `yaml:"model"`
	BaseURL  string   `yaml:"base_url"`
}

// Config holds credentials and per-model overrides.
type Config struct {
	// DefaultProvider serves ids that match no override or known prefix.
	DefaultProvider Provider             `yaml:"provider"`
	Models          map[string]ModelSpec `yaml:"models"`
	OpenAIKey       string               `yaml:"-"`
	OpenAIBaseURL   string               `yaml:"openai_base_url"`
	AnthropicKey    string               `yaml:"-"`
	GoogleKey       string               `yaml:"-"`
	Azure           AzureConfig          `yaml:"azure"`
	MaxTokens       int                  `yaml:"max_tokens"`
	Timeout         time.Duration        `yaml:"timeout"`
	Retry           RetryPolicy          `yaml:"retry"`
}

// Registry resolves target model ids to clients and caches them.
type Registry struct {
	cfg Config

	mu        sync.RWMutex
	instances map[string]Client
}

// NewRegistry creates a registry. Missing retry settings use DefaultRetryPolicy.
func NewRegistry(cfg Config) *Registry {
	if cfg.DefaultProvider == "" {
		cfg.DefaultProvider = EchoOnly
	}
	def := DefaultRetryPolicy()
	if cfg.Retry.Attempts == 0 {
		cfg.Retry.Attempts = def.Attempts
	}
	if cfg.Retry.Backoff.Base <= 0 {
		cfg.Retry.Backoff = def.Backoff
	}
	return &Registry{cfg: cfg, instances: make(map[string]Client)}
}

// Resolve returns the provider spec used for a model id.
func (r *Registry) Resolve(id string) ModelSpec {
	if spec, ok := r.cfg.Models[id]; ok {
		if spec.Model == "" {
			spec.Model = id
		}
		return spec
	}

	lower := strings.ToLower(id)
	switch {
	case strings.HasPrefix(lower, "echo"), strings.HasPrefix(lower, "sim"):
		return ModelSpec{Provider: EchoOnly, Model: id}
	case strings.HasPrefix(lower, "azure:"):
		return ModelSpec{Provider: Azure, Model: id[len("azure:"):]}
	case strings.HasPrefix(lower, "gpt-"), strings.HasPrefix(lower, "o1"), strings.HasPrefix(lower, "o3"):
		return ModelSpec{Provider: OpenAI, Model: id}
	case strings.HasPrefix(lower, "claude"):
		return ModelSpec{Provider: Anthropic, Model: id}
	case strings.HasPrefix(lower, "gemini"):
		return ModelSpec{Provider: GoogleAI, Model: id}
	}
	return ModelSpec{Provider: r.cfg.DefaultProvider, Model: id}
}

// Client returns the cached client for id, creating it on first use.
// Unsupported ids and missing credentials are validation errors.
func (r *Registry) Client(ctx context.Context, id string) (Client, error) {
	if strings.TrimSpace(id) == "" {
		return nil, apperrors.Invalid("targetModel", "must not be empty")
	}

	r.mu.RLock()
	c, ok := r.instances[id]
	r.mu.RUnlock()
	if ok {
		return c, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.instances[id]; ok {
		return c, nil
	}

	spec := r.Resolve(id)
	c, err := r.initialize(ctx, spec)
	if err != nil {
		return nil, err
	}
	if r.cfg.Timeout > 0 {
		c = &timeoutClient{inner: c, timeout: r.cfg.Timeout}
	}
	if spec.Provider != EchoOnly {
		c = WithRetry(c, string(spec.Provider), r.cfg.Retry)
	}
	r.instances[id] = c
	logger.Logger.Debug("target model client created", "model", id, "provider", spec.Provider)
	return c, nil
}

func (r *Registry) callOptions() []llms.CallOption {
	if r.cfg.MaxTokens > 0 {
		return []llms.CallOption{llms.WithMaxTokens(r.cfg.MaxTokens)}
	}
	return nil
}

func (r *Registry) initialize(ctx context.Context, spec ModelSpec) (Client, error) {
	switch spec.Provider {
	case EchoOnly:
		return &Echo{Model: spec.Model}, nil
	case OpenAI:
		if r.cfg.OpenAIKey == "" {
			return nil, apperrors.Invalid("targetModel", "OPENAI_API_KEY is not set for %s", spec.Model)
		}
		opts := []openai.Option{openai.WithToken(r.cfg.OpenAIKey), openai.WithModel(spec.Model)}
		baseURL := spec.BaseURL
		if baseURL == "" {
			baseURL = r.cfg.OpenAIBaseURL
		}
		if baseURL != "" {
			opts = append(opts, openai.WithBaseURL(baseURL))
		}
		m, err := openai.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize OpenAI model: %w", err)
		}
		return NewModelClient(string(OpenAI), m, r.callOptions()...), nil
	case Anthropic:
		if r.cfg.AnthropicKey == "" {
			return nil, apperrors.Invalid("targetModel", "ANTHROPIC_API_KEY is not set for %s", spec.Model)
		}
		m, err := anthropic.New(anthropic.WithModel(spec.Model), anthropic.WithToken(r.cfg.AnthropicKey))
		if err != nil {
			return nil, fmt.Errorf("failed to initialize Anthropic model: %w", err)
		}
		return NewModelClient(string(Anthropic), m, r.callOptions()...), nil
	case GoogleAI:
		if r.cfg.GoogleKey == "" {
			return nil, apperrors.Invalid("targetModel", "GOOGLE_API_KEY is not set for %s", spec.Model)
		}
		m, err := googleai.New(ctx, googleai.WithAPIKey(r.cfg.GoogleKey), googleai.WithDefaultModel(spec.Model))
		if err != nil {
			return nil, fmt.Errorf("failed to initialize Google AI model: %w", err)
		}
		return NewModelClient(string(GoogleAI), m, r.callOptions()...), nil
	case Azure:
		cfg := r.cfg.Azure
		if spec.Model != "" {
			cfg.Deployment = spec.Model
		}
		return NewAzureClient(cfg)
	default:
		return nil, apperrors.Invalid("targetModel", "unsupported provider %q", spec.Provider)
	}
}

// Ping sends a short probe to the model.
func (r *Registry) Ping(ctx context.Context, id string) error {
	c, err := r.Client(ctx, id)
	if err != nil {
		return err
	}
	_, err = c.Send(ctx, "", "Hello, are you working? Please respond with a short answer.")
	return err
}

type timeoutClient struct {
	inner   Client
	timeout time.Duration
}

func (t *timeoutClient) Send(ctx context.Context, system, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.inner.Send(ctx, system, prompt)
}
