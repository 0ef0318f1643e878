// Package config loads the service configuration from YAML with environment
// overrides. Credentials are only ever read from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"behaviorbench/internal/backoff"
	"behaviorbench/internal/driver/discord"
	"behaviorbench/internal/driver/sim"
	"behaviorbench/internal/eventbus"
	"behaviorbench/internal/llm"
	"behaviorbench/internal/orchestrator"
	"behaviorbench/internal/supervisor"

	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every service environment variable.
const EnvPrefix = "BEHAVIORBENCH_"

// Database backends.
const (
	DatabaseMemory   = "memory"
	DatabaseSQLite   = "sqlite3"
	DatabasePostgres = "postgres"
)

// Environment drivers.
const (
	DriverSim     = "sim"
	DriverDiscord = "discord"
)

// Config is the full service configuration.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Database     DatabaseConfig     `yaml:"database"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Events       EventsConfig       `yaml:"events"`
	LLM          llm.Config         `yaml:"llm"`
	Driver       DriverConfig       `yaml:"driver"`
	Log          LogConfig          `yaml:"log"`
	// ProfilesPath replaces the built-in profile catalog when set.
	ProfilesPath string `yaml:"profiles_path"`
}

// ServerConfig covers the HTTP listener.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	Metrics         bool          `yaml:"metrics"`
}

// DatabaseConfig selects the repository backend.
type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// OrchestratorConfig tunes run and agent lifecycles.
type OrchestratorConfig struct {
	MinViableAgents  int           `yaml:"min_viable_agents"`
	ConnectTimeout   time.Duration `yaml:"connect_timeout"`
	GracePeriod      time.Duration `yaml:"grace_period"`
	DispatchAttempts int           `yaml:"dispatch_attempts"`
	DispatchBackoff  time.Duration `yaml:"dispatch_backoff"`
	DispatchMaxDelay time.Duration `yaml:"dispatch_max_delay"`
	ChatShare        float64       `yaml:"chat_share"`
}

// EventsConfig tunes the event channel and its optional Redis mirror.
type EventsConfig struct {
	BufferSize        int           `yaml:"buffer_size"`
	ReconnectBase     time.Duration `yaml:"reconnect_base"`
	ReconnectMax      time.Duration `yaml:"reconnect_max"`
	ReconnectAttempts int           `yaml:"reconnect_attempts"`
	RedisURL          string        `yaml:"redis_url"`
	RedisStream       string        `yaml:"redis_stream"`
	RedisMaxLen       int64         `yaml:"redis_max_len"`
}

// DriverConfig selects and tunes the environment driver.
type DriverConfig struct {
	Kind    string        `yaml:"kind"`
	Sim     SimConfig     `yaml:"sim"`
	Discord DiscordConfig `yaml:"discord"`
}

// SimConfig tunes the simulated environment.
type SimConfig struct {
	ConnectLatency    time.Duration `yaml:"connect_latency"`
	ActionLatency     time.Duration `yaml:"action_latency"`
	ActionFailureRate float64       `yaml:"action_failure_rate"`
	FailConnect       []string      `yaml:"fail_connect"`
	Seed              int64         `yaml:"seed"`
}

// DiscordConfig configures the chat platform driver.
type DiscordConfig struct {
	ChannelID string   `yaml:"channel_id"`
	Tokens    []string `yaml:"-"`
}

// LogConfig controls logging output.
type LogConfig struct {
	Path    string `yaml:"path"`
	Verbose bool   `yaml:"verbose"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	orch := orchestrator.DefaultConfig()
	sup := supervisor.DefaultConfig()
	rb := backoff.Default()
	return Config{
		Server: ServerConfig{
			Addr:            "127.0.0.1:8080",
			ShutdownTimeout: 10 * time.Second,
			Metrics:         true,
		},
		Database: DatabaseConfig{Driver: DatabaseMemory},
		Orchestrator: OrchestratorConfig{
			MinViableAgents:  orch.MinViableAgents,
			ConnectTimeout:   orch.ConnectTimeout,
			GracePeriod:      sup.GracePeriod,
			DispatchAttempts: sup.DispatchAttempts,
			DispatchBackoff:  sup.DispatchBackoff.Base,
			DispatchMaxDelay: sup.DispatchBackoff.Max,
			ChatShare:        sup.ChatShare,
		},
		Events: EventsConfig{
			BufferSize:        eventbus.DefaultBufferSize,
			ReconnectBase:     rb.Base,
			ReconnectMax:      rb.Max,
			ReconnectAttempts: 10,
			RedisStream:       eventbus.DefaultStream,
		},
		LLM: llm.Config{
			DefaultProvider: llm.EchoOnly,
			Timeout:         60 * time.Second,
			Retry:           llm.DefaultRetryPolicy(),
		},
		Driver: DriverConfig{Kind: DriverSim},
	}
}

// Load reads path on top of the defaults and applies the environment. An
// empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

// ApplyEnv overrides fields from environment variables read through lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	var errs []string
	num := func(key string, dst *int) {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", key, err))
				return
			}
			*dst = n
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", key, err))
				return
			}
			*dst = d
		}
	}

	str(EnvPrefix+"ADDR", &c.Server.Addr)
	str(EnvPrefix+"DB_DRIVER", &c.Database.Driver)
	str(EnvPrefix+"DB_DSN", &c.Database.DSN)
	num(EnvPrefix+"MIN_VIABLE_AGENTS", &c.Orchestrator.MinViableAgents)
	dur(EnvPrefix+"CONNECT_TIMEOUT", &c.Orchestrator.ConnectTimeout)
	str(EnvPrefix+"REDIS_URL", &c.Events.RedisURL)
	str(EnvPrefix+"DRIVER", &c.Driver.Kind)
	str(EnvPrefix+"LOG_PATH", &c.Log.Path)
	str(EnvPrefix+"PROFILES", &c.ProfilesPath)
	if v, ok := lookup(EnvPrefix + "VERBOSE"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%sVERBOSE: %v", EnvPrefix, err))
		} else {
			c.Log.Verbose = b
		}
	}
	if v, ok := lookup(EnvPrefix + "LLM_PROVIDER"); ok && v != "" {
		c.LLM.DefaultProvider = llm.Provider(v)
	}

	// provider credentials use the names the SDKs document
	str("OPENAI_API_KEY", &c.LLM.OpenAIKey)
	str("OPENAI_BASE_URL", &c.LLM.OpenAIBaseURL)
	str("ANTHROPIC_API_KEY", &c.LLM.AnthropicKey)
	str("GOOGLE_API_KEY", &c.LLM.GoogleKey)
	str("AZURE_OPENAI_ENDPOINT", &c.LLM.Azure.Endpoint)
	str("AZURE_OPENAI_API_KEY", &c.LLM.Azure.APIKey)
	str("AZURE_OPENAI_DEPLOYMENT", &c.LLM.Azure.Deployment)
	str("DISCORD_CHANNEL_ID", &c.Driver.Discord.ChannelID)
	if v, ok := lookup("DISCORD_BOT_TOKENS"); ok && v != "" {
		c.Driver.Discord.Tokens = splitList(v)
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid environment: %s", strings.Join(errs, "; "))
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate checks values that would otherwise fail late.
func (c Config) Validate() error {
	switch c.Database.Driver {
	case DatabaseMemory:
	case DatabaseSQLite, DatabasePostgres:
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for %s", c.Database.Driver)
		}
	default:
		return fmt.Errorf("unsupported database driver: %s", c.Database.Driver)
	}

	switch c.Driver.Kind {
	case DriverSim:
	case DriverDiscord:
		if len(c.Driver.Discord.Tokens) == 0 || c.Driver.Discord.ChannelID == "" {
			return fmt.Errorf("discord driver needs DISCORD_BOT_TOKENS and a channel id")
		}
	default:
		return fmt.Errorf("unsupported driver: %s", c.Driver.Kind)
	}

	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr cannot be empty")
	}
	if c.Orchestrator.MinViableAgents < 1 {
		return fmt.Errorf("orchestrator.min_viable_agents must be at least 1")
	}
	if c.Orchestrator.ChatShare < 0 || c.Orchestrator.ChatShare > 1 {
		return fmt.Errorf("orchestrator.chat_share must be between 0 and 1")
	}
	return nil
}

// OrchestratorConfig converts the orchestration section.
func (c Config) OrchestratorConfig() orchestrator.Config {
	o := c.Orchestrator
	return orchestrator.Config{
		MinViableAgents: o.MinViableAgents,
		ConnectTimeout:  o.ConnectTimeout,
		Supervisor: supervisor.Config{
			DispatchAttempts: o.DispatchAttempts,
			DispatchBackoff:  backoff.Exponential{Base: o.DispatchBackoff, Max: o.DispatchMaxDelay, Factor: 2},
			GracePeriod:      o.GracePeriod,
			ChatShare:        o.ChatShare,
		},
	}
}

// ReconnectConfig converts the reconnect settings of the event channel.
func (c Config) ReconnectConfig() eventbus.ReconnectConfig {
	return eventbus.ReconnectConfig{
		Backoff:     backoff.Exponential{Base: c.Events.ReconnectBase, Max: c.Events.ReconnectMax, Factor: 2, Jitter: 0.1},
		MaxAttempts: c.Events.ReconnectAttempts,
	}
}

// SimOptions converts the simulated environment settings.
func (c Config) SimOptions() sim.Options {
	opts := sim.Options{
		ConnectLatency:    c.Driver.Sim.ConnectLatency,
		ActionLatency:     c.Driver.Sim.ActionLatency,
		ActionFailureRate: c.Driver.Sim.ActionFailureRate,
		Seed:              c.Driver.Sim.Seed,
	}
	if len(c.Driver.Sim.FailConnect) > 0 {
		opts.FailConnect = make(map[string]bool, len(c.Driver.Sim.FailConnect))
		for _, name := range c.Driver.Sim.FailConnect {
			opts.FailConnect[name] = true
		}
	}
	return opts
}

// DiscordConfig converts the chat platform settings.
func (c Config) DiscordConfig() discord.Config {
	return discord.Config{Tokens: c.Driver.Discord.Tokens, ChannelID: c.Driver.Discord.ChannelID}
}
