package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"behaviorbench/internal/llm"
	"behaviorbench/internal/orchestrator"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func env(vars map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := vars[key]
		return v, ok
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, DatabaseMemory, cfg.Database.Driver)
	assert.Equal(t, DriverSim, cfg.Driver.Kind)
	assert.Equal(t, llm.EchoOnly, cfg.LLM.DefaultProvider)
	assert.Equal(t, orchestrator.DefaultConfig(), cfg.OrchestratorConfig())
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "behaviorbench.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  addr: 0.0.0.0:9090
database:
  driver: sqlite3
  dsn: file:bench.db
orchestrator:
  min_viable_agents: 3
  connect_timeout: 5s
  chat_share: 0.25
driver:
  sim:
    action_failure_rate: 0.1
    fail_connect: [confuser-1]
    seed: 7
llm:
  provider: openai
  models:
    local:
      provider: openai
      model: llama3
      base_url: http://localhost:11434/v1
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:9090", cfg.Server.Addr)
	assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout, "unset fields keep defaults")
	assert.Equal(t, DatabaseSQLite, cfg.Database.Driver)
	assert.Equal(t, llm.OpenAI, cfg.LLM.DefaultProvider)
	assert.Equal(t, "llama3", cfg.LLM.Models["local"].Model)

	orch := cfg.OrchestratorConfig()
	assert.Equal(t, 3, orch.MinViableAgents)
	assert.Equal(t, 5*time.Second, orch.ConnectTimeout)
	assert.Equal(t, 0.25, orch.Supervisor.ChatShare)

	opts := cfg.SimOptions()
	assert.Equal(t, 0.1, opts.ActionFailureRate)
	assert.True(t, opts.FailConnect["confuser-1"])
	assert.Equal(t, int64(7), opts.Seed)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "failed to read config")

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [1, 2"), 0o600))
	_, err = Load(path)
	assert.ErrorContains(t, err, "failed to parse config")
}

func TestApplyEnv(t *testing.T) {
	cfg := Default()
	err := cfg.ApplyEnv(env(map[string]string{
		"BEHAVIORBENCH_ADDR":              ":7000",
		"BEHAVIORBENCH_DB_DRIVER":         "postgres",
		"BEHAVIORBENCH_DB_DSN":            "postgres://bench@localhost/bench",
		"BEHAVIORBENCH_MIN_VIABLE_AGENTS": "1",
		"BEHAVIORBENCH_CONNECT_TIMEOUT":   "250ms",
		"BEHAVIORBENCH_VERBOSE":           "true",
		"BEHAVIORBENCH_LLM_PROVIDER":      "azure",
		"OPENAI_API_KEY":                  "sk-test",
		"AZURE_OPENAI_ENDPOINT":           "https://bench.openai.azure.com",
		"AZURE_OPENAI_API_KEY":            "az-key",
		"AZURE_OPENAI_DEPLOYMENT":         "gpt-4o",
		"DISCORD_BOT_TOKENS":              " a, b ,,c ",
		"DISCORD_CHANNEL_ID":              "123",
	}))
	require.NoError(t, err)

	assert.Equal(t, ":7000", cfg.Server.Addr)
	assert.Equal(t, DatabasePostgres, cfg.Database.Driver)
	assert.Equal(t, 1, cfg.Orchestrator.MinViableAgents)
	assert.Equal(t, 250*time.Millisecond, cfg.Orchestrator.ConnectTimeout)
	assert.True(t, cfg.Log.Verbose)
	assert.Equal(t, llm.Azure, cfg.LLM.DefaultProvider)
	assert.Equal(t, "sk-test", cfg.LLM.OpenAIKey)
	assert.Equal(t, "gpt-4o", cfg.LLM.Azure.Deployment)
	assert.Equal(t, []string{"a", "b", "c"}, cfg.DiscordConfig().Tokens)
	assert.Equal(t, "123", cfg.DiscordConfig().ChannelID)
	require.NoError(t, cfg.Validate())

	bad := Default()
	err = bad.ApplyEnv(env(map[string]string{
		"BEHAVIORBENCH_MIN_VIABLE_AGENTS": "two",
		"BEHAVIORBENCH_CONNECT_TIMEOUT":   "soon",
	}))
	assert.ErrorContains(t, err, "BEHAVIORBENCH_MIN_VIABLE_AGENTS")
	assert.ErrorContains(t, err, "BEHAVIORBENCH_CONNECT_TIMEOUT")
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"unknown database", func(c *Config) { c.Database.Driver = "mongo" }, "unsupported database driver"},
		{"sqlite without dsn", func(c *Config) { c.Database.Driver = DatabaseSQLite }, "database.dsn is required"},
		{"unknown driver", func(c *Config) { c.Driver.Kind = "slack" }, "unsupported driver"},
		{"discord without tokens", func(c *Config) { c.Driver.Kind = DriverDiscord }, "DISCORD_BOT_TOKENS"},
		{"empty addr", func(c *Config) { c.Server.Addr = "" }, "server.addr"},
		{"zero floor", func(c *Config) { c.Orchestrator.MinViableAgents = 0 }, "min_viable_agents"},
		{"chat share", func(c *Config) { c.Orchestrator.ChatShare = 1.5 }, "chat_share"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			assert.ErrorContains(t, cfg.Validate(), tc.want)
		})
	}
}

func TestReconnectConfig(t *testing.T) {
	cfg := Default()
	cfg.Events.ReconnectBase = 100 * time.Millisecond
	cfg.Events.ReconnectMax = 2 * time.Second
	cfg.Events.ReconnectAttempts = 4

	rc := cfg.ReconnectConfig()
	assert.Equal(t, 4, rc.MaxAttempts)
	assert.Equal(t, 100*time.Millisecond, rc.Backoff.Base)
	assert.Equal(t, 2*time.Second, rc.Backoff.Max)
}
