package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "cli", cfg.Reasoning.Backend)
	assert.Equal(t, "gemini", cfg.Reasoning.Command)
	assert.Equal(t, []string{"-p", "{prompt}", "--approval-mode", "yolo"}, cfg.Reasoning.Args)
	assert.Equal(t, "file", cfg.Mailbox.Backend)
	assert.Equal(t, 100*time.Millisecond, cfg.Mailbox.PollInterval)
	assert.Equal(t, 30*time.Second, cfg.Orchestrator.ReadyTimeout)
	assert.Equal(t, 10*time.Minute, cfg.Orchestrator.StepTimeout)
	assert.Zero(t, cfg.Orchestrator.SettleDelay)
	assert.Zero(t, cfg.Worker.IdleTimeout)
	assert.Equal(t, "a helpful assistant", cfg.Worker.DefaultRole)
	require.NoError(t, cfg.Validate())
}

func TestLoadFromPath(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	t.Setenv("COHORT_ANTHROPIC_API_KEY", "")

	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
reasoning:
  backend: api
  timeout: 2m
  rate_per_minute: 30
anthropic:
  api_key: test-key
  max_tokens: 1024
mailbox:
  backend: sqlite
  poll_interval: 250ms
orchestrator:
  step_timeout: 45s
worker:
  idle_timeout: 5m
  default_role: a generalist
`
	require.NoError(t, os.WriteFile(configPath, []byte(configContent), 0644))

	cfg, err := LoadFromPath(configPath)
	require.NoError(t, err)

	assert.Equal(t, "api", cfg.Reasoning.Backend)
	assert.Equal(t, 2*time.Minute, cfg.Reasoning.Timeout)
	assert.Equal(t, 30, cfg.Reasoning.RatePerMinute)
	assert.Equal(t, "test-key", cfg.Anthropic.APIKey)
	assert.Equal(t, int64(1024), cfg.Anthropic.MaxTokens)
	assert.Equal(t, "sqlite", cfg.Mailbox.Backend)
	assert.Equal(t, 250*time.Millisecond, cfg.Mailbox.PollInterval)
	assert.Equal(t, 45*time.Second, cfg.Orchestrator.StepTimeout)
	assert.Equal(t, 5*time.Minute, cfg.Worker.IdleTimeout)
	assert.Equal(t, "a generalist", cfg.Worker.DefaultRole)

	// Untouched keys keep their defaults.
	assert.Equal(t, "gemini", cfg.Reasoning.Command)
	assert.Equal(t, []string{"-p", "{prompt}", "--approval-mode", "yolo"}, cfg.Reasoning.Args)
	assert.Equal(t, 30*time.Second, cfg.Orchestrator.ReadyTimeout)
	assert.Equal(t, 500*time.Millisecond, cfg.Worker.PollInterval)
}

func TestLoadFromPathEnvOverride(t *testing.T) {
	t.Setenv("COHORT_MAILBOX_BACKEND", "redis")
	t.Setenv("ANTHROPIC_API_KEY", "sk-ant-from-env")

	configPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("mailbox:\n  backend: file\n"), 0644))

	cfg, err := LoadFromPath(configPath)
	require.NoError(t, err)
	assert.Equal(t, "redis", cfg.Mailbox.Backend)
	assert.Equal(t, "sk-ant-from-env", cfg.Anthropic.APIKey)
}

func TestLoadFromPathRejectsInvalidBackend(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("mailbox:\n  backend: carrier-pigeon\n"), 0644))

	_, err := LoadFromPath(configPath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mailbox.backend")
}

func TestLoadFromPathNonExistent(t *testing.T) {
	_, err := LoadFromPath("/nonexistent/path/config.yaml")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults", func(*Config) {}, ""},
		{"memory backend", func(c *Config) { c.Mailbox.Backend = "memory" }, ""},
		{"bad reasoning backend", func(c *Config) { c.Reasoning.Backend = "grpc" }, "reasoning.backend"},
		{"empty command", func(c *Config) { c.Reasoning.Command = " " }, "reasoning.command"},
		{"api backend ignores command", func(c *Config) {
			c.Reasoning.Backend = "api"
			c.Reasoning.Command = ""
		}, ""},
		{"zero mailbox poll", func(c *Config) { c.Mailbox.PollInterval = 0 }, "mailbox.poll_interval"},
		{"zero worker poll", func(c *Config) { c.Worker.PollInterval = 0 }, "worker.poll_interval"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestResolve(t *testing.T) {
	cfg := Default()
	cfg.State.DBPath = "/var/lib/cohort/state.db"
	cfg.Resolve("/work/project")

	assert.Equal(t, filepath.Join("/work/project", ".cohort", "mailbox"), cfg.Mailbox.Dir)
	assert.Equal(t, filepath.Join("/work/project", ".cohort", "mailbox.db"), cfg.Mailbox.SQLitePath)
	assert.Equal(t, filepath.Join("/work/project", ".cohort", "logs"), cfg.Logging.Dir)
	assert.Equal(t, "/var/lib/cohort/state.db", cfg.State.DBPath)
}

func TestGetUserConfigDir(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/custom/config")
	assert.Equal(t, "/custom/config/cohort", getUserConfigDir())
	assert.Equal(t, "/custom/config/cohort/config.yaml", GetUserConfigPath())
}

func TestFindProjectConfig(t *testing.T) {
	tmpDir := t.TempDir()
	nested := filepath.Join(tmpDir, "a", "b")
	require.NoError(t, os.MkdirAll(nested, 0755))
	configPath := filepath.Join(tmpDir, ProjectConfigName)
	require.NoError(t, os.WriteFile(configPath, []byte("worker:\n  default_role: x\n"), 0644))

	t.Chdir(nested)

	found := findProjectConfig()
	// macOS tempdirs resolve through /private; compare resolved paths.
	want, err := filepath.EvalSymlinks(configPath)
	require.NoError(t, err)
	got, err := filepath.EvalSymlinks(found)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestSaveRoundTrip(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("ANTHROPIC_API_KEY", "")
	t.Setenv("COHORT_ANTHROPIC_API_KEY", "")

	cfg := Default()
	cfg.Mailbox.Backend = "redis"
	cfg.Orchestrator.StepTimeout = 90 * time.Second
	cfg.Reasoning.Args = []string{"run", "{prompt}"}
	require.NoError(t, Save(cfg))

	loaded, err := LoadFromPath(GetUserConfigPath())
	require.NoError(t, err)
	assert.Equal(t, "redis", loaded.Mailbox.Backend)
	assert.Equal(t, 90*time.Second, loaded.Orchestrator.StepTimeout)
	assert.Equal(t, []string{"run", "{prompt}"}, loaded.Reasoning.Args)
}

func TestSaveSkipsSecretsFromEnvironment(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("ANTHROPIC_API_KEY", "sk-ant-REDACTED")
	t.Setenv("COHORT_ANTHROPIC_API_KEY", "")

	cfg := Default()
	cfg.Anthropic.APIKey = "sk-ant-REDACTED"
	cfg.Mailbox.RedisPassword = "typed-in-password"
	require.NoError(t, Save(cfg))

	data, err := os.ReadFile(GetUserConfigPath())
	require.NoError(t, err)
	assert.NotContains(t, string(data), "sk-ant-REDACTED")
	assert.Contains(t, string(data), "typed-in-password")
}
