// Package config handles configuration loading and management for cohort.
// It supports XDG config paths, project-level overrides, and environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ProjectDirName is the per-project working directory holding the mailbox,
// logs and the run ledger.
const ProjectDirName = ".cohort"

// ProjectConfigName is the project-level override file searched upward from the cwd.
const ProjectConfigName = ".cohort.yaml"

// Config holds all configuration for cohort.
type Config struct {
	Reasoning    ReasoningConfig    `mapstructure:"reasoning"`
	Anthropic    AnthropicConfig    `mapstructure:"anthropic"`
	Mailbox      MailboxConfig      `mapstructure:"mailbox"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Worker       WorkerConfig       `mapstructure:"worker"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	Metrics      MetricsConfig      `mapstructure:"metrics"`
	State        StateConfig        `mapstructure:"state"`
}

// ReasoningConfig selects and tunes the text-generation backend.
type ReasoningConfig struct {
	// Backend is "cli" (external command) or "api" (Anthropic Messages API).
	Backend string `mapstructure:"backend"`
	// Command is the executable used by the cli backend.
	Command string `mapstructure:"command"`
	// Args are passed to Command. The literal {prompt} is replaced by the prompt;
	// if no argument contains it, the prompt is appended.
	Args []string `mapstructure:"args"`
	// Timeout bounds a single call. Zero means no limit.
	Timeout time.Duration `mapstructure:"timeout"`
	// RatePerMinute caps calls per process. Zero disables the limiter.
	RatePerMinute int `mapstructure:"rate_per_minute"`
}

// AnthropicConfig holds Anthropic API settings for the api backend.
type AnthropicConfig struct {
	APIKey     string `mapstructure:"api_key"`
	Model      string `mapstructure:"model"`
	MaxTokens  int64  `mapstructure:"max_tokens"`
	UseBedrock bool   `mapstructure:"use_bedrock"`
	AWSRegion  string `mapstructure:"aws_region"`
	AWSProfile string `mapstructure:"aws_profile"`
}

// MailboxConfig selects the storage backend shared by the orchestrator and workers.
type MailboxConfig struct {
	// Backend is one of file, sqlite, redis or memory. memory only works
	// with in-process workers.
	Backend       string        `mapstructure:"backend"`
	Dir           string        `mapstructure:"dir"`
	SQLitePath    string        `mapstructure:"sqlite_path"`
	RedisAddr     string        `mapstructure:"redis_addr"`
	RedisPassword string        `mapstructure:"redis_password"`
	RedisDB       int           `mapstructure:"redis_db"`
	RedisPrefix   string        `mapstructure:"redis_prefix"`
	PollInterval  time.Duration `mapstructure:"poll_interval"`
}

// OrchestratorConfig holds run-level timing.
type OrchestratorConfig struct {
	// SettleDelay is an extra fixed wait after spawning. Zero skips it.
	SettleDelay time.Duration `mapstructure:"settle_delay"`
	// ReadyTimeout bounds the readiness handshake.
	ReadyTimeout time.Duration `mapstructure:"ready_timeout"`
	// StepTimeout bounds a single dispatch. Zero waits forever.
	StepTimeout time.Duration `mapstructure:"step_timeout"`
	// TerminateGrace is the SIGTERM to SIGKILL delay at teardown.
	TerminateGrace time.Duration `mapstructure:"terminate_grace"`
}

// WorkerConfig holds worker loop settings.
type WorkerConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	// IdleTimeout makes a worker exit after this long without a command. Zero disables.
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`
	DefaultRole string        `mapstructure:"default_role"`
}

// LoggingConfig holds log output settings.
type LoggingConfig struct {
	Level string `mapstructure:"level"`
	Dir   string `mapstructure:"dir"`
}

// MetricsConfig holds the prometheus listener settings.
type MetricsConfig struct {
	// Addr is the listen address for /metrics. Empty disables the listener.
	Addr string `mapstructure:"addr"`
}

// StateConfig holds run ledger settings.
type StateConfig struct {
	DBPath string `mapstructure:"db_path"`
}

// Load loads configuration from XDG paths, project overrides, and environment variables.
// Precedence (highest to lowest):
// 1. Environment variables (COHORT_SECTION_KEY, ANTHROPIC_API_KEY)
// 2. Project config (.cohort.yaml in current directory or parent)
// 3. User config (~/.config/cohort/config.yaml)
// 4. Built-in defaults
func Load() (*Config, error) {
	v := newViper()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(getUserConfigDir())

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	if projectConfig := findProjectConfig(); projectConfig != "" {
		pv := viper.New()
		pv.SetConfigFile(projectConfig)
		if err := pv.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading project config %s: %w", projectConfig, err)
		}
		if err := v.MergeConfigMap(pv.AllSettings()); err != nil {
			return nil, fmt.Errorf("merging project config: %w", err)
		}
	}

	return unmarshal(v)
}

// LoadFromPath loads configuration from a specific path (for testing).
func LoadFromPath(path string) (*Config, error) {
	v := newViper()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return unmarshal(v)
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("COHORT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("anthropic.api_key", "COHORT_ANTHROPIC_API_KEY", "ANTHROPIC_API_KEY")
	return v
}

func unmarshal(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	cfg.Anthropic.APIKey = os.ExpandEnv(cfg.Anthropic.APIKey)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values the rest of the program cannot work with.
func (c *Config) Validate() error {
	switch c.Reasoning.Backend {
	case "cli", "api":
	default:
		return fmt.Errorf("invalid reasoning.backend %q: want cli or api", c.Reasoning.Backend)
	}
	switch c.Mailbox.Backend {
	case "file", "sqlite", "redis", "memory":
	default:
		return fmt.Errorf("invalid mailbox.backend %q: want file, sqlite, redis or memory", c.Mailbox.Backend)
	}
	if c.Reasoning.Backend == "cli" && strings.TrimSpace(c.Reasoning.Command) == "" {
		return fmt.Errorf("reasoning.command is required for the cli backend")
	}
	if c.Mailbox.PollInterval <= 0 {
		return fmt.Errorf("mailbox.poll_interval must be positive")
	}
	if c.Worker.PollInterval <= 0 {
		return fmt.Errorf("worker.poll_interval must be positive")
	}
	return nil
}

// Save writes the current configuration to the user config file.
func Save(cfg *Config) error {
	userConfigDir := getUserConfigDir()
	if err := os.MkdirAll(userConfigDir, 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(filepath.Join(userConfigDir, "config.yaml"))
	for _, k := range keyTable {
		value := k.get(cfg)
		if k.secret && secretFromEnv(k.name, value) {
			continue
		}
		v.Set(k.name, value)
	}
	v.Set("reasoning.args", cfg.Reasoning.Args)
	return v.WriteConfig()
}

// secretFromEnv reports whether value was supplied by the environment, so
// Save does not copy it into the config file.
func secretFromEnv(key, value string) bool {
	if value == "" {
		return false
	}
	envName := "COHORT_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
	if os.Getenv(envName) == value {
		return true
	}
	return key == "anthropic.api_key" && os.Getenv("ANTHROPIC_API_KEY") == value
}

// GetUserConfigPath returns the path to the user config file.
func GetUserConfigPath() string {
	return filepath.Join(getUserConfigDir(), "config.yaml")
}

// GetProjectConfigPath returns the path to the project config file if it exists.
func GetProjectConfigPath() string {
	return findProjectConfig()
}

// ProjectDir returns the .cohort directory under root.
func ProjectDir(root string) string {
	return filepath.Join(root, ProjectDirName)
}

// Resolve makes relative paths in the mailbox, logging and state sections
// absolute against root so that workers started elsewhere agree on them.
func (c *Config) Resolve(root string) {
	abs := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(root, p)
	}
	c.Mailbox.Dir = abs(c.Mailbox.Dir)
	c.Mailbox.SQLitePath = abs(c.Mailbox.SQLitePath)
	c.Logging.Dir = abs(c.Logging.Dir)
	c.State.DBPath = abs(c.State.DBPath)
}

// setDefaults configures default values.
func setDefaults(v *viper.Viper) {
	d := Default()
	for _, k := range keyTable {
		v.SetDefault(k.name, k.get(d))
	}
	v.SetDefault("reasoning.args", d.Reasoning.Args)
}

// getUserConfigDir returns the XDG config directory for cohort.
func getUserConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "cohort")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "cohort")
	}
	return filepath.Join(home, ".config", "cohort")
}

// findProjectConfig searches for .cohort.yaml in the current directory and parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		configPath := filepath.Join(cwd, ProjectConfigName)
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(cwd)
		if parent == cwd {
			break
		}
		cwd = parent
	}

	return ""
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Reasoning: ReasoningConfig{
			Backend:       "cli",
			Command:       "gemini",
			Args:          []string{"-p", "{prompt}", "--approval-mode", "yolo"},
			Timeout:       10 * time.Minute,
			RatePerMinute: 0,
		},
		Anthropic: AnthropicConfig{
			Model:     "claude-sonnet-4-20250514",
			MaxTokens: 8192,
		},
		Mailbox: MailboxConfig{
			Backend:      "file",
			Dir:          filepath.Join(ProjectDirName, "mailbox"),
			SQLitePath:   filepath.Join(ProjectDirName, "mailbox.db"),
			RedisAddr:    "localhost:6379",
			RedisPrefix:  "cohort:",
			PollInterval: 100 * time.Millisecond,
		},
		Orchestrator: OrchestratorConfig{
			ReadyTimeout:   30 * time.Second,
			StepTimeout:    10 * time.Minute,
			TerminateGrace: 2 * time.Second,
		},
		Worker: WorkerConfig{
			PollInterval: 500 * time.Millisecond,
			DefaultRole:  "a helpful assistant",
		},
		Logging: LoggingConfig{
			Level: "info",
			Dir:   filepath.Join(ProjectDirName, "logs"),
		},
		State: StateConfig{
			DBPath: filepath.Join(ProjectDirName, "state.db"),
		},
	}
}
