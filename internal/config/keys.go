package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"
)

// ErrNoAPIKey is returned when no API key is configured.
var ErrNoAPIKey = errors.New("no Anthropic API key configured")

// ErrUnknownKey is returned by Get and Set for keys that are not in the key table.
var ErrUnknownKey = errors.New("unknown configuration key")

// configKey binds a dot-notation key to accessors on Config.
type configKey struct {
	name   string
	secret bool
	get    func(*Config) string
	set    func(*Config, string) error
}

func stringKey(name string, field func(*Config) *string) configKey {
	return configKey{
		name: name,
		get:  func(c *Config) string { return *field(c) },
		set:  func(c *Config, v string) error { *field(c) = v; return nil },
	}
}

func durationKey(name string, field func(*Config) *time.Duration) configKey {
	return configKey{
		name: name,
		get:  func(c *Config) string { return field(c).String() },
		set: func(c *Config, v string) error {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("invalid duration for %s: %w", name, err)
			}
			*field(c) = d
			return nil
		},
	}
}

func intKey(name string, field func(*Config) *int) configKey {
	return configKey{
		name: name,
		get:  func(c *Config) string { return strconv.Itoa(*field(c)) },
		set: func(c *Config, v string) error {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("invalid integer for %s: %w", name, err)
			}
			*field(c) = n
			return nil
		},
	}
}

func boolKey(name string, field func(*Config) *bool) configKey {
	return configKey{
		name: name,
		get:  func(c *Config) string { return strconv.FormatBool(*field(c)) },
		set: func(c *Config, v string) error {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("invalid boolean for %s: %w", name, err)
			}
			*field(c) = b
			return nil
		},
	}
}

// keyTable lists every scalar key that can be displayed, set and saved.
var keyTable = []configKey{
	stringKey("reasoning.backend", func(c *Config) *string { return &c.Reasoning.Backend }),
	stringKey("reasoning.command", func(c *Config) *string { return &c.Reasoning.Command }),
	durationKey("reasoning.timeout", func(c *Config) *time.Duration { return &c.Reasoning.Timeout }),
	intKey("reasoning.rate_per_minute", func(c *Config) *int { return &c.Reasoning.RatePerMinute }),

	withSecret(stringKey("anthropic.api_key", func(c *Config) *string { return &c.Anthropic.APIKey })),
	stringKey("anthropic.model", func(c *Config) *string { return &c.Anthropic.Model }),
	{
		name: "anthropic.max_tokens",
		get:  func(c *Config) string { return strconv.FormatInt(c.Anthropic.MaxTokens, 10) },
		set: func(c *Config, v string) error {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid integer for anthropic.max_tokens: %w", err)
			}
			c.Anthropic.MaxTokens = n
			return nil
		},
	},
	boolKey("anthropic.use_bedrock", func(c *Config) *bool { return &c.Anthropic.UseBedrock }),
	stringKey("anthropic.aws_region", func(c *Config) *string { return &c.Anthropic.AWSRegion }),
	stringKey("anthropic.aws_profile", func(c *Config) *string { return &c.Anthropic.AWSProfile }),

	stringKey("mailbox.backend", func(c *Config) *string { return &c.Mailbox.Backend }),
	stringKey("mailbox.dir", func(c *Config) *string { return &c.Mailbox.Dir }),
	stringKey("mailbox.sqlite_path", func(c *Config) *string { return &c.Mailbox.SQLitePath }),
	stringKey("mailbox.redis_addr", func(c *Config) *string { return &c.Mailbox.RedisAddr }),
	withSecret(stringKey("mailbox.redis_password", func(c *Config) *string { return &c.Mailbox.RedisPassword })),
	intKey("mailbox.redis_db", func(c *Config) *int { return &c.Mailbox.RedisDB }),
	stringKey("mailbox.redis_prefix", func(c *Config) *string { return &c.Mailbox.RedisPrefix }),
	durationKey("mailbox.poll_interval", func(c *Config) *time.Duration { return &c.Mailbox.PollInterval }),

	durationKey("orchestrator.settle_delay", func(c *Config) *time.Duration { return &c.Orchestrator.SettleDelay }),
	durationKey("orchestrator.ready_timeout", func(c *Config) *time.Duration { return &c.Orchestrator.ReadyTimeout }),
	durationKey("orchestrator.step_timeout", func(c *Config) *time.Duration { return &c.Orchestrator.StepTimeout }),
	durationKey("orchestrator.terminate_grace", func(c *Config) *time.Duration { return &c.Orchestrator.TerminateGrace }),

	durationKey("worker.poll_interval", func(c *Config) *time.Duration { return &c.Worker.PollInterval }),
	durationKey("worker.idle_timeout", func(c *Config) *time.Duration { return &c.Worker.IdleTimeout }),
	stringKey("worker.default_role", func(c *Config) *string { return &c.Worker.DefaultRole }),

	stringKey("logging.level", func(c *Config) *string { return &c.Logging.Level }),
	stringKey("logging.dir", func(c *Config) *string { return &c.Logging.Dir }),
	stringKey("metrics.addr", func(c *Config) *string { return &c.Metrics.Addr }),
	stringKey("state.db_path", func(c *Config) *string { return &c.State.DBPath }),
}

func withSecret(k configKey) configKey {
	k.secret = true
	return k
}

func lookupKey(key string) (configKey, bool) {
	key = strings.ToLower(strings.TrimSpace(key))
	for _, k := range keyTable {
		if k.name == key {
			return k, true
		}
	}
	return configKey{}, false
}

// Keys returns all settable keys in sorted order.
func Keys() []string {
	names := make([]string, 0, len(keyTable))
	for _, k := range keyTable {
		names = append(names, k.name)
	}
	sort.Strings(names)
	return names
}

// Get returns the display value of a dot-notation key. Secrets are masked.
func (c *Config) Get(key string) (string, error) {
	k, ok := lookupKey(key)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownKey, key)
	}
	v := k.get(c)
	if k.secret {
		return MaskAPIKey(v), nil
	}
	return v, nil
}

// Set assigns a dot-notation key from its string form.
func (c *Config) Set(key, value string) error {
	k, ok := lookupKey(key)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownKey, key)
	}
	return k.set(c, value)
}

// GetAPIKey returns the Anthropic API key.
// It checks in order: environment variable, config file.
func GetAPIKey(cfg *Config) (string, error) {
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		return key, nil
	}
	if cfg != nil {
		key := os.ExpandEnv(cfg.Anthropic.APIKey)
		if key != "" && !strings.HasPrefix(key, "${") {
			return key, nil
		}
	}
	return "", ErrNoAPIKey
}

// MaskAPIKey returns a masked version of an API key or password for display.
// Long values keep their first 7 and last 4 characters.
func MaskAPIKey(s string) string {
	switch {
	case s == "":
		return "(not set)"
	case len(s) <= 15:
		return "***"
	default:
		return s[:7] + "..." + s[len(s)-4:]
	}
}
