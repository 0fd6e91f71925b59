package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ShayCichocki/cohort/internal/config"
	"github.com/ShayCichocki/cohort/internal/logging"
	"github.com/ShayCichocki/cohort/internal/mailbox"
)

// projectRoot returns the directory holding .cohort.yaml, or the working
// directory when there is none.
func projectRoot() (string, error) {
	if p := config.GetProjectConfigPath(); p != "" {
		return filepath.Dir(p), nil
	}
	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("get working directory: %w", err)
	}
	return cwd, nil
}

// loadConfig loads configuration and resolves its paths against the project root.
func loadConfig() (*config.Config, string, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, "", fmt.Errorf("load config: %w", err)
	}
	root, err := projectRoot()
	if err != nil {
		return nil, "", err
	}
	cfg.Resolve(root)
	if debugLogging {
		cfg.Logging.Level = "debug"
	}
	return cfg, root, nil
}

// newLogger opens <logging.dir>/<name>.log. Logging problems never stop a command.
func newLogger(cfg *config.Config, name string) *zap.Logger {
	logger, err := logging.New(cfg.Logging.Dir, name, cfg.Logging.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: logging disabled: %v\n", err)
		return logging.Nop()
	}
	return logger
}

// openMailbox opens the configured store and wraps it in a Mailbox polling at poll.
func openMailbox(ctx context.Context, cfg *config.Config, poll time.Duration, logger *zap.Logger) (*mailbox.Mailbox, error) {
	store, err := mailbox.Open(ctx, cfg.Mailbox, logger)
	if err != nil {
		return nil, fmt.Errorf("open %s mailbox: %w", cfg.Mailbox.Backend, err)
	}
	return mailbox.New(store, poll, logger), nil
}

// formatDuration formats a duration in a human-readable way.
func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	if m > 0 {
		return fmt.Sprintf("%dh%dm", h, m)
	}
	return fmt.Sprintf("%dh", h)
}

// indentOutput renders a step result below its progress line. A positive
// maxLen truncates the text first.
func indentOutput(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "    (no output)"
	}
	if maxLen > 0 {
		s = truncate(s, maxLen)
	}
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = "    " + strings.TrimRight(l, " \t\r")
	}
	return strings.Join(lines, "\n")
}

// truncate shortens s to maxLen runes, adding an ellipsis.
func truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return string(r[:maxLen])
	}
	return string(r[:maxLen-3]) + "..."
}
