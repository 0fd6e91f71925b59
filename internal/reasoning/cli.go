package reasoning

import (
	"bytes"
	"context"
	"errors"
	"io/fs"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"
)

// PromptPlaceholder is replaced by the prompt in CLIClient arguments.
const PromptPlaceholder = "{prompt}"

// CLIClient runs an external command per call and returns its stdout.
type CLIClient struct {
	Command string
	Args    []string
	// Dir is the working directory of the command. Empty means the current one.
	Dir string
	// Timeout bounds one call. Zero means only ctx applies.
	Timeout time.Duration

	logger *zap.Logger
}

// NewCLIClient creates a client for command with the given argument template.
func NewCLIClient(command string, args []string, timeout time.Duration, logger *zap.Logger) *CLIClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CLIClient{
		Command: command,
		Args:    append([]string(nil), args...),
		Timeout: timeout,
		logger:  logger.With(zap.String("component", "reasoning.cli")),
	}
}

// BuildArgs substitutes the prompt into the argument template. When no
// argument holds the placeholder the prompt is appended.
func (c *CLIClient) BuildArgs(prompt string) []string {
	args := make([]string, 0, len(c.Args)+1)
	substituted := false
	for _, a := range c.Args {
		if strings.Contains(a, PromptPlaceholder) {
			a = strings.ReplaceAll(a, PromptPlaceholder, prompt)
			substituted = true
		}
		args = append(args, a)
	}
	if !substituted {
		args = append(args, prompt)
	}
	return args
}

// Generate runs the command and returns its trimmed stdout.
func (c *CLIClient) Generate(ctx context.Context, prompt string) (string, error) {
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, c.Command, c.BuildArgs(prompt)...)
	cmd.Dir = c.Dir
	cmd.WaitDelay = 2 * time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	c.logger.Debug("command finished",
		zap.String("command", c.Command),
		zap.Int("prompt_bytes", len(prompt)),
		zap.Int("stdout_bytes", stdout.Len()),
		zap.Duration("elapsed", time.Since(start)),
		zap.Error(err),
	)
	if err != nil {
		return "", c.classify(ctx, err, stderr.String())
	}
	return strings.TrimSpace(stdout.String()), nil
}

func (c *CLIClient) classify(ctx context.Context, err error, stderr string) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return &Error{Kind: KindTransport, Backend: c.Command, Err: ctxErr}
	}
	if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) {
		return &Error{Kind: KindNotFound, Backend: c.Command, Err: err}
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return &Error{Kind: KindExit, Backend: c.Command, ExitCode: exitErr.ExitCode(), Stderr: stderr}
	}
	return &Error{Kind: KindTransport, Backend: c.Command, Err: err, Stderr: stderr}
}
