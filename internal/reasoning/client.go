// Package reasoning wraps calls to the external text-generation service.
//
// Both the planner and every worker talk to the service through Client: one
// prompt in, one text out, no conversation state. Concrete backends run a
// command-line tool or call the Anthropic Messages API.
package reasoning

import (
	"context"
	"fmt"
	"strings"
)

// Client generates text for a prompt.
type Client interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// ClientFunc adapts a function to the Client interface.
type ClientFunc func(ctx context.Context, prompt string) (string, error)

// Generate calls f.
func (f ClientFunc) Generate(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}

// Kind classifies reasoning failures.
type Kind int

const (
	// KindTransport covers I/O, network, API and cancellation failures.
	KindTransport Kind = iota
	// KindNotFound means the configured executable does not exist.
	KindNotFound
	// KindExit means the executable ran and exited non-zero.
	KindExit
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not found"
	case KindExit:
		return "non-zero exit"
	default:
		return "transport"
	}
}

// Error is returned by every backend when a call fails.
type Error struct {
	Kind     Kind
	Backend  string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s", e.Backend, e.Kind)
	if e.Kind == KindExit {
		fmt.Fprintf(&b, " (code %d)", e.ExitCode)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	if stderr := strings.TrimSpace(e.Stderr); stderr != "" {
		fmt.Fprintf(&b, ": %s", truncate(stderr, 500))
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
