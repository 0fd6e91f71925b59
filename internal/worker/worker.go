// Package worker runs the loop of a single team member: wait for a command,
// ask the reasoning client, share structured findings, post the result.
package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ShayCichocki/cohort/internal/mailbox"
	"github.com/ShayCichocki/cohort/internal/planner"
	"github.com/ShayCichocki/cohort/internal/reasoning"
	"github.com/ShayCichocki/cohort/pkg/models"
)

// DefaultRole is used until a role is given at construction or found in the role slot.
const DefaultRole = "a helpful assistant"

// ackTimeout bounds the final acknowledgment, which must run even after cancellation.
const ackTimeout = 5 * time.Second

// DescribeRole returns the role text written to a worker's role slot.
func DescribeRole(role models.RoleName) string {
	return fmt.Sprintf("You are an expert in %s. Work only on the task you are given, "+
		"stay within your area of expertise, and be concrete.", role)
}

// Worker processes commands for one WorkerID until its context ends.
type Worker struct {
	id      models.WorkerID
	mailbox *mailbox.Mailbox
	state   *mailbox.SharedState
	client  reasoning.Client

	role        string
	idleTimeout time.Duration
	retryDelay  time.Duration
	logger      *zap.Logger
}

// Option configures a Worker.
type Option func(*Worker)

// WithRole fixes the role at construction. The role slot still wins when present.
func WithRole(role models.RoleName) Option {
	return func(w *Worker) {
		if strings.TrimSpace(string(role)) != "" {
			w.role = DescribeRole(role)
		}
	}
}

// WithDefaultRole replaces DefaultRole, e.g. "a senior engineer".
// Apply it before WithRole.
func WithDefaultRole(role string) Option {
	return func(w *Worker) {
		if strings.TrimSpace(role) != "" {
			w.role = "You are " + strings.TrimSpace(role) + "."
		}
	}
}

// WithIdleTimeout makes Run return after d without a command. Zero disables it.
func WithIdleTimeout(d time.Duration) Option {
	return func(w *Worker) {
		w.idleTimeout = d
	}
}

// WithRetryDelay sets the pause after a failed mailbox read.
func WithRetryDelay(d time.Duration) Option {
	return func(w *Worker) {
		if d > 0 {
			w.retryDelay = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(w *Worker) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// New creates a worker bound to id.
func New(id models.WorkerID, mb *mailbox.Mailbox, client reasoning.Client, opts ...Option) *Worker {
	w := &Worker{
		id:         id,
		mailbox:    mb,
		state:      mailbox.NewSharedState(mb.Store()),
		client:     client,
		role:       "You are " + DefaultRole + ".",
		retryDelay: 500 * time.Millisecond,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.With(zap.String("component", "worker"), zap.String("worker_id", string(id)))
	return w
}

// ID returns the worker's identifier.
func (w *Worker) ID() models.WorkerID {
	return w.id
}

// Role returns the role text currently in effect.
func (w *Worker) Role() string {
	return w.role
}

// Run publishes the ready slot and serves commands until ctx is canceled or
// the idle timeout passes. Cancellation is the normal way to stop a worker
// and is not reported as an error.
func (w *Worker) Run(ctx context.Context) error {
	id := string(w.id)
	if err := w.mailbox.MarkReady(ctx, id); err != nil {
		return fmt.Errorf("publish ready slot: %w", err)
	}
	defer func() {
		clearCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ackTimeout)
		defer cancel()
		if err := w.mailbox.ClearReady(clearCtx, id); err != nil {
			w.logger.Warn("clear ready slot", zap.Error(err))
		}
	}()

	w.logger.Info("listening for commands", zap.String("role", w.role))

	for {
		w.refreshRole(ctx)

		cmd, err := w.receive(ctx)
		switch {
		case err == nil:
			w.handle(ctx, cmd)
		case ctx.Err() != nil:
			w.logger.Info("stopping", zap.Error(ctx.Err()))
			return nil
		case errors.Is(err, context.DeadlineExceeded):
			w.logger.Info("idle timeout reached, exiting", zap.Duration("idle_timeout", w.idleTimeout))
			return nil
		default:
			w.logger.Warn("mailbox read failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(w.retryDelay):
			}
		}
	}
}

func (w *Worker) receive(ctx context.Context) (mailbox.Command, error) {
	if w.idleTimeout <= 0 {
		return w.mailbox.ReceiveCommand(ctx, string(w.id))
	}
	idleCtx, cancel := context.WithTimeout(ctx, w.idleTimeout)
	defer cancel()
	return w.mailbox.ReceiveCommand(idleCtx, string(w.id))
}

// refreshRole adopts the role slot when one is present.
func (w *Worker) refreshRole(ctx context.Context) {
	role, ok, err := w.mailbox.Role(ctx, string(w.id))
	if err != nil {
		w.logger.Debug("role slot unreadable", zap.Error(err))
		return
	}
	if ok && strings.TrimSpace(role) != "" && role != w.role {
		w.role = role
		w.logger.Info("role assigned", zap.String("role", role))
	}
}

// handle executes one command. The command is acknowledged on every path,
// and only that command: a newer one already in the slot stays.
func (w *Worker) handle(ctx context.Context, cmd mailbox.Command) {
	id := string(w.id)
	defer func() {
		ackCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ackTimeout)
		defer cancel()
		if err := w.mailbox.AckCommand(ackCtx, id, cmd.ID); err != nil {
			w.logger.Error("acknowledge command", zap.Error(err))
		}
	}()

	instruction := cmd.Instruction
	start := time.Now()
	w.logger.Info("command received",
		zap.String("command_id", cmd.ID),
		zap.String("instruction", truncate(instruction, 200)))

	state, err := w.state.Load(ctx)
	if err != nil {
		w.logger.Warn("shared state unreadable, using empty state", zap.Error(err))
	}

	output, err := w.client.Generate(ctx, ComposePrompt(w.role, state, instruction))
	if err != nil && ctx.Err() != nil {
		w.logger.Info("terminated during reasoning call, result dropped")
		return
	}

	result := output
	if err != nil {
		w.logger.Error("reasoning call failed", zap.Error(err))
		result = fmt.Sprintf("Error executing task: %v", err)
	} else if update, ok := planner.ParseObject(output); ok {
		if _, err := w.state.Merge(ctx, update); err != nil {
			w.logger.Error("merge shared state", zap.Error(err))
		} else {
			w.logger.Info("shared state updated", zap.Strings("keys", sortedKeys(update)))
		}
	}

	if err := w.mailbox.PostResult(ctx, id, cmd.ID, result); err != nil {
		w.logger.Error("post result", zap.Error(err))
		return
	}
	w.logger.Info("result posted",
		zap.Int("bytes", len(result)),
		zap.Duration("elapsed", time.Since(start)))
}
