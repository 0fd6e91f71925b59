package orchestrator

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/ShayCichocki/cohort/internal/mailbox"
	"github.com/ShayCichocki/cohort/internal/metrics"
	"github.com/ShayCichocki/cohort/pkg/models"
)

// Planner produces the plan for a goal.
type Planner interface {
	CreatePlan(ctx context.Context, goal string) (*models.Plan, error)
}

// RequiredConfig contains the collaborators an Orchestrator cannot run without.
type RequiredConfig struct {
	// Mailbox connects the orchestrator to its workers.
	Mailbox *mailbox.Mailbox
	// Spawner starts worker processes.
	Spawner Spawner
	// Planner produces plans. It may be nil when WithPlan is used.
	Planner Planner
}

// Option configures an Orchestrator. Use With* functions to create Options.
type Option func(*orchestratorOptions)

// orchestratorOptions holds all optional configuration.
type orchestratorOptions struct {
	plan           *models.Plan
	settleDelay    time.Duration
	readyTimeout   time.Duration
	stepTimeout    time.Duration
	terminateGrace time.Duration
	eventBuffer    int

	logger         *zap.Logger
	ledger         Ledger
	metrics        *metrics.Collector
	tracerProvider trace.TracerProvider
}

func defaultOptions() orchestratorOptions {
	return orchestratorOptions{
		readyTimeout:   30 * time.Second,
		stepTimeout:    10 * time.Minute,
		terminateGrace: 2 * time.Second,
		eventBuffer:    100,
		logger:         zap.NewNop(),
	}
}

// WithPlan supplies a reviewed plan so Run skips the planner.
func WithPlan(p *models.Plan) Option {
	return func(o *orchestratorOptions) { o.plan = p }
}

// WithSettleDelay adds a fixed pause after the readiness handshake.
func WithSettleDelay(d time.Duration) Option {
	return func(o *orchestratorOptions) { o.settleDelay = d }
}

// WithReadyTimeout bounds the wait for each worker's ready slot.
func WithReadyTimeout(d time.Duration) Option {
	return func(o *orchestratorOptions) { o.readyTimeout = d }
}

// WithStepTimeout bounds each dispatch. Zero waits forever.
func WithStepTimeout(d time.Duration) Option {
	return func(o *orchestratorOptions) { o.stepTimeout = d }
}

// WithTerminateGrace sets the delay between the polite and the forced stop.
func WithTerminateGrace(d time.Duration) Option {
	return func(o *orchestratorOptions) { o.terminateGrace = d }
}

// WithEventBuffer sets the event channel capacity.
func WithEventBuffer(n int) Option {
	return func(o *orchestratorOptions) { o.eventBuffer = n }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *orchestratorOptions) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithLedger records runs, workers and steps.
func WithLedger(l Ledger) Option {
	return func(o *orchestratorOptions) { o.ledger = l }
}

// WithMetrics records prometheus metrics.
func WithMetrics(c *metrics.Collector) Option {
	return func(o *orchestratorOptions) { o.metrics = c }
}

// WithTracerProvider sets the provider for run and dispatch spans.
// The global provider is used by default.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *orchestratorOptions) { o.tracerProvider = tp }
}
