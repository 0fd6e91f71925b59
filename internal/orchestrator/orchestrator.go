// Package orchestrator runs a goal end to end: it obtains a plan, spawns one
// worker per role, dispatches the steps in order through the mailbox and
// tears the team down when the run ends.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ShayCichocki/cohort/internal/mailbox"
	"github.com/ShayCichocki/cohort/internal/metrics"
	"github.com/ShayCichocki/cohort/internal/planner"
	"github.com/ShayCichocki/cohort/internal/worker"
	"github.com/ShayCichocki/cohort/pkg/models"
)

const instrumentationName = "github.com/ShayCichocki/cohort/internal/orchestrator"

// teardownTimeout bounds the mailbox and ledger writes made after a run,
// which still happen when the run context is canceled.
const teardownTimeout = 10 * time.Second

// ErrStepTimeout is recorded when a worker does not answer within the step timeout.
var ErrStepTimeout = errors.New("step timed out")

// ErrNoPlanner is returned by Run when neither a planner nor a plan was given.
var ErrNoPlanner = errors.New("no planner or plan configured")

// WorkerHandle is the orchestrator's view of a spawned worker.
type WorkerHandle struct {
	ID        models.WorkerID
	Role      models.RoleName
	Process   Process
	StartedAt time.Time
	Ready     bool
}

// Orchestrator coordinates one team of workers. Run may be called once.
type Orchestrator struct {
	mailbox *mailbox.Mailbox
	state   *mailbox.SharedState
	spawner Spawner
	planner Planner

	plan           *models.Plan
	settleDelay    time.Duration
	readyTimeout   time.Duration
	stepTimeout    time.Duration
	terminateGrace time.Duration

	emitter *EventEmitter
	logger  *zap.Logger
	ledger  Ledger
	metrics *metrics.Collector
	tracer  trace.Tracer

	runID string
}

// New creates an Orchestrator.
func New(required RequiredConfig, opts ...Option) (*Orchestrator, error) {
	if required.Mailbox == nil {
		return nil, fmt.Errorf("orchestrator requires a mailbox")
	}
	if required.Spawner == nil {
		return nil, fmt.Errorf("orchestrator requires a spawner")
	}

	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if required.Planner == nil && o.plan == nil {
		return nil, ErrNoPlanner
	}

	tp := o.tracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	logger := o.logger.With(zap.String("component", "orchestrator"))

	return &Orchestrator{
		mailbox:        required.Mailbox,
		state:          mailbox.NewSharedState(required.Mailbox.Store()),
		spawner:        required.Spawner,
		planner:        required.Planner,
		plan:           o.plan,
		settleDelay:    o.settleDelay,
		readyTimeout:   o.readyTimeout,
		stepTimeout:    o.stepTimeout,
		terminateGrace: o.terminateGrace,
		emitter:        NewEventEmitter(o.eventBuffer, logger),
		logger:         logger,
		ledger:         o.ledger,
		metrics:        o.metrics,
		tracer:         tp.Tracer(instrumentationName),
	}, nil
}

// Events returns the event channel. It is closed by Close.
func (o *Orchestrator) Events() <-chan Event {
	return o.emitter.Events()
}

// Close closes the event channel. Call it after Run has returned.
func (o *Orchestrator) Close() {
	o.emitter.Close()
}

// Run executes goal and returns the report. The report is returned even when
// err is non-nil, holding whatever was completed before the failure.
func (o *Orchestrator) Run(ctx context.Context, goal string) (*models.RunReport, error) {
	o.runID = uuid.NewString()
	report := &models.RunReport{RunID: o.runID, Goal: goal}
	log := o.logger.With(zap.String("run_id", o.runID))

	ctx, span := o.tracer.Start(ctx, "orchestrator.run",
		trace.WithAttributes(attribute.String("run.id", o.runID)))
	defer span.End()

	log.Info("run started", zap.String("goal", goal))
	o.emit(Event{Type: EventRunStarted, Message: goal})
	o.recordLedger(ctx, "start run", func(ctx context.Context) error {
		return o.ledger.StartRun(ctx, o.runID, goal)
	})

	plan, err := o.acquirePlan(ctx, goal)
	if err != nil {
		log.Error("planning failed", zap.Error(err))
		return report, o.abort(ctx, span, err, RunStatusAborted)
	}
	report.Plan = plan
	span.SetAttributes(
		attribute.Int("plan.roles", len(plan.Roster)),
		attribute.Int("plan.steps", len(plan.Steps)))
	log.Info("plan ready", zap.Int("roles", len(plan.Roster)), zap.Int("steps", len(plan.Steps)))
	o.emit(Event{Type: EventPlanReady, StepCount: len(plan.Steps),
		Message: fmt.Sprintf("%d roles, %d steps", len(plan.Roster), len(plan.Steps))})
	o.recordLedger(ctx, "record plan", func(ctx context.Context) error {
		return o.ledger.RecordPlan(ctx, o.runID, plan)
	})

	if err := o.state.Init(ctx, map[string]any{
		"project_goal": goal,
		"status":       RunStatusStarted,
	}); err != nil {
		return report, o.abort(ctx, span, fmt.Errorf("initialize shared state: %w", err), RunStatusAborted)
	}

	handles, err := o.spawnTeam(ctx, plan)
	tornDown := false
	defer func() {
		if !tornDown {
			o.teardown(ctx, handles)
		}
	}()
	report.Workers = workersOf(handles)
	if err != nil {
		tornDown = true
		o.teardown(ctx, handles)
		report.FinalState = o.finalizeState(ctx, RunStatusAborted)
		return report, o.abort(ctx, span, err, RunStatusAborted)
	}

	o.awaitReady(ctx, handles)
	report.Workers = workersOf(handles)
	if o.settleDelay > 0 {
		select {
		case <-ctx.Done():
		case <-time.After(o.settleDelay):
		}
	}

	for i, step := range plan.Steps {
		if ctx.Err() != nil {
			break
		}
		report.Results = append(report.Results, o.runStep(ctx, i, len(plan.Steps), step, handles))
	}

	tornDown = true
	o.teardown(ctx, handles)

	if ctx.Err() != nil {
		err := fmt.Errorf("run canceled after %d of %d steps: %w",
			len(report.Results), len(plan.Steps), ctx.Err())
		report.FinalState = o.finalizeState(ctx, RunStatusCanceled)
		log.Warn("run canceled", zap.Int("steps_done", len(report.Results)))
		return report, o.abort(ctx, span, err, RunStatusCanceled)
	}

	report.FinalState = o.finalizeState(ctx, RunStatusCompleted)
	o.recordLedger(ctx, "finish run", func(ctx context.Context) error {
		return o.ledger.FinishRun(ctx, o.runID, RunStatusCompleted, report.FinalState)
	})
	o.metrics.RecordRun(RunStatusCompleted)
	log.Info("run completed",
		zap.Int("done", report.Count(models.StepStatusDone)),
		zap.Int("failed", report.Count(models.StepStatusFailed)),
		zap.Int("skipped", report.Count(models.StepStatusSkipped)),
		zap.Int("timeout", report.Count(models.StepStatusTimeout)))
	o.emit(Event{Type: EventRunCompleted, StepCount: len(plan.Steps),
		Message: fmt.Sprintf("%d of %d steps done", report.Count(models.StepStatusDone), len(plan.Steps))})
	return report, nil
}

// Dispatch sends instruction to a worker and blocks until the result for
// that command is consumed. It first waits for the worker to acknowledge its
// previous command, so a worker still busy with a timed out step finishes
// that step before it is handed the next one. When the wait for the result
// fails, the command is withdrawn if the worker has not started on it.
func (o *Orchestrator) Dispatch(ctx context.Context, workerID models.WorkerID, instruction string) (string, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.dispatch",
		trace.WithAttributes(attribute.String("worker.id", string(workerID))))
	defer span.End()

	id := string(workerID)
	log := o.logger.With(zap.String("worker_id", id))
	if err := o.mailbox.AwaitAck(ctx, id); err != nil {
		return "", dispatchError(span, "wait for previous acknowledgment", err)
	}
	pending, err := o.mailbox.Pending(ctx, id)
	if err != nil {
		log.Warn("cannot inspect worker slots, stale results are dropped on receipt", zap.Error(err))
	}
	if len(pending) > 0 {
		log.Warn("discarding stale result", zap.Strings("slots", pending))
		if err := o.mailbox.DiscardResult(ctx, id); err != nil {
			return "", dispatchError(span, "discard stale result", err)
		}
	}

	cmdID, err := o.mailbox.SendCommand(ctx, id, instruction)
	if err != nil {
		return "", dispatchError(span, "send command", err)
	}
	span.SetAttributes(attribute.String("command.id", cmdID))

	result, err := o.mailbox.AwaitResult(ctx, id, cmdID)
	if err != nil {
		o.withdrawCommand(ctx, workerID, cmdID)
		return "", dispatchError(span, "await result", err)
	}
	span.SetAttributes(attribute.Int("result.bytes", len(result)))
	return result, nil
}

func dispatchError(span trace.Span, op string, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, op)
	return fmt.Errorf("%s: %w", op, err)
}

func (o *Orchestrator) acquirePlan(ctx context.Context, goal string) (*models.Plan, error) {
	if o.plan != nil {
		o.plan.Normalize()
		if err := o.plan.Validate(); err != nil {
			return nil, &planner.PlanError{Kind: planner.MalformedPlan, Err: err}
		}
		return o.plan, nil
	}
	if o.planner == nil {
		return nil, ErrNoPlanner
	}
	plan, err := o.planner.CreatePlan(ctx, goal)
	if err != nil {
		return nil, fmt.Errorf("plan goal: %w", err)
	}
	return plan, nil
}

// NewWorkerID returns the ID for the n-th worker of a run.
func NewWorkerID(n int) models.WorkerID {
	return models.WorkerID(fmt.Sprintf("w-%d-%s", n, uuid.NewString()[:8]))
}

func (o *Orchestrator) spawnTeam(ctx context.Context, plan *models.Plan) ([]*WorkerHandle, error) {
	handles := make([]*WorkerHandle, 0, len(plan.Roster))
	for i, role := range plan.Roster {
		id := NewWorkerID(i + 1)
		if err := o.mailbox.SetRole(ctx, string(id), worker.DescribeRole(role)); err != nil {
			return handles, fmt.Errorf("assign role %q: %w", role, err)
		}
		proc, err := o.spawner.Spawn(ctx, WorkerSpec{ID: id, Role: role})
		if err != nil {
			return handles, fmt.Errorf("spawn worker for role %q: %w", role, err)
		}
		h := &WorkerHandle{ID: id, Role: role, Process: proc, StartedAt: time.Now()}
		handles = append(handles, h)

		o.logger.Info("worker spawned",
			zap.String("worker_id", string(id)),
			zap.String("role", string(role)),
			zap.Int("pid", proc.PID()))
		o.emit(Event{Type: EventWorkerSpawned, WorkerID: id, Role: role})
		o.metrics.SetWorkersActive(len(handles))
		o.recordLedger(ctx, "record worker", func(ctx context.Context) error {
			return o.ledger.RecordWorker(ctx, o.runID, h.model(models.WorkerStatusStarting))
		})
	}
	return handles, nil
}

// awaitReady waits for every worker's ready slot concurrently. Workers that
// miss ReadyTimeout are logged and still receive their steps.
func (o *Orchestrator) awaitReady(ctx context.Context, handles []*WorkerHandle) {
	start := time.Now()
	var g errgroup.Group
	for _, h := range handles {
		g.Go(func() error {
			rctx, cancel := context.WithTimeout(ctx, o.readyTimeout)
			defer cancel()
			if err := o.mailbox.AwaitReady(rctx, string(h.ID)); err != nil {
				o.logger.Warn("worker not ready",
					zap.String("worker_id", string(h.ID)),
					zap.String("role", string(h.Role)),
					zap.Error(err))
				return nil
			}
			h.Ready = true
			return nil
		})
	}
	_ = g.Wait()

	ready := 0
	for _, h := range handles {
		if !h.Ready {
			continue
		}
		ready++
		o.recordLedger(ctx, "update worker", func(ctx context.Context) error {
			return o.ledger.UpdateWorkerStatus(ctx, o.runID, h.ID, models.WorkerStatusReady)
		})
	}
	o.emit(Event{Type: EventWorkersReady, Duration: time.Since(start),
		Message: fmt.Sprintf("%d of %d workers ready", ready, len(handles))})
}

// route returns the first worker, in roster order, bound to role.
func route(handles []*WorkerHandle, role models.RoleName) (*WorkerHandle, bool) {
	for _, h := range handles {
		if h.Role == role {
			return h, true
		}
	}
	return nil, false
}

func (o *Orchestrator) runStep(ctx context.Context, index, total int, step models.Step, handles []*WorkerHandle) models.StepResult {
	res := models.StepResult{
		Index:       index,
		Agent:       step.Agent,
		Instruction: step.Instruction,
		StartedAt:   time.Now(),
	}
	log := o.logger.With(zap.Int("step", index+1), zap.String("role", string(step.Agent)))

	h, ok := route(handles, step.Agent)
	if !ok || step.Instruction == "" {
		res.Status = models.StepStatusSkipped
		res.Error = fmt.Sprintf("no worker for role %q", step.Agent)
		if step.Instruction == "" {
			res.Error = "step has no task"
		}
		log.Warn("step skipped", zap.String("reason", res.Error))
		o.emit(Event{Type: EventStepSkipped, StepIndex: index, StepCount: total, Role: step.Agent, Message: res.Error})
		o.finishStep(ctx, res)
		return res
	}
	res.WorkerID = h.ID

	log.Info("dispatching step", zap.String("worker_id", string(h.ID)))
	o.emit(Event{Type: EventStepDispatched, StepIndex: index, StepCount: total,
		Role: step.Agent, WorkerID: h.ID, Message: step.Instruction})

	stepCtx, cancel := ctx, context.CancelFunc(func() {})
	if o.stepTimeout > 0 {
		stepCtx, cancel = context.WithTimeout(ctx, o.stepTimeout)
	}
	output, err := o.Dispatch(stepCtx, h.ID, step.Instruction)
	cancel()
	res.Duration = time.Since(res.StartedAt)

	switch {
	case err == nil:
		res.Status = models.StepStatusDone
		res.Output = output
		log.Info("step completed", zap.Duration("duration", res.Duration))
		o.emit(Event{Type: EventStepCompleted, StepIndex: index, StepCount: total,
			Role: step.Agent, WorkerID: h.ID, Message: output, Duration: res.Duration})

	case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
		err = fmt.Errorf("dispatch step %d: %w after %s", index+1, ErrStepTimeout, o.stepTimeout)
		res.Status = models.StepStatusTimeout
		res.Error = err.Error()
		log.Warn("step timed out", zap.Duration("timeout", o.stepTimeout))
		o.emit(Event{Type: EventStepTimeout, StepIndex: index, StepCount: total,
			Role: step.Agent, WorkerID: h.ID, Error: err, Duration: res.Duration})

	default:
		err = fmt.Errorf("dispatch step %d: %w", index+1, err)
		res.Status = models.StepStatusFailed
		res.Error = err.Error()
		log.Error("step failed", zap.Error(err))
		o.emit(Event{Type: EventStepFailed, StepIndex: index, StepCount: total,
			Role: step.Agent, WorkerID: h.ID, Error: err, Duration: res.Duration})
	}

	o.finishStep(ctx, res)
	return res
}

func (o *Orchestrator) finishStep(ctx context.Context, res models.StepResult) {
	o.metrics.RecordStep(string(res.Agent), string(res.Status),
		res.Status != models.StepStatusSkipped, res.Duration)
	o.recordLedger(ctx, "record step", func(ctx context.Context) error {
		return o.ledger.RecordStep(ctx, o.runID, res)
	})
}

// withdrawCommand removes cmdID from the worker's slot unless the worker has
// already started on it. A started command stays until the worker acks it,
// which keeps the worker's next command waiting in Dispatch.
func (o *Orchestrator) withdrawCommand(ctx context.Context, id models.WorkerID, cmdID string) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), teardownTimeout)
	defer cancel()
	log := o.logger.With(zap.String("worker_id", string(id)), zap.String("command_id", cmdID))
	removed, err := o.mailbox.ClearCommand(cctx, string(id), cmdID)
	switch {
	case err != nil:
		log.Warn("failed to withdraw command", zap.Error(err))
	case removed:
		log.Info("withdrew undelivered command")
	default:
		log.Info("worker still busy with abandoned command")
	}
}

// teardown terminates every worker concurrently, waits for each exit and
// releases the workers' mailbox slots.
func (o *Orchestrator) teardown(ctx context.Context, handles []*WorkerHandle) {
	if len(handles) == 0 {
		return
	}
	tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), teardownTimeout+o.terminateGrace)
	defer cancel()

	start := time.Now()
	var g errgroup.Group
	for _, h := range handles {
		g.Go(func() error {
			log := o.logger.With(zap.String("worker_id", string(h.ID)))
			if err := h.Process.Terminate(o.terminateGrace); err != nil {
				log.Warn("terminate worker", zap.Error(err))
			}
			if err := h.Process.Wait(); err != nil {
				log.Debug("worker exited", zap.Error(err))
			}
			if err := o.mailbox.Release(tctx, string(h.ID)); err != nil {
				log.Warn("release worker slots", zap.Error(err))
			}
			o.recordLedger(tctx, "update worker", func(ctx context.Context) error {
				return o.ledger.UpdateWorkerStatus(ctx, o.runID, h.ID, models.WorkerStatusTerminated)
			})
			return nil
		})
	}
	_ = g.Wait()

	o.metrics.SetWorkersActive(0)
	o.logger.Info("workers terminated", zap.Int("count", len(handles)), zap.Duration("duration", time.Since(start)))
	o.emit(Event{Type: EventWorkersTerminated, Duration: time.Since(start),
		Message: fmt.Sprintf("%d workers terminated", len(handles))})
}

func (o *Orchestrator) finalizeState(ctx context.Context, status string) map[string]any {
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), teardownTimeout)
	defer cancel()
	if err := o.state.Set(sctx, "status", status); err != nil {
		o.logger.Warn("failed to record final status", zap.Error(err))
	}
	state, err := o.state.Load(sctx)
	if err != nil {
		o.logger.Warn("failed to load final state", zap.Error(err))
	}
	return state
}

// abort records the failed run and returns err unchanged.
func (o *Orchestrator) abort(ctx context.Context, span trace.Span, err error, status string) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, status)
	o.metrics.RecordRun(status)
	o.recordLedger(ctx, "finish run", func(ctx context.Context) error {
		return o.ledger.FinishRun(ctx, o.runID, status, nil)
	})
	o.emit(Event{Type: EventRunAborted, Message: status, Error: err})
	return err
}

// recordLedger runs fn against the ledger, if any, and logs failures.
func (o *Orchestrator) recordLedger(ctx context.Context, op string, fn func(context.Context) error) {
	if o.ledger == nil {
		return
	}
	lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), teardownTimeout)
	defer cancel()
	if err := fn(lctx); err != nil {
		o.logger.Warn("ledger write failed", zap.String("op", op), zap.Error(err))
	}
}

func (o *Orchestrator) emit(e Event) {
	e.RunID = o.runID
	o.emitter.Emit(e)
}

func (h *WorkerHandle) model(status models.WorkerStatus) models.Worker {
	return models.Worker{
		ID:        h.ID,
		Role:      h.Role,
		Status:    status,
		PID:       h.Process.PID(),
		StartedAt: h.StartedAt,
	}
}

func workersOf(handles []*WorkerHandle) []models.Worker {
	out := make([]models.Worker, 0, len(handles))
	for _, h := range handles {
		status := models.WorkerStatusStarting
		if h.Ready {
			status = models.WorkerStatusReady
		}
		out = append(out, h.model(status))
	}
	return out
}
