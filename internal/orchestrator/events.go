package orchestrator

import (
	"time"

	"github.com/ShayCichocki/cohort/pkg/models"
)

// EventType represents the type of orchestrator event.
type EventType string

const (
	// EventRunStarted indicates a run has begun.
	EventRunStarted EventType = "run_started"
	// EventPlanReady indicates the plan was obtained.
	EventPlanReady EventType = "plan_ready"
	// EventWorkerSpawned indicates a worker process was started.
	EventWorkerSpawned EventType = "worker_spawned"
	// EventWorkersReady indicates the readiness handshake finished.
	EventWorkersReady EventType = "workers_ready"
	// EventStepDispatched indicates a step was sent to its worker.
	EventStepDispatched EventType = "step_dispatched"
	// EventStepCompleted indicates a step's result was consumed.
	EventStepCompleted EventType = "step_completed"
	// EventStepFailed indicates dispatch failed.
	EventStepFailed EventType = "step_failed"
	// EventStepSkipped indicates a step had no task or no worker for its role.
	EventStepSkipped EventType = "step_skipped"
	// EventStepTimeout indicates the worker did not answer in time.
	EventStepTimeout EventType = "step_timeout"
	// EventWorkersTerminated indicates every worker was stopped and reaped.
	EventWorkersTerminated EventType = "workers_terminated"
	// EventRunCompleted indicates all steps were processed.
	EventRunCompleted EventType = "run_completed"
	// EventRunAborted indicates the run stopped early.
	EventRunAborted EventType = "run_aborted"
)

// Event represents an event emitted by the orchestrator.
// These events drive the CLI progress output.
type Event struct {
	// Type is the kind of event.
	Type EventType
	// RunID identifies the run.
	RunID string
	// StepIndex is the zero-based step position. Only set on step events.
	StepIndex int
	// StepCount is the number of steps in the plan, when known.
	StepCount int
	// Role is the role involved, if any.
	Role models.RoleName
	// WorkerID is the worker involved, if any.
	WorkerID models.WorkerID
	// Message provides additional context about the event.
	Message string
	// Error contains error details for failure events.
	Error error
	// Duration is the elapsed time for completed operations.
	Duration time.Duration
	// Timestamp is when the event occurred.
	Timestamp time.Time
}
