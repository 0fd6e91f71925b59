package models

import "time"

// WorkerID identifies a worker for the lifetime of a run.
type WorkerID string

// WorkerStatus represents the current state of a worker.
type WorkerStatus string

const (
	// WorkerStatusStarting indicates the worker was spawned but has not reported ready.
	WorkerStatusStarting WorkerStatus = "starting"
	// WorkerStatusReady indicates the worker is listening for commands.
	WorkerStatusReady WorkerStatus = "ready"
	// WorkerStatusBusy indicates the worker is executing a command.
	WorkerStatusBusy WorkerStatus = "busy"
	// WorkerStatusTerminated indicates the worker process was stopped and reaped.
	WorkerStatusTerminated WorkerStatus = "terminated"
	// WorkerStatusFailed indicates the worker exited unexpectedly.
	WorkerStatusFailed WorkerStatus = "failed"
)

// Valid returns true if the status is a known value.
func (s WorkerStatus) Valid() bool {
	switch s {
	case WorkerStatusStarting, WorkerStatusReady, WorkerStatusBusy,
		WorkerStatusTerminated, WorkerStatusFailed:
		return true
	default:
		return false
	}
}

// Worker describes a spawned worker bound to one role.
type Worker struct {
	// ID is the unique identifier for this worker.
	ID WorkerID `json:"id"`
	// Role is the role the worker plays on the team.
	Role RoleName `json:"role"`
	// Status is the current state of the worker.
	Status WorkerStatus `json:"status"`
	// PID is the process ID of the worker, 0 for in-process workers.
	PID int `json:"pid,omitempty"`
	// StartedAt is when the worker was spawned.
	StartedAt time.Time `json:"started_at"`
}
