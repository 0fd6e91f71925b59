package orchestrator

import (
	"context"
	"time"

	"github.com/ShayCichocki/cohort/pkg/models"
)

// WorkerSpec describes the worker a Spawner must start.
type WorkerSpec struct {
	ID   models.WorkerID
	Role models.RoleName
}

// Process is a running worker.
type Process interface {
	// PID returns the operating system process ID, or 0 for in-process workers.
	PID() int
	// Terminate asks the worker to stop and forces it after grace.
	Terminate(grace time.Duration) error
	// Wait blocks until the worker has exited and returns its exit error.
	Wait() error
}

// Spawner starts workers.
type Spawner interface {
	Spawn(ctx context.Context, spec WorkerSpec) (Process, error)
}
