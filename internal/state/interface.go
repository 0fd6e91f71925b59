package state

import (
	"context"
	"io"
	"time"

	"github.com/ShayCichocki/cohort/pkg/models"
)

// RunStore handles run-level persistence.
type RunStore interface {
	StartRun(ctx context.Context, runID, goal string) error
	RecordPlan(ctx context.Context, runID string, plan *models.Plan) error
	FinishRun(ctx context.Context, runID, status string, finalState map[string]any) error
	GetRun(ctx context.Context, id string) (*Run, error)
	LatestRun(ctx context.Context) (*Run, error)
	ListRuns(ctx context.Context, limit int) ([]Run, error)
	PurgeOldRuns(ctx context.Context, olderThan time.Duration) (int64, error)
}

// WorkerStore handles worker persistence.
type WorkerStore interface {
	RecordWorker(ctx context.Context, runID string, w models.Worker) error
	UpdateWorkerStatus(ctx context.Context, runID string, id models.WorkerID, status models.WorkerStatus) error
	ListWorkers(ctx context.Context, runID string) ([]models.Worker, error)
}

// StepStore handles step persistence.
type StepStore interface {
	RecordStep(ctx context.Context, runID string, res models.StepResult) error
	ListSteps(ctx context.Context, runID string) ([]models.StepResult, error)
}

// Migrator handles database schema migrations.
type Migrator interface {
	// Migrate applies all pending schema migrations.
	Migrate() error
}

// Ledger is the full run ledger.
type Ledger interface {
	io.Closer
	Migrator
	RunStore
	WorkerStore
	StepStore
}

// Compile-time verification that DB implements all interfaces.
var (
	_ Ledger      = (*DB)(nil)
	_ RunStore    = (*DB)(nil)
	_ WorkerStore = (*DB)(nil)
	_ StepStore   = (*DB)(nil)
)
