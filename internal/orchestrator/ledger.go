package orchestrator

import (
	"context"

	"github.com/ShayCichocki/cohort/pkg/models"
)

// Run statuses recorded in the ledger and in the shared state document.
const (
	RunStatusStarted   = "started"
	RunStatusCompleted = "completed"
	RunStatusAborted   = "aborted"
	RunStatusCanceled  = "canceled"
)

// Ledger persists run history. Ledger failures are logged and never stop a run.
type Ledger interface {
	StartRun(ctx context.Context, runID, goal string) error
	RecordPlan(ctx context.Context, runID string, plan *models.Plan) error
	RecordWorker(ctx context.Context, runID string, w models.Worker) error
	UpdateWorkerStatus(ctx context.Context, runID string, id models.WorkerID, status models.WorkerStatus) error
	RecordStep(ctx context.Context, runID string, res models.StepResult) error
	FinishRun(ctx context.Context, runID, status string, finalState map[string]any) error
}
