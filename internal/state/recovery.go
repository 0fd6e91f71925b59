package state

import (
	"context"
	"fmt"
	"os"
	"syscall"

	"github.com/ShayCichocki/cohort/pkg/models"
)

// RunStatusInterrupted marks a started run whose orchestrator is gone.
const RunStatusInterrupted = "interrupted"

// InterruptedRun is a run left in the started state together with the
// worker processes it recorded that are still alive.
type InterruptedRun struct {
	Run
	LiveWorkers []models.Worker
}

// InterruptedRuns returns every run still marked started. A run in progress
// in another terminal is reported too; callers decide what to do with it.
func (db *DB) InterruptedRuns(ctx context.Context) ([]InterruptedRun, error) {
	runs, err := db.ListRuns(ctx, 0)
	if err != nil {
		return nil, err
	}

	var out []InterruptedRun
	for _, r := range runs {
		if r.Status != RunStatusStarted {
			continue
		}
		workers, err := db.ListWorkers(ctx, r.ID)
		if err != nil {
			return nil, err
		}
		ir := InterruptedRun{Run: r}
		for _, w := range workers {
			if w.Status != models.WorkerStatusTerminated && isProcessAlive(w.PID) {
				ir.LiveWorkers = append(ir.LiveWorkers, w)
			}
		}
		out = append(out, ir)
	}
	return out, nil
}

// CleanRun kills the run's live worker processes when kill is set and marks
// the run interrupted. It returns the number of processes killed.
func (db *DB) CleanRun(ctx context.Context, ir InterruptedRun, kill bool) (int, error) {
	killed := 0
	if kill {
		for _, w := range ir.LiveWorkers {
			p, err := os.FindProcess(w.PID)
			if err != nil {
				continue
			}
			if err := p.Kill(); err != nil {
				return killed, fmt.Errorf("kill worker %s (pid %d): %w", w.ID, w.PID, err)
			}
			killed++
		}
	}

	workers, err := db.ListWorkers(ctx, ir.ID)
	if err != nil {
		return killed, err
	}
	for _, w := range workers {
		if w.Status == models.WorkerStatusTerminated {
			continue
		}
		if err := db.UpdateWorkerStatus(ctx, ir.ID, w.ID, models.WorkerStatusFailed); err != nil {
			return killed, err
		}
	}
	if err := db.FinishRun(ctx, ir.ID, RunStatusInterrupted, nil); err != nil {
		return killed, err
	}
	return killed, nil
}

// isProcessAlive checks if a process with the given PID is still running.
func isProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// Send signal 0 to check if process exists
	err = process.Signal(syscall.Signal(0))
	return err == nil
}
