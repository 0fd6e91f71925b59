package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ShayCichocki/cohort/pkg/models"
)

// Run is a ledger row for one orchestrator run.
type Run struct {
	ID         string         `json:"id"`
	Goal       string         `json:"goal"`
	Plan       *models.Plan   `json:"plan,omitempty"`
	Status     string         `json:"status"`
	FinalState map[string]any `json:"final_state,omitempty"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
}

// RunStatusStarted marks a run that has not finished. A started run with no
// live orchestrator was interrupted.
const RunStatusStarted = "started"

// StartRun records a new run.
func (db *DB) StartRun(ctx context.Context, runID, goal string) error {
	_, err := db.exec(ctx, `
		INSERT INTO runs (id, goal, status, started_at) VALUES (?, ?, ?, ?)
	`, runID, goal, RunStatusStarted, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("start run: %w", err)
	}
	return nil
}

// RecordPlan stores the plan of a run as JSON.
func (db *DB) RecordPlan(ctx context.Context, runID string, plan *models.Plan) error {
	data, err := json.Marshal(plan)
	if err != nil {
		return fmt.Errorf("encode plan: %w", err)
	}
	if _, err := db.exec(ctx, `UPDATE runs SET plan = ? WHERE id = ?`, string(data), runID); err != nil {
		return fmt.Errorf("record plan: %w", err)
	}
	return nil
}

// FinishRun sets the final status and shared state of a run.
func (db *DB) FinishRun(ctx context.Context, runID, status string, finalState map[string]any) error {
	var stateJSON *string
	if finalState != nil {
		data, err := json.Marshal(finalState)
		if err != nil {
			return fmt.Errorf("encode final state: %w", err)
		}
		s := string(data)
		stateJSON = &s
	}
	_, err := db.exec(ctx, `
		UPDATE runs SET status = ?, final_state = COALESCE(?, final_state), finished_at = ? WHERE id = ?
	`, status, stateJSON, formatTime(time.Now()), runID)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	return nil
}

// GetRun retrieves a run by ID. It returns nil when the run does not exist.
func (db *DB) GetRun(ctx context.Context, id string) (*Run, error) {
	row := db.queryRow(ctx, `
		SELECT id, goal, plan, status, final_state, started_at, finished_at FROM runs WHERE id = ?
	`, id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return r, nil
}

// LatestRun returns the most recently started run, or nil.
func (db *DB) LatestRun(ctx context.Context) (*Run, error) {
	runs, err := db.ListRuns(ctx, 1)
	if err != nil || len(runs) == 0 {
		return nil, err
	}
	return &runs[0], nil
}

// ListRuns lists runs newest first. A limit of zero or less lists all.
func (db *DB) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := db.query(ctx, `
		SELECT id, goal, plan, status, final_state, started_at, finished_at
		FROM runs ORDER BY started_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (*Run, error) {
	var r Run
	var plan, finalState, finishedAt sql.NullString
	var startedAt string
	if err := s.Scan(&r.ID, &r.Goal, &plan, &r.Status, &finalState, &startedAt, &finishedAt); err != nil {
		return nil, err
	}
	r.StartedAt, _ = parseTime(startedAt)
	r.FinishedAt = parseNullableTime(finishedAt)
	if plan.Valid {
		r.Plan = &models.Plan{}
		if err := json.Unmarshal([]byte(plan.String), r.Plan); err != nil {
			return nil, fmt.Errorf("decode plan of run %s: %w", r.ID, err)
		}
	}
	if finalState.Valid {
		if err := json.Unmarshal([]byte(finalState.String), &r.FinalState); err != nil {
			return nil, fmt.Errorf("decode final state of run %s: %w", r.ID, err)
		}
	}
	return &r, nil
}

// RecordWorker inserts or replaces a worker row.
func (db *DB) RecordWorker(ctx context.Context, runID string, w models.Worker) error {
	_, err := db.exec(ctx, `
		INSERT INTO workers (id, run_id, role, status, pid, started_at) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET role = excluded.role, status = excluded.status, pid = excluded.pid
	`, string(w.ID), runID, string(w.Role), string(w.Status), w.PID, formatTime(w.StartedAt))
	if err != nil {
		return fmt.Errorf("record worker: %w", err)
	}
	return nil
}

// UpdateWorkerStatus sets the status of a worker.
func (db *DB) UpdateWorkerStatus(ctx context.Context, runID string, id models.WorkerID, status models.WorkerStatus) error {
	if !status.Valid() {
		return fmt.Errorf("update worker %s: invalid status %q", id, status)
	}
	_, err := db.exec(ctx, `UPDATE workers SET status = ? WHERE id = ? AND run_id = ?`,
		string(status), string(id), runID)
	if err != nil {
		return fmt.Errorf("update worker: %w", err)
	}
	return nil
}

// ListWorkers lists the workers of a run in spawn order.
func (db *DB) ListWorkers(ctx context.Context, runID string) ([]models.Worker, error) {
	rows, err := db.query(ctx, `
		SELECT id, role, status, pid, started_at FROM workers WHERE run_id = ? ORDER BY started_at, id
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}
	defer rows.Close()

	var workers []models.Worker
	for rows.Next() {
		var w models.Worker
		var pid sql.NullInt64
		var startedAt string
		if err := rows.Scan(&w.ID, &w.Role, &w.Status, &pid, &startedAt); err != nil {
			return nil, fmt.Errorf("scan worker: %w", err)
		}
		if pid.Valid {
			w.PID = int(pid.Int64)
		}
		w.StartedAt, _ = parseTime(startedAt)
		workers = append(workers, w)
	}
	return workers, rows.Err()
}

// RecordStep inserts or replaces a step outcome.
func (db *DB) RecordStep(ctx context.Context, runID string, res models.StepResult) error {
	_, err := db.exec(ctx, `
		INSERT OR REPLACE INTO steps
			(run_id, step_index, agent, worker_id, instruction, output, status, error, started_at, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, runID, res.Index, string(res.Agent), string(res.WorkerID), res.Instruction, res.Output,
		string(res.Status), res.Error, formatTime(res.StartedAt), res.Duration.Milliseconds())
	if err != nil {
		return fmt.Errorf("record step: %w", err)
	}
	return nil
}

// ListSteps lists the recorded steps of a run in plan order.
func (db *DB) ListSteps(ctx context.Context, runID string) ([]models.StepResult, error) {
	rows, err := db.query(ctx, `
		SELECT step_index, agent, worker_id, instruction, output, status, error, started_at, duration_ms
		FROM steps WHERE run_id = ? ORDER BY step_index
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	defer rows.Close()

	var steps []models.StepResult
	for rows.Next() {
		var s models.StepResult
		var workerID, output, errText sql.NullString
		var startedAt string
		var durationMs int64
		if err := rows.Scan(&s.Index, &s.Agent, &workerID, &s.Instruction, &output,
			&s.Status, &errText, &startedAt, &durationMs); err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		s.WorkerID = models.WorkerID(workerID.String)
		s.Output = output.String
		s.Error = errText.String
		s.StartedAt, _ = parseTime(startedAt)
		s.Duration = time.Duration(durationMs) * time.Millisecond
		steps = append(steps, s)
	}
	return steps, rows.Err()
}
