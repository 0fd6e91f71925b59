package models

import "time"

// StepStatus is the outcome of a single plan step.
type StepStatus string

const (
	// StepStatusDone indicates the worker returned a result.
	StepStatusDone StepStatus = "done"
	// StepStatusFailed indicates dispatch failed for a reason other than a timeout.
	StepStatusFailed StepStatus = "failed"
	// StepStatusSkipped indicates no worker matched the step's role.
	StepStatusSkipped StepStatus = "skipped"
	// StepStatusTimeout indicates the worker did not answer within the step timeout.
	StepStatusTimeout StepStatus = "timeout"
)

// StepResult records what happened to one step of a run.
type StepResult struct {
	// Index is the zero-based position of the step in the plan.
	Index int `json:"index"`
	// Agent is the role named by the step.
	Agent RoleName `json:"agent"`
	// WorkerID is the worker the step was dispatched to, empty when skipped.
	WorkerID WorkerID `json:"worker_id,omitempty"`
	// Instruction is the text that was dispatched.
	Instruction string `json:"instruction"`
	// Output is the result text published by the worker.
	Output string `json:"output,omitempty"`
	// Status is the outcome of the step.
	Status StepStatus `json:"status"`
	// Error holds the failure reason for failed, skipped and timed out steps.
	Error string `json:"error,omitempty"`
	// StartedAt is when dispatch began.
	StartedAt time.Time `json:"started_at"`
	// Duration is how long the step took.
	Duration time.Duration `json:"duration"`
}

// RunReport summarises a finished run.
type RunReport struct {
	RunID      string         `json:"run_id"`
	Goal       string         `json:"goal"`
	Plan       *Plan          `json:"plan"`
	Workers    []Worker       `json:"workers"`
	Results    []StepResult   `json:"results"`
	FinalState map[string]any `json:"final_state,omitempty"`
}

// Count returns how many results have the given status.
func (r *RunReport) Count(status StepStatus) int {
	n := 0
	for _, res := range r.Results {
		if res.Status == status {
			n++
		}
	}
	return n
}
