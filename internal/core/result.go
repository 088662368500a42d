package core

import "time"

// StepStatus is the outcome of considering one step for one job
// instance.
type StepStatus string

const (
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// StepResult records what happened to one step within a job instance.
// A skipped step carries no output and never affects the instance's
// pass/fail status; a failed non-fatal step is recorded but does not
// halt the fold.
type StepResult struct {
	Step    string        `json:"step"`
	Phase   Phase         `json:"phase"`
	Status  StepStatus    `json:"status"`
	Fatal   bool          `json:"fatal"`
	Output  string        `json:"output,omitempty"`
	Error   string        `json:"error,omitempty"`
	LogPath string        `json:"logPath,omitempty"`
	Elapsed time.Duration `json:"elapsed"`
}

// JobResult is the outcome of one job instance: its terminal state
// plus the ordered step results up to the point the fold stopped.
type JobResult struct {
	JobID string       `json:"jobId"`
	Entry MatrixEntry  `json:"entry"`
	State State        `json:"state"`
	Steps []StepResult `json:"steps"`
}

// Succeeded reports whether the instance reached the end of its step
// sequence without a fatal failure.
func (r *JobResult) Succeeded() bool { return r.State == StateSucceeded }

// RunSummary aggregates the results of every job instance in one
// pipeline run.
type RunSummary struct {
	RunID       string       `json:"runId"`
	Pipeline    string       `json:"pipeline"`
	Fingerprint string       `json:"fingerprint,omitempty"`
	Started     time.Time    `json:"started"`
	Finished    time.Time    `json:"finished"`
	Jobs        []*JobResult `json:"jobs"`
}

// Succeeded reports whether every job instance succeeded. Failure
// isolation is per instance: one failed entry never changes what the
// others did, only the aggregate answer here.
func (s *RunSummary) Succeeded() bool {
	for _, job := range s.Jobs {
		if !job.Succeeded() {
			return false
		}
	}
	return true
}
