// The agent is a standalone step runner: it accepts one serialized
// job instance over HTTP, executes the eligible steps locally, and
// returns the per-step results. A server can hand matrix entries to
// agents on machines that actually match the entry's OS.
package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/spf13/pflag"

	"matrixci/internal/core"
	"matrixci/internal/secrets"
)

// JobRequest is one job instance: the matrix entry plus the step
// sequence to fold over it.
type JobRequest struct {
	Entry       core.MatrixEntry `json:"entry"`
	Steps       []core.Step      `json:"steps"`
	StepTimeout time.Duration    `json:"stepTimeout,omitempty"`
}

// JobResponse reports what the agent did with each step.
type JobResponse struct {
	Entry   core.MatrixEntry  `json:"entry"`
	State   core.State        `json:"state"`
	Results []core.StepResult `json:"results"`
}

type agent struct {
	logger   *slog.Logger
	executor *core.Executor
	store    *secrets.Store
}

func main() {
	addr := pflag.String("addr", ":9090", "listen address")
	pflag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	store := secrets.NewStore()
	a := &agent{
		logger:   logger,
		executor: core.NewExecutor(store),
		store:    store,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/run", a.handleRunJob)

	logger.Info("agent listening", "addr", *addr)
	if err := http.ListenAndServe(*addr, mux); err != nil {
		logger.Error("agent stopped", "error", err)
		os.Exit(1)
	}
}

func (a *agent) handleRunJob(w http.ResponseWriter, r *http.Request) {
	var job JobRequest
	if err := json.NewDecoder(r.Body).Decode(&job); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	a.logger.Info("running job instance", "entry", job.Entry.String(), "steps", len(job.Steps))

	timeout := job.StepTimeout
	if timeout == 0 {
		timeout = core.DefaultStepTimeout
	}

	resp := JobResponse{Entry: job.Entry, State: core.StateSucceeded}
	for _, step := range job.Steps {
		if !step.Eligible(job.Entry) {
			resp.Results = append(resp.Results, core.StepResult{
				Step:   step.Name,
				Phase:  step.EffectivePhase(),
				Status: core.StepSkipped,
			})
			continue
		}

		stepTimeout := step.Timeout.Std()
		if stepTimeout == 0 {
			stepTimeout = timeout
		}
		start := time.Now()
		output, err := a.executor.RunStep(r.Context(), step, job.Entry, stepTimeout)
		result := core.StepResult{
			Step:    step.Name,
			Phase:   step.EffectivePhase(),
			Status:  core.StepSucceeded,
			Fatal:   !step.ContinueOnError,
			Output:  a.store.Redact(output),
			Elapsed: time.Since(start),
		}
		if err != nil {
			result.Status = core.StepFailed
			result.Error = err.Error()
		}
		resp.Results = append(resp.Results, result)

		if result.Status == core.StepFailed && result.Fatal {
			resp.State = core.StateFailed
			break
		}
	}
	if resp.State != core.StateFailed && r.Context().Err() == context.Canceled {
		resp.State = core.StateAborted
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}
