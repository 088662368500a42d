package core

import (
	"context"
	"crypto/ed25519"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"matrixci/internal/history"
	"matrixci/internal/secrets"
	"matrixci/internal/storage"
	"matrixci/pkg/utils"
)

// DefaultStepTimeout applies when neither the step nor the run
// defaults set one.
const DefaultStepTimeout = 5 * time.Minute

// Runner ties together Scheduler + Executor + storage + journal. One
// Runner serves many runs; it holds no per-run state.
type Runner struct {
	Scheduler *Scheduler
	Executor  *Executor
	Logs      *storage.LogStorage
	Secrets   *secrets.Store
	Logger    *slog.Logger

	// Journal is optional. When set, every completed step appends a
	// signed record; journal errors never fail the run.
	Journal    *history.Journal
	SigningKey ed25519.PrivateKey
	PublicKey  ed25519.PublicKey
}

// NewRunner builds a runner with the given log directory and a
// process-environment secret store.
func NewRunner(logDir string, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	store := secrets.NewStore()
	return &Runner{
		Scheduler: NewScheduler(),
		Executor:  NewExecutor(store),
		Logs:      storage.NewLogStorage(logDir),
		Secrets:   store,
		Logger:    logger,
	}
}

// RunPipeline expands the matrix and executes every job instance in
// parallel. Instances are isolated: a fatal step failure terminates
// its own instance and nothing else. The returned summary always
// covers every instance; the error is non-nil only when the context
// was cancelled.
func (r *Runner) RunPipeline(ctx context.Context, pipeline *Pipeline, fingerprint string) (*RunSummary, error) {
	runID := uuid.NewString()
	instances := r.Scheduler.Expand(pipeline)

	summary := &RunSummary{
		RunID:       runID,
		Pipeline:    pipeline.Name,
		Fingerprint: fingerprint,
		Started:     time.Now().UTC(),
		Jobs:        make([]*JobResult, len(instances)),
	}

	r.Logger.Info("starting pipeline run",
		"pipeline", pipeline.Name,
		"run", runID,
		"instances", len(instances))

	var g errgroup.Group
	for i, inst := range instances {
		i, inst := i, inst
		g.Go(func() error {
			// Instance failure is a result, not an error: returning
			// one here would tear down sibling instances.
			summary.Jobs[i] = r.runInstance(ctx, pipeline, inst, runID, fingerprint)
			return nil
		})
	}
	_ = g.Wait()

	summary.Finished = time.Now().UTC()
	r.Logger.Info("pipeline run finished",
		"run", runID,
		"succeeded", summary.Succeeded())
	return summary, ctx.Err()
}

// runInstance folds the step sequence for one job instance, in strict
// declared order: skip when the gate says no, stop at the first fatal
// failure, keep going past non-fatal ones.
func (r *Runner) runInstance(ctx context.Context, pipeline *Pipeline, inst *JobInstance, runID, fingerprint string) *JobResult {
	result := &JobResult{
		JobID: inst.ID,
		Entry: inst.Entry,
		Steps: make([]StepResult, 0, len(pipeline.Steps)),
	}
	log := r.Logger.With("run", runID, "instance", inst.Entry.String())

	for _, step := range pipeline.Steps {
		if ctx.Err() != nil {
			_ = inst.transition(StateAborted)
			break
		}
		if err := inst.advance(step.EffectivePhase()); err != nil {
			// Phase ordering is enforced at validation; reaching
			// here means the definition bypassed ParsePipeline.
			log.Error("state machine rejected phase", "step", step.Name, "error", err)
			_ = inst.transition(StateFailed)
			break
		}

		if !step.Eligible(inst.Entry) {
			log.Debug("step skipped", "step", step.Name)
			// Fatal stays false here: a step that never ran cannot
			// have failed fatally.
			result.Steps = append(result.Steps, StepResult{
				Step:   step.Name,
				Phase:  step.EffectivePhase(),
				Status: StepSkipped,
			})
			continue
		}

		stepResult := r.executeStep(ctx, pipeline, step, inst, runID, log)
		result.Steps = append(result.Steps, stepResult)
		r.appendJournal(runID, fingerprint, inst, stepResult)

		if stepResult.Status == StepFailed && stepResult.Fatal {
			// A cancellation landing mid-step surfaces as a step
			// failure; the instance was aborted, not broken.
			if ctx.Err() != nil {
				log.Warn("step interrupted by cancellation", "step", step.Name)
				_ = inst.transition(StateAborted)
				break
			}
			log.Error("fatal step failed", "step", step.Name, "error", stepResult.Error)
			_ = inst.transition(StateFailed)
			break
		}
		if stepResult.Status == StepFailed {
			log.Warn("non-fatal step failed", "step", step.Name, "error", stepResult.Error)
		}
	}

	if !inst.State().Terminal() {
		_ = inst.transition(StateSucceeded)
	}
	result.State = inst.State()
	return result
}

func (r *Runner) executeStep(ctx context.Context, pipeline *Pipeline, step Step, inst *JobInstance, runID string, log *slog.Logger) StepResult {
	timeout := step.Timeout.Std()
	if timeout == 0 {
		timeout = pipeline.Defaults.StepTimeout.Std()
	}
	if timeout == 0 {
		timeout = DefaultStepTimeout
	}

	log.Info("running step", "step", step.Name)
	start := time.Now()
	output, err := r.Executor.RunStep(ctx, step, inst.Entry, timeout)
	elapsed := time.Since(start)

	redacted := r.Secrets.Redact(output)
	stepResult := StepResult{
		Step:    step.Name,
		Phase:   step.EffectivePhase(),
		Status:  StepSucceeded,
		Fatal:   !step.ContinueOnError,
		Output:  redacted,
		Elapsed: elapsed,
	}
	if err != nil {
		stepResult.Status = StepFailed
		stepResult.Error = err.Error()
	}

	logPath, logErr := r.Logs.SaveLog(runID, inst.Entry.String(), step.Name, redacted)
	if logErr != nil {
		log.Warn("cannot save step log", "step", step.Name, "error", logErr)
	} else {
		stepResult.LogPath = logPath
	}
	return stepResult
}

// appendJournal records one step outcome, best-effort: the journal is
// an audit trail, not a gate on the run.
func (r *Runner) appendJournal(runID, fingerprint string, inst *JobInstance, stepResult StepResult) {
	if r.Journal == nil {
		return
	}

	logHash := ""
	if stepResult.LogPath != "" {
		h, err := utils.HashFile(stepResult.LogPath)
		if err != nil {
			r.Logger.Warn("cannot hash step log", "path", stepResult.LogPath, "error", err)
		} else {
			logHash = h
		}
	}

	rec := history.NewRecord(
		runID, fingerprint,
		inst.ID, inst.Entry.OS, inst.Entry.Version,
		stepResult.Step, string(stepResult.Status),
		logHash,
	)
	if err := r.Journal.Append(rec, r.SigningKey, r.PublicKey); err != nil {
		r.Logger.Warn("cannot append journal record", "step", stepResult.Step, "error", err)
	}
}
