package core

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"matrixci/internal/history"
	"matrixci/internal/secrets"
	"matrixci/internal/security"
)

func testRunner(t *testing.T) *Runner {
	t.Helper()
	return NewRunner(t.TempDir(), slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func jobByEntry(t *testing.T, summary *RunSummary, entry MatrixEntry) *JobResult {
	t.Helper()
	for _, job := range summary.Jobs {
		if job.Entry == entry {
			return job
		}
	}
	t.Fatalf("no job result for entry %s", entry)
	return nil
}

func TestRunPipelineAllSucceed(t *testing.T) {
	pipeline := &Pipeline{
		Name: "ok",
		On:   Triggers{Manual: true},
		Matrix: []MatrixEntry{
			{OS: "linux", Version: "1"},
			{OS: "linux", Version: "2"},
		},
		Steps: []Step{
			{Name: "hello", Run: "echo hello"},
			{Name: "world", Run: "echo world", Phase: PhaseTest},
		},
	}
	require.NoError(t, pipeline.Validate())

	summary, err := testRunner(t).RunPipeline(context.Background(), pipeline, "fp")
	require.NoError(t, err)
	require.Len(t, summary.Jobs, 2)
	assert.True(t, summary.Succeeded())

	for _, job := range summary.Jobs {
		assert.Equal(t, StateSucceeded, job.State)
		require.Len(t, job.Steps, 2)
		assert.Equal(t, StepSucceeded, job.Steps[0].Status)
		assert.Contains(t, job.Steps[0].Output, "hello")
	}
}

func TestRunPipelineFatalStepStopsInstance(t *testing.T) {
	pipeline := &Pipeline{
		Name:   "fatal",
		On:     Triggers{Manual: true},
		Matrix: []MatrixEntry{{OS: "linux", Version: "1"}},
		Steps: []Step{
			{Name: "ok", Run: "echo fine"},
			{Name: "boom", Run: "exit 1"},
			{Name: "never", Run: "echo unreachable"},
		},
	}

	summary, err := testRunner(t).RunPipeline(context.Background(), pipeline, "fp")
	require.NoError(t, err)

	job := summary.Jobs[0]
	assert.Equal(t, StateFailed, job.State)
	// The fold stops at the fatal failure: the third step is never
	// considered, not even as skipped.
	require.Len(t, job.Steps, 2)
	assert.Equal(t, StepFailed, job.Steps[1].Status)
}

func TestRunPipelineNonFatalStepContinues(t *testing.T) {
	pipeline := &Pipeline{
		Name:   "advisory",
		On:     Triggers{Manual: true},
		Matrix: []MatrixEntry{{OS: "linux", Version: "1"}},
		Steps: []Step{
			{Name: "advisory", Run: "exit 1", ContinueOnError: true},
			{Name: "after", Run: "echo still here"},
		},
	}

	summary, err := testRunner(t).RunPipeline(context.Background(), pipeline, "fp")
	require.NoError(t, err)

	job := summary.Jobs[0]
	assert.Equal(t, StateSucceeded, job.State)
	require.Len(t, job.Steps, 2)
	assert.Equal(t, StepFailed, job.Steps[0].Status)
	assert.Equal(t, StepSucceeded, job.Steps[1].Status)
}

func TestRunPipelineSkippedStepDoesNotAffectStatus(t *testing.T) {
	pipeline := &Pipeline{
		Name:   "gated",
		On:     Triggers{Manual: true},
		Matrix: []MatrixEntry{{OS: "linux", Version: "1"}},
		Steps: []Step{
			// Would fail if it ever ran.
			{Name: "mac only", Run: "exit 1", If: &Gate{OS: "mac"}},
			{Name: "always", Run: "echo run"},
		},
	}

	summary, err := testRunner(t).RunPipeline(context.Background(), pipeline, "fp")
	require.NoError(t, err)

	job := summary.Jobs[0]
	assert.Equal(t, StateSucceeded, job.State)
	assert.Equal(t, StepSkipped, job.Steps[0].Status)
	assert.Empty(t, job.Steps[0].Output)
	// A skip is never fatal, regardless of continue_on_error.
	assert.False(t, job.Steps[0].Fatal)
}

// One entry failing must not touch its siblings.
func TestRunPipelineFailureIsolation(t *testing.T) {
	pipeline := &Pipeline{
		Name: "isolated",
		On:   Triggers{Manual: true},
		Matrix: []MatrixEntry{
			{OS: "linux", Version: "1"},
			{OS: "linux", Version: "2"},
		},
		Steps: []Step{
			{Name: "flaky on v1", Run: `test "$MATRIXCI_VERSION" != 1`},
			{Name: "after", Run: "echo survived"},
		},
	}

	summary, err := testRunner(t).RunPipeline(context.Background(), pipeline, "fp")
	require.NoError(t, err)
	assert.False(t, summary.Succeeded())

	failed := jobByEntry(t, summary, MatrixEntry{OS: "linux", Version: "1"})
	passed := jobByEntry(t, summary, MatrixEntry{OS: "linux", Version: "2"})
	assert.Equal(t, StateFailed, failed.State)
	assert.Equal(t, StateSucceeded, passed.State)
	require.Len(t, passed.Steps, 2)
	assert.Contains(t, passed.Steps[1].Output, "survived")
}

func TestRunPipelineWritesRedactedLogs(t *testing.T) {
	runner := testRunner(t)
	store := secrets.NewStoreFromMap(map[string]string{"TOKEN": "hunter2"})
	runner.Secrets = store
	runner.Executor = NewExecutor(store)

	pipeline := &Pipeline{
		Name:   "secretive",
		On:     Triggers{Manual: true},
		Matrix: []MatrixEntry{{OS: "linux", Version: "1"}},
		Steps: []Step{
			{
				Name: "leaky",
				Run:  `echo "token is $T"`,
				Env:  map[string]string{"T": "${{ secrets.TOKEN }}"},
			},
		},
	}

	summary, err := runner.RunPipeline(context.Background(), pipeline, "fp")
	require.NoError(t, err)

	step := summary.Jobs[0].Steps[0]
	assert.NotContains(t, step.Output, "hunter2")
	assert.Contains(t, step.Output, "***")

	require.NotEmpty(t, step.LogPath)
	saved, err := os.ReadFile(step.LogPath)
	require.NoError(t, err)
	assert.NotContains(t, string(saved), "hunter2")
}

func TestRunPipelineAppendsJournal(t *testing.T) {
	runner := testRunner(t)

	journal, err := history.Open(filepath.Join(t.TempDir(), "journal.jsonl"))
	require.NoError(t, err)
	pub, priv, err := security.GenerateKeyPair()
	require.NoError(t, err)
	runner.Journal = journal
	runner.SigningKey = priv
	runner.PublicKey = pub

	pipeline := &Pipeline{
		Name: "journaled",
		On:   Triggers{Manual: true},
		Matrix: []MatrixEntry{
			{OS: "linux", Version: "1"},
			{OS: "linux", Version: "2"},
			{OS: "mac", Version: "1"},
		},
		Steps: []Step{
			{Name: "a", Run: "echo a"},
			{Name: "b", Run: "echo b"},
		},
	}

	summary, err := runner.RunPipeline(context.Background(), pipeline, "fp")
	require.NoError(t, err)
	require.True(t, summary.Succeeded())

	// Every executed step of every instance is journaled, and the
	// chain verifies even though instances appended concurrently.
	assert.Len(t, journal.Records(), 6)
	require.NoError(t, journal.Verify())
}

func TestRunPipelineCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	pipeline := &Pipeline{
		Name:   "cancelled",
		On:     Triggers{Manual: true},
		Matrix: []MatrixEntry{{OS: "linux", Version: "1"}},
		Steps:  []Step{{Name: "a", Run: "echo a"}},
	}

	summary, err := testRunner(t).RunPipeline(ctx, pipeline, "fp")
	require.Error(t, err)
	assert.Equal(t, StateAborted, summary.Jobs[0].State)
	assert.Empty(t, summary.Jobs[0].Steps)
}

// Cancelling while a step is in flight must abort the instance, not
// fail it, and must release the run well before the step would have
// finished on its own.
func TestRunPipelineCancellationMidStep(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		time.Sleep(200 * time.Millisecond)
		cancel()
	}()

	pipeline := &Pipeline{
		Name:   "interrupted",
		On:     Triggers{Manual: true},
		Matrix: []MatrixEntry{{OS: "linux", Version: "1"}},
		Steps:  []Step{{Name: "long", Run: "sleep 10"}},
	}

	start := time.Now()
	summary, err := testRunner(t).RunPipeline(ctx, pipeline, "fp")
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.Equal(t, StateAborted, summary.Jobs[0].State)
	assert.Less(t, elapsed, 5*time.Second)
}
