package tests

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

	"matrixci/internal/core"
	"matrixci/internal/history"
	"matrixci/internal/security"
	"matrixci/pkg/utils"
)

const integrationPipeline = `
name: integration
on:
  push:
    branches: [main]
matrix:
  - {os: here, version: "designated"}
  - {os: here, version: "other"}
  - {os: elsewhere, version: "designated"}
steps:
  - name: checkout
    phase: provision
    run: echo checkout
  - name: native dep
    phase: provision
    run: echo native dep
    if: {os: elsewhere}
  - name: lint strict
    phase: lint
    run: echo lint strict
  - name: lint advisory
    phase: lint
    run: "echo advisory findings; exit 1"
    continue_on_error: true
  - name: restricted tests
    phase: test
    run: echo restricted
    unless: {os: here, version: "designated"}
  - name: coverage tests
    phase: test
    run: echo covered
    if: {os: here, version: "designated"}
  - name: upload coverage
    phase: report
    run: echo uploading with "$TOKEN"
    if: {os: here, version: "designated"}
    continue_on_error: true
    env:
      TOKEN: "${{ secrets.UPLOAD_TOKEN }}"
`

func TestPipelineEndToEnd(t *testing.T) {
	t.Setenv("UPLOAD_TOKEN", "tok-12345")

	dir := t.TempDir()
	path := filepath.Join(dir, "pipeline.yaml")
	require.NoError(t, os.WriteFile(path, []byte(integrationPipeline), 0o644))

	pipeline, err := core.LoadPipeline(path)
	require.NoError(t, err)

	// The trigger set fires for a push to main and nothing else.
	assert.True(t, pipeline.ShouldRun(core.Event{Type: core.EventPush, Branch: "main"}))
	assert.False(t, pipeline.ShouldRun(core.Event{Type: core.EventPush, Branch: "dev"}))
	assert.False(t, pipeline.ShouldRun(core.Event{Type: core.EventManual}))
	assert.False(t, pipeline.ShouldRun(core.Event{Type: core.EventSchedule, Time: time.Now()}))

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	runner := core.NewRunner(filepath.Join(dir, "logs"), logger)

	journal, err := history.Open(filepath.Join(dir, "journal.jsonl"))
	require.NoError(t, err)
	pub, priv, err := security.GenerateKeyPair()
	require.NoError(t, err)
	runner.Journal = journal
	runner.SigningKey = priv
	runner.PublicKey = pub

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	summary, err := runner.RunPipeline(context.Background(), pipeline, utils.HashString(string(data)))
	require.NoError(t, err)
	require.Len(t, summary.Jobs, 3)
	assert.True(t, summary.Succeeded(), "advisory failure must not fail the run")

	byEntry := make(map[core.MatrixEntry]*core.JobResult)
	for _, job := range summary.Jobs {
		byEntry[job.Entry] = job
	}

	designated := byEntry[core.MatrixEntry{OS: "here", Version: "designated"}]
	sameOS := byEntry[core.MatrixEntry{OS: "here", Version: "other"}]
	otherOS := byEntry[core.MatrixEntry{OS: "elsewhere", Version: "designated"}]

	statusOf := func(job *core.JobResult, step string) core.StepStatus {
		for _, s := range job.Steps {
			if s.Step == step {
				return s.Status
			}
		}
		t.Fatalf("no result for step %q", step)
		return ""
	}

	// Designated pair: coverage path, no restricted run.
	assert.Equal(t, core.StepSkipped, statusOf(designated, "restricted tests"))
	assert.Equal(t, core.StepSucceeded, statusOf(designated, "coverage tests"))
	assert.Equal(t, core.StepSucceeded, statusOf(designated, "upload coverage"))

	// Same OS, another version: restricted path only.
	assert.Equal(t, core.StepSucceeded, statusOf(sameOS, "restricted tests"))
	assert.Equal(t, core.StepSkipped, statusOf(sameOS, "coverage tests"))
	assert.Equal(t, core.StepSkipped, statusOf(sameOS, "upload coverage"))

	// Other OS: native dep runs, coverage path skipped.
	assert.Equal(t, core.StepSucceeded, statusOf(otherOS, "native dep"))
	assert.Equal(t, core.StepSkipped, statusOf(designated, "native dep"))
	assert.Equal(t, core.StepSucceeded, statusOf(otherOS, "restricted tests"))
	assert.Equal(t, core.StepSkipped, statusOf(otherOS, "coverage tests"))

	// The advisory lint failure is recorded but non-fatal.
	for _, job := range summary.Jobs {
		assert.Equal(t, core.StepFailed, statusOf(job, "lint advisory"))
		assert.Equal(t, core.StateSucceeded, job.State)
	}

	// Secrets resolved into the step but never into stored output.
	for _, s := range designated.Steps {
		if s.Step == "upload coverage" {
			assert.Contains(t, s.Output, "***")
			assert.NotContains(t, s.Output, "tok-12345")
		}
	}

	// The journal covers every executed step and verifies cleanly.
	require.NoError(t, journal.Verify())
	executed := 0
	for _, job := range summary.Jobs {
		for _, s := range job.Steps {
			if s.Status != core.StepSkipped {
				executed++
			}
		}
	}
	assert.Len(t, journal.Records(), executed)

	reloaded, err := history.Open(filepath.Join(dir, "journal.jsonl"))
	require.NoError(t, err)
	require.NoError(t, reloaded.Verify())
}
