package core

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"sort"
	"time"

	"github.com/pkg/errors"

	"matrixci/internal/secrets"
)

// Executor is responsible for running steps (commands).
type Executor struct {
	secrets *secrets.Store
}

// NewExecutor creates an executor resolving secrets from the given
// store.
func NewExecutor(store *secrets.Store) *Executor {
	if store == nil {
		store = secrets.NewStore()
	}
	return &Executor{secrets: store}
}

// RunStep executes a single pipeline step for one matrix entry and
// returns its combined output. The matrix pair is exposed to the
// command as MATRIXCI_OS and MATRIXCI_VERSION; step env values have
// their secret references resolved before the command starts.
func (e *Executor) RunStep(ctx context.Context, step Step, entry MatrixEntry, timeout time.Duration) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// Run the step in a shell (sh -c "cmd"). WaitDelay bounds how
	// long Run may keep waiting after the context ends; without it a
	// killed shell whose children still hold the output pipe keeps
	// the step alive until they exit on their own.
	cmd := exec.CommandContext(ctx, "sh", "-c", step.Run)
	cmd.WaitDelay = time.Second

	env := append(os.Environ(),
		"MATRIXCI_OS="+entry.OS,
		"MATRIXCI_VERSION="+entry.Version,
	)
	keys := make([]string, 0, len(step.Env))
	for k := range step.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		resolved, err := e.secrets.Expand(step.Env[k])
		if err != nil {
			return "", errors.Wrapf(err, "step %q: env %s", step.Name, k)
		}
		env = append(env, k+"="+resolved)
	}
	cmd.Env = env

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		return out.String(), errors.Errorf("step %q timed out after %s", step.Name, timeout)
	}
	return out.String(), err
}
