package core

import (
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// State is the execution state of one job instance.
type State string

const (
	StatePending      State = "pending"
	StateProvisioning State = "provisioning"
	StateLinting      State = "linting"
	StateTesting      State = "testing"
	StateReporting    State = "reporting"
	StateSucceeded    State = "succeeded"
	StateFailed       State = "failed"
	StateAborted      State = "aborted"
)

// Terminal reports whether the state is final.
func (s State) Terminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateAborted:
		return true
	}
	return false
}

func (s State) rank() int {
	switch s {
	case StatePending:
		return 0
	case StateProvisioning:
		return 1
	case StateLinting:
		return 2
	case StateTesting:
		return 3
	case StateReporting:
		return 4
	}
	return -1
}

// phaseState maps a step phase to the running state it drives.
func phaseState(p Phase) State {
	switch p {
	case PhaseLint:
		return StateLinting
	case PhaseTest:
		return StateTesting
	case PhaseReport:
		return StateReporting
	}
	return StateProvisioning
}

// allowedTransition encodes the per-instance state machine: running
// states advance strictly forward, any non-terminal state may jump to
// a terminal one, and terminal states never transition again.
func allowedTransition(from, to State) bool {
	if from.Terminal() {
		return false
	}
	if to.Terminal() {
		return true
	}
	return to.rank() > from.rank()
}

// JobInstance is one execution of the step sequence for a single
// matrix entry. Instances are independent: nothing is shared between
// them and they carry no ordering relative to each other.
type JobInstance struct {
	ID    string
	Entry MatrixEntry
	state State
}

func newJobInstance(entry MatrixEntry) *JobInstance {
	return &JobInstance{
		ID:    uuid.NewString(),
		Entry: entry,
		state: StatePending,
	}
}

// State returns the instance's current state.
func (j *JobInstance) State() State { return j.state }

// transition moves the instance to a new state, rejecting anything
// the state machine does not allow.
func (j *JobInstance) transition(to State) error {
	if !allowedTransition(j.state, to) {
		return errors.Errorf("job %s: invalid transition %s -> %s", j.ID, j.state, to)
	}
	j.state = to
	return nil
}

// advance moves the instance into the running state for a phase if it
// is not already there. Entering an earlier phase's state again is a
// no-op because steps are phase-ordered.
func (j *JobInstance) advance(p Phase) error {
	target := phaseState(p)
	if j.state == target || target.rank() < j.state.rank() {
		return nil
	}
	return j.transition(target)
}
