package core

import (
	"time"

	"github.com/pkg/errors"
)

// Pipeline represents one CI pipeline definition: when it fires, the
// {os, version} matrix it fans out over, and the ordered step sequence
// every job instance executes.
type Pipeline struct {
	Name     string        `yaml:"name"`
	On       Triggers      `yaml:"on"`
	Matrix   []MatrixEntry `yaml:"matrix"`
	Steps    []Step        `yaml:"steps"`
	Defaults Defaults      `yaml:"defaults"`
}

// Triggers declares the events a pipeline reacts to. A nil branch
// filter means the event type is not handled at all.
type Triggers struct {
	Push        *BranchFilter `yaml:"push"`
	PullRequest *BranchFilter `yaml:"pull_request"`
	Schedule    string        `yaml:"schedule"` // 5-field cron, empty = no schedule
	Manual      bool          `yaml:"manual"`
}

// BranchFilter limits push/pull_request triggers to a branch list.
type BranchFilter struct {
	Branches []string `yaml:"branches"`
}

// MatrixEntry is one {operating system, interpreter version} pair.
type MatrixEntry struct {
	OS      string `yaml:"os" json:"os"`
	Version string `yaml:"version" json:"version"`
}

func (m MatrixEntry) String() string { return m.OS + "/" + m.Version }

// Defaults holds run-wide settings. StepTimeout applies to every step
// that does not set its own timeout.
type Defaults struct {
	StepTimeout Duration `yaml:"step_timeout"`
}

// Phase tags a step with the job-instance state it drives. Phases must
// appear in non-decreasing order down the step list.
type Phase string

const (
	PhaseProvision Phase = "provision"
	PhaseLint      Phase = "lint"
	PhaseTest      Phase = "test"
	PhaseReport    Phase = "report"
)

func (p Phase) rank() int {
	switch p {
	case PhaseProvision:
		return 1
	case PhaseLint:
		return 2
	case PhaseTest:
		return 3
	case PhaseReport:
		return 4
	}
	return 0
}

func (p Phase) valid() bool { return p.rank() > 0 }

// Step is a single instruction inside the pipeline: a shell command,
// an optional gate, and a fatality flag. Name must be unique within
// the pipeline.
type Step struct {
	Name            string            `yaml:"name" json:"name"`
	Phase           Phase             `yaml:"phase" json:"phase"`
	Run             string            `yaml:"run" json:"run"`
	If              *Gate             `yaml:"if,omitempty" json:"if,omitempty"`
	Unless          *Gate             `yaml:"unless,omitempty" json:"unless,omitempty"`
	ContinueOnError bool              `yaml:"continue_on_error,omitempty" json:"continue_on_error,omitempty"`
	Timeout         Duration          `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	Env             map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
}

// Eligible reports whether the step runs for the given matrix entry.
// A step with no gate always runs. Gate evaluation is pure: the same
// entry always produces the same decision.
func (s Step) Eligible(entry MatrixEntry) bool {
	if s.If != nil {
		return s.If.Matches(entry)
	}
	if s.Unless != nil {
		return !s.Unless.Matches(entry)
	}
	return true
}

// Gate is a condition on a matrix entry. Every set field must match
// exactly; an unset field matches anything.
type Gate struct {
	OS      string `yaml:"os,omitempty" json:"os,omitempty"`
	Version string `yaml:"version,omitempty" json:"version,omitempty"`
}

// Matches reports whether the entry satisfies the gate.
func (g *Gate) Matches(entry MatrixEntry) bool {
	if g.OS != "" && g.OS != entry.OS {
		return false
	}
	if g.Version != "" && g.Version != entry.Version {
		return false
	}
	return true
}

func (g *Gate) empty() bool { return g.OS == "" && g.Version == "" }

// Duration wraps time.Duration so YAML definitions can say "90s" or
// "5m" directly.
type Duration time.Duration

// UnmarshalYAML parses a Go duration string.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var raw string
	if err := unmarshal(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return errors.Wrapf(err, "invalid duration %q", raw)
	}
	if parsed < 0 {
		return errors.Errorf("negative duration %q", raw)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }
