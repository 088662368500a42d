package core

import (
	"bytes"
	"os"

	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"matrixci/internal/secrets"
)

// ParsePipeline decodes YAML content into a validated Pipeline.
// Unknown fields are rejected so a typoed gate or matrix key fails
// loudly instead of silently always-matching.
func ParsePipeline(data []byte) (*Pipeline, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var pipeline Pipeline
	if err := dec.Decode(&pipeline); err != nil {
		return nil, errors.Wrap(err, "parsing pipeline")
	}
	if err := pipeline.Validate(); err != nil {
		return nil, err
	}
	return &pipeline, nil
}

// LoadPipeline reads a pipeline definition file and parses it.
func LoadPipeline(path string) (*Pipeline, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s", path)
	}
	pipeline, err := ParsePipeline(data)
	if err != nil {
		return nil, errors.Wrap(err, path)
	}
	return pipeline, nil
}

// Validate checks the structural invariants of a definition. A
// pipeline that passes Validate cannot fail during matrix expansion
// or gate evaluation.
func (p *Pipeline) Validate() error {
	if p.Name == "" {
		return errors.New("pipeline name must be set")
	}
	if err := p.On.validate(); err != nil {
		return err
	}
	if err := validateMatrix(p.Matrix); err != nil {
		return err
	}
	return validateSteps(p.Steps)
}

func (t Triggers) validate() error {
	if t.Push == nil && t.PullRequest == nil && t.Schedule == "" && !t.Manual {
		return errors.New("pipeline declares no triggers")
	}
	if t.Push != nil && len(t.Push.Branches) == 0 {
		return errors.New("push trigger has no branches")
	}
	if t.PullRequest != nil && len(t.PullRequest.Branches) == 0 {
		return errors.New("pull_request trigger has no branches")
	}
	if t.Schedule != "" {
		if _, err := cron.ParseStandard(t.Schedule); err != nil {
			return errors.Wrapf(err, "invalid schedule %q", t.Schedule)
		}
	}
	return nil
}

func validateMatrix(matrix []MatrixEntry) error {
	if len(matrix) == 0 {
		return errors.New("matrix must have at least one entry")
	}
	seen := make(map[MatrixEntry]bool, len(matrix))
	for i, entry := range matrix {
		if entry.OS == "" || entry.Version == "" {
			return errors.Errorf("matrix entry %d: os and version must both be set", i)
		}
		if seen[entry] {
			return errors.Errorf("duplicate matrix entry %s", entry)
		}
		seen[entry] = true
	}
	return nil
}

func validateSteps(steps []Step) error {
	if len(steps) == 0 {
		return errors.New("pipeline has no steps")
	}
	names := make(map[string]bool, len(steps))
	lastRank := 0
	for i, step := range steps {
		if step.Name == "" {
			return errors.Errorf("step %d has no name", i)
		}
		if names[step.Name] {
			return errors.Errorf("duplicate step name %q", step.Name)
		}
		names[step.Name] = true

		if step.Run == "" {
			return errors.Errorf("step %q has no run command", step.Name)
		}

		phase := step.Phase
		if phase == "" {
			phase = PhaseProvision
		}
		if !phase.valid() {
			return errors.Errorf("step %q: unknown phase %q", step.Name, step.Phase)
		}
		if phase.rank() < lastRank {
			return errors.Errorf("step %q: phase %s appears after a later phase", step.Name, phase)
		}
		lastRank = phase.rank()

		if step.If != nil && step.Unless != nil {
			return errors.Errorf("step %q sets both if and unless", step.Name)
		}
		if step.If != nil && step.If.empty() {
			return errors.Errorf("step %q has an empty if gate", step.Name)
		}
		if step.Unless != nil && step.Unless.empty() {
			return errors.Errorf("step %q has an empty unless gate", step.Name)
		}

		// Secrets are only expanded in env values. A reference
		// anywhere else would reach the shell verbatim, so reject it
		// up front.
		if secrets.HasRef(step.Name) || secrets.HasRef(step.Run) {
			return errors.Errorf("step %q: secret references are only allowed in env values", step.Name)
		}
		for _, gate := range []*Gate{step.If, step.Unless} {
			if gate != nil && (secrets.HasRef(gate.OS) || secrets.HasRef(gate.Version)) {
				return errors.Errorf("step %q: secret references are only allowed in env values", step.Name)
			}
		}
	}
	return nil
}

// EffectivePhase returns the step's phase with the default applied.
func (s Step) EffectivePhase() Phase {
	if s.Phase == "" {
		return PhaseProvision
	}
	return s.Phase
}
