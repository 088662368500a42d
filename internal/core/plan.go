package core

// StepDecision is the static eligibility of one step for one matrix
// entry, together with its fatality.
type StepDecision struct {
	Step     string `json:"step"`
	Phase    Phase  `json:"phase"`
	Eligible bool   `json:"eligible"`
	Fatal    bool   `json:"fatal"`
}

// EntryPlan lists every step decision for one matrix entry.
type EntryPlan struct {
	Entry     MatrixEntry    `json:"entry"`
	Decisions []StepDecision `json:"decisions"`
}

// Plan computes the eligibility of every step for every matrix entry
// without executing anything. The plan depends only on the definition:
// the same pipeline always yields the same plan, which is what makes
// re-running a trigger against an unchanged definition reproducible.
func Plan(pipeline *Pipeline) []EntryPlan {
	plans := make([]EntryPlan, 0, len(pipeline.Matrix))
	for _, entry := range pipeline.Matrix {
		plan := EntryPlan{
			Entry:     entry,
			Decisions: make([]StepDecision, 0, len(pipeline.Steps)),
		}
		for _, step := range pipeline.Steps {
			plan.Decisions = append(plan.Decisions, StepDecision{
				Step:     step.Name,
				Phase:    step.EffectivePhase(),
				Eligible: step.Eligible(entry),
				Fatal:    !step.ContinueOnError,
			})
		}
		plans = append(plans, plan)
	}
	return plans
}
