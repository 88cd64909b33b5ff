package applier

import (
	"github.com/jobpilot-dev/jobpilot/api/schemas"
	"github.com/jobpilot-dev/jobpilot/internal/domain"
	"github.com/jobpilot-dev/jobpilot/internal/filler"
)

// buildSteps turns a successful dynamic fill into a replayable step list.
// Steps carry profile answer keys, not literal values, so a recipe recorded
// from one applicant replays cleanly for any other. Unmapped fields leave
// no step; a future applicant with richer answers falls back to dynamic
// filling and records a new version.
func buildSteps(report schemas.FillReport, submit schemas.SubmitResult, profile schemas.Profile) []domain.RecipeStep {
	var steps []domain.RecipeStep
	for _, f := range report.Fields {
		if !f.Filled {
			continue
		}
		switch f.Kind {
		case schemas.FieldFile:
			steps = append(steps, domain.RecipeStep{
				Action:   domain.StepUpload,
				Selector: f.Selector,
				Value:    fileSlot(f.Value, profile),
			})
		case schemas.FieldSelect:
			if key, ok := filler.AnswerKey(f.Name+" "+f.Selector, profile.Answers); ok {
				steps = append(steps, domain.RecipeStep{
					Action:   domain.StepSelect,
					Selector: f.Selector,
					Value:    key,
				})
			}
		case schemas.FieldCheckbox, schemas.FieldRadio:
			steps = append(steps, domain.RecipeStep{
				Action:   domain.StepClick,
				Selector: f.Selector,
			})
		default:
			if key, ok := filler.AnswerKey(f.Name+" "+f.Selector, profile.Answers); ok {
				steps = append(steps, domain.RecipeStep{
					Action:   domain.StepFill,
					Selector: f.Selector,
					Value:    key,
				})
			}
		}
	}
	if submit.Clicked && submit.Selector != "" {
		steps = append(steps, domain.RecipeStep{
			Action:   domain.StepClick,
			Selector: submit.Selector,
		})
	}
	return steps
}

// fileSlot maps an uploaded path back to its profile slot name.
func fileSlot(path string, profile schemas.Profile) string {
	switch path {
	case profile.CoverPath:
		return "cover"
	default:
		return "resume"
	}
}

// resolveStepValue maps a recorded step back to concrete input for the
// current applicant. The second return is false when the profile cannot
// serve the step, which a replay treats as divergence.
func resolveStepValue(step domain.RecipeStep, profile schemas.Profile) (string, bool) {
	switch step.Action {
	case domain.StepFill, domain.StepSelect:
		v, ok := profile.Answers[step.Value]
		return v, ok && v != ""
	case domain.StepUpload:
		switch step.Value {
		case "cover":
			return profile.CoverPath, profile.CoverPath != ""
		default:
			return profile.ResumePath, profile.ResumePath != ""
		}
	}
	return "", true
}
