// File: internal/replan/replan.go
// Description: Decides, after a navigation or a large page change, whether
// a plan's remaining steps are still executable. The structural diff gates
// the (expensive) model evaluation: an unchanged page validates the plan at
// zero cost.
package replan

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/xkilldash9x/helmsman/api/schemas"
	"github.com/xkilldash9x/helmsman/internal/domdiff"
	"github.com/xkilldash9x/helmsman/internal/llmutil"
)

// Validator checks plan viability after page changes.
type Validator struct {
	log      *zap.Logger
	diff     *domdiff.Engine
	reasoner schemas.Reasoner
}

// New creates a re-planning validator.
func New(logger *zap.Logger, diff *domdiff.Engine, reasoner schemas.Reasoner) *Validator {
	return &Validator{log: logger.Named("replan"), diff: diff, reasoner: reasoner}
}

// assessment is the model's verdict over the remaining steps.
type assessment struct {
	Verdict          string               `json:"verdict"` // "valid", "minor_changes" or "invalid".
	Reason           string               `json:"reason"`
	SuggestedChanges []schemas.PlanChange `json:"suggested_changes,omitempty"`
}

// Validate runs the structural diff first; only a triggered diff pays for a
// model call. An error from the model here is fatal for the turn (the
// orchestrator finalizes), because continuing with a plan of unknown
// validity compounds the damage.
func (v *Validator) Validate(
	ctx context.Context,
	plan *schemas.Plan,
	prev schemas.PageSnapshot,
	curr schemas.PageSnapshot,
	threshold float64,
) (schemas.ReplanValidation, error) {
	sim := v.diff.Similarity(prev.Skeleton, curr.Skeleton, threshold)
	urlMoved := domdiff.HasSignificantURLChange(prev.URL, curr.URL)

	if !sim.ShouldReplan && !urlMoved {
		return schemas.ReplanValidation{Triggered: false, PlanValid: true, Reason: "page structurally unchanged"}, nil
	}

	var triggers []string
	if urlMoved {
		triggers = append(triggers, fmt.Sprintf("url changed from %s to %s", prev.URL, curr.URL))
	}
	if sim.Score < threshold {
		triggers = append(triggers, fmt.Sprintf("similarity %.2f below threshold %.2f", sim.Score, threshold))
	}
	triggers = append(triggers, sim.StructuralChanges...)

	remaining := plan.RemainingSteps()
	if len(remaining) == 0 {
		// Nothing left to invalidate.
		return schemas.ReplanValidation{
			Triggered:      true,
			PlanValid:      true,
			Reason:         "plan exhausted; nothing to validate",
			TriggerReasons: triggers,
		}, nil
	}

	verdict, err := v.evaluate(ctx, remaining, curr, triggers)
	if err != nil {
		return schemas.ReplanValidation{}, err
	}
	verdict.Triggered = true
	verdict.TriggerReasons = triggers

	v.log.Info("Plan validated after page change",
		zap.Bool("plan_valid", verdict.PlanValid),
		zap.Int("suggested_changes", len(verdict.SuggestedChanges)),
		zap.Strings("triggers", triggers))
	return verdict, nil
}

// evaluate asks the model whether the remaining steps still apply to the
// page the agent is now looking at.
func (v *Validator) evaluate(
	ctx context.Context,
	remaining []schemas.PlanStep,
	curr schemas.PageSnapshot,
	triggers []string,
) (schemas.ReplanValidation, error) {
	var sb strings.Builder
	sb.WriteString("The page changed while executing a plan. Triggers:\n")
	for _, t := range triggers {
		fmt.Fprintf(&sb, "  - %s\n", t)
	}
	sb.WriteString("Remaining steps:\n")
	for _, s := range remaining {
		fmt.Fprintf(&sb, "  %d. %s\n", s.Index, s.Description)
	}
	fmt.Fprintf(&sb, "Current URL: %s\nPage summary:\n%s\n", curr.URL, pageSummary(curr))

	response, err := v.reasoner.Generate(ctx, schemas.GenerationRequest{
		SystemPrompt: replanSystemPrompt,
		UserPrompt:   sb.String(),
		Tier:         schemas.TierFast,
		Options:      schemas.GenerationOptions{ForceJSONFormat: true, Temperature: 0.2},
	})
	if err != nil {
		return schemas.ReplanValidation{}, fmt.Errorf("plan validation call failed: %w", err)
	}
	a, err := llmutil.ParseJSONResponse[assessment](response)
	if err != nil {
		return schemas.ReplanValidation{}, fmt.Errorf("plan validation response unparsable: %w", err)
	}

	switch strings.ToLower(strings.TrimSpace(a.Verdict)) {
	case "valid":
		return schemas.ReplanValidation{PlanValid: true, Reason: a.Reason}, nil
	case "minor_changes":
		return schemas.ReplanValidation{PlanValid: true, Reason: a.Reason, SuggestedChanges: a.SuggestedChanges}, nil
	case "invalid":
		return schemas.ReplanValidation{PlanValid: false, Reason: a.Reason}, nil
	}
	return schemas.ReplanValidation{}, fmt.Errorf("plan validation returned unknown verdict %q", a.Verdict)
}

const replanSystemPrompt = `You validate whether the remaining steps of a browser-automation plan are still executable on the page as it is now.
Respond with a single JSON object:
{"verdict": "valid"|"minor_changes"|"invalid", "reason": string,
 "suggested_changes": [{"kind": "skip_step"|"change_step", "step_index": int, "new_description": string}]}.
Use "minor_changes" only for skipping a now-redundant step or rewording a step; anything larger is "invalid".`

// DetermineReplanAction maps a validation to the routing decision. "modify"
// fires only when every suggested change is a recognized minor edit;
// anything else escalates to regeneration.
func DetermineReplanAction(v schemas.ReplanValidation) schemas.ReplanAction {
	if !v.Triggered || (v.PlanValid && len(v.SuggestedChanges) == 0) {
		return schemas.ReplanContinue
	}
	if !v.PlanValid {
		return schemas.ReplanRegenerate
	}
	for _, c := range v.SuggestedChanges {
		switch c.Kind {
		case schemas.ChangeSkipStep:
		case schemas.ChangeRewordStep:
			if strings.TrimSpace(c.NewDescription) == "" {
				return schemas.ReplanRegenerate
			}
		default:
			return schemas.ReplanRegenerate
		}
	}
	return schemas.ReplanModify
}

// ApplyChanges patches a plan in place. Only not-yet-executed steps may be
// edited, and no index gaps are ever introduced: skipping marks the step
// rather than removing it.
func ApplyChanges(plan *schemas.Plan, changes []schemas.PlanChange) error {
	for _, c := range changes {
		if c.StepIndex < 0 || c.StepIndex >= len(plan.Steps) {
			return fmt.Errorf("change targets step %d outside plan of %d steps", c.StepIndex, len(plan.Steps))
		}
		if c.StepIndex < plan.Cursor {
			return fmt.Errorf("change targets already-executed step %d (cursor %d)", c.StepIndex, plan.Cursor)
		}
		step := &plan.Steps[c.StepIndex]
		switch c.Kind {
		case schemas.ChangeSkipStep:
			step.Status = schemas.StepSkipped
		case schemas.ChangeRewordStep:
			step.Description = c.NewDescription
		default:
			return fmt.Errorf("unrecognized plan change kind %q", c.Kind)
		}
	}
	// Move the cursor past any freshly skipped current steps.
	for cur := plan.CurrentStep(); cur != nil && cur.Status == schemas.StepSkipped; cur = plan.CurrentStep() {
		plan.Cursor++
	}
	return nil
}

func pageSummary(s schemas.PageSnapshot) string {
	text := strings.TrimSpace(s.Text)
	if len(text) > 1200 {
		text = text[:1200] + "..."
	}
	if len(s.Interactive) == 0 {
		return text
	}
	var sb strings.Builder
	sb.WriteString(text)
	sb.WriteString("\nInteractive elements:\n")
	for _, el := range s.Interactive {
		fmt.Fprintf(&sb, "  [%d] <%s> %s\n", el.ID, el.Tag, el.Label)
	}
	return sb.String()
}
