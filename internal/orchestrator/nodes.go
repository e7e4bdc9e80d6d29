// File: internal/orchestrator/nodes.go
// Description: The node implementations. Routing decisions consume only
// typed fields (booleans, confidences, enum tags); free-text model output is
// carried for humans but never parsed for control flow.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/helmsman/api/schemas"
	"github.com/xkilldash9x/helmsman/internal/blocker"
	"github.com/xkilldash9x/helmsman/internal/complexity"
	"github.com/xkilldash9x/helmsman/internal/correction"
	"github.com/xkilldash9x/helmsman/internal/replan"
	"github.com/xkilldash9x/helmsman/internal/verify"
)

// complexityCheck is the entry node. A continuing task with an unconsumed
// previous turn always verifies that turn first; a resumed task with a live
// plan picks the plan back up; only a fresh task is classified.
func (o *Orchestrator) complexityCheck(st *turnState) (node, error) {
	if st.prevTurn != nil && st.prevTurn.VerifiedAt == nil {
		return nodeVerification, nil
	}
	if st.prevTurn != nil && st.task.Plan != nil && !st.task.Plan.Exhausted() {
		// The validator decides whether the page the task wakes up on still
		// fits the surviving plan.
		return nodeReplanning, nil
	}

	st.complexity = complexity.Classify(st.task.Goal, st.prevTurn != nil, len(st.snapshot.Skeleton))
	o.log.Debug("Goal classified",
		zap.String("task_id", st.task.ID),
		zap.String("level", string(st.complexity.Level)),
		zap.String("reason", st.complexity.Reason))

	if st.complexity.Level == schemas.ComplexitySimple {
		return nodeDirectAction, nil
	}
	return nodeContextAnalysis, nil
}

// contextAnalysis asks whether the goal can be attempted at all with the
// information at hand. The analysis is advisory: a model failure here falls
// through to planning rather than killing the task.
func (o *Orchestrator) contextAnalysis(ctx context.Context, st *turnState) (node, error) {
	analysis, err := o.analyzeContext(ctx, st.task.Goal, st.snapshot)
	if err != nil {
		o.log.Warn("Context analysis unavailable, proceeding to planning",
			zap.String("task_id", st.task.ID), zap.Error(err))
		return nodePlanning, nil
	}
	if analysis.NeedsUserInput && len(analysis.RequiredInputs) > 0 {
		st.task.Status = schemas.TaskStatusNeedsUserInput
		st.reason = fmt.Sprintf("missing required input: %v", analysis.RequiredInputs)
		return nodeFinalize, nil
	}
	return nodePlanning, nil
}

// directAction is the SIMPLE fast path: one generation call, no plan, no
// outcome-prediction call. The expected outcome is a deterministic
// per-action-type statement so the next turn's verification still has an
// anchor.
func (o *Orchestrator) directAction(ctx context.Context, st *turnState) (node, error) {
	act, err := o.generateAction(ctx, st, schemas.TierFast)
	if err != nil {
		return nodeFinalize, err
	}
	if done := o.settleTerminal(st, act); done {
		return nodeFinalize, nil
	}
	st.action = act
	st.expected = defaultExpectation(act)
	return nodeFinalize, nil
}

// planning builds (or rebuilds) the ordered plan for a COMPLEX goal. A
// model failure here is fatal for the task: there is nothing to execute
// without a plan.
func (o *Orchestrator) planning(ctx context.Context, st *turnState) (node, error) {
	resp, err := o.generatePlan(ctx, st)
	if err != nil {
		return nodeFinalize, err
	}
	if len(resp.Steps) == 0 {
		return nodeFinalize, fmt.Errorf("planner returned an empty plan")
	}

	plan := &schemas.Plan{ID: uuid.NewString(), CreatedAt: time.Now().UTC()}
	for i, s := range resp.Steps {
		status := schemas.StepPending
		if i == 0 {
			status = schemas.StepActive
		}
		plan.Steps = append(plan.Steps, schemas.PlanStep{
			Index:           i,
			Description:     s.Description,
			Reasoning:       s.Reasoning,
			Tool:            normalizeTool(s.Tool),
			Status:          status,
			ExpectedOutcome: s.ExpectedOutcome,
		})
	}
	if err := plan.Validate(); err != nil {
		return nodeFinalize, err
	}
	st.task.Plan = plan

	// Sub-tasks are optional structure on top of the plan; a single entry
	// adds nothing over the goal itself.
	if len(resp.SubTasks) > 1 && st.task.SubTasks == nil {
		sp := &schemas.SubTaskPlan{}
		for _, desc := range resp.SubTasks {
			sp.SubTasks = append(sp.SubTasks, schemas.SubTask{
				ID:          uuid.NewString(),
				Description: desc,
				Status:      schemas.StepPending,
			})
		}
		st.task.SubTasks = sp
	}

	o.log.Info("Plan created",
		zap.String("task_id", st.task.ID),
		zap.String("plan_id", plan.ID),
		zap.Int("steps", len(plan.Steps)))
	return nodeStepRefinement, nil
}

// replanning validates the surviving plan against the page after a
// successful action. The structural diff keeps this free for unchanged
// pages; a model error here is fatal because a plan of unknown validity
// cannot be executed safely.
func (o *Orchestrator) replanning(ctx context.Context, st *turnState) (node, error) {
	plan := st.task.Plan
	if plan.Exhausted() {
		// All steps done but the goal did not verify as achieved: the plan
		// under-shot. Build a fresh one; the velocity breaker bounds this.
		st.task.Plan = nil
		return nodePlanning, nil
	}

	val, err := o.replanner.Validate(ctx, plan, st.prevTurn.Before, st.snapshot, o.cfg.Replan.SimilarityThreshold)
	if err != nil {
		return nodeFinalize, err
	}

	switch replan.DetermineReplanAction(val) {
	case schemas.ReplanContinue:
		return nodeStepRefinement, nil
	case schemas.ReplanModify:
		if err := replan.ApplyChanges(plan, val.SuggestedChanges); err != nil {
			o.log.Warn("Suggested plan changes were not applicable, regenerating",
				zap.String("task_id", st.task.ID), zap.Error(err))
			st.task.Plan = nil
			return nodePlanning, nil
		}
		if plan.Exhausted() {
			st.task.Plan = nil
			return nodePlanning, nil
		}
		return nodeStepRefinement, nil
	default:
		st.task.Plan = nil
		return nodePlanning, nil
	}
}

// stepRefinement turns the current plan step into a concrete action against
// the page as it is now. Failure to refine degrades to free-form generation
// rather than killing the turn.
func (o *Orchestrator) stepRefinement(ctx context.Context, st *turnState) (node, error) {
	step := st.task.Plan.CurrentStep()
	if step == nil {
		return nodeActionGeneration, nil
	}

	act, err := o.refineStep(ctx, st, step)
	if err != nil {
		o.log.Warn("Step refinement failed, falling back to free-form generation",
			zap.String("task_id", st.task.ID),
			zap.Int("step", step.Index),
			zap.Error(err))
		return nodeActionGeneration, nil
	}
	if done := o.settleTerminal(st, act); done {
		return nodeFinalize, nil
	}
	st.action = act
	st.expected = step.ExpectedOutcome
	return nodeOutcomePrediction, nil
}

// actionGeneration produces an action without a plan step: the continuing
// fast path, or the fallback when refinement fails.
func (o *Orchestrator) actionGeneration(ctx context.Context, st *turnState) (node, error) {
	act, err := o.generateAction(ctx, st, schemas.TierPowerful)
	if err != nil {
		return nodeFinalize, err
	}
	if done := o.settleTerminal(st, act); done {
		return nodeFinalize, nil
	}
	st.action = act
	return nodeOutcomePrediction, nil
}

// verification consumes the previous turn's action record. It owns every
// counter mutation and every circuit-breaker check; no other node touches
// the counters.
func (o *Orchestrator) verification(ctx context.Context, st *turnState) (node, error) {
	task := st.task
	prevAct, err := schemas.ParseAction(st.prevTurn.Action)
	if err != nil {
		return nodeFinalize, fmt.Errorf("recorded action %q is unreadable: %w", st.prevTurn.Action, err)
	}

	res, blk := o.verifier.Verify(ctx, verify.Input{
		Goal:            task.Goal,
		Action:          prevAct,
		Before:          st.prevTurn.Before,
		After:           st.snapshot,
		ExpectedOutcome: st.prevTurn.ExpectedOutcome,
		Observations:    st.obs,
		IsFinalStep:     isFinalStep(task.Plan, st.prevTurn.StepIndex),
		SubTask:         task.SubTasks.Current(),
	})
	st.verification = &res
	st.blockerHit = &blk
	st.verifiedTurnID = st.prevTurn.ID

	if blk.Detected && blocker.RequiresUserInput(blk.Type) {
		task.Blocker = &schemas.BlockerContext{
			Type:              blk.Type,
			Reason:            res.Reason,
			RequiredInputs:    blk.RequiredInputs,
			ResolutionMethods: blk.ResolutionMethods,
			DetectedAt:        time.Now().UTC(),
		}
		task.Status = schemas.TaskStatusAwaitingUser
		st.reason = fmt.Sprintf("paused: %s requires user intervention", blk.Type)
		return nodeFinalize, nil
	}
	if blk.Detected && blocker.AutoRetryable(blk.Type) {
		task.ConsecutiveFailures++
		st.delayHint = blk.RetryAfter
		return nodeCorrection, nil
	}

	// Circuit breakers, checked before any routing. The counters here
	// reflect completed rounds from previous turns.
	caps := o.cfg.Orchestrator
	if task.CorrectionAttempts >= caps.MaxCorrectionAttempts {
		st.fail(fmt.Sprintf("%s (%d)", reasonMaxCorrections, task.CorrectionAttempts))
		return nodeFinalize, nil
	}
	if task.ConsecutiveFailures >= caps.MaxConsecutiveFailures {
		st.fail(fmt.Sprintf("%s (%d)", reasonConsecutiveFailures, task.ConsecutiveFailures))
		return nodeFinalize, nil
	}
	if task.SuccessesWithoutCompletion >= caps.MaxSuccessWithoutCompletion {
		st.fail(fmt.Sprintf("%s (%d)", reasonNoProgress, task.SuccessesWithoutCompletion))
		return nodeFinalize, nil
	}

	vcfg := o.cfg.Verification
	if correctionRequired(res, vcfg.ActionSuccessThreshold) {
		task.ConsecutiveFailures++
		return nodeCorrection, nil
	}

	// Success: the failure-side counters reset; the velocity counter grows
	// until the goal verifies as achieved.
	task.ConsecutiveFailures = 0
	task.CorrectionAttempts = 0
	task.Blocker = nil

	if res.GoalAchieved(vcfg.GoalAchievedThreshold) {
		return nodeGoalAchieved, nil
	}

	task.SuccessesWithoutCompletion++

	if sub := task.SubTasks.Current(); sub != nil &&
		res.SubTaskCompleted != nil && *res.SubTaskCompleted &&
		res.Confidence >= vcfg.SubTaskThreshold {
		task.SubTasks.Advance()
	}
	if !task.Plan.Exhausted() {
		task.Plan.Advance(schemas.StepCompleted)
	}

	// Checked after the increment so the Nth success without completion is
	// the one that terminates.
	if task.SuccessesWithoutCompletion >= caps.MaxSuccessWithoutCompletion {
		st.fail(fmt.Sprintf("%s (%d)", reasonNoProgress, task.SuccessesWithoutCompletion))
		return nodeFinalize, nil
	}

	if task.Plan == nil {
		return nodeActionGeneration, nil
	}
	return nodeReplanning, nil
}

// goalAchieved closes the task out.
func (o *Orchestrator) goalAchieved(st *turnState) (node, error) {
	if !st.task.Plan.Exhausted() {
		st.task.Plan.Advance(schemas.StepCompleted)
	}
	message := "goal achieved"
	if st.verification != nil && st.verification.Reason != "" {
		message = st.verification.Reason
	}
	st.complete(message)
	o.log.Info("Task completed", zap.String("task_id", st.task.ID), zap.String("reason", message))
	return nodeFinalize, nil
}

// correction proposes a retry for the failed step. The attempt cap is
// enforced here as well as at verification entry, so transient-blocker
// retries (which bypass the breaker block) stay bounded too.
func (o *Orchestrator) correction(ctx context.Context, st *turnState) (node, error) {
	task := st.task
	if task.CorrectionAttempts >= o.cfg.Orchestrator.MaxCorrectionAttempts {
		st.fail(fmt.Sprintf("%s (%d)", reasonMaxCorrections, task.CorrectionAttempts))
		return nodeFinalize, nil
	}
	task.CorrectionAttempts++

	prior, err := o.store.RecentCorrections(ctx, task.ID, o.cfg.Orchestrator.MaxCorrectionAttempts)
	if err != nil {
		o.log.Warn("Prior corrections unavailable", zap.String("task_id", task.ID), zap.Error(err))
		prior = nil
	}

	res, err := o.corrector.Propose(ctx, correction.Request{
		Goal:          task.Goal,
		Step:          task.Plan.CurrentStep(),
		Verification:  *st.verification,
		Snapshot:      st.snapshot,
		PriorAttempts: prior,
		DelayHint:     st.delayHint,
	})
	if err != nil {
		st.fail(fmt.Sprintf("correction failed: %v", err))
		return nodeFinalize, nil
	}
	st.correctionRes = &res
	st.action = res.RetryAction
	return nodeOutcomePrediction, nil
}

// outcomePrediction records what the action is expected to do, so the next
// turn's verification has an anchor. A plan step's own expectation makes
// the model call unnecessary; a prediction failure degrades to the
// per-action-type default.
func (o *Orchestrator) outcomePrediction(ctx context.Context, st *turnState) (node, error) {
	if st.expected != "" {
		return nodeFinalize, nil
	}
	predicted, err := o.predictOutcome(ctx, st)
	if err != nil {
		o.log.Warn("Outcome prediction unavailable, using default expectation",
			zap.String("task_id", st.task.ID), zap.Error(err))
		st.expected = defaultExpectation(st.action)
		return nodeFinalize, nil
	}
	st.expected = predicted
	return nodeFinalize, nil
}

// settleTerminal handles a generated finish() or fail(): the model declared
// the task over, so the task closes instead of sending the client a
// terminal action to "execute".
func (o *Orchestrator) settleTerminal(st *turnState, act schemas.Action) bool {
	switch act.Kind {
	case schemas.ActionFinish:
		st.complete(act.Text)
		return true
	case schemas.ActionFail:
		st.fail(act.Text)
		return true
	}
	return false
}

// correctionRequired is the routing predicate for a consumed verification:
// a below-threshold result, or an explicit correction override even when the
// action itself counts as a success.
func correctionRequired(res schemas.VerificationResult, threshold float64) bool {
	return !res.Success(threshold) || res.RouteToCorrection
}

// isFinalStep reports whether the recorded step index was the plan's last.
func isFinalStep(plan *schemas.Plan, stepIndex int) bool {
	return plan != nil && len(plan.Steps) > 0 && stepIndex == len(plan.Steps)-1
}

func normalizeTool(raw string) schemas.ToolType {
	switch schemas.ToolType(raw) {
	case schemas.ToolServer:
		return schemas.ToolServer
	case schemas.ToolMixed:
		return schemas.ToolMixed
	}
	return schemas.ToolPage
}

// defaultExpectation is the zero-cost per-action-type outcome statement.
func defaultExpectation(a schemas.Action) string {
	switch a.Kind {
	case schemas.ActionClick:
		return fmt.Sprintf("element %d responds: a dialog, menu, navigation or content change", a.ElementID)
	case schemas.ActionSetValue:
		return fmt.Sprintf("element %d holds the entered value", a.ElementID)
	case schemas.ActionNavigate:
		return fmt.Sprintf("the browser is at %s", a.Text)
	case schemas.ActionScroll:
		return "further content is in view"
	case schemas.ActionWait:
		return "pending page activity has settled"
	}
	return "an observable page change"
}
