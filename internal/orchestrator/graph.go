// File: internal/orchestrator/graph.go
// Description: The node graph. Each node is a function that mutates the
// turn state and names its successor; the runner walks the graph until it
// reaches finalize. A panic or error inside any node degrades the task to
// failed instead of crashing the process.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/helmsman/api/schemas"
)

type node string

const (
	nodeComplexityCheck   node = "complexity_check"
	nodeContextAnalysis   node = "context_analysis"
	nodeDirectAction      node = "direct_action"
	nodePlanning          node = "planning"
	nodeReplanning        node = "replanning"
	nodeStepRefinement    node = "step_refinement"
	nodeActionGeneration  node = "action_generation"
	nodeVerification      node = "verification"
	nodeGoalAchieved      node = "goal_achieved"
	nodeCorrection        node = "correction"
	nodeOutcomePrediction node = "outcome_prediction"
	nodeFinalize          node = "finalize"
)

// Distinct termination reasons for the three circuit breakers. Tests and
// operators tell them apart by these strings.
const (
	reasonMaxCorrections      = "correction attempts exhausted for the current step"
	reasonConsecutiveFailures = "too many consecutive action failures"
	reasonNoProgress          = "actions keep succeeding but the task is not completing"
)

// maxTransitions bounds a single turn through the graph. The longest legal
// path is seven nodes; anything past this is a routing bug, not progress.
const maxTransitions = 12

// turnState is the scratch space for one walk through the graph. It starts
// from the immutable inputs and accumulates this turn's outputs.
type turnState struct {
	task     *schemas.Task
	snapshot schemas.PageSnapshot
	obs      schemas.ClientObservations
	prevTurn *schemas.ActionTurn

	action         schemas.Action
	expected       string
	reason         string
	verification   *schemas.VerificationResult
	blockerHit     *schemas.BlockerDetectionResult
	correctionRes  *schemas.CorrectionResult
	complexity     schemas.ComplexityResult
	delayHint      time.Duration
	verifiedTurnID string
	trace          []string
}

// fail terminates the task with a reason and a fail() action for the client.
func (st *turnState) fail(reason string) {
	st.task.Status = schemas.TaskStatusFailed
	st.reason = reason
	st.action = schemas.Fail(reason)
}

// complete terminates the task successfully.
func (st *turnState) complete(message string) {
	st.task.Status = schemas.TaskStatusCompleted
	st.reason = message
	st.action = schemas.Finish(message)
}

func (o *Orchestrator) runGraph(ctx context.Context, st *turnState) {
	cur := nodeComplexityCheck
	for i := 0; i < maxTransitions; i++ {
		if cur == nodeFinalize {
			return
		}
		st.trace = append(st.trace, string(cur))
		next, err := o.step(ctx, cur, st)
		if err != nil {
			o.log.Error("Node failed, terminating task",
				zap.String("task_id", st.task.ID),
				zap.String("node", string(cur)),
				zap.Error(err))
			st.fail(fmt.Sprintf("%s: %v", cur, err))
			return
		}
		cur = next
	}
	o.log.Error("State machine exceeded its transition budget",
		zap.String("task_id", st.task.ID),
		zap.Strings("trace", st.trace))
	st.fail("internal routing error: transition budget exceeded")
}

// step dispatches one node with panic containment at the boundary.
func (o *Orchestrator) step(ctx context.Context, cur node, st *turnState) (next node, err error) {
	defer func() {
		if r := recover(); r != nil {
			o.log.Error("Node panicked",
				zap.String("node", string(cur)),
				zap.Any("panic", r),
				zap.Stack("stack"))
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	switch cur {
	case nodeComplexityCheck:
		return o.complexityCheck(st)
	case nodeContextAnalysis:
		return o.contextAnalysis(ctx, st)
	case nodeDirectAction:
		return o.directAction(ctx, st)
	case nodePlanning:
		return o.planning(ctx, st)
	case nodeReplanning:
		return o.replanning(ctx, st)
	case nodeStepRefinement:
		return o.stepRefinement(ctx, st)
	case nodeActionGeneration:
		return o.actionGeneration(ctx, st)
	case nodeVerification:
		return o.verification(ctx, st)
	case nodeGoalAchieved:
		return o.goalAchieved(st)
	case nodeCorrection:
		return o.correction(ctx, st)
	case nodeOutcomePrediction:
		return o.outcomePrediction(ctx, st)
	}
	return nodeFinalize, fmt.Errorf("unknown node %q", cur)
}
