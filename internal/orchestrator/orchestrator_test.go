// File: internal/orchestrator/orchestrator_test.go
package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/xkilldash9x/helmsman/api/schemas"
	"github.com/xkilldash9x/helmsman/internal/store"
)

const (
	planTwoSteps = `{"steps": [
		{"description": "open the product page", "tool": "page", "expected_outcome": "the product page is open"},
		{"description": "add the item to the cart", "tool": "page", "expected_outcome": "the cart badge increments"}
	]}`
	analysisOK = `{"needs_user_input": false, "analysis": "everything needed is on the page"}`
)

// seedTask stores a task and, optionally, one unverified action turn whose
// "before" snapshot is the given page.
func seedTask(t *testing.T, mem *store.Memory, task *schemas.Task, action string, before schemas.PageSnapshot) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, mem.SaveTask(ctx, task))
	if action != "" {
		require.NoError(t, mem.AppendTurn(ctx, &schemas.ActionTurn{
			ID:        "turn-1",
			TaskID:    task.ID,
			Action:    action,
			Before:    before,
			StepIndex: -1,
			CreatedAt: time.Now().UTC(),
		}))
	}
}

func TestHandleTurnSimpleGoalFastPath(t *testing.T) {
	defer goleak.VerifyNone(t)
	mem := store.NewMemory()
	o, reasoner := newTestOrchestrator(t, mem,
		respond(`{"action": "click(2)", "reasoning": "the submit button is element 2"}`))

	resp, err := o.HandleTurn(context.Background(), TurnRequest{
		Goal:     "click the submit button",
		Snapshot: page("https://forms.test/apply", "h1", "Application form"),
	})

	require.NoError(t, err)
	reasoner.assertDrained()
	assert.Equal(t, schemas.TaskStatusActive, resp.Status)
	assert.Equal(t, "click(2)", resp.Action)
	assert.Contains(t, resp.Trace, "direct_action")
	assert.NotContains(t, resp.Trace, "planning")

	turns := mem.Turns(resp.TaskID)
	require.Len(t, turns, 1)
	assert.Equal(t, -1, turns[0].StepIndex)
	assert.NotEmpty(t, turns[0].ExpectedOutcome, "the fast path records a default expectation")
	assert.Nil(t, turns[0].VerifiedAt)
}

func TestHandleTurnComplexGoalProducesPlan(t *testing.T) {
	mem := store.NewMemory()
	o, reasoner := newTestOrchestrator(t, mem,
		respond(analysisOK),
		respond(planTwoSteps),
		respond(`{"action": "click(1)", "reasoning": "open the product"}`))

	resp, err := o.HandleTurn(context.Background(), TurnRequest{
		Goal:     "purchase a pair of running shoes",
		Snapshot: page("https://shop.test/", "h1", "Running shoes on sale"),
	})

	require.NoError(t, err)
	reasoner.assertDrained()
	assert.Equal(t, "click(1)", resp.Action)
	assert.Contains(t, resp.Trace, "planning")
	assert.Contains(t, resp.Trace, "step_refinement")

	task, err := mem.LoadTask(context.Background(), resp.TaskID)
	require.NoError(t, err)
	require.NotNil(t, task.Plan)
	require.Len(t, task.Plan.Steps, 2)
	assert.Equal(t, 0, task.Plan.Cursor)
	assert.Equal(t, schemas.StepActive, task.Plan.Steps[0].Status)

	turns := mem.Turns(resp.TaskID)
	require.Len(t, turns, 1)
	assert.Equal(t, 0, turns[0].StepIndex)
	// The plan step supplied the expectation, so no prediction call was made.
	assert.Equal(t, "the product page is open", turns[0].ExpectedOutcome)
}

func TestHandleTurnVerifiesPreviousTurnAndAdvances(t *testing.T) {
	defer goleak.VerifyNone(t)
	mem := store.NewMemory()
	before := page("https://shop.test/", "h1", "Running shoes on sale")
	o, reasoner := newTestOrchestrator(t, mem,
		respond(analysisOK),
		respond(planTwoSteps),
		respond(`{"action": "click(1)"}`),
		// Turn 2: full-tier verification, then refinement of step 1.
		respond(`{"action_succeeded": true, "task_completed": false, "confidence": 0.9, "reason": "product page opened"}`),
		respond(`{"action": "click(5)"}`))

	first, err := o.HandleTurn(context.Background(), TurnRequest{Goal: "purchase a pair of running shoes", Snapshot: before})
	require.NoError(t, err)

	second, err := o.HandleTurn(context.Background(), TurnRequest{
		TaskID:       first.TaskID,
		Snapshot:     page("https://shop.test/", "h2", "Trail runner X, add to cart"),
		Observations: schemas.ClientObservations{Reported: true, DOMMutated: true},
	})

	require.NoError(t, err)
	reasoner.assertDrained()
	assert.Contains(t, second.Trace, "verification")
	require.NotNil(t, second.Verification)
	assert.True(t, second.Verification.ActionSucceeded)
	assert.Equal(t, "click(5)", second.Action)

	task, err := mem.LoadTask(context.Background(), first.TaskID)
	require.NoError(t, err)
	assert.Equal(t, 1, task.Plan.Cursor, "the verified step advanced")
	assert.Equal(t, schemas.StepCompleted, task.Plan.Steps[0].Status)
	assert.Equal(t, 1, task.SuccessesWithoutCompletion)
	assert.Zero(t, task.ConsecutiveFailures)

	turns := mem.Turns(first.TaskID)
	require.Len(t, turns, 2)
	assert.NotNil(t, turns[0].VerifiedAt, "a turn is consumed exactly once")
	assert.Nil(t, turns[1].VerifiedAt)
	assert.Len(t, mem.Verifications(first.TaskID), 1)
}

func TestHandleTurnGoalAchieved(t *testing.T) {
	mem := store.NewMemory()
	before := page("https://news.test/", "h1", "Subscribe for updates")
	o, reasoner := newTestOrchestrator(t, mem,
		respond(`{"action": "click(3)"}`),
		respond(`{"action_succeeded": true, "task_completed": true, "confidence": 0.92, "reason": "subscription confirmed"}`))

	first, err := o.HandleTurn(context.Background(), TurnRequest{Goal: "click the subscribe button", Snapshot: before})
	require.NoError(t, err)

	second, err := o.HandleTurn(context.Background(), TurnRequest{
		TaskID:       first.TaskID,
		Snapshot:     page("https://news.test/", "h2", "Thanks, you are subscribed"),
		Observations: schemas.ClientObservations{Reported: true, DOMMutated: true},
	})

	require.NoError(t, err)
	reasoner.assertDrained()
	assert.Equal(t, schemas.TaskStatusCompleted, second.Status)
	assert.Equal(t, "subscription confirmed", second.Reason)
	assert.Contains(t, second.Action, "finish(")

	task, err := mem.LoadTask(context.Background(), first.TaskID)
	require.NoError(t, err)
	assert.Equal(t, schemas.TaskStatusCompleted, task.Status)
}

func TestHandleTurnFailureRoutesToCorrection(t *testing.T) {
	mem := store.NewMemory()
	before := page("https://forms.test/", "samehash", "Application form")
	o, reasoner := newTestOrchestrator(t, mem,
		respond(`{"action": "click(2)"}`),
		// Turn 2: deterministic failure, then the correction proposal and its
		// outcome prediction.
		respond(`{"strategy": "alternative_selector", "reason": "element 2 is decorative, 9 is the real control", "retry_action": "click(9)"}`),
		respond(`{"expected_outcome": "the form submits"}`))

	first, err := o.HandleTurn(context.Background(), TurnRequest{Goal: "click the submit button", Snapshot: before})
	require.NoError(t, err)

	// Identical content hash and no client signals: the click cannot have
	// worked.
	second, err := o.HandleTurn(context.Background(), TurnRequest{
		TaskID:   first.TaskID,
		Snapshot: page("https://forms.test/", "samehash", "Application form"),
	})

	require.NoError(t, err)
	reasoner.assertDrained()
	assert.Equal(t, schemas.TaskStatusActive, second.Status)
	assert.Equal(t, "click(9)", second.Action)
	require.NotNil(t, second.Correction)
	assert.Equal(t, 1, second.Correction.Attempt)
	assert.Contains(t, second.Trace, "correction")

	task, err := mem.LoadTask(context.Background(), first.TaskID)
	require.NoError(t, err)
	assert.Equal(t, 1, task.ConsecutiveFailures)
	assert.Equal(t, 1, task.CorrectionAttempts)

	prior, err := mem.RecentCorrections(context.Background(), first.TaskID, 3)
	require.NoError(t, err)
	assert.Len(t, prior, 1)
}

func TestHandleTurnCorrectionCapBreaker(t *testing.T) {
	mem := store.NewMemory()
	before := page("https://forms.test/", "samehash", "Application form")
	seedTask(t, mem, &schemas.Task{
		ID: "t-cap", Goal: "click the submit button",
		Status:             schemas.TaskStatusActive,
		CorrectionAttempts: 3,
	}, "click(2)", before)

	o, reasoner := newTestOrchestrator(t, mem)
	resp, err := o.HandleTurn(context.Background(), TurnRequest{
		TaskID:   "t-cap",
		Snapshot: page("https://forms.test/", "samehash", "Application form"),
	})

	require.NoError(t, err)
	reasoner.assertDrained()
	assert.Equal(t, schemas.TaskStatusFailed, resp.Status)
	assert.Contains(t, resp.Reason, "correction attempts exhausted")
	assert.Contains(t, resp.Action, "fail(")
}

func TestHandleTurnConsecutiveFailureBreaker(t *testing.T) {
	mem := store.NewMemory()
	before := page("https://forms.test/", "samehash", "Application form")
	seedTask(t, mem, &schemas.Task{
		ID: "t-fails", Goal: "click the submit button",
		Status:              schemas.TaskStatusActive,
		ConsecutiveFailures: 3,
	}, "click(2)", before)

	o, _ := newTestOrchestrator(t, mem)
	resp, err := o.HandleTurn(context.Background(), TurnRequest{
		TaskID:   "t-fails",
		Snapshot: page("https://forms.test/", "samehash", "Application form"),
	})

	require.NoError(t, err)
	assert.Equal(t, schemas.TaskStatusFailed, resp.Status)
	assert.Contains(t, resp.Reason, "too many consecutive action failures")
}

func TestHandleTurnNoProgressBreaker(t *testing.T) {
	mem := store.NewMemory()
	before := page("https://wiki.test/a", "h1", "Article A")
	seedTask(t, mem, &schemas.Task{
		ID: "t-velocity", Goal: "research the topic",
		Status:                     schemas.TaskStatusActive,
		SuccessesWithoutCompletion: 4,
	}, `navigate("https://wiki.test/b")`, before)

	o, reasoner := newTestOrchestrator(t, mem)
	// The navigation verifies as a success deterministically; the fifth
	// success without completion trips the breaker on the same turn.
	resp, err := o.HandleTurn(context.Background(), TurnRequest{
		TaskID:   "t-velocity",
		Snapshot: page("https://wiki.test/b", "h2", "Article B"),
	})

	require.NoError(t, err)
	reasoner.assertDrained()
	assert.Equal(t, schemas.TaskStatusFailed, resp.Status)
	assert.Contains(t, resp.Reason, "not completing")
	require.NotNil(t, resp.Verification)
	assert.True(t, resp.Verification.ActionSucceeded, "the breaker fires on a succeeding action")

	task, err := mem.LoadTask(context.Background(), "t-velocity")
	require.NoError(t, err)
	assert.Equal(t, 5, task.SuccessesWithoutCompletion)
}

func TestHandleTurnCaptchaPausesTask(t *testing.T) {
	mem := store.NewMemory()
	before := page("https://shop.test/search", "h1", "Results")
	seedTask(t, mem, &schemas.Task{
		ID: "t-captcha", Goal: "search for shoes",
		Status: schemas.TaskStatusActive,
	}, "click(1)", before)

	o, _ := newTestOrchestrator(t, mem)
	resp, err := o.HandleTurn(context.Background(), TurnRequest{
		TaskID:   "t-captcha",
		Snapshot: page("https://shop.test/search", "h2", "Please complete the captcha to continue"),
	})

	require.NoError(t, err)
	assert.Equal(t, schemas.TaskStatusAwaitingUser, resp.Status)
	assert.Empty(t, resp.Action, "a paused turn sends the client nothing to execute")
	require.NotNil(t, resp.Blocker)
	assert.Equal(t, schemas.BlockerCaptcha, resp.Blocker.Type)
	assert.Contains(t, resp.Blocker.RequiredInputs, "captcha_solution")

	task, err := mem.LoadTask(context.Background(), "t-captcha")
	require.NoError(t, err)
	assert.Equal(t, schemas.TaskStatusAwaitingUser, task.Status)
	require.NotNil(t, task.Blocker)

	// The pause still consumed the turn; resuming must not verify it again.
	turns := mem.Turns("t-captcha")
	require.Len(t, turns, 1)
	assert.NotNil(t, turns[0].VerifiedAt)
}

func TestHandleTurnResumesPausedTask(t *testing.T) {
	mem := store.NewMemory()
	seedTask(t, mem, &schemas.Task{
		ID: "t-paused", Goal: "click the resume button",
		Status: schemas.TaskStatusAwaitingUser,
		Blocker: &schemas.BlockerContext{
			Type: schemas.BlockerCaptcha, Reason: "captcha", DetectedAt: time.Now().UTC(),
		},
	}, "", schemas.PageSnapshot{})

	o, reasoner := newTestOrchestrator(t, mem,
		respond(`{"action": "click(2)"}`))

	resp, err := o.HandleTurn(context.Background(), TurnRequest{
		TaskID:   "t-paused",
		Snapshot: page("https://shop.test/search", "h3", "Results"),
	})

	require.NoError(t, err)
	reasoner.assertDrained()
	assert.Equal(t, schemas.TaskStatusActive, resp.Status)
	assert.Nil(t, resp.Blocker)
	assert.Equal(t, "click(2)", resp.Action)

	task, err := mem.LoadTask(context.Background(), "t-paused")
	require.NoError(t, err)
	assert.Nil(t, task.Blocker)
}

func TestCorrectionRequiredRouting(t *testing.T) {
	testCases := []struct {
		name string
		res  schemas.VerificationResult
		want bool
	}{
		{"confident success", schemas.VerificationResult{ActionSucceeded: true, Confidence: 0.9}, false},
		{"success below threshold", schemas.VerificationResult{ActionSucceeded: true, Confidence: 0.5}, true},
		{"confident failure", schemas.VerificationResult{ActionSucceeded: false, Confidence: 0.9}, true},
		{"override on a succeeding action", schemas.VerificationResult{ActionSucceeded: true, Confidence: 0.9, RouteToCorrection: true}, true},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, correctionRequired(tc.res, 0.7))
		})
	}
}

func TestHandleTurnResumedTaskKeepsPlan(t *testing.T) {
	mem := store.NewMemory()
	before := page("https://shop.test/item", "h1", "Trail runner X")
	verifiedAt := time.Now().UTC()
	require.NoError(t, mem.SaveTask(context.Background(), &schemas.Task{
		ID: "t-midplan", Goal: "purchase a pair of running shoes",
		Status: schemas.TaskStatusAwaitingUser,
		Blocker: &schemas.BlockerContext{
			Type: schemas.BlockerCaptcha, Reason: "captcha", DetectedAt: verifiedAt,
		},
		Plan: &schemas.Plan{
			ID: "plan-1",
			Steps: []schemas.PlanStep{
				{Index: 0, Description: "open the product page", Status: schemas.StepCompleted, ExpectedOutcome: "the product page is open"},
				{Index: 1, Description: "add the item to the cart", Status: schemas.StepActive, ExpectedOutcome: "the cart badge increments"},
			},
			Cursor: 1,
		},
	}))
	// The pause consumed this turn; resuming must not verify it again.
	require.NoError(t, mem.AppendTurn(context.Background(), &schemas.ActionTurn{
		ID: "turn-1", TaskID: "t-midplan", Action: "click(1)", Before: before,
		StepIndex: 1, CreatedAt: verifiedAt, VerifiedAt: &verifiedAt,
	}))

	// The page is unchanged since the pause, so plan validation is model-free;
	// the only call refines the still-active step.
	o, reasoner := newTestOrchestrator(t, mem,
		respond(`{"action": "click(1)"}`))

	resp, err := o.HandleTurn(context.Background(), TurnRequest{
		TaskID:   "t-midplan",
		Snapshot: before,
	})

	require.NoError(t, err)
	reasoner.assertDrained()
	assert.Equal(t, schemas.TaskStatusActive, resp.Status)
	assert.Equal(t, "click(1)", resp.Action)
	assert.Contains(t, resp.Trace, "replanning")
	assert.Contains(t, resp.Trace, "step_refinement")
	assert.NotContains(t, resp.Trace, "planning", "a resumed task does not rebuild its plan")

	task, err := mem.LoadTask(context.Background(), "t-midplan")
	require.NoError(t, err)
	assert.Nil(t, task.Blocker)
	require.NotNil(t, task.Plan)
	assert.Equal(t, "plan-1", task.Plan.ID)
	assert.Equal(t, 1, task.Plan.Cursor, "executed progress survives the pause")
	assert.Equal(t, schemas.StepCompleted, task.Plan.Steps[0].Status)
}

func TestHandleTurnRateLimitRetriesWithDelay(t *testing.T) {
	mem := store.NewMemory()
	before := page("https://api.test/list", "h1", "Listing")
	seedTask(t, mem, &schemas.Task{
		ID: "t-ratelimit", Goal: "collect the listing",
		Status: schemas.TaskStatusActive,
	}, "click(1)", before)

	o, reasoner := newTestOrchestrator(t, mem,
		respond(`{"strategy": "alternative_selector", "reason": "retry after the limit clears", "retry_action": "click(1)"}`),
		respond(`{"expected_outcome": "the listing loads"}`))

	resp, err := o.HandleTurn(context.Background(), TurnRequest{
		TaskID:   "t-ratelimit",
		Snapshot: page("https://api.test/list", "h2", "Too many requests. Slow down."),
	})

	require.NoError(t, err)
	reasoner.assertDrained()
	assert.Equal(t, schemas.TaskStatusActive, resp.Status)
	require.NotNil(t, resp.Correction)
	assert.Equal(t, schemas.StrategyRetryWithDelay, resp.Correction.Strategy)
	assert.Equal(t, 30*time.Second, resp.Correction.Delay, "the blocker's retry hint wins")

	task, err := mem.LoadTask(context.Background(), "t-ratelimit")
	require.NoError(t, err)
	assert.Equal(t, 1, task.ConsecutiveFailures)
	assert.Equal(t, 1, task.CorrectionAttempts)
}

func TestHandleTurnNeedsUserInput(t *testing.T) {
	mem := store.NewMemory()
	o, reasoner := newTestOrchestrator(t, mem,
		respond(`{"needs_user_input": true, "required_inputs": ["payment card"], "analysis": "checkout requires a card on file"}`))

	resp, err := o.HandleTurn(context.Background(), TurnRequest{
		Goal:     "purchase a pair of running shoes",
		Snapshot: page("https://shop.test/", "h1", "Running shoes"),
	})

	require.NoError(t, err)
	reasoner.assertDrained()
	assert.Equal(t, schemas.TaskStatusNeedsUserInput, resp.Status)
	assert.Contains(t, resp.Reason, "payment card")
	assert.Empty(t, resp.Action)
}

func TestHandleTurnTerminalTaskShortCircuits(t *testing.T) {
	mem := store.NewMemory()
	seedTask(t, mem, &schemas.Task{
		ID: "t-done", Goal: "done already",
		Status: schemas.TaskStatusCompleted,
	}, "", schemas.PageSnapshot{})

	o, _ := newTestOrchestrator(t, mem)
	resp, err := o.HandleTurn(context.Background(), TurnRequest{TaskID: "t-done", Snapshot: page("https://a.test/", "h", "x")})

	require.NoError(t, err)
	assert.Equal(t, schemas.TaskStatusCompleted, resp.Status)
	assert.Equal(t, "task is already completed", resp.Reason)
	assert.Empty(t, resp.Action)
	assert.Empty(t, resp.Trace, "terminal tasks never enter the graph")
}

func TestHandleTurnRequiresGoal(t *testing.T) {
	o, _ := newTestOrchestrator(t, store.NewMemory())
	_, err := o.HandleTurn(context.Background(), TurnRequest{Snapshot: page("https://a.test/", "h", "x")})
	assert.Error(t, err)
}
