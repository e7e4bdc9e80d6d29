// File: internal/replan/replan_test.go
package replan

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xkilldash9x/helmsman/api/schemas"
	"github.com/xkilldash9x/helmsman/internal/domdiff"
)

type stubReasoner struct {
	t        *testing.T
	allowed  bool
	response string
	err      error
}

func (s *stubReasoner) Generate(_ context.Context, req schemas.GenerationRequest) (string, error) {
	if !s.allowed {
		s.t.Fatalf("unexpected model call: %s", req.UserPrompt)
	}
	return s.response, s.err
}

func (s *stubReasoner) Close() error { return nil }

func newValidator(t *testing.T, stub *stubReasoner) *Validator {
	t.Helper()
	stub.t = t
	logger := zap.NewNop()
	return New(logger, domdiff.New(logger), stub)
}

func threeStepPlan() *schemas.Plan {
	return &schemas.Plan{
		Steps: []schemas.PlanStep{
			{Index: 0, Description: "open the product page", Status: schemas.StepCompleted},
			{Index: 1, Description: "add the item to the cart", Status: schemas.StepActive},
			{Index: 2, Description: "proceed to checkout", Status: schemas.StepPending},
		},
		Cursor: 1,
	}
}

func snap(url, skeleton string) schemas.PageSnapshot {
	return schemas.PageSnapshot{URL: url, Skeleton: skeleton}
}

func TestValidateUnchangedPageSkipsModel(t *testing.T) {
	v := newValidator(t, &stubReasoner{allowed: false})

	page := snap("https://shop.test/item", `<div id="app"><button id="buy"></button></div>`)
	res, err := v.Validate(context.Background(), threeStepPlan(), page, page, 0.7)

	require.NoError(t, err)
	assert.False(t, res.Triggered)
	assert.True(t, res.PlanValid)
}

func TestValidateURLChangeTriggersEvaluation(t *testing.T) {
	stub := &stubReasoner{allowed: true, response: `{"verdict": "valid", "reason": "steps still apply"}`}
	v := newValidator(t, stub)

	skeleton := `<div id="app"><button id="buy"></button></div>`
	res, err := v.Validate(context.Background(), threeStepPlan(),
		snap("https://shop.test/item", skeleton),
		snap("https://shop.test/cart", skeleton), 0.7)

	require.NoError(t, err)
	assert.True(t, res.Triggered)
	assert.True(t, res.PlanValid)
	assert.Equal(t, "steps still apply", res.Reason)
	require.NotEmpty(t, res.TriggerReasons)
	assert.Contains(t, res.TriggerReasons[0], "url changed")
}

func TestValidateStructuralChangeTriggersWithoutURLMove(t *testing.T) {
	stub := &stubReasoner{allowed: true, response: `{"verdict": "valid", "reason": "the cart button is still there"}`}
	v := newValidator(t, stub)

	withForm := `<div id="app"><form id="checkout"><input type="email" name="email"></form><button id="buy"></button></div>`
	withoutForm := `<div id="other"><button id="buy"></button></div>`
	res, err := v.Validate(context.Background(), threeStepPlan(),
		snap("https://shop.test/item", withForm),
		snap("https://shop.test/item", withoutForm), 0.7)

	require.NoError(t, err)
	assert.True(t, res.Triggered, "a disappearing form forces validation even on the same url")
	assert.Contains(t, res.TriggerReasons, "form removed")
}

func TestValidateInvalidVerdict(t *testing.T) {
	stub := &stubReasoner{allowed: true, response: `{"verdict": "invalid", "reason": "cart flow replaced by a wizard"}`}
	v := newValidator(t, stub)

	res, err := v.Validate(context.Background(), threeStepPlan(),
		snap("https://shop.test/item", "<div></div>"),
		snap("https://shop.test/wizard", "<div></div>"), 0.7)

	require.NoError(t, err)
	assert.True(t, res.Triggered)
	assert.False(t, res.PlanValid)
}

func TestValidateMinorChangesCarriesSuggestions(t *testing.T) {
	stub := &stubReasoner{allowed: true, response: `{
		"verdict": "minor_changes", "reason": "item already in cart",
		"suggested_changes": [{"kind": "skip_step", "step_index": 1}]
	}`}
	v := newValidator(t, stub)

	res, err := v.Validate(context.Background(), threeStepPlan(),
		snap("https://shop.test/item", "<div></div>"),
		snap("https://shop.test/cart", "<div></div>"), 0.7)

	require.NoError(t, err)
	assert.True(t, res.PlanValid)
	require.Len(t, res.SuggestedChanges, 1)
	assert.Equal(t, schemas.ChangeSkipStep, res.SuggestedChanges[0].Kind)
}

func TestValidateExhaustedPlanSkipsModel(t *testing.T) {
	v := newValidator(t, &stubReasoner{allowed: false})

	plan := threeStepPlan()
	plan.Steps[1].Status = schemas.StepCompleted
	plan.Steps[2].Status = schemas.StepCompleted
	plan.Cursor = 3

	res, err := v.Validate(context.Background(), plan,
		snap("https://shop.test/item", "<div></div>"),
		snap("https://shop.test/done", "<div></div>"), 0.7)

	require.NoError(t, err)
	assert.True(t, res.Triggered)
	assert.True(t, res.PlanValid)
}

func TestValidateErrors(t *testing.T) {
	testCases := []struct {
		name string
		stub *stubReasoner
	}{
		{"model failure", &stubReasoner{allowed: true, err: errors.New("quota exceeded")}},
		{"unparsable response", &stubReasoner{allowed: true, response: "the plan seems fine"}},
		{"unknown verdict", &stubReasoner{allowed: true, response: `{"verdict": "maybe", "reason": "?"}`}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			v := newValidator(t, tc.stub)
			_, err := v.Validate(context.Background(), threeStepPlan(),
				snap("https://a.test/x", "<div></div>"),
				snap("https://a.test/y", "<div></div>"), 0.7)
			assert.Error(t, err)
		})
	}
}

func TestDetermineReplanAction(t *testing.T) {
	testCases := []struct {
		name string
		in   schemas.ReplanValidation
		want schemas.ReplanAction
	}{
		{"not triggered", schemas.ReplanValidation{Triggered: false, PlanValid: true}, schemas.ReplanContinue},
		{"triggered but clean", schemas.ReplanValidation{Triggered: true, PlanValid: true}, schemas.ReplanContinue},
		{"invalid", schemas.ReplanValidation{Triggered: true, PlanValid: false}, schemas.ReplanRegenerate},
		{"skip suggestion", schemas.ReplanValidation{
			Triggered: true, PlanValid: true,
			SuggestedChanges: []schemas.PlanChange{{Kind: schemas.ChangeSkipStep, StepIndex: 1}},
		}, schemas.ReplanModify},
		{"reword suggestion", schemas.ReplanValidation{
			Triggered: true, PlanValid: true,
			SuggestedChanges: []schemas.PlanChange{{Kind: schemas.ChangeRewordStep, StepIndex: 2, NewDescription: "use the mini-cart"}},
		}, schemas.ReplanModify},
		{"reword without text", schemas.ReplanValidation{
			Triggered: true, PlanValid: true,
			SuggestedChanges: []schemas.PlanChange{{Kind: schemas.ChangeRewordStep, StepIndex: 2}},
		}, schemas.ReplanRegenerate},
		{"unknown change kind", schemas.ReplanValidation{
			Triggered: true, PlanValid: true,
			SuggestedChanges: []schemas.PlanChange{{Kind: "insert_step", StepIndex: 1}},
		}, schemas.ReplanRegenerate},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, DetermineReplanAction(tc.in))
		})
	}
}

func TestApplyChangesSkipCurrentAdvancesCursor(t *testing.T) {
	plan := threeStepPlan()
	err := ApplyChanges(plan, []schemas.PlanChange{{Kind: schemas.ChangeSkipStep, StepIndex: 1}})

	require.NoError(t, err)
	assert.Equal(t, schemas.StepSkipped, plan.Steps[1].Status)
	assert.Equal(t, 2, plan.Cursor, "cursor moves past the skipped current step")
}

func TestApplyChangesReword(t *testing.T) {
	plan := threeStepPlan()
	err := ApplyChanges(plan, []schemas.PlanChange{
		{Kind: schemas.ChangeRewordStep, StepIndex: 2, NewDescription: "open the mini-cart and check out"},
	})

	require.NoError(t, err)
	assert.Equal(t, "open the mini-cart and check out", plan.Steps[2].Description)
	assert.Equal(t, 1, plan.Cursor, "rewording does not move the cursor")
}

func TestApplyChangesRejections(t *testing.T) {
	testCases := []struct {
		name   string
		change schemas.PlanChange
	}{
		{"out of range", schemas.PlanChange{Kind: schemas.ChangeSkipStep, StepIndex: 9}},
		{"negative index", schemas.PlanChange{Kind: schemas.ChangeSkipStep, StepIndex: -1}},
		{"already executed", schemas.PlanChange{Kind: schemas.ChangeRewordStep, StepIndex: 0, NewDescription: "x"}},
		{"unknown kind", schemas.PlanChange{Kind: "insert_step", StepIndex: 1}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			plan := threeStepPlan()
			assert.Error(t, ApplyChanges(plan, []schemas.PlanChange{tc.change}))
		})
	}
}
