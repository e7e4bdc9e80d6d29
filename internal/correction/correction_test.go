// File: internal/correction/correction_test.go
package correction

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xkilldash9x/helmsman/api/schemas"
)

type stubReasoner struct {
	response string
	err      error
	lastReq  schemas.GenerationRequest
}

func (s *stubReasoner) Generate(_ context.Context, req schemas.GenerationRequest) (string, error) {
	s.lastReq = req
	return s.response, s.err
}

func (s *stubReasoner) Close() error { return nil }

func TestProposeParsesProposal(t *testing.T) {
	stub := &stubReasoner{response: `{"strategy": "alternative_selector", "reason": "the button moved", "retry_action": "click(12)"}`}
	engine := New(zap.NewNop(), stub)

	res, err := engine.Propose(context.Background(), Request{
		Goal:         "add the item to the cart",
		Verification: schemas.VerificationResult{Reason: "nothing happened", Confidence: 0.8},
		Snapshot:     schemas.PageSnapshot{URL: "https://shop.test/item"},
	})

	require.NoError(t, err)
	assert.Equal(t, schemas.StrategyAlternativeSelector, res.Strategy)
	assert.Equal(t, schemas.Click(12), res.RetryAction)
	assert.Equal(t, 1, res.Attempt)
	assert.Zero(t, res.Delay)
	assert.Equal(t, schemas.TierPowerful, stub.lastReq.Tier)
}

func TestProposeAttemptCountsPriorAttempts(t *testing.T) {
	stub := &stubReasoner{response: `{"strategy": "alternative_tool", "reason": "try typing instead", "retry_action": "set_value(3, \"blue shoes\")"}`}
	engine := New(zap.NewNop(), stub)

	prior := []schemas.CorrectionResult{
		{Attempt: 1, Strategy: schemas.StrategyAlternativeSelector, RetryAction: schemas.Click(4), Reason: "first try"},
		{Attempt: 2, Strategy: schemas.StrategyRetryWithDelay, RetryAction: schemas.Click(4), Reason: "second try"},
	}
	res, err := engine.Propose(context.Background(), Request{
		Goal:          "search for blue shoes",
		PriorAttempts: prior,
	})

	require.NoError(t, err)
	assert.Equal(t, 3, res.Attempt)
	assert.Equal(t, schemas.SetValue(3, "blue shoes"), res.RetryAction)
	// Prior attempts are shown to the model so it can avoid repeating them.
	assert.Contains(t, stub.lastReq.UserPrompt, "Prior attempt 1")
	assert.Contains(t, stub.lastReq.UserPrompt, "Prior attempt 2")
}

func TestProposeDelayHintForcesRetryWithDelay(t *testing.T) {
	stub := &stubReasoner{response: `{"strategy": "alternative_selector", "reason": "retry", "retry_action": "click(2)", "delay_ms": 100}`}
	engine := New(zap.NewNop(), stub)

	res, err := engine.Propose(context.Background(), Request{
		Goal:      "load the page",
		DelayHint: 30 * time.Second,
	})

	require.NoError(t, err)
	assert.Equal(t, schemas.StrategyRetryWithDelay, res.Strategy)
	assert.Equal(t, 30*time.Second, res.Delay, "the hint overrides a smaller proposed delay")
}

func TestProposeKeepsLargerProposedDelay(t *testing.T) {
	stub := &stubReasoner{response: `{"strategy": "retry_with_delay", "reason": "wait it out", "retry_action": "wait(60000)", "delay_ms": 60000}`}
	engine := New(zap.NewNop(), stub)

	res, err := engine.Propose(context.Background(), Request{
		Goal:      "load the page",
		DelayHint: 5 * time.Second,
	})

	require.NoError(t, err)
	assert.Equal(t, time.Minute, res.Delay)
}

func TestProposeUnknownStrategyDefaults(t *testing.T) {
	stub := &stubReasoner{response: `{"strategy": "pray", "reason": "unclear", "retry_action": "scroll(\"down\")"}`}
	engine := New(zap.NewNop(), stub)

	res, err := engine.Propose(context.Background(), Request{Goal: "g"})
	require.NoError(t, err)
	assert.Equal(t, schemas.StrategyAlternativeSelector, res.Strategy)
}

func TestProposeRejectsBadResponses(t *testing.T) {
	testCases := []struct {
		name     string
		response string
		err      error
	}{
		{"model error", "", errors.New("quota exceeded")},
		{"unparsable", "I would try clicking something else.", nil},
		{"invalid retry action", `{"strategy": "alternative_selector", "reason": "r", "retry_action": "teleport(3)"}`, nil},
		{"terminal retry action", `{"strategy": "update_plan", "reason": "r", "retry_action": "fail(\"give up\")"}`, nil},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			engine := New(zap.NewNop(), &stubReasoner{response: tc.response, err: tc.err})
			_, err := engine.Propose(context.Background(), Request{Goal: "g"})
			assert.Error(t, err)
		})
	}
}
