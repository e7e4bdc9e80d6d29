// File: internal/correction/correction.go
// Description: Proposes a recovery after a failed verification: a strategy
// tag, a reason, and a concrete retry action. The strategy choice is
// delegated to the reasoning model; the orchestrator owns the attempt cap.
package correction

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/helmsman/api/schemas"
	"github.com/xkilldash9x/helmsman/internal/llmutil"
)

// Request carries everything the corrector may consult for a proposal.
type Request struct {
	Goal          string
	Step          *schemas.PlanStep // The failed step; nil on the fast path.
	Verification  schemas.VerificationResult
	Snapshot      schemas.PageSnapshot // Current page.
	PriorAttempts []schemas.CorrectionResult
	// DelayHint is set for transient blockers (rate limits, page errors)
	// that recommend waiting before the retry.
	DelayHint time.Duration
}

// Engine proposes corrections through the reasoning model.
type Engine struct {
	log      *zap.Logger
	reasoner schemas.Reasoner
}

// New creates a correction engine.
func New(logger *zap.Logger, reasoner schemas.Reasoner) *Engine {
	return &Engine{log: logger.Named("correction"), reasoner: reasoner}
}

// proposal is the shape the model returns.
type proposal struct {
	Strategy    string `json:"strategy"`
	Reason      string `json:"reason"`
	RetryAction string `json:"retry_action"`
	DelayMS     int    `json:"delay_ms,omitempty"`
}

var knownStrategies = map[schemas.CorrectionStrategy]bool{
	schemas.StrategyAlternativeSelector: true,
	schemas.StrategyAlternativeTool:     true,
	schemas.StrategyGatherInfo:          true,
	schemas.StrategyUpdatePlan:          true,
	schemas.StrategyRetryWithDelay:      true,
}

// Propose asks the model for a retry strategy and a concrete retry action.
// A malformed or unparsable response is returned as an error; the caller
// treats it as a recoverable failure bounded by the attempt cap.
func (e *Engine) Propose(ctx context.Context, req Request) (schemas.CorrectionResult, error) {
	attempt := len(req.PriorAttempts) + 1

	response, err := e.reasoner.Generate(ctx, schemas.GenerationRequest{
		SystemPrompt: correctionSystemPrompt,
		UserPrompt:   e.buildPrompt(req, attempt),
		Tier:         schemas.TierPowerful,
		Options:      schemas.GenerationOptions{ForceJSONFormat: true, Temperature: 0.3},
	})
	if err != nil {
		return schemas.CorrectionResult{}, fmt.Errorf("correction generation failed: %w", err)
	}

	p, err := llmutil.ParseJSONResponse[proposal](response)
	if err != nil {
		return schemas.CorrectionResult{}, fmt.Errorf("correction response unparsable: %w", err)
	}

	retry, err := schemas.ParseAction(p.RetryAction)
	if err != nil {
		return schemas.CorrectionResult{}, fmt.Errorf("correction proposed an invalid retry action: %w", err)
	}
	if retry.Terminal() {
		return schemas.CorrectionResult{}, fmt.Errorf("correction proposed a terminal action %q", p.RetryAction)
	}

	strategy := schemas.CorrectionStrategy(strings.TrimSpace(p.Strategy))
	if !knownStrategies[strategy] {
		strategy = schemas.StrategyAlternativeSelector
	}

	delay := time.Duration(p.DelayMS) * time.Millisecond
	if req.DelayHint > delay {
		delay = req.DelayHint
		strategy = schemas.StrategyRetryWithDelay
	}

	result := schemas.CorrectionResult{
		Strategy:    strategy,
		Reason:      p.Reason,
		RetryAction: retry,
		Delay:       delay,
		Attempt:     attempt,
	}
	e.log.Info("Correction proposed",
		zap.String("strategy", string(result.Strategy)),
		zap.String("retry_action", retry.String()),
		zap.Int("attempt", attempt))
	return result, nil
}

const correctionSystemPrompt = `You repair failed browser-automation steps.
Given a failed action, the verification verdict, and the current page, choose one strategy:
"alternative_selector", "alternative_tool", "gather_more_information", "update_plan", or "retry_with_delay".
Respond with a single JSON object:
{"strategy": string, "reason": string, "retry_action": string, "delay_ms": int}.
retry_action must be one of: click(ID), set_value(ID, "text"), navigate("url"), scroll("up"|"down"), wait(MS).
Never propose an action that already failed in a prior attempt.`

func (e *Engine) buildPrompt(req Request, attempt int) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Goal: %s\n", req.Goal)
	if req.Step != nil {
		fmt.Fprintf(&sb, "Failed step %d: %s\n", req.Step.Index, req.Step.Description)
	}
	fmt.Fprintf(&sb, "Verification verdict: %s (confidence %.2f)\n", req.Verification.Reason, req.Verification.Confidence)
	if req.Verification.Expected != "" {
		fmt.Fprintf(&sb, "Expected: %s\nActual: %s\n", req.Verification.Expected, req.Verification.Actual)
	}
	fmt.Fprintf(&sb, "Attempt %d of this step.\n", attempt)
	for _, prior := range req.PriorAttempts {
		fmt.Fprintf(&sb, "Prior attempt %d: strategy=%s action=%s (%s)\n",
			prior.Attempt, prior.Strategy, prior.RetryAction.String(), prior.Reason)
	}
	if req.DelayHint > 0 {
		fmt.Fprintf(&sb, "A transient blocker recommends waiting at least %s before retrying.\n", req.DelayHint)
	}
	fmt.Fprintf(&sb, "Current URL: %s\n", req.Snapshot.URL)
	if len(req.Snapshot.Interactive) > 0 {
		sb.WriteString("Interactive elements:\n")
		for _, el := range req.Snapshot.Interactive {
			fmt.Fprintf(&sb, "  [%d] <%s> %s\n", el.ID, el.Tag, el.Label)
		}
	}
	return sb.String()
}
