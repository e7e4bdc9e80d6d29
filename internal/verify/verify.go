// File: internal/verify/verify.go
// Description: Tiered, observation-based verification of the previous
// turn's action. The engine never predicts what should have happened and
// checks a guess; it diffs observed before/after state and asks a semantic
// judge only for the ambiguous remainder. Tiering exists purely for cost.
package verify

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/xkilldash9x/helmsman/api/schemas"
	"github.com/xkilldash9x/helmsman/internal/blocker"
	"github.com/xkilldash9x/helmsman/internal/config"
	"github.com/xkilldash9x/helmsman/internal/domdiff"
	"github.com/xkilldash9x/helmsman/internal/llmutil"
)

// Token-saving estimates recorded when a verification resolves below the
// full tier.
const (
	tier1TokensSaved = 1200
	tier2TokensSaved = 700
)

// Input is everything a verification pass may consult.
type Input struct {
	Goal            string
	Action          schemas.Action      // The action the client just executed.
	Before          schemas.PageSnapshot // Captured when the action was generated.
	After           schemas.PageSnapshot // Captured on this turn.
	ExpectedOutcome string               // Prediction recorded with the action, if any.
	Observations    schemas.ClientObservations
	IsFinalStep     bool            // The action belonged to the plan's last step.
	SubTask         *schemas.SubTask // Current sub-task of a hierarchical plan, if any.
}

// Engine decides whether the previous action succeeded and whether the
// overall goal is complete.
type Engine struct {
	log      *zap.Logger
	reasoner schemas.Reasoner
	diff     *domdiff.Engine
	blockers *blocker.Classifier
	cfg      config.VerificationConfig
	bopts    blocker.Options
}

// NewEngine creates a verification engine.
func NewEngine(
	logger *zap.Logger,
	reasoner schemas.Reasoner,
	diff *domdiff.Engine,
	blockers *blocker.Classifier,
	vcfg config.VerificationConfig,
	bcfg config.BlockerConfig,
) *Engine {
	return &Engine{
		log:      logger.Named("verify"),
		reasoner: reasoner,
		diff:     diff,
		blockers: blockers,
		cfg:      vcfg,
		bopts: blocker.Options{
			MinConfidence:     bcfg.MinConfidence,
			SkipCookieConsent: bcfg.SkipCookieConsent,
			SkipPageError:     bcfg.SkipPageError,
		},
	}
}

// Verify runs the tiers in cost order and returns the first conclusive
// result, together with the blocker classification computed for this pass.
// It never returns an error: a failed semantic judgment degrades to a
// low-confidence heuristic result instead.
func (e *Engine) Verify(ctx context.Context, in Input) (schemas.VerificationResult, schemas.BlockerDetectionResult) {
	blk := e.blockers.Detect(in.After.Text, in.After.URL, e.bopts)

	if e.cfg.EnableTier1 {
		if res, ok := e.tier1(in, blk); ok {
			e.log.Debug("Verification resolved deterministically",
				zap.Bool("action_succeeded", res.ActionSucceeded),
				zap.String("reason", res.Reason))
			return res, blk
		}
	}

	if e.cfg.EnableTier2 && e.tier2Eligible(in) {
		if res, ok := e.tier2(ctx, in); ok {
			return res, blk
		}
	}

	return e.tier3(ctx, in), blk
}

// -- Tier 1: deterministic --

// tier1 resolves unambiguous cases with zero model calls. Hard failures
// (blockers, client-witnessed network errors) bypass later tiers and route
// straight to correction.
func (e *Engine) tier1(in Input, blk schemas.BlockerDetectionResult) (schemas.VerificationResult, bool) {
	if blk.Detected {
		return schemas.VerificationResult{
			ActionSucceeded:   false,
			Confidence:        blk.Confidence,
			Reason:            fmt.Sprintf("blocker detected: %s (matched %q)", blk.Type, blk.MatchedSignal),
			Tier:              schemas.TierDeterministic,
			RouteToCorrection: true,
			TokensSaved:       tier1TokensSaved,
		}, true
	}

	if in.Observations.NetworkError != "" {
		return schemas.VerificationResult{
			ActionSucceeded:   false,
			Confidence:        0.95,
			Reason:            "client reported a network error: " + in.Observations.NetworkError,
			Tier:              schemas.TierDeterministic,
			RouteToCorrection: true,
			TokensSaved:       tier1TokensSaved,
		}, true
	}

	switch in.Action.Kind {
	case schemas.ActionNavigate:
		return e.verifyNavigation(in)

	case schemas.ActionScroll, schemas.ActionWait:
		// Nothing on the page distinguishes success from failure; treat as
		// succeeded and let the next meaningful action settle the question.
		return schemas.VerificationResult{
			ActionSucceeded: true,
			Confidence:      0.9,
			Reason:          fmt.Sprintf("%s actions have no independently observable effect", in.Action.Kind),
			Tier:            schemas.TierDeterministic,
			TokensSaved:     tier1TokensSaved,
		}, true
	}

	// A mutating action with a byte-identical page and no client-witnessed
	// activity cannot have worked.
	if in.Action.Mutating() && sameContent(in.Before, in.After) && !anySignal(in.Observations) {
		return schemas.VerificationResult{
			ActionSucceeded: false,
			Confidence:      0.8,
			Reason:          "page content is unchanged and the client observed no activity",
			Expected:        "an observable page change",
			Actual:          "identical content hash, no network or DOM signals",
			Tier:            schemas.TierDeterministic,
			TokensSaved:     tier1TokensSaved,
		}, true
	}

	return schemas.VerificationResult{}, false
}

// verifyNavigation settles navigation actions from URLs alone.
func (e *Engine) verifyNavigation(in Input) (schemas.VerificationResult, bool) {
	urlMoved := domdiff.HasSignificantURLChange(in.Before.URL, in.After.URL) || in.Observations.URLChanged
	if urlMoved {
		arrived := !domdiff.HasSignificantURLChange(in.Action.Text, in.After.URL)
		confidence := 0.95
		reason := "url changed as navigation requires"
		if !arrived {
			// Moved, but not to the requested address (redirect or interstitial).
			confidence = 0.75
			reason = fmt.Sprintf("url changed but landed on %s instead of %s", in.After.URL, in.Action.Text)
		}
		return schemas.VerificationResult{
			ActionSucceeded: true,
			Confidence:      confidence,
			Reason:          reason,
			Expected:        in.Action.Text,
			Actual:          in.After.URL,
			Tier:            schemas.TierDeterministic,
			TokensSaved:     tier1TokensSaved,
		}, true
	}
	return schemas.VerificationResult{
		ActionSucceeded: false,
		Confidence:      0.85,
		Reason:          "navigation requested but the url did not change",
		Expected:        in.Action.Text,
		Actual:          in.After.URL,
		Tier:            schemas.TierDeterministic,
		TokensSaved:     tier1TokensSaved,
	}, true
}

// -- Tier 2: lightweight --

// tier2Eligible restricts the lightweight tier to simple, low-ambiguity
// final steps.
func (e *Engine) tier2Eligible(in Input) bool {
	if !in.IsFinalStep || in.SubTask != nil {
		return false
	}
	return in.Action.Kind == schemas.ActionClick || in.Action.Kind == schemas.ActionSetValue
}

// tier2Judgment is the minimal shape the lightweight judge returns.
type tier2Judgment struct {
	ActionSucceeded bool    `json:"action_succeeded"`
	TaskCompleted   bool    `json:"task_completed"`
	Confidence      float64 `json:"confidence"`
	Reason          string  `json:"reason"`
}

func (e *Engine) tier2(ctx context.Context, in Input) (schemas.VerificationResult, bool) {
	prompt := fmt.Sprintf(`Goal: %s
Final action executed: %s
URL before: %s
URL after: %s
Client signals: network=%t dom=%t url=%t
Did the action succeed, and is the goal now complete?`,
		in.Goal, in.Action.String(), in.Before.URL, in.After.URL,
		in.Observations.NetworkActivity, in.Observations.DOMMutated, in.Observations.URLChanged)

	response, err := e.reasoner.Generate(ctx, schemas.GenerationRequest{
		SystemPrompt: "You verify browser actions. Respond with a single JSON object: {\"action_succeeded\": bool, \"task_completed\": bool, \"confidence\": number, \"reason\": string}.",
		UserPrompt:   prompt,
		Tier:         schemas.TierFast,
		Options:      schemas.GenerationOptions{ForceJSONFormat: true, Temperature: 0.1, MaxOutputTokens: 256},
	})
	if err != nil {
		e.log.Warn("Lightweight verification call failed, escalating to full tier", zap.Error(err))
		return schemas.VerificationResult{}, false
	}
	judgment, err := llmutil.ParseJSONResponse[tier2Judgment](response)
	if err != nil {
		e.log.Warn("Lightweight verification response unparsable, escalating", zap.Error(err))
		return schemas.VerificationResult{}, false
	}
	return schemas.VerificationResult{
		ActionSucceeded: judgment.ActionSucceeded,
		TaskCompleted:   judgment.TaskCompleted,
		Confidence:      clamp01(judgment.Confidence),
		Reason:          judgment.Reason,
		Tier:            schemas.TierLightweight,
		TokensSaved:     tier2TokensSaved,
	}, true
}

// -- Tier 3: full --

// tier3Judgment is the full semantic judge's response shape.
type tier3Judgment struct {
	ActionSucceeded  bool    `json:"action_succeeded"`
	TaskCompleted    bool    `json:"task_completed"`
	SubTaskCompleted *bool   `json:"sub_task_completed,omitempty"`
	Confidence       float64 `json:"confidence"`
	Reason           string  `json:"reason"`
	Expected         string  `json:"expected,omitempty"`
	Actual           string  `json:"actual,omitempty"`
}

// tier3 combines the DOM diff, client-observed signals and action-specific
// expectations into a semantic judgment.
func (e *Engine) tier3(ctx context.Context, in Input) schemas.VerificationResult {
	sim := e.diff.Similarity(in.Before.Skeleton, in.After.Skeleton, 0.7)

	var sb strings.Builder
	fmt.Fprintf(&sb, "Goal: %s\n", in.Goal)
	fmt.Fprintf(&sb, "Action executed: %s\n", in.Action.String())
	fmt.Fprintf(&sb, "Expectation for this action: %s\n", actionExpectation(in.Action))
	if in.ExpectedOutcome != "" {
		fmt.Fprintf(&sb, "Predicted outcome at generation time: %s\n", in.ExpectedOutcome)
	}
	fmt.Fprintf(&sb, "URL before: %s\nURL after: %s\n", in.Before.URL, in.After.URL)
	fmt.Fprintf(&sb, "DOM similarity: %.2f (structural %.2f, interactive %.2f)\n",
		sim.Score, sim.StructuralScore, sim.InteractiveScore)
	if len(sim.StructuralChanges) > 0 {
		fmt.Fprintf(&sb, "Structural changes: %s\n", strings.Join(sim.StructuralChanges, "; "))
	}
	if in.Observations.Reported {
		fmt.Fprintf(&sb, "Client signals: network=%t dom_mutated=%t url_changed=%t\n",
			in.Observations.NetworkActivity, in.Observations.DOMMutated, in.Observations.URLChanged)
	}
	if in.SubTask != nil {
		fmt.Fprintf(&sb, "Current sub-task: %s\nAlso report sub_task_completed.\n", in.SubTask.Description)
	}
	fmt.Fprintf(&sb, "Page excerpt after the action:\n%s\n", excerpt(in.After.Text, 1500))

	response, err := e.reasoner.Generate(ctx, schemas.GenerationRequest{
		SystemPrompt: tier3SystemPrompt,
		UserPrompt:   sb.String(),
		Tier:         schemas.TierPowerful,
		Options:      schemas.GenerationOptions{ForceJSONFormat: true, Temperature: 0.1},
	})
	if err != nil {
		e.log.Warn("Semantic verification call failed, using heuristic fallback", zap.Error(err))
		return e.heuristicFallback(in, sim, err)
	}
	judgment, err := llmutil.ParseJSONResponse[tier3Judgment](response)
	if err != nil {
		e.log.Warn("Semantic verification response unparsable, using heuristic fallback", zap.Error(err))
		return e.heuristicFallback(in, sim, err)
	}

	return schemas.VerificationResult{
		ActionSucceeded:  judgment.ActionSucceeded,
		TaskCompleted:    judgment.TaskCompleted,
		SubTaskCompleted: judgment.SubTaskCompleted,
		Confidence:       clamp01(judgment.Confidence),
		Reason:           judgment.Reason,
		Expected:         judgment.Expected,
		Actual:           judgment.Actual,
		Diff:             strings.Join(sim.StructuralChanges, "; "),
		Tier:             schemas.TierFull,
	}
}

const tier3SystemPrompt = `You verify the effect of browser-automation actions by comparing the page state before and after.
Judge only from the evidence provided. Respond with a single JSON object:
{"action_succeeded": bool, "task_completed": bool, "sub_task_completed": bool (only when asked), "confidence": 0..1, "reason": string, "expected": string, "actual": string}.
Set task_completed only when the overall goal is demonstrably achieved.`

// heuristicFallback is used when the semantic judge is unavailable: a
// recoverable model error becomes a low-confidence result inferred from the
// observable signals, never a crash.
func (e *Engine) heuristicFallback(in Input, sim schemas.DomSimilarityResult, cause error) schemas.VerificationResult {
	changed := !sameContent(in.Before, in.After) || anySignal(in.Observations) || sim.Score < 0.99
	return schemas.VerificationResult{
		ActionSucceeded: in.Action.Mutating() && changed || !in.Action.Mutating(),
		TaskCompleted:   false,
		Confidence:      0.5,
		Reason:          fmt.Sprintf("semantic judge unavailable (%v); inferred from observable change only", cause),
		Diff:            strings.Join(sim.StructuralChanges, "; "),
		Tier:            schemas.TierFull,
	}
}

// actionExpectation states what evidence would confirm each action type. A
// dropdown click is confirmed by a newly appeared menu or listbox, not by a
// URL change; a navigation click by a URL or main-content change.
func actionExpectation(a schemas.Action) string {
	switch a.Kind {
	case schemas.ActionClick:
		return "a visible response to the click: a dialog or menu appearing, a navigation, or a main-content change"
	case schemas.ActionSetValue:
		return "the target field holding the new value; a DOM mutation with no navigation"
	case schemas.ActionNavigate:
		return "the url or main content changing to the requested page"
	case schemas.ActionScroll:
		return "new content scrolled into view"
	case schemas.ActionWait:
		return "asynchronous content settled"
	}
	return "an observable page change"
}

func sameContent(before, after schemas.PageSnapshot) bool {
	return before.ContentHash != "" && before.ContentHash == after.ContentHash
}

func anySignal(obs schemas.ClientObservations) bool {
	return obs.Reported && (obs.NetworkActivity || obs.DOMMutated || obs.URLChanged)
}

func excerpt(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
