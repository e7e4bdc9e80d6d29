// File: api/schemas/schemas.go
package schemas

import (
	"fmt"
	"time"
)

// TaskStatus represents the lifecycle state of a long-lived task. A task is
// created on the first request for a goal and mutated on every subsequent
// turn until it reaches a terminal status.
type TaskStatus string

const (
	TaskStatusActive         TaskStatus = "active"           // The task is in progress and accepting turns.
	TaskStatusAwaitingUser   TaskStatus = "awaiting_user"    // Paused on a blocker that requires user intervention.
	TaskStatusNeedsUserInput TaskStatus = "needs_user_input" // Context analysis determined required input is missing.
	TaskStatusCompleted      TaskStatus = "completed"        // The goal was achieved.
	TaskStatusFailed         TaskStatus = "failed"           // The task terminated without achieving the goal.
	TaskStatusCancelled      TaskStatus = "cancelled"        // The task was explicitly cancelled by its owner.
)

// Terminal reports whether the status permits no further turns.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	}
	return false
}

// Task is the unit of long-lived work. Exactly one task owns at most one
// active plan at a time. The three counters are independent circuit
// breakers; any one of them tripping terminates the task.
type Task struct {
	ID       string     `json:"id"`
	TenantID string     `json:"tenant_id,omitempty"` // Owning tenant or user.
	Goal     string     `json:"goal"`                // Original natural-language goal text.
	Status   TaskStatus `json:"status"`

	// ConsecutiveFailures counts verification failures since the last
	// successful action.
	ConsecutiveFailures int `json:"consecutive_failures"`
	// SuccessesWithoutCompletion counts successful actions since the last
	// plan progress toward completion. It guards against a healthy-looking
	// loop that never finishes.
	SuccessesWithoutCompletion int `json:"successes_without_completion"`
	// CorrectionAttempts counts corrections applied to the current step.
	// Reset when a verification succeeds.
	CorrectionAttempts int `json:"correction_attempts"`

	Plan     *Plan           `json:"plan,omitempty"`
	SubTasks *SubTaskPlan    `json:"sub_tasks,omitempty"`
	Blocker  *BlockerContext `json:"blocker,omitempty"` // Set only while paused on a blocker.

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// StepStatus tracks the state of a single plan step.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepActive    StepStatus = "active"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// ToolType tags a plan step with where its work happens.
type ToolType string

const (
	ToolPage   ToolType = "page"   // Interacts with the page in the browser.
	ToolServer ToolType = "server" // Server-side work, no page interaction.
	ToolMixed  ToolType = "mixed"  // Both.
)

// PlanStep is one entry in an ordered plan.
type PlanStep struct {
	Index           int        `json:"index"`
	Description     string     `json:"description"`
	Reasoning       string     `json:"reasoning,omitempty"`
	Tool            ToolType   `json:"tool"`
	Status          StepStatus `json:"status"`
	ExpectedOutcome string     `json:"expected_outcome,omitempty"`
}

// Plan is an ordered, immutable-once-created sequence of steps plus a
// mutable cursor. A plan may be replaced wholesale or patched in place
// (skip a step, rewrite a description) but never has index gaps introduced.
type Plan struct {
	ID        string     `json:"id"`
	Steps     []PlanStep `json:"steps"`
	Cursor    int        `json:"cursor"` // Index of the current step; never exceeds len(Steps).
	CreatedAt time.Time  `json:"created_at"`
}

// Validate checks the plan invariants: contiguous indices from zero and a
// cursor within [0, len(Steps)].
func (p *Plan) Validate() error {
	for i, s := range p.Steps {
		if s.Index != i {
			return fmt.Errorf("plan %s: step at position %d has index %d", p.ID, i, s.Index)
		}
	}
	if p.Cursor < 0 || p.Cursor > len(p.Steps) {
		return fmt.Errorf("plan %s: cursor %d out of range [0,%d]", p.ID, p.Cursor, len(p.Steps))
	}
	return nil
}

// CurrentStep returns the step under the cursor, or nil when the plan is
// exhausted.
func (p *Plan) CurrentStep() *PlanStep {
	if p == nil || p.Cursor >= len(p.Steps) {
		return nil
	}
	return &p.Steps[p.Cursor]
}

// RemainingSteps returns the steps at or after the cursor.
func (p *Plan) RemainingSteps() []PlanStep {
	if p == nil || p.Cursor >= len(p.Steps) {
		return nil
	}
	return p.Steps[p.Cursor:]
}

// Advance marks the current step with the given status and moves the cursor
// forward. Advancing an exhausted plan is a no-op.
func (p *Plan) Advance(status StepStatus) {
	if step := p.CurrentStep(); step != nil {
		step.Status = status
		p.Cursor++
		if next := p.CurrentStep(); next != nil && next.Status == StepPending {
			next.Status = StepActive
		}
	}
}

// Exhausted reports whether every step has been consumed.
func (p *Plan) Exhausted() bool {
	return p == nil || p.Cursor >= len(p.Steps)
}

// SubTask is a unit within a hierarchical plan, completed independently of
// the parent task's overall completion.
type SubTask struct {
	ID          string     `json:"id"`
	Description string     `json:"description"`
	Status      StepStatus `json:"status"`
}

// SubTaskPlan holds an ordered set of sub-tasks and a cursor, mirroring Plan.
type SubTaskPlan struct {
	SubTasks []SubTask `json:"sub_tasks"`
	Cursor   int       `json:"cursor"`
}

// Current returns the sub-task under the cursor, or nil when exhausted.
func (sp *SubTaskPlan) Current() *SubTask {
	if sp == nil || sp.Cursor >= len(sp.SubTasks) {
		return nil
	}
	return &sp.SubTasks[sp.Cursor]
}

// Advance marks the current sub-task completed and moves the cursor.
func (sp *SubTaskPlan) Advance() {
	if cur := sp.Current(); cur != nil {
		cur.Status = StepCompleted
		sp.Cursor++
	}
}

// InteractiveElement is one actionable element extracted from a page,
// addressed by a stable per-snapshot numeric ID (document order).
type InteractiveElement struct {
	ID    int    `json:"id"`
	Tag   string `json:"tag"`
	Role  string `json:"role,omitempty"`
	Type  string `json:"type,omitempty"` // Input type, for inputs.
	Name  string `json:"name,omitempty"`
	Label string `json:"label,omitempty"` // Visible text or aria-label.
}

// PageSnapshot is a point-in-time representation of a page: its URL, a hash
// of the rendered content, and a compact structural skeleton (markup with
// text and styling stripped) suitable for structural diffing.
type PageSnapshot struct {
	URL         string               `json:"url"`
	ContentHash string               `json:"content_hash"`
	Skeleton    string               `json:"skeleton"`
	Text        string               `json:"text,omitempty"` // Visible page text, used by blocker detection.
	Interactive []InteractiveElement `json:"interactive,omitempty"`
	CapturedAt  time.Time            `json:"captured_at"`
}

// ClientObservations carries boolean signals witnessed by the execution
// environment between two turns. They corroborate or replace best-effort
// server-side inference.
type ClientObservations struct {
	Reported        bool   `json:"reported"` // False when the client supplied no signals at all.
	NetworkActivity bool   `json:"network_activity"`
	DOMMutated      bool   `json:"dom_mutated"`
	URLChanged      bool   `json:"url_changed"`
	NetworkError    string `json:"network_error,omitempty"` // Non-empty on a client-witnessed network failure.
}

// ActionTurn is one request/response exchange: the action string handed to
// the client plus the "before" snapshot captured at generation time. It is
// consumed exactly once by the verification pass on the following turn and
// never mutated afterward.
type ActionTurn struct {
	ID              string       `json:"id"`
	TaskID          string       `json:"task_id"`
	Action          string       `json:"action"` // Wire-format action string.
	Before          PageSnapshot `json:"before"`
	ExpectedOutcome string       `json:"expected_outcome,omitempty"`
	StepIndex       int          `json:"step_index"` // Plan cursor at generation time; -1 without a plan.
	CreatedAt       time.Time    `json:"created_at"`
	// VerifiedAt is set when the turn has been consumed by a verification
	// pass. A turn is consumed at most once.
	VerifiedAt *time.Time `json:"verified_at,omitempty"`
}

// VerificationTier identifies the cost bucket that resolved a verification.
type VerificationTier int

const (
	TierDeterministic VerificationTier = 1 // Resolved with zero model calls.
	TierLightweight   VerificationTier = 2 // Minimal-token model call.
	TierFull          VerificationTier = 3 // Full semantic judgment.
)

// VerificationResult is the outcome of verifying the previous turn's action.
// The two booleans and RouteToCorrection are the only routing signals the
// orchestrator consumes; the free-text reason is never parsed for control
// flow.
type VerificationResult struct {
	ActionSucceeded  bool             `json:"action_succeeded"`
	TaskCompleted    bool             `json:"task_completed"`
	SubTaskCompleted *bool            `json:"sub_task_completed,omitempty"` // Nil when no sub-task plan was evaluated.
	Confidence       float64          `json:"confidence"`
	Reason           string           `json:"reason"`
	Expected         string           `json:"expected,omitempty"`
	Actual           string           `json:"actual,omitempty"`
	Diff             string           `json:"diff,omitempty"`
	Tier             VerificationTier `json:"tier"`
	// RouteToCorrection forces the correction path regardless of confidence
	// (hard failures: blockers, client-witnessed network errors).
	RouteToCorrection bool `json:"route_to_correction"`
	// TokensSaved estimates the model tokens avoided by resolving below tier 3.
	TokensSaved int `json:"tokens_saved,omitempty"`
}

// Success reports whether the action is considered to have succeeded at the
// given confidence threshold.
func (r VerificationResult) Success(threshold float64) bool {
	return r.ActionSucceeded && r.Confidence >= threshold
}

// GoalAchieved reports whether the overall goal is complete at the given
// (higher) confidence threshold.
func (r VerificationResult) GoalAchieved(threshold float64) bool {
	return r.TaskCompleted && r.Confidence >= threshold
}

// BlockerType is the closed enum of page conditions that prevent autonomous
// progress.
type BlockerType string

const (
	BlockerLoginFailure   BlockerType = "login_failure"
	BlockerMFA            BlockerType = "mfa_required"
	BlockerCaptcha        BlockerType = "captcha"
	BlockerCookieConsent  BlockerType = "cookie_consent"
	BlockerRateLimit      BlockerType = "rate_limit"
	BlockerSessionExpired BlockerType = "session_expired"
	BlockerAccessDenied   BlockerType = "access_denied"
	BlockerPageError      BlockerType = "page_error"
)

// BlockerDetectionResult reports a classified blocker. It is computed fresh
// on every verification pass and not persisted beyond the current turn,
// except when it pauses the task (then snapshotted into BlockerContext).
type BlockerDetectionResult struct {
	Detected          bool          `json:"detected"`
	Type              BlockerType   `json:"type,omitempty"`
	Confidence        float64       `json:"confidence"`
	MatchedSignal     string        `json:"matched_signal,omitempty"` // The pattern that fired.
	ResolutionMethods []string      `json:"resolution_methods,omitempty"`
	RequiredInputs    []string      `json:"required_inputs,omitempty"`
	RetryAfter        time.Duration `json:"retry_after,omitempty"`
}

// BlockerContext is the snapshot of a blocker stored on a paused task.
type BlockerContext struct {
	Type              BlockerType `json:"type"`
	Reason            string      `json:"reason"`
	RequiredInputs    []string    `json:"required_inputs,omitempty"`
	ResolutionMethods []string    `json:"resolution_methods,omitempty"`
	DetectedAt        time.Time   `json:"detected_at"`
}

// ElementStats carries the raw element counts behind a similarity score.
type ElementStats struct {
	PrevElements        int `json:"prev_elements"`
	CurrElements        int `json:"curr_elements"`
	RetainedElements    int `json:"retained_elements"`
	PrevInteractive     int `json:"prev_interactive"`
	CurrInteractive     int `json:"curr_interactive"`
	RetainedInteractive int `json:"retained_interactive"`
}

// DomSimilarityResult is the output of a structural page diff. Ephemeral,
// computed per re-planning check.
type DomSimilarityResult struct {
	Score             float64      `json:"score"`              // 0.6*structural + 0.4*interactive.
	StructuralScore   float64      `json:"structural_score"`   // Jaccard over element signatures.
	InteractiveScore  float64      `json:"interactive_score"`  // Retained fraction of interactive elements.
	StructuralChanges []string     `json:"structural_changes"` // Named categorical changes.
	Stats             ElementStats `json:"stats"`
	ShouldReplan      bool         `json:"should_replan"`
}

// CorrectionStrategy tags the retry approach proposed after a failed step.
type CorrectionStrategy string

const (
	StrategyAlternativeSelector CorrectionStrategy = "alternative_selector"
	StrategyAlternativeTool     CorrectionStrategy = "alternative_tool"
	StrategyGatherInfo          CorrectionStrategy = "gather_more_information"
	StrategyUpdatePlan          CorrectionStrategy = "update_plan"
	StrategyRetryWithDelay      CorrectionStrategy = "retry_with_delay"
)

// CorrectionResult is a proposed recovery from a failed verification: a
// strategy tag, a human-readable reason, and a concrete retry action.
type CorrectionResult struct {
	Strategy    CorrectionStrategy `json:"strategy"`
	Reason      string             `json:"reason"`
	RetryAction Action             `json:"retry_action"`
	Delay       time.Duration      `json:"delay,omitempty"` // Backoff hint for transient blockers.
	Attempt     int                `json:"attempt"`         // 1-based attempt number for this step.
}

// Complexity is the routing decision for a fresh request.
type Complexity string

const (
	ComplexitySimple  Complexity = "SIMPLE"  // Single-action fast path.
	ComplexityComplex Complexity = "COMPLEX" // Plan-first full path.
)

// ComplexityResult carries the classifier's decision with its reasoning.
type ComplexityResult struct {
	Level      Complexity `json:"level"`
	Reason     string     `json:"reason"`
	Confidence float64    `json:"confidence"`
}

// PlanChangeKind enumerates the minor in-place plan edits the re-planning
// validator may apply without regenerating the plan.
type PlanChangeKind string

const (
	ChangeSkipStep   PlanChangeKind = "skip_step"
	ChangeRewordStep PlanChangeKind = "change_step"
)

// PlanChange is one suggested in-place edit to a plan.
type PlanChange struct {
	Kind           PlanChangeKind `json:"kind"`
	StepIndex      int            `json:"step_index"`
	NewDescription string         `json:"new_description,omitempty"`
}

// ReplanAction is the routing decision derived from a plan validation.
type ReplanAction string

const (
	ReplanContinue   ReplanAction = "continue"   // Plan still valid, no edits.
	ReplanModify     ReplanAction = "modify"     // Apply minor in-place edits.
	ReplanRegenerate ReplanAction = "regenerate" // Discard and build a new plan.
)

// ReplanValidation is the result of checking whether a plan's remaining
// steps are still executable after a page change.
type ReplanValidation struct {
	Triggered        bool         `json:"triggered"` // Whether the structural diff demanded a check at all.
	PlanValid        bool         `json:"plan_valid"`
	Reason           string       `json:"reason,omitempty"`
	TriggerReasons   []string     `json:"trigger_reasons,omitempty"`
	SuggestedChanges []PlanChange `json:"suggested_changes,omitempty"`
}
