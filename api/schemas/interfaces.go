// File: api/schemas/interfaces.go
package schemas

import (
	"context"
	"errors"
	"time"
)

// ErrTaskNotFound is returned by a Store when no task exists for an ID.
var ErrTaskNotFound = errors.New("task not found")

// ModelTier selects a language model by a preference for speed versus
// capability.
type ModelTier string

const (
	TierFast     ModelTier = "fast"     // Prefers a faster, cheaper model.
	TierPowerful ModelTier = "powerful" // Prefers a more capable, slower model.
)

// GenerationOptions controls the text generation process.
type GenerationOptions struct {
	Temperature     float64 `json:"temperature"`       // Lower is more deterministic.
	ForceJSONFormat bool    `json:"force_json_format"` // Force the model to emit valid JSON.
	MaxOutputTokens int     `json:"max_output_tokens,omitempty"`
}

// GenerationRequest is a complete request to the reasoning model.
type GenerationRequest struct {
	SystemPrompt string            `json:"system_prompt"`
	UserPrompt   string            `json:"user_prompt"`
	Tier         ModelTier         `json:"tier"`
	Options      GenerationOptions `json:"options"`
}

// Reasoner abstracts the language-model collaborator used for planning,
// step refinement, correction suggestion and semantic verification. It must
// be treated as fallible and slow: an empty or malformed response is a
// recoverable failure, never a crash.
type Reasoner interface {
	// Generate produces a completion for the request. Context cancellation
	// and timeouts must be honoured by the implementation.
	Generate(ctx context.Context, req GenerationRequest) (string, error)
	// Close releases any resources held by the client.
	Close() error
}

// SnapshotProvider supplies the current page representation.
type SnapshotProvider interface {
	// Capture returns a snapshot of the page as it is right now.
	Capture(ctx context.Context) (PageSnapshot, error)
}

// Store persists tasks, per-turn action records, and verification and
// correction records. Once an action has been returned to the caller its
// "before" snapshot must already be durably recorded, so the next turn's
// verification can diff against it.
type Store interface {
	// LoadTask returns the task for the ID, or ErrTaskNotFound.
	LoadTask(ctx context.Context, id string) (*Task, error)
	// SaveTask inserts or updates a task record.
	SaveTask(ctx context.Context, task *Task) error
	// AppendTurn durably records an action turn. Turns are append-only.
	AppendTurn(ctx context.Context, turn *ActionTurn) error
	// LatestTurn returns the most recent turn for a task, or nil when the
	// task has no history yet.
	LatestTurn(ctx context.Context, taskID string) (*ActionTurn, error)
	// TurnCount returns the number of recorded turns for a task.
	TurnCount(ctx context.Context, taskID string) (int, error)
	// MarkTurnVerified records that a turn has been consumed by
	// verification, so it is never verified twice.
	MarkTurnVerified(ctx context.Context, turnID string, at time.Time) error
	// RecordVerification appends a verification record for a task.
	RecordVerification(ctx context.Context, taskID string, res VerificationResult) error
	// RecordCorrection appends a correction record for a task.
	RecordCorrection(ctx context.Context, taskID string, res CorrectionResult) error
	// RecentCorrections returns up to limit correction records for a task,
	// most recent last.
	RecentCorrections(ctx context.Context, taskID string, limit int) ([]CorrectionResult, error)
}
