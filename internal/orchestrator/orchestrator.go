// File: internal/orchestrator/orchestrator.go
// Description: The turn loop. Each inbound request (goal + current page
// snapshot + client observations) runs once through the node graph and
// produces at most one action for the client to execute. All durable state
// lives in the store; the graph itself is stateless between turns.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/helmsman/api/schemas"
	"github.com/xkilldash9x/helmsman/internal/blocker"
	"github.com/xkilldash9x/helmsman/internal/config"
	"github.com/xkilldash9x/helmsman/internal/correction"
	"github.com/xkilldash9x/helmsman/internal/domdiff"
	"github.com/xkilldash9x/helmsman/internal/replan"
	"github.com/xkilldash9x/helmsman/internal/verify"
)

// Orchestrator owns the per-turn state machine and its collaborators.
type Orchestrator struct {
	log       *zap.Logger
	cfg       *config.Config
	store     schemas.Store
	reasoner  schemas.Reasoner
	verifier  *verify.Engine
	corrector *correction.Engine
	replanner *replan.Validator
}

// New wires the orchestrator and its sub-engines from configuration.
func New(logger *zap.Logger, cfg *config.Config, store schemas.Store, reasoner schemas.Reasoner) *Orchestrator {
	diff := domdiff.New(logger)
	blockers := blocker.New(logger)
	return &Orchestrator{
		log:       logger.Named("orchestrator"),
		cfg:       cfg,
		store:     store,
		reasoner:  reasoner,
		verifier:  verify.NewEngine(logger, reasoner, diff, blockers, cfg.Verification, cfg.Blocker),
		corrector: correction.New(logger, reasoner),
		replanner: replan.New(logger, diff, reasoner),
	}
}

// TurnRequest is one inbound turn: the goal (used only when the task is
// created), the page as the client sees it now, and what the client
// witnessed since the last action.
type TurnRequest struct {
	TaskID       string                     `json:"task_id,omitempty"` // Empty creates a new task.
	TenantID     string                     `json:"tenant_id,omitempty"`
	Goal         string                     `json:"goal"`
	Snapshot     schemas.PageSnapshot       `json:"snapshot"`
	Observations schemas.ClientObservations `json:"observations"`
}

// TurnResponse is what the client gets back: at most one action to execute,
// plus the task status and whatever the turn decided along the way.
type TurnResponse struct {
	TaskID       string                      `json:"task_id"`
	Status       schemas.TaskStatus          `json:"status"`
	Action       string                      `json:"action,omitempty"` // Wire-format; empty when the turn produced none.
	Reason       string                      `json:"reason,omitempty"`
	Verification *schemas.VerificationResult `json:"verification,omitempty"`
	Correction   *schemas.CorrectionResult   `json:"correction,omitempty"`
	Blocker      *schemas.BlockerContext     `json:"blocker,omitempty"`
	Trace        []string                    `json:"trace,omitempty"` // Nodes visited, in order.
}

// HandleTurn runs one full turn. The returned error is reserved for
// infrastructure failures (store unavailable); everything the state machine
// itself decides, including task failure, comes back in the response.
func (o *Orchestrator) HandleTurn(ctx context.Context, req TurnRequest) (*TurnResponse, error) {
	task, err := o.loadOrCreate(ctx, req)
	if err != nil {
		return nil, err
	}

	if task.Status.Terminal() {
		return &TurnResponse{
			TaskID: task.ID,
			Status: task.Status,
			Reason: fmt.Sprintf("task is already %s", task.Status),
		}, nil
	}

	// A paused task resumes on the next request: the caller re-engages once
	// the blocker is resolved or the missing input is supplied.
	if task.Status == schemas.TaskStatusAwaitingUser || task.Status == schemas.TaskStatusNeedsUserInput {
		o.log.Info("Resuming paused task", zap.String("task_id", task.ID), zap.String("was", string(task.Status)))
		task.Status = schemas.TaskStatusActive
		task.Blocker = nil
	}

	prev, err := o.store.LatestTurn(ctx, task.ID)
	if err != nil {
		return nil, fmt.Errorf("loading latest turn for task %s: %w", task.ID, err)
	}

	st := &turnState{
		task:     task,
		snapshot: req.Snapshot,
		obs:      req.Observations,
		prevTurn: prev,
	}
	o.runGraph(ctx, st)

	if err := o.persist(ctx, st); err != nil {
		return nil, err
	}

	resp := &TurnResponse{
		TaskID:       task.ID,
		Status:       task.Status,
		Reason:       st.reason,
		Verification: st.verification,
		Correction:   st.correctionRes,
		Blocker:      task.Blocker,
		Trace:        st.trace,
	}
	if !st.action.Zero() {
		resp.Action = st.action.String()
	}
	o.log.Info("Turn complete",
		zap.String("task_id", task.ID),
		zap.String("status", string(task.Status)),
		zap.String("action", resp.Action),
		zap.Strings("trace", st.trace))
	return resp, nil
}

// loadOrCreate resolves the task for a request, creating one on the first
// turn of a goal.
func (o *Orchestrator) loadOrCreate(ctx context.Context, req TurnRequest) (*schemas.Task, error) {
	if req.TaskID != "" {
		task, err := o.store.LoadTask(ctx, req.TaskID)
		switch {
		case err == nil:
			return task, nil
		case !errors.Is(err, schemas.ErrTaskNotFound):
			return nil, fmt.Errorf("loading task %s: %w", req.TaskID, err)
		}
	}

	goal := strings.TrimSpace(req.Goal)
	if goal == "" {
		return nil, fmt.Errorf("a new task requires a non-empty goal")
	}
	now := time.Now().UTC()
	task := &schemas.Task{
		ID:        req.TaskID,
		TenantID:  req.TenantID,
		Goal:      goal,
		Status:    schemas.TaskStatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if err := o.store.SaveTask(ctx, task); err != nil {
		return nil, fmt.Errorf("creating task: %w", err)
	}
	o.log.Info("Task created", zap.String("task_id", task.ID), zap.String("goal", goal))
	return task, nil
}

// persist writes the turn's outputs. The action turn and the task record are
// written synchronously: an action must never reach the client before its
// "before" snapshot is durable. Verification and correction records are
// write-behind and allowed to fail with only a log line.
func (o *Orchestrator) persist(ctx context.Context, st *turnState) error {
	task := st.task
	task.UpdatedAt = time.Now().UTC()

	if !st.action.Zero() {
		turn := &schemas.ActionTurn{
			ID:              uuid.NewString(),
			TaskID:          task.ID,
			Action:          st.action.String(),
			Before:          st.snapshot,
			ExpectedOutcome: st.expected,
			StepIndex:       currentStepIndex(task.Plan),
			CreatedAt:       task.UpdatedAt,
		}
		if err := o.store.AppendTurn(ctx, turn); err != nil {
			return fmt.Errorf("recording action turn: %w", err)
		}
	}
	if err := o.store.SaveTask(ctx, task); err != nil {
		return fmt.Errorf("saving task %s: %w", task.ID, err)
	}

	if st.verifiedTurnID != "" {
		if err := o.store.MarkTurnVerified(ctx, st.verifiedTurnID, task.UpdatedAt); err != nil {
			o.log.Warn("Failed to mark turn verified", zap.String("turn_id", st.verifiedTurnID), zap.Error(err))
		}
	}
	if st.verification != nil {
		if err := o.store.RecordVerification(ctx, task.ID, *st.verification); err != nil {
			o.log.Warn("Failed to record verification", zap.String("task_id", task.ID), zap.Error(err))
		}
	}
	if st.correctionRes != nil {
		if err := o.store.RecordCorrection(ctx, task.ID, *st.correctionRes); err != nil {
			o.log.Warn("Failed to record correction", zap.String("task_id", task.ID), zap.Error(err))
		}
	}
	return nil
}

func currentStepIndex(plan *schemas.Plan) int {
	if step := plan.CurrentStep(); step != nil {
		return step.Index
	}
	return -1
}
