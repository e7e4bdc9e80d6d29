// File: cmd/run.go
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/helmsman/api/schemas"
	"github.com/xkilldash9x/helmsman/internal/observability"
	"github.com/xkilldash9x/helmsman/internal/orchestrator"
	"github.com/xkilldash9x/helmsman/internal/reasoner"
	"github.com/xkilldash9x/helmsman/internal/snapshot"
	"github.com/xkilldash9x/helmsman/internal/store"
)

var (
	runStartURL string
	runTenantID string
	runTaskID   string
	runMaxTurns int
)

var runCmd = &cobra.Command{
	Use:   "run \"<goal>\"",
	Short: "Drive the browser toward a goal until it completes, fails or needs you.",
	Args:  cobra.ExactArgs(1),
	RunE:  runTask,
}

func init() {
	runCmd.Flags().StringVar(&runStartURL, "start-url", "", "page to open before the first turn")
	runCmd.Flags().StringVar(&runTenantID, "tenant", "", "tenant identifier recorded on the task")
	runCmd.Flags().StringVar(&runTaskID, "task", "", "resume an existing task by ID")
	runCmd.Flags().IntVar(&runMaxTurns, "max-turns", 25, "hard cap on turns before giving up")
	rootCmd.AddCommand(runCmd)
}

func runTask(cmd *cobra.Command, args []string) error {
	goal := args[0]
	logger := observability.GetLogger()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, cleanup, err := openStore(ctx, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	llm, err := reasoner.NewGeminiClient(appCfg.Reasoner, logger)
	if err != nil {
		return err
	}
	defer llm.Close()

	browser, err := snapshot.NewBrowser(appCfg.Browser, logger)
	if err != nil {
		return err
	}
	defer browser.Close()

	if runStartURL != "" {
		if err := browser.Execute(ctx, schemas.Navigate(runStartURL)); err != nil {
			return fmt.Errorf("failed to open start url: %w", err)
		}
	}

	orch := orchestrator.New(logger, appCfg, st, llm)

	var (
		taskID   = runTaskID
		prevSnap *schemas.PageSnapshot
		execErr  error
	)
	for turn := 1; turn <= runMaxTurns; turn++ {
		snap, err := browser.Capture(ctx)
		if err != nil {
			return fmt.Errorf("turn %d: %w", turn, err)
		}

		resp, err := orch.HandleTurn(ctx, orchestrator.TurnRequest{
			TaskID:       taskID,
			TenantID:     runTenantID,
			Goal:         goal,
			Snapshot:     snap,
			Observations: observe(prevSnap, snap, execErr),
		})
		if err != nil {
			return fmt.Errorf("turn %d: %w", turn, err)
		}
		taskID = resp.TaskID
		prevSnap = &snap
		execErr = nil

		logger.Info("Turn",
			zap.Int("n", turn),
			zap.String("status", string(resp.Status)),
			zap.String("action", resp.Action),
			zap.String("reason", resp.Reason))

		if resp.Status.Terminal() {
			fmt.Printf("task %s: %s\n", resp.Status, resp.Reason)
			return nil
		}
		if resp.Status == schemas.TaskStatusAwaitingUser || resp.Status == schemas.TaskStatusNeedsUserInput {
			fmt.Printf("task paused (%s): %s\n", resp.Status, resp.Reason)
			if resp.Blocker != nil && len(resp.Blocker.RequiredInputs) > 0 {
				fmt.Printf("required: %v\n", resp.Blocker.RequiredInputs)
			}
			fmt.Printf("resume with: helmsman run --task %s %q\n", taskID, goal)
			return nil
		}
		if resp.Action == "" {
			continue
		}

		act, err := schemas.ParseAction(resp.Action)
		if err != nil {
			return fmt.Errorf("turn %d: unreadable action %q: %w", turn, resp.Action, err)
		}
		if resp.Correction != nil && resp.Correction.Delay > 0 {
			logger.Info("Waiting before retry", zap.Duration("delay", resp.Correction.Delay))
			select {
			case <-time.After(resp.Correction.Delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err := browser.Execute(ctx, act); err != nil {
			// Executed-but-failed is an observation for the next turn's
			// verification, not a crash.
			logger.Warn("Action execution failed", zap.String("action", resp.Action), zap.Error(err))
			execErr = err
		}
	}
	return fmt.Errorf("gave up after %d turns", runMaxTurns)
}

// openStore selects Postgres when a DSN is configured, the in-memory store
// otherwise.
func openStore(ctx context.Context, logger *zap.Logger) (schemas.Store, func(), error) {
	if appCfg.Database.DSN == "" {
		logger.Info("No database configured, using the in-memory store")
		return store.NewMemory(), func() {}, nil
	}
	poolCfg, err := pgxpool.ParseConfig(appCfg.Database.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid database dsn: %w", err)
	}
	if appCfg.Database.MaxConns > 0 {
		poolCfg.MaxConns = appCfg.Database.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database pool: %w", err)
	}
	pg, err := store.NewPostgres(ctx, pool, logger)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	if err := pg.Migrate(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}
	return pg, pool.Close, nil
}

// observe derives the client-side signals for a turn by comparing what the
// executor saw before and after the last action.
func observe(prev *schemas.PageSnapshot, curr schemas.PageSnapshot, execErr error) schemas.ClientObservations {
	if prev == nil {
		return schemas.ClientObservations{}
	}
	obs := schemas.ClientObservations{
		Reported:   true,
		DOMMutated: prev.ContentHash != curr.ContentHash,
		URLChanged: prev.URL != curr.URL,
	}
	// A stale element ID is a failed action the verifier sees through the
	// unchanged page, not an infrastructure failure.
	if execErr != nil && !errors.Is(execErr, snapshot.ErrElementNotFound) {
		obs.NetworkError = execErr.Error()
	}
	return obs
}
