// File: internal/store/postgres.go
// Description: The PostgreSQL schemas.Store. Structured sub-objects (plan,
// snapshots, verification and correction records) are stored as jsonb; the
// counters and status are first-class columns so operators can query them.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/xkilldash9x/helmsman/api/schemas"
)

// DBPool abstracts pgxpool.Pool so tests can substitute a mock.
type DBPool interface {
	Ping(ctx context.Context) error
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Postgres is the durable store backing the turn loop.
type Postgres struct {
	pool DBPool
	log  *zap.Logger
}

// NewPostgres creates the store and verifies the connection.
func NewPostgres(ctx context.Context, pool DBPool, logger *zap.Logger) (*Postgres, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Postgres{pool: pool, log: logger.Named("store")}, nil
}

// Migrate creates the tables when they do not exist yet.
func (s *Postgres) Migrate(ctx context.Context) error {
	const ddl = `
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL DEFAULT '',
		goal TEXT NOT NULL,
		status TEXT NOT NULL,
		consecutive_failures INT NOT NULL DEFAULT 0,
		successes_without_completion INT NOT NULL DEFAULT 0,
		correction_attempts INT NOT NULL DEFAULT 0,
		plan JSONB,
		sub_tasks JSONB,
		blocker JSONB,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);
	CREATE TABLE IF NOT EXISTS action_turns (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL REFERENCES tasks(id),
		action TEXT NOT NULL,
		before JSONB NOT NULL,
		expected_outcome TEXT NOT NULL DEFAULT '',
		step_index INT NOT NULL DEFAULT -1,
		created_at TIMESTAMPTZ NOT NULL,
		verified_at TIMESTAMPTZ
	);
	CREATE INDEX IF NOT EXISTS action_turns_task_idx ON action_turns (task_id, created_at);
	CREATE TABLE IF NOT EXISTS verifications (
		task_id TEXT NOT NULL REFERENCES tasks(id),
		record JSONB NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	);
	CREATE TABLE IF NOT EXISTS corrections (
		task_id TEXT NOT NULL REFERENCES tasks(id),
		record JSONB NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	);`
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// LoadTask returns the task for the ID, or schemas.ErrTaskNotFound.
func (s *Postgres) LoadTask(ctx context.Context, id string) (*schemas.Task, error) {
	const query = `
		SELECT id, tenant_id, goal, status,
		       consecutive_failures, successes_without_completion, correction_attempts,
		       plan, sub_tasks, blocker, created_at, updated_at
		FROM tasks WHERE id = $1;`
	rows, err := s.pool.Query(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query task: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("error during task row iteration: %w", err)
		}
		return nil, schemas.ErrTaskNotFound
	}

	var (
		task                    schemas.Task
		statusStr               string
		planRaw, subRaw, blkRaw []byte
	)
	if err := rows.Scan(
		&task.ID, &task.TenantID, &task.Goal, &statusStr,
		&task.ConsecutiveFailures, &task.SuccessesWithoutCompletion, &task.CorrectionAttempts,
		&planRaw, &subRaw, &blkRaw, &task.CreatedAt, &task.UpdatedAt,
	); err != nil {
		return nil, fmt.Errorf("failed to scan task row: %w", err)
	}
	task.Status = schemas.TaskStatus(statusStr)
	if err := unmarshalInto(planRaw, &task.Plan); err != nil {
		return nil, fmt.Errorf("failed to decode stored plan: %w", err)
	}
	if err := unmarshalInto(subRaw, &task.SubTasks); err != nil {
		return nil, fmt.Errorf("failed to decode stored sub-tasks: %w", err)
	}
	if err := unmarshalInto(blkRaw, &task.Blocker); err != nil {
		return nil, fmt.Errorf("failed to decode stored blocker: %w", err)
	}
	return &task, nil
}

// SaveTask inserts or updates the task record.
func (s *Postgres) SaveTask(ctx context.Context, task *schemas.Task) error {
	planRaw, err := marshalNullable(task.Plan)
	if err != nil {
		return fmt.Errorf("failed to encode plan: %w", err)
	}
	subRaw, err := marshalNullable(task.SubTasks)
	if err != nil {
		return fmt.Errorf("failed to encode sub-tasks: %w", err)
	}
	blkRaw, err := marshalNullable(task.Blocker)
	if err != nil {
		return fmt.Errorf("failed to encode blocker: %w", err)
	}

	const query = `
		INSERT INTO tasks (id, tenant_id, goal, status,
			consecutive_failures, successes_without_completion, correction_attempts,
			plan, sub_tasks, blocker, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			consecutive_failures = EXCLUDED.consecutive_failures,
			successes_without_completion = EXCLUDED.successes_without_completion,
			correction_attempts = EXCLUDED.correction_attempts,
			plan = EXCLUDED.plan,
			sub_tasks = EXCLUDED.sub_tasks,
			blocker = EXCLUDED.blocker,
			updated_at = EXCLUDED.updated_at;`
	_, err = s.pool.Exec(ctx, query,
		task.ID, task.TenantID, task.Goal, string(task.Status),
		task.ConsecutiveFailures, task.SuccessesWithoutCompletion, task.CorrectionAttempts,
		planRaw, subRaw, blkRaw, task.CreatedAt.UTC(), task.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save task: %w", err)
	}
	return nil
}

// AppendTurn durably records an action turn.
func (s *Postgres) AppendTurn(ctx context.Context, turn *schemas.ActionTurn) error {
	beforeRaw, err := json.Marshal(turn.Before)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	const query = `
		INSERT INTO action_turns (id, task_id, action, before, expected_outcome, step_index, created_at, verified_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8);`
	_, err = s.pool.Exec(ctx, query,
		turn.ID, turn.TaskID, turn.Action, beforeRaw,
		turn.ExpectedOutcome, turn.StepIndex, turn.CreatedAt.UTC(), turn.VerifiedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append turn: %w", err)
	}
	return nil
}

// LatestTurn returns the most recent turn for a task, or nil without history.
func (s *Postgres) LatestTurn(ctx context.Context, taskID string) (*schemas.ActionTurn, error) {
	const query = `
		SELECT id, task_id, action, before, expected_outcome, step_index, created_at, verified_at
		FROM action_turns WHERE task_id = $1
		ORDER BY created_at DESC LIMIT 1;`
	rows, err := s.pool.Query(ctx, query, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to query latest turn: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("error during turn row iteration: %w", err)
		}
		return nil, nil
	}
	var (
		turn      schemas.ActionTurn
		beforeRaw []byte
	)
	if err := rows.Scan(
		&turn.ID, &turn.TaskID, &turn.Action, &beforeRaw,
		&turn.ExpectedOutcome, &turn.StepIndex, &turn.CreatedAt, &turn.VerifiedAt,
	); err != nil {
		return nil, fmt.Errorf("failed to scan turn row: %w", err)
	}
	if err := json.Unmarshal(beforeRaw, &turn.Before); err != nil {
		return nil, fmt.Errorf("failed to decode stored snapshot: %w", err)
	}
	return &turn, nil
}

// TurnCount returns the number of recorded turns for a task.
func (s *Postgres) TurnCount(ctx context.Context, taskID string) (int, error) {
	rows, err := s.pool.Query(ctx, `SELECT COUNT(*) FROM action_turns WHERE task_id = $1;`, taskID)
	if err != nil {
		return 0, fmt.Errorf("failed to count turns: %w", err)
	}
	defer rows.Close()

	var count int
	if rows.Next() {
		if err := rows.Scan(&count); err != nil {
			return 0, fmt.Errorf("failed to scan turn count: %w", err)
		}
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("error during count iteration: %w", err)
	}
	return count, nil
}

// MarkTurnVerified stamps the turn as consumed by verification.
func (s *Postgres) MarkTurnVerified(ctx context.Context, turnID string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE action_turns SET verified_at = $2 WHERE id = $1 AND verified_at IS NULL;`,
		turnID, at.UTC())
	if err != nil {
		return fmt.Errorf("failed to mark turn verified: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("turn %s not found or already verified", turnID)
	}
	return nil
}

// RecordVerification appends a verification record.
func (s *Postgres) RecordVerification(ctx context.Context, taskID string, res schemas.VerificationResult) error {
	raw, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("failed to encode verification: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO verifications (task_id, record, created_at) VALUES ($1,$2,$3);`,
		taskID, raw, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to record verification: %w", err)
	}
	return nil
}

// RecordCorrection appends a correction record.
func (s *Postgres) RecordCorrection(ctx context.Context, taskID string, res schemas.CorrectionResult) error {
	raw, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("failed to encode correction: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO corrections (task_id, record, created_at) VALUES ($1,$2,$3);`,
		taskID, raw, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to record correction: %w", err)
	}
	return nil
}

// RecentCorrections returns up to limit correction records, most recent last.
func (s *Postgres) RecentCorrections(ctx context.Context, taskID string, limit int) ([]schemas.CorrectionResult, error) {
	const query = `
		SELECT record FROM (
			SELECT record, created_at FROM corrections
			WHERE task_id = $1 ORDER BY created_at DESC LIMIT $2
		) recent ORDER BY created_at ASC;`
	rows, err := s.pool.Query(ctx, query, taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query corrections: %w", err)
	}
	defer rows.Close()

	var results []schemas.CorrectionResult
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("failed to scan correction row: %w", err)
		}
		var res schemas.CorrectionResult
		if err := json.Unmarshal(raw, &res); err != nil {
			return nil, fmt.Errorf("failed to decode stored correction: %w", err)
		}
		results = append(results, res)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during correction iteration: %w", err)
	}
	return results, nil
}

// marshalNullable encodes a pointer-typed sub-object, mapping nil to SQL NULL.
func marshalNullable[T any](v *T) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

// unmarshalInto decodes a nullable jsonb column into a pointer field.
func unmarshalInto[T any](raw []byte, target **T) error {
	if len(raw) == 0 || string(raw) == "null" {
		*target = nil
		return nil
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return err
	}
	*target = &v
	return nil
}
