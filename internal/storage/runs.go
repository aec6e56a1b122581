package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/michi/internal/model"
)

const runColumns = `id, user_id, mode, goal, input, status, result, error_message, created_at, started_at, finished_at`

func scanRun(row pgx.Row) (model.Run, error) {
	var r model.Run
	err := row.Scan(
		&r.ID, &r.UserID, &r.Mode, &r.Goal, &r.Input, &r.Status,
		&r.Result, &r.ErrorMessage, &r.CreatedAt, &r.StartedAt, &r.FinishedAt,
	)
	return r, err
}

// CreateRun inserts a queued run.
func (db *DB) CreateRun(ctx context.Context, run model.Run) (model.Run, error) {
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	run.Status = model.RunStatusQueued
	run.CreatedAt = time.Now().UTC()

	_, err := db.pool.Exec(ctx,
		`INSERT INTO agent_runs (id, user_id, mode, goal, input, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		run.ID, run.UserID, string(run.Mode), run.Goal, nullJSON(run.Input),
		string(run.Status), run.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return model.Run{}, fmt.Errorf("storage: create run %s: %w", run.ID, ErrConflict)
		}
		return model.Run{}, fmt.Errorf("storage: create run: %w", err)
	}
	return run, nil
}

// GetRun retrieves a run by ID, scoped to the given user.
func (db *DB) GetRun(ctx context.Context, userID string, id uuid.UUID) (model.Run, error) {
	run, err := scanRun(db.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM agent_runs WHERE id = $1 AND user_id = $2`, id, userID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Run{}, fmt.Errorf("storage: run %s: %w", id, ErrNotFound)
		}
		return model.Run{}, fmt.Errorf("storage: get run: %w", err)
	}
	return run, nil
}

// ListRuns returns a user's runs, newest first.
func (db *DB) ListRuns(ctx context.Context, userID string, limit, offset int) ([]model.Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.pool.Query(ctx,
		`SELECT `+runColumns+` FROM agent_runs WHERE user_id = $1
		 ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
		userID, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list runs: %w", err)
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// StartRun moves a queued run owned by userID to running.
func (db *DB) StartRun(ctx context.Context, userID string, id uuid.UUID) (model.Run, error) {
	run, err := scanRun(db.pool.QueryRow(ctx,
		`UPDATE agent_runs SET status = 'running', started_at = now()
		 WHERE id = $1 AND user_id = $2 AND status = 'queued'
		 RETURNING `+runColumns, id, userID,
	))
	if err == nil {
		return run, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return model.Run{}, fmt.Errorf("storage: start run: %w", err)
	}
	if _, getErr := db.GetRun(ctx, userID, id); getErr != nil {
		return model.Run{}, getErr
	}
	return model.Run{}, fmt.Errorf("storage: start run %s: %w", id, ErrInvalidTransition)
}

// FinishRun moves a running run to a terminal status. The update only
// applies while the run is still running, so a cancelled run stays cancelled.
func (db *DB) FinishRun(ctx context.Context, id uuid.UUID, status model.RunStatus, result json.RawMessage, errMsg *string) error {
	if !model.RunStatusRunning.CanTransition(status) {
		return fmt.Errorf("storage: finish run %s as %s: %w", id, status, ErrInvalidTransition)
	}
	tag, err := db.pool.Exec(ctx,
		`UPDATE agent_runs SET status = $1, result = $2, error_message = $3, finished_at = now()
		 WHERE id = $4 AND status = 'running'`,
		string(status), nullJSON(result), errMsg, id,
	)
	if err != nil {
		return fmt.Errorf("storage: finish run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := db.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM agent_runs WHERE id = $1)`, id).Scan(&exists); err != nil {
			return fmt.Errorf("storage: finish run: %w", err)
		}
		if !exists {
			return fmt.Errorf("storage: run %s: %w", id, ErrNotFound)
		}
		return fmt.Errorf("storage: finish run %s: %w", id, ErrInvalidTransition)
	}
	return nil
}

// CancelRun moves a queued or running run owned by userID to cancelled.
func (db *DB) CancelRun(ctx context.Context, userID string, id uuid.UUID) (model.Run, error) {
	run, err := scanRun(db.pool.QueryRow(ctx,
		`UPDATE agent_runs SET status = 'cancelled', finished_at = now()
		 WHERE id = $1 AND user_id = $2 AND status IN ('queued', 'running')
		 RETURNING `+runColumns, id, userID,
	))
	if err == nil {
		return run, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return model.Run{}, fmt.Errorf("storage: cancel run: %w", err)
	}
	if _, getErr := db.GetRun(ctx, userID, id); getErr != nil {
		return model.Run{}, getErr
	}
	return model.Run{}, fmt.Errorf("storage: cancel run %s: %w", id, ErrInvalidTransition)
}

// nullJSON maps an empty payload to SQL NULL.
func nullJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return raw
}
