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

// CreateStep appends a step to a run's log. A duplicate step index returns
// ErrConflict.
func (db *DB) CreateStep(ctx context.Context, step model.Step) (model.Step, error) {
	if step.ID == uuid.Nil {
		step.ID = uuid.New()
	}
	step.CreatedAt = time.Now().UTC()
	step.Patched = false

	_, err := db.pool.Exec(ctx,
		`INSERT INTO agent_steps (id, run_id, step_index, kind, input, output, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		step.ID, step.RunID, step.StepIndex, string(step.Kind),
		nullJSON(step.Input), nullJSON(step.Output), step.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return model.Step{}, fmt.Errorf("storage: step %d of run %s: %w", step.StepIndex, step.RunID, ErrConflict)
		}
		return model.Step{}, fmt.Errorf("storage: create step: %w", err)
	}
	return step, nil
}

// ListSteps returns a run's steps ordered by step index.
func (db *DB) ListSteps(ctx context.Context, runID uuid.UUID) ([]model.Step, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, run_id, step_index, kind, input, output, patched, created_at
		 FROM agent_steps WHERE run_id = $1 ORDER BY step_index`, runID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list steps: %w", err)
	}
	defer rows.Close()

	var steps []model.Step
	for rows.Next() {
		var s model.Step
		if err := rows.Scan(&s.ID, &s.RunID, &s.StepIndex, &s.Kind, &s.Input, &s.Output, &s.Patched, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan step: %w", err)
		}
		steps = append(steps, s)
	}
	return steps, rows.Err()
}

// PatchStepOutput replaces a step's output. Each step may be patched once.
func (db *DB) PatchStepOutput(ctx context.Context, stepID uuid.UUID, output json.RawMessage) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE agent_steps SET output = $1, patched = true WHERE id = $2 AND NOT patched`,
		nullJSON(output), stepID,
	)
	if err != nil {
		return fmt.Errorf("storage: patch step: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	var patched bool
	err = db.pool.QueryRow(ctx, `SELECT patched FROM agent_steps WHERE id = $1`, stepID).Scan(&patched)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("storage: step %s: %w", stepID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("storage: patch step: %w", err)
	}
	return fmt.Errorf("storage: step %s: %w", stepID, ErrStepPatched)
}
