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

const invocationColumns = `id, run_id, step_id, tool_name, args, result, status, started_at, finished_at, error_message`

func scanInvocation(row pgx.Row) (model.ToolInvocation, error) {
	var inv model.ToolInvocation
	err := row.Scan(
		&inv.ID, &inv.RunID, &inv.StepID, &inv.ToolName, &inv.Args, &inv.Result,
		&inv.Status, &inv.StartedAt, &inv.FinishedAt, &inv.ErrorMessage,
	)
	return inv, err
}

// CreateInvocation records a tool invocation and, when decision is non-nil,
// its safety decision in the same transaction.
func (db *DB) CreateInvocation(ctx context.Context, inv model.ToolInvocation, decision *model.SafetyDecision) (model.ToolInvocation, error) {
	if inv.ID == uuid.Nil {
		inv.ID = uuid.New()
	}
	if inv.StartedAt.IsZero() {
		inv.StartedAt = time.Now().UTC()
	}

	err := db.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO tool_invocations (id, run_id, step_id, tool_name, args, result, status,
			 started_at, finished_at, error_message)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			inv.ID, inv.RunID, inv.StepID, inv.ToolName, nullJSON(inv.Args), nullJSON(inv.Result),
			string(inv.Status), inv.StartedAt, inv.FinishedAt, inv.ErrorMessage,
		); err != nil {
			return fmt.Errorf("insert invocation: %w", err)
		}
		if decision == nil {
			return nil
		}
		if decision.ID == uuid.Nil {
			decision.ID = uuid.New()
		}
		decision.InvocationID = inv.ID
		decision.CreatedAt = time.Now().UTC()
		reasons := decision.Reasons
		if reasons == nil {
			reasons = []model.SafetyReason{}
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO safety_decisions (id, invocation_id, decision, reasons, feedback, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			decision.ID, decision.InvocationID, string(decision.Decision), reasons,
			decision.Feedback, decision.CreatedAt,
		); err != nil {
			return fmt.Errorf("insert safety decision: %w", err)
		}
		return nil
	})
	if err != nil {
		return model.ToolInvocation{}, fmt.Errorf("storage: create invocation: %w", err)
	}
	return inv, nil
}

// FinishInvocation records the outcome of executing an invocation that is
// pending execution (status success, no finished_at).
func (db *DB) FinishInvocation(ctx context.Context, id uuid.UUID, status model.InvocationStatus, result json.RawMessage, errMsg *string) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE tool_invocations SET status = $1, result = $2, error_message = $3, finished_at = now()
		 WHERE id = $4 AND status = 'success' AND finished_at IS NULL`,
		string(status), nullJSON(result), errMsg, id,
	)
	if err != nil {
		return fmt.Errorf("storage: finish invocation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return db.invocationStateError(ctx, id)
	}
	return nil
}

// ClaimConfirmation moves a needs_confirmation invocation to pending
// execution. Exactly one caller wins; the rest get ErrAlreadyResolved.
// started_at keeps the dispatch time.
func (db *DB) ClaimConfirmation(ctx context.Context, runID, id uuid.UUID) (model.ToolInvocation, error) {
	inv, err := scanInvocation(db.pool.QueryRow(ctx,
		`UPDATE tool_invocations SET status = 'success', result = NULL
		 WHERE id = $1 AND run_id = $2 AND status = 'needs_confirmation'
		 RETURNING `+invocationColumns, id, runID,
	))
	if err == nil {
		return inv, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return model.ToolInvocation{}, fmt.Errorf("storage: claim confirmation: %w", err)
	}
	if _, getErr := db.GetInvocation(ctx, runID, id); getErr != nil {
		return model.ToolInvocation{}, getErr
	}
	return model.ToolInvocation{}, fmt.Errorf("storage: invocation %s: %w", id, ErrAlreadyResolved)
}

// RejectConfirmation marks a needs_confirmation invocation failed without
// executing it.
func (db *DB) RejectConfirmation(ctx context.Context, runID, id uuid.UUID, reason string) (model.ToolInvocation, error) {
	inv, err := scanInvocation(db.pool.QueryRow(ctx,
		`UPDATE tool_invocations SET status = 'failed', error_message = $3, finished_at = now()
		 WHERE id = $1 AND run_id = $2 AND status = 'needs_confirmation'
		 RETURNING `+invocationColumns, id, runID, reason,
	))
	if err == nil {
		return inv, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return model.ToolInvocation{}, fmt.Errorf("storage: reject confirmation: %w", err)
	}
	if _, getErr := db.GetInvocation(ctx, runID, id); getErr != nil {
		return model.ToolInvocation{}, getErr
	}
	return model.ToolInvocation{}, fmt.Errorf("storage: invocation %s: %w", id, ErrAlreadyResolved)
}

// GetInvocation retrieves one invocation of a run.
func (db *DB) GetInvocation(ctx context.Context, runID, id uuid.UUID) (model.ToolInvocation, error) {
	inv, err := scanInvocation(db.pool.QueryRow(ctx,
		`SELECT `+invocationColumns+` FROM tool_invocations WHERE id = $1 AND run_id = $2`, id, runID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.ToolInvocation{}, fmt.Errorf("storage: invocation %s: %w", id, ErrNotFound)
		}
		return model.ToolInvocation{}, fmt.Errorf("storage: get invocation: %w", err)
	}
	return inv, nil
}

// ListInvocations returns a run's invocations in dispatch order.
func (db *DB) ListInvocations(ctx context.Context, runID uuid.UUID) ([]model.ToolInvocation, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+invocationColumns+` FROM tool_invocations WHERE run_id = $1 ORDER BY seq`, runID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list invocations: %w", err)
	}
	defer rows.Close()

	var out []model.ToolInvocation
	for rows.Next() {
		inv, err := scanInvocation(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan invocation: %w", err)
		}
		out = append(out, inv)
	}
	return out, rows.Err()
}

// ListSafetyDecisions returns the safety decisions of a run's invocations.
func (db *DB) ListSafetyDecisions(ctx context.Context, runID uuid.UUID) ([]model.SafetyDecision, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT sd.id, sd.invocation_id, sd.decision, sd.reasons, sd.feedback, sd.created_at
		 FROM safety_decisions sd
		 JOIN tool_invocations ti ON ti.id = sd.invocation_id
		 WHERE ti.run_id = $1 ORDER BY sd.created_at, sd.id`, runID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list safety decisions: %w", err)
	}
	defer rows.Close()

	var out []model.SafetyDecision
	for rows.Next() {
		var d model.SafetyDecision
		if err := rows.Scan(&d.ID, &d.InvocationID, &d.Decision, &d.Reasons, &d.Feedback, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan safety decision: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// ListPendingConfirmations returns every invocation awaiting confirmation
// across the user's runs, oldest first.
func (db *DB) ListPendingConfirmations(ctx context.Context, userID string) ([]model.PendingConfirmation, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT ti.id, ti.run_id, ti.step_id, ti.tool_name, ti.args, ti.result, ti.status,
		        ti.started_at, ti.finished_at, ti.error_message,
		        r.goal, r.mode,
		        sd.id, sd.decision, sd.reasons, sd.feedback, sd.created_at
		 FROM tool_invocations ti
		 JOIN agent_runs r ON r.id = ti.run_id
		 LEFT JOIN safety_decisions sd ON sd.invocation_id = ti.id
		 WHERE r.user_id = $1 AND ti.status = 'needs_confirmation'
		 ORDER BY ti.seq`, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list pending confirmations: %w", err)
	}
	defer rows.Close()

	var out []model.PendingConfirmation
	for rows.Next() {
		var (
			p        model.PendingConfirmation
			inv      = &p.Invocation
			decID    *uuid.UUID
			verdict  *string
			reasons  []model.SafetyReason
			feedback *string
			decAt    *time.Time
		)
		if err := rows.Scan(
			&inv.ID, &inv.RunID, &inv.StepID, &inv.ToolName, &inv.Args, &inv.Result, &inv.Status,
			&inv.StartedAt, &inv.FinishedAt, &inv.ErrorMessage,
			&p.Goal, &p.Mode,
			&decID, &verdict, &reasons, &feedback, &decAt,
		); err != nil {
			return nil, fmt.Errorf("storage: scan pending confirmation: %w", err)
		}
		if decID != nil {
			p.Decision = &model.SafetyDecision{
				ID:           *decID,
				InvocationID: inv.ID,
				Decision:     model.Verdict(*verdict),
				Reasons:      reasons,
				Feedback:     feedback,
				CreatedAt:    *decAt,
			}
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (db *DB) invocationStateError(ctx context.Context, id uuid.UUID) error {
	var exists bool
	if err := db.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM tool_invocations WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("storage: invocation state: %w", err)
	}
	if !exists {
		return fmt.Errorf("storage: invocation %s: %w", id, ErrNotFound)
	}
	return fmt.Errorf("storage: invocation %s: %w", id, ErrAlreadyResolved)
}
