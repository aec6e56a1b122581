package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/michi/internal/model"
)

// CreateRoutingDecision appends a router decision to a run's audit trail.
func (db *DB) CreateRoutingDecision(ctx context.Context, d model.RoutingDecision) (model.RoutingDecision, error) {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	d.CreatedAt = time.Now().UTC()
	if d.Toolset == nil {
		d.Toolset = []string{}
	}

	_, err := db.pool.Exec(ctx,
		`INSERT INTO routing_decisions (id, run_id, step_id, provider, model, toolset, reason, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		d.ID, d.RunID, d.StepID, d.Provider, d.Model, d.Toolset, d.Reason, d.CreatedAt,
	)
	if err != nil {
		return model.RoutingDecision{}, fmt.Errorf("storage: create routing decision: %w", err)
	}
	return d, nil
}

// ListRoutingDecisions returns a run's routing decisions in creation order.
func (db *DB) ListRoutingDecisions(ctx context.Context, runID uuid.UUID) ([]model.RoutingDecision, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, run_id, step_id, provider, model, toolset, reason, created_at
		 FROM routing_decisions WHERE run_id = $1 ORDER BY created_at, id`, runID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list routing decisions: %w", err)
	}
	defer rows.Close()

	var out []model.RoutingDecision
	for rows.Next() {
		var d model.RoutingDecision
		if err := rows.Scan(&d.ID, &d.RunID, &d.StepID, &d.Provider, &d.Model, &d.Toolset, &d.Reason, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan routing decision: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
