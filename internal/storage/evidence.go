package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/michi/internal/model"
)

// CreateEvidence inserts a batch of evidence records with COPY.
func (db *DB) CreateEvidence(ctx context.Context, evs []model.Evidence) ([]model.Evidence, error) {
	if len(evs) == 0 {
		return nil, nil
	}

	columns := []string{"id", "run_id", "claim", "evidence_text", "source_type", "source_ref", "confidence", "created_at"}
	now := time.Now().UTC()
	out := make([]model.Evidence, len(evs))
	rows := make([][]any, len(evs))
	for i, ev := range evs {
		if ev.ID == uuid.Nil {
			ev.ID = uuid.New()
		}
		ev.CreatedAt = now.Add(time.Duration(i) * time.Microsecond)
		ev.SourceType = model.ParseEvidenceSource(string(ev.SourceType))
		out[i] = ev
		rows[i] = []any{ev.ID, ev.RunID, ev.Claim, ev.EvidenceText, string(ev.SourceType), ev.SourceRef, ev.Confidence, ev.CreatedAt}
	}

	if _, err := db.pool.CopyFrom(ctx, pgx.Identifier{"agent_evidence"}, columns, pgx.CopyFromRows(rows)); err != nil {
		return nil, fmt.Errorf("storage: copy evidence: %w", err)
	}
	return out, nil
}

// ListEvidence returns a run's evidence in creation order.
func (db *DB) ListEvidence(ctx context.Context, runID uuid.UUID) ([]model.Evidence, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, run_id, claim, evidence_text, source_type, source_ref, confidence, created_at
		 FROM agent_evidence WHERE run_id = $1 ORDER BY created_at, id`, runID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list evidence: %w", err)
	}
	defer rows.Close()

	var out []model.Evidence
	for rows.Next() {
		var ev model.Evidence
		if err := rows.Scan(&ev.ID, &ev.RunID, &ev.Claim, &ev.EvidenceText, &ev.SourceType, &ev.SourceRef, &ev.Confidence, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan evidence: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
