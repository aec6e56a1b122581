package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"github.com/ashita-ai/michi/internal/model"
)

const experienceColumns = `id, user_id, run_id, tags, situation, actions_summary, outcome, eval_score, created_at`

// CreateExperience records the summary of a completed run. A run has at
// most one experience.
func (db *DB) CreateExperience(ctx context.Context, exp model.Experience) (model.Experience, error) {
	if exp.ID == uuid.Nil {
		exp.ID = uuid.New()
	}
	exp.CreatedAt = time.Now().UTC()
	if exp.Tags == nil {
		exp.Tags = []string{}
	}

	_, err := db.pool.Exec(ctx,
		`INSERT INTO agent_experiences (id, user_id, run_id, tags, situation, actions_summary,
		 outcome, eval_score, embedding, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		exp.ID, exp.UserID, exp.RunID, exp.Tags, exp.Situation, exp.ActionsSummary,
		exp.Outcome, exp.EvalScore, exp.Embedding, exp.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return model.Experience{}, fmt.Errorf("storage: experience for run %s: %w", exp.RunID, ErrConflict)
		}
		return model.Experience{}, fmt.Errorf("storage: create experience: %w", err)
	}
	return exp, nil
}

// SimilarExperiences returns the user's experiences closest to embedding by
// cosine similarity. Experiences without an embedding, or embedded with a
// different dimension, are skipped.
func (db *DB) SimilarExperiences(ctx context.Context, userID string, embedding pgvector.Vector, limit int) ([]model.Experience, error) {
	if limit <= 0 {
		limit = 3
	}
	rows, err := db.pool.Query(ctx,
		`SELECT `+experienceColumns+`, (1 - (embedding <=> $2))::real AS similarity
		 FROM agent_experiences
		 WHERE user_id = $1 AND embedding IS NOT NULL AND vector_dims(embedding) = $3
		 ORDER BY embedding <=> $2
		 LIMIT $4`,
		userID, embedding, len(embedding.Slice()), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: similar experiences: %w", err)
	}
	defer rows.Close()

	var out []model.Experience
	for rows.Next() {
		var sim float32
		exp, err := scanExperience(rows, &sim)
		if err != nil {
			return nil, fmt.Errorf("storage: scan experience: %w", err)
		}
		exp.Similarity = &sim
		out = append(out, exp)
	}
	return out, rows.Err()
}

// GetExperiences loads experiences by ID for a user, preserving the order
// of ids. Unknown IDs are skipped.
func (db *DB) GetExperiences(ctx context.Context, userID string, ids []uuid.UUID) ([]model.Experience, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := db.pool.Query(ctx,
		`SELECT `+experienceColumns+` FROM agent_experiences WHERE user_id = $1 AND id = ANY($2)`,
		userID, ids,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: get experiences: %w", err)
	}
	defer rows.Close()

	byID := make(map[uuid.UUID]model.Experience, len(ids))
	for rows.Next() {
		exp, err := scanExperience(rows, nil)
		if err != nil {
			return nil, fmt.Errorf("storage: scan experience: %w", err)
		}
		byID[exp.ID] = exp
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: get experiences: %w", err)
	}

	out := make([]model.Experience, 0, len(byID))
	for _, id := range ids {
		if exp, ok := byID[id]; ok {
			out = append(out, exp)
		}
	}
	return out, nil
}

// ListExperiences returns the user's experiences, newest first.
func (db *DB) ListExperiences(ctx context.Context, userID string, limit int) ([]model.Experience, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.pool.Query(ctx,
		`SELECT `+experienceColumns+` FROM agent_experiences WHERE user_id = $1
		 ORDER BY created_at DESC LIMIT $2`, userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list experiences: %w", err)
	}
	defer rows.Close()

	var out []model.Experience
	for rows.Next() {
		exp, err := scanExperience(rows, nil)
		if err != nil {
			return nil, fmt.Errorf("storage: scan experience: %w", err)
		}
		out = append(out, exp)
	}
	return out, rows.Err()
}

func scanExperience(rows pgx.Rows, similarity *float32) (model.Experience, error) {
	var exp model.Experience
	dest := []any{
		&exp.ID, &exp.UserID, &exp.RunID, &exp.Tags, &exp.Situation, &exp.ActionsSummary,
		&exp.Outcome, &exp.EvalScore, &exp.CreatedAt,
	}
	if similarity != nil {
		dest = append(dest, similarity)
	}
	err := rows.Scan(dest...)
	return exp, err
}
