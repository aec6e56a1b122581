package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/michi/internal/model"
)

// CreateMemory stores a user-scoped memory note. Memory is never expired or
// deduplicated here.
func (db *DB) CreateMemory(ctx context.Context, m model.Memory) (model.Memory, error) {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	m.CreatedAt = time.Now().UTC()

	var links any
	if len(m.Links) > 0 {
		links = m.Links
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO agent_memory (id, user_id, type, content, links, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		m.ID, m.UserID, string(m.Type), m.Content, links, m.CreatedAt,
	)
	if err != nil {
		return model.Memory{}, fmt.Errorf("storage: create memory: %w", err)
	}
	return m, nil
}

// ListMemory returns the user's memory notes, newest first, optionally
// filtered by type.
func (db *DB) ListMemory(ctx context.Context, userID string, memType model.MemoryType, limit int) ([]model.Memory, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, user_id, type, content, links, created_at FROM agent_memory
		 WHERE user_id = $1 AND ($2 = '' OR type = $2)
		 ORDER BY created_at DESC LIMIT $3`,
		userID, string(memType), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list memory: %w", err)
	}
	defer rows.Close()

	var out []model.Memory
	for rows.Next() {
		var m model.Memory
		if err := rows.Scan(&m.ID, &m.UserID, &m.Type, &m.Content, &m.Links, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan memory: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
