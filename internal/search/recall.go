package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"

	"github.com/ashita-ai/michi/internal/model"
	"github.com/ashita-ai/michi/internal/service/embedding"
)

// ExperienceStore is the slice of the run store recall reads from.
type ExperienceStore interface {
	SimilarExperiences(ctx context.Context, userID string, embedding pgvector.Vector, limit int) ([]model.Experience, error)
	GetExperiences(ctx context.Context, userID string, ids []uuid.UUID) ([]model.Experience, error)
}

// Recaller embeds situations and finds similar past experiences.
type Recaller struct {
	embedder embedding.Provider
	store    ExperienceStore
	index    Index // nil when no external index is configured
	logger   *slog.Logger
}

// NewRecaller creates a Recaller. index may be nil.
func NewRecaller(embedder embedding.Provider, store ExperienceStore, index Index, logger *slog.Logger) *Recaller {
	return &Recaller{embedder: embedder, store: store, index: index, logger: logger}
}

// Embed returns the vector for situation, or nil when embeddings are
// disabled.
func (r *Recaller) Embed(ctx context.Context, situation string) (*pgvector.Vector, error) {
	vec, err := r.embedder.Embed(ctx, situation)
	if errors.Is(err, embedding.ErrDisabled) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("search: embed situation: %w", err)
	}
	return &vec, nil
}

// Recall returns up to limit experiences similar to situation, best first.
// With embeddings disabled it returns nothing.
func (r *Recaller) Recall(ctx context.Context, userID, situation string, limit int) ([]model.Experience, error) {
	vec, err := r.Embed(ctx, situation)
	if err != nil || vec == nil {
		return nil, err
	}

	if r.index != nil {
		if err := r.index.Healthy(ctx); err == nil {
			exps, err := r.fromIndex(ctx, userID, vec.Slice(), limit)
			if err == nil {
				return ReScore(exps, limit), nil
			}
			r.logger.Warn("search: index query failed, falling back to store", "error", err)
		} else {
			r.logger.Warn("search: index unhealthy, falling back to store", "error", err)
		}
	}

	exps, err := r.store.SimilarExperiences(ctx, userID, *vec, limit*3)
	if err != nil {
		return nil, fmt.Errorf("search: similar experiences: %w", err)
	}
	return ReScore(exps, limit), nil
}

func (r *Recaller) fromIndex(ctx context.Context, userID string, vec []float32, limit int) ([]model.Experience, error) {
	hits, err := r.index.Search(ctx, userID, vec, limit)
	if err != nil {
		return nil, err
	}
	if len(hits) == 0 {
		return nil, nil
	}
	ids := make([]uuid.UUID, len(hits))
	scores := make(map[uuid.UUID]float32, len(hits))
	for i, h := range hits {
		ids[i] = h.ExperienceID
		scores[h.ExperienceID] = h.Score
	}
	exps, err := r.store.GetExperiences(ctx, userID, ids)
	if err != nil {
		return nil, err
	}
	for i := range exps {
		s := scores[exps[i].ID]
		exps[i].Similarity = &s
	}
	return exps, nil
}

// Index pushes an experience with an embedding to the external index.
// Without an index, or without an embedding, it does nothing.
func (r *Recaller) Index(ctx context.Context, exp model.Experience) error {
	if r.index == nil || exp.Embedding == nil {
		return nil
	}
	return r.index.Upsert(ctx, []Point{{
		ID:        exp.ID,
		UserID:    exp.UserID,
		RunID:     exp.RunID,
		Tags:      exp.Tags,
		Outcome:   exp.Outcome,
		CreatedAt: exp.CreatedAt,
		Embedding: exp.Embedding.Slice(),
	}})
}
