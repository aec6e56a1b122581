// Package search recalls past experiences similar to a new goal. Vectors
// come from an embedding provider; lookups go to Qdrant when configured and
// healthy, otherwise to the pgvector column in the run store.
package search

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/michi/internal/model"
)

// Hit is an experience ID and its raw similarity from the index. The caller
// hydrates full records from the run store (source of truth).
type Hit struct {
	ExperienceID uuid.UUID
	Score        float32
}

// Index is an external vector index over experiences. Implementations must
// be safe for concurrent use.
type Index interface {
	// Search returns experience IDs owned by userID, most similar first.
	Search(ctx context.Context, userID string, embedding []float32, limit int) ([]Hit, error)

	// Upsert inserts or replaces points.
	Upsert(ctx context.Context, points []Point) error

	// Healthy returns nil if the index is reachable.
	Healthy(ctx context.Context) error
}

// Point is the data indexed for a single experience.
type Point struct {
	ID        uuid.UUID
	UserID    string
	RunID     uuid.UUID
	Tags      []string
	Outcome   string
	CreatedAt time.Time
	Embedding []float32
}

// ReScore weights raw similarity by evaluation score and recency, sorts
// descending, and truncates to limit. Experiences without a similarity are
// dropped.
//
// Formula: relevance = similarity * (0.7 + 0.3 * eval_score) * (1.0 / (1.0 + age_days / 30.0))
// An unscored experience counts as eval_score 0.5.
func ReScore(exps []model.Experience, limit int) []model.Experience {
	now := time.Now()
	scored := make([]model.Experience, 0, len(exps))
	for _, e := range exps {
		if e.Similarity == nil {
			continue
		}
		eval := 0.5
		if e.EvalScore != nil {
			eval = math.Max(0, math.Min(1, *e.EvalScore))
		}
		ageDays := math.Max(0, now.Sub(e.CreatedAt).Hours()/24.0)
		relevance := float64(*e.Similarity) * (0.7 + 0.3*eval) * (1.0 / (1.0 + ageDays/30.0))
		s := float32(math.Min(relevance, 1.0))
		e.Similarity = &s
		scored = append(scored, e)
	}

	sort.SliceStable(scored, func(i, j int) bool {
		return *scored[i].Similarity > *scored[j].Similarity
	})
	if len(scored) > limit {
		scored = scored[:limit]
	}
	return scored
}
