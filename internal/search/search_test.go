package search

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/michi/internal/model"
	"github.com/ashita-ai/michi/internal/service/embedding"
	"github.com/ashita-ai/michi/internal/storage"
	"github.com/ashita-ai/michi/internal/testutil"
)

func f32(v float32) *float32 { return &v }
func f64(v float64) *float64 { return &v }

func TestReScore(t *testing.T) {
	now := time.Now()
	fresh := model.Experience{ID: uuid.New(), CreatedAt: now, Similarity: f32(0.8)}
	stale := model.Experience{ID: uuid.New(), CreatedAt: now.Add(-90 * 24 * time.Hour), Similarity: f32(0.9)}
	graded := model.Experience{ID: uuid.New(), CreatedAt: now, Similarity: f32(0.8), EvalScore: f64(1)}
	unranked := model.Experience{ID: uuid.New(), CreatedAt: now}

	got := ReScore([]model.Experience{stale, fresh, unranked, graded}, 10)
	require.Len(t, got, 3, "experiences without similarity are dropped")
	assert.Equal(t, graded.ID, got[0].ID, "a high eval score outranks an equal similarity")
	assert.Equal(t, fresh.ID, got[1].ID)
	assert.Equal(t, stale.ID, got[2].ID, "recency decay pushes old experiences down")
	for _, e := range got {
		assert.LessOrEqual(t, *e.Similarity, float32(1))
	}

	assert.Len(t, ReScore([]model.Experience{fresh, graded, stale}, 2), 2)
	assert.Empty(t, ReScore(nil, 3))
	assert.Equal(t, float32(0.8), *fresh.Similarity, "input is not mutated")
}

// axisEmbedder maps known words onto unit axes so similarity is predictable.
type axisEmbedder struct{ dims int }

func (e axisEmbedder) Embed(_ context.Context, text string) (pgvector.Vector, error) {
	v := make([]float32, e.dims)
	switch text {
	case "bake bread":
		v[0] = 1
	case "bake a cake":
		v[0], v[1] = 0.9, 0.1
	case "fix the car":
		v[2] = 1
	default:
		v[3] = 1
	}
	return pgvector.NewVector(v), nil
}

func (e axisEmbedder) EmbedBatch(ctx context.Context, texts []string) ([]pgvector.Vector, error) {
	out := make([]pgvector.Vector, len(texts))
	for i, t := range texts {
		out[i], _ = e.Embed(ctx, t)
	}
	return out, nil
}

func (e axisEmbedder) Dimensions() int { return e.dims }

type fakeIndex struct {
	healthErr error
	hits      []Hit
	upserts   []Point
	searched  int
}

func (f *fakeIndex) Search(context.Context, string, []float32, int) ([]Hit, error) {
	f.searched++
	return f.hits, nil
}

func (f *fakeIndex) Upsert(_ context.Context, points []Point) error {
	f.upserts = append(f.upserts, points...)
	return nil
}

func (f *fakeIndex) Healthy(context.Context) error { return f.healthErr }

func seed(t *testing.T, store *storage.Memory, r *Recaller, user, situation string) model.Experience {
	t.Helper()
	vec, err := r.Embed(context.Background(), situation)
	require.NoError(t, err)
	exp, err := store.CreateExperience(context.Background(), model.Experience{
		UserID: user, RunID: uuid.New(), Situation: situation, Outcome: "completed", Embedding: vec,
	})
	require.NoError(t, err)
	return exp
}

func TestRecallFromStore(t *testing.T) {
	store := storage.NewMemory()
	r := NewRecaller(axisEmbedder{dims: 4}, store, nil, testutil.TestLogger())

	bread := seed(t, store, r, "alice", "bake bread")
	seed(t, store, r, "alice", "fix the car")
	seed(t, store, r, "bob", "bake bread")

	got, err := r.Recall(context.Background(), "alice", "bake a cake", 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, bread.ID, got[0].ID)
	assert.Equal(t, "alice", got[0].UserID)
}

func TestRecallPrefersHealthyIndex(t *testing.T) {
	store := storage.NewMemory()
	idx := &fakeIndex{}
	r := NewRecaller(axisEmbedder{dims: 4}, store, idx, testutil.TestLogger())
	car := seed(t, store, r, "alice", "fix the car")
	idx.hits = []Hit{{ExperienceID: car.ID, Score: 0.42}}

	got, err := r.Recall(context.Background(), "alice", "bake bread", 3)
	require.NoError(t, err)
	assert.Equal(t, 1, idx.searched)
	require.Len(t, got, 1)
	assert.Equal(t, car.ID, got[0].ID, "index hits win over the store ranking")

	idx.healthErr = errors.New("down")
	got, err = r.Recall(context.Background(), "alice", "fix the car", 3)
	require.NoError(t, err)
	assert.Equal(t, 1, idx.searched, "unhealthy index is skipped")
	require.Len(t, got, 1)
	assert.Equal(t, car.ID, got[0].ID)
}

func TestRecallDisabledEmbeddings(t *testing.T) {
	r := NewRecaller(embedding.NewNoopProvider(4), storage.NewMemory(), nil, testutil.TestLogger())
	vec, err := r.Embed(context.Background(), "anything")
	require.NoError(t, err)
	assert.Nil(t, vec)
	got, err := r.Recall(context.Background(), "alice", "anything", 3)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestIndexUpsertsEmbeddedExperiences(t *testing.T) {
	idx := &fakeIndex{}
	r := NewRecaller(axisEmbedder{dims: 4}, storage.NewMemory(), idx, testutil.TestLogger())

	require.NoError(t, r.Index(context.Background(), model.Experience{ID: uuid.New()}))
	assert.Empty(t, idx.upserts, "experiences without embeddings are not indexed")

	vec := pgvector.NewVector([]float32{1, 0, 0, 0})
	exp := model.Experience{ID: uuid.New(), UserID: "alice", RunID: uuid.New(), Tags: []string{"generic"}, Outcome: "completed", Embedding: &vec}
	require.NoError(t, r.Index(context.Background(), exp))
	require.Len(t, idx.upserts, 1)
	assert.Equal(t, exp.ID, idx.upserts[0].ID)
	assert.Equal(t, "alice", idx.upserts[0].UserID)
	assert.Equal(t, []float32{1, 0, 0, 0}, idx.upserts[0].Embedding)
}
