package michi

import (
	"context"

	"github.com/pgvector/pgvector-go"
)

// Generator turns a prompt into raw model text. When provided via
// WithGenerator it replaces the built-in client for that provider.
// Timeouts and non-2xx responses are ordinary errors; the runtime records
// them and leaves the run continuable.
type Generator interface {
	Generate(ctx context.Context, prompt string, opts GenerateOptions) (string, error)
}

// EmbeddingProvider generates vector embeddings from text. When provided via
// WithEmbeddingProvider it replaces the auto-detected Ollama/OpenAI/noop
// provider used for experience recall. Uses []float32 so callers do not
// need the pgvector dependency.
type EmbeddingProvider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
}

// embeddingAdapter exposes a public EmbeddingProvider to the recaller.
type embeddingAdapter struct {
	p EmbeddingProvider
}

func (a embeddingAdapter) Embed(ctx context.Context, text string) (pgvector.Vector, error) {
	v, err := a.p.Embed(ctx, text)
	if err != nil {
		return pgvector.Vector{}, err
	}
	return pgvector.NewVector(v), nil
}

func (a embeddingAdapter) EmbedBatch(ctx context.Context, texts []string) ([]pgvector.Vector, error) {
	vs, err := a.p.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, err
	}
	out := make([]pgvector.Vector, len(vs))
	for i, v := range vs {
		out[i] = pgvector.NewVector(v)
	}
	return out, nil
}

func (a embeddingAdapter) Dimensions() int { return a.p.Dimensions() }
