package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/pgvector/pgvector-go"
	"golang.org/x/sync/errgroup"
)

const (
	// ollamaChunk is how many texts go into one /api/embed request.
	ollamaChunk = 16
	// ollamaParallel bounds in-flight chunks against one local server.
	ollamaParallel = 2
)

// OllamaProvider embeds text through a local Ollama server's /api/embed
// endpoint, which accepts a batch of inputs per request.
type OllamaProvider struct {
	baseURL    string
	model      string
	httpClient *http.Client
	dimensions int
}

// NewOllamaProvider returns a provider for model. dimensions must equal
// the model's native vector size; vectors of any other size are rejected.
func NewOllamaProvider(baseURL, model string, dimensions int) *OllamaProvider {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	return &OllamaProvider{
		baseURL:    baseURL,
		model:      model,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		dimensions: dimensions,
	}
}

// Dimensions returns the configured vector size.
func (p *OllamaProvider) Dimensions() int {
	return p.dimensions
}

type ollamaEmbedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type ollamaEmbedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// Embed embeds a single text.
func (p *OllamaProvider) Embed(ctx context.Context, text string) (pgvector.Vector, error) {
	vecs, err := p.embed(ctx, []string{text})
	if err != nil {
		return pgvector.Vector{}, err
	}
	return vecs[0], nil
}

// EmbedBatch embeds texts in chunks, keeping input order. The first failed
// chunk cancels the others.
func (p *OllamaProvider) EmbedBatch(ctx context.Context, texts []string) ([]pgvector.Vector, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	out := make([]pgvector.Vector, len(texts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(ollamaParallel)
	for start := 0; start < len(texts); start += ollamaChunk {
		end := min(start+ollamaChunk, len(texts))
		g.Go(func() error {
			vecs, err := p.embed(gctx, texts[start:end])
			if err != nil {
				return fmt.Errorf("ollama: batch items %d-%d: %w", start, end-1, err)
			}
			copy(out[start:end], vecs)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (p *OllamaProvider) embed(ctx context.Context, inputs []string) ([]pgvector.Vector, error) {
	body, err := json.Marshal(ollamaEmbedRequest{Model: p.model, Input: inputs})
	if err != nil {
		return nil, fmt.Errorf("ollama: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/embed", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("ollama: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama: send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("ollama: status %d: %s", resp.StatusCode, msg)
	}

	var result ollamaEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("ollama: decode response: %w", err)
	}
	if len(result.Embeddings) != len(inputs) {
		return nil, fmt.Errorf("ollama: %d embeddings for %d inputs", len(result.Embeddings), len(inputs))
	}

	vecs := make([]pgvector.Vector, len(inputs))
	for i, e := range result.Embeddings {
		switch {
		case len(e) == 0:
			return nil, fmt.Errorf("ollama: empty embedding for input %d", i)
		case p.dimensions > 0 && len(e) != p.dimensions:
			return nil, fmt.Errorf("ollama: model %s returned %d dimensions, want %d", p.model, len(e), p.dimensions)
		}
		vecs[i] = pgvector.NewVector(e)
	}
	return vecs, nil
}
