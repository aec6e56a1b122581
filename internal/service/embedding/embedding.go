// Package embedding provides vector embeddings for experience recall.
//
// Provider is implemented by OpenAI, Ollama, and a Noop provider that
// disables recall. New selects one from configuration.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/pgvector/pgvector-go"
	"github.com/sashabaranov/go-openai"
)

// ErrDisabled is returned by the Noop provider.
var ErrDisabled = errors.New("embedding: no provider configured")

// Provider generates vector embeddings from text.
type Provider interface {
	// Embed generates a single embedding vector from text.
	Embed(ctx context.Context, text string) (pgvector.Vector, error)

	// EmbedBatch generates embeddings for multiple texts, in input order.
	EmbedBatch(ctx context.Context, texts []string) ([]pgvector.Vector, error)

	// Dimensions returns the embedding vector dimensionality.
	Dimensions() int
}

// Settings selects and configures a provider.
type Settings struct {
	Provider    string // "auto", "openai", "ollama", or "noop"
	OpenAIKey   string
	OpenAIURL   string
	OpenAIModel string
	OllamaURL   string
	OllamaModel string
	Dimensions  int
}

// New builds a provider from settings. Auto mode prefers a reachable Ollama
// server, then OpenAI when a key is present, else Noop.
func New(s Settings, logger *slog.Logger) Provider {
	switch s.Provider {
	case "openai":
		if s.OpenAIKey == "" {
			logger.Error("OPENAI_API_KEY required when EMBEDDING_PROVIDER=openai")
			return NewNoopProvider(s.Dimensions)
		}
		logger.Info("embedding provider: openai", "model", s.OpenAIModel, "dimensions", s.Dimensions)
		return NewOpenAIProvider(s.OpenAIKey, s.OpenAIURL, s.OpenAIModel, s.Dimensions)
	case "ollama":
		logger.Info("embedding provider: ollama", "url", s.OllamaURL, "model", s.OllamaModel, "dimensions", s.Dimensions)
		return NewOllamaProvider(s.OllamaURL, s.OllamaModel, s.Dimensions)
	case "noop":
		logger.Info("embedding provider: noop (experience recall disabled)")
		return NewNoopProvider(s.Dimensions)
	default:
		if ollamaReachable(s.OllamaURL) {
			logger.Info("embedding provider: ollama (auto-detected)", "url", s.OllamaURL, "model", s.OllamaModel)
			return NewOllamaProvider(s.OllamaURL, s.OllamaModel, s.Dimensions)
		}
		if s.OpenAIKey != "" {
			logger.Info("embedding provider: openai (auto-detected)", "model", s.OpenAIModel)
			return NewOpenAIProvider(s.OpenAIKey, s.OpenAIURL, s.OpenAIModel, s.Dimensions)
		}
		logger.Warn("no embedding provider available, experience recall disabled")
		return NewNoopProvider(s.Dimensions)
	}
}

func ollamaReachable(baseURL string) bool {
	if baseURL == "" {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// OpenAIProvider generates embeddings using the OpenAI embeddings API.
type OpenAIProvider struct {
	client     *openai.Client
	model      string
	dimensions int
}

// NewOpenAIProvider creates an OpenAI embedding provider. baseURL may be
// empty for the public API.
func NewOpenAIProvider(apiKey, baseURL, model string, dimensions int) *OpenAIProvider {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAIProvider{
		client:     openai.NewClientWithConfig(cfg),
		model:      model,
		dimensions: dimensions,
	}
}

// Dimensions returns the embedding vector size.
func (p *OpenAIProvider) Dimensions() int {
	return p.dimensions
}

// Embed generates a single embedding.
func (p *OpenAIProvider) Embed(ctx context.Context, text string) (pgvector.Vector, error) {
	vecs, err := p.EmbedBatch(ctx, []string{text})
	if err != nil {
		return pgvector.Vector{}, err
	}
	return vecs[0], nil
}

// EmbedBatch generates embeddings for multiple texts in a single API call.
func (p *OpenAIProvider) EmbedBatch(ctx context.Context, texts []string) ([]pgvector.Vector, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	resp, err := p.client.CreateEmbeddings(ctx, openai.EmbeddingRequestStrings{
		Input:      texts,
		Model:      openai.EmbeddingModel(p.model),
		Dimensions: p.dimensions,
	})
	if err != nil {
		return nil, fmt.Errorf("embedding: openai: %w", err)
	}

	vecs := make([]pgvector.Vector, len(texts))
	seen := 0
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(texts) {
			return nil, fmt.Errorf("embedding: invalid index %d in response", d.Index)
		}
		vecs[d.Index] = pgvector.NewVector(d.Embedding)
		seen++
	}
	if seen != len(texts) {
		return nil, fmt.Errorf("embedding: expected %d embeddings, got %d", len(texts), seen)
	}
	return vecs, nil
}

// NoopProvider disables embeddings. Every call returns ErrDisabled.
type NoopProvider struct {
	dims int
}

// NewNoopProvider creates a provider that produces no embeddings.
func NewNoopProvider(dims int) *NoopProvider {
	return &NoopProvider{dims: dims}
}

// Dimensions returns the configured vector size.
func (p *NoopProvider) Dimensions() int {
	return p.dims
}

// Embed returns ErrDisabled.
func (p *NoopProvider) Embed(context.Context, string) (pgvector.Vector, error) {
	return pgvector.Vector{}, ErrDisabled
}

// EmbedBatch returns ErrDisabled.
func (p *NoopProvider) EmbedBatch(context.Context, []string) ([]pgvector.Vector, error) {
	return nil, ErrDisabled
}
