package embedding

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/michi/internal/testutil"
)

// ollamaStub embeds each input as [len(input), 1, 0...] so batch order is
// observable. An input of "fail" fails the whole request.
func ollamaStub(t *testing.T, dims int, calls *atomic.Int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/tags":
			_, _ = w.Write([]byte(`{"models":[]}`))
			return
		case "/api/embed":
		default:
			http.NotFound(w, r)
			return
		}
		if calls != nil {
			calls.Add(1)
		}
		var req ollamaEmbedRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		resp := ollamaEmbedResponse{}
		for _, in := range req.Input {
			if in == "fail" {
				http.Error(w, "model exploded", http.StatusInternalServerError)
				return
			}
			vec := make([]float32, dims)
			vec[0] = float32(len(in))
			vec[1] = 1
			resp.Embeddings = append(resp.Embeddings, vec)
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
}

func TestOllamaEmbed(t *testing.T) {
	var calls atomic.Int32
	srv := ollamaStub(t, 8, &calls)
	defer srv.Close()

	p := NewOllamaProvider(srv.URL, "mxbai-embed-large", 8)
	assert.Equal(t, 8, p.Dimensions())

	vec, err := p.Embed(context.Background(), "abc")
	require.NoError(t, err)
	require.Len(t, vec.Slice(), 8)
	assert.Equal(t, float32(3), vec.Slice()[0])
	assert.Equal(t, int32(1), calls.Load())
}

func TestOllamaEmbedBatchChunksAndPreservesOrder(t *testing.T) {
	var calls atomic.Int32
	srv := ollamaStub(t, 4, &calls)
	defer srv.Close()

	p := NewOllamaProvider(srv.URL, "m", 4)
	texts := make([]string, ollamaChunk+3)
	for i := range texts {
		texts[i] = strings.Repeat("x", i+1)
	}
	vecs, err := p.EmbedBatch(context.Background(), texts)
	require.NoError(t, err)
	require.Len(t, vecs, len(texts))
	for i, text := range texts {
		assert.Equal(t, float32(len(text)), vecs[i].Slice()[0], "item %d", i)
	}
	assert.Equal(t, int32(2), calls.Load(), "one request per chunk")

	empty, err := p.EmbedBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, empty)
}

func TestOllamaErrors(t *testing.T) {
	srv := ollamaStub(t, 4, nil)
	defer srv.Close()
	p := NewOllamaProvider(srv.URL, "m", 4)

	_, err := p.Embed(context.Background(), "fail")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 500")

	_, err = p.EmbedBatch(context.Background(), []string{"ok", "fail", "ok"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "batch items 0-2")

	_, err = NewOllamaProvider(srv.URL, "m", 6).Embed(context.Background(), "x")
	assert.ErrorContains(t, err, "returned 4 dimensions, want 6")

	empty := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"embeddings":[[]]}`))
	}))
	defer empty.Close()
	_, err = NewOllamaProvider(empty.URL, "m", 4).Embed(context.Background(), "x")
	assert.ErrorContains(t, err, "empty embedding")

	short := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"embeddings":[]}`))
	}))
	defer short.Close()
	_, err = NewOllamaProvider(short.URL, "m", 4).Embed(context.Background(), "x")
	assert.ErrorContains(t, err, "0 embeddings for 1 inputs")

	garbage := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("not json"))
	}))
	defer garbage.Close()
	_, err = NewOllamaProvider(garbage.URL, "m", 4).Embed(context.Background(), "x")
	assert.ErrorContains(t, err, "decode response")
}

func TestOpenAIEmbedBatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/embeddings", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		var req struct {
			Input      []string `json:"input"`
			Model      string   `json:"model"`
			Dimensions int      `json:"dimensions"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "text-embedding-3-small", req.Model)
		assert.Equal(t, 3, req.Dimensions)

		// Reply out of order; the provider must place vectors by index.
		data := make([]map[string]any, 0, len(req.Input))
		for i := len(req.Input) - 1; i >= 0; i-- {
			data = append(data, map[string]any{
				"object":    "embedding",
				"index":     i,
				"embedding": []float32{float32(i), 0, 1},
			})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"object": "list", "data": data, "model": req.Model})
	}))
	defer srv.Close()

	p := NewOpenAIProvider("sk-test", srv.URL+"/v1", "text-embedding-3-small", 3)
	vecs, err := p.EmbedBatch(context.Background(), []string{"x", "y", "z"})
	require.NoError(t, err)
	require.Len(t, vecs, 3)
	for i := range vecs {
		assert.Equal(t, float32(i), vecs[i].Slice()[0])
	}

	one, err := p.Embed(context.Background(), "solo")
	require.NoError(t, err)
	assert.Len(t, one.Slice(), 3)
}

func TestOpenAIEmbedMissingItems(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"object":"list","data":[{"object":"embedding","index":0,"embedding":[1,2]}]}`))
	}))
	defer srv.Close()

	p := NewOpenAIProvider("sk-test", srv.URL+"/v1", "m", 2)
	_, err := p.EmbedBatch(context.Background(), []string{"a", "b"})
	assert.ErrorContains(t, err, "expected 2 embeddings, got 1")
}

func TestNoopProviderIsDisabled(t *testing.T) {
	p := NewNoopProvider(16)
	assert.Equal(t, 16, p.Dimensions())
	_, err := p.Embed(context.Background(), "x")
	assert.ErrorIs(t, err, ErrDisabled)
	_, err = p.EmbedBatch(context.Background(), []string{"x"})
	assert.ErrorIs(t, err, ErrDisabled)
}

func TestNewSelectsProvider(t *testing.T) {
	logger := testutil.TestLogger()
	srv := ollamaStub(t, 4, nil)
	defer srv.Close()

	tests := []struct {
		name string
		s    Settings
		want Provider
	}{
		{"auto prefers reachable ollama", Settings{Provider: "auto", OllamaURL: srv.URL, OpenAIKey: "sk"}, &OllamaProvider{}},
		{"auto falls back to openai", Settings{Provider: "auto", OllamaURL: "http://127.0.0.1:1", OpenAIKey: "sk"}, &OpenAIProvider{}},
		{"auto without anything is noop", Settings{Provider: "auto"}, &NoopProvider{}},
		{"openai without key is noop", Settings{Provider: "openai"}, &NoopProvider{}},
		{"explicit ollama", Settings{Provider: "ollama", OllamaURL: "http://unused"}, &OllamaProvider{}},
		{"explicit noop", Settings{Provider: "noop", OpenAIKey: "sk"}, &NoopProvider{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.s.Dimensions = 4
			assert.IsType(t, tt.want, New(tt.s, logger))
		})
	}
}
