// Package llm defines the text-generation contract the agent runtime
// consumes, with OpenAI and Ollama implementations.
package llm

import (
	"context"
	"errors"
	"time"
)

// Options controls a single generation call.
type Options struct {
	Model       string // Empty uses the generator's default model.
	Temperature float32
	MaxTokens   int
	JSONMode    bool          // Ask the provider for a JSON object response.
	Timeout     time.Duration // Per-call deadline; zero uses the generator default.
}

// Generator turns a prompt into raw text. Implementations surface timeouts,
// non-2xx responses, and rate limiting as ordinary errors; retry and backoff
// belong to the caller.
type Generator interface {
	Generate(ctx context.Context, prompt string, opts Options) (string, error)
}

// GeneratorFunc adapts a function to the Generator interface.
type GeneratorFunc func(ctx context.Context, prompt string, opts Options) (string, error)

// Generate calls f.
func (f GeneratorFunc) Generate(ctx context.Context, prompt string, opts Options) (string, error) {
	return f(ctx, prompt, opts)
}

// ErrEmptyResponse is returned when a provider answers without content.
var ErrEmptyResponse = errors.New("llm: empty response")

// withTimeout derives the per-call context.
func withTimeout(ctx context.Context, opts Options, fallback time.Duration) (context.Context, context.CancelFunc) {
	d := opts.Timeout
	if d <= 0 {
		d = fallback
	}
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
