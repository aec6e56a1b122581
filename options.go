package michi

import (
	"log/slog"
)

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
type resolvedOptions struct {
	port              int
	databaseURL       *string
	logger            *slog.Logger
	version           string
	tools             []Tool
	generators        map[string]Generator
	embeddingProvider EmbeddingProvider
}

// WithPort overrides the TCP port from config (MICHI_PORT env var).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithDatabaseURL overrides the database connection string from config
// (DATABASE_URL env var). An empty url selects the in-memory store.
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = &url }
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in the health endpoint and logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithTool registers an additional tool alongside the built-in memory and
// confirmation tools. Names must be unique across the registry.
func WithTool(t Tool) Option {
	return func(o *resolvedOptions) { o.tools = append(o.tools, t) }
}

// WithGenerator replaces the built-in model client for provider ("openai"
// or "ollama"). The configured model names still apply.
func WithGenerator(provider string, g Generator) Option {
	return func(o *resolvedOptions) {
		if o.generators == nil {
			o.generators = make(map[string]Generator)
		}
		o.generators[provider] = g
	}
}

// WithEmbeddingProvider replaces the auto-detected embedding provider.
func WithEmbeddingProvider(p EmbeddingProvider) Option {
	return func(o *resolvedOptions) { o.embeddingProvider = p }
}
