// Package config loads and validates application configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// Server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	MaxRequestBodyBytes int64
	RunsPerMinute       int // Per-user limit on starting or continuing runs; 0 disables.
	RunBurst            int

	// Database settings. An empty DatabaseURL selects the in-memory run store.
	DatabaseURL string

	// Agent loop settings.
	StepLimit        int    // Maximum plan iterations per run, across resumes.
	ParallelPlans    int    // Plan candidates generated concurrently per iteration.
	ConfirmationTool string // Tool name that always requires human confirmation.

	// LLM provider settings.
	LLMProvider   string // "openai" or "ollama"
	OpenAIAPIKey  string
	OpenAIBaseURL string
	OpenAIModel   string
	OllamaURL     string
	OllamaModel   string
	LLMTimeout    time.Duration
	LLMMaxTokens  int
	// ModeModels maps a run mode to the model used instead of the provider
	// default, read from MODEL_<MODE> (e.g. MODEL_DEEP_RESEARCH).
	ModeModels map[string]string

	// Safety guard settings.
	SafetyLLMEnabled    bool
	SafetyLLMFailClosed bool

	// Embedding provider settings (experience recall).
	EmbeddingProvider    string // "auto", "openai", "ollama", or "noop"
	EmbeddingModel       string // OpenAI embedding model.
	OllamaEmbeddingModel string
	EmbeddingDimensions  int

	// Qdrant settings. Empty URL disables the external experience index.
	QdrantURL        string
	QdrantAPIKey     string
	QdrantCollection string
	QdrantMinScore   float64

	// OTEL settings.
	OTELEndpoint     string
	ServiceName      string
	OTELInsecure     bool
	TraceSampleRatio float64

	LogLevel string
}

// Load reads configuration from environment variables with sensible defaults.
// Malformed values are collected and reported together.
func Load() (Config, error) {
	var errs []error
	str := envStr
	integer := func(key string, def int) int {
		v, err := envInt(key, def)
		if err != nil {
			errs = append(errs, err)
		}
		return v
	}
	boolean := func(key string, def bool) bool {
		v, err := envBool(key, def)
		if err != nil {
			errs = append(errs, err)
		}
		return v
	}
	ratio := func(key string, def float64) float64 {
		v, err := envFloat(key, def)
		if err != nil {
			errs = append(errs, err)
		}
		return v
	}
	duration := func(key string, def time.Duration) time.Duration {
		v, err := envDuration(key, def)
		if err != nil {
			errs = append(errs, err)
		}
		return v
	}

	cfg := Config{
		Port:                 integer("MICHI_PORT", 8080),
		ReadTimeout:          duration("MICHI_READ_TIMEOUT", 30*time.Second),
		WriteTimeout:         duration("MICHI_WRITE_TIMEOUT", 5*time.Minute),
		MaxRequestBodyBytes:  int64(integer("MICHI_MAX_REQUEST_BODY_BYTES", 1*1024*1024)),
		RunsPerMinute:        integer("MICHI_RUNS_PER_MINUTE", 30),
		RunBurst:             integer("MICHI_RUN_BURST", 5),
		DatabaseURL:          str("DATABASE_URL", ""),
		StepLimit:            integer("AGENT_STEP_LIMIT", 12),
		ParallelPlans:        integer("AGENT_PARALLEL_PLANS", 3),
		ConfirmationTool:     str("AGENT_CONFIRMATION_TOOL", "request_confirmation"),
		LLMProvider:          strings.ToLower(str("LLM_PROVIDER", "openai")),
		OpenAIAPIKey:         str("OPENAI_API_KEY", ""),
		OpenAIBaseURL:        str("OPENAI_BASE_URL", ""),
		OpenAIModel:          str("OPENAI_MODEL", "gpt-4o-mini"),
		OllamaURL:            str("OLLAMA_URL", "http://localhost:11434"),
		OllamaModel:          str("OLLAMA_MODEL", "llama3.1"),
		LLMTimeout:           duration("LLM_TIMEOUT", 60*time.Second),
		LLMMaxTokens:         integer("LLM_MAX_TOKENS", 1024),
		SafetyLLMEnabled:     boolean("SAFETY_LLM_ENABLED", false),
		SafetyLLMFailClosed:  boolean("SAFETY_LLM_FAIL_CLOSED", false),
		EmbeddingProvider:    str("EMBEDDING_PROVIDER", "auto"),
		EmbeddingModel:       str("EMBEDDING_MODEL", "text-embedding-3-small"),
		OllamaEmbeddingModel: str("OLLAMA_EMBEDDING_MODEL", "mxbai-embed-large"),
		EmbeddingDimensions:  integer("EMBEDDING_DIMENSIONS", 1024),
		QdrantURL:            str("QDRANT_URL", ""),
		QdrantAPIKey:         str("QDRANT_API_KEY", ""),
		QdrantCollection:     str("QDRANT_COLLECTION", "michi_experiences"),
		QdrantMinScore:       ratio("QDRANT_MIN_SCORE", 0),
		OTELEndpoint:         str("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		ServiceName:          str("OTEL_SERVICE_NAME", "michi"),
		OTELInsecure:         boolean("OTEL_INSECURE", false),
		TraceSampleRatio:     ratio("OTEL_TRACE_SAMPLE_RATIO", 1),
		LogLevel:             str("MICHI_LOG_LEVEL", "info"),
	}

	cfg.ModeModels = modeModels()

	if len(errs) > 0 {
		return Config{}, fmt.Errorf("config: %w", errors.Join(errs...))
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks value ranges and cross-field requirements.
func (c Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: MICHI_PORT must be between 1 and 65535")
	}
	if c.RunsPerMinute < 0 || c.RunBurst < 0 {
		return fmt.Errorf("config: MICHI_RUNS_PER_MINUTE and MICHI_RUN_BURST must not be negative")
	}
	if c.StepLimit <= 0 {
		return fmt.Errorf("config: AGENT_STEP_LIMIT must be positive")
	}
	if c.ParallelPlans <= 0 || c.ParallelPlans > 8 {
		return fmt.Errorf("config: AGENT_PARALLEL_PLANS must be between 1 and 8")
	}
	if c.ConfirmationTool == "" {
		return fmt.Errorf("config: AGENT_CONFIRMATION_TOOL must not be empty")
	}
	switch c.LLMProvider {
	case "openai", "ollama":
	default:
		return fmt.Errorf("config: LLM_PROVIDER must be openai or ollama (got %q)", c.LLMProvider)
	}
	if c.LLMTimeout <= 0 {
		return fmt.Errorf("config: LLM_TIMEOUT must be positive")
	}
	if c.LLMMaxTokens <= 0 {
		return fmt.Errorf("config: LLM_MAX_TOKENS must be positive")
	}
	if c.EmbeddingDimensions <= 0 {
		return fmt.Errorf("config: EMBEDDING_DIMENSIONS must be positive")
	}
	if c.QdrantMinScore < 0 || c.QdrantMinScore > 1 {
		return fmt.Errorf("config: QDRANT_MIN_SCORE must be between 0 and 1")
	}
	if c.TraceSampleRatio < 0 || c.TraceSampleRatio > 1 {
		return fmt.Errorf("config: OTEL_TRACE_SAMPLE_RATIO must be between 0 and 1")
	}
	if c.MaxRequestBodyBytes <= 0 {
		return fmt.Errorf("config: MICHI_MAX_REQUEST_BODY_BYTES must be positive")
	}
	return nil
}

// ModelFor returns the configured model name for a provider.
func (c Config) ModelFor(provider string) string {
	switch provider {
	case "ollama":
		return c.OllamaModel
	default:
		return c.OpenAIModel
	}
}

// Modes lists the run modes that accept a MODEL_<MODE> override.
var Modes = []string{"mentor", "coach", "deep_research", "code_assist", "generic"}

func modeModels() map[string]string {
	out := make(map[string]string)
	for _, mode := range Modes {
		if v := strings.TrimSpace(os.Getenv("MODEL_" + strings.ToUpper(mode))); v != "" {
			out[mode] = v
		}
	}
	return out
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid integer", key, v)
	}
	return n, nil
}

func envBool(key string, defaultVal bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid boolean", key, v)
	}
	return b, nil
}

func envDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid duration", key, v)
	}
	return d, nil
}

func envFloat(key string, defaultVal float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid number", key, v)
	}
	return f, nil
}
