package michi

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/michi/internal/service/llm"
	"github.com/ashita-ai/michi/internal/tools"
)

// Permission is a tool's capability class. The safety guard treats exec and
// network tools more strictly than read tools.
type Permission string

const (
	PermRead    Permission = "read"
	PermWrite   Permission = "write"
	PermNetwork Permission = "network"
	PermExec    Permission = "exec"
)

// ToolSpec describes a tool the agent may call.
type ToolSpec struct {
	Name        string
	Description string
	Permission  Permission
	SideEffects bool
}

// ToolContext identifies the run a tool call belongs to.
type ToolContext struct {
	UserID string
	RunID  uuid.UUID
}

// Tool is a typed capability registered with WithTool. Build one with
// DefineTool. The zero value is not usable.
type Tool struct {
	t tools.Tool
}

// Name returns the tool's registered name.
func (t Tool) Name() string { return t.t.Name }

// DefineTool builds a Tool from a typed handler. Input and output JSON
// Schemas are reflected from In and Out. Arguments are decoded strictly and
// validated with `validate` struct tags before the handler runs, and the
// handler's result is validated the same way.
//
//	type weatherIn struct {
//	    City string `json:"city" validate:"required"`
//	}
//	type weatherOut struct {
//	    TempC float64 `json:"temp_c"`
//	}
//	tool := michi.DefineTool(michi.ToolSpec{
//	    Name: "weather", Description: "Current temperature", Permission: michi.PermNetwork,
//	}, func(ctx context.Context, tc michi.ToolContext, in weatherIn) (weatherOut, error) { ... })
func DefineTool[In, Out any](spec ToolSpec, handler func(ctx context.Context, tc ToolContext, in In) (Out, error)) Tool {
	return Tool{t: tools.Define(tools.Spec{
		Name:        spec.Name,
		Description: spec.Description,
		Permission:  tools.Permission(spec.Permission),
		SideEffects: spec.SideEffects,
	}, func(ctx context.Context, tc tools.Context, in In) (Out, error) {
		return handler(ctx, ToolContext{UserID: tc.UserID, RunID: tc.RunID}, in)
	})}
}

// GenerateOptions controls a single generation call.
type GenerateOptions struct {
	Model       string // Empty uses the generator's default model.
	Temperature float32
	MaxTokens   int
	JSONMode    bool
	Timeout     time.Duration
}

// GeneratorFunc adapts a function to the Generator interface.
type GeneratorFunc func(ctx context.Context, prompt string, opts GenerateOptions) (string, error)

// Generate calls f.
func (f GeneratorFunc) Generate(ctx context.Context, prompt string, opts GenerateOptions) (string, error) {
	return f(ctx, prompt, opts)
}

// generatorAdapter exposes a public Generator to the runtime.
type generatorAdapter struct {
	g Generator
}

func (a generatorAdapter) Generate(ctx context.Context, prompt string, opts llm.Options) (string, error) {
	return a.g.Generate(ctx, prompt, GenerateOptions{
		Model:       opts.Model,
		Temperature: opts.Temperature,
		MaxTokens:   opts.MaxTokens,
		JSONMode:    opts.JSONMode,
		Timeout:     opts.Timeout,
	})
}
