// Package router picks the provider, model, and toolset for each loop
// iteration. Decisions are a pure function of configuration and mode; they
// are persisted so model selection stays auditable per step.
package router

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/ashita-ai/michi/internal/model"
	"github.com/ashita-ai/michi/internal/tools"
)

// ErrUnknownProvider is returned by New for providers without a generator.
var ErrUnknownProvider = errors.New("router: unknown provider")

// Providers lists the supported provider names.
var Providers = []string{"ollama", "openai"}

// Config is fixed at construction time.
type Config struct {
	Provider   string                   // Default provider.
	Models     map[string]string        // Provider -> default model.
	ModeModels map[model.RunMode]string // Optional per-mode model override.
}

// Decision is the router's choice for one iteration.
type Decision struct {
	Provider string
	Model    string
	Toolset  []string
	Reason   string
}

// Router is an explicitly constructed, immutable decision function.
type Router struct {
	provider   string
	models     map[string]string
	modeModels map[model.RunMode]string
}

// New validates cfg and builds a Router.
func New(cfg Config) (*Router, error) {
	p := strings.ToLower(strings.TrimSpace(cfg.Provider))
	known := false
	for _, name := range Providers {
		if name == p {
			known = true
		}
	}
	if !known {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, cfg.Provider)
	}
	if cfg.Models[p] == "" {
		return nil, fmt.Errorf("router: no model configured for provider %q", p)
	}

	r := &Router{
		provider:   p,
		models:     make(map[string]string, len(cfg.Models)),
		modeModels: make(map[model.RunMode]string, len(cfg.ModeModels)),
	}
	for k, v := range cfg.Models {
		r.models[k] = v
	}
	for k, v := range cfg.ModeModels {
		r.modeModels[k] = v
	}
	return r, nil
}

// Decide returns the provider, model and toolset for a run in mode. The
// goal is accepted for interface stability; the current policy ignores it.
func (r *Router) Decide(mode model.RunMode, _ string, available []tools.Tool) Decision {
	toolset := make([]string, 0, len(available))
	for _, t := range available {
		toolset = append(toolset, t.Name)
	}
	sort.Strings(toolset)

	m := r.models[r.provider]
	reason := fmt.Sprintf("configured provider %s with default model", r.provider)
	if override, ok := r.modeModels[mode]; ok && override != "" {
		m = override
		reason = fmt.Sprintf("configured provider %s with %s mode model", r.provider, mode)
	}
	return Decision{
		Provider: r.provider,
		Model:    m,
		Toolset:  toolset,
		Reason:   reason,
	}
}
