package agent

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/michi/internal/model"
	"github.com/ashita-ai/michi/internal/service/llm"
	"github.com/ashita-ai/michi/internal/structured"
	"github.com/ashita-ai/michi/internal/tools"
)

// llmCall carries the per-iteration generation settings.
type llmCall struct {
	gen       llm.Generator
	provider  string
	model     string
	prefix    string
	maxTokens int
	timeout   time.Duration
}

func (c llmCall) generate(ctx context.Context, prompt string, temperature float32, jsonMode bool) (string, error) {
	return c.gen.Generate(ctx, c.prefix+prompt, llm.Options{
		Model:       c.model,
		Temperature: temperature,
		MaxTokens:   c.maxTokens,
		JSONMode:    jsonMode,
		Timeout:     c.timeout,
	})
}

func (c llmCall) parseOptions(nestedKey string) structured.Options {
	return structured.Options{
		NestedKey: nestedKey,
		Prefix:    c.prefix,
		Model:     c.model,
		MaxTokens: c.maxTokens,
		Timeout:   c.timeout,
	}
}

// planTrace is the input recorded on a plan step.
type planTrace struct {
	Provider   string   `json:"provider,omitempty"`
	Model      string   `json:"model"`
	Candidates int      `json:"candidates"`
	Summaries  []string `json:"summaries,omitempty"`
	Repairs    int      `json:"repairs"`
}

// plan generates ParallelPlans candidates concurrently, then summarizes and
// merges them sequentially. All candidates must succeed.
func (rt *Runtime) plan(ctx context.Context, st *loopState, call llmCall, available []tools.Tool) (model.Plan, planTrace, error) {
	n := rt.cfg.ParallelPlans
	trace := planTrace{Provider: call.provider, Model: call.model, Candidates: n}
	prompt := planPrompt(st, available)

	candidates := make([]string, n)
	g, gctx := errgroup.WithContext(ctx)
	for i := range n {
		g.Go(func() error {
			out, err := call.generate(gctx, prompt, float32(0.2+0.1*float64(i)), true)
			if err != nil {
				return fmt.Errorf("candidate %d: %w", i, err)
			}
			candidates[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return model.Plan{}, trace, fmt.Errorf("agent: generate plans: %w", err)
	}
	rt.planCandidates.Add(ctx, int64(n), metric.WithAttributes(attribute.String("mode", string(st.run.Mode))))

	raw := candidates[0]
	if n > 1 {
		trace.Summaries = make([]string, 0, n)
		for i, c := range candidates {
			sum, err := call.generate(ctx, summaryPrompt(c), 0.1, false)
			if err != nil {
				return model.Plan{}, trace, fmt.Errorf("agent: summarize candidate %d: %w", i, err)
			}
			trace.Summaries = append(trace.Summaries, sum)
		}
		merged, err := call.generate(ctx, mergePrompt(st, available, trace.Summaries), 0.2, true)
		if err != nil {
			return model.Plan{}, trace, fmt.Errorf("agent: merge plans: %w", err)
		}
		raw = merged
	}

	plan, res, err := structured.Parse[model.Plan](ctx, call.gen, raw, call.parseOptions(""))
	trace.Repairs = res.Repairs
	if err != nil {
		return model.Plan{}, trace, fmt.Errorf("agent: parse plan: %w", err)
	}
	return plan, trace, nil
}
