package testutil

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/ashita-ai/michi/internal/service/llm"
)

// FinalPlan is a plan that answers directly with "Done".
const FinalPlan = `{"stage":"final","final":{"message":"Done"}}`

// ToolCallPlan returns a plan that calls one tool with raw JSON args.
func ToolCallPlan(tool, args string) string {
	return fmt.Sprintf(`{"stage":"plan","toolCalls":[{"tool":%q,"args":%s}]}`, tool, args)
}

// PlanScript is an llm.Generator for tests above the agent package. Final
// response prompts get Final; every other prompt consumes the next entry of
// Plans, repeating the last one. Use with a single plan candidate per
// iteration.
type PlanScript struct {
	mu    sync.Mutex
	Plans []string
	Final string
	idx   int
	calls int
}

var _ llm.Generator = (*PlanScript)(nil)

// Generate implements llm.Generator.
func (p *PlanScript) Generate(_ context.Context, prompt string, _ llm.Options) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if strings.Contains(prompt, "Write the final response") {
		if p.Final == "" {
			return `{"message":"All done"}`, nil
		}
		return p.Final, nil
	}
	if len(p.Plans) == 0 {
		return FinalPlan, nil
	}
	out := p.Plans[min(p.idx, len(p.Plans)-1)]
	p.idx++
	return out, nil
}

// Calls reports how many prompts were answered.
func (p *PlanScript) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}
