package mcp

import (
	"context"
	"fmt"
	"strings"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/michi/internal/ctxutil"
	"github.com/ashita-ai/michi/internal/model"
)

func (s *Server) registerPrompts() {
	// agent-setup: explains the run, confirm, continue workflow.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("agent-setup",
			mcplib.WithPromptDescription("System prompt snippet explaining how to drive michi runs (run, confirm, continue)"),
		),
		s.handleAgentSetupPrompt,
	)

	// review-confirmations: walks the caller through their pending approvals.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("review-confirmations",
			mcplib.WithPromptDescription("Review tool calls waiting for your approval and decide each one"),
		),
		s.handleReviewConfirmationsPrompt,
	)
}

func (s *Server) handleAgentSetupPrompt(ctx context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	return &mcplib.GetPromptResult{
		Description: "michi agent run workflow",
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: `You have access to michi, an agent runtime that plans, calls tools under a
safety guard and answers with cited evidence. Every step is recorded.

## Running

Call michi_run with a goal and an optional mode:
- generic: plain assistant
- mentor, coach: guide the user without giving the answer away
- deep_research: cite sources and flag unsupported claims
- code_assist: precise, code-first answers

## Confirmations

Some tool calls need a human decision. When michi_run or michi_continue
returns status "running" with pending_confirmations:
1. Show each pending call to the user.
2. Call michi_confirm with approved=true or approved=false and a note.
3. Call michi_continue with the run_id.

Never approve on the user's behalf without asking.

## Inspecting

- michi_status: full record of a run
- michi_runs: recent runs
- michi_tools: tools the agent can call`,
				},
			},
		},
	}, nil
}

func (s *Server) handleReviewConfirmationsPrompt(ctx context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	pending, err := s.store.ListPendingConfirmations(ctx, ctxutil.UserIDFromContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("mcp: pending confirmations: %w", err)
	}

	var b strings.Builder
	if len(pending) == 0 {
		b.WriteString("There are no tool calls waiting for your approval.")
	} else {
		fmt.Fprintf(&b, "%d tool call(s) are waiting for your approval. For each one, show it to the user, "+
			"then call michi_confirm with their decision. Call michi_continue once a run has no pending calls left.\n", len(pending))
		for _, p := range pending {
			writePending(&b, p)
		}
	}

	return &mcplib.GetPromptResult{
		Description: fmt.Sprintf("%d pending confirmation(s)", len(pending)),
		Messages: []mcplib.PromptMessage{
			{
				Role:    mcplib.RoleUser,
				Content: mcplib.TextContent{Type: "text", Text: b.String()},
			},
		},
	}, nil
}

func writePending(b *strings.Builder, p model.PendingConfirmation) {
	fmt.Fprintf(b, "\n- run_id=%s invocation_id=%s\n  goal: %s\n  tool: %s\n  args: %s\n",
		p.Invocation.RunID, p.Invocation.ID, p.Goal, p.Invocation.ToolName, p.Invocation.Args)
	if p.Decision == nil {
		return
	}
	for _, r := range p.Decision.Reasons {
		fmt.Fprintf(b, "  %s (%s): %s\n", r.Code, r.Source, r.Message)
	}
}
