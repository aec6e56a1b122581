package mcp

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/michi/internal/agent"
	"github.com/ashita-ai/michi/internal/ctxutil"
	"github.com/ashita-ai/michi/internal/model"
	"github.com/ashita-ai/michi/internal/router"
	"github.com/ashita-ai/michi/internal/safety"
	"github.com/ashita-ai/michi/internal/service/llm"
	"github.com/ashita-ai/michi/internal/storage"
	"github.com/ashita-ai/michi/internal/testutil"
	"github.com/ashita-ai/michi/internal/tools"
	"github.com/ashita-ai/michi/internal/tools/builtin"
)

const (
	testUser         = "mcp-user"
	confirmationTool = "request_confirmation"
)

func newTestServer(t *testing.T, gen llm.Generator) (*Server, *storage.Memory) {
	t.Helper()
	store := storage.NewMemory()
	reg, err := tools.NewRegistry(builtin.All(store, confirmationTool)...)
	require.NoError(t, err)
	r, err := router.New(router.Config{Provider: "openai", Models: map[string]string{"openai": "test-model"}})
	require.NoError(t, err)
	rt, err := agent.New(agent.Deps{
		Store:      store,
		Generators: map[string]llm.Generator{"openai": gen},
		Router:     r,
		Guard:      safety.New(safety.Config{ConfirmationTool: confirmationTool}, testutil.TestLogger()),
		Registry:   reg,
		Logger:     testutil.TestLogger(),
	}, agent.Config{StepLimit: 4, ParallelPlans: 1})
	require.NoError(t, err)
	return New(rt, store, testutil.TestLogger(), "test"), store
}

func userCtx() context.Context {
	return ctxutil.WithUserID(context.Background(), testUser)
}

func toolRequest(name string, args map[string]any) mcplib.CallToolRequest {
	return mcplib.CallToolRequest{
		Params: mcplib.CallToolParams{Name: name, Arguments: args},
	}
}

// parseToolText extracts the first TextContent text from a CallToolResult.
func parseToolText(t *testing.T, result *mcplib.CallToolResult) string {
	t.Helper()
	for _, c := range result.Content {
		if tc, ok := c.(mcplib.TextContent); ok {
			return tc.Text
		}
	}
	t.Fatal("no TextContent found in tool result")
	return ""
}

func decode[T any](t *testing.T, result *mcplib.CallToolResult) T {
	t.Helper()
	require.False(t, result.IsError, "unexpected tool error: %s", parseToolText(t, result))
	var v T
	require.NoError(t, json.Unmarshal([]byte(parseToolText(t, result)), &v))
	return v
}

func TestHandleRun_DirectAnswer(t *testing.T) {
	s, _ := newTestServer(t, &testutil.PlanScript{})

	result, err := s.handleRun(userCtx(), toolRequest("michi_run", map[string]any{
		"goal": "say done",
		"mode": "mentor",
	}))
	require.NoError(t, err)

	out := decode[model.RunOutcome](t, result)
	assert.Equal(t, model.RunStatusCompleted, out.Status)
	require.NotNil(t, out.Final)
	assert.Equal(t, "Done", out.Final.Message)
	assert.NotEqual(t, uuid.Nil, out.RunID)
}

func TestHandleRun_Validation(t *testing.T) {
	s, _ := newTestServer(t, &testutil.PlanScript{})

	tests := []struct {
		name    string
		ctx     context.Context
		args    map[string]any
		errText string
	}{
		{"missing goal", userCtx(), map[string]any{}, "goal is required"},
		{"unknown mode", userCtx(), map[string]any{"goal": "x", "mode": "pirate"}, "mode"},
		{"bad input", userCtx(), map[string]any{"goal": "x", "input": "{not json"}, "input must be valid JSON"},
		{"no identity", context.Background(), map[string]any{"goal": "x"}, "identity"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := s.handleRun(tt.ctx, toolRequest("michi_run", tt.args))
			require.NoError(t, err, "handler should not return go error, only tool error")
			require.True(t, result.IsError)
			assert.Contains(t, parseToolText(t, result), tt.errText)
		})
	}
}

func TestConfirmAndContinue(t *testing.T) {
	gen := &testutil.PlanScript{Plans: []string{
		testutil.ToolCallPlan(confirmationTool, `{"question":"Proceed?"}`),
		testutil.FinalPlan,
	}}
	s, _ := newTestServer(t, gen)
	ctx := userCtx()

	result, err := s.handleRun(ctx, toolRequest("michi_run", map[string]any{"goal": "ask first"}))
	require.NoError(t, err)
	halted := decode[model.RunOutcome](t, result)
	assert.Equal(t, model.RunStatusRunning, halted.Status)
	require.Len(t, halted.PendingConfirmations, 1)
	inv := halted.PendingConfirmations[0]

	// Continue is refused while the confirmation is open.
	result, err = s.handleContinue(ctx, toolRequest("michi_continue", map[string]any{"run_id": halted.RunID.String()}))
	require.NoError(t, err)
	require.True(t, result.IsError)
	assert.Contains(t, parseToolText(t, result), "awaiting confirmation")

	result, err = s.handleConfirm(ctx, toolRequest("michi_confirm", map[string]any{
		"run_id":        halted.RunID.String(),
		"invocation_id": inv.ID.String(),
	}))
	require.NoError(t, err)
	confirmed := decode[model.ToolInvocation](t, result)
	assert.Equal(t, model.InvocationSuccess, confirmed.Status)

	// A second approval is rejected.
	result, err = s.handleConfirm(ctx, toolRequest("michi_confirm", map[string]any{
		"run_id":        halted.RunID.String(),
		"invocation_id": inv.ID.String(),
	}))
	require.NoError(t, err)
	require.True(t, result.IsError)
	assert.Contains(t, parseToolText(t, result), "not awaiting confirmation")

	result, err = s.handleContinue(ctx, toolRequest("michi_continue", map[string]any{"run_id": halted.RunID.String()}))
	require.NoError(t, err)
	done := decode[model.RunOutcome](t, result)
	assert.Equal(t, model.RunStatusCompleted, done.Status)
}

func TestConfirmReject(t *testing.T) {
	gen := &testutil.PlanScript{Plans: []string{testutil.ToolCallPlan(confirmationTool, `{"question":"Delete it?"}`)}}
	s, _ := newTestServer(t, gen)
	ctx := userCtx()

	result, err := s.handleRun(ctx, toolRequest("michi_run", map[string]any{"goal": "ask first"}))
	require.NoError(t, err)
	halted := decode[model.RunOutcome](t, result)
	require.Len(t, halted.PendingConfirmations, 1)

	result, err = s.handleConfirm(ctx, toolRequest("michi_confirm", map[string]any{
		"run_id":        halted.RunID.String(),
		"invocation_id": halted.PendingConfirmations[0].ID.String(),
		"approved":      false,
		"note":          "not today",
	}))
	require.NoError(t, err)
	rejected := decode[model.ToolInvocation](t, result)
	assert.Equal(t, model.InvocationFailed, rejected.Status)
	require.NotNil(t, rejected.ErrorMessage)
	assert.Equal(t, "Rejected by human reviewer. not today", *rejected.ErrorMessage)
}

func TestHandleStatusAndRuns(t *testing.T) {
	s, _ := newTestServer(t, &testutil.PlanScript{})
	ctx := userCtx()

	result, err := s.handleRun(ctx, toolRequest("michi_run", map[string]any{"goal": "say done"}))
	require.NoError(t, err)
	out := decode[model.RunOutcome](t, result)

	result, err = s.handleStatus(ctx, toolRequest("michi_status", map[string]any{"run_id": out.RunID.String()}))
	require.NoError(t, err)
	detail := decode[model.RunDetail](t, result)
	assert.Equal(t, out.RunID, detail.Run.ID)
	assert.Equal(t, model.RunStatusCompleted, detail.Run.Status)
	assert.NotEmpty(t, detail.Steps)

	// Other users cannot see the run.
	other := ctxutil.WithUserID(context.Background(), "someone-else")
	result, err = s.handleStatus(other, toolRequest("michi_status", map[string]any{"run_id": out.RunID.String()}))
	require.NoError(t, err)
	require.True(t, result.IsError)
	assert.Equal(t, "not found", parseToolText(t, result))

	result, err = s.handleRuns(ctx, toolRequest("michi_runs", map[string]any{"limit": 5}))
	require.NoError(t, err)
	list := decode[struct {
		Runs  []model.Run `json:"runs"`
		Total int         `json:"total"`
	}](t, result)
	assert.Equal(t, 1, list.Total)

	result, err = s.handleStatus(ctx, toolRequest("michi_status", map[string]any{"run_id": "nope"}))
	require.NoError(t, err)
	require.True(t, result.IsError)
	assert.Contains(t, parseToolText(t, result), "invalid run_id")
}

func TestHandleCancel(t *testing.T) {
	s, store := newTestServer(t, &testutil.PlanScript{})
	ctx := userCtx()

	run, err := store.CreateRun(ctx, model.Run{UserID: testUser, Mode: model.ModeGeneric, Goal: "later"})
	require.NoError(t, err)

	result, err := s.handleCancel(ctx, toolRequest("michi_cancel", map[string]any{"run_id": run.ID.String()}))
	require.NoError(t, err)
	cancelled := decode[model.Run](t, result)
	assert.Equal(t, model.RunStatusCancelled, cancelled.Status)

	result, err = s.handleCancel(ctx, toolRequest("michi_cancel", map[string]any{"run_id": run.ID.String()}))
	require.NoError(t, err)
	require.True(t, result.IsError)
	assert.Contains(t, parseToolText(t, result), "not in a valid state")
}

func TestHandleTools(t *testing.T) {
	s, _ := newTestServer(t, &testutil.PlanScript{})

	result, err := s.handleTools(userCtx(), toolRequest("michi_tools", nil))
	require.NoError(t, err)
	infos := decode[[]model.ToolInfo](t, result)

	names := make([]string, 0, len(infos))
	for _, info := range infos {
		names = append(names, info.Name)
		assert.NotEmpty(t, info.InputSchema, "tool %s should advertise an input schema", info.Name)
	}
	assert.ElementsMatch(t, []string{"memory_write", "memory_read", confirmationTool}, names)
}

func TestPendingConfirmationsResourceAndPrompt(t *testing.T) {
	gen := &testutil.PlanScript{Plans: []string{testutil.ToolCallPlan(confirmationTool, `{"question":"Proceed?"}`)}}
	s, _ := newTestServer(t, gen)
	ctx := userCtx()

	contents, err := s.handlePendingConfirmations(ctx, mcplib.ReadResourceRequest{})
	require.NoError(t, err)
	require.Len(t, contents, 1)
	assert.Equal(t, "[]", contents[0].(mcplib.TextResourceContents).Text)

	prompt, err := s.handleReviewConfirmationsPrompt(ctx, mcplib.GetPromptRequest{})
	require.NoError(t, err)
	assert.Equal(t, "0 pending confirmation(s)", prompt.Description)

	result, err := s.handleRun(ctx, toolRequest("michi_run", map[string]any{"goal": "ask first"}))
	require.NoError(t, err)
	halted := decode[model.RunOutcome](t, result)
	require.Len(t, halted.PendingConfirmations, 1)

	contents, err = s.handlePendingConfirmations(ctx, mcplib.ReadResourceRequest{})
	require.NoError(t, err)
	var pending []model.PendingConfirmation
	require.NoError(t, json.Unmarshal([]byte(contents[0].(mcplib.TextResourceContents).Text), &pending))
	require.Len(t, pending, 1)
	assert.Equal(t, "ask first", pending[0].Goal)

	prompt, err = s.handleReviewConfirmationsPrompt(ctx, mcplib.GetPromptRequest{})
	require.NoError(t, err)
	require.Len(t, prompt.Messages, 1)
	text := prompt.Messages[0].Content.(mcplib.TextContent).Text
	assert.Contains(t, text, halted.PendingConfirmations[0].ID.String())
	assert.Contains(t, text, "michi_confirm")
}

func TestRunDetailResource(t *testing.T) {
	s, _ := newTestServer(t, &testutil.PlanScript{})
	ctx := userCtx()

	result, err := s.handleRun(ctx, toolRequest("michi_run", map[string]any{"goal": "say done"}))
	require.NoError(t, err)
	out := decode[model.RunOutcome](t, result)

	req := mcplib.ReadResourceRequest{}
	req.Params.URI = uriRunPrefix + out.RunID.String()
	contents, err := s.handleRunDetail(ctx, req)
	require.NoError(t, err)
	var detail model.RunDetail
	require.NoError(t, json.Unmarshal([]byte(contents[0].(mcplib.TextResourceContents).Text), &detail))
	assert.Equal(t, out.RunID, detail.Run.ID)

	req.Params.URI = uriRunPrefix + "not-a-uuid"
	_, err = s.handleRunDetail(ctx, req)
	require.Error(t, err)
}

func TestAgentSetupPrompt(t *testing.T) {
	s, _ := newTestServer(t, &testutil.PlanScript{})

	result, err := s.handleAgentSetupPrompt(context.Background(), mcplib.GetPromptRequest{})
	require.NoError(t, err)
	require.NotEmpty(t, result.Messages)
	tc, ok := result.Messages[0].Content.(mcplib.TextContent)
	require.True(t, ok, "message content should be TextContent")
	for _, tool := range []string{"michi_run", "michi_confirm", "michi_continue"} {
		assert.Contains(t, tc.Text, tool)
	}
	assert.NotNil(t, s.MCPServer())
}
