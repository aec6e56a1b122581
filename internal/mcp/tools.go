package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/michi/internal/agent"
	"github.com/ashita-ai/michi/internal/ctxutil"
	"github.com/ashita-ai/michi/internal/model"
	"github.com/ashita-ai/michi/internal/storage"
)

func (s *Server) registerTools() {
	// michi_run: start a run and drive it until it finishes or halts.
	s.mcpServer.AddTool(
		mcplib.NewTool("michi_run",
			mcplib.WithDescription(`Start an agent run toward a goal and wait for it to finish or halt.

WHEN TO USE: When you want the agent to plan, call tools and answer a goal
on the user's behalf.

WHAT YOU GET BACK:
- status: completed, failed, or running when the run halted
- final: the final response when the run completed
- pending_confirmations: tool calls waiting for a human decision. Resolve
  each with michi_confirm, then call michi_continue.

A run that exhausts its step budget fails with "Step limit exceeded".`),
			mcplib.WithOpenWorldHintAnnotation(true),
			mcplib.WithString("goal",
				mcplib.Description("What the agent should accomplish"),
				mcplib.Required(),
			),
			mcplib.WithString("mode",
				mcplib.Description("Persona the agent adopts"),
				mcplib.Enum(
					string(model.ModeGeneric),
					string(model.ModeMentor),
					string(model.ModeCoach),
					string(model.ModeDeepResearch),
					string(model.ModeCodeAssist),
				),
				mcplib.DefaultString(string(model.ModeGeneric)),
			),
			mcplib.WithString("input",
				mcplib.Description("Optional JSON document passed to the planner as extra context"),
			),
		),
		s.handleRun,
	)

	// michi_continue: resume a halted run.
	s.mcpServer.AddTool(
		mcplib.NewTool("michi_continue",
			mcplib.WithDescription(`Resume a running run after its confirmations were resolved, or after a
model error left it running. Fails while confirmations are still pending.`),
			mcplib.WithOpenWorldHintAnnotation(true),
			mcplib.WithString("run_id", mcplib.Description("Run to resume"), mcplib.Required()),
		),
		s.handleContinue,
	)

	// michi_confirm: approve or reject a pending tool call.
	s.mcpServer.AddTool(
		mcplib.NewTool("michi_confirm",
			mcplib.WithDescription(`Approve or reject a tool call that is waiting for human confirmation.

Approving executes the tool once and records its result. Rejecting fails
the invocation with the optional note. Either way, call michi_continue
afterwards so the agent can plan around the outcome.`),
			mcplib.WithDestructiveHintAnnotation(true),
			mcplib.WithString("run_id", mcplib.Description("Run the invocation belongs to"), mcplib.Required()),
			mcplib.WithString("invocation_id", mcplib.Description("Invocation awaiting confirmation"), mcplib.Required()),
			mcplib.WithBoolean("approved",
				mcplib.Description("true executes the tool, false rejects it"),
				mcplib.DefaultBool(true),
			),
			mcplib.WithString("note", mcplib.Description("Reason shown to the agent when rejecting")),
		),
		s.handleConfirm,
	)

	// michi_cancel: cancel a queued or running run.
	s.mcpServer.AddTool(
		mcplib.NewTool("michi_cancel",
			mcplib.WithDescription("Cancel a queued or running run. An in-flight loop stops at its next iteration."),
			mcplib.WithDestructiveHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithString("run_id", mcplib.Description("Run to cancel"), mcplib.Required()),
		),
		s.handleCancel,
	)

	// michi_status: the full record of one run.
	s.mcpServer.AddTool(
		mcplib.NewTool("michi_status",
			mcplib.WithDescription("Return a run with its steps, tool invocations, safety and routing decisions, and evidence."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("run_id", mcplib.Description("Run to inspect"), mcplib.Required()),
		),
		s.handleStatus,
	)

	// michi_runs: the caller's recent runs.
	s.mcpServer.AddTool(
		mcplib.NewTool("michi_runs",
			mcplib.WithDescription("List the caller's runs, newest first."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithNumber("limit",
				mcplib.Description("Maximum number of runs to return"),
				mcplib.Min(1),
				mcplib.Max(200),
				mcplib.DefaultNumber(20),
			),
		),
		s.handleRuns,
	)

	// michi_tools: what the agent can call.
	s.mcpServer.AddTool(
		mcplib.NewTool("michi_tools",
			mcplib.WithDescription("List the tools the agent can call, with permissions and JSON schemas."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
		),
		s.handleTools,
	)
}

func (s *Server) handleRun(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	userID, res := requireUser(ctx)
	if res != nil {
		return res, nil
	}

	req := model.CreateRunRequest{
		Goal: request.GetString("goal", ""),
		Mode: request.GetString("mode", ""),
	}
	if input := request.GetString("input", ""); input != "" {
		req.Input = json.RawMessage(input)
	}
	mode, err := req.Validate()
	if err != nil {
		return errorResult(err.Error()), nil
	}

	run, err := s.store.CreateRun(ctx, model.Run{UserID: userID, Mode: mode, Goal: req.Goal, Input: req.Input})
	if err != nil {
		s.logger.Error("mcp: create run failed", "error", err, "user_id", userID)
		return errorResult("failed to create run"), nil
	}
	out, err := s.runtime.Run(ctx, agent.RunParams{RunID: run.ID, UserID: userID})
	if err != nil {
		return s.runtimeError("run", run.ID, err), nil
	}
	return jsonResult(out)
}

func (s *Server) handleContinue(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	userID, res := requireUser(ctx)
	if res != nil {
		return res, nil
	}
	runID, res := uuidArg(request, "run_id")
	if res != nil {
		return res, nil
	}

	out, err := s.runtime.Continue(ctx, runID, userID)
	if errors.Is(err, agent.ErrConfirmationPending) {
		data, _ := json.MarshalIndent(out.PendingConfirmations, "", "  ")
		return errorResult(fmt.Sprintf("run has %d invocation(s) awaiting confirmation; resolve them with michi_confirm first:\n%s",
			len(out.PendingConfirmations), data)), nil
	}
	if err != nil {
		return s.runtimeError("continue", runID, err), nil
	}
	return jsonResult(out)
}

func (s *Server) handleConfirm(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	userID, res := requireUser(ctx)
	if res != nil {
		return res, nil
	}
	runID, res := uuidArg(request, "run_id")
	if res != nil {
		return res, nil
	}
	invID, res := uuidArg(request, "invocation_id")
	if res != nil {
		return res, nil
	}

	var (
		inv model.ToolInvocation
		err error
	)
	if request.GetBool("approved", true) {
		inv, err = s.runtime.ExecuteConfirmedTool(ctx, runID, userID, invID)
	} else {
		inv, err = s.runtime.RejectConfirmedTool(ctx, runID, userID, invID, request.GetString("note", ""))
	}
	if err != nil {
		return s.runtimeError("confirm", runID, err), nil
	}
	return jsonResult(inv)
}

func (s *Server) handleCancel(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	userID, res := requireUser(ctx)
	if res != nil {
		return res, nil
	}
	runID, res := uuidArg(request, "run_id")
	if res != nil {
		return res, nil
	}
	run, err := s.runtime.Cancel(ctx, runID, userID)
	if err != nil {
		return s.runtimeError("cancel", runID, err), nil
	}
	return jsonResult(run)
}

func (s *Server) handleStatus(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	userID, res := requireUser(ctx)
	if res != nil {
		return res, nil
	}
	runID, res := uuidArg(request, "run_id")
	if res != nil {
		return res, nil
	}
	detail, err := s.store.GetRunDetail(ctx, userID, runID)
	if err != nil {
		return s.runtimeError("status", runID, err), nil
	}
	return jsonResult(detail)
}

func (s *Server) handleRuns(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	userID, res := requireUser(ctx)
	if res != nil {
		return res, nil
	}
	limit := request.GetInt("limit", 20)
	if limit < 1 || limit > 200 {
		return errorResult("limit must be between 1 and 200"), nil
	}
	runs, err := s.store.ListRuns(ctx, userID, limit, 0)
	if err != nil {
		s.logger.Error("mcp: list runs failed", "error", err, "user_id", userID)
		return errorResult("failed to list runs"), nil
	}
	if runs == nil {
		runs = []model.Run{}
	}
	return jsonResult(map[string]any{"runs": runs, "total": len(runs)})
}

func (s *Server) handleTools(_ context.Context, _ mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	list := s.runtime.Registry().List()
	infos := make([]model.ToolInfo, 0, len(list))
	for _, t := range list {
		infos = append(infos, t.Info())
	}
	return jsonResult(infos)
}

// runtimeError turns runtime and store errors into tool errors. Unexpected
// errors are logged and reported without internals.
func (s *Server) runtimeError(op string, runID uuid.UUID, err error) *mcplib.CallToolResult {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return errorResult("not found")
	case errors.Is(err, storage.ErrInvalidTransition), errors.Is(err, agent.ErrRunState):
		return errorResult("run is not in a valid state for this operation")
	case errors.Is(err, agent.ErrNotPending):
		return errorResult("invocation is not awaiting confirmation")
	}
	s.logger.Warn("mcp: "+op+" failed", "error", err, "run_id", runID)
	return errorResult(fmt.Sprintf("%s failed: %v; the run can be continued with michi_continue", op, err))
}

func requireUser(ctx context.Context) (string, *mcplib.CallToolResult) {
	userID := ctxutil.UserIDFromContext(ctx)
	if userID == "" {
		return "", errorResult("no caller identity on this session")
	}
	return userID, nil
}

func uuidArg(request mcplib.CallToolRequest, key string) (uuid.UUID, *mcplib.CallToolResult) {
	raw := request.GetString(key, "")
	if raw == "" {
		return uuid.Nil, errorResult(key + " is required")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, errorResult(fmt.Sprintf("invalid %s: %v", key, err))
	}
	return id, nil
}

func jsonResult(v any) (*mcplib.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal result: %w", err)
	}
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(data)},
		},
	}, nil
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		IsError: true,
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
	}
}
