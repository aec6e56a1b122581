package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/michi/internal/model"
	"github.com/ashita-ai/michi/internal/safety"
	"github.com/ashita-ai/michi/internal/tools"
)

// dispatch runs one tool call through lookup, argument validation, the
// guard, and (when allowed) the handler. Dispatch and execution problems are
// recorded on the invocation; only store failures are returned as errors.
func (rt *Runtime) dispatch(ctx context.Context, st *loopState, stepID uuid.UUID, call model.ToolCall) (model.ToolResult, error) {
	base := model.ToolInvocation{
		RunID:    st.run.ID,
		StepID:   stepID,
		ToolName: call.Tool,
		Args:     call.Args,
	}

	tool, ok := rt.registry.Lookup(call.Tool)
	if !ok {
		names := make([]string, 0)
		for _, t := range rt.registry.List() {
			names = append(names, t.Name)
		}
		return rt.recordBlocked(ctx, base, nil, MsgToolNotRegistered,
			fmt.Sprintf("Tool %q does not exist. Available tools: %v.", call.Tool, names))
	}

	args, err := tool.ValidateArgs(call.Args)
	if err != nil {
		return rt.recordBlocked(ctx, base, nil, MsgInvalidToolArgs, err.Error())
	}
	base.Args = args.JSON()

	verdict := rt.guard.Evaluate(ctx, safety.Request{
		Goal: st.run.Goal,
		Mode: st.run.Mode,
		Tool: tool,
		Args: args.JSON(),
	})
	decision := &model.SafetyDecision{Decision: verdict.Decision, Reasons: verdict.Reasons}
	if verdict.Feedback != "" {
		fb := verdict.Feedback
		decision.Feedback = &fb
	}
	rt.logger.Debug("agent: guard verdict", "run_id", st.run.ID, "tool", tool.Name, "decision", verdict.Decision)

	switch verdict.Decision {
	case model.VerdictAllow:
	case model.VerdictConfirm:
		base.Status = model.InvocationNeedsConfirmation
		inv, err := rt.store.CreateInvocation(ctx, base, decision)
		if err != nil {
			return model.ToolResult{}, fmt.Errorf("agent: record invocation: %w", err)
		}
		rt.countInvocation(ctx, inv.ToolName, inv.Status)
		return model.ToolResult{
			InvocationID: inv.ID.String(),
			Tool:         inv.ToolName,
			Status:       inv.Status,
			Feedback:     verdict.Feedback,
		}, nil
	default:
		msg := verdict.Feedback
		if msg == "" {
			msg = "Blocked by safety policy."
		}
		return rt.recordBlocked(ctx, base, decision, msg, msg)
	}

	// Allowed: create as pending execution, run, then finish.
	base.Status = model.InvocationSuccess
	inv, err := rt.store.CreateInvocation(ctx, base, decision)
	if err != nil {
		return model.ToolResult{}, fmt.Errorf("agent: record invocation: %w", err)
	}
	return rt.execute(ctx, st.run, inv, tool, args)
}

// execute invokes an allowed tool and finishes its pending invocation.
func (rt *Runtime) execute(ctx context.Context, run model.Run, inv model.ToolInvocation, tool tools.Tool, args tools.Args) (model.ToolResult, error) {
	res := model.ToolResult{InvocationID: inv.ID.String(), Tool: inv.ToolName}

	out, callErr := invokeSafely(ctx, tool, tools.Context{UserID: run.UserID, RunID: run.ID}, args)
	if callErr != nil {
		msg := callErr.Error()
		if err := rt.store.FinishInvocation(ctx, inv.ID, model.InvocationFailed, nil, &msg); err != nil {
			return model.ToolResult{}, fmt.Errorf("agent: finish invocation: %w", err)
		}
		rt.logger.Info("agent: tool failed", "run_id", run.ID, "tool", tool.Name, "error", callErr)
		rt.countInvocation(ctx, tool.Name, model.InvocationFailed)
		res.Status = model.InvocationFailed
		res.Error = msg
		return res, nil
	}

	if err := rt.store.FinishInvocation(ctx, inv.ID, model.InvocationSuccess, out, nil); err != nil {
		return model.ToolResult{}, fmt.Errorf("agent: finish invocation: %w", err)
	}
	rt.countInvocation(ctx, tool.Name, model.InvocationSuccess)
	res.Status = model.InvocationSuccess
	res.Result = out
	return res, nil
}

func (rt *Runtime) recordBlocked(ctx context.Context, inv model.ToolInvocation, decision *model.SafetyDecision, errMsg, feedback string) (model.ToolResult, error) {
	now := time.Now().UTC()
	inv.Status = model.InvocationBlocked
	inv.ErrorMessage = &errMsg
	inv.FinishedAt = &now
	if len(inv.Args) > 0 && !json.Valid(inv.Args) {
		inv.Args = nil
	}
	created, err := rt.store.CreateInvocation(ctx, inv, decision)
	if err != nil {
		return model.ToolResult{}, fmt.Errorf("agent: record blocked invocation: %w", err)
	}
	rt.countInvocation(ctx, inv.ToolName, model.InvocationBlocked)
	return model.ToolResult{
		InvocationID: created.ID.String(),
		Tool:         created.ToolName,
		Status:       model.InvocationBlocked,
		Error:        errMsg,
		Feedback:     feedback,
	}, nil
}

func (rt *Runtime) countInvocation(ctx context.Context, tool string, status model.InvocationStatus) {
	rt.toolInvocations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tool", tool),
		attribute.String("status", string(status)),
	))
}

// invokeSafely converts a handler panic into an execution error.
func invokeSafely(ctx context.Context, tool tools.Tool, tc tools.Context, args tools.Args) (out json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tool %s panicked: %v", tool.Name, r)
		}
	}()
	return tool.Invoke(ctx, tc, args)
}
