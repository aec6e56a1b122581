package agent

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/ashita-ai/michi/internal/model"
	"github.com/ashita-ai/michi/internal/storage"
)

// ExecuteConfirmedTool runs one invocation a human approved. The claim on
// the invocation is atomic, so concurrent approvals execute it once. The
// surrounding loop is not resumed; call Continue for that.
func (rt *Runtime) ExecuteConfirmedTool(ctx context.Context, runID uuid.UUID, userID string, invocationID uuid.UUID) (model.ToolInvocation, error) {
	run, err := rt.confirmableRun(ctx, runID, userID)
	if err != nil {
		return model.ToolInvocation{}, err
	}

	inv, err := rt.store.ClaimConfirmation(ctx, runID, invocationID)
	if err != nil {
		return model.ToolInvocation{}, resolveErr("claim confirmation", err)
	}
	rt.logger.Info("agent: confirmation approved", "run_id", runID, "user_id", userID, "tool", inv.ToolName)

	if err := rt.runClaimed(ctx, run, inv); err != nil {
		return model.ToolInvocation{}, err
	}
	updated, err := rt.store.GetInvocation(ctx, runID, invocationID)
	if err != nil {
		return model.ToolInvocation{}, fmt.Errorf("agent: reload invocation: %w", err)
	}
	return updated, nil
}

// RejectConfirmedTool records a human refusal; the invocation becomes failed
// and its handler never runs.
func (rt *Runtime) RejectConfirmedTool(ctx context.Context, runID uuid.UUID, userID string, invocationID uuid.UUID, note string) (model.ToolInvocation, error) {
	if _, err := rt.confirmableRun(ctx, runID, userID); err != nil {
		return model.ToolInvocation{}, err
	}
	reason := "Rejected by human reviewer."
	if note != "" {
		reason += " " + note
	}
	inv, err := rt.store.RejectConfirmation(ctx, runID, invocationID, reason)
	if err != nil {
		return model.ToolInvocation{}, resolveErr("reject confirmation", err)
	}
	rt.countInvocation(ctx, inv.ToolName, model.InvocationFailed)
	rt.logger.Info("agent: confirmation rejected", "run_id", runID, "user_id", userID, "tool", inv.ToolName)
	return inv, nil
}

func (rt *Runtime) confirmableRun(ctx context.Context, runID uuid.UUID, userID string) (model.Run, error) {
	run, err := rt.store.GetRun(ctx, userID, runID)
	if err != nil {
		return model.Run{}, fmt.Errorf("agent: confirm: %w", err)
	}
	if run.Status != model.RunStatusRunning {
		return model.Run{}, fmt.Errorf("%w: run %s is %s", ErrRunState, runID, run.Status)
	}
	return run, nil
}

// runClaimed executes a claimed invocation. The tool's arguments are
// validated again since the registry may have changed since the halt.
func (rt *Runtime) runClaimed(ctx context.Context, run model.Run, inv model.ToolInvocation) error {
	fail := func(msg string) error {
		if err := rt.store.FinishInvocation(ctx, inv.ID, model.InvocationFailed, nil, &msg); err != nil {
			return fmt.Errorf("agent: finish invocation: %w", err)
		}
		rt.countInvocation(ctx, inv.ToolName, model.InvocationFailed)
		return nil
	}

	tool, ok := rt.registry.Lookup(inv.ToolName)
	if !ok {
		return fail(MsgToolNotRegistered)
	}
	args, err := tool.ValidateArgs(inv.Args)
	if err != nil {
		return fail(MsgInvalidToolArgs + ": " + err.Error())
	}
	_, err = rt.execute(ctx, run, inv, tool, args)
	return err
}

func resolveErr(op string, err error) error {
	if errors.Is(err, storage.ErrAlreadyResolved) {
		return fmt.Errorf("%w: %w", ErrNotPending, err)
	}
	return fmt.Errorf("agent: %s: %w", op, err)
}
