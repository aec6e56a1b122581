package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/michi/internal/model"
	"github.com/ashita-ai/michi/internal/prompt"
	"github.com/ashita-ai/michi/internal/telemetry"
)

// loopState is everything one Run or Continue call carries between
// iterations. It is rebuilt from the store on every call.
type loopState struct {
	run       model.Run
	prefix    string
	stepIndex int
	plans     int // plan steps recorded so far, counted against StepLimit
	history   []model.ToolResult
	recalled  []model.Experience
}

// Run moves a queued run to running and executes the loop. Budget
// exhaustion and confirmation halts are reported through the outcome; an
// error means the run could not be started or an LLM response stayed
// malformed, in which case the run stays running and can be resumed.
func (rt *Runtime) Run(ctx context.Context, p RunParams) (model.RunOutcome, error) {
	if p.Mode != "" || p.Goal != "" || len(p.Input) > 0 {
		stored, err := rt.store.GetRun(ctx, p.UserID, p.RunID)
		if err != nil {
			return model.RunOutcome{}, fmt.Errorf("agent: start run: %w", err)
		}
		if err := matchParams(stored, p); err != nil {
			return model.RunOutcome{}, err
		}
	}
	run, err := rt.store.StartRun(ctx, p.UserID, p.RunID)
	if err != nil {
		return model.RunOutcome{}, fmt.Errorf("agent: start run: %w", err)
	}

	st := &loopState{run: run, prefix: prompt.ModePrefix(run.Mode)}
	rt.logger.Info("agent: run started", "run_id", run.ID, "user_id", run.UserID, "mode", run.Mode)
	return rt.loop(ctx, st)
}

// Continue rehydrates a running run from the store and resumes the loop at
// the next step index. Pending confirmations must be resolved first.
func (rt *Runtime) Continue(ctx context.Context, runID uuid.UUID, userID string) (model.RunOutcome, error) {
	run, err := rt.store.GetRun(ctx, userID, runID)
	if err != nil {
		return model.RunOutcome{}, fmt.Errorf("agent: continue: %w", err)
	}
	if run.Status != model.RunStatusRunning {
		return model.RunOutcome{}, fmt.Errorf("%w: run %s is %s", ErrRunState, runID, run.Status)
	}

	steps, err := rt.store.ListSteps(ctx, runID)
	if err != nil {
		return model.RunOutcome{}, fmt.Errorf("agent: continue: %w", err)
	}
	invs, err := rt.store.ListInvocations(ctx, runID)
	if err != nil {
		return model.RunOutcome{}, fmt.Errorf("agent: continue: %w", err)
	}
	var pending []model.ToolInvocation
	for _, inv := range invs {
		if inv.Status == model.InvocationNeedsConfirmation {
			pending = append(pending, inv)
		}
	}
	if len(pending) > 0 {
		return model.RunOutcome{
			RunID:                runID,
			Status:               run.Status,
			StepsRecorded:        len(steps),
			PendingConfirmations: pending,
		}, ErrConfirmationPending
	}

	st := &loopState{
		run:       run,
		prefix:    prompt.ModePrefix(run.Mode),
		stepIndex: len(steps),
		plans:     countKind(steps, model.StepPlan),
		history:   historyFrom(invs),
	}
	if err := rt.note(ctx, st, "resumed", map[string]any{"prior_steps": len(steps), "prior_invocations": len(invs)}); err != nil {
		return model.RunOutcome{}, err
	}
	rt.logger.Info("agent: run resumed", "run_id", runID, "user_id", userID,
		"step_index", st.stepIndex, "plans_left", max(0, rt.cfg.StepLimit-st.plans))
	return rt.loop(ctx, st)
}

// Cancel moves a queued or running run to cancelled. An in-flight loop
// notices at its next iteration and its late completion is rejected by the
// store.
func (rt *Runtime) Cancel(ctx context.Context, runID uuid.UUID, userID string) (model.Run, error) {
	run, err := rt.store.CancelRun(ctx, userID, runID)
	if err != nil {
		return model.Run{}, fmt.Errorf("agent: cancel: %w", err)
	}
	rt.runsFinished.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(model.RunStatusCancelled))))
	rt.logger.Info("agent: run cancelled", "run_id", runID, "user_id", userID)
	return run, nil
}

func (rt *Runtime) loop(ctx context.Context, st *loopState) (model.RunOutcome, error) {
	if rt.recall != nil {
		recalled, err := rt.recall.Recall(ctx, st.run.UserID, st.run.Goal, rt.cfg.RecallLimit)
		if err != nil {
			rt.logger.Warn("agent: experience recall failed", "run_id", st.run.ID, "error", err)
		}
		st.recalled = recalled
	}

	for st.plans < rt.cfg.StepLimit {
		if err := ctx.Err(); err != nil {
			return rt.outcome(st, model.RunStatusRunning, nil, ""), err
		}
		if cancelled, err := rt.cancelled(ctx, st); err != nil {
			return model.RunOutcome{}, err
		} else if cancelled {
			return rt.outcome(st, model.RunStatusCancelled, nil, ""), nil
		}

		out, done, err := rt.iterate(ctx, st)
		if err != nil || done {
			return out, err
		}
	}

	msg := StepLimitMessage
	if err := rt.store.FinishRun(ctx, st.run.ID, model.RunStatusFailed, nil, &msg); err != nil {
		return rt.finishConflict(ctx, st, err)
	}
	rt.runsFinished.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(model.RunStatusFailed))))
	rt.logger.Info("agent: step limit exceeded", "run_id", st.run.ID, "step_index", st.stepIndex)
	return rt.outcome(st, model.RunStatusFailed, nil, msg), nil
}

// iterate runs loop steps 1-8 once. done reports that the call should return.
func (rt *Runtime) iterate(ctx context.Context, st *loopState) (out model.RunOutcome, done bool, err error) {
	ctx, span := telemetry.Tracer("michi/agent").Start(ctx, "agent.iteration")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()
	span.SetAttributes(
		attribute.String("run_id", st.run.ID.String()),
		attribute.Int("iteration", st.plans),
		attribute.Int("step_index", st.stepIndex),
	)

	// 1. Route.
	dec := rt.router.Decide(st.run.Mode, st.run.Goal, rt.registry.List())
	if _, err := rt.store.CreateRoutingDecision(ctx, model.RoutingDecision{
		RunID:    st.run.ID,
		Provider: dec.Provider,
		Model:    dec.Model,
		Toolset:  dec.Toolset,
		Reason:   dec.Reason,
	}); err != nil {
		return model.RunOutcome{}, true, fmt.Errorf("agent: record routing decision: %w", err)
	}
	gen, ok := rt.generators[dec.Provider]
	if !ok {
		return model.RunOutcome{}, true, fmt.Errorf("agent: no generator for provider %q", dec.Provider)
	}
	call := llmCall{gen: gen, provider: dec.Provider, model: dec.Model, prefix: st.prefix, maxTokens: rt.cfg.MaxTokens, timeout: rt.cfg.LLMTimeout}

	// 2. Plan.
	plan, trace, err := rt.plan(ctx, st, call, rt.registry.Subset(dec.Toolset))
	if err != nil {
		return model.RunOutcome{}, true, err
	}
	if err := rt.addStep(ctx, st, uuid.Nil, model.StepPlan, trace, plan); err != nil {
		return model.RunOutcome{}, true, err
	}
	st.plans++

	// 3. Direct final answer.
	if plan.IsFinal() {
		out, err := rt.complete(ctx, st, *plan.Final)
		return out, true, err
	}

	// 4. Dispatch tool calls sequentially.
	var results []model.ToolResult
	if len(plan.ToolCalls) > 0 {
		stepID := uuid.New()
		results = make([]model.ToolResult, 0, len(plan.ToolCalls))
		for _, tc := range plan.ToolCalls {
			res, err := rt.dispatch(ctx, st, stepID, tc)
			if err != nil {
				return model.RunOutcome{}, true, rt.abortToolStep(ctx, st, stepID, plan.ToolCalls, results, err)
			}
			results = append(results, res)
		}
		if err := rt.addStep(ctx, st, stepID, model.StepTool,
			map[string]any{"toolCalls": plan.ToolCalls}, results); err != nil {
			return model.RunOutcome{}, true, err
		}
		st.history = append(st.history, results...)
	}

	// 5. Halt for human confirmation.
	var pending []uuid.UUID
	for _, r := range results {
		if r.Status == model.InvocationNeedsConfirmation {
			id, _ := uuid.Parse(r.InvocationID)
			pending = append(pending, id)
		}
	}
	if len(pending) > 0 {
		if err := rt.note(ctx, st, "awaiting_confirmation", map[string]any{"invocation_ids": pending}); err != nil {
			return model.RunOutcome{}, true, err
		}
		out := rt.outcome(st, model.RunStatusRunning, nil, "")
		out.PendingConfirmations, err = rt.pendingInvocations(ctx, st.run.ID, pending)
		rt.logger.Info("agent: awaiting confirmation", "run_id", st.run.ID, "pending", len(pending))
		return out, true, err
	}

	// 6. Everything blocked: re-plan with the feedback in context.
	if allBlocked(results) {
		rt.logger.Debug("agent: all tool calls blocked, re-planning", "run_id", st.run.ID, "step_index", st.stepIndex)
		return model.RunOutcome{}, false, nil
	}

	// 7. Verify claims.
	evidence, err := rt.verify(ctx, st, plan.Claims, results)
	if err != nil {
		return model.RunOutcome{}, true, err
	}

	// 8. Final response.
	final, err := rt.finalResponse(ctx, st, call, evidence)
	if err != nil {
		return model.RunOutcome{}, true, err
	}
	out, err = rt.complete(ctx, st, final)
	return out, true, err
}

// addStep persists a step at the next index. A nil id lets the store assign one.
func (rt *Runtime) addStep(ctx context.Context, st *loopState, id uuid.UUID, kind model.StepKind, input, output any) error {
	_, err := rt.persistStep(ctx, st, id, kind, input, output)
	return err
}

func (rt *Runtime) persistStep(ctx context.Context, st *loopState, id uuid.UUID, kind model.StepKind, input, output any) (model.Step, error) {
	in, err := json.Marshal(input)
	if err != nil {
		return model.Step{}, fmt.Errorf("agent: encode %s step input: %w", kind, err)
	}
	out, err := json.Marshal(output)
	if err != nil {
		return model.Step{}, fmt.Errorf("agent: encode %s step output: %w", kind, err)
	}
	step, err := rt.store.CreateStep(ctx, model.Step{
		ID:        id,
		RunID:     st.run.ID,
		StepIndex: st.stepIndex,
		Kind:      kind,
		Input:     in,
		Output:    out,
	})
	if err != nil {
		return model.Step{}, fmt.Errorf("agent: record %s step %d: %w", kind, st.stepIndex, err)
	}
	st.stepIndex++
	return step, nil
}

// abortToolStep persists the tool step for a batch interrupted by a store
// failure, so invocations already written reference a step that exists.
func (rt *Runtime) abortToolStep(ctx context.Context, st *loopState, stepID uuid.UUID, calls []model.ToolCall, results []model.ToolResult, cause error) error {
	ctx = context.WithoutCancel(ctx)
	input := map[string]any{"toolCalls": calls, "error": cause.Error()}
	if err := rt.addStep(ctx, st, stepID, model.StepTool, input, results); err != nil {
		rt.logger.Error("agent: record interrupted tool step", "run_id", st.run.ID, "step_id", stepID, "error", err)
		return errors.Join(cause, err)
	}
	return cause
}

func (rt *Runtime) note(ctx context.Context, st *loopState, event string, detail map[string]any) error {
	return rt.addStep(ctx, st, uuid.Nil, model.StepNote, map[string]any{"event": event}, detail)
}

func (rt *Runtime) cancelled(ctx context.Context, st *loopState) (bool, error) {
	run, err := rt.store.GetRun(ctx, st.run.UserID, st.run.ID)
	if err != nil {
		return false, fmt.Errorf("agent: reload run: %w", err)
	}
	return run.Status == model.RunStatusCancelled, nil
}

// finishConflict handles a FinishRun rejected by the store, which happens
// when the run was cancelled while the loop was running.
func (rt *Runtime) finishConflict(ctx context.Context, st *loopState, finishErr error) (model.RunOutcome, error) {
	run, err := rt.store.GetRun(ctx, st.run.UserID, st.run.ID)
	if err == nil && run.Status.IsTerminal() {
		rt.logger.Info("agent: run finished elsewhere", "run_id", st.run.ID, "status", run.Status)
		out := rt.outcome(st, run.Status, nil, "")
		if run.ErrorMessage != nil {
			out.ErrorMessage = *run.ErrorMessage
		}
		return out, nil
	}
	return model.RunOutcome{}, fmt.Errorf("agent: finish run: %w", finishErr)
}

func (rt *Runtime) outcome(st *loopState, status model.RunStatus, final *model.FinalResponse, errMsg string) model.RunOutcome {
	return model.RunOutcome{
		RunID:         st.run.ID,
		Status:        status,
		StepsRecorded: st.stepIndex,
		Final:         final,
		ErrorMessage:  errMsg,
	}
}

func (rt *Runtime) pendingInvocations(ctx context.Context, runID uuid.UUID, ids []uuid.UUID) ([]model.ToolInvocation, error) {
	out := make([]model.ToolInvocation, 0, len(ids))
	for _, id := range ids {
		inv, err := rt.store.GetInvocation(ctx, runID, id)
		if err != nil {
			return nil, fmt.Errorf("agent: load pending invocation: %w", err)
		}
		out = append(out, inv)
	}
	return out, nil
}

// matchParams rejects explicit run parameters that disagree with the
// stored run, which Continue and the run record would otherwise ignore.
func matchParams(run model.Run, p RunParams) error {
	if p.Mode != "" && p.Mode != run.Mode {
		return fmt.Errorf("%w: mode %q, stored %q", ErrRunParams, p.Mode, run.Mode)
	}
	if p.Goal != "" && p.Goal != run.Goal {
		return fmt.Errorf("%w: goal", ErrRunParams)
	}
	if len(p.Input) > 0 && !sameJSON(p.Input, run.Input) {
		return fmt.Errorf("%w: input", ErrRunParams)
	}
	return nil
}

func sameJSON(a, b json.RawMessage) bool {
	var ca, cb bytes.Buffer
	if json.Compact(&ca, a) != nil || json.Compact(&cb, b) != nil {
		return bytes.Equal(a, b)
	}
	return bytes.Equal(ca.Bytes(), cb.Bytes())
}

func countKind(steps []model.Step, kind model.StepKind) int {
	n := 0
	for _, s := range steps {
		if s.Kind == kind {
			n++
		}
	}
	return n
}

func allBlocked(results []model.ToolResult) bool {
	if len(results) == 0 {
		return false
	}
	for _, r := range results {
		if r.Status != model.InvocationBlocked {
			return false
		}
	}
	return true
}

// historyFrom rebuilds tool results from persisted invocations, reflecting
// any confirmations resolved since the run halted.
func historyFrom(invs []model.ToolInvocation) []model.ToolResult {
	out := make([]model.ToolResult, 0, len(invs))
	for _, inv := range invs {
		r := model.ToolResult{
			InvocationID: inv.ID.String(),
			Tool:         inv.ToolName,
			Status:       inv.Status,
			Result:       inv.Result,
		}
		if inv.ErrorMessage != nil {
			r.Error = *inv.ErrorMessage
		}
		out = append(out, r)
	}
	return out
}

// toolsUsed returns the distinct names of tools that ran successfully.
func toolsUsed(history []model.ToolResult) []string {
	seen := map[string]bool{}
	var out []string
	for _, r := range history {
		if r.Status == model.InvocationSuccess && !seen[r.Tool] {
			seen[r.Tool] = true
			out = append(out, r.Tool)
		}
	}
	sort.Strings(out)
	return out
}
