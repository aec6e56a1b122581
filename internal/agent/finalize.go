package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/michi/internal/model"
	"github.com/ashita-ai/michi/internal/structured"
)

const (
	evidenceMaxChars       = 500
	actionsSummaryMaxChars = 280

	evidenceFoundConfidence   = 0.7
	evidenceMissingConfidence = 0.2
	noEvidenceText            = "No evidence found"
)

// verify records evidence for every claim flagged as needing it and
// persists a verify step.
func (rt *Runtime) verify(ctx context.Context, st *loopState, claims []model.Claim, results []model.ToolResult) ([]model.Evidence, error) {
	var support *model.ToolResult
	for i := range results {
		if results[i].Status == model.InvocationSuccess {
			support = &results[i]
			break
		}
	}

	var evs []model.Evidence
	for _, c := range claims {
		if !c.NeedsEvidence {
			continue
		}
		ev := model.Evidence{
			RunID:        st.run.ID,
			Claim:        c.Text,
			EvidenceText: noEvidenceText,
			SourceType:   model.SourceOther,
			Confidence:   evidenceMissingConfidence,
		}
		if support != nil {
			ref := support.Tool + ":" + support.InvocationID
			ev.EvidenceText = truncate(string(support.Result), evidenceMaxChars)
			ev.SourceType = model.SourceTool
			ev.SourceRef = &ref
			ev.Confidence = evidenceFoundConfidence
		}
		evs = append(evs, ev)
	}

	if len(evs) > 0 {
		created, err := rt.store.CreateEvidence(ctx, evs)
		if err != nil {
			return nil, fmt.Errorf("agent: record evidence: %w", err)
		}
		evs = created
	}
	if err := rt.addStep(ctx, st, uuid.Nil, model.StepVerify,
		map[string]any{"claims": claims},
		map[string]any{"evidence": evs}); err != nil {
		return nil, err
	}
	return evs, nil
}

// finalResponse asks for the user-facing answer. The response may be the
// object itself or nested under "final".
func (rt *Runtime) finalResponse(ctx context.Context, st *loopState, call llmCall, evidence []model.Evidence) (model.FinalResponse, error) {
	raw, err := call.generate(ctx, finalPrompt(st, evidence), 0.3, true)
	if err != nil {
		return model.FinalResponse{}, fmt.Errorf("agent: generate final response: %w", err)
	}
	final, _, err := structured.Parse[model.FinalResponse](ctx, call.gen, raw, call.parseOptions("final"))
	if err != nil {
		return model.FinalResponse{}, fmt.Errorf("agent: parse final response: %w", err)
	}
	return final, nil
}

// complete persists the final step, marks the run completed, and records
// the experience. A run cancelled meanwhile stays cancelled.
func (rt *Runtime) complete(ctx context.Context, st *loopState, final model.FinalResponse) (model.RunOutcome, error) {
	step, err := rt.persistStep(ctx, st, uuid.Nil, model.StepFinal, map[string]any{"goal": st.run.Goal}, final)
	if err != nil {
		return model.RunOutcome{}, err
	}
	result, err := json.Marshal(final)
	if err != nil {
		return model.RunOutcome{}, fmt.Errorf("agent: encode final response: %w", err)
	}
	if err := rt.store.FinishRun(ctx, st.run.ID, model.RunStatusCompleted, result, nil); err != nil {
		return rt.finishConflict(ctx, st, err)
	}
	rt.runsFinished.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(model.RunStatusCompleted))))
	rt.logger.Info("agent: run completed", "run_id", st.run.ID, "user_id", st.run.UserID, "step_index", st.stepIndex)

	rt.recordExperience(ctx, st, step, final)
	return rt.outcome(st, model.RunStatusCompleted, &final, ""), nil
}

// recordExperience stores the post-hoc summary of a completed run and links
// it from the final step. Failures are logged; the run is already complete.
func (rt *Runtime) recordExperience(ctx context.Context, st *loopState, finalStep model.Step, final model.FinalResponse) {
	exp := model.Experience{
		UserID:         st.run.UserID,
		RunID:          st.run.ID,
		Tags:           append([]string{string(st.run.Mode)}, toolsUsed(st.history)...),
		Situation:      st.run.Goal,
		ActionsSummary: truncate(final.Message, actionsSummaryMaxChars),
		Outcome:        string(model.RunStatusCompleted),
	}
	if rt.recall != nil {
		vec, err := rt.recall.Embed(ctx, st.run.Goal)
		if err != nil {
			rt.logger.Warn("agent: experience embedding failed, storing without", "run_id", st.run.ID, "error", err)
		}
		exp.Embedding = vec
	}

	created, err := rt.store.CreateExperience(ctx, exp)
	if err != nil {
		rt.logger.Error("agent: record experience", "run_id", st.run.ID, "error", err)
		return
	}

	if rt.recall != nil {
		if err := rt.recall.Index(ctx, created); err != nil {
			rt.logger.Warn("agent: index experience", "run_id", st.run.ID, "error", err)
		}
	}

	patched, err := json.Marshal(struct {
		model.FinalResponse
		ExperienceID string `json:"experienceId"`
	}{final, created.ID.String()})
	if err == nil {
		err = rt.store.PatchStepOutput(ctx, finalStep.ID, patched)
	}
	if err != nil {
		rt.logger.Warn("agent: link experience to final step", "run_id", st.run.ID, "error", err)
	}
}

// truncate cuts s to at most n runes.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}
