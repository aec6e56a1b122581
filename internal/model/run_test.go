package model_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/michi/internal/model"
)

func TestRunStatus_Lifecycle(t *testing.T) {
	all := []model.RunStatus{
		model.RunStatusQueued, model.RunStatusRunning, model.RunStatusCompleted,
		model.RunStatusFailed, model.RunStatusCancelled,
	}

	assert.True(t, model.RunStatusQueued.CanTransition(model.RunStatusRunning))
	assert.True(t, model.RunStatusQueued.CanTransition(model.RunStatusCancelled))
	assert.False(t, model.RunStatusQueued.CanTransition(model.RunStatusCompleted))
	assert.True(t, model.RunStatusRunning.CanTransition(model.RunStatusCompleted))
	assert.True(t, model.RunStatusRunning.CanTransition(model.RunStatusFailed))
	assert.False(t, model.RunStatusRunning.CanTransition(model.RunStatusQueued))

	for _, terminal := range []model.RunStatus{model.RunStatusCompleted, model.RunStatusFailed, model.RunStatusCancelled} {
		assert.True(t, terminal.IsTerminal())
		for _, next := range all {
			assert.False(t, terminal.CanTransition(next), "%s -> %s must be rejected", terminal, next)
		}
	}
}

func TestVerdict_Stricter(t *testing.T) {
	assert.Equal(t, 0, model.VerdictAllow.Rank())
	assert.Equal(t, 1, model.VerdictConfirm.Rank())
	assert.Equal(t, 2, model.VerdictBlock.Rank())
	assert.Equal(t, 2, model.Verdict("maybe").Rank())

	assert.Equal(t, model.VerdictBlock, model.Stricter(model.VerdictBlock, model.VerdictAllow))
	assert.Equal(t, model.VerdictBlock, model.Stricter(model.VerdictAllow, model.VerdictBlock))
	assert.Equal(t, model.VerdictConfirm, model.Stricter(model.VerdictConfirm, model.VerdictAllow))
	assert.Equal(t, model.VerdictAllow, model.Stricter(model.VerdictAllow, model.VerdictAllow))
}

func TestParseEvidenceSource_FallsBackToOther(t *testing.T) {
	assert.Equal(t, model.SourceTool, model.ParseEvidenceSource("tool"))
	assert.Equal(t, model.SourceUserInput, model.ParseEvidenceSource("user_input"))
	assert.Equal(t, model.SourceOther, model.ParseEvidenceSource("carrier pigeon"))
	assert.Equal(t, model.SourceOther, model.ParseEvidenceSource(""))
}

func TestPlan_JSONContract(t *testing.T) {
	raw := `{"stage":"plan","thought":"look it up","toolCalls":[{"tool":"memory_read","args":{"type":"fact"}}],"claims":[{"text":"x","needsEvidence":true}]}`
	var p model.Plan
	require.NoError(t, json.Unmarshal([]byte(raw), &p))
	assert.Equal(t, model.StagePlan, p.Stage)
	require.Len(t, p.ToolCalls, 1)
	assert.Equal(t, "memory_read", p.ToolCalls[0].Tool)
	assert.JSONEq(t, `{"type":"fact"}`, string(p.ToolCalls[0].Args))
	assert.True(t, p.Claims[0].NeedsEvidence)
	assert.False(t, p.IsFinal())

	var final model.Plan
	require.NoError(t, json.Unmarshal([]byte(`{"stage":"final","final":{"message":"Done"}}`), &final))
	assert.True(t, final.IsFinal())
	assert.Equal(t, "Done", final.Final.Message)

	var noPayload model.Plan
	require.NoError(t, json.Unmarshal([]byte(`{"stage":"final"}`), &noPayload))
	assert.False(t, noPayload.IsFinal(), "final stage without a payload does not end the run")
}
