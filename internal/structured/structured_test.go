package structured_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/michi/internal/model"
	"github.com/ashita-ai/michi/internal/service/llm"
	"github.com/ashita-ai/michi/internal/structured"
)

// scripted replies with the given responses in order and records prompts.
type scripted struct {
	replies []string
	prompts []string
	opts    []llm.Options
}

func (s *scripted) Generate(_ context.Context, prompt string, opts llm.Options) (string, error) {
	s.prompts = append(s.prompts, prompt)
	s.opts = append(s.opts, opts)
	if len(s.replies) == 0 {
		return "", errors.New("no scripted reply left")
	}
	r := s.replies[0]
	s.replies = s.replies[1:]
	return r, nil
}

func TestParseValidFirstAttempt(t *testing.T) {
	gen := &scripted{}
	plan, res, err := structured.Parse[model.Plan](context.Background(), gen,
		`{"stage":"final","final":{"message":"Done"}}`, structured.Options{})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Repairs)
	assert.Empty(t, gen.prompts, "valid JSON must not trigger a repair call")
	assert.True(t, plan.IsFinal())
	assert.Equal(t, "Done", plan.Final.Message)
}

func TestParseMarkdownFence(t *testing.T) {
	raw := "Here is the plan:\n```json\n{\"stage\":\"plan\",\"thought\":\"look it up\",\"toolCalls\":[{\"tool\":\"memory_read\",\"args\":{}}]}\n```\nGood luck."
	plan, res, err := structured.Parse[model.Plan](context.Background(), &scripted{}, raw, structured.Options{})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Repairs)
	require.Len(t, plan.ToolCalls, 1)
	assert.Equal(t, "memory_read", plan.ToolCalls[0].Tool)
}

func TestParseNestedKey(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"top level", `{"message":"hello","hints":["h1"]}`},
		{"nested under final", `{"stage":"final","final":{"message":"hello","hints":["h1"]}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fr, _, err := structured.Parse[model.FinalResponse](context.Background(), &scripted{}, tt.raw,
				structured.Options{NestedKey: "final"})
			require.NoError(t, err)
			assert.Equal(t, "hello", fr.Message)
			assert.Equal(t, []string{"h1"}, fr.Hints)
		})
	}
}

func TestParseRepairs(t *testing.T) {
	gen := &scripted{replies: []string{
		`still not json`,
		`{"stage":"verify","thought":"ok"}`,
	}}
	plan, res, err := structured.Parse[model.Plan](context.Background(), gen, `{"stage": plan`,
		structured.Options{Prefix: "MODE PREFIX\n"})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Repairs)
	assert.Equal(t, model.StageVerify, plan.Stage)

	require.Len(t, gen.prompts, 2)
	for i, p := range gen.prompts {
		assert.True(t, strings.HasPrefix(p, "MODE PREFIX\n"), "repair prompt %d must carry the mode prefix", i)
		assert.True(t, gen.opts[i].JSONMode)
		assert.Zero(t, gen.opts[i].Temperature)
	}
	assert.Contains(t, gen.prompts[0], `{"stage": plan`)
	assert.Contains(t, gen.prompts[1], "still not json")
}

func TestParseSchemaViolationIsRepaired(t *testing.T) {
	gen := &scripted{replies: []string{`{"stage":"plan"}`}}
	plan, res, err := structured.Parse[model.Plan](context.Background(), gen, `{"stage":"thinking"}`, structured.Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Repairs)
	assert.Equal(t, model.StagePlan, plan.Stage)
	assert.Contains(t, gen.prompts[0], "oneof")
}

func TestParseGivesUpAfterThreeAttempts(t *testing.T) {
	gen := &scripted{replies: []string{"nope", "still nope", "never called"}}
	_, res, err := structured.Parse[model.Plan](context.Background(), gen, "garbage", structured.Options{})
	require.Error(t, err)
	assert.ErrorIs(t, err, structured.ErrUnparseable)
	assert.Equal(t, structured.MaxRepairs, res.Repairs)
	assert.Len(t, gen.prompts, 2)
}

func TestParseRepairCallFailure(t *testing.T) {
	boom := errors.New("rate limited")
	gen := llm.GeneratorFunc(func(context.Context, string, llm.Options) (string, error) {
		return "", boom
	})
	_, res, err := structured.Parse[model.Plan](context.Background(), gen, "garbage", structured.Options{})
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, structured.ErrUnparseable)
	assert.Equal(t, 1, res.Repairs)
}

func TestExtract(t *testing.T) {
	tests := []struct {
		name, in, want string
		wantErr        bool
	}{
		{"bare", `{"a":1}`, `{"a":1}`, false},
		{"prose around", `Sure! {"a":{"b":2}} hope that helps`, `{"a":{"b":2}}`, false},
		{"plain fence", "```\n{\"a\":1}\n```", `{"a":1}`, false},
		{"json fence", "```json\n{\"a\":1}\n```", `{"a":1}`, false},
		{"no object", "just words", "", true},
		{"reversed braces", "} {", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := structured.Extract(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSchemaOf(t *testing.T) {
	schema := structured.SchemaOf[model.FinalResponse]()
	assert.Contains(t, schema, `"message"`)
	assert.Contains(t, schema, `"citations"`)
}
