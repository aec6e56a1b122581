package michi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/michi"
	"github.com/ashita-ai/michi/internal/model"
	"github.com/ashita-ai/michi/internal/service/llm"
	"github.com/ashita-ai/michi/internal/testutil"
)

type weatherIn struct {
	City string `json:"city" validate:"required"`
}

type weatherOut struct {
	City  string  `json:"city"`
	TempC float64 `json:"temp_c"`
}

var weather = michi.DefineTool(michi.ToolSpec{
	Name:        "weather",
	Description: "Current temperature for a city",
	Permission:  michi.PermRead,
}, func(_ context.Context, tc michi.ToolContext, in weatherIn) (weatherOut, error) {
	if tc.UserID == "" {
		return weatherOut{}, errors.New("no user")
	}
	return weatherOut{City: in.City, TempC: 21.5}, nil
})

// scriptGenerator exposes a PlanScript through the public Generator type.
func scriptGenerator(s *testutil.PlanScript) michi.Generator {
	return michi.GeneratorFunc(func(ctx context.Context, prompt string, opts michi.GenerateOptions) (string, error) {
		return s.Generate(ctx, prompt, llm.Options{Model: opts.Model, JSONMode: opts.JSONMode})
	})
}

// isolateEnv pins every setting New reads so the host environment cannot
// leak in: in-memory store, no Qdrant, no OTEL, no embeddings.
func isolateEnv(t *testing.T) {
	t.Helper()
	for k, v := range map[string]string{
		"DATABASE_URL":                "",
		"QDRANT_URL":                  "",
		"OTEL_EXPORTER_OTLP_ENDPOINT": "",
		"EMBEDDING_PROVIDER":          "noop",
		"LLM_PROVIDER":                "openai",
		"OPENAI_API_KEY":              "",
		"AGENT_PARALLEL_PLANS":        "1",
		"MICHI_RUNS_PER_MINUTE":       "0",
		"SAFETY_LLM_ENABLED":          "false",
	} {
		t.Setenv(k, v)
	}
}

func newApp(t *testing.T, script *testutil.PlanScript, opts ...michi.Option) *michi.App {
	t.Helper()
	isolateEnv(t)
	opts = append([]michi.Option{
		michi.WithLogger(testutil.TestLogger()),
		michi.WithVersion("test"),
		michi.WithGenerator("openai", scriptGenerator(script)),
	}, opts...)
	app, err := michi.New(opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Shutdown(context.Background()) })
	return app
}

func post(t *testing.T, h http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(b))
	req.Header.Set("X-Michi-User", "embedder")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestNewRequiresGenerator(t *testing.T) {
	isolateEnv(t)
	_, err := michi.New(michi.WithLogger(testutil.TestLogger()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no generator")
}

func TestNewRejectsDuplicateTool(t *testing.T) {
	isolateEnv(t)
	_, err := michi.New(
		michi.WithLogger(testutil.TestLogger()),
		michi.WithGenerator("openai", scriptGenerator(&testutil.PlanScript{})),
		michi.WithTool(weather),
		michi.WithTool(weather),
	)
	require.Error(t, err)
}

func TestAppRunsCustomTool(t *testing.T) {
	script := &testutil.PlanScript{
		Plans: []string{
			testutil.ToolCallPlan("weather", `{"city":"Kyoto"}`),
			testutil.FinalPlan,
		},
		Final: `{"message":"It is 21.5C in Kyoto"}`,
	}
	app := newApp(t, script, michi.WithTool(weather))
	h := app.Handler()

	rec := post(t, h, "/v1/runs?wait=true", map[string]any{"goal": "weather in Kyoto?"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var env struct {
		Data model.RunOutcome `json:"data"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&env))
	assert.Equal(t, model.RunStatusCompleted, env.Data.Status)
	require.NotNil(t, env.Data.Final)
	assert.Equal(t, "It is 21.5C in Kyoto", env.Data.Final.Message)

	req := httptest.NewRequest(http.MethodGet, "/v1/runs/"+env.Data.RunID.String(), nil)
	req.Header.Set("X-Michi-User", "embedder")
	detailRec := httptest.NewRecorder()
	h.ServeHTTP(detailRec, req)
	require.Equal(t, http.StatusOK, detailRec.Code)

	var detail struct {
		Data model.RunDetail `json:"data"`
	}
	require.NoError(t, json.NewDecoder(detailRec.Body).Decode(&detail))
	require.Len(t, detail.Data.Invocations, 1)
	inv := detail.Data.Invocations[0]
	assert.Equal(t, "weather", inv.ToolName)
	assert.Equal(t, model.InvocationSuccess, inv.Status)
	assert.JSONEq(t, `{"city":"Kyoto","temp_c":21.5}`, string(inv.Result))
}

func TestAppRoutesModeModelFromEnv(t *testing.T) {
	t.Setenv("MODEL_COACH", "coach-model")
	app := newApp(t, &testutil.PlanScript{})
	h := app.Handler()

	rec := post(t, h, "/v1/runs?wait=true", map[string]any{"goal": "help me practice", "mode": "coach"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var env struct {
		Data model.RunOutcome `json:"data"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&env))

	req := httptest.NewRequest(http.MethodGet, "/v1/runs/"+env.Data.RunID.String(), nil)
	req.Header.Set("X-Michi-User", "embedder")
	detailRec := httptest.NewRecorder()
	h.ServeHTTP(detailRec, req)
	require.Equal(t, http.StatusOK, detailRec.Code)

	var detail struct {
		Data model.RunDetail `json:"data"`
	}
	require.NoError(t, json.NewDecoder(detailRec.Body).Decode(&detail))
	require.NotEmpty(t, detail.Data.RoutingDecisions)
	assert.Equal(t, "coach-model", detail.Data.RoutingDecisions[0].Model)
}

func TestAppListsBuiltinAndCustomTools(t *testing.T) {
	app := newApp(t, &testutil.PlanScript{}, michi.WithTool(weather))

	req := httptest.NewRequest(http.MethodGet, "/v1/tools", nil)
	req.Header.Set("X-Michi-User", "embedder")
	rec := httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var env struct {
		Data []model.ToolInfo `json:"data"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&env))
	names := make([]string, 0, len(env.Data))
	for _, ti := range env.Data {
		names = append(names, ti.Name)
	}
	assert.Contains(t, names, "weather")
	assert.Contains(t, names, "memory_write")
	assert.Contains(t, names, "memory_read")
	assert.Contains(t, names, "request_confirmation")
}

func TestAppHealthReportsMemoryStore(t *testing.T) {
	app := newApp(t, &testutil.PlanScript{})

	rec := httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var env struct {
		Data model.HealthResponse `json:"data"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&env))
	assert.Equal(t, "healthy", env.Data.Status)
	assert.Equal(t, "memory", env.Data.Store)
	assert.Equal(t, "test", env.Data.Version)
}

type fixedEmbedder struct{}

func (fixedEmbedder) Embed(context.Context, string) ([]float32, error) {
	return []float32{1, 0, 0}, nil
}

func (fixedEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0, 0}
	}
	return out, nil
}

func (fixedEmbedder) Dimensions() int { return 3 }

func TestAppWithEmbeddingProvider(t *testing.T) {
	app := newApp(t, &testutil.PlanScript{}, michi.WithEmbeddingProvider(fixedEmbedder{}))

	for range 2 {
		rec := post(t, app.Handler(), "/v1/runs?wait=true", map[string]any{"goal": "same goal twice"})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}
}
