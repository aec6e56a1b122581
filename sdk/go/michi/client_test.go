package michi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockServer creates an httptest server that mimics the michi API and
// rejects requests without the identity header.
func mockServer(t *testing.T, handlers map[string]http.HandlerFunc) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	for pattern, handler := range handlers {
		mux.HandleFunc(pattern, handler)
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(UserHeader) == "" {
			writeJSON(w, http.StatusUnauthorized, map[string]any{
				"error": map[string]any{"code": "UNAUTHORIZED", "message": "missing identity"},
			})
			return
		}
		mux.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newTestClient(t *testing.T, serverURL string) *Client {
	t.Helper()
	c, err := NewClient(Config{BaseURL: serverURL + "/", UserID: "alice"})
	require.NoError(t, err)
	return c
}

func TestNewClientValidation(t *testing.T) {
	_, err := NewClient(Config{UserID: "alice"})
	assert.Error(t, err)
	_, err = NewClient(Config{BaseURL: "http://localhost"})
	assert.Error(t, err)
}

func TestRunWaitsForOutcome(t *testing.T) {
	runID := uuid.New()
	var got CreateRunRequest
	var query string
	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /v1/runs": func(w http.ResponseWriter, r *http.Request) {
			query = r.URL.RawQuery
			assert.Equal(t, "alice", r.Header.Get(UserHeader))
			require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
			writeJSON(w, http.StatusOK, map[string]any{
				"data": RunOutcome{
					RunID:         runID,
					Status:        RunStatusCompleted,
					StepsRecorded: 2,
					Final:         &FinalResponse{Message: "Done"},
				},
			})
		},
	})

	out, err := newTestClient(t, srv.URL).Run(context.Background(), CreateRunRequest{
		Mode: ModeMentor,
		Goal: "explain closures",
	})
	require.NoError(t, err)
	assert.Equal(t, "wait=true", query)
	assert.Equal(t, ModeMentor, got.Mode)
	assert.Equal(t, "explain closures", got.Goal)
	assert.Equal(t, runID, out.RunID)
	assert.True(t, out.Status.Terminal())
	require.NotNil(t, out.Final)
	assert.Equal(t, "Done", out.Final.Message)
}

func TestStartRunReturnsQueued(t *testing.T) {
	runID := uuid.New()
	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /v1/runs": func(w http.ResponseWriter, r *http.Request) {
			assert.Empty(t, r.URL.RawQuery)
			writeJSON(w, http.StatusAccepted, map[string]any{
				"data": Run{ID: runID, UserID: "alice", Status: RunStatusQueued, Mode: ModeGeneric},
			})
		},
	})

	run, err := newTestClient(t, srv.URL).StartRun(context.Background(), CreateRunRequest{Goal: "x"})
	require.NoError(t, err)
	assert.Equal(t, runID, run.ID)
	assert.Equal(t, RunStatusQueued, run.Status)
	assert.False(t, run.Status.Terminal())
}

func TestContinueRunPendingConflict(t *testing.T) {
	runID, invID := uuid.New(), uuid.New()
	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /v1/runs/{run_id}/continue": func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, runID.String(), r.PathValue("run_id"))
			writeJSON(w, http.StatusConflict, map[string]any{
				"error": map[string]any{
					"code":    "CONFLICT",
					"message": "run has invocations awaiting confirmation",
					"details": []ToolInvocation{{ID: invID, RunID: runID, ToolName: "send_email", Status: InvocationNeedsConfirmation}},
				},
			})
		},
	})

	_, err := newTestClient(t, srv.URL).ContinueRun(context.Background(), runID)
	require.Error(t, err)
	assert.True(t, IsConflict(err))

	pending := PendingFromError(err)
	require.Len(t, pending, 1)
	assert.Equal(t, invID, pending[0].ID)
	assert.Equal(t, "send_email", pending[0].ToolName)
}

func TestApproveAndReject(t *testing.T) {
	runID, invID := uuid.New(), uuid.New()
	var bodies []ConfirmRequest
	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /v1/runs/{run_id}/invocations/{invocation_id}/confirm": func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, invID.String(), r.PathValue("invocation_id"))
			var req ConfirmRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			bodies = append(bodies, req)
			status := InvocationSuccess
			if req.Approved != nil && !*req.Approved {
				status = InvocationFailed
			}
			writeJSON(w, http.StatusOK, map[string]any{
				"data": ToolInvocation{ID: invID, RunID: runID, Status: status},
			})
		},
	})
	c := newTestClient(t, srv.URL)

	inv, err := c.Approve(context.Background(), runID, invID, "")
	require.NoError(t, err)
	assert.Equal(t, InvocationSuccess, inv.Status)

	inv, err = c.Reject(context.Background(), runID, invID, "not today")
	require.NoError(t, err)
	assert.Equal(t, InvocationFailed, inv.Status)

	require.Len(t, bodies, 2)
	assert.True(t, *bodies[0].Approved)
	assert.False(t, *bodies[1].Approved)
	assert.Equal(t, "not today", bodies[1].Note)
}

func TestListRunsUnwrapsListEnvelope(t *testing.T) {
	var query string
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /v1/runs": func(w http.ResponseWriter, r *http.Request) {
			query = r.URL.RawQuery
			writeJSON(w, http.StatusOK, map[string]any{
				"data":     []Run{{ID: uuid.New()}, {ID: uuid.New()}},
				"has_more": false,
				"limit":    5,
				"offset":   10,
			})
		},
	})

	runs, err := newTestClient(t, srv.URL).ListRuns(context.Background(), 5, 10)
	require.NoError(t, err)
	assert.Len(t, runs, 2)
	assert.Equal(t, "limit=5&offset=10", query)
}

func TestGetRunAndTools(t *testing.T) {
	runID := uuid.New()
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /v1/runs/{run_id}": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{
				"data": RunDetail{
					Run:   Run{ID: runID, Status: RunStatusCompleted},
					Steps: []Step{{RunID: runID, StepIndex: 0, Kind: "plan"}, {RunID: runID, StepIndex: 1, Kind: "final"}},
				},
			})
		},
		"GET /v1/tools": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{
				"data": []ToolInfo{{Name: "memory_read", Permission: "read"}},
			})
		},
	})
	c := newTestClient(t, srv.URL)

	detail, err := c.GetRun(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, runID, detail.Run.ID)
	assert.Len(t, detail.Steps, 2)

	infos, err := c.Tools(context.Background())
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, "memory_read", infos[0].Name)
}

func TestErrorClassification(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /v1/runs/{run_id}": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusNotFound, map[string]any{
				"error": map[string]any{"code": "NOT_FOUND", "message": "not found"},
			})
		},
		"POST /v1/runs": func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Retry-After", "60")
			writeJSON(w, http.StatusTooManyRequests, map[string]any{
				"error": map[string]any{"code": "RATE_LIMITED", "message": "slow down"},
			})
		},
		"POST /v1/runs/{run_id}/continue": func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
			_, _ = w.Write([]byte("upstream exploded"))
		},
	})
	c := newTestClient(t, srv.URL)

	_, err := c.GetRun(context.Background(), uuid.New())
	assert.True(t, IsNotFound(err))
	assert.Nil(t, PendingFromError(err))

	_, err = c.Run(context.Background(), CreateRunRequest{Goal: "x"})
	assert.True(t, IsRateLimited(err))

	_, err = c.ContinueRun(context.Background(), uuid.New())
	assert.True(t, IsUpstream(err))
	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "Bad Gateway", apiErr.Code)
	assert.Equal(t, "upstream exploded", apiErr.Message)

	anon, err := NewClient(Config{BaseURL: srv.URL, UserID: "alice"})
	require.NoError(t, err)
	anon.userID = ""
	_, err = anon.Tools(context.Background())
	assert.True(t, IsUnauthorized(err))
}
