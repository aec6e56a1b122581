package server

import (
	"context"
	"errors"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/michi/internal/agent"
	"github.com/ashita-ai/michi/internal/ctxutil"
	"github.com/ashita-ai/michi/internal/model"
)

// HandleCreateRun handles POST /v1/runs. The run is created queued and
// started immediately. With ?wait=true the loop runs inside the request and
// the outcome is returned; otherwise it runs in the background and the
// queued run is returned with 202.
func (h *Handlers) HandleCreateRun(w http.ResponseWriter, r *http.Request) {
	userID := ctxutil.UserIDFromContext(r.Context())

	var req model.CreateRunRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	mode, err := req.Validate()
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	run, err := h.store.CreateRun(r.Context(), model.Run{
		UserID: userID,
		Mode:   mode,
		Goal:   req.Goal,
		Input:  req.Input,
	})
	if err != nil {
		h.writeInternalError(w, r, "failed to create run", err)
		return
	}
	trace.SpanFromContext(r.Context()).SetAttributes(
		attribute.String("michi.run_id", run.ID.String()),
		attribute.String("michi.mode", string(mode)),
	)

	params := agent.RunParams{RunID: run.ID, UserID: userID}
	if queryBool(r, "wait") {
		out, err := h.runtime.Run(r.Context(), params)
		if err != nil {
			h.writeRuntimeError(w, r, "run failed", err)
			return
		}
		writeJSON(w, r, http.StatusOK, out)
		return
	}

	h.background("run", run.ID, func(ctx context.Context) error {
		_, err := h.runtime.Run(ctx, params)
		return err
	})
	writeJSON(w, r, http.StatusAccepted, run)
}

// HandleListRuns handles GET /v1/runs.
func (h *Handlers) HandleListRuns(w http.ResponseWriter, r *http.Request) {
	limit, offset := queryLimit(r, 50), queryOffset(r)
	runs, err := h.store.ListRuns(r.Context(), ctxutil.UserIDFromContext(r.Context()), limit, offset)
	if err != nil {
		h.writeInternalError(w, r, "failed to list runs", err)
		return
	}
	if runs == nil {
		runs = []model.Run{}
	}
	writeList(w, r, runs, len(runs), limit, offset)
}

// HandleGetRun handles GET /v1/runs/{run_id}: the run with its steps,
// invocations, safety and routing decisions, and evidence.
func (h *Handlers) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	runID, err := pathUUID(r, "run_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	detail, err := h.store.GetRunDetail(r.Context(), ctxutil.UserIDFromContext(r.Context()), runID)
	if err != nil {
		h.writeRuntimeError(w, r, "failed to get run", err)
		return
	}
	writeJSON(w, r, http.StatusOK, detail)
}

// HandleContinueRun handles POST /v1/runs/{run_id}/continue. Same wait
// semantics as create. Pending confirmations are reported as 409 with the
// invocations in the error details.
func (h *Handlers) HandleContinueRun(w http.ResponseWriter, r *http.Request) {
	runID, err := pathUUID(r, "run_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	userID := ctxutil.UserIDFromContext(r.Context())

	if queryBool(r, "wait") {
		out, err := h.runtime.Continue(r.Context(), runID, userID)
		if errors.Is(err, agent.ErrConfirmationPending) {
			writeErrorDetails(w, r, http.StatusConflict, model.ErrCodeConflict,
				"run has invocations awaiting confirmation", out.PendingConfirmations)
			return
		}
		if err != nil {
			h.writeRuntimeError(w, r, "continue failed", err)
			return
		}
		writeJSON(w, r, http.StatusOK, out)
		return
	}

	// Validate synchronously so the caller learns about bad state now.
	detail, err := h.store.GetRunDetail(r.Context(), userID, runID)
	if err != nil {
		h.writeRuntimeError(w, r, "failed to get run", err)
		return
	}
	if detail.Run.Status != model.RunStatusRunning {
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "run is not running")
		return
	}
	var pending []model.ToolInvocation
	for _, inv := range detail.Invocations {
		if inv.Status == model.InvocationNeedsConfirmation {
			pending = append(pending, inv)
		}
	}
	if len(pending) > 0 {
		writeErrorDetails(w, r, http.StatusConflict, model.ErrCodeConflict,
			"run has invocations awaiting confirmation", pending)
		return
	}

	h.background("continue", runID, func(ctx context.Context) error {
		_, err := h.runtime.Continue(ctx, runID, userID)
		return err
	})
	writeJSON(w, r, http.StatusAccepted, detail.Run)
}

// HandleCancelRun handles POST /v1/runs/{run_id}/cancel.
func (h *Handlers) HandleCancelRun(w http.ResponseWriter, r *http.Request) {
	runID, err := pathUUID(r, "run_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	run, err := h.runtime.Cancel(r.Context(), runID, ctxutil.UserIDFromContext(r.Context()))
	if err != nil {
		h.writeRuntimeError(w, r, "cancel failed", err)
		return
	}
	writeJSON(w, r, http.StatusOK, run)
}
