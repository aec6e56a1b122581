package server

import (
	"errors"
	"net/http"

	"github.com/ashita-ai/michi/internal/ctxutil"
	"github.com/ashita-ai/michi/internal/model"
)

// HandleListConfirmations handles GET /v1/confirmations: every invocation
// awaiting a human decision across the caller's runs.
func (h *Handlers) HandleListConfirmations(w http.ResponseWriter, r *http.Request) {
	pending, err := h.store.ListPendingConfirmations(r.Context(), ctxutil.UserIDFromContext(r.Context()))
	if err != nil {
		h.writeInternalError(w, r, "failed to list confirmations", err)
		return
	}
	if pending == nil {
		pending = []model.PendingConfirmation{}
	}
	writeJSON(w, r, http.StatusOK, pending)
}

// HandleConfirm handles POST /v1/runs/{run_id}/invocations/{invocation_id}/confirm.
// An empty body approves. Approval executes the tool once; rejection fails
// the invocation without running it. The run loop is not resumed.
func (h *Handlers) HandleConfirm(w http.ResponseWriter, r *http.Request) {
	runID, err := pathUUID(r, "run_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	invID, err := pathUUID(r, "invocation_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	var req model.ConfirmRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil && !errors.Is(err, errEmptyBody) {
		handleDecodeError(w, r, err)
		return
	}

	userID := ctxutil.UserIDFromContext(r.Context())
	var inv model.ToolInvocation
	if req.IsApproved() {
		inv, err = h.runtime.ExecuteConfirmedTool(r.Context(), runID, userID, invID)
	} else {
		inv, err = h.runtime.RejectConfirmedTool(r.Context(), runID, userID, invID, req.Note)
	}
	if err != nil {
		h.writeRuntimeError(w, r, "confirmation failed", err)
		return
	}
	writeJSON(w, r, http.StatusOK, inv)
}
