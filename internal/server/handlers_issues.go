package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/chipp-ai/dispatch/internal/model"
	"github.com/chipp-ai/dispatch/internal/orchestrator"
	"github.com/chipp-ai/dispatch/internal/storage"
)

// HandleSpawn handles POST /v1/issues/{issue_id}/spawn.
//
// An admission denial is a 403 with the structured reason code, not an
// error: callers branch on the reason to decide whether to retry later.
func (h *Handlers) HandleSpawn(w http.ResponseWriter, r *http.Request) {
	issueID, err := parseIssueID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	var req model.SpawnRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := model.ValidateWorkflowType(req.WorkflowType); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	idem, proceed := h.beginIdempotentWrite(w, r, spawnEndpoint(issueID), req)
	if !proceed {
		return
	}

	run, err := h.orch.Spawn(r.Context(), issueID, req.WorkflowType)
	if err != nil {
		h.clearIdempotentWrite(r, idem)
		if reason, denied := orchestrator.DenyReasonOf(err); denied {
			h.writeDeny(w, r, reason)
			return
		}
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "issue not found")
			return
		}
		h.writeInternalError(w, r, "failed to spawn run", err)
		return
	}

	resp := model.SpawnResponse{
		RunID:         run.ID,
		AttemptNumber: run.AttemptNumber,
		WorkflowType:  run.WorkflowType,
	}
	h.completeIdempotentWriteBestEffort(r, idem, http.StatusOK, resp)
	writeJSON(w, r, http.StatusOK, resp)
}

// HandleCancelSpawn handles POST /v1/issues/{issue_id}/spawn/cancel.
func (h *Handlers) HandleCancelSpawn(w http.ResponseWriter, r *http.Request) {
	issueID, err := parseIssueID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	run, err := h.orch.Cancel(r.Context(), issueID)
	if err != nil {
		if errors.Is(err, storage.ErrNoActiveRun) {
			writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "no active run to cancel")
			return
		}
		h.writeInternalError(w, r, "failed to cancel run", err)
		return
	}

	writeJSON(w, r, http.StatusOK, model.CancelResponse{RunID: run.ID})
}

// HandlePlanReview handles POST /v1/issues/{issue_id}/plan.
func (h *Handlers) HandlePlanReview(w http.ResponseWriter, r *http.Request) {
	issueID, err := parseIssueID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	var req model.PlanReviewRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	idem, proceed := h.beginIdempotentWrite(w, r, planEndpoint(issueID), req)
	if !proceed {
		return
	}

	resp, err := h.orch.ReviewPlan(r.Context(), issueID, req)
	if err != nil {
		h.clearIdempotentWrite(r, idem)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "issue not found")
		case errors.Is(err, orchestrator.ErrNoPlanAwaitingReview):
			writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "no plan awaiting review")
		default:
			h.writeInternalError(w, r, "failed to review plan", err)
		}
		return
	}

	h.completeIdempotentWriteBestEffort(r, idem, http.StatusOK, resp)
	writeJSON(w, r, http.StatusOK, resp)
}

// HandleActivityStream handles GET /v1/issues/{issue_id}/activity/stream (SSE).
func (h *Handlers) HandleActivityStream(w http.ResponseWriter, r *http.Request) {
	issueID, err := parseIssueID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	if h.broker == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternalError,
			"SSE not available (LISTEN/NOTIFY not configured)")
		return
	}

	if _, err := h.db.GetIssue(r.Context(), issueID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "issue not found")
			return
		}
		h.writeInternalError(w, r, "failed to load issue", err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Disable the server's WriteTimeout for this long-lived connection.
	// Without this, idle SSE connections are killed after WriteTimeout.
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	ch := h.broker.Subscribe(issueID)
	defer h.broker.Unsubscribe(issueID, ch)

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			if _, err := w.Write([]byte(":keepalive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case event, ok := <-ch:
			if !ok {
				return
			}
			if _, err := w.Write(event); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// HandleInvestigationContext handles GET /v1/issues/{issue_id}/context.
// Returns the exact payload the next run on this issue would receive.
func (h *Handlers) HandleInvestigationContext(w http.ResponseWriter, r *http.Request) {
	issueID, err := parseIssueID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	invCtx, err := h.orch.InvestigationContext(r.Context(), issueID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "issue not found")
			return
		}
		h.writeInternalError(w, r, "failed to build investigation context", err)
		return
	}

	writeJSON(w, r, http.StatusOK, invCtx)
}

// HandleListRuns handles GET /v1/issues/{issue_id}/runs.
func (h *Handlers) HandleListRuns(w http.ResponseWriter, r *http.Request) {
	issueID, err := parseIssueID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	if _, err := h.db.GetIssue(r.Context(), issueID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "issue not found")
			return
		}
		h.writeInternalError(w, r, "failed to load issue", err)
		return
	}

	limit := queryLimit(r, 50)
	runs, err := h.db.ListRuns(r.Context(), issueID, limit, false)
	if err != nil {
		h.writeInternalError(w, r, "failed to list runs", err)
		return
	}

	writeJSON(w, r, http.StatusOK, map[string]any{"runs": runs})
}

// writeDeny writes the 403 deny envelope with the structured reason code.
func (h *Handlers) writeDeny(w http.ResponseWriter, r *http.Request, reason model.DenyReason) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusForbidden)
	_ = json.NewEncoder(w).Encode(model.APIError{
		Error: model.ErrorDetail{
			Code:    model.ErrCodeSpawnDenied,
			Message: "spawn denied: " + string(reason),
			Details: model.DenyResponse{Reason: reason},
		},
		Meta: model.ResponseMeta{
			RequestID: RequestIDFromContext(r.Context()),
			Timestamp: time.Now().UTC(),
		},
	})
}
