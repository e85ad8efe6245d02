package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/chipp-ai/dispatch/internal/model"
	"github.com/chipp-ai/dispatch/internal/storage"
)

// authorizeRunCallback verifies the Bearer run token and checks that it is
// scoped to the run in the path. Every runner-facing endpoint goes through
// this; a token minted for one run cannot touch another.
func (h *Handlers) authorizeRunCallback(w http.ResponseWriter, r *http.Request, runID uuid.UUID) bool {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "missing authorization header")
		return false
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid authorization format")
		return false
	}

	tokenRunID, err := h.runTokens.Verify(parts[1])
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid or expired run token")
		return false
	}
	if tokenRunID != runID {
		writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "token not scoped to this run")
		return false
	}
	return true
}

// HandleIngestEvents handles POST /v1/runs/{run_id}/events.
// Batch upload from the runner: persisted to the event log, then fanned out
// live via NOTIFY. Only activity and terminal_output may be ingested;
// status_update is reserved for the callback path.
func (h *Handlers) HandleIngestEvents(w http.ResponseWriter, r *http.Request) {
	runID, err := parseRunID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	if !h.authorizeRunCallback(w, r, runID) {
		return
	}

	run, err := h.db.GetRun(r.Context(), runID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "run not found")
			return
		}
		h.writeInternalError(w, r, "failed to load run", err)
		return
	}

	var req model.IngestEventsRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if len(req.Events) == 0 {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "events array must not be empty")
		return
	}
	for _, ev := range req.Events {
		if !model.ValidateRunEventType(ev.Type) {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput,
				"event type must be 'activity' or 'terminal_output'")
			return
		}
	}

	events, err := h.db.AppendRunEvents(r.Context(), run, req.Events)
	if err != nil {
		h.writeInternalError(w, r, "failed to append events", err)
		return
	}

	writeJSON(w, r, http.StatusOK, map[string]any{
		"accepted": len(events),
		"last_seq": events[len(events)-1].Seq,
	})
}

// HandleRunResult handles POST /v1/runs/{run_id}/result, the terminal
// callback from the runner. Idempotent by run id: a duplicate callback for
// an already-terminal run (including one cancelled while in flight) returns
// 200 without writing anything.
func (h *Handlers) HandleRunResult(w http.ResponseWriter, r *http.Request) {
	runID, err := parseRunID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	if !h.authorizeRunCallback(w, r, runID) {
		return
	}

	var req model.RunResultRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	// A max-budget self-termination carries no meaningful outcome; anything
	// else must name a known one.
	if req.Subtype != model.SubtypeMaxBudget {
		if err := model.ValidateRunOutcome(req.Outcome); err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
			return
		}
	}

	comp, err := h.orch.HandleRunResult(r.Context(), runID, req)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound):
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "run not found")
		case errors.Is(err, storage.ErrAlreadyTerminal):
			writeJSON(w, r, http.StatusOK, map[string]any{"status": "already_settled"})
		default:
			h.writeInternalError(w, r, "failed to settle run", err)
		}
		return
	}

	writeJSON(w, r, http.StatusOK, map[string]any{
		"run_id":       comp.Run.ID,
		"run_status":   comp.Run.Status,
		"agent_status": comp.Issue.AgentStatus,
		"plan_status":  comp.Issue.PlanStatus,
	})
}

// HandleListRunEvents handles GET /v1/runs/{run_id}/events.
// Backfill for late subscribers: persisted events after the given sequence.
func (h *Handlers) HandleListRunEvents(w http.ResponseWriter, r *http.Request) {
	runID, err := parseRunID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	if _, err := h.db.GetRun(r.Context(), runID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "run not found")
			return
		}
		h.writeInternalError(w, r, "failed to load run", err)
		return
	}

	afterSeq := int64(queryInt(r, "after_seq", 0))
	limit := queryLimit(r, 200)
	events, err := h.db.ListRunEvents(r.Context(), runID, afterSeq, limit)
	if err != nil {
		h.writeInternalError(w, r, "failed to list run events", err)
		return
	}

	writeJSON(w, r, http.StatusOK, map[string]any{"events": events})
}
