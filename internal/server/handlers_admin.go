package server

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/chipp-ai/dispatch/internal/model"
)

// authorizeAdmin checks the operator bearer token from config. Operator
// endpoints are disabled entirely when no admin token is configured.
func (h *Handlers) authorizeAdmin(w http.ResponseWriter, r *http.Request) bool {
	if h.adminToken == "" {
		writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "admin endpoints not enabled")
		return false
	}

	authHeader := r.Header.Get("Authorization")
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "missing or invalid authorization header")
		return false
	}
	if subtle.ConstantTimeCompare([]byte(parts[1]), []byte(h.adminToken)) != 1 {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid admin token")
		return false
	}
	return true
}

// HandleAdmissionStatus handles GET /v1/admission/status.
func (h *Handlers) HandleAdmissionStatus(w http.ResponseWriter, r *http.Request) {
	if !h.authorizeAdmin(w, r) {
		return
	}

	status, err := h.orch.Admission().Status(r.Context())
	if err != nil {
		h.writeInternalError(w, r, "failed to read admission status", err)
		return
	}

	writeJSON(w, r, http.StatusOK, status)
}

// HandleKillSwitch handles POST /v1/admission/kill, the runtime toggle for
// the global spawn kill switch. Running runs are unaffected; only new
// spawns are blocked while enabled.
func (h *Handlers) HandleKillSwitch(w http.ResponseWriter, r *http.Request) {
	if !h.authorizeAdmin(w, r) {
		return
	}

	var req model.KillSwitchRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	h.orch.Admission().SetKillSwitch(req.Enabled)
	writeJSON(w, r, http.StatusOK, map[string]any{"kill_switch": req.Enabled})
}
