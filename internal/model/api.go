package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DenyReason is a structured, stable admission-denial code. Callers branch
// on these values, so they are part of the wire contract and never free-text.
type DenyReason string

const (
	DenyKilled           DenyReason = "killed"
	DenyConcurrencyLimit DenyReason = "concurrency_limit"
	DenyDailySpawnLimit  DenyReason = "daily_spawn_limit"
	DenyDailyCostLimit   DenyReason = "daily_cost_limit"
	DenyAlreadyRunning   DenyReason = "already_running"
	DenyPlanNotApproved  DenyReason = "plan_not_approved"
	DenyDispatchFailed   DenyReason = "dispatch_failed"
)

// PlanAction is a plan-review verb.
type PlanAction string

const (
	PlanActionApprove PlanAction = "approve"
	PlanActionReject  PlanAction = "reject"
)

// SpawnRequest is the request body for POST /v1/issues/{issue_id}/spawn.
type SpawnRequest struct {
	WorkflowType WorkflowType `json:"workflow_type"`
}

// SpawnResponse is returned when a spawn is admitted and dispatched.
type SpawnResponse struct {
	RunID         uuid.UUID    `json:"run_id"`
	AttemptNumber int          `json:"attempt_number"`
	WorkflowType  WorkflowType `json:"workflow_type"`
}

// DenyResponse is the 403 body for a denied spawn.
type DenyResponse struct {
	Reason DenyReason `json:"reason"`
}

// CancelResponse is returned when a cancel request is accepted.
type CancelResponse struct {
	RunID uuid.UUID `json:"run_id"`
}

// PlanReviewRequest is the request body for POST /v1/issues/{issue_id}/plan.
type PlanReviewRequest struct {
	Action    PlanAction `json:"action"`
	Feedback  string     `json:"feedback,omitempty"`
	AutoSpawn bool       `json:"auto_spawn,omitempty"`
}

// Validate checks the action and the reject-feedback contract.
func (r PlanReviewRequest) Validate() error {
	switch r.Action {
	case PlanActionApprove:
		return nil
	case PlanActionReject:
		if r.Feedback == "" {
			return fmt.Errorf("reject requires non-empty feedback")
		}
		return nil
	}
	return fmt.Errorf("unknown plan action %q", r.Action)
}

// PlanReviewResponse reports the plan state after a review action. Spawn is
// set only for approve with auto_spawn; DeniedReason carries a non-fatal
// admission denial when the auto-spawn was not admitted.
type PlanReviewResponse struct {
	PlanStatus   PlanStatus     `json:"plan_status"`
	Spawn        *SpawnResponse `json:"spawn,omitempty"`
	DeniedReason *DenyReason    `json:"denied_reason,omitempty"`
}

// RunResultRequest is the terminal callback posted by the external runner.
// Idempotent by run id: a duplicate for an already-terminal run is a no-op.
type RunResultRequest struct {
	Outcome         RunOutcome `json:"outcome"`
	OutcomeSummary  string     `json:"outcome_summary,omitempty"`
	BlockedReason   string     `json:"blocked_reason,omitempty"`
	FilesChanged    []string   `json:"files_changed,omitempty"`
	PRNumber        *int       `json:"pr_number,omitempty"`
	PRStatus        string     `json:"pr_status,omitempty"`
	PRMerged        bool       `json:"pr_merged,omitempty"`
	CostUSD         float64    `json:"cost_usd"`
	NumTurns        int        `json:"num_turns"`
	DurationSeconds float64    `json:"duration_seconds,omitempty"`
	TranscriptRef   string     `json:"transcript_ref,omitempty"`

	// PlanProposed marks an investigation run that produced a plan
	// needing human approval before implementation.
	PlanProposed bool `json:"plan_proposed,omitempty"`

	// Subtype and IsError mirror the runner's self-report. The runner sends
	// subtype=error_max_budget_usd, is_error=false when it stopped itself at
	// its per-run budget cap; that maps to a normal failed outcome.
	Subtype string `json:"subtype,omitempty"`
	IsError bool   `json:"is_error,omitempty"`
}

// IngestEventsRequest is the batch event upload from the runner.
type IngestEventsRequest struct {
	Events []EventInput `json:"events"`
}

// EventInput is a single event in an ingest request.
type EventInput struct {
	Type       RunEventType    `json:"type"`
	Data       json.RawMessage `json:"data"`
	OccurredAt *time.Time      `json:"occurred_at,omitempty"`
}

// AdmissionStatus is the operator-facing gate snapshot.
type AdmissionStatus struct {
	KillSwitch      bool    `json:"kill_switch"`
	RunningCount    int     `json:"running_count"`
	SpawnsToday     int     `json:"spawns_today"`
	CostTodayUSD    float64 `json:"cost_today_usd"`
	ConcurrencyMax  int     `json:"concurrency_max"`
	DailySpawnMax   int     `json:"daily_spawn_max"`
	DailyCostMaxUSD float64 `json:"daily_cost_max_usd"`
}

// KillSwitchRequest is the operator toggle body for POST /v1/admission/kill.
type KillSwitchRequest struct {
	Enabled bool `json:"enabled"`
}

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeUnauthorized  = "UNAUTHORIZED"
	ErrCodeForbidden     = "FORBIDDEN"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeSpawnDenied   = "SPAWN_DENIED"
	ErrCodeInternalError = "INTERNAL_ERROR"
	ErrCodeRateLimited   = "RATE_LIMITED"
)
