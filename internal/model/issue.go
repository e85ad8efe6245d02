// Package model defines the core domain types for Dispatch.
//
// Types correspond directly to database tables and API payloads. Status
// enums are strongly typed strings so callers can branch on them; the
// stable wire values never change once released.
package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AgentStatus represents what the agent is currently doing on an issue.
type AgentStatus string

const (
	AgentStatusIdle           AgentStatus = "idle"
	AgentStatusInvestigating  AgentStatus = "investigating"
	AgentStatusImplementing   AgentStatus = "implementing"
	AgentStatusTesting        AgentStatus = "testing"
	AgentStatusResearching    AgentStatus = "researching"
	AgentStatusTriaging       AgentStatus = "triaging"
	AgentStatusBlocked        AgentStatus = "blocked"
	AgentStatusAwaitingReview AgentStatus = "awaiting_review"
)

// Running reports whether the status means an agent run is in flight.
// awaiting_review is reserved for plan review, not agent execution.
func (s AgentStatus) Running() bool {
	switch s {
	case AgentStatusInvestigating, AgentStatusImplementing, AgentStatusTesting,
		AgentStatusResearching, AgentStatusTriaging:
		return true
	}
	return false
}

// PlanStatus tracks the plan-review sub-state, independent of AgentStatus.
type PlanStatus string

const (
	PlanStatusNone           PlanStatus = "none"
	PlanStatusAwaitingReview PlanStatus = "awaiting_review"
	PlanStatusApproved       PlanStatus = "approved"
	PlanStatusNeedsRevision  PlanStatus = "needs_revision"
)

// SpawnStatus summarizes the most recent spawn attempt for an issue.
type SpawnStatus string

const (
	SpawnStatusNone      SpawnStatus = "none"
	SpawnStatusRunning   SpawnStatus = "running"
	SpawnStatusCompleted SpawnStatus = "completed"
	SpawnStatusFailed    SpawnStatus = "failed"
	SpawnStatusCancelled SpawnStatus = "cancelled"
)

// Issue is a tracked issue with its agent lifecycle state.
// Title and description are opaque to the orchestration core.
type Issue struct {
	ID                uuid.UUID   `json:"id"`
	Title             string      `json:"title"`
	Description       string      `json:"description,omitempty"`
	AgentStatus       AgentStatus `json:"agent_status"`
	PlanStatus        PlanStatus  `json:"plan_status"`
	PlanFeedback      *string     `json:"plan_feedback,omitempty"`
	SpawnStatus       SpawnStatus `json:"spawn_status"`
	SpawnAttemptCount int         `json:"spawn_attempt_count"`
	BlockedReason     *string     `json:"blocked_reason,omitempty"`
	CreatedAt         time.Time   `json:"created_at"`
	UpdatedAt         time.Time   `json:"updated_at"`
}

// RunningStatusFor maps a workflow type to the agent status the issue
// enters while that workflow executes.
func RunningStatusFor(wt WorkflowType) (AgentStatus, error) {
	switch wt {
	case WorkflowInvestigate:
		return AgentStatusInvestigating, nil
	case WorkflowImplement:
		return AgentStatusImplementing, nil
	case WorkflowQA:
		return AgentStatusTesting, nil
	case WorkflowResearch:
		return AgentStatusResearching, nil
	case WorkflowTriage:
		return AgentStatusTriaging, nil
	}
	return "", fmt.Errorf("model: no running status for workflow type %q", wt)
}
