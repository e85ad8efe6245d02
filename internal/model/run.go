package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// WorkflowType identifies which agent workflow a run executes.
type WorkflowType string

const (
	WorkflowInvestigate WorkflowType = "investigate"
	WorkflowImplement   WorkflowType = "implement"
	WorkflowTriage      WorkflowType = "triage"
	WorkflowQA          WorkflowType = "qa"
	WorkflowResearch    WorkflowType = "research"
)

// ValidateWorkflowType checks that wt is a known workflow type.
func ValidateWorkflowType(wt WorkflowType) error {
	switch wt {
	case WorkflowInvestigate, WorkflowImplement, WorkflowTriage, WorkflowQA, WorkflowResearch:
		return nil
	}
	return fmt.Errorf("unknown workflow_type %q", wt)
}

// RunStatus represents the lifecycle state of an agent run.
// pending → running → {completed, failed, cancelled}; terminal states are final.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// Terminal reports whether the status is final.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusCancelled:
		return true
	}
	return false
}

// RunOutcome is the self-reported result of a completed run.
type RunOutcome string

const (
	OutcomeCompleted             RunOutcome = "completed"
	OutcomeNoChangesNeeded       RunOutcome = "no_changes_needed"
	OutcomeBlocked               RunOutcome = "blocked"
	OutcomeNeedsHumanDecision    RunOutcome = "needs_human_decision"
	OutcomeInvestigationComplete RunOutcome = "investigation_complete"
	OutcomeFailed                RunOutcome = "failed"
)

// ValidateRunOutcome checks that o is a known outcome.
func ValidateRunOutcome(o RunOutcome) error {
	switch o {
	case OutcomeCompleted, OutcomeNoChangesNeeded, OutcomeBlocked,
		OutcomeNeedsHumanDecision, OutcomeInvestigationComplete, OutcomeFailed:
		return nil
	}
	return fmt.Errorf("unknown outcome %q", o)
}

// SubtypeMaxBudget is the runner's self-report when it terminated itself
// after hitting its per-run dollar cap. Treated as a normal failed outcome
// with the cost recorded, never as a system fault.
const SubtypeMaxBudget = "error_max_budget_usd"

// Run is one execution attempt of an agent workflow against an issue.
// The dispatcher creates it in pending; only the runner callback path
// writes the running → terminal transitions.
type Run struct {
	ID            uuid.UUID    `json:"id"`
	IssueID       uuid.UUID    `json:"issue_id"`
	WorkflowType  WorkflowType `json:"workflow_type"`
	AttemptNumber int          `json:"attempt_number"`
	Status        RunStatus    `json:"status"`
	Outcome       *RunOutcome  `json:"outcome,omitempty"`
	FailureReason *string      `json:"failure_reason,omitempty"`

	// Telemetry, present only once terminal.
	CostUSD         *float64 `json:"cost_usd,omitempty"`
	NumTurns        *int     `json:"num_turns,omitempty"`
	DurationSeconds *float64 `json:"duration_seconds,omitempty"`

	// Result details fed into later investigation context.
	OutcomeSummary *string  `json:"outcome_summary,omitempty"`
	FilesChanged   []string `json:"files_changed,omitempty"`
	PRNumber       *int     `json:"pr_number,omitempty"`
	PRStatus       *string  `json:"pr_status,omitempty"`
	PRMerged       bool     `json:"pr_merged,omitempty"`

	// TranscriptRef is an opaque pointer to the stored agent output,
	// owned by an external collaborator.
	TranscriptRef *string `json:"transcript_ref,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}
