// Package runner is the narrow interface to the external CI runner that
// executes agent workflows. The core only knows how to trigger a workflow
// run and how to signal cancellation; everything else arrives back through
// the event-ingest and run-result callbacks.
package runner

import (
	"context"

	"github.com/google/uuid"

	"github.com/chipp-ai/dispatch/internal/model"
)

// LaunchParams is everything the external runner needs to execute one run.
type LaunchParams struct {
	RunID            uuid.UUID                  `json:"run_id"`
	IssueID          uuid.UUID                  `json:"issue_id"`
	WorkflowType     model.WorkflowType         `json:"workflow_type"`
	AttemptNumber    int                        `json:"attempt_number"`
	IssueTitle       string                     `json:"issue_title"`
	IssueDescription string                     `json:"issue_description,omitempty"`
	Context          model.InvestigationContext `json:"context"`

	// MaxBudgetUSD is the per-run dollar cap. The agent process enforces it
	// by terminating itself and self-reporting error_max_budget_usd.
	MaxBudgetUSD float64 `json:"max_budget_usd"`

	// CallbackURL and CallbackToken let the runner post events and the
	// terminal result back to this service.
	CallbackURL   string `json:"callback_url"`
	CallbackToken string `json:"callback_token"`
}

// Runner triggers and cancels workflow runs on the external CI system.
type Runner interface {
	// Dispatch requests a workflow run. It returns once the external system
	// acknowledges acceptance; it never waits for the agent to finish.
	Dispatch(ctx context.Context, params LaunchParams) error

	// Cancel signals a best-effort stop for a run. The external process may
	// take arbitrary time to actually terminate; a late result callback for
	// a cancelled run is discarded by the terminal-state guard.
	Cancel(ctx context.Context, runID uuid.UUID) error
}
