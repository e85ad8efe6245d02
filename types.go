package dispatch

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
)

// LaunchParams is the public shape of one run's launch request, handed to a
// custom Runner. ContextJSON is the serialized investigation context the
// agent receives verbatim.
type LaunchParams struct {
	RunID            uuid.UUID       `json:"run_id"`
	IssueID          uuid.UUID       `json:"issue_id"`
	WorkflowType     string          `json:"workflow_type"`
	AttemptNumber    int             `json:"attempt_number"`
	IssueTitle       string          `json:"issue_title"`
	IssueDescription string          `json:"issue_description,omitempty"`
	ContextJSON      json.RawMessage `json:"context"`
	MaxBudgetUSD     float64         `json:"max_budget_usd"`
	CallbackURL      string          `json:"callback_url"`
	CallbackToken    string          `json:"callback_token"`
}

// Runner executes agent workflow runs on an external system. Dispatch must
// return once the system accepts the run, not when the agent finishes;
// results arrive back through the HTTP callback endpoints. Cancel is a
// best-effort stop signal.
type Runner interface {
	Dispatch(ctx context.Context, params LaunchParams) error
	Cancel(ctx context.Context, runID uuid.UUID) error
}
