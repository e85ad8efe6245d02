package model

import "time"

// InvestigationContext is the prior-run history injected into a new run's
// prompt so the agent does not repeat earlier investigation. It is a derived
// view: recomputed fresh on every spawn, never persisted or cached.
type InvestigationContext struct {
	// PreviousRuns holds the last N terminal runs, newest first.
	PreviousRuns []PreviousRun `json:"previous_runs"`
	// TotalRuns and TotalCostUSD aggregate across ALL historical terminal
	// runs for the issue, not just the runs shown above.
	TotalRuns    int     `json:"total_runs"`
	TotalCostUSD float64 `json:"total_cost_usd"`
	// PlanFeedback carries the reviewer's rejection feedback, if any.
	// It is the only input a follow-up investigation consumes to avoid
	// proposing the same plan again.
	PlanFeedback string `json:"plan_feedback,omitempty"`
}

// PreviousRun is one historical run summarized for the agent prompt.
type PreviousRun struct {
	RunNumber      int          `json:"run_number"`
	WorkflowType   WorkflowType `json:"workflow_type"`
	Outcome        RunOutcome   `json:"outcome"`
	OutcomeSummary string       `json:"outcome_summary,omitempty"`
	FilesChanged   []string     `json:"files_changed,omitempty"`
	PRNumber       *int         `json:"pr_number,omitempty"`
	PRStatus       string       `json:"pr_status,omitempty"`
	PRMerged       bool         `json:"pr_merged"`
	CostUSD        float64      `json:"cost_usd"`
	NumTurns       int          `json:"num_turns"`
	Date           time.Time    `json:"date"`
}
