package orchestrator

import (
	"context"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/chipp-ai/dispatch/internal/model"
	"github.com/chipp-ai/dispatch/internal/storage"
)

// HandleRunResult settles the terminal callback from the external runner.
//
// A subtype of error_max_budget_usd means the runner stopped itself at its
// per-run dollar cap. That is mapped to a failed outcome with failure_reason
// "max_budget_usd"; the reported cost is recorded in the ledger like any
// other run, since the money was spent either way.
//
// Settlement is idempotent by run id. storage.ErrAlreadyTerminal propagates
// to the caller, which treats a duplicate callback as a success no-op.
func (s *Service) HandleRunResult(ctx context.Context, runID uuid.UUID, req model.RunResultRequest) (storage.RunCompletion, error) {
	outcome := req.Outcome
	var failureReason *string

	if req.Subtype == model.SubtypeMaxBudget {
		outcome = model.OutcomeFailed
		reason := "max_budget_usd"
		failureReason = &reason
	} else if err := model.ValidateRunOutcome(outcome); err != nil {
		return storage.RunCompletion{}, err
	}
	if outcome == model.OutcomeFailed && failureReason == nil && req.IsError {
		reason := req.Subtype
		if reason == "" {
			reason = "runner_error"
		}
		failureReason = &reason
	}

	params := storage.CompleteRunParams{
		Outcome:         outcome,
		FailureReason:   failureReason,
		BlockedReason:   req.BlockedReason,
		FilesChanged:    req.FilesChanged,
		PRNumber:        req.PRNumber,
		PRMerged:        req.PRMerged,
		CostUSD:         req.CostUSD,
		NumTurns:        req.NumTurns,
		DurationSeconds: req.DurationSeconds,
		PlanProposed:    req.PlanProposed,
	}
	if req.OutcomeSummary != "" {
		params.OutcomeSummary = &req.OutcomeSummary
	}
	if req.PRStatus != "" {
		params.PRStatus = &req.PRStatus
	}
	if req.TranscriptRef != "" {
		params.TranscriptRef = &req.TranscriptRef
	}

	comp, err := s.store.CompleteRun(ctx, runID, params)
	if err != nil {
		return storage.RunCompletion{}, err
	}

	s.completions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", string(outcome)),
		attribute.String("workflow_type", string(comp.Run.WorkflowType)),
	))
	s.logger.Info("run settled",
		"run_id", runID,
		"issue_id", comp.Run.IssueID,
		"outcome", outcome,
		"cost_usd", req.CostUSD,
		"agent_status", comp.Issue.AgentStatus)
	return comp, nil
}
