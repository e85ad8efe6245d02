package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/chipp-ai/dispatch/internal/model"
	"github.com/chipp-ai/dispatch/internal/runner"
	"github.com/chipp-ai/dispatch/internal/storage"
)

// Spawn admits and dispatches one agent run against an issue.
//
// Gate order: re-entrancy guard, plan gate, admission controller, then the
// atomic issue claim. The claim is the serialization point — two concurrent
// spawns can both pass the guards, but only one claim succeeds; the loser
// surfaces already_running. If the external runner cannot be reached the
// claim and the pending run are rolled back so no budget is consumed and no
// run is left non-terminal.
func (s *Service) Spawn(ctx context.Context, issueID uuid.UUID, wt model.WorkflowType) (model.Run, error) {
	if err := model.ValidateWorkflowType(wt); err != nil {
		return model.Run{}, err
	}

	issue, err := s.store.GetIssue(ctx, issueID)
	if err != nil {
		return model.Run{}, err
	}

	// Re-entrancy guard: only idle and blocked issues accept a spawn,
	// independent of the admission controller.
	if issue.AgentStatus != model.AgentStatusIdle && issue.AgentStatus != model.AgentStatusBlocked {
		return model.Run{}, &DeniedError{Reason: model.DenyAlreadyRunning}
	}

	// Plan gate: implement requires an approved plan. Spawning implement on
	// a blocked issue is the explicit escape valve and bypasses the gate.
	if wt == model.WorkflowImplement &&
		issue.PlanStatus != model.PlanStatusApproved &&
		issue.AgentStatus != model.AgentStatusBlocked {
		return model.Run{}, &DeniedError{Reason: model.DenyPlanNotApproved}
	}

	decision, err := s.admission.CanSpawn(ctx, wt)
	if err != nil {
		return model.Run{}, err
	}
	if !decision.Allowed {
		return model.Run{}, &DeniedError{Reason: decision.Reason}
	}

	// Recomputed fresh on every spawn: a concurrent run may have completed
	// since any earlier read.
	invCtx, err := s.history.Build(ctx, issue)
	if err != nil {
		return model.Run{}, err
	}

	running, err := model.RunningStatusFor(wt)
	if err != nil {
		return model.Run{}, err
	}

	attempt, err := s.store.ClaimIssueForSpawn(ctx, issueID, running)
	if err != nil {
		if errors.Is(err, storage.ErrNotClaimable) {
			return model.Run{}, &DeniedError{Reason: model.DenyAlreadyRunning}
		}
		return model.Run{}, err
	}

	run, err := s.store.CreateRun(ctx, issueID, wt, attempt)
	if err != nil {
		// The partial unique index rejected a second live run — an invariant
		// breach that must never surface as one. Roll the claim back.
		s.logger.Error("run insert failed after claim", "issue_id", issueID, "error", err)
		if rbErr := s.store.ReleaseSpawnClaim(ctx, issueID); rbErr != nil {
			s.logger.Error("spawn rollback failed", "issue_id", issueID, "error", rbErr)
		}
		return model.Run{}, &DeniedError{Reason: model.DenyAlreadyRunning}
	}

	token, err := s.tokens.Mint(run.ID)
	if err != nil {
		s.rollbackDispatch(ctx, issue.ID, run.ID)
		return model.Run{}, &DeniedError{Reason: model.DenyDispatchFailed}
	}

	params := runner.LaunchParams{
		RunID:            run.ID,
		IssueID:          issue.ID,
		WorkflowType:     wt,
		AttemptNumber:    attempt,
		IssueTitle:       issue.Title,
		IssueDescription: issue.Description,
		Context:          invCtx,
		MaxBudgetUSD:     s.cfg.PerRunBudgetUSD,
		CallbackURL:      s.cfg.CallbackBaseURL + "/v1/runs/" + run.ID.String(),
		CallbackToken:    token,
	}
	if err := s.runner.Dispatch(ctx, params); err != nil {
		s.logger.Warn("dispatch failed, rolling back spawn",
			"issue_id", issueID, "run_id", run.ID, "error", err)
		s.rollbackDispatch(ctx, issue.ID, run.ID)
		return model.Run{}, &DeniedError{Reason: model.DenyDispatchFailed}
	}

	// The approved plan is consumed only now that the run is actually
	// launched; a dispatch rollback must leave it approved for the retry.
	if wt == model.WorkflowImplement {
		if err := s.store.ConsumePlan(ctx, issueID); err != nil {
			s.logger.Warn("consume plan failed", "issue_id", issueID, "error", err)
		}
	}

	if err := s.store.MarkRunRunning(ctx, run.ID); err != nil {
		// Dispatch already succeeded; the run will settle via callback even
		// if this bookkeeping write lost a race with it.
		s.logger.Warn("mark run running failed", "run_id", run.ID, "error", err)
	} else {
		run.Status = model.RunStatusRunning
	}

	s.spawns.Add(ctx, 1, metric.WithAttributes(attribute.String("workflow_type", string(wt))))
	s.logger.Info("run spawned",
		"issue_id", issueID,
		"run_id", run.ID,
		"workflow_type", wt,
		"attempt", attempt)
	return run, nil
}

func (s *Service) rollbackDispatch(ctx context.Context, issueID, runID uuid.UUID) {
	if err := s.store.AbandonRun(ctx, runID, string(model.DenyDispatchFailed)); err != nil {
		s.logger.Error("abandon run failed", "run_id", runID, "error", err)
	}
	if err := s.store.ReleaseSpawnClaim(ctx, issueID); err != nil {
		s.logger.Error("release spawn claim failed", "issue_id", issueID, "error", err)
	}
}

// Cancel marks the issue's active run cancelled and signals the runner.
// Advisory and asynchronous: it returns once intent is recorded; the
// external process stops in its own time. Returns storage.ErrNoActiveRun
// when there is nothing to cancel.
func (s *Service) Cancel(ctx context.Context, issueID uuid.UUID) (model.Run, error) {
	comp, err := s.store.CancelActiveRun(ctx, issueID)
	if err != nil {
		return model.Run{}, err
	}

	// Out-of-band stop signal; the terminal guard discards any late result.
	go func() {
		sigCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.runner.Cancel(sigCtx, comp.Run.ID); err != nil {
			s.logger.Warn("runner cancel signal failed", "run_id", comp.Run.ID, "error", err)
		}
	}()

	s.logger.Info("run cancelled", "issue_id", issueID, "run_id", comp.Run.ID)
	return comp.Run, nil
}
