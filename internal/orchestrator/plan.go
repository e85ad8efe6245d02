package orchestrator

import (
	"context"

	"github.com/google/uuid"

	"github.com/chipp-ai/dispatch/internal/model"
)

// ReviewPlan applies an approve or reject action to an issue's proposed plan.
//
// Approval persists until an implement spawn consumes it or a later
// investigation supersedes it. With auto_spawn, an implement run is attempted
// through the full admission path; a denial there is non-fatal — the plan
// stays approved, the issue stays idle, and the reason is surfaced to the
// caller. Rejection requires non-empty feedback (validated at the API edge);
// the feedback is stored and fed into the next investigation's context.
func (s *Service) ReviewPlan(ctx context.Context, issueID uuid.UUID, req model.PlanReviewRequest) (model.PlanReviewResponse, error) {
	if err := req.Validate(); err != nil {
		return model.PlanReviewResponse{}, err
	}

	issue, err := s.store.GetIssue(ctx, issueID)
	if err != nil {
		return model.PlanReviewResponse{}, err
	}
	if issue.PlanStatus != model.PlanStatusAwaitingReview {
		return model.PlanReviewResponse{}, ErrNoPlanAwaitingReview
	}

	switch req.Action {
	case model.PlanActionApprove:
		if err := s.store.SetPlanStatus(ctx, issueID, model.PlanStatusApproved, nil); err != nil {
			return model.PlanReviewResponse{}, err
		}
		resp := model.PlanReviewResponse{PlanStatus: model.PlanStatusApproved}

		if req.AutoSpawn {
			run, err := s.Spawn(ctx, issueID, model.WorkflowImplement)
			if reason, denied := DenyReasonOf(err); denied {
				resp.DeniedReason = &reason
			} else if err != nil {
				return model.PlanReviewResponse{}, err
			} else {
				resp.PlanStatus = model.PlanStatusNone // consumed by the implement spawn
				resp.Spawn = &model.SpawnResponse{
					RunID:         run.ID,
					AttemptNumber: run.AttemptNumber,
					WorkflowType:  run.WorkflowType,
				}
			}
		}
		s.logger.Info("plan approved", "issue_id", issueID, "auto_spawn", req.AutoSpawn)
		return resp, nil

	default: // reject, already validated
		feedback := req.Feedback
		if err := s.store.SetPlanStatus(ctx, issueID, model.PlanStatusNeedsRevision, &feedback); err != nil {
			return model.PlanReviewResponse{}, err
		}
		s.logger.Info("plan rejected", "issue_id", issueID)
		return model.PlanReviewResponse{PlanStatus: model.PlanStatusNeedsRevision}, nil
	}
}
