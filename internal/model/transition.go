package model

// CompletionProjection is the issue-state update derived from a run's
// terminal write. The run is the source of truth for execution outcome;
// the issue columns are a projection committed in the same transaction,
// never independently.
type CompletionProjection struct {
	AgentStatus   AgentStatus
	SpawnStatus   SpawnStatus
	PlanStatus    *PlanStatus // nil leaves plan_status unchanged
	BlockedReason *string
}

// ProjectRunCompletion maps a terminal run onto the issue columns.
//
// completed/no_changes_needed/investigation_complete return the issue to
// idle, or to awaiting_review when the run proposed a plan. blocked and
// needs_human_decision park the issue in blocked with a reason; both need
// a human to act before another spawn makes progress. failed returns to
// idle so a retry can be spawned immediately.
func ProjectRunCompletion(status RunStatus, outcome RunOutcome, planProposed bool, blockedReason string) CompletionProjection {
	if status == RunStatusCancelled {
		return CompletionProjection{
			AgentStatus: AgentStatusIdle,
			SpawnStatus: SpawnStatusCancelled,
		}
	}

	switch outcome {
	case OutcomeCompleted, OutcomeNoChangesNeeded, OutcomeInvestigationComplete:
		p := CompletionProjection{
			AgentStatus: AgentStatusIdle,
			SpawnStatus: SpawnStatusCompleted,
		}
		if planProposed {
			p.AgentStatus = AgentStatusAwaitingReview
			ps := PlanStatusAwaitingReview
			p.PlanStatus = &ps
		}
		return p

	case OutcomeBlocked, OutcomeNeedsHumanDecision:
		reason := blockedReason
		if reason == "" {
			reason = string(outcome)
		}
		return CompletionProjection{
			AgentStatus:   AgentStatusBlocked,
			SpawnStatus:   SpawnStatusCompleted,
			BlockedReason: &reason,
		}

	default: // OutcomeFailed and anything unrecognized
		return CompletionProjection{
			AgentStatus: AgentStatusIdle,
			SpawnStatus: SpawnStatusFailed,
		}
	}
}
