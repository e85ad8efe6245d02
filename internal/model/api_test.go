package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateWorkflowType(t *testing.T) {
	for _, wt := range []WorkflowType{WorkflowInvestigate, WorkflowImplement, WorkflowTriage, WorkflowQA, WorkflowResearch} {
		assert.NoError(t, ValidateWorkflowType(wt))
	}
	assert.Error(t, ValidateWorkflowType("deploy"))
	assert.Error(t, ValidateWorkflowType(""))
}

func TestValidateRunOutcome(t *testing.T) {
	for _, o := range []RunOutcome{
		OutcomeCompleted, OutcomeNoChangesNeeded, OutcomeBlocked,
		OutcomeNeedsHumanDecision, OutcomeInvestigationComplete, OutcomeFailed,
	} {
		assert.NoError(t, ValidateRunOutcome(o))
	}
	assert.Error(t, ValidateRunOutcome("cancelled"), "cancelled is a status, not a reportable outcome")
	assert.Error(t, ValidateRunOutcome(""))
}

func TestValidateRunEventType(t *testing.T) {
	assert.True(t, ValidateRunEventType(EventActivity))
	assert.True(t, ValidateRunEventType(EventTerminalOutput))
	assert.False(t, ValidateRunEventType(EventStatusUpdate), "status_update is reserved for the callback path")
	assert.False(t, ValidateRunEventType("heartbeat"))
}

func TestRunStatusTerminal(t *testing.T) {
	assert.False(t, RunStatusPending.Terminal())
	assert.False(t, RunStatusRunning.Terminal())
	assert.True(t, RunStatusCompleted.Terminal())
	assert.True(t, RunStatusFailed.Terminal())
	assert.True(t, RunStatusCancelled.Terminal())
}

func TestAgentStatusRunning(t *testing.T) {
	running := []AgentStatus{
		AgentStatusInvestigating, AgentStatusImplementing, AgentStatusTesting,
		AgentStatusResearching, AgentStatusTriaging,
	}
	for _, s := range running {
		assert.True(t, s.Running(), string(s))
	}
	assert.False(t, AgentStatusIdle.Running())
	assert.False(t, AgentStatusBlocked.Running())
	assert.False(t, AgentStatusAwaitingReview.Running())
}

func TestRunningStatusFor(t *testing.T) {
	tests := []struct {
		wt   WorkflowType
		want AgentStatus
	}{
		{WorkflowInvestigate, AgentStatusInvestigating},
		{WorkflowImplement, AgentStatusImplementing},
		{WorkflowQA, AgentStatusTesting},
		{WorkflowResearch, AgentStatusResearching},
		{WorkflowTriage, AgentStatusTriaging},
	}
	for _, tt := range tests {
		got, err := RunningStatusFor(tt.wt)
		assert.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}

	_, err := RunningStatusFor("deploy")
	assert.Error(t, err)
}

func TestPlanReviewRequestValidate(t *testing.T) {
	assert.NoError(t, PlanReviewRequest{Action: PlanActionApprove}.Validate())
	assert.NoError(t, PlanReviewRequest{Action: PlanActionApprove, AutoSpawn: true}.Validate())
	assert.NoError(t, PlanReviewRequest{Action: PlanActionReject, Feedback: "needs a rollback plan"}.Validate())

	assert.Error(t, PlanReviewRequest{Action: PlanActionReject}.Validate(), "reject requires feedback")
	assert.Error(t, PlanReviewRequest{Action: "defer"}.Validate())
	assert.Error(t, PlanReviewRequest{}.Validate())
}
