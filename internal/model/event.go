package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// RunEventType categorizes a live event on an issue's channel.
type RunEventType string

const (
	// EventActivity is a structured agent step (tool call, reasoning note).
	EventActivity RunEventType = "activity"
	// EventTerminalOutput is a raw output line from the agent process.
	EventTerminalOutput RunEventType = "terminal_output"
	// EventStatusUpdate announces a terminal run completion.
	EventStatusUpdate RunEventType = "status_update"
)

// ValidateRunEventType checks that t is a known event type.
// status_update is emitted only by the callback path, never ingested.
func ValidateRunEventType(t RunEventType) bool {
	return t == EventActivity || t == EventTerminalOutput
}

// RunEvent is an append-only entry in a run's event log. Source of truth
// for late joiners; live delivery goes through the broker.
type RunEvent struct {
	ID         uuid.UUID       `json:"id"`
	RunID      uuid.UUID       `json:"run_id"`
	IssueID    uuid.UUID       `json:"issue_id"`
	Type       RunEventType    `json:"type"`
	Seq        int64           `json:"seq"`
	Data       json.RawMessage `json:"data"`
	OccurredAt time.Time       `json:"occurred_at"`
	CreatedAt  time.Time       `json:"created_at"`
}

// EventEnvelope is the JSON payload carried on the Postgres notify channel
// and written to the SSE stream. Small by construction: NOTIFY payloads are
// capped at 8000 bytes, so Data holds the event body, not the full row.
type EventEnvelope struct {
	IssueID uuid.UUID       `json:"issue_id"`
	RunID   uuid.UUID       `json:"run_id"`
	Type    RunEventType    `json:"type"`
	Seq     int64           `json:"seq"`
	Data    json.RawMessage `json:"data"`
}

// StatusUpdateData is the Data body of a status_update envelope.
type StatusUpdateData struct {
	RunStatus   RunStatus   `json:"run_status"`
	Outcome     *RunOutcome `json:"outcome,omitempty"`
	AgentStatus AgentStatus `json:"agent_status"`
	PlanStatus  PlanStatus  `json:"plan_status"`
	CostUSD     *float64    `json:"cost_usd,omitempty"`
}
