package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/chipp-ai/dispatch/internal/config"
	"github.com/chipp-ai/dispatch/internal/model"
)

const runColumns = `id, issue_id, workflow_type, attempt_number, status, outcome, failure_reason,
	cost_usd, num_turns, duration_seconds, outcome_summary, files_changed,
	pr_number, pr_status, pr_merged, transcript_ref, created_at, started_at, completed_at`

func scanRun(row pgx.Row) (model.Run, error) {
	var r model.Run
	var outcome *string
	err := row.Scan(
		&r.ID, &r.IssueID, &r.WorkflowType, &r.AttemptNumber, &r.Status, &outcome, &r.FailureReason,
		&r.CostUSD, &r.NumTurns, &r.DurationSeconds, &r.OutcomeSummary, &r.FilesChanged,
		&r.PRNumber, &r.PRStatus, &r.PRMerged, &r.TranscriptRef, &r.CreatedAt, &r.StartedAt, &r.CompletedAt,
	)
	if outcome != nil {
		o := model.RunOutcome(*outcome)
		r.Outcome = &o
	}
	return r, err
}

// CreateRun inserts a new run in the pending state. The partial unique index
// on (issue_id) over non-terminal runs backstops the one-active-run invariant.
func (db *DB) CreateRun(ctx context.Context, issueID uuid.UUID, wt model.WorkflowType, attempt int) (model.Run, error) {
	run := model.Run{
		ID:            uuid.New(),
		IssueID:       issueID,
		WorkflowType:  wt,
		AttemptNumber: attempt,
		Status:        model.RunStatusPending,
		CreatedAt:     time.Now().UTC(),
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO runs (id, issue_id, workflow_type, attempt_number, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		run.ID, run.IssueID, string(run.WorkflowType), run.AttemptNumber, string(run.Status), run.CreatedAt,
	)
	if err != nil {
		return model.Run{}, fmt.Errorf("storage: create run: %w", err)
	}
	return run, nil
}

// GetRun retrieves a run by ID.
func (db *DB) GetRun(ctx context.Context, id uuid.UUID) (model.Run, error) {
	run, err := scanRun(db.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM runs WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Run{}, ErrNotFound
		}
		return model.Run{}, fmt.Errorf("storage: get run: %w", err)
	}
	return run, nil
}

// MarkRunRunning transitions a run from pending to running once the external
// runner acknowledges acceptance.
func (db *DB) MarkRunRunning(ctx context.Context, id uuid.UUID) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE runs SET status = 'running', started_at = now() WHERE id = $1 AND status = 'pending'`, id)
	if err != nil {
		return fmt.Errorf("storage: mark run running: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAlreadyTerminal
	}
	return nil
}

// AbandonRun marks a non-terminal run failed with a reason, returning the
// issue to idle. Used when dispatch cannot reach the runner and as the
// safety net for an invariant violation: a run must never be left running
// forever.
func (db *DB) AbandonRun(ctx context.Context, id uuid.UUID, reason string) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE runs SET status = 'failed', failure_reason = $2, completed_at = now()
		 WHERE id = $1 AND status IN ('pending', 'running')`,
		id, reason,
	)
	if err != nil {
		return fmt.Errorf("storage: abandon run: %w", err)
	}
	return nil
}

// RunCompletion is the post-settlement view returned by CompleteRun and
// CancelActiveRun: the terminal run plus the projected issue.
type RunCompletion struct {
	Run   model.Run
	Issue model.Issue
}

// CompleteRunParams carries the terminal fields from the runner callback.
type CompleteRunParams struct {
	Outcome         model.RunOutcome
	FailureReason   *string
	OutcomeSummary  *string
	BlockedReason   string
	FilesChanged    []string
	PRNumber        *int
	PRStatus        *string
	PRMerged        bool
	CostUSD         float64
	NumTurns        int
	DurationSeconds float64
	TranscriptRef   *string
	PlanProposed    bool
}

// CompleteRun settles a terminal callback in one transaction: the run's
// terminal write, the issue projection, the idempotent budget ledger entry,
// and the status_update notification (delivered on commit).
//
// Idempotent by run id: if the run is already terminal it returns
// ErrAlreadyTerminal and writes nothing — a duplicate callback is a no-op.
func (db *DB) CompleteRun(ctx context.Context, runID uuid.UUID, p CompleteRunParams) (RunCompletion, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return RunCompletion{}, fmt.Errorf("storage: complete run: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	run, err := scanRun(tx.QueryRow(ctx,
		`SELECT `+runColumns+` FROM runs WHERE id = $1 FOR UPDATE`, runID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return RunCompletion{}, ErrNotFound
		}
		return RunCompletion{}, fmt.Errorf("storage: complete run: load: %w", err)
	}
	if run.Status.Terminal() {
		return RunCompletion{}, ErrAlreadyTerminal
	}

	status := model.RunStatusCompleted
	if p.Outcome == model.OutcomeFailed {
		status = model.RunStatusFailed
	}
	now := time.Now().UTC()

	run, err = scanRun(tx.QueryRow(ctx,
		`UPDATE runs SET
			status = $2, outcome = $3, failure_reason = $4,
			cost_usd = $5, num_turns = $6, duration_seconds = $7,
			outcome_summary = $8, files_changed = $9,
			pr_number = $10, pr_status = $11, pr_merged = $12,
			transcript_ref = $13, completed_at = $14
		 WHERE id = $1
		 RETURNING `+runColumns,
		runID, string(status), string(p.Outcome), p.FailureReason,
		p.CostUSD, p.NumTurns, p.DurationSeconds,
		p.OutcomeSummary, p.FilesChanged,
		p.PRNumber, p.PRStatus, p.PRMerged,
		p.TranscriptRef, now,
	))
	if err != nil {
		return RunCompletion{}, fmt.Errorf("storage: complete run: update run: %w", err)
	}

	proj := model.ProjectRunCompletion(status, p.Outcome, p.PlanProposed, p.BlockedReason)
	issue, err := applyProjection(ctx, tx, run.IssueID, proj)
	if err != nil {
		return RunCompletion{}, err
	}

	if err := recordRunCost(ctx, tx, run.ID, LedgerScopeDefault, now, p.CostUSD); err != nil {
		return RunCompletion{}, err
	}

	if err := notifyStatusUpdate(ctx, tx, issue, run); err != nil {
		return RunCompletion{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return RunCompletion{}, fmt.Errorf("storage: complete run: commit: %w", err)
	}
	return RunCompletion{Run: run, Issue: issue}, nil
}

// CancelActiveRun marks the issue's active run cancelled and returns the
// issue to idle. Cancellation is advisory: this records intent and returns;
// the runner is signalled out-of-band and may take arbitrary time to stop.
// Returns ErrNoActiveRun when nothing is pending or running.
func (db *DB) CancelActiveRun(ctx context.Context, issueID uuid.UUID) (RunCompletion, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return RunCompletion{}, fmt.Errorf("storage: cancel run: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	run, err := scanRun(tx.QueryRow(ctx,
		`SELECT `+runColumns+` FROM runs
		 WHERE issue_id = $1 AND status IN ('pending', 'running')
		 FOR UPDATE`, issueID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return RunCompletion{}, ErrNoActiveRun
		}
		return RunCompletion{}, fmt.Errorf("storage: cancel run: load: %w", err)
	}

	run, err = scanRun(tx.QueryRow(ctx,
		`UPDATE runs SET status = 'cancelled', completed_at = now()
		 WHERE id = $1 RETURNING `+runColumns, run.ID))
	if err != nil {
		return RunCompletion{}, fmt.Errorf("storage: cancel run: update run: %w", err)
	}

	proj := model.ProjectRunCompletion(model.RunStatusCancelled, "", false, "")
	issue, err := applyProjection(ctx, tx, issueID, proj)
	if err != nil {
		return RunCompletion{}, err
	}

	if err := notifyStatusUpdate(ctx, tx, issue, run); err != nil {
		return RunCompletion{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return RunCompletion{}, fmt.Errorf("storage: cancel run: commit: %w", err)
	}
	return RunCompletion{Run: run, Issue: issue}, nil
}

func applyProjection(ctx context.Context, tx pgx.Tx, issueID uuid.UUID, proj model.CompletionProjection) (model.Issue, error) {
	var planStatus *string
	if proj.PlanStatus != nil {
		s := string(*proj.PlanStatus)
		planStatus = &s
	}
	issue, err := scanIssue(tx.QueryRow(ctx,
		`UPDATE issues SET
			agent_status = $2,
			spawn_status = $3,
			blocked_reason = $4,
			plan_status = COALESCE($5, plan_status),
			updated_at = now()
		 WHERE id = $1
		 RETURNING `+issueColumns,
		issueID, string(proj.AgentStatus), string(proj.SpawnStatus), proj.BlockedReason, planStatus,
	))
	if err != nil {
		return model.Issue{}, fmt.Errorf("storage: project issue state: %w", err)
	}
	return issue, nil
}

func notifyStatusUpdate(ctx context.Context, tx pgx.Tx, issue model.Issue, run model.Run) error {
	data, err := json.Marshal(model.StatusUpdateData{
		RunStatus:   run.Status,
		Outcome:     run.Outcome,
		AgentStatus: issue.AgentStatus,
		PlanStatus:  issue.PlanStatus,
		CostUSD:     run.CostUSD,
	})
	if err != nil {
		return fmt.Errorf("storage: marshal status update: %w", err)
	}
	envelope, err := json.Marshal(model.EventEnvelope{
		IssueID: issue.ID,
		RunID:   run.ID,
		Type:    model.EventStatusUpdate,
		Data:    data,
	})
	if err != nil {
		return fmt.Errorf("storage: marshal event envelope: %w", err)
	}
	if _, err := tx.Exec(ctx, "SELECT pg_notify($1, $2)", ChannelEvents, string(envelope)); err != nil {
		return fmt.Errorf("storage: notify status update: %w", err)
	}
	return nil
}

// ActiveRun returns the issue's single pending or running run.
func (db *DB) ActiveRun(ctx context.Context, issueID uuid.UUID) (model.Run, error) {
	run, err := scanRun(db.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM runs
		 WHERE issue_id = $1 AND status IN ('pending', 'running')`, issueID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Run{}, ErrNoActiveRun
		}
		return model.Run{}, fmt.Errorf("storage: active run: %w", err)
	}
	return run, nil
}

// CountRunningRuns counts non-terminal runs for the admission concurrency
// gate. With the global scope wt is ignored; with per_workflow only runs of
// that workflow type count.
func (db *DB) CountRunningRuns(ctx context.Context, scope config.ConcurrencyScope, wt model.WorkflowType) (int, error) {
	var n int
	var err error
	if scope == config.ScopePerWorkflow {
		err = db.pool.QueryRow(ctx,
			`SELECT COUNT(*) FROM runs WHERE status IN ('pending', 'running') AND workflow_type = $1`,
			string(wt)).Scan(&n)
	} else {
		err = db.pool.QueryRow(ctx,
			`SELECT COUNT(*) FROM runs WHERE status IN ('pending', 'running')`).Scan(&n)
	}
	if err != nil {
		return 0, fmt.Errorf("storage: count running runs: %w", err)
	}
	return n, nil
}

// CountRunsCreatedSince counts runs created at or after the given time,
// used for the daily spawn gate with a UTC midnight cutoff.
func (db *DB) CountRunsCreatedSince(ctx context.Context, since time.Time) (int, error) {
	var n int
	if err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM runs WHERE created_at >= $1`, since).Scan(&n); err != nil {
		return 0, fmt.Errorf("storage: count runs created since: %w", err)
	}
	return n, nil
}

// ListRuns returns runs for an issue ordered newest-first.
// onlyTerminal restricts to terminal runs (for investigation context).
func (db *DB) ListRuns(ctx context.Context, issueID uuid.UUID, limit int, onlyTerminal bool) ([]model.Run, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + runColumns + ` FROM runs WHERE issue_id = $1`
	if onlyTerminal {
		query += ` AND status IN ('completed', 'failed', 'cancelled')`
	}
	query += ` ORDER BY attempt_number DESC LIMIT $2`

	rows, err := db.pool.Query(ctx, query, issueID, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: list runs: %w", err)
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// RunTotals aggregates count and cost across ALL terminal runs for an issue,
// independent of any display limit.
func (db *DB) RunTotals(ctx context.Context, issueID uuid.UUID) (totalRuns int, totalCostUSD float64, err error) {
	err = db.pool.QueryRow(ctx,
		`SELECT COUNT(*), COALESCE(SUM(cost_usd), 0) FROM runs
		 WHERE issue_id = $1 AND status IN ('completed', 'failed', 'cancelled')`,
		issueID,
	).Scan(&totalRuns, &totalCostUSD)
	if err != nil {
		return 0, 0, fmt.Errorf("storage: run totals: %w", err)
	}
	return totalRuns, totalCostUSD, nil
}
