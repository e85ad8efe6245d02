package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/chipp-ai/dispatch/internal/model"
)

const issueColumns = `id, title, description, agent_status, plan_status, plan_feedback,
	spawn_status, spawn_attempt_count, blocked_reason, created_at, updated_at`

func scanIssue(row pgx.Row) (model.Issue, error) {
	var is model.Issue
	err := row.Scan(
		&is.ID, &is.Title, &is.Description, &is.AgentStatus, &is.PlanStatus, &is.PlanFeedback,
		&is.SpawnStatus, &is.SpawnAttemptCount, &is.BlockedReason, &is.CreatedAt, &is.UpdatedAt,
	)
	return is, err
}

// CreateIssue inserts a new issue in the idle state.
// Issue intake lives outside the orchestration core; this exists for
// provisioning and tests.
func (db *DB) CreateIssue(ctx context.Context, title, description string) (model.Issue, error) {
	now := time.Now().UTC()
	issue := model.Issue{
		ID:          uuid.New(),
		Title:       title,
		Description: description,
		AgentStatus: model.AgentStatusIdle,
		PlanStatus:  model.PlanStatusNone,
		SpawnStatus: model.SpawnStatusNone,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO issues (id, title, description, agent_status, plan_status, spawn_status, spawn_attempt_count, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, 0, $7, $7)`,
		issue.ID, issue.Title, issue.Description,
		string(issue.AgentStatus), string(issue.PlanStatus), string(issue.SpawnStatus), now,
	)
	if err != nil {
		return model.Issue{}, fmt.Errorf("storage: create issue: %w", err)
	}
	return issue, nil
}

// GetIssue retrieves an issue by ID.
func (db *DB) GetIssue(ctx context.Context, id uuid.UUID) (model.Issue, error) {
	issue, err := scanIssue(db.pool.QueryRow(ctx,
		`SELECT `+issueColumns+` FROM issues WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Issue{}, ErrNotFound
		}
		return model.Issue{}, fmt.Errorf("storage: get issue: %w", err)
	}
	return issue, nil
}

// ClaimIssueForSpawn atomically moves an issue from idle or blocked into the
// given running status and increments the attempt counter. The conditional
// UPDATE is the serialization point for concurrent spawn requests on one
// issue: exactly one wins, the rest get ErrNotClaimable.
//
// Plan state is untouched: an approved plan is consumed via ConsumePlan only
// once dispatch has succeeded, so a rollback leaves it intact.
func (db *DB) ClaimIssueForSpawn(ctx context.Context, id uuid.UUID, running model.AgentStatus) (int, error) {
	var attempt int
	err := db.pool.QueryRow(ctx,
		`UPDATE issues
		 SET agent_status = $2,
		     spawn_status = 'running',
		     spawn_attempt_count = spawn_attempt_count + 1,
		     blocked_reason = NULL,
		     updated_at = now()
		 WHERE id = $1 AND agent_status IN ('idle', 'blocked')
		 RETURNING spawn_attempt_count`,
		id, string(running),
	).Scan(&attempt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrNotClaimable
		}
		return 0, fmt.Errorf("storage: claim issue for spawn: %w", err)
	}
	return attempt, nil
}

// ConsumePlan resets plan_status to none and drops stored feedback. Called
// after an implement run has been dispatched, since the approved plan is
// consumed by the run it admitted.
func (db *DB) ConsumePlan(ctx context.Context, id uuid.UUID) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE issues
		 SET plan_status = 'none', plan_feedback = NULL, updated_at = now()
		 WHERE id = $1`,
		id,
	)
	if err != nil {
		return fmt.Errorf("storage: consume plan: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ReleaseSpawnClaim rolls an issue back to idle after a dispatch failure.
// Admission and dispatch are effectively transactional: when the runner
// cannot be reached, no claim survives and plan state is left as it was
// before the claim.
func (db *DB) ReleaseSpawnClaim(ctx context.Context, id uuid.UUID) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE issues
		 SET agent_status = 'idle', spawn_status = 'failed', updated_at = now()
		 WHERE id = $1`,
		id,
	)
	if err != nil {
		return fmt.Errorf("storage: release spawn claim: %w", err)
	}
	return nil
}

// SetPlanStatus updates the plan-review sub-state. feedback is stored only
// for needs_revision; other statuses clear it. Resolving a review releases
// an issue parked in awaiting_review back to idle so spawns can proceed.
func (db *DB) SetPlanStatus(ctx context.Context, id uuid.UUID, status model.PlanStatus, feedback *string) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE issues
		 SET plan_status = $2,
		     plan_feedback = $3,
		     agent_status = CASE WHEN agent_status = 'awaiting_review' THEN 'idle' ELSE agent_status END,
		     updated_at = now()
		 WHERE id = $1`,
		id, string(status), feedback,
	)
	if err != nil {
		return fmt.Errorf("storage: set plan status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
