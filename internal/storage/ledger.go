package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// LedgerScopeDefault is the scope key for service-wide budget aggregation.
// Per-org or per-team scopes would introduce additional keys; the core only
// aggregates one.
const LedgerScopeDefault = "default"

// recordRunCost appends a ledger entry inside an existing transaction.
// Keyed by run id with ON CONFLICT DO NOTHING, so replaying a callback can
// never double-count a run's cost.
func recordRunCost(ctx context.Context, tx pgx.Tx, runID uuid.UUID, scope string, at time.Time, costUSD float64) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO budget_ledger (run_id, scope, day, cost_usd)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (run_id) DO NOTHING`,
		runID, scope, at.UTC().Format("2006-01-02"), costUSD,
	)
	if err != nil {
		return fmt.Errorf("storage: record run cost: %w", err)
	}
	return nil
}

// RecordRunCost is the standalone form of recordRunCost for backfill jobs.
func (db *DB) RecordRunCost(ctx context.Context, runID uuid.UUID, scope string, at time.Time, costUSD float64) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: record run cost: begin: %w", err)
	}
	defer tx.Rollback(ctx)
	if err := recordRunCost(ctx, tx, runID, scope, at, costUSD); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// SumCostForDay returns the summed cost_usd for a scope on the given day.
// Read by the admission daily-cost gate; tolerates eventual consistency
// (a race can admit one run over the ceiling, which is accepted).
func (db *DB) SumCostForDay(ctx context.Context, scope string, day time.Time) (float64, error) {
	var sum float64
	err := db.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(cost_usd), 0) FROM budget_ledger WHERE scope = $1 AND day = $2`,
		scope, day.UTC().Format("2006-01-02"),
	).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("storage: sum cost for day: %w", err)
	}
	return sum, nil
}
