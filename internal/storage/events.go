package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/chipp-ai/dispatch/internal/model"
)

// Postgres caps NOTIFY payloads at 8000 bytes. Event bodies larger than this
// are persisted in full but truncated on the live channel; late readers get
// the full row from ListRunEvents.
const maxNotifyData = 7000

// AppendRunEvents persists a batch of activity/terminal events for a run and
// announces each on the events channel (delivered on commit). The run row is
// locked to serialize sequence assignment across concurrent batches.
func (db *DB) AppendRunEvents(ctx context.Context, run model.Run, inputs []model.EventInput) ([]model.RunEvent, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage: append events: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	// Lock the run row so concurrent batches for one run assign disjoint,
	// gap-free sequence numbers.
	if _, err := tx.Exec(ctx, `SELECT 1 FROM runs WHERE id = $1 FOR UPDATE`, run.ID); err != nil {
		return nil, fmt.Errorf("storage: append events: lock run: %w", err)
	}
	var lastSeq int64
	if err := tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM run_events WHERE run_id = $1`, run.ID,
	).Scan(&lastSeq); err != nil {
		return nil, fmt.Errorf("storage: append events: read seq: %w", err)
	}

	now := time.Now().UTC()
	events := make([]model.RunEvent, 0, len(inputs))
	for i, in := range inputs {
		occurred := now
		if in.OccurredAt != nil {
			occurred = in.OccurredAt.UTC()
		}
		ev := model.RunEvent{
			ID:         uuid.New(),
			RunID:      run.ID,
			IssueID:    run.IssueID,
			Type:       in.Type,
			Seq:        lastSeq + int64(i) + 1,
			Data:       in.Data,
			OccurredAt: occurred,
			CreatedAt:  now,
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO run_events (id, run_id, issue_id, type, seq, data, occurred_at, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			ev.ID, ev.RunID, ev.IssueID, string(ev.Type), ev.Seq, ev.Data, ev.OccurredAt, ev.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("storage: insert run event: %w", err)
		}

		data := ev.Data
		if len(data) > maxNotifyData {
			data, _ = json.Marshal(map[string]any{"truncated": true, "bytes": len(ev.Data)})
		}
		envelope, err := json.Marshal(model.EventEnvelope{
			IssueID: ev.IssueID,
			RunID:   ev.RunID,
			Type:    ev.Type,
			Seq:     ev.Seq,
			Data:    data,
		})
		if err != nil {
			return nil, fmt.Errorf("storage: marshal event envelope: %w", err)
		}
		if _, err := tx.Exec(ctx, "SELECT pg_notify($1, $2)", ChannelEvents, string(envelope)); err != nil {
			return nil, fmt.Errorf("storage: notify event: %w", err)
		}
		events = append(events, ev)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("storage: append events: commit: %w", err)
	}
	return events, nil
}

// ListRunEvents returns persisted events for a run with seq > afterSeq,
// oldest first. This is the backfill path for late subscribers; the live
// channel never replays.
func (db *DB) ListRunEvents(ctx context.Context, runID uuid.UUID, afterSeq int64, limit int) ([]model.RunEvent, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, run_id, issue_id, type, seq, data, occurred_at, created_at
		 FROM run_events
		 WHERE run_id = $1 AND seq > $2
		 ORDER BY seq ASC
		 LIMIT $3`,
		runID, afterSeq, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list run events: %w", err)
	}
	defer rows.Close()

	var events []model.RunEvent
	for rows.Next() {
		var ev model.RunEvent
		if err := rows.Scan(&ev.ID, &ev.RunID, &ev.IssueID, &ev.Type, &ev.Seq, &ev.Data, &ev.OccurredAt, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan run event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}
