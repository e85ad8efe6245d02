// Package history builds the investigation context injected into new runs.
//
// The context is a derived view over the run history: it is recomputed fresh
// on every spawn and never cached, because a concurrent run may complete
// between computation and use.
package history

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/chipp-ai/dispatch/internal/model"
)

// RunReader is the slice of the run store the accumulator reads.
type RunReader interface {
	ListRuns(ctx context.Context, issueID uuid.UUID, limit int, onlyTerminal bool) ([]model.Run, error)
	RunTotals(ctx context.Context, issueID uuid.UUID) (totalRuns int, totalCostUSD float64, err error)
}

// Accumulator summarizes prior runs for an issue.
type Accumulator struct {
	store RunReader
	limit int // how many recent runs appear in PreviousRuns
}

// New creates an Accumulator showing up to limit prior runs.
func New(store RunReader, limit int) *Accumulator {
	return &Accumulator{store: store, limit: limit}
}

// Build produces the InvestigationContext for issue. PreviousRuns holds the
// last N terminal runs newest-first; the totals aggregate every terminal run
// regardless of N. Plan-rejection feedback rides along so the next
// investigation does not propose the same plan again.
func (a *Accumulator) Build(ctx context.Context, issue model.Issue) (model.InvestigationContext, error) {
	runs, err := a.store.ListRuns(ctx, issue.ID, a.limit, true)
	if err != nil {
		return model.InvestigationContext{}, fmt.Errorf("history: list runs: %w", err)
	}
	totalRuns, totalCost, err := a.store.RunTotals(ctx, issue.ID)
	if err != nil {
		return model.InvestigationContext{}, fmt.Errorf("history: run totals: %w", err)
	}

	previous := make([]model.PreviousRun, 0, len(runs))
	for _, r := range runs {
		previous = append(previous, summarize(r))
	}

	ic := model.InvestigationContext{
		PreviousRuns: previous,
		TotalRuns:    totalRuns,
		TotalCostUSD: totalCost,
	}
	if issue.PlanFeedback != nil {
		ic.PlanFeedback = *issue.PlanFeedback
	}
	return ic, nil
}

func summarize(r model.Run) model.PreviousRun {
	p := model.PreviousRun{
		RunNumber:    r.AttemptNumber,
		WorkflowType: r.WorkflowType,
		FilesChanged: r.FilesChanged,
		PRNumber:     r.PRNumber,
		PRMerged:     r.PRMerged,
	}
	if r.Outcome != nil {
		p.Outcome = *r.Outcome
	} else if r.Status == model.RunStatusCancelled {
		p.Outcome = model.RunOutcome(model.RunStatusCancelled)
	}
	if r.OutcomeSummary != nil {
		p.OutcomeSummary = *r.OutcomeSummary
	}
	if r.PRStatus != nil {
		p.PRStatus = *r.PRStatus
	}
	if r.CostUSD != nil {
		p.CostUSD = *r.CostUSD
	}
	if r.NumTurns != nil {
		p.NumTurns = *r.NumTurns
	}
	if r.CompletedAt != nil {
		p.Date = *r.CompletedAt
	} else {
		p.Date = r.CreatedAt
	}
	return p
}
