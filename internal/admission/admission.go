// Package admission decides whether a new agent run may be started.
//
// The controller is a pure read-and-decide gate: it never creates a Run or
// mutates any state, so a denied spawn cannot consume budget. Gates are
// evaluated in a fixed order — kill switch, concurrency, daily spawn count,
// daily cost ceiling — cheapest and most global first; the first failing
// gate wins and short-circuits the rest.
//
// The per-run dollar cap is NOT enforced here: the agent process terminates
// itself when it hits its cap. Admission only enforces the aggregate daily
// ceiling, which can lag actual spend (cost already incurred before the
// callback lands is invisible). That race is accepted, not prevented.
package admission

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/chipp-ai/dispatch/internal/config"
	"github.com/chipp-ai/dispatch/internal/model"
	"github.com/chipp-ai/dispatch/internal/storage"
	"github.com/chipp-ai/dispatch/internal/telemetry"
)

// GateReader is the read-only view of the run store and budget ledger the
// controller consults. *storage.DB satisfies it; tests use in-memory fakes.
type GateReader interface {
	CountRunningRuns(ctx context.Context, scope config.ConcurrencyScope, wt model.WorkflowType) (int, error)
	CountRunsCreatedSince(ctx context.Context, since time.Time) (int, error)
	SumCostForDay(ctx context.Context, scope string, day time.Time) (float64, error)
}

// Limits is the gate configuration snapshot read at evaluation time.
// Injected rather than global so the controller stays pure and testable.
type Limits struct {
	KillSwitch        bool
	ConcurrencyLimit  int
	ConcurrencyScope  config.ConcurrencyScope
	DailySpawnLimit   int
	DailyCostLimitUSD float64
}

// Decision is the outcome of a CanSpawn evaluation.
type Decision struct {
	Allowed bool
	Reason  model.DenyReason // set only when denied
}

// Allow is the admitted decision.
func Allow() Decision { return Decision{Allowed: true} }

// Deny is a denied decision with a structured reason.
func Deny(reason model.DenyReason) Decision { return Decision{Reason: reason} }

// Controller evaluates spawn requests against the configured gates.
type Controller struct {
	store  GateReader
	limits *RuntimeLimits
	logger *slog.Logger

	evaluations metric.Int64Counter
}

// New creates a Controller reading gate state from store and limits.
func New(store GateReader, limits *RuntimeLimits, logger *slog.Logger) *Controller {
	meter := telemetry.Meter("dispatch/admission")
	evals, _ := meter.Int64Counter("dispatch.admission.evaluations",
		metric.WithDescription("Spawn admission decisions by result and deny reason"),
	)
	return &Controller{
		store:       store,
		limits:      limits,
		logger:      logger,
		evaluations: evals,
	}
}

// CanSpawn evaluates the gates for one spawn request. It performs no writes.
// A non-nil error means a gate could not be evaluated (store failure), which
// is distinct from a deny.
func (c *Controller) CanSpawn(ctx context.Context, wt model.WorkflowType) (Decision, error) {
	lim := c.limits.Snapshot()

	decision, err := c.evaluate(ctx, wt, lim)
	if err != nil {
		return Decision{}, err
	}

	attrs := []attribute.KeyValue{attribute.Bool("allowed", decision.Allowed)}
	if !decision.Allowed {
		attrs = append(attrs, attribute.String("reason", string(decision.Reason)))
		c.logger.Info("spawn denied",
			"workflow_type", wt,
			"reason", decision.Reason)
	}
	c.evaluations.Add(ctx, 1, metric.WithAttributes(attrs...))
	return decision, nil
}

func (c *Controller) evaluate(ctx context.Context, wt model.WorkflowType, lim Limits) (Decision, error) {
	if lim.KillSwitch {
		return Deny(model.DenyKilled), nil
	}

	running, err := c.store.CountRunningRuns(ctx, lim.ConcurrencyScope, wt)
	if err != nil {
		return Decision{}, fmt.Errorf("admission: concurrency gate: %w", err)
	}
	if running >= lim.ConcurrencyLimit {
		return Deny(model.DenyConcurrencyLimit), nil
	}

	today := startOfToday()
	spawned, err := c.store.CountRunsCreatedSince(ctx, today)
	if err != nil {
		return Decision{}, fmt.Errorf("admission: daily spawn gate: %w", err)
	}
	if spawned >= lim.DailySpawnLimit {
		return Deny(model.DenyDailySpawnLimit), nil
	}

	spent, err := c.store.SumCostForDay(ctx, storage.LedgerScopeDefault, today)
	if err != nil {
		return Decision{}, fmt.Errorf("admission: daily cost gate: %w", err)
	}
	if spent >= lim.DailyCostLimitUSD {
		return Deny(model.DenyDailyCostLimit), nil
	}

	return Allow(), nil
}

// Status returns the operator-facing snapshot of all gate inputs.
func (c *Controller) Status(ctx context.Context) (model.AdmissionStatus, error) {
	lim := c.limits.Snapshot()
	today := startOfToday()

	running, err := c.store.CountRunningRuns(ctx, config.ScopeGlobal, "")
	if err != nil {
		return model.AdmissionStatus{}, fmt.Errorf("admission: status: %w", err)
	}
	spawned, err := c.store.CountRunsCreatedSince(ctx, today)
	if err != nil {
		return model.AdmissionStatus{}, fmt.Errorf("admission: status: %w", err)
	}
	spent, err := c.store.SumCostForDay(ctx, storage.LedgerScopeDefault, today)
	if err != nil {
		return model.AdmissionStatus{}, fmt.Errorf("admission: status: %w", err)
	}

	return model.AdmissionStatus{
		KillSwitch:      lim.KillSwitch,
		RunningCount:    running,
		SpawnsToday:     spawned,
		CostTodayUSD:    spent,
		ConcurrencyMax:  lim.ConcurrencyLimit,
		DailySpawnMax:   lim.DailySpawnLimit,
		DailyCostMaxUSD: lim.DailyCostLimitUSD,
	}, nil
}

// SetKillSwitch flips the process-wide kill switch at runtime.
func (c *Controller) SetKillSwitch(enabled bool) {
	c.limits.SetKillSwitch(enabled)
	c.logger.Warn("kill switch changed", "enabled", enabled)
}

func startOfToday() time.Time {
	now := time.Now().UTC()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
}
