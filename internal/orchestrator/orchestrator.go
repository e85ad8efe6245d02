// Package orchestrator owns the issue agent lifecycle: admission-gated
// spawning, the plan-review workflow, cooperative cancellation, and
// settlement of terminal callbacks from the external runner.
//
// The run record is the source of truth for execution outcome; issue status
// columns are a projection written transactionally alongside run terminal
// writes (see storage.CompleteRun). This package sequences those operations
// and enforces the gates that are not expressible as SQL conditions.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/chipp-ai/dispatch/internal/admission"
	"github.com/chipp-ai/dispatch/internal/history"
	"github.com/chipp-ai/dispatch/internal/model"
	"github.com/chipp-ai/dispatch/internal/runner"
	"github.com/chipp-ai/dispatch/internal/storage"
	"github.com/chipp-ai/dispatch/internal/telemetry"
)

// Store is the storage surface the orchestrator writes through.
// *storage.DB satisfies it; unit tests substitute fakes.
type Store interface {
	GetIssue(ctx context.Context, id uuid.UUID) (model.Issue, error)
	ClaimIssueForSpawn(ctx context.Context, id uuid.UUID, running model.AgentStatus) (int, error)
	ReleaseSpawnClaim(ctx context.Context, id uuid.UUID) error
	ConsumePlan(ctx context.Context, id uuid.UUID) error
	SetPlanStatus(ctx context.Context, id uuid.UUID, status model.PlanStatus, feedback *string) error

	CreateRun(ctx context.Context, issueID uuid.UUID, wt model.WorkflowType, attempt int) (model.Run, error)
	GetRun(ctx context.Context, id uuid.UUID) (model.Run, error)
	MarkRunRunning(ctx context.Context, id uuid.UUID) error
	AbandonRun(ctx context.Context, id uuid.UUID, reason string) error
	CompleteRun(ctx context.Context, runID uuid.UUID, p storage.CompleteRunParams) (storage.RunCompletion, error)
	CancelActiveRun(ctx context.Context, issueID uuid.UUID) (storage.RunCompletion, error)
	ActiveRun(ctx context.Context, issueID uuid.UUID) (model.Run, error)
}

// DeniedError is a structured admission denial. Expected, user-visible,
// retryable later; handlers translate it to 403 with the stable reason code.
type DeniedError struct {
	Reason model.DenyReason
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("orchestrator: spawn denied: %s", e.Reason)
}

// DenyReasonOf extracts the deny reason when err is a DeniedError.
func DenyReasonOf(err error) (model.DenyReason, bool) {
	var denied *DeniedError
	if errors.As(err, &denied) {
		return denied.Reason, true
	}
	return "", false
}

// ErrNoPlanAwaitingReview is returned when a plan review action arrives for
// an issue whose plan is not awaiting review.
var ErrNoPlanAwaitingReview = errors.New("orchestrator: no plan awaiting review")

// Config holds the orchestrator's launch-parameter settings.
type Config struct {
	PerRunBudgetUSD float64
	CallbackBaseURL string
}

// Service coordinates admission, the issue state machine, context
// accumulation, and dispatch to the external runner.
type Service struct {
	store     Store
	admission *admission.Controller
	history   *history.Accumulator
	runner    runner.Runner
	tokens    *runner.TokenMinter
	cfg       Config
	logger    *slog.Logger

	spawns      metric.Int64Counter
	completions metric.Int64Counter
}

// New creates the orchestrator Service.
func New(store Store, adm *admission.Controller, hist *history.Accumulator, rn runner.Runner, tokens *runner.TokenMinter, cfg Config, logger *slog.Logger) *Service {
	meter := telemetry.Meter("dispatch/orchestrator")
	spawns, _ := meter.Int64Counter("dispatch.spawns",
		metric.WithDescription("Admitted spawns by workflow type"),
	)
	completions, _ := meter.Int64Counter("dispatch.run_completions",
		metric.WithDescription("Terminal run settlements by outcome"),
	)
	return &Service{
		store:       store,
		admission:   adm,
		history:     hist,
		runner:      rn,
		tokens:      tokens,
		cfg:         cfg,
		logger:      logger,
		spawns:      spawns,
		completions: completions,
	}
}

// Admission exposes the controller for operator endpoints.
func (s *Service) Admission() *admission.Controller {
	return s.admission
}

// InvestigationContext builds the context payload for an issue on demand.
func (s *Service) InvestigationContext(ctx context.Context, issueID uuid.UUID) (model.InvestigationContext, error) {
	issue, err := s.store.GetIssue(ctx, issueID)
	if err != nil {
		return model.InvestigationContext{}, err
	}
	return s.history.Build(ctx, issue)
}
