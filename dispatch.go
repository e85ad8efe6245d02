// Package dispatch is the public API for embedding the agent run dispatcher.
//
// Consumers import this package to construct and extend the service without
// forking it:
//
//	app, err := dispatch.New(
//	    dispatch.WithVersion(version),
//	    dispatch.WithLogger(logger),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The import graph enforces a strict no-cycle rule: dispatch (root) imports
// internal/*, but internal/* never imports dispatch (root). Public types
// (Runner, LaunchParams) are standalone with no internal imports; the
// adapters live here because this is the only file that sees both sides of
// the boundary.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/chipp-ai/dispatch/api"
	"github.com/chipp-ai/dispatch/internal/admission"
	"github.com/chipp-ai/dispatch/internal/config"
	"github.com/chipp-ai/dispatch/internal/history"
	"github.com/chipp-ai/dispatch/internal/orchestrator"
	"github.com/chipp-ai/dispatch/internal/ratelimit"
	"github.com/chipp-ai/dispatch/internal/runner"
	"github.com/chipp-ai/dispatch/internal/server"
	"github.com/chipp-ai/dispatch/internal/storage"
	"github.com/chipp-ai/dispatch/internal/telemetry"
	"github.com/chipp-ai/dispatch/migrations"
)

// Idempotency record retention. Completed records are kept long enough to
// absorb client retries across a deploy; abandoned in-progress records are
// cleared faster so a crashed request does not block its key for a day.
const (
	idempotencyCompletedTTL  = 24 * time.Hour
	idempotencyAbandonedTTL  = time.Hour
	idempotencyCleanupPeriod = time.Hour
)

// App is the dispatcher service lifecycle. Construct with New(), run with
// Run(). App has no public fields — use New() options to configure it.
type App struct {
	cfg          config.Config
	db           *storage.DB
	srv          *server.Server
	broker       *server.Broker
	limiter      ratelimit.Limiter
	otelShutdown func(context.Context) error
	logger       *slog.Logger
	version      string
}

// New initialises the dispatcher. It connects to the database, runs
// migrations, wires all subsystems, and returns a ready-to-run App.
// It does NOT start any goroutines or accept HTTP connections — call Run().
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	if o.notifyURL != "" {
		cfg.NotifyURL = o.notifyURL
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("dispatch starting", "version", version, "port", cfg.Port)

	otelShutdown, err := telemetry.Init(context.Background(), cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	db, err := storage.New(context.Background(), cfg.DatabaseURL, cfg.NotifyURL, logger)
	if err != nil {
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("storage: %w", err)
	}
	db.RegisterPoolMetrics()

	if err := db.RunMigrations(context.Background(), migrations.FS); err != nil {
		db.Close(context.Background())
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("migrations: %w", err)
	}

	// Admission controller with runtime-mutable kill switch.
	limits := admission.LimitsFromConfig(cfg)
	adm := admission.New(db, limits, logger)

	// Context accumulator.
	hist := history.New(db, cfg.ContextRunLimit)

	// Callback token minting.
	tokens := runner.NewTokenMinter(cfg.RunTokenSecret, cfg.RunTokenTTL)

	// External runner — option override takes priority over the HTTP default.
	var rn runner.Runner
	if o.runner != nil {
		rn = &runnerAdapter{r: o.runner}
	} else {
		rn = runner.NewHTTPRunner(cfg.RunnerDispatchURL, cfg.RunnerAPIToken, nil, logger)
	}

	orch := orchestrator.New(db, adm, hist, rn, tokens, orchestrator.Config{
		PerRunBudgetUSD: cfg.PerRunBudgetUSD,
		CallbackBaseURL: cfg.CallbackBaseURL,
	}, logger)

	// SSE broker (requires a direct LISTEN/NOTIFY connection).
	var broker *server.Broker
	if db.HasNotifyConn() {
		broker = server.NewBroker(db, cfg.EventBufferSize, logger)
	} else {
		logger.Info("SSE broker: disabled (no notify connection)")
	}

	var limiter ratelimit.Limiter
	if cfg.RateLimitEnabled {
		mem := ratelimit.NewMemoryLimiter(ratelimit.Rule{
			PerSecond: cfg.RateLimitRPS,
			Burst:     cfg.RateLimitBurst,
		})
		// Runner callbacks stream event batches at machine pace; keyed per
		// run they get headroom over the human-facing default.
		mem.SetRule("callback", ratelimit.Rule{
			PerSecond: cfg.RateLimitRPS * 10,
			Burst:     cfg.RateLimitBurst * 5,
		})
		limiter = mem
		logger.Info("rate limiting: memory (in-process token bucket)",
			"rps", cfg.RateLimitRPS, "burst", cfg.RateLimitBurst)
	} else {
		limiter = ratelimit.NoopLimiter{}
		logger.Info("rate limiting: disabled")
	}

	srv := server.New(server.ServerConfig{
		DB:                  db,
		Orchestrator:        orch,
		RunTokens:           tokens,
		Logger:              logger,
		Broker:              broker,
		Limiter:             limiter,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		AdminToken:          cfg.AdminToken,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		OpenAPISpec:         api.OpenAPISpec,
	})

	return &App{
		cfg:          cfg,
		db:           db,
		srv:          srv,
		broker:       broker,
		limiter:      limiter,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

// Run starts the broker, background loops, and the HTTP server, then blocks
// until ctx is cancelled or a fatal server error occurs. Shutdown happens on
// return — callers should not call anything afterwards.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	if a.broker != nil {
		g.Go(func() error {
			a.broker.Start(gctx)
			return nil
		})
	}
	g.Go(func() error {
		a.idempotencyCleanupLoop(gctx)
		return nil
	})
	g.Go(func() error {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return a.srv.Shutdown(shutCtx)
	})

	err := g.Wait()

	_ = a.limiter.Close()
	_ = a.otelShutdown(context.Background())
	a.db.Close(context.Background())

	a.logger.Info("dispatch stopped")
	return err
}

func (a *App) idempotencyCleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(idempotencyCleanupPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			opCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			deleted, err := a.db.CleanupIdempotencyKeys(opCtx, idempotencyCompletedTTL, idempotencyAbandonedTTL)
			cancel()
			if err != nil {
				a.logger.Warn("idempotency cleanup failed", "error", err)
				continue
			}
			if deleted > 0 {
				a.logger.Info("idempotency cleanup deleted rows", "deleted", deleted)
			}
		}
	}
}

// ── Adapters (defined here because this file imports both sides) ─────────────

// runnerAdapter wraps a public dispatch.Runner to satisfy the internal
// runner.Runner interface, converting launch parameters at the boundary.
type runnerAdapter struct {
	r Runner
}

func (a *runnerAdapter) Dispatch(ctx context.Context, params runner.LaunchParams) error {
	contextJSON, err := json.Marshal(params.Context)
	if err != nil {
		return fmt.Errorf("marshal run context: %w", err)
	}
	return a.r.Dispatch(ctx, LaunchParams{
		RunID:            params.RunID,
		IssueID:          params.IssueID,
		WorkflowType:     string(params.WorkflowType),
		AttemptNumber:    params.AttemptNumber,
		IssueTitle:       params.IssueTitle,
		IssueDescription: params.IssueDescription,
		ContextJSON:      contextJSON,
		MaxBudgetUSD:     params.MaxBudgetUSD,
		CallbackURL:      params.CallbackURL,
		CallbackToken:    params.CallbackToken,
	})
}

func (a *runnerAdapter) Cancel(ctx context.Context, runID uuid.UUID) error {
	return a.r.Cancel(ctx, runID)
}
