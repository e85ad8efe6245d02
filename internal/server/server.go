// Package server implements the HTTP API for the dispatch service.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/chipp-ai/dispatch/internal/orchestrator"
	"github.com/chipp-ai/dispatch/internal/ratelimit"
	"github.com/chipp-ai/dispatch/internal/runner"
	"github.com/chipp-ai/dispatch/internal/storage"
)

// Server is the dispatch HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// ServerConfig holds all dependencies and configuration for creating a Server.
// Optional (nil-safe): Broker, Limiter.
type ServerConfig struct {
	// Required dependencies.
	DB           *storage.DB
	Orchestrator *orchestrator.Service
	RunTokens    *runner.TokenMinter
	Logger       *slog.Logger

	// Optional dependencies (nil = disabled).
	Broker  *Broker
	Limiter ratelimit.Limiter

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	AdminToken          string
	MaxRequestBodyBytes int64
	OpenAPISpec         []byte
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		DB:                  cfg.DB,
		Orchestrator:        cfg.Orchestrator,
		Broker:              cfg.Broker,
		RunTokens:           cfg.RunTokens,
		AdminToken:          cfg.AdminToken,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		OpenAPISpec:         cfg.OpenAPISpec,
	})

	reqIDFunc := func(r *http.Request) string {
		return RequestIDFromContext(r.Context())
	}

	// Rate limit rules. Spawn and plan are keyed by issue so one noisy
	// issue cannot starve the rest; the runner callback path is keyed by
	// run; reads are keyed by client IP.
	spawnRL := ratelimit.Middleware(cfg.Limiter, "spawn", pathKeyFunc("issue_id"), reqIDFunc)
	callbackRL := ratelimit.Middleware(cfg.Limiter, "callback", pathKeyFunc("run_id"), reqIDFunc)
	queryRL := ratelimit.Middleware(cfg.Limiter, "query", ratelimit.IPKeyFunc, reqIDFunc)

	mux := http.NewServeMux()

	// Issue lifecycle.
	mux.Handle("POST /v1/issues/{issue_id}/spawn", spawnRL(http.HandlerFunc(h.HandleSpawn)))
	mux.Handle("POST /v1/issues/{issue_id}/spawn/cancel", spawnRL(http.HandlerFunc(h.HandleCancelSpawn)))
	mux.Handle("POST /v1/issues/{issue_id}/plan", spawnRL(http.HandlerFunc(h.HandlePlanReview)))

	// Issue reads. The SSE stream skips rate limiting — long-lived connection.
	mux.Handle("GET /v1/issues/{issue_id}/activity/stream", http.HandlerFunc(h.HandleActivityStream))
	mux.Handle("GET /v1/issues/{issue_id}/context", queryRL(http.HandlerFunc(h.HandleInvestigationContext)))
	mux.Handle("GET /v1/issues/{issue_id}/runs", queryRL(http.HandlerFunc(h.HandleListRuns)))

	// Runner-facing callbacks (Bearer run token, verified in the handlers).
	mux.Handle("POST /v1/runs/{run_id}/events", callbackRL(http.HandlerFunc(h.HandleIngestEvents)))
	mux.Handle("POST /v1/runs/{run_id}/result", callbackRL(http.HandlerFunc(h.HandleRunResult)))
	mux.Handle("GET /v1/runs/{run_id}/events", queryRL(http.HandlerFunc(h.HandleListRunEvents)))

	// Operator endpoints (admin token).
	mux.Handle("GET /v1/admission/status", http.HandlerFunc(h.HandleAdmissionStatus))
	mux.Handle("POST /v1/admission/kill", http.HandlerFunc(h.HandleKillSwitch))

	// Health and API docs (no auth, no rate limit).
	mux.HandleFunc("GET /health", h.HandleHealth)
	mux.HandleFunc("GET /openapi.yaml", h.HandleOpenAPISpec)

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
}

// pathKeyFunc rate-limits by a path parameter value.
func pathKeyFunc(param string) ratelimit.KeyFunc {
	return func(r *http.Request) string {
		return r.PathValue(param)
	}
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
