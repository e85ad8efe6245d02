package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chipp-ai/dispatch/api"
	"github.com/chipp-ai/dispatch/internal/admission"
	"github.com/chipp-ai/dispatch/internal/config"
	"github.com/chipp-ai/dispatch/internal/history"
	"github.com/chipp-ai/dispatch/internal/model"
	"github.com/chipp-ai/dispatch/internal/orchestrator"
	"github.com/chipp-ai/dispatch/internal/ratelimit"
	"github.com/chipp-ai/dispatch/internal/runner"
	"github.com/chipp-ai/dispatch/internal/server"
	"github.com/chipp-ai/dispatch/internal/storage"
	"github.com/chipp-ai/dispatch/internal/testutil"
)

const testAdminToken = "test-admin-token"

var (
	testDB      *storage.DB
	testRunner  *stubRunner
	testTokens  *runner.TokenMinter
	testBroker  *server.Broker
	testHandler http.Handler
)

// stubRunner accepts every dispatch and counts them.
type stubRunner struct {
	mu         sync.Mutex
	dispatches int
}

func (s *stubRunner) Dispatch(_ context.Context, _ runner.LaunchParams) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dispatches++
	return nil
}

func (s *stubRunner) Cancel(_ context.Context, _ uuid.UUID) error { return nil }

func (s *stubRunner) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dispatches
}

func TestMain(m *testing.M) {
	ctx, cancel := context.WithCancel(context.Background())

	tc := testutil.MustStartPostgres()
	logger := testutil.TestLogger()

	var err error
	testDB, err = tc.NewTestDB(ctx, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "test db: %v\n", err)
		tc.Terminate()
		os.Exit(1)
	}

	// Limits high enough that unrelated tests never trip a gate.
	limits := admission.NewRuntimeLimits(admission.Limits{
		ConcurrencyLimit:  100,
		ConcurrencyScope:  config.ScopeGlobal,
		DailySpawnLimit:   10000,
		DailyCostLimitUSD: 1000000,
	})
	adm := admission.New(testDB, limits, logger)
	hist := history.New(testDB, 5)
	testTokens = runner.NewTokenMinter("server-test-secret", time.Hour)
	testRunner = &stubRunner{}
	orch := orchestrator.New(testDB, adm, hist, testRunner, testTokens, orchestrator.Config{
		PerRunBudgetUSD: 10,
		CallbackBaseURL: "http://dispatch.test",
	}, logger)

	testBroker = server.NewBroker(testDB, 8, logger)
	go testBroker.Start(ctx)

	srv := server.New(server.ServerConfig{
		DB:                  testDB,
		Orchestrator:        orch,
		RunTokens:           testTokens,
		Logger:              logger,
		Broker:              testBroker,
		Limiter:             ratelimit.NoopLimiter{},
		Port:                0,
		Version:             "test",
		AdminToken:          testAdminToken,
		MaxRequestBodyBytes: 1 << 20,
		OpenAPISpec:         api.OpenAPISpec,
	})
	testHandler = srv.Handler()

	code := m.Run()
	cancel()
	testDB.Close(context.Background())
	tc.Terminate()
	os.Exit(code)
}

type apiEnvelope struct {
	Data  json.RawMessage `json:"data"`
	Error *struct {
		Code    string          `json:"code"`
		Message string          `json:"message"`
		Details json.RawMessage `json:"details"`
	} `json:"error"`
}

func doRequest(t *testing.T, method, path string, body any, headers map[string]string) (*httptest.ResponseRecorder, apiEnvelope) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	testHandler.ServeHTTP(rec, req)

	var env apiEnvelope
	if rec.Body.Len() > 0 {
		_ = json.Unmarshal(rec.Body.Bytes(), &env)
	}
	return rec, env
}

func mustCreateIssue(t *testing.T) model.Issue {
	t.Helper()
	issue, err := testDB.CreateIssue(context.Background(), "search results missing recent items", "")
	require.NoError(t, err)
	return issue
}

func spawnViaAPI(t *testing.T, issueID uuid.UUID, wt model.WorkflowType) model.SpawnResponse {
	t.Helper()
	rec, env := doRequest(t, http.MethodPost, "/v1/issues/"+issueID.String()+"/spawn",
		model.SpawnRequest{WorkflowType: wt}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp model.SpawnResponse
	require.NoError(t, json.Unmarshal(env.Data, &resp))
	return resp
}

func settleViaAPI(t *testing.T, runID uuid.UUID, req model.RunResultRequest) {
	t.Helper()
	token, err := testTokens.Mint(runID)
	require.NoError(t, err)
	rec, _ := doRequest(t, http.MethodPost, "/v1/runs/"+runID.String()+"/result", req,
		map[string]string{"Authorization": "Bearer " + token})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestHealth(t *testing.T) {
	rec, env := doRequest(t, http.MethodGet, "/health", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(env.Data, &resp))
	assert.Equal(t, "healthy", resp["status"])
	assert.Equal(t, "connected", resp["postgres"])
	assert.Equal(t, "running", resp["sse_broker"])
}

func TestOpenAPISpec(t *testing.T) {
	rec, _ := doRequest(t, http.MethodGet, "/openapi.yaml", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/yaml", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "openapi: 3.1.0")
}

func TestSpawnLifecycle(t *testing.T) {
	issue := mustCreateIssue(t)

	resp := spawnViaAPI(t, issue.ID, model.WorkflowInvestigate)
	assert.Equal(t, 1, resp.AttemptNumber)
	assert.Equal(t, model.WorkflowInvestigate, resp.WorkflowType)

	run, err := testDB.GetRun(context.Background(), resp.RunID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusRunning, run.Status)

	got, err := testDB.GetIssue(context.Background(), issue.ID)
	require.NoError(t, err)
	assert.Equal(t, model.AgentStatusInvestigating, got.AgentStatus)

	// Second spawn while running is denied with the structured reason.
	rec, env := doRequest(t, http.MethodPost, "/v1/issues/"+issue.ID.String()+"/spawn",
		model.SpawnRequest{WorkflowType: model.WorkflowInvestigate}, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)
	require.NotNil(t, env.Error)
	assert.Equal(t, "SPAWN_DENIED", env.Error.Code)
	var deny model.DenyResponse
	require.NoError(t, json.Unmarshal(env.Error.Details, &deny))
	assert.Equal(t, model.DenyAlreadyRunning, deny.Reason)
}

func TestSpawnValidation(t *testing.T) {
	issue := mustCreateIssue(t)

	rec, _ := doRequest(t, http.MethodPost, "/v1/issues/"+issue.ID.String()+"/spawn",
		map[string]string{"workflow_type": "deploy"}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = doRequest(t, http.MethodPost, "/v1/issues/not-a-uuid/spawn",
		model.SpawnRequest{WorkflowType: model.WorkflowInvestigate}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = doRequest(t, http.MethodPost, "/v1/issues/"+uuid.NewString()+"/spawn",
		model.SpawnRequest{WorkflowType: model.WorkflowInvestigate}, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSpawnIdempotencyReplay(t *testing.T) {
	issue := mustCreateIssue(t)
	key := uuid.NewString()
	headers := map[string]string{"Idempotency-Key": key}
	body := model.SpawnRequest{WorkflowType: model.WorkflowInvestigate}
	path := "/v1/issues/" + issue.ID.String() + "/spawn"

	rec, env := doRequest(t, http.MethodPost, path, body, headers)
	require.Equal(t, http.StatusOK, rec.Code)
	var first model.SpawnResponse
	require.NoError(t, json.Unmarshal(env.Data, &first))
	dispatchesAfterFirst := testRunner.count()

	// Retry with the same key replays the stored response without a second
	// dispatch, even though the issue is now running.
	rec, env = doRequest(t, http.MethodPost, path, body, headers)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var second model.SpawnResponse
	require.NoError(t, json.Unmarshal(env.Data, &second))
	assert.Equal(t, first.RunID, second.RunID)
	assert.Equal(t, dispatchesAfterFirst, testRunner.count())

	// Same key with a different payload is a conflict.
	rec, _ = doRequest(t, http.MethodPost, path,
		model.SpawnRequest{WorkflowType: model.WorkflowTriage}, headers)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestCancelSpawn(t *testing.T) {
	issue := mustCreateIssue(t)
	resp := spawnViaAPI(t, issue.ID, model.WorkflowInvestigate)

	rec, env := doRequest(t, http.MethodPost, "/v1/issues/"+issue.ID.String()+"/spawn/cancel", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var cancelResp model.CancelResponse
	require.NoError(t, json.Unmarshal(env.Data, &cancelResp))
	assert.Equal(t, resp.RunID, cancelResp.RunID)

	rec, env = doRequest(t, http.MethodPost, "/v1/issues/"+issue.ID.String()+"/spawn/cancel", nil, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	require.NotNil(t, env.Error)
	assert.Equal(t, "CONFLICT", env.Error.Code)
}

func TestRunResultCallback(t *testing.T) {
	issue := mustCreateIssue(t)
	resp := spawnViaAPI(t, issue.ID, model.WorkflowInvestigate)
	token, err := testTokens.Mint(resp.RunID)
	require.NoError(t, err)
	path := "/v1/runs/" + resp.RunID.String() + "/result"
	auth := map[string]string{"Authorization": "Bearer " + token}

	rec, env := doRequest(t, http.MethodPost, path, model.RunResultRequest{
		Outcome: model.OutcomeCompleted,
		CostUSD: 2.50,
	}, auth)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var result map[string]any
	require.NoError(t, json.Unmarshal(env.Data, &result))
	assert.Equal(t, "completed", result["run_status"])
	assert.Equal(t, "idle", result["agent_status"])

	// Duplicate callback is a success no-op.
	rec, env = doRequest(t, http.MethodPost, path, model.RunResultRequest{
		Outcome: model.OutcomeCompleted,
		CostUSD: 2.50,
	}, auth)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(env.Data, &result))
	assert.Equal(t, "already_settled", result["status"])
}

func TestRunCallbackAuth(t *testing.T) {
	issue := mustCreateIssue(t)
	resp := spawnViaAPI(t, issue.ID, model.WorkflowInvestigate)
	path := "/v1/runs/" + resp.RunID.String() + "/result"
	body := model.RunResultRequest{Outcome: model.OutcomeCompleted}

	rec, _ := doRequest(t, http.MethodPost, path, body, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "missing token")

	rec, _ = doRequest(t, http.MethodPost, path, body,
		map[string]string{"Authorization": "Bearer bogus"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "garbage token")

	otherToken, err := testTokens.Mint(uuid.New())
	require.NoError(t, err)
	rec, env := doRequest(t, http.MethodPost, path, body,
		map[string]string{"Authorization": "Bearer " + otherToken})
	assert.Equal(t, http.StatusForbidden, rec.Code, "token scoped to a different run")
	require.NotNil(t, env.Error)
	assert.Equal(t, "FORBIDDEN", env.Error.Code)
}

func TestIngestAndListEvents(t *testing.T) {
	issue := mustCreateIssue(t)
	resp := spawnViaAPI(t, issue.ID, model.WorkflowInvestigate)
	token, err := testTokens.Mint(resp.RunID)
	require.NoError(t, err)
	auth := map[string]string{"Authorization": "Bearer " + token}
	eventsPath := "/v1/runs/" + resp.RunID.String() + "/events"

	rec, env := doRequest(t, http.MethodPost, eventsPath, model.IngestEventsRequest{
		Events: []model.EventInput{
			{Type: model.EventActivity, Data: json.RawMessage(`{"step":"reproducing"}`)},
			{Type: model.EventTerminalOutput, Data: json.RawMessage(`{"line":"make test"}`)},
		},
	}, auth)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var ingest map[string]any
	require.NoError(t, json.Unmarshal(env.Data, &ingest))
	assert.EqualValues(t, 2, ingest["accepted"])
	assert.EqualValues(t, 2, ingest["last_seq"])

	// Reserved and empty batches are rejected.
	rec, _ = doRequest(t, http.MethodPost, eventsPath, model.IngestEventsRequest{
		Events: []model.EventInput{{Type: model.EventStatusUpdate, Data: json.RawMessage(`{}`)}},
	}, auth)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec, _ = doRequest(t, http.MethodPost, eventsPath, model.IngestEventsRequest{}, auth)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Backfill read needs no run token.
	rec, env = doRequest(t, http.MethodGet, eventsPath+"?after_seq=1", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var listed struct {
		Events []model.RunEvent `json:"events"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &listed))
	require.Len(t, listed.Events, 1)
	assert.EqualValues(t, 2, listed.Events[0].Seq)
}

func TestPlanReviewFlow(t *testing.T) {
	issue := mustCreateIssue(t)
	resp := spawnViaAPI(t, issue.ID, model.WorkflowInvestigate)
	settleViaAPI(t, resp.RunID, model.RunResultRequest{
		Outcome:      model.OutcomeInvestigationComplete,
		PlanProposed: true,
		CostUSD:      1.00,
	})
	planPath := "/v1/issues/" + issue.ID.String() + "/plan"

	// Reject without feedback is invalid.
	rec, _ := doRequest(t, http.MethodPost, planPath,
		model.PlanReviewRequest{Action: model.PlanActionReject}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, env := doRequest(t, http.MethodPost, planPath, model.PlanReviewRequest{
		Action:   model.PlanActionReject,
		Feedback: "plan ignores the cache invalidation path",
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var review model.PlanReviewResponse
	require.NoError(t, json.Unmarshal(env.Data, &review))
	assert.Equal(t, model.PlanStatusNeedsRevision, review.PlanStatus)

	// The feedback reaches the next run's context.
	rec, env = doRequest(t, http.MethodGet, "/v1/issues/"+issue.ID.String()+"/context", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var invCtx model.InvestigationContext
	require.NoError(t, json.Unmarshal(env.Data, &invCtx))
	assert.Equal(t, "plan ignores the cache invalidation path", invCtx.PlanFeedback)

	// No plan awaiting review anymore.
	rec, _ = doRequest(t, http.MethodPost, planPath,
		model.PlanReviewRequest{Action: model.PlanActionApprove}, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestPlanApproveAutoSpawn(t *testing.T) {
	issue := mustCreateIssue(t)
	resp := spawnViaAPI(t, issue.ID, model.WorkflowInvestigate)
	settleViaAPI(t, resp.RunID, model.RunResultRequest{
		Outcome:      model.OutcomeInvestigationComplete,
		PlanProposed: true,
		CostUSD:      1.00,
	})

	rec, env := doRequest(t, http.MethodPost, "/v1/issues/"+issue.ID.String()+"/plan",
		model.PlanReviewRequest{Action: model.PlanActionApprove, AutoSpawn: true}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var review model.PlanReviewResponse
	require.NoError(t, json.Unmarshal(env.Data, &review))
	require.NotNil(t, review.Spawn)
	assert.Equal(t, model.WorkflowImplement, review.Spawn.WorkflowType)

	got, err := testDB.GetIssue(context.Background(), issue.ID)
	require.NoError(t, err)
	assert.Equal(t, model.AgentStatusImplementing, got.AgentStatus)
	assert.Equal(t, model.PlanStatusNone, got.PlanStatus, "approved plan consumed by the spawn")
}

func TestListRuns(t *testing.T) {
	issue := mustCreateIssue(t)
	resp := spawnViaAPI(t, issue.ID, model.WorkflowInvestigate)
	settleViaAPI(t, resp.RunID, model.RunResultRequest{Outcome: model.OutcomeCompleted, CostUSD: 0.50})

	rec, env := doRequest(t, http.MethodGet, "/v1/issues/"+issue.ID.String()+"/runs", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var listed struct {
		Runs []model.Run `json:"runs"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &listed))
	require.Len(t, listed.Runs, 1)
	assert.Equal(t, resp.RunID, listed.Runs[0].ID)

	rec, _ = doRequest(t, http.MethodGet, "/v1/issues/"+uuid.NewString()+"/runs", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdminEndpoints(t *testing.T) {
	rec, _ := doRequest(t, http.MethodGet, "/v1/admission/status", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "admin endpoints require the operator token")

	auth := map[string]string{"Authorization": "Bearer " + testAdminToken}
	rec, env := doRequest(t, http.MethodGet, "/v1/admission/status", nil, auth)
	require.Equal(t, http.StatusOK, rec.Code)
	var status model.AdmissionStatus
	require.NoError(t, json.Unmarshal(env.Data, &status))
	assert.False(t, status.KillSwitch)
	assert.Equal(t, 100, status.ConcurrencyMax)

	// Kill switch blocks spawns until released.
	rec, _ = doRequest(t, http.MethodPost, "/v1/admission/kill",
		model.KillSwitchRequest{Enabled: true}, auth)
	require.Equal(t, http.StatusOK, rec.Code)
	defer func() {
		rec, _ := doRequest(t, http.MethodPost, "/v1/admission/kill",
			model.KillSwitchRequest{Enabled: false}, auth)
		require.Equal(t, http.StatusOK, rec.Code)
	}()

	issue := mustCreateIssue(t)
	rec, env = doRequest(t, http.MethodPost, "/v1/issues/"+issue.ID.String()+"/spawn",
		model.SpawnRequest{WorkflowType: model.WorkflowInvestigate}, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)
	var deny model.DenyResponse
	require.NotNil(t, env.Error)
	require.NoError(t, json.Unmarshal(env.Error.Details, &deny))
	assert.Equal(t, model.DenyKilled, deny.Reason)
}

func TestRequestIDPropagates(t *testing.T) {
	rec, _ := doRequest(t, http.MethodGet, "/health", nil, nil)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	var env struct {
		Meta model.ResponseMeta `json:"meta"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.Equal(t, rec.Header().Get("X-Request-ID"), env.Meta.RequestID)
}
