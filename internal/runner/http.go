package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// HTTPRunner dispatches runs by POSTing a workflow-dispatch request to the
// configured CI endpoint (a GitHub Actions workflow_dispatch URL in
// production, anything speaking the same shape elsewhere).
type HTTPRunner struct {
	dispatchURL string
	apiToken    string
	client      *http.Client
	logger      *slog.Logger
}

// NewHTTPRunner creates an HTTPRunner. client may be nil for a default with
// a 30s timeout; the dispatch call is the only blocking I/O the core does
// besides the store.
func NewHTTPRunner(dispatchURL, apiToken string, client *http.Client, logger *slog.Logger) *HTTPRunner {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPRunner{
		dispatchURL: dispatchURL,
		apiToken:    apiToken,
		client:      client,
		logger:      logger,
	}
}

type dispatchBody struct {
	Ref    string       `json:"ref"`
	Inputs LaunchParams `json:"inputs"`
}

// Dispatch triggers the external workflow. Any non-2xx response or transport
// failure is a dispatch fault; the caller rolls the spawn back.
func (r *HTTPRunner) Dispatch(ctx context.Context, params LaunchParams) error {
	body, err := json.Marshal(dispatchBody{Ref: "main", Inputs: params})
	if err != nil {
		return fmt.Errorf("runner: marshal dispatch: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.dispatchURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("runner: build dispatch request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/vnd.github+json")
	if r.apiToken != "" {
		req.Header.Set("Authorization", "Bearer "+r.apiToken)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("runner: dispatch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("runner: dispatch rejected: status %d: %s", resp.StatusCode, snippet)
	}

	r.logger.Info("workflow dispatched",
		"run_id", params.RunID,
		"issue_id", params.IssueID,
		"workflow_type", params.WorkflowType)
	return nil
}

// Cancel posts a best-effort cancellation signal. Errors are logged, not
// returned as failures: the run record is already cancelled and the terminal
// guard discards any late callback.
func (r *HTTPRunner) Cancel(ctx context.Context, runID uuid.UUID) error {
	url := fmt.Sprintf("%s/cancel/%s", r.dispatchURL, runID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return fmt.Errorf("runner: build cancel request: %w", err)
	}
	if r.apiToken != "" {
		req.Header.Set("Authorization", "Bearer "+r.apiToken)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		r.logger.Warn("runner cancel signal failed", "run_id", runID, "error", err)
		return nil
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		r.logger.Warn("runner cancel signal rejected", "run_id", runID, "status", resp.StatusCode)
	}
	return nil
}
