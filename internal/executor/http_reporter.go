package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/agor-dev/agor/internal/tool"
)

// HTTPReporter is the Reporter/PermissionReporter the executor uses once it
// has a live daemon to call back into: every progress event and the
// permission round trip go over the payload's own DaemonURL, authenticated
// with the payload's SessionToken as a bearer token — the executor carries
// no long-lived credential of its own, only the one-shot token C7 minted
// for this Task.
type HTTPReporter struct {
	daemonURL    string
	sessionToken string
	taskID       string
	client       *http.Client
}

func NewHTTPReporter(daemonURL, sessionToken, taskID string) *HTTPReporter {
	return &HTTPReporter{
		daemonURL:    daemonURL,
		sessionToken: sessionToken,
		taskID:       taskID,
		client:       &http.Client{Timeout: 10 * time.Second},
	}
}

func (r *HTTPReporter) ReportProgress(ctx context.Context, event string, payload any) error {
	body, err := json.Marshal(map[string]any{
		"taskId":  r.taskID,
		"event":   event,
		"payload": payload,
	})
	if err != nil {
		return fmt.Errorf("executor: encode progress report: %w", err)
	}
	resp, err := r.post(ctx, "/internal/executor/progress", body, r.client)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("executor: progress report rejected: %s", resp.Status)
	}
	return nil
}

// RequestPermission blocks for as long as the daemon's own permission
// route blocks (itself waiting on a human decision via
// internal/session.PermissionBroker), so it uses a context-scoped client
// with no fixed timeout rather than r.client's short one.
func (r *HTTPReporter) RequestPermission(ctx context.Context, taskID string, req tool.PermissionRequest) (tool.PermissionDecision, error) {
	body, err := json.Marshal(map[string]any{
		"taskId":   taskID,
		"toolName": req.ToolName,
		"input":    req.Input,
	})
	if err != nil {
		return tool.PermissionDecision{}, fmt.Errorf("executor: encode permission request: %w", err)
	}

	longLived := &http.Client{}
	resp, err := r.post(ctx, "/internal/executor/permission-request", body, longLived)
	if err != nil {
		return tool.PermissionDecision{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return tool.PermissionDecision{}, fmt.Errorf("executor: permission request rejected: %s", resp.Status)
	}

	var decision tool.PermissionDecision
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return tool.PermissionDecision{}, fmt.Errorf("executor: read permission decision: %w", err)
	}
	if err := json.Unmarshal(data, &decision); err != nil {
		return tool.PermissionDecision{}, fmt.Errorf("executor: decode permission decision: %w", err)
	}
	return decision, nil
}

func (r *HTTPReporter) post(ctx context.Context, path string, body []byte, client *http.Client) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.daemonURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("executor: build request for %s: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+r.sessionToken)
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("executor: call %s: %w", path, err)
	}
	return resp, nil
}
