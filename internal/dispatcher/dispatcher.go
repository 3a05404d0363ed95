// Package dispatcher is the worker's HTTP client for the fishtest server
// API. Every call is a POST of a small JSON body and a JSON response; the
// presence of an "error" key in the response marks a semantic failure the
// caller must handle (bad credentials, stale version, blocked account),
// distinct from a transient network failure the client reports as a Go
// error. One shared resty client, a fixed timeout, JSON in and out.
package dispatcher

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/fishtest-worker/worker/internal/wtypes"
)

// Timeout bounds every API call.
const Timeout = 30 * time.Second

// Client talks to the fishtest dispatcher over HTTP.
type Client struct {
	http    *resty.Client
	baseURL string
}

// New builds a Client against baseURL (e.g. "https://tests.stockfishchess.org").
func New(baseURL string) *Client {
	http := resty.New().
		SetTimeout(Timeout).
		SetHeader("Content-Type", "application/json")
	return &Client{http: http, baseURL: baseURL}
}

// Response is the generic decoded JSON body of any dispatcher endpoint.
// Callers type-assert the fields they expect out of Raw.
type Response struct {
	Error string `json:"error"`
	Raw   map[string]any
}

// HasError reports whether the dispatcher returned a semantic error.
func (r Response) HasError() bool { return r.Error != "" }

// PostJSON implements the single operation every endpoint is built from:
// POST payload as JSON to <baseURL><endpoint>, decode the JSON response.
//
// Failure classes:
//   - transient network failure (timeout, DNS, connection reset): returned
//     as a *wtypes.WorkerError, retryable by the caller's backoff loop.
//   - dispatcher-level HTTP rejection (any 4xx/5xx status, whatever the
//     body holds): returned as a *wtypes.FatalError.
//   - semantic error (HTTP 200, body has "error"): not a Go error at all,
//     returned in Response.Error for the caller to interpret.
func (c *Client) PostJSON(ctx context.Context, endpoint string, payload any) (Response, error) {
	var raw map[string]any
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(payload).
		SetResult(&raw).
		ForceContentType("application/json").
		Post(c.baseURL + endpoint)
	if err != nil {
		return Response{}, wtypes.NewWorker("dispatcher: calling %s: %v", endpoint, err)
	}
	if resp.IsError() {
		return Response{}, wtypes.NewFatal("dispatcher: %s returned HTTP %d", endpoint, resp.StatusCode())
	}

	r := Response{Raw: raw}
	if e, ok := raw["error"]; ok {
		if s, ok := e.(string); ok {
			r.Error = s
		} else {
			r.Error = fmt.Sprintf("%v", e)
		}
	}
	return r, nil
}

// RequestVersion calls /api/request_version. reqVersion is the integer
// version the server requires workers to run; an error response means bad
// credentials or a blocked account.
func (c *Client) RequestVersion(ctx context.Context, workerInfo WorkerInfo, password string) (reqVersion int, resp Response, err error) {
	payload := map[string]any{
		"worker_info": map[string]any{"username": workerInfo.Username},
		"password":    password,
	}
	resp, err = c.PostJSON(ctx, "/api/request_version", payload)
	if err != nil || resp.HasError() {
		return 0, resp, err
	}
	v, _ := resp.Raw["version"].(float64)
	return int(v), resp, nil
}

// RequestTask calls /api/request_task. The three possible outcomes (a
// semantic error, no task available, or a task to run) are distinguished
// by the caller inspecting resp.HasError(), taskWaiting, and the raw
// "run"/"task_id" fields.
func (c *Client) RequestTask(ctx context.Context, workerInfo WorkerInfo, password string) (taskWaiting bool, resp Response, err error) {
	payload := map[string]any{"worker_info": workerInfo, "password": password}
	resp, err = c.PostJSON(ctx, "/api/request_task", payload)
	if err != nil || resp.HasError() {
		return false, resp, err
	}
	_, waiting := resp.Raw["task_waiting"]
	return waiting, resp, nil
}

// Beat calls /api/beat. taskAlive defaults to true when the field is
// absent from the response.
func (c *Client) Beat(ctx context.Context, uniqueKey, password, runID string, taskID int) (taskAlive bool, err error) {
	payload := map[string]any{
		"unique_key": uniqueKey,
		"password":   password,
		"run_id":     runID,
		"task_id":    taskID,
	}
	resp, err := c.PostJSON(ctx, "/api/beat", payload)
	if err != nil {
		return true, err
	}
	if resp.HasError() {
		return true, nil
	}
	if v, ok := resp.Raw["task_alive"].(bool); ok {
		return v, nil
	}
	return true, nil
}

// UpdateTask reports periodic match-runner progress.
func (c *Client) UpdateTask(ctx context.Context, payload map[string]any) (Response, error) {
	return c.PostJSON(ctx, "/api/update_task", payload)
}

// FailedTask reports a task-scoped failure.
func (c *Client) FailedTask(ctx context.Context, password, runID string, taskID int, message string, workerInfo WorkerInfo) (Response, error) {
	payload := map[string]any{
		"password":    password,
		"run_id":      runID,
		"task_id":     taskID,
		"message":     message,
		"worker_info": workerInfo,
	}
	return c.PostJSON(ctx, "/api/failed_task", payload)
}

// StopRun reports a run-scoped failure (both engines crashed, bad params).
func (c *Client) StopRun(ctx context.Context, password, runID string, taskID int, message string, workerInfo WorkerInfo) (Response, error) {
	payload := map[string]any{
		"password":    password,
		"run_id":      runID,
		"task_id":     taskID,
		"message":     message,
		"worker_info": workerInfo,
	}
	return c.PostJSON(ctx, "/api/stop_run", payload)
}

// UploadPGN posts a gzip+base64-encoded PGN body.
func (c *Client) UploadPGN(ctx context.Context, password, runID string, taskID int, pgnBase64 string, workerInfo WorkerInfo) (Response, error) {
	payload := map[string]any{
		"password":    password,
		"run_id":      runID,
		"task_id":     taskID,
		"pgn":         pgnBase64,
		"worker_info": workerInfo,
	}
	return c.PostJSON(ctx, "/api/upload_pgn", payload)
}

// RemoteManifestURL is where the canonical integrity manifest is published.
const RemoteManifestURL = "https://raw.githubusercontent.com/official-stockfish/fishtest/master/worker/sri.txt"

// FetchIntegrityManifest downloads and decodes the published integrity
// manifest JSON. A non-nil error here must be treated by the caller as
// integrity.RemoteUnknown and abort startup, not be silently skipped.
func (c *Client) FetchIntegrityManifest(ctx context.Context) (map[string]string, error) {
	var m map[string]string
	resp, err := c.http.R().SetContext(ctx).SetResult(&m).Get(RemoteManifestURL)
	if err != nil {
		return nil, fmt.Errorf("dispatcher: fetching integrity manifest: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("dispatcher: fetching integrity manifest: HTTP %d", resp.StatusCode())
	}
	return m, nil
}

// WorkerInfo is the worker_info object sent with every authenticated
// request. The python_version field name is kept for wire compatibility
// with the server; this worker reports its own runtime triple there
// instead.
type WorkerInfo struct {
	UniqueKey          string `json:"unique_key"`
	Username           string `json:"username"`
	Version            int    `json:"version"`
	Uname              string `json:"uname"`
	Architecture       string `json:"architecture"`
	Concurrency        int    `json:"concurrency"`
	MaxMemory          int    `json:"max_memory"`
	MinThreads         int    `json:"min_threads"`
	Compiler           string `json:"compiler"`
	CompilerVersion    [3]int `json:"compiler_version"`
	Modified           bool   `json:"modified"`
	ARCH               string `json:"ARCH"`
	NPS                int    `json:"nps"`
	NearGitHubAPILimit bool   `json:"near_github_api_limit"`
	RuntimeVersion     [3]int `json:"python_version"`
}
