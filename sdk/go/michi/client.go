package michi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// UserHeader carries the caller's identity on every request.
const UserHeader = "X-Michi-User"

// Config holds the settings needed to construct a Client.
type Config struct {
	// BaseURL is the root URL of the michi server (e.g. "http://localhost:8080").
	BaseURL string

	// UserID identifies the caller. Runs and confirmations are scoped to it.
	UserID string

	// HTTPClient is an optional custom HTTP client. If nil, a default client
	// with Timeout is used.
	HTTPClient *http.Client

	// Timeout applies to individual API requests. Defaults to 2 minutes
	// because synchronous runs wait for the whole agent loop.
	Timeout time.Duration
}

// Client is an HTTP client for the michi runtime API.
// All methods are safe for concurrent use.
type Client struct {
	baseURL string
	userID  string
	client  *http.Client
}

// NewClient creates a Client from the given configuration.
// Returns an error if BaseURL or UserID is empty.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("michi: BaseURL is required")
	}
	if cfg.UserID == "" {
		return nil, fmt.Errorf("michi: UserID is required")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 2 * time.Minute
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		userID:  cfg.UserID,
		client:  httpClient,
	}, nil
}

// Run creates a run and waits for the agent loop to stop. The outcome is
// running with PendingConfirmations when a tool call needs approval.
func (c *Client) Run(ctx context.Context, req CreateRunRequest) (*RunOutcome, error) {
	var out RunOutcome
	if err := c.post(ctx, "/v1/runs?wait=true", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// StartRun creates a run that executes in the background and returns the
// queued record immediately. Poll GetRun for progress.
func (c *Client) StartRun(ctx context.Context, req CreateRunRequest) (*Run, error) {
	var run Run
	if err := c.post(ctx, "/v1/runs", req, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// ContinueRun resumes a running run and waits for it to stop again. When
// invocations still await confirmation the server answers 409; use
// PendingFromError to read them.
func (c *Client) ContinueRun(ctx context.Context, runID uuid.UUID) (*RunOutcome, error) {
	var out RunOutcome
	if err := c.post(ctx, "/v1/runs/"+runID.String()+"/continue?wait=true", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CancelRun cancels a queued or running run.
func (c *Client) CancelRun(ctx context.Context, runID uuid.UUID) (*Run, error) {
	var run Run
	if err := c.post(ctx, "/v1/runs/"+runID.String()+"/cancel", nil, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// GetRun retrieves a run with its steps, invocations, decisions and evidence.
func (c *Client) GetRun(ctx context.Context, runID uuid.UUID) (*RunDetail, error) {
	var detail RunDetail
	if err := c.get(ctx, "/v1/runs/"+runID.String(), &detail); err != nil {
		return nil, err
	}
	return &detail, nil
}

// ListRuns returns the caller's runs, newest first.
func (c *Client) ListRuns(ctx context.Context, limit, offset int) ([]Run, error) {
	params := url.Values{}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		params.Set("offset", strconv.Itoa(offset))
	}
	path := "/v1/runs"
	if len(params) > 0 {
		path += "?" + params.Encode()
	}
	var runs []Run
	if err := c.get(ctx, path, &runs); err != nil {
		return nil, err
	}
	return runs, nil
}

// PendingConfirmations lists every invocation awaiting the caller's decision.
func (c *Client) PendingConfirmations(ctx context.Context) ([]PendingConfirmation, error) {
	var pending []PendingConfirmation
	if err := c.get(ctx, "/v1/confirmations", &pending); err != nil {
		return nil, err
	}
	return pending, nil
}

// Approve executes a pending tool call. The run is not resumed; call
// ContinueRun afterwards.
func (c *Client) Approve(ctx context.Context, runID, invocationID uuid.UUID, note string) (*ToolInvocation, error) {
	approved := true
	return c.confirm(ctx, runID, invocationID, ConfirmRequest{Approved: &approved, Note: note})
}

// Reject fails a pending tool call without running it.
func (c *Client) Reject(ctx context.Context, runID, invocationID uuid.UUID, note string) (*ToolInvocation, error) {
	approved := false
	return c.confirm(ctx, runID, invocationID, ConfirmRequest{Approved: &approved, Note: note})
}

func (c *Client) confirm(ctx context.Context, runID, invocationID uuid.UUID, req ConfirmRequest) (*ToolInvocation, error) {
	path := "/v1/runs/" + runID.String() + "/invocations/" + invocationID.String() + "/confirm"
	var inv ToolInvocation
	if err := c.post(ctx, path, req, &inv); err != nil {
		return nil, err
	}
	return &inv, nil
}

// Tools lists the tools the agent can call.
func (c *Client) Tools(ctx context.Context) ([]ToolInfo, error) {
	var infos []ToolInfo
	if err := c.get(ctx, "/v1/tools", &infos); err != nil {
		return nil, err
	}
	return infos, nil
}

// Health reports server status. An unreachable store answers 503, which is
// returned as an *Error.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	var h Health
	if err := c.get(ctx, "/health", &h); err != nil {
		return nil, err
	}
	return &h, nil
}

func (c *Client) post(ctx context.Context, path string, body any, dest any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("michi: marshal request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("michi: create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return c.doRequest(req, dest)
}

func (c *Client) get(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("michi: create request: %w", err)
	}

	return c.doRequest(req, dest)
}

func (c *Client) doRequest(req *http.Request, dest any) error {
	req.Header.Set(UserHeader, c.userID)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("michi: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	return handleResponse(resp, dest)
}

func handleResponse(resp *http.Response, dest any) error {
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("michi: read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return parseErrorResponse(resp.StatusCode, bodyBytes)
	}

	if resp.StatusCode == http.StatusNoContent || dest == nil {
		return nil
	}

	// Unwrap the server's { "data": ... } envelope.
	var envelope apiEnvelope
	if err := json.Unmarshal(bodyBytes, &envelope); err != nil {
		return fmt.Errorf("michi: decode response envelope: %w", err)
	}
	if envelope.Data == nil {
		return json.Unmarshal(bodyBytes, dest)
	}
	return json.Unmarshal(envelope.Data, dest)
}

func parseErrorResponse(statusCode int, body []byte) *Error {
	apiErr := &Error{StatusCode: statusCode}

	var envelope apiErrorEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
		apiErr.Details = envelope.Error.Details
	} else {
		apiErr.Code = http.StatusText(statusCode)
		apiErr.Message = string(body)
	}

	return apiErr
}
