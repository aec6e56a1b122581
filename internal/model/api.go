package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MaxGoalLen bounds the goal text accepted from callers. Goals are embedded
// in every prompt of a run.
const MaxGoalLen = 8 * 1024

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// ListResponse is the standard envelope for list endpoints.
type ListResponse struct {
	Data    any          `json:"data"`
	HasMore bool         `json:"has_more"`
	Limit   int          `json:"limit"`
	Offset  int          `json:"offset"`
	Meta    ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeUnauthorized  = "UNAUTHORIZED"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeRateLimited   = "RATE_LIMITED"
	ErrCodeInternalError = "INTERNAL_ERROR"
	ErrCodeUpstream      = "UPSTREAM_ERROR"
)

// CreateRunRequest is the request body for POST /v1/runs.
type CreateRunRequest struct {
	Mode  string          `json:"mode,omitempty"`
	Goal  string          `json:"goal"`
	Input json.RawMessage `json:"input,omitempty"`
}

// Validate checks the request and returns the parsed mode.
func (r CreateRunRequest) Validate() (RunMode, error) {
	if r.Goal == "" {
		return "", fmt.Errorf("goal is required")
	}
	if len(r.Goal) > MaxGoalLen {
		return "", fmt.Errorf("goal exceeds maximum length of %d bytes", MaxGoalLen)
	}
	if len(r.Input) > 0 && !json.Valid(r.Input) {
		return "", fmt.Errorf("input must be valid JSON")
	}
	return ParseRunMode(r.Mode)
}

// ConfirmRequest is the request body for
// POST /v1/runs/{run_id}/invocations/{invocation_id}/confirm.
// Approved defaults to true when the body is empty.
type ConfirmRequest struct {
	Approved *bool  `json:"approved,omitempty"`
	Note     string `json:"note,omitempty"`
}

// IsApproved reports the effective approval value.
func (r ConfirmRequest) IsApproved() bool {
	return r.Approved == nil || *r.Approved
}

// RunOutcome summarizes what one call into the runtime produced.
type RunOutcome struct {
	RunID                uuid.UUID        `json:"run_id"`
	Status               RunStatus        `json:"status"`
	StepsRecorded        int              `json:"steps_recorded"`
	Final                *FinalResponse   `json:"final,omitempty"`
	ErrorMessage         string           `json:"error_message,omitempty"`
	PendingConfirmations []ToolInvocation `json:"pending_confirmations,omitempty"`
}

// ToolInfo advertises one registered tool.
type ToolInfo struct {
	Name         string          `json:"name"`
	Description  string          `json:"description"`
	Permission   string          `json:"permission"`
	SideEffects  bool            `json:"side_effects"`
	InputSchema  json.RawMessage `json:"input_schema"`
	OutputSchema json.RawMessage `json:"output_schema"`
}

// HealthResponse is the response for GET /health.
type HealthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Store    string `json:"store"`
	Postgres string `json:"postgres,omitempty"`
	Qdrant   string `json:"qdrant,omitempty"`
	Uptime   int64  `json:"uptime_seconds"`
}
