// Package michi provides a Go client for the michi agent runtime API.
package michi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Error represents an error from the michi API with the HTTP status code
// and the server's error message.
type Error struct {
	StatusCode int
	Code       string
	Message    string

	// Details carries the raw error details, e.g. the invocations that
	// block a continue.
	Details json.RawMessage
}

func (e *Error) Error() string {
	return fmt.Sprintf("michi: %s (%d): %s", e.Code, e.StatusCode, e.Message)
}

func hasStatus(err error, status int) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == status
	}
	return false
}

// IsNotFound returns true if the error is a 404.
func IsNotFound(err error) bool { return hasStatus(err, http.StatusNotFound) }

// IsUnauthorized returns true if the error is a 401.
func IsUnauthorized(err error) bool { return hasStatus(err, http.StatusUnauthorized) }

// IsConflict returns true if the error is a 409. Continue returns a
// conflict while invocations await confirmation; see PendingFromError.
func IsConflict(err error) bool { return hasStatus(err, http.StatusConflict) }

// IsRateLimited returns true if the error is a 429 (Too Many Requests).
func IsRateLimited(err error) bool { return hasStatus(err, http.StatusTooManyRequests) }

// IsUpstream returns true if the model provider failed or produced output
// that could not be parsed. The run stays running and can be continued.
func IsUpstream(err error) bool {
	return hasStatus(err, http.StatusBadGateway) || hasStatus(err, http.StatusGatewayTimeout)
}

// PendingFromError extracts the invocations awaiting confirmation from a
// conflict returned by ContinueRun. Returns nil for any other error.
func PendingFromError(err error) []ToolInvocation {
	var e *Error
	if !errors.As(err, &e) || e.StatusCode != http.StatusConflict || len(e.Details) == 0 {
		return nil
	}
	var pending []ToolInvocation
	if json.Unmarshal(e.Details, &pending) != nil {
		return nil
	}
	return pending
}
