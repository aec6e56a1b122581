package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// InvocationStatus is the state of one attempted tool call.
type InvocationStatus string

const (
	InvocationSuccess           InvocationStatus = "success"
	InvocationFailed            InvocationStatus = "failed"
	InvocationBlocked           InvocationStatus = "blocked"
	InvocationNeedsConfirmation InvocationStatus = "needs_confirmation"
)

// ToolInvocation is one attempted tool call, owned by exactly one tool step.
// FinishedAt stays nil while the invocation awaits confirmation or execution.
type ToolInvocation struct {
	ID           uuid.UUID        `json:"id"`
	RunID        uuid.UUID        `json:"run_id"`
	StepID       uuid.UUID        `json:"step_id"`
	ToolName     string           `json:"tool_name"`
	Args         json.RawMessage  `json:"args,omitempty"`
	Result       json.RawMessage  `json:"result,omitempty"`
	Status       InvocationStatus `json:"status"`
	StartedAt    time.Time        `json:"started_at"`
	FinishedAt   *time.Time       `json:"finished_at,omitempty"`
	ErrorMessage *string          `json:"error_message,omitempty"`
}

// Verdict is a safety decision. Verdicts are ordered by strictness.
type Verdict string

const (
	VerdictAllow   Verdict = "allow"
	VerdictConfirm Verdict = "confirm"
	VerdictBlock   Verdict = "block"
)

// Rank orders verdicts: allow(0) < confirm(1) < block(2). Unknown values
// rank as block.
func (v Verdict) Rank() int {
	switch v {
	case VerdictAllow:
		return 0
	case VerdictConfirm:
		return 1
	default:
		return 2
	}
}

// Valid reports whether v is one of the known verdicts.
func (v Verdict) Valid() bool {
	return v == VerdictAllow || v == VerdictConfirm || v == VerdictBlock
}

// Stricter returns whichever of a and b has the higher rank. Ties return a.
func Stricter(a, b Verdict) Verdict {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// SafetyReason is one structured reason behind a verdict.
type SafetyReason struct {
	Source  string `json:"source"` // "rule" or "llm"
	Code    string `json:"code"`
	Message string `json:"message"`
}

// SafetyDecision is the guard's verdict for one invocation. Immutable.
type SafetyDecision struct {
	ID           uuid.UUID      `json:"id"`
	InvocationID uuid.UUID      `json:"invocation_id"`
	Decision     Verdict        `json:"decision"`
	Reasons      []SafetyReason `json:"reasons"`
	Feedback     *string        `json:"feedback,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// RoutingDecision records one router output. Append-only.
type RoutingDecision struct {
	ID        uuid.UUID  `json:"id"`
	RunID     uuid.UUID  `json:"run_id"`
	StepID    *uuid.UUID `json:"step_id,omitempty"`
	Provider  string     `json:"provider"`
	Model     string     `json:"model"`
	Toolset   []string   `json:"toolset"`
	Reason    string     `json:"reason"`
	CreatedAt time.Time  `json:"created_at"`
}

// PendingConfirmation is an invocation awaiting a human decision, joined
// with enough run context to present it.
type PendingConfirmation struct {
	Invocation ToolInvocation  `json:"invocation"`
	Goal       string          `json:"goal"`
	Mode       RunMode         `json:"mode"`
	Decision   *SafetyDecision `json:"decision,omitempty"`
}
