package michi

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Mode selects the behavioral profile of a run.
type Mode string

const (
	ModeGeneric      Mode = "generic"
	ModeMentor       Mode = "mentor"
	ModeCoach        Mode = "coach"
	ModeDeepResearch Mode = "deep_research"
	ModeCodeAssist   Mode = "code_assist"
)

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	RunStatusQueued    RunStatus = "queued"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed || s == RunStatusCancelled
}

// CreateRunRequest is the body of POST /v1/runs.
type CreateRunRequest struct {
	Mode  Mode            `json:"mode,omitempty"`
	Goal  string          `json:"goal"`
	Input json.RawMessage `json:"input,omitempty"`
}

// Run mirrors the server's run record.
type Run struct {
	ID           uuid.UUID       `json:"id"`
	UserID       string          `json:"user_id"`
	Mode         Mode            `json:"mode"`
	Goal         string          `json:"goal"`
	Input        json.RawMessage `json:"input,omitempty"`
	Status       RunStatus       `json:"status"`
	Result       json.RawMessage `json:"result,omitempty"`
	ErrorMessage *string         `json:"error_message,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	FinishedAt   *time.Time      `json:"finished_at,omitempty"`
}

// Citation points at the source backing part of a final response.
type Citation struct {
	Source string `json:"source"`
	Ref    string `json:"ref,omitempty"`
	Quote  string `json:"quote,omitempty"`
}

// FinalResponse is the user-facing answer of a completed run.
type FinalResponse struct {
	Message   string     `json:"message"`
	Hints     []string   `json:"hints,omitempty"`
	Questions []string   `json:"questions,omitempty"`
	Citations []Citation `json:"citations,omitempty"`
}

// RunOutcome is returned by synchronous create and continue calls.
type RunOutcome struct {
	RunID                uuid.UUID        `json:"run_id"`
	Status               RunStatus        `json:"status"`
	StepsRecorded        int              `json:"steps_recorded"`
	Final                *FinalResponse   `json:"final,omitempty"`
	ErrorMessage         string           `json:"error_message,omitempty"`
	PendingConfirmations []ToolInvocation `json:"pending_confirmations,omitempty"`
}

// Step is one recorded unit of agent work.
type Step struct {
	ID        uuid.UUID       `json:"id"`
	RunID     uuid.UUID       `json:"run_id"`
	StepIndex int             `json:"step_index"`
	Kind      string          `json:"kind"`
	Input     json.RawMessage `json:"input,omitempty"`
	Output    json.RawMessage `json:"output,omitempty"`
	Patched   bool            `json:"patched"`
	CreatedAt time.Time       `json:"created_at"`
}

// InvocationStatus is the state of one attempted tool call.
type InvocationStatus string

const (
	InvocationSuccess           InvocationStatus = "success"
	InvocationFailed            InvocationStatus = "failed"
	InvocationBlocked           InvocationStatus = "blocked"
	InvocationNeedsConfirmation InvocationStatus = "needs_confirmation"
)

// ToolInvocation is one attempted tool call.
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

// SafetyReason is one structured reason behind a safety verdict.
type SafetyReason struct {
	Source  string `json:"source"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// SafetyDecision is the guard's verdict for one invocation.
type SafetyDecision struct {
	ID           uuid.UUID      `json:"id"`
	InvocationID uuid.UUID      `json:"invocation_id"`
	Decision     string         `json:"decision"`
	Reasons      []SafetyReason `json:"reasons"`
	Feedback     *string        `json:"feedback,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// RoutingDecision records which provider and model served a step.
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

// Evidence links a claim made during the run to its supporting data.
type Evidence struct {
	ID           uuid.UUID `json:"id"`
	RunID        uuid.UUID `json:"run_id"`
	Claim        string    `json:"claim"`
	EvidenceText string    `json:"evidence_text"`
	SourceType   string    `json:"source_type"`
	SourceRef    *string   `json:"source_ref,omitempty"`
	Confidence   float64   `json:"confidence"`
	CreatedAt    time.Time `json:"created_at"`
}

// RunDetail is a run with everything recorded against it.
type RunDetail struct {
	Run              Run               `json:"run"`
	Steps            []Step            `json:"steps"`
	Invocations      []ToolInvocation  `json:"invocations"`
	SafetyDecisions  []SafetyDecision  `json:"safety_decisions"`
	RoutingDecisions []RoutingDecision `json:"routing_decisions"`
	Evidence         []Evidence        `json:"evidence"`
}

// PendingConfirmation is an invocation awaiting the caller's decision.
type PendingConfirmation struct {
	Invocation ToolInvocation  `json:"invocation"`
	Goal       string          `json:"goal"`
	Mode       Mode            `json:"mode"`
	Decision   *SafetyDecision `json:"decision,omitempty"`
}

// ConfirmRequest is the body of a confirm call. A nil Approved approves.
type ConfirmRequest struct {
	Approved *bool  `json:"approved,omitempty"`
	Note     string `json:"note,omitempty"`
}

// ToolInfo describes one tool the agent can call.
type ToolInfo struct {
	Name         string          `json:"name"`
	Description  string          `json:"description"`
	Permission   string          `json:"permission"`
	SideEffects  bool            `json:"side_effects"`
	InputSchema  json.RawMessage `json:"input_schema"`
	OutputSchema json.RawMessage `json:"output_schema"`
}

// Health is the body of GET /health.
type Health struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Store    string `json:"store"`
	Postgres string `json:"postgres,omitempty"`
	Qdrant   string `json:"qdrant,omitempty"`
	Uptime   int64  `json:"uptime_seconds"`
}

type apiEnvelope struct {
	Data json.RawMessage `json:"data"`
}

type apiErrorEnvelope struct {
	Error struct {
		Code    string          `json:"code"`
		Message string          `json:"message"`
		Details json.RawMessage `json:"details,omitempty"`
	} `json:"error"`
}
