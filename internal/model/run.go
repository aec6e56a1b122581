// Package model defines the core domain types for Michi.
//
// Types correspond directly to database tables and the JSON contracts
// exchanged with language models. Payloads whose shape is owned by a tool
// or by the caller are carried as json.RawMessage.
package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RunMode selects the behavioral contract injected into every LLM prompt.
type RunMode string

const (
	ModeMentor       RunMode = "mentor"
	ModeCoach        RunMode = "coach"
	ModeDeepResearch RunMode = "deep_research"
	ModeCodeAssist   RunMode = "code_assist"
	ModeGeneric      RunMode = "generic"
)

// ParseRunMode validates a mode string against the closed set.
func ParseRunMode(s string) (RunMode, error) {
	switch m := RunMode(s); m {
	case ModeMentor, ModeCoach, ModeDeepResearch, ModeCodeAssist, ModeGeneric:
		return m, nil
	case "":
		return ModeGeneric, nil
	default:
		return "", fmt.Errorf("unknown run mode %q", s)
	}
}

// RunStatus represents the lifecycle state of an agent run.
type RunStatus string

const (
	RunStatusQueued    RunStatus = "queued"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// IsTerminal reports whether no further transition is allowed.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed || s == RunStatusCancelled
}

// CanTransition reports whether s may move to next. The lifecycle is
// queued -> running -> {completed, failed, cancelled}, and a queued run may
// be cancelled before it starts.
func (s RunStatus) CanTransition(next RunStatus) bool {
	switch s {
	case RunStatusQueued:
		return next == RunStatusRunning || next == RunStatusCancelled
	case RunStatusRunning:
		return next == RunStatusCompleted || next == RunStatusFailed || next == RunStatusCancelled
	default:
		return false
	}
}

// Run is one invocation of the agent for a user goal.
type Run struct {
	ID           uuid.UUID       `json:"id"`
	UserID       string          `json:"user_id"`
	Mode         RunMode         `json:"mode"`
	Goal         string          `json:"goal"`
	Input        json.RawMessage `json:"input,omitempty"`
	Status       RunStatus       `json:"status"`
	Result       json.RawMessage `json:"result,omitempty"`
	ErrorMessage *string         `json:"error_message,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	FinishedAt   *time.Time      `json:"finished_at,omitempty"`
}

// StepKind classifies a step in a run's log.
type StepKind string

const (
	StepPlan   StepKind = "plan"
	StepTool   StepKind = "tool"
	StepVerify StepKind = "verify"
	StepFinal  StepKind = "final"
	StepNote   StepKind = "note"
)

// Step is one iteration artifact within a run. StepIndex values are
// contiguous per run. Output may be patched once after creation.
type Step struct {
	ID        uuid.UUID       `json:"id"`
	RunID     uuid.UUID       `json:"run_id"`
	StepIndex int             `json:"step_index"`
	Kind      StepKind        `json:"kind"`
	Input     json.RawMessage `json:"input,omitempty"`
	Output    json.RawMessage `json:"output,omitempty"`
	Patched   bool            `json:"patched"`
	CreatedAt time.Time       `json:"created_at"`
}

// RunDetail is a run with its full child graph.
type RunDetail struct {
	Run              Run               `json:"run"`
	Steps            []Step            `json:"steps"`
	Invocations      []ToolInvocation  `json:"invocations"`
	SafetyDecisions  []SafetyDecision  `json:"safety_decisions"`
	RoutingDecisions []RoutingDecision `json:"routing_decisions"`
	Evidence         []Evidence        `json:"evidence"`
}
