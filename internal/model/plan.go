package model

import "encoding/json"

// Stage is a plan's self-reported phase.
type Stage string

const (
	StagePlan   Stage = "plan"
	StageVerify Stage = "verify"
	StageFinal  Stage = "final"
)

// Plan is the JSON object a planning call must produce. Field names follow
// the prompt contract, not the snake_case used by the HTTP API.
type Plan struct {
	Stage     Stage          `json:"stage" validate:"required,oneof=plan verify final"`
	Thought   string         `json:"thought,omitempty"`
	ToolCalls []ToolCall     `json:"toolCalls,omitempty" validate:"omitempty,dive"`
	Claims    []Claim        `json:"claims,omitempty" validate:"omitempty,dive"`
	Final     *FinalResponse `json:"final,omitempty" validate:"omitempty"`
}

// IsFinal reports whether the plan ends the run directly.
func (p Plan) IsFinal() bool {
	return p.Stage == StageFinal && p.Final != nil
}

// ToolCall requests one tool invocation.
type ToolCall struct {
	Tool string          `json:"tool" validate:"required"`
	Args json.RawMessage `json:"args,omitempty"`
}

// Claim is an assertion made during planning.
type Claim struct {
	Text          string `json:"text" validate:"required"`
	NeedsEvidence bool   `json:"needsEvidence"`
}

// FinalResponse is the user-facing result of a run.
type FinalResponse struct {
	Message   string     `json:"message" validate:"required"`
	Hints     []string   `json:"hints,omitempty"`
	Questions []string   `json:"questions,omitempty"`
	Citations []Citation `json:"citations,omitempty" validate:"omitempty,dive"`
}

// Citation points at the source backing part of a final response.
type Citation struct {
	Source string `json:"source" validate:"required"`
	Ref    string `json:"ref,omitempty"`
	Quote  string `json:"quote,omitempty"`
}

// ToolResult is the per-call record carried in tool step outputs and fed
// back into subsequent prompts.
type ToolResult struct {
	InvocationID string           `json:"invocationId,omitempty"`
	Tool         string           `json:"tool"`
	Status       InvocationStatus `json:"status"`
	Result       json.RawMessage  `json:"result,omitempty"`
	Error        string           `json:"error,omitempty"`
	Feedback     string           `json:"feedback,omitempty"`
}
