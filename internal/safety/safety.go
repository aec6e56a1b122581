// Package safety gates every tool invocation. A deterministic rule pass
// always runs and sets the floor; an optional LLM pass may only make the
// verdict stricter.
package safety

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ashita-ai/michi/internal/model"
	"github.com/ashita-ai/michi/internal/prompt"
	"github.com/ashita-ai/michi/internal/service/llm"
	"github.com/ashita-ai/michi/internal/structured"
	"github.com/ashita-ai/michi/internal/tools"
)

// Reason sources.
const (
	SourceRule = "rule"
	SourceLLM  = "llm"
)

// Rule messages, fed back to the agent verbatim.
const (
	MsgConfirmationTool = "Tool requires explicit human confirmation."
	MsgExecBlocked      = "Execution tools are blocked by policy."
	MsgSideEffects      = "Tool has side effects and requires human confirmation."
	MsgSensitiveArgs    = "Arguments appear to contain sensitive data (credentials or secrets)."
	MsgReviewFailed     = "Safety review unavailable; human confirmation required."
)

var sensitiveTokens = []string{
	"password", "secret", "token", "api key", "api_key", "apikey", "access key", "access_key",
}

// Request is one invocation to evaluate.
type Request struct {
	Goal string
	Mode model.RunMode
	Tool tools.Tool
	Args json.RawMessage
}

// Result is the guard's verdict with its reasons.
type Result struct {
	Decision model.Verdict
	Reasons  []model.SafetyReason
	Feedback string // Text fed back into the next plan; empty when allowed.
}

// Config controls the guard.
type Config struct {
	ConfirmationTool string

	// LLM enables the second-opinion pass when non-nil.
	LLM        llm.Generator
	Model      string
	MaxTokens  int
	Timeout    time.Duration
	FailClosed bool // A failed second opinion yields confirm instead of allow.
}

// Guard evaluates tool invocations.
type Guard struct {
	cfg    Config
	logger *slog.Logger
}

// New creates a Guard.
func New(cfg Config, logger *slog.Logger) *Guard {
	return &Guard{cfg: cfg, logger: logger}
}

// Evaluate runs the rule pass and, when configured, the LLM pass, and
// combines them.
func (g *Guard) Evaluate(ctx context.Context, req Request) Result {
	rules := g.Rules(req)
	if g.cfg.LLM == nil {
		return rules
	}
	second := g.review(ctx, req)
	res := Combine(rules, second)
	g.logger.Debug("safety: evaluated",
		"tool", req.Tool.Name,
		"rule_decision", rules.Decision,
		"llm_decision", second.Decision,
		"decision", res.Decision)
	return res
}

// Rules is the deterministic pass. Every rule is evaluated; the strictest
// decision wins and reasons accumulate in rule order.
func (g *Guard) Rules(req Request) Result {
	res := Result{Decision: model.VerdictAllow}
	add := func(v model.Verdict, code, msg string) {
		res.Decision = model.Stricter(res.Decision, v)
		res.Reasons = append(res.Reasons, model.SafetyReason{Source: SourceRule, Code: code, Message: msg})
	}

	if req.Tool.Name == g.cfg.ConfirmationTool {
		add(model.VerdictConfirm, "confirmation_tool", MsgConfirmationTool)
	}
	if req.Tool.Permission == tools.PermExec {
		add(model.VerdictBlock, "exec_permission", MsgExecBlocked)
	}
	if req.Tool.SideEffects && (req.Tool.Permission == tools.PermWrite || req.Tool.Permission == tools.PermNetwork) {
		add(model.VerdictConfirm, "side_effects", MsgSideEffects)
	}
	if containsSensitive(req.Args) {
		add(model.VerdictBlock, "sensitive_args", MsgSensitiveArgs)
	}

	res.Feedback = feedbackOf(res.Reasons)
	return res
}

// Combine merges the rule pass with the LLM pass: the stricter decision
// wins, reasons are rule-first, and feedback prefers the LLM pass.
func Combine(rules, second Result) Result {
	out := Result{
		Decision: model.Stricter(rules.Decision, second.Decision),
		Reasons:  make([]model.SafetyReason, 0, len(rules.Reasons)+len(second.Reasons)),
		Feedback: rules.Feedback,
	}
	out.Reasons = append(out.Reasons, rules.Reasons...)
	out.Reasons = append(out.Reasons, second.Reasons...)
	if second.Feedback != "" {
		out.Feedback = second.Feedback
	}
	return out
}

type llmVerdict struct {
	Decision model.Verdict `json:"decision" validate:"required,oneof=allow confirm block"`
	Reasons  []string      `json:"reasons,omitempty"`
	Feedback string        `json:"feedback,omitempty"`
}

// review is the LLM pass. Failures are fail-open (allow, no reasons)
// unless FailClosed is set.
func (g *Guard) review(ctx context.Context, req Request) Result {
	prefix := prompt.ModePrefix(req.Mode)
	opts := llm.Options{
		Model:       g.cfg.Model,
		Temperature: 0,
		MaxTokens:   g.cfg.MaxTokens,
		JSONMode:    true,
		Timeout:     g.cfg.Timeout,
	}

	// Decoded once. A malformed verdict counts as a failed review.
	raw, err := g.cfg.LLM.Generate(ctx, prefix+reviewPrompt(req), opts)
	if err == nil {
		var v llmVerdict
		v, err = structured.Decode[llmVerdict](raw, "")
		if err == nil {
			res := Result{Decision: v.Decision, Feedback: v.Feedback}
			for _, r := range v.Reasons {
				res.Reasons = append(res.Reasons, model.SafetyReason{Source: SourceLLM, Code: "llm_review", Message: r})
			}
			return res
		}
	}

	g.logger.Warn("safety: llm review failed", "tool", req.Tool.Name, "fail_closed", g.cfg.FailClosed, "error", err)
	if g.cfg.FailClosed {
		return Result{
			Decision: model.VerdictConfirm,
			Reasons:  []model.SafetyReason{{Source: SourceLLM, Code: "review_failed", Message: MsgReviewFailed}},
		}
	}
	return Result{Decision: model.VerdictAllow}
}

func reviewPrompt(req Request) string {
	var b strings.Builder
	b.WriteString("You are a safety reviewer for an autonomous agent. Decide whether the tool call below may run.\n")
	b.WriteString("Answer with a JSON object: {\"decision\":\"allow|confirm|block\",\"reasons\":[\"...\"],\"feedback\":\"...\"}.\n")
	b.WriteString("Use confirm when a human should approve first and block when the call must never run.\n\n")
	fmt.Fprintf(&b, "User goal: %s\n", req.Goal)
	fmt.Fprintf(&b, "Tool: %s (%s", req.Tool.Name, req.Tool.Permission)
	if req.Tool.SideEffects {
		b.WriteString(", side effects")
	}
	fmt.Fprintf(&b, ") %s\n", req.Tool.Description)
	fmt.Fprintf(&b, "Arguments: %s\n", string(req.Args))
	return b.String()
}

func containsSensitive(args json.RawMessage) bool {
	s := strings.ToLower(string(args))
	for _, tok := range sensitiveTokens {
		if strings.Contains(s, tok) {
			return true
		}
	}
	return false
}

func feedbackOf(reasons []model.SafetyReason) string {
	msgs := make([]string, 0, len(reasons))
	for _, r := range reasons {
		msgs = append(msgs, r.Message)
	}
	return strings.Join(msgs, " ")
}
