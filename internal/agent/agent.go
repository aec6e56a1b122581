// Package agent is the orchestration loop: plan, dispatch tools through the
// safety guard, verify claims, and answer. Every artifact is persisted to the
// run store before the loop moves on, so a run can be resumed from the store
// alone by Continue.
//
// Both the HTTP API and the MCP server drive runs through this package.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/michi/internal/model"
	"github.com/ashita-ai/michi/internal/router"
	"github.com/ashita-ai/michi/internal/safety"
	"github.com/ashita-ai/michi/internal/service/llm"
	"github.com/ashita-ai/michi/internal/telemetry"
	"github.com/ashita-ai/michi/internal/tools"
)

// StepLimitMessage is the error message of a run that exhausted its budget.
const StepLimitMessage = "Step limit exceeded"

// Dispatch error messages recorded on blocked invocations.
const (
	MsgToolNotRegistered = "Tool not registered"
	MsgInvalidToolArgs   = "Invalid tool args"
)

var (
	// ErrRunState is returned when a run is not in a state the operation accepts.
	ErrRunState = errors.New("agent: run is not in a valid state for this operation")
	// ErrConfirmationPending is returned by Continue while invocations still
	// await a human decision.
	ErrConfirmationPending = errors.New("agent: run has invocations awaiting confirmation")
	// ErrRunParams is returned by Run when explicit parameters disagree with
	// the stored run.
	ErrRunParams = errors.New("agent: run parameters differ from the stored run")
	// ErrNotPending is returned when an invocation is not awaiting confirmation.
	ErrNotPending = errors.New("agent: invocation is not awaiting confirmation")
)

// Store is the run store contract the runtime consumes.
type Store interface {
	GetRun(ctx context.Context, userID string, id uuid.UUID) (model.Run, error)
	StartRun(ctx context.Context, userID string, id uuid.UUID) (model.Run, error)
	FinishRun(ctx context.Context, id uuid.UUID, status model.RunStatus, result json.RawMessage, errMsg *string) error
	CancelRun(ctx context.Context, userID string, id uuid.UUID) (model.Run, error)

	CreateStep(ctx context.Context, step model.Step) (model.Step, error)
	ListSteps(ctx context.Context, runID uuid.UUID) ([]model.Step, error)
	PatchStepOutput(ctx context.Context, stepID uuid.UUID, output json.RawMessage) error

	CreateInvocation(ctx context.Context, inv model.ToolInvocation, decision *model.SafetyDecision) (model.ToolInvocation, error)
	FinishInvocation(ctx context.Context, id uuid.UUID, status model.InvocationStatus, result json.RawMessage, errMsg *string) error
	ClaimConfirmation(ctx context.Context, runID, id uuid.UUID) (model.ToolInvocation, error)
	RejectConfirmation(ctx context.Context, runID, id uuid.UUID, reason string) (model.ToolInvocation, error)
	GetInvocation(ctx context.Context, runID, id uuid.UUID) (model.ToolInvocation, error)
	ListInvocations(ctx context.Context, runID uuid.UUID) ([]model.ToolInvocation, error)

	CreateRoutingDecision(ctx context.Context, d model.RoutingDecision) (model.RoutingDecision, error)
	CreateEvidence(ctx context.Context, evs []model.Evidence) ([]model.Evidence, error)
	CreateExperience(ctx context.Context, exp model.Experience) (model.Experience, error)
}

// Recall finds similar past experiences and indexes new ones.
type Recall interface {
	Embed(ctx context.Context, situation string) (*pgvector.Vector, error)
	Recall(ctx context.Context, userID, situation string, limit int) ([]model.Experience, error)
	Index(ctx context.Context, exp model.Experience) error
}

// Deps are the runtime's collaborators. Recall may be nil.
type Deps struct {
	Store      Store
	Generators map[string]llm.Generator // keyed by provider name
	Router     *router.Router
	Guard      *safety.Guard
	Registry   *tools.Registry
	Recall     Recall
	Logger     *slog.Logger
}

// Config bounds the loop.
type Config struct {
	StepLimit     int // Plan iterations per run, shared by Run and every Continue.
	ParallelPlans int // Candidate plans per iteration.
	MaxTokens     int
	LLMTimeout    time.Duration
	RecallLimit   int // Past experiences shown to the planner; 0 means 3.
}

// Runtime executes runs.
type Runtime struct {
	store      Store
	generators map[string]llm.Generator
	router     *router.Router
	guard      *safety.Guard
	registry   *tools.Registry
	recall     Recall
	logger     *slog.Logger
	cfg        Config

	toolInvocations metric.Int64Counter
	planCandidates  metric.Int64Counter
	runsFinished    metric.Int64Counter
}

// New validates deps and builds a Runtime.
func New(deps Deps, cfg Config) (*Runtime, error) {
	switch {
	case deps.Store == nil:
		return nil, fmt.Errorf("agent: store is required")
	case len(deps.Generators) == 0:
		return nil, fmt.Errorf("agent: at least one generator is required")
	case deps.Router == nil:
		return nil, fmt.Errorf("agent: router is required")
	case deps.Guard == nil:
		return nil, fmt.Errorf("agent: guard is required")
	case deps.Registry == nil:
		return nil, fmt.Errorf("agent: registry is required")
	}
	if cfg.StepLimit <= 0 {
		cfg.StepLimit = 12
	}
	if cfg.ParallelPlans <= 0 {
		cfg.ParallelPlans = 3
	}
	if cfg.RecallLimit <= 0 {
		cfg.RecallLimit = 3
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	meter := telemetry.Meter("michi/agent")
	invocations, _ := meter.Int64Counter("michi.tool.invocations",
		metric.WithDescription("Tool invocations by resulting status"),
	)
	candidates, _ := meter.Int64Counter("michi.plan.candidates",
		metric.WithDescription("Candidate plans generated"),
	)
	finished, _ := meter.Int64Counter("michi.runs.finished",
		metric.WithDescription("Runs reaching a terminal status"),
	)

	return &Runtime{
		store:           deps.Store,
		generators:      deps.Generators,
		router:          deps.Router,
		guard:           deps.Guard,
		registry:        deps.Registry,
		recall:          deps.Recall,
		logger:          logger,
		cfg:             cfg,
		toolInvocations: invocations,
		planCandidates:  candidates,
		runsFinished:    finished,
	}, nil
}

// Registry returns the tool registry the runtime dispatches through.
func (rt *Runtime) Registry() *tools.Registry {
	return rt.registry
}

// RunParams identifies the run to execute. Mode, Goal and Input are
// optional; when set they must match the stored run.
type RunParams struct {
	RunID  uuid.UUID
	UserID string
	Mode   model.RunMode
	Goal   string
	Input  json.RawMessage
}
