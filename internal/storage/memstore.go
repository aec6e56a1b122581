package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"

	"github.com/ashita-ai/michi/internal/model"
)

// Memory is an in-process run store with the same semantics as DB. It is
// used when no DATABASE_URL is configured and by tests. Records are copied
// on the way in and out so callers never share backing arrays.
type Memory struct {
	mu          sync.Mutex
	seq         int64
	runs        map[uuid.UUID]model.Run
	steps       map[uuid.UUID][]model.Step
	invocations map[uuid.UUID]model.ToolInvocation
	invOrder    []uuid.UUID
	decisions   map[uuid.UUID]model.SafetyDecision // keyed by invocation ID
	routing     []model.RoutingDecision
	evidence    []model.Evidence
	experiences []model.Experience
	memory      []model.Memory
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		runs:        make(map[uuid.UUID]model.Run),
		steps:       make(map[uuid.UUID][]model.Step),
		invocations: make(map[uuid.UUID]model.ToolInvocation),
		decisions:   make(map[uuid.UUID]model.SafetyDecision),
	}
}

// now returns a strictly increasing timestamp so ordering by time is stable
// even within one clock tick.
func (m *Memory) now() time.Time {
	m.seq++
	return time.Now().UTC().Add(time.Duration(m.seq) * time.Nanosecond)
}

// CreateRun inserts a queued run.
func (m *Memory) CreateRun(_ context.Context, run model.Run) (model.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	if _, ok := m.runs[run.ID]; ok {
		return model.Run{}, fmt.Errorf("storage: create run %s: %w", run.ID, ErrConflict)
	}
	run.Status = model.RunStatusQueued
	run.CreatedAt = m.now()
	run.Input = cloneJSON(run.Input)
	m.runs[run.ID] = run
	return run, nil
}

// GetRun retrieves a run by ID, scoped to the given user.
func (m *Memory) GetRun(_ context.Context, userID string, id uuid.UUID) (model.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getRunLocked(userID, id)
}

func (m *Memory) getRunLocked(userID string, id uuid.UUID) (model.Run, error) {
	run, ok := m.runs[id]
	if !ok || run.UserID != userID {
		return model.Run{}, fmt.Errorf("storage: run %s: %w", id, ErrNotFound)
	}
	return run, nil
}

// ListRuns returns a user's runs, newest first.
func (m *Memory) ListRuns(_ context.Context, userID string, limit, offset int) ([]model.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 {
		limit = 50
	}
	var runs []model.Run
	for _, r := range m.runs {
		if r.UserID == userID {
			runs = append(runs, r)
		}
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].CreatedAt.After(runs[j].CreatedAt) })
	return page(runs, limit, offset), nil
}

// StartRun moves a queued run owned by userID to running.
func (m *Memory) StartRun(_ context.Context, userID string, id uuid.UUID) (model.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, err := m.getRunLocked(userID, id)
	if err != nil {
		return model.Run{}, err
	}
	if run.Status != model.RunStatusQueued {
		return model.Run{}, fmt.Errorf("storage: start run %s: %w", id, ErrInvalidTransition)
	}
	now := m.now()
	run.Status = model.RunStatusRunning
	run.StartedAt = &now
	m.runs[id] = run
	return run, nil
}

// FinishRun moves a running run to a terminal status.
func (m *Memory) FinishRun(_ context.Context, id uuid.UUID, status model.RunStatus, result json.RawMessage, errMsg *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return fmt.Errorf("storage: run %s: %w", id, ErrNotFound)
	}
	if run.Status != model.RunStatusRunning || !run.Status.CanTransition(status) {
		return fmt.Errorf("storage: finish run %s as %s: %w", id, status, ErrInvalidTransition)
	}
	now := m.now()
	run.Status = status
	run.Result = cloneJSON(result)
	run.ErrorMessage = errMsg
	run.FinishedAt = &now
	m.runs[id] = run
	return nil
}

// CancelRun moves a queued or running run owned by userID to cancelled.
func (m *Memory) CancelRun(_ context.Context, userID string, id uuid.UUID) (model.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, err := m.getRunLocked(userID, id)
	if err != nil {
		return model.Run{}, err
	}
	if !run.Status.CanTransition(model.RunStatusCancelled) {
		return model.Run{}, fmt.Errorf("storage: cancel run %s: %w", id, ErrInvalidTransition)
	}
	now := m.now()
	run.Status = model.RunStatusCancelled
	run.FinishedAt = &now
	m.runs[id] = run
	return run, nil
}

// CreateStep appends a step to a run's log.
func (m *Memory) CreateStep(_ context.Context, step model.Step) (model.Step, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[step.RunID]; !ok {
		return model.Step{}, fmt.Errorf("storage: run %s: %w", step.RunID, ErrNotFound)
	}
	for _, s := range m.steps[step.RunID] {
		if s.StepIndex == step.StepIndex {
			return model.Step{}, fmt.Errorf("storage: step %d of run %s: %w", step.StepIndex, step.RunID, ErrConflict)
		}
	}
	if step.ID == uuid.Nil {
		step.ID = uuid.New()
	}
	step.CreatedAt = m.now()
	step.Patched = false
	step.Input = cloneJSON(step.Input)
	step.Output = cloneJSON(step.Output)
	m.steps[step.RunID] = append(m.steps[step.RunID], step)
	return step, nil
}

// ListSteps returns a run's steps ordered by step index.
func (m *Memory) ListSteps(_ context.Context, runID uuid.UUID) ([]model.Step, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	steps := append([]model.Step(nil), m.steps[runID]...)
	sort.Slice(steps, func(i, j int) bool { return steps[i].StepIndex < steps[j].StepIndex })
	return steps, nil
}

// PatchStepOutput replaces a step's output once.
func (m *Memory) PatchStepOutput(_ context.Context, stepID uuid.UUID, output json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for runID, steps := range m.steps {
		for i := range steps {
			if steps[i].ID != stepID {
				continue
			}
			if steps[i].Patched {
				return fmt.Errorf("storage: step %s: %w", stepID, ErrStepPatched)
			}
			steps[i].Output = cloneJSON(output)
			steps[i].Patched = true
			m.steps[runID] = steps
			return nil
		}
	}
	return fmt.Errorf("storage: step %s: %w", stepID, ErrNotFound)
}

// CreateInvocation records a tool invocation and its optional safety decision.
func (m *Memory) CreateInvocation(_ context.Context, inv model.ToolInvocation, decision *model.SafetyDecision) (model.ToolInvocation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[inv.RunID]; !ok {
		return model.ToolInvocation{}, fmt.Errorf("storage: run %s: %w", inv.RunID, ErrNotFound)
	}
	if inv.ID == uuid.Nil {
		inv.ID = uuid.New()
	}
	if _, ok := m.invocations[inv.ID]; ok {
		return model.ToolInvocation{}, fmt.Errorf("storage: invocation %s: %w", inv.ID, ErrConflict)
	}
	if inv.StartedAt.IsZero() {
		inv.StartedAt = m.now()
	}
	inv.Args = cloneJSON(inv.Args)
	inv.Result = cloneJSON(inv.Result)
	m.invocations[inv.ID] = inv
	m.invOrder = append(m.invOrder, inv.ID)

	if decision != nil {
		if decision.ID == uuid.Nil {
			decision.ID = uuid.New()
		}
		decision.InvocationID = inv.ID
		decision.CreatedAt = m.now()
		d := *decision
		d.Reasons = append([]model.SafetyReason{}, decision.Reasons...)
		m.decisions[inv.ID] = d
	}
	return inv, nil
}

// FinishInvocation records the outcome of an invocation pending execution.
func (m *Memory) FinishInvocation(_ context.Context, id uuid.UUID, status model.InvocationStatus, result json.RawMessage, errMsg *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.invocations[id]
	if !ok {
		return fmt.Errorf("storage: invocation %s: %w", id, ErrNotFound)
	}
	if inv.Status != model.InvocationSuccess || inv.FinishedAt != nil {
		return fmt.Errorf("storage: invocation %s: %w", id, ErrAlreadyResolved)
	}
	now := m.now()
	inv.Status = status
	inv.Result = cloneJSON(result)
	inv.ErrorMessage = errMsg
	inv.FinishedAt = &now
	m.invocations[id] = inv
	return nil
}

// ClaimConfirmation moves a needs_confirmation invocation to pending execution.
func (m *Memory) ClaimConfirmation(_ context.Context, runID, id uuid.UUID) (model.ToolInvocation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.invocations[id]
	if !ok || inv.RunID != runID {
		return model.ToolInvocation{}, fmt.Errorf("storage: invocation %s: %w", id, ErrNotFound)
	}
	if inv.Status != model.InvocationNeedsConfirmation {
		return model.ToolInvocation{}, fmt.Errorf("storage: invocation %s: %w", id, ErrAlreadyResolved)
	}
	inv.Status = model.InvocationSuccess
	inv.Result = nil
	m.invocations[id] = inv
	return inv, nil
}

// RejectConfirmation marks a needs_confirmation invocation failed.
func (m *Memory) RejectConfirmation(_ context.Context, runID, id uuid.UUID, reason string) (model.ToolInvocation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.invocations[id]
	if !ok || inv.RunID != runID {
		return model.ToolInvocation{}, fmt.Errorf("storage: invocation %s: %w", id, ErrNotFound)
	}
	if inv.Status != model.InvocationNeedsConfirmation {
		return model.ToolInvocation{}, fmt.Errorf("storage: invocation %s: %w", id, ErrAlreadyResolved)
	}
	now := m.now()
	inv.Status = model.InvocationFailed
	inv.ErrorMessage = &reason
	inv.FinishedAt = &now
	m.invocations[id] = inv
	return inv, nil
}

// GetInvocation retrieves one invocation of a run.
func (m *Memory) GetInvocation(_ context.Context, runID, id uuid.UUID) (model.ToolInvocation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.invocations[id]
	if !ok || inv.RunID != runID {
		return model.ToolInvocation{}, fmt.Errorf("storage: invocation %s: %w", id, ErrNotFound)
	}
	return inv, nil
}

// ListInvocations returns a run's invocations in dispatch order.
func (m *Memory) ListInvocations(_ context.Context, runID uuid.UUID) ([]model.ToolInvocation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.ToolInvocation
	for _, id := range m.invOrder {
		if inv := m.invocations[id]; inv.RunID == runID {
			out = append(out, inv)
		}
	}
	return out, nil
}

// ListSafetyDecisions returns the safety decisions of a run's invocations.
func (m *Memory) ListSafetyDecisions(_ context.Context, runID uuid.UUID) ([]model.SafetyDecision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.SafetyDecision
	for _, id := range m.invOrder {
		if m.invocations[id].RunID != runID {
			continue
		}
		if d, ok := m.decisions[id]; ok {
			out = append(out, d)
		}
	}
	return out, nil
}

// ListPendingConfirmations returns invocations awaiting confirmation across
// the user's runs, oldest first.
func (m *Memory) ListPendingConfirmations(_ context.Context, userID string) ([]model.PendingConfirmation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.PendingConfirmation
	for _, id := range m.invOrder {
		inv := m.invocations[id]
		run := m.runs[inv.RunID]
		if inv.Status != model.InvocationNeedsConfirmation || run.UserID != userID {
			continue
		}
		p := model.PendingConfirmation{Invocation: inv, Goal: run.Goal, Mode: run.Mode}
		if d, ok := m.decisions[id]; ok {
			p.Decision = &d
		}
		out = append(out, p)
	}
	return out, nil
}

// CreateRoutingDecision appends a router decision.
func (m *Memory) CreateRoutingDecision(_ context.Context, d model.RoutingDecision) (model.RoutingDecision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	d.CreatedAt = m.now()
	d.Toolset = append([]string{}, d.Toolset...)
	m.routing = append(m.routing, d)
	return d, nil
}

// ListRoutingDecisions returns a run's routing decisions in creation order.
func (m *Memory) ListRoutingDecisions(_ context.Context, runID uuid.UUID) ([]model.RoutingDecision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.RoutingDecision
	for _, d := range m.routing {
		if d.RunID == runID {
			out = append(out, d)
		}
	}
	return out, nil
}

// CreateEvidence inserts a batch of evidence records.
func (m *Memory) CreateEvidence(_ context.Context, evs []model.Evidence) ([]model.Evidence, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.Evidence, 0, len(evs))
	for _, ev := range evs {
		if ev.ID == uuid.Nil {
			ev.ID = uuid.New()
		}
		ev.CreatedAt = m.now()
		ev.SourceType = model.ParseEvidenceSource(string(ev.SourceType))
		m.evidence = append(m.evidence, ev)
		out = append(out, ev)
	}
	return out, nil
}

// ListEvidence returns a run's evidence in creation order.
func (m *Memory) ListEvidence(_ context.Context, runID uuid.UUID) ([]model.Evidence, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Evidence
	for _, ev := range m.evidence {
		if ev.RunID == runID {
			out = append(out, ev)
		}
	}
	return out, nil
}

// CreateExperience records the summary of a completed run.
func (m *Memory) CreateExperience(_ context.Context, exp model.Experience) (model.Experience, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.experiences {
		if e.RunID == exp.RunID {
			return model.Experience{}, fmt.Errorf("storage: experience for run %s: %w", exp.RunID, ErrConflict)
		}
	}
	if exp.ID == uuid.Nil {
		exp.ID = uuid.New()
	}
	exp.CreatedAt = m.now()
	exp.Tags = append([]string{}, exp.Tags...)
	m.experiences = append(m.experiences, exp)
	return exp, nil
}

// SimilarExperiences ranks the user's embedded experiences by cosine
// similarity to embedding.
func (m *Memory) SimilarExperiences(_ context.Context, userID string, embedding pgvector.Vector, limit int) ([]model.Experience, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 {
		limit = 3
	}
	query := embedding.Slice()
	var out []model.Experience
	for _, e := range m.experiences {
		if e.UserID != userID || e.Embedding == nil || len(e.Embedding.Slice()) != len(query) {
			continue
		}
		sim := cosine(query, e.Embedding.Slice())
		e.Similarity = &sim
		out = append(out, e)
	}
	sort.SliceStable(out, func(i, j int) bool { return *out[i].Similarity > *out[j].Similarity })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// GetExperiences loads experiences by ID for a user in the order of ids.
func (m *Memory) GetExperiences(_ context.Context, userID string, ids []uuid.UUID) ([]model.Experience, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Experience
	for _, id := range ids {
		for _, e := range m.experiences {
			if e.ID == id && e.UserID == userID {
				out = append(out, e)
				break
			}
		}
	}
	return out, nil
}

// ListExperiences returns the user's experiences, newest first.
func (m *Memory) ListExperiences(_ context.Context, userID string, limit int) ([]model.Experience, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 {
		limit = 50
	}
	var out []model.Experience
	for i := len(m.experiences) - 1; i >= 0 && len(out) < limit; i-- {
		if m.experiences[i].UserID == userID {
			out = append(out, m.experiences[i])
		}
	}
	return out, nil
}

// CreateMemory stores a user-scoped memory note.
func (m *Memory) CreateMemory(_ context.Context, mem model.Memory) (model.Memory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if mem.ID == uuid.Nil {
		mem.ID = uuid.New()
	}
	mem.CreatedAt = m.now()
	m.memory = append(m.memory, mem)
	return mem, nil
}

// ListMemory returns the user's memory notes, newest first, optionally
// filtered by type.
func (m *Memory) ListMemory(_ context.Context, userID string, memType model.MemoryType, limit int) ([]model.Memory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 {
		limit = 20
	}
	var out []model.Memory
	for i := len(m.memory) - 1; i >= 0 && len(out) < limit; i-- {
		mem := m.memory[i]
		if mem.UserID == userID && (memType == "" || mem.Type == memType) {
			out = append(out, mem)
		}
	}
	return out, nil
}

// GetRunDetail loads a run and all of its child records, scoped to userID.
func (m *Memory) GetRunDetail(ctx context.Context, userID string, runID uuid.UUID) (model.RunDetail, error) {
	run, err := m.GetRun(ctx, userID, runID)
	if err != nil {
		return model.RunDetail{}, err
	}
	detail := model.RunDetail{Run: run}
	detail.Steps, _ = m.ListSteps(ctx, runID)
	detail.Invocations, _ = m.ListInvocations(ctx, runID)
	detail.SafetyDecisions, _ = m.ListSafetyDecisions(ctx, runID)
	detail.RoutingDecisions, _ = m.ListRoutingDecisions(ctx, runID)
	detail.Evidence, _ = m.ListEvidence(ctx, runID)
	return detail, nil
}

// Ping always succeeds.
func (m *Memory) Ping(context.Context) error { return nil }

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if len(items) > limit {
		items = items[:limit]
	}
	return items
}

func cloneJSON(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return nil
	}
	return append(json.RawMessage(nil), raw...)
}

func cosine(a, b []float32) float32 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}
